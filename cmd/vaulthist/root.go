package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/vaulthist/internal/client"
	"github.com/TheMichaelB/vaulthist/internal/config"
	"github.com/TheMichaelB/vaulthist/internal/events"
)

var (
	cfg        *config.Config
	logger     *events.Logger
	engine     *client.Client
	configPath string
	jsonOutput bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "vaulthist",
	Short: "Edit history engine for note vaults",
	Long: `vaulthist records, stores, and reconciles versioned edit history
for notes in a vault: branch-aware version manifests, diff-chain
content storage, and crash-safe on-disk archives.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.NewLoader(configPath).Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if verbose {
			cfg.Log.Level = "debug"
		}

		logger, err = events.NewLogger(&cfg.Log)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}

		engine, err = client.New(cfg, logger)
		if err != nil {
			return fmt.Errorf("initialize engine: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if engine != nil {
			return engine.Close()
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		printError("%v", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
}

func printSuccess(format string, args ...interface{}) {
	color.Green(format, args...)
}

func printWarning(format string, args ...interface{}) {
	color.Yellow(format, args...)
}

func printError(format string, args ...interface{}) {
	color.Red(format, args...)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		printError("encode output: %v", err)
	}
}

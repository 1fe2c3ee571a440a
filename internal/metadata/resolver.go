// Package metadata resolves note identity from YAML frontmatter. The
// identity key survives renames and moves, which lets the cleanup
// scanner re-link history to a note that changed paths.
package metadata

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/TheMichaelB/vaulthist/internal/events"
	"github.com/TheMichaelB/vaulthist/internal/storage"
)

var (
	frontmatterOpen  = []byte("---\n")
	frontmatterClose = []byte("\n---")
)

// Resolver finds notes by their frontmatter identity key.
type Resolver struct {
	vault         storage.BlobStore
	key           string
	maxConcurrent int
	logger        *events.Logger
}

// NewResolver creates a resolver over a vault-rooted blob store.
// key is the frontmatter property carrying the identity value.
func NewResolver(vault storage.BlobStore, key string, maxConcurrent int, logger *events.Logger) *Resolver {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Resolver{
		vault:         vault,
		key:           key,
		maxConcurrent: maxConcurrent,
		logger:        logger.WithField("component", "metadata"),
	}
}

// Identity extracts the identity value from raw note content. Returns
// "" when the note has no frontmatter or no identity key.
func Identity(content []byte, key string) string {
	fm, ok := frontmatter(content)
	if !ok {
		return ""
	}

	var props map[string]interface{}
	if err := yaml.Unmarshal(fm, &props); err != nil {
		return ""
	}
	switch v := props[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case int:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}

// frontmatter returns the YAML block between the leading --- fences.
func frontmatter(content []byte) ([]byte, bool) {
	if !bytes.HasPrefix(content, frontmatterOpen) {
		return nil, false
	}
	body := content[len(frontmatterOpen):]
	end := bytes.Index(body, frontmatterClose)
	if end < 0 {
		return nil, false
	}
	return body[:end], true
}

// IdentityFromFile reads a vault file and extracts its identity value.
func (r *Resolver) IdentityFromFile(notePath string) (string, error) {
	data, err := r.vault.Read(notePath)
	if err != nil {
		return "", fmt.Errorf("read note: %w", err)
	}
	return Identity(data, r.key), nil
}

// FindByIdentity walks the vault looking for a markdown file whose
// frontmatter carries the given identity value. Returns the vault-
// relative path and whether a match was found. Reads run bounded in
// parallel; the first match wins.
func (r *Resolver) FindByIdentity(ctx context.Context, identity string) (string, bool, error) {
	if identity == "" {
		return "", false, nil
	}

	paths, err := r.markdownFiles("")
	if err != nil {
		return "", false, err
	}

	var (
		mu    sync.Mutex
		found string
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrent)

	for _, p := range paths {
		if ctx.Err() != nil {
			break
		}
		notePath := p
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			data, err := r.vault.Read(notePath)
			if err != nil {
				r.logger.WithError(err).WithField("path", notePath).Debug("Skipping unreadable note")
				return nil
			}
			if Identity(data, r.key) == identity {
				mu.Lock()
				if found == "" {
					found = notePath
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", false, err
	}
	return found, found != "", nil
}

// markdownFiles lists every .md path under dir, recursively.
func (r *Resolver) markdownFiles(dir string) ([]string, error) {
	entries, err := r.vault.List(dir)
	if err != nil {
		return nil, fmt.Errorf("list vault directory: %w", err)
	}

	var out []string
	for _, fi := range entries {
		if fi.IsDir {
			sub, err := r.markdownFiles(fi.Path)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
			continue
		}
		if strings.EqualFold(path.Ext(fi.Path), ".md") {
			out = append(out, fi.Path)
		}
	}
	return out, nil
}

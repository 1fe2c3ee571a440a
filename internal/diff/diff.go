// Package diff computes and applies line-level deltas for diff-chain
// content storage. A delta references copy ranges in its base and
// carries inserted lines literally, so applying it to the exact base
// reproduces the target byte-for-byte.
package diff

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Op kinds.
const (
	OpCopy   = "copy"
	OpInsert = "insert"
)

// Op is one delta instruction. Copy takes base lines [I1,I2); Insert
// emits Lines.
type Op struct {
	Kind  string   `json:"op"`
	I1    int      `json:"i1,omitempty"`
	I2    int      `json:"i2,omitempty"`
	Lines []string `json:"lines,omitempty"`
}

// Delta transforms one base content into a target content.
type Delta struct {
	BaseLines int  `json:"base_lines"`
	Ops       []Op `json:"ops"`
}

// Compute builds a delta turning base into target.
func Compute(base, target []byte) *Delta {
	baseLines := splitLines(string(base))
	targetLines := splitLines(string(target))

	matcher := difflib.NewMatcher(baseLines, targetLines)

	d := &Delta{BaseLines: len(baseLines)}
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'e':
			d.Ops = append(d.Ops, Op{Kind: OpCopy, I1: op.I1, I2: op.I2})
		case 'r', 'i':
			lines := make([]string, op.J2-op.J1)
			copy(lines, targetLines[op.J1:op.J2])
			d.Ops = append(d.Ops, Op{Kind: OpInsert, Lines: lines})
		case 'd':
			// Deleted base lines are simply not copied.
		}
	}
	return d
}

// Apply replays the delta over base. The base must be the exact
// content the delta was computed against.
func (d *Delta) Apply(base []byte) ([]byte, error) {
	baseLines := splitLines(string(base))
	if len(baseLines) != d.BaseLines {
		return nil, fmt.Errorf("delta base mismatch: have %d lines, delta expects %d",
			len(baseLines), d.BaseLines)
	}

	var sb strings.Builder
	for _, op := range d.Ops {
		switch op.Kind {
		case OpCopy:
			if op.I1 < 0 || op.I2 > len(baseLines) || op.I1 > op.I2 {
				return nil, fmt.Errorf("delta copy range [%d,%d) out of base bounds %d",
					op.I1, op.I2, len(baseLines))
			}
			for _, line := range baseLines[op.I1:op.I2] {
				sb.WriteString(line)
			}
		case OpInsert:
			for _, line := range op.Lines {
				sb.WriteString(line)
			}
		default:
			return nil, fmt.Errorf("unknown delta op %q", op.Kind)
		}
	}
	return []byte(sb.String()), nil
}

// Encode serializes the delta.
func (d *Delta) Encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode delta: %w", err)
	}
	return data, nil
}

// Decode parses a serialized delta.
func Decode(data []byte) (*Delta, error) {
	var d Delta
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode delta: %w", err)
	}
	return &d, nil
}

// splitLines splits keeping line terminators, preserving exact bytes:
// joining the result reproduces the input. Empty input yields no
// lines; trailing content without a newline is its own line.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// Package feedback records free-form user comments in an append-only text file.
package feedback

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var lineBreaks = regexp.MustCompile(`[ \t]*[\r\n\v\f\x{2028}\x{2029}\x{85}]+[ \t]*`)

// Log appends "<timestamp>: <text>" entries separated by a blank line.
type Log struct {
	path string
	mu   sync.Mutex
}

func NewLog(path string) *Log {
	return &Log{path: path}
}

func (l *Log) Path() string { return l.path }

// Append writes one entry. Blank text is ignored and line breaks inside the
// text are folded to single spaces so every entry stays on one line.
func (l *Log) Append(timestamp, text string) error {
	text = lineBreaks.ReplaceAllString(strings.TrimSpace(text), " ")
	if text == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create feedback dir: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open feedback log: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%s: %s\n\n", timestamp, text); err != nil {
		f.Close()
		return fmt.Errorf("write feedback: %w", err)
	}
	return f.Close()
}

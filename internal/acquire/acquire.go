// Package acquire obtains a local audio file from an upload, a remote URL,
// a video page or the object store.
package acquire

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/loqalabs/lovanote/internal/apperr"
	"github.com/loqalabs/lovanote/internal/audio"
)

// Strategy produces an audio asset on local storage.
type Strategy interface {
	Name() string
	Acquire(ctx context.Context) (audio.Asset, error)
}

var allowedExtensions = map[string]bool{
	".mp3": true,
	".wav": true,
	".m4a": true,
}

// AllowedExtension reports whether name carries an accepted audio extension.
func AllowedExtension(name string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(name))]
}

// StorageName prefixes the base of original with a random token.
func StorageName(original string) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return token + "_" + filepath.Base(original)
}

// SafeJoin resolves name inside dir and rejects traversal.
func SafeJoin(dir, name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." || base != name {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return filepath.Join(dir, base), nil
}

// writeLimited streams r into a new file at path, failing once more than
// limit bytes arrive. A non-positive limit disables the check.
func writeLimited(path string, r io.Reader, limit int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(file, src)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err == nil && limit > 0 && n > limit {
		err = fmt.Errorf("%w: limit is %s", apperr.ErrTooLarge, humanize.Bytes(uint64(limit)))
	}
	if err != nil {
		os.Remove(path)
		return 0, err
	}
	return n, nil
}

package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/loqalabs/lovanote/internal/apperr"
	"github.com/loqalabs/lovanote/internal/audio"
)

// Upload stores client-supplied bytes under a collision-resistant name.
type Upload struct {
	Dir      string
	Filename string
	Body     io.Reader
	MaxBytes int64

	stored string
}

func (u *Upload) Name() string { return "upload" }

// StoredName is the generated file name, set after a successful Acquire.
func (u *Upload) StoredName() string { return u.stored }

func (u *Upload) Acquire(ctx context.Context) (audio.Asset, error) {
	if u.Body == nil || u.Filename == "" {
		return audio.Asset{}, apperr.Invalid("upload", apperr.ErrMissingAudio, nil)
	}
	if !AllowedExtension(u.Filename) {
		return audio.Asset{}, apperr.Invalid("upload", apperr.ErrInvalidFileType, fmt.Errorf("extension %q", filepath.Ext(u.Filename)))
	}
	if err := ctx.Err(); err != nil {
		return audio.Asset{}, apperr.Timeout("upload", err)
	}

	name := StorageName(u.Filename)
	path := filepath.Join(u.Dir, name)
	size, err := writeLimited(path, u.Body, u.MaxBytes)
	if errors.Is(err, apperr.ErrTooLarge) {
		return audio.Asset{}, apperr.Invalid("upload", apperr.ErrTooLarge, fmt.Errorf("limit is %s", humanize.Bytes(uint64(u.MaxBytes))))
	}
	if err != nil {
		return audio.Asset{}, apperr.Invalid("upload", apperr.ErrMissingAudio, err)
	}
	u.stored = name
	return audio.Asset{Path: path, OriginalName: filepath.Base(u.Filename), Size: size}, nil
}

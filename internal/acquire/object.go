package acquire

import (
	"context"
	"errors"
	"io"
	"path/filepath"

	"github.com/loqalabs/lovanote/internal/apperr"
	"github.com/loqalabs/lovanote/internal/audio"
)

// ErrObjectMissing is returned by ObjectSource implementations for unknown names.
var ErrObjectMissing = errors.New("object missing")

// ObjectSource reads stored audio by name.
type ObjectSource interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// ObjectFetch copies a stored object into a per-request local file.
type ObjectFetch struct {
	Dir      string
	Store    ObjectSource
	Object   string
	MaxBytes int64
}

func (o *ObjectFetch) Name() string { return "object" }

func (o *ObjectFetch) Acquire(ctx context.Context) (audio.Asset, error) {
	if o.Store == nil {
		return audio.Asset{}, apperr.External("object", apperr.ErrDownload, errors.New("object store not configured"))
	}
	if o.Object == "" {
		return audio.Asset{}, apperr.Invalid("object", apperr.ErrMissingField, errors.New("object name"))
	}
	rc, err := o.Store.Open(ctx, o.Object)
	if err != nil {
		if errors.Is(err, ErrObjectMissing) {
			return audio.Asset{}, apperr.NotFound("object", err)
		}
		return audio.Asset{}, apperr.External("object", apperr.ErrDownload, err)
	}
	defer rc.Close()

	name := StorageName(o.Object)
	if !AllowedExtension(name) {
		name += ".mp3"
	}
	dest := filepath.Join(o.Dir, name)
	size, err := writeLimited(dest, rc, o.MaxBytes)
	if err != nil {
		return audio.Asset{}, apperr.External("object", apperr.ErrDownload, err)
	}
	return audio.Asset{Path: dest, OriginalName: o.Object, Size: size}, nil
}

package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/loqalabs/lovanote/internal/acquire"
	"github.com/nats-io/nats.go"
)

// Objects stores uploaded audio in a JetStream object store bucket.
type Objects struct {
	store  nats.ObjectStore
	bucket string
	log    *slog.Logger
}

// Objects binds to bucket, creating it when it does not exist yet.
func (c *Client) Objects(bucket string) (*Objects, error) {
	store, err := c.js.ObjectStore(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) || errors.Is(err, nats.ErrStreamNotFound) {
		store, err = c.js.CreateObjectStore(&nats.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "lovanote uploaded audio",
		})
	}
	if err != nil {
		return nil, fmt.Errorf("object store %s: %w", bucket, err)
	}
	return &Objects{store: store, bucket: bucket, log: c.log.With(slog.String("bucket", bucket))}, nil
}

func (o *Objects) Bucket() string { return o.bucket }

// Put streams r into the bucket under name and returns the stored size.
func (o *Objects) Put(ctx context.Context, name string, r io.Reader) (uint64, error) {
	info, err := o.store.Put(&nats.ObjectMeta{Name: name}, r, nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", name, err)
	}
	o.log.Debug("object stored", slog.String("name", name), slog.Uint64("size", info.Size))
	return info.Size, nil
}

// Open returns a reader for name. Unknown names map to acquire.ErrObjectMissing.
func (o *Objects) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	res, err := o.store.Get(name, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, fmt.Errorf("%s: %w", name, acquire.ErrObjectMissing)
		}
		return nil, fmt.Errorf("get %s: %w", name, err)
	}
	return res, nil
}

var _ acquire.ObjectSource = (*Objects)(nil)

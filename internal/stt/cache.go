package stt

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ModelCache shares one loaded model per size. Loads happen lazily and at
// most one load per size is in flight; concurrent callers wait for it.
// Failed loads are not cached.
type ModelCache struct {
	loader Loader
	log    *slog.Logger

	mu      sync.Mutex
	entries map[ModelSize]*cacheEntry
	closed  bool
}

type cacheEntry struct {
	done  chan struct{}
	model Model
	err   error
}

func NewModelCache(loader Loader, log *slog.Logger) *ModelCache {
	return &ModelCache{
		loader:  loader,
		log:     log.With(slog.String("component", "model-cache")),
		entries: make(map[ModelSize]*cacheEntry),
	}
}

// Get returns the model for size, loading it on first use.
func (c *ModelCache) Get(ctx context.Context, size ModelSize) (Model, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("model cache closed")
	}
	entry, ok := c.entries[size]
	if !ok {
		entry = &cacheEntry{done: make(chan struct{})}
		c.entries[size] = entry
		c.mu.Unlock()
		c.load(ctx, size, entry)
	} else {
		c.mu.Unlock()
	}

	select {
	case <-entry.done:
		return entry.model, entry.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *ModelCache) load(ctx context.Context, size ModelSize, entry *cacheEntry) {
	// the load outlives the first caller so waiters are not failed by its cancellation
	loadCtx := context.WithoutCancel(ctx)
	start := time.Now()
	model, err := c.loader.Load(loadCtx, size)

	c.mu.Lock()
	entry.model, entry.err = model, err
	if err != nil {
		delete(c.entries, size)
	}
	close(entry.done)
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("model load failed", slog.String("size", string(size)), slog.String("error", err.Error()))
		return
	}
	c.log.Info("model loaded", slog.String("size", string(size)), slog.Duration("elapsed", time.Since(start)))
}

// Loaded reports how many sizes are resident.
func (c *ModelCache) Loaded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		select {
		case <-e.done:
			if e.err == nil {
				n++
			}
		default:
		}
	}
	return n
}

// Close releases every loaded model.
func (c *ModelCache) Close() error {
	c.mu.Lock()
	c.closed = true
	entries := c.entries
	c.entries = make(map[ModelSize]*cacheEntry)
	c.mu.Unlock()

	var errs []error
	for _, e := range entries {
		<-e.done
		if e.model != nil {
			if err := e.model.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

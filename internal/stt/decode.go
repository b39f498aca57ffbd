package stt

import (
	"context"
	"errors"
	"sync"
)

var errModelClosed = errors.New("model closed")

// decodeCalls runs decoder calls that cannot be interrupted. A cancelled
// caller returns at once while its call finishes in the background; close
// blocks until every call has returned so model memory is released last.
type decodeCalls struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func (d *decodeCalls) run(ctx context.Context, fn func() error) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errModelClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		defer d.wg.Done()
		done <- fn()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (d *decodeCalls) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

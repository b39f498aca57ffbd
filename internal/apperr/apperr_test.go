package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindAndCodeSurviveWrapping(t *testing.T) {
	base := External("fetch", ErrDownload, errors.New("status 503"))
	wrapped := fmt.Errorf("pipeline: %w", base)

	if KindOf(wrapped) != KindExternalService {
		t.Fatalf("expected external kind, got %s", KindOf(wrapped))
	}
	if !errors.Is(wrapped, ErrDownload) {
		t.Fatal("expected ErrDownload in chain")
	}
	if HTTPStatus(wrapped) != http.StatusBadGateway {
		t.Fatalf("unexpected status %d", HTTPStatus(wrapped))
	}
}

func TestDeadlineBecomesTimeout(t *testing.T) {
	err := External("fetch", ErrDownload, fmt.Errorf("get: %w", context.DeadlineExceeded))
	if err.Kind != KindTimeout {
		t.Fatalf("expected timeout kind, got %s", err.Kind)
	}
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout and deadline in chain: %v", err)
	}
	if HTTPStatus(err) != http.StatusGatewayTimeout {
		t.Fatalf("unexpected status %d", HTTPStatus(err))
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Invalid("upload", ErrInvalidFileType, nil), http.StatusBadRequest},
		{Invalid("upload", ErrTooLarge, nil), http.StatusRequestEntityTooLarge},
		{External("fetch", ErrDownload, fmt.Errorf("%w: limit is 1 kB", ErrTooLarge)), http.StatusBadGateway},
		{NotFound("object", nil), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}

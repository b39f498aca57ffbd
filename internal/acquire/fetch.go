package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/lovanote/internal/apperr"
	"github.com/loqalabs/lovanote/internal/audio"
)

// URLFetch downloads audio from an http(s) URL into a per-request file.
type URLFetch struct {
	Dir      string
	URL      string
	Client   *http.Client
	Timeout  time.Duration
	MaxBytes int64
	Retries  int
	Log      *slog.Logger
}

func (f *URLFetch) Name() string { return "url" }

func (f *URLFetch) Acquire(ctx context.Context) (audio.Asset, error) {
	u, err := url.Parse(f.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return audio.Asset{}, apperr.Invalid("fetch", apperr.ErrDownload, fmt.Errorf("unsupported url %q", f.URL))
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	dest := filepath.Join(f.Dir, remoteName(u))
	var lastErr error
	for attempt := 0; attempt <= f.Retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			if f.Log != nil {
				f.Log.Warn("retrying audio download",
					slog.Int("attempt", attempt),
					slog.Duration("backoff", backoff),
					slog.String("error", lastErr.Error()))
			}
			select {
			case <-ctx.Done():
				return audio.Asset{}, apperr.External("fetch", apperr.ErrDownload, ctx.Err())
			case <-time.After(backoff):
			}
		}
		size, status, err := f.download(ctx, dest)
		if err == nil {
			return audio.Asset{Path: dest, OriginalName: path.Base(u.Path), Size: size}, nil
		}
		lastErr = err
		if !isRetryableError(status, err) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
	}
	return audio.Asset{}, apperr.External("fetch", apperr.ErrDownload, lastErr)
}

func (f *URLFetch) download(ctx context.Context, dest string) (int64, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return 0, 0, err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, resp.StatusCode, fmt.Errorf("remote returned status %s", resp.Status)
	}
	size, err := writeLimited(dest, resp.Body, f.MaxBytes)
	return size, resp.StatusCode, err
}

// remoteName keeps a recognised audio extension from the URL path and
// defaults to mp3 otherwise.
func remoteName(u *url.URL) string {
	ext := strings.ToLower(path.Ext(u.Path))
	if !allowedExtensions[ext] {
		ext = ".mp3"
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "") + "_remote" + ext
}

// isRetryableError reports whether a download failure is transient.
func isRetryableError(statusCode int, err error) bool {
	if statusCode == 0 && err != nil {
		errStr := err.Error()
		return strings.Contains(errStr, "connection refused") ||
			strings.Contains(errStr, "connection reset") ||
			strings.Contains(errStr, "EOF")
	}
	return statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

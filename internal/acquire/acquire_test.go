package acquire

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/lovanote/internal/apperr"
)

func TestUploadRejectsExtension(t *testing.T) {
	u := &Upload{Dir: t.TempDir(), Filename: "notes.txt", Body: strings.NewReader("hello")}
	_, err := u.Acquire(context.Background())
	if !errors.Is(err, apperr.ErrInvalidFileType) {
		t.Fatalf("expected ErrInvalidFileType, got %v", err)
	}
	if apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("expected invalid input kind")
	}
}

func TestUploadStoresUniqueName(t *testing.T) {
	dir := t.TempDir()
	u := &Upload{Dir: dir, Filename: "Meeting.MP3", Body: strings.NewReader("id3data")}
	asset, err := u.Acquire(context.Background())
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasSuffix(u.StoredName(), "_Meeting.MP3") || len(u.StoredName()) != 32+1+len("Meeting.MP3") {
		t.Fatalf("unexpected stored name %q", u.StoredName())
	}
	if asset.Size != int64(len("id3data")) || asset.OriginalName != "Meeting.MP3" {
		t.Fatalf("unexpected asset %+v", asset)
	}
	if _, err := os.Stat(filepath.Join(dir, u.StoredName())); err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
}

func TestUploadEnforcesLimit(t *testing.T) {
	u := &Upload{Dir: t.TempDir(), Filename: "a.wav", Body: strings.NewReader("0123456789"), MaxBytes: 4}
	_, err := u.Acquire(context.Background())
	if !errors.Is(err, apperr.ErrTooLarge) || apperr.HTTPStatus(err) != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected too-large error, got %v", err)
	}
	if errors.Is(err, apperr.ErrMissingAudio) {
		t.Fatalf("size overflow reported as missing audio: %v", err)
	}
}

func TestURLFetchSuccessUniquePaths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "audio-bytes")
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	var mu sync.Mutex
	paths := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f := &URLFetch{Dir: dir, URL: srv.URL + "/clip.wav", Timeout: 5 * time.Second}
			asset, err := f.Acquire(context.Background())
			if err != nil {
				t.Errorf("fetch: %v", err)
				return
			}
			mu.Lock()
			paths[asset.Path] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(paths) != 8 {
		t.Fatalf("expected 8 distinct download paths, got %d", len(paths))
	}
	for p := range paths {
		if filepath.Ext(p) != ".wav" {
			t.Fatalf("expected .wav extension, got %s", p)
		}
	}
}

func TestURLFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	f := &URLFetch{Dir: t.TempDir(), URL: srv.URL + "/missing.mp3", Retries: 2}
	_, err := f.Acquire(context.Background())
	if !errors.Is(err, apperr.ErrDownload) {
		t.Fatalf("expected ErrDownload, got %v", err)
	}
	if apperr.KindOf(err) != apperr.KindExternalService {
		t.Fatalf("expected external kind, got %s", apperr.KindOf(err))
	}
}

func TestURLFetchRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(srv.Close)

	f := &URLFetch{Dir: t.TempDir(), URL: srv.URL + "/a.mp3", Retries: 1}
	if _, err := f.Acquire(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestURLFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	f := &URLFetch{Dir: t.TempDir(), URL: srv.URL + "/slow.mp3", Timeout: 50 * time.Millisecond}
	_, err := f.Acquire(context.Background())
	if apperr.KindOf(err) != apperr.KindTimeout {
		t.Fatalf("expected timeout kind, got %v", err)
	}
	if !errors.Is(err, apperr.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestURLFetchRejectsScheme(t *testing.T) {
	f := &URLFetch{Dir: t.TempDir(), URL: "file:///etc/passwd"}
	_, err := f.Acquire(context.Background())
	if apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

type memoryStore map[string]string

func (m memoryStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	data, ok := m[name]
	if !ok {
		return nil, ErrObjectMissing
	}
	return io.NopCloser(strings.NewReader(data)), nil
}

func TestObjectFetch(t *testing.T) {
	store := memoryStore{"abc123": "payload"}
	o := &ObjectFetch{Dir: t.TempDir(), Store: store, Object: "abc123"}
	asset, err := o.Acquire(context.Background())
	if err != nil {
		t.Fatalf("object fetch: %v", err)
	}
	if asset.Size != 7 || filepath.Ext(asset.Path) != ".mp3" {
		t.Fatalf("unexpected asset %+v", asset)
	}

	o.Object = "missing"
	_, err = o.Acquire(context.Background())
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestVideoExtractFailure(t *testing.T) {
	v := &VideoExtract{Dir: t.TempDir(), URL: "https://video.example/watch?v=1", Command: "false"}
	_, err := v.Acquire(context.Background())
	if !errors.Is(err, apperr.ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
}

func TestSafeJoin(t *testing.T) {
	if _, err := SafeJoin("/data", "../etc/passwd"); err == nil {
		t.Fatal("expected traversal rejection")
	}
	got, err := SafeJoin("/data", "clip.mp3")
	if err != nil || got != filepath.Join("/data", "clip.mp3") {
		t.Fatalf("unexpected join %q %v", got, err)
	}
}

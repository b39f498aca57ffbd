package acquire

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/lovanote/internal/config"
)

// Factory builds strategies that share the configured directory and limits.
type Factory struct {
	Dir              string
	Client           *http.Client
	MaxUploadBytes   int64
	MaxDownloadBytes int64
	FetchTimeout     time.Duration
	FetchRetries     int
	ExtractorCommand string
	ExtractTimeout   time.Duration
	Log              *slog.Logger
}

func NewFactory(storage config.StorageConfig, cfg config.AcquireConfig, log *slog.Logger) *Factory {
	return &Factory{
		Dir:              storage.UploadsDir,
		Client:           &http.Client{},
		MaxUploadBytes:   storage.MaxUploadBytes,
		MaxDownloadBytes: cfg.MaxDownloadBytes,
		FetchTimeout:     config.Millis(cfg.FetchTimeoutMS),
		FetchRetries:     cfg.FetchRetries,
		ExtractorCommand: cfg.ExtractorCommand,
		ExtractTimeout:   config.Millis(cfg.ExtractTimeoutMS),
		Log:              log.With(slog.String("component", "acquire")),
	}
}

func (f *Factory) Upload(filename string, body io.Reader) *Upload {
	return &Upload{Dir: f.Dir, Filename: filename, Body: body, MaxBytes: f.MaxUploadBytes}
}

func (f *Factory) URL(rawURL string) *URLFetch {
	return &URLFetch{
		Dir:      f.Dir,
		URL:      rawURL,
		Client:   f.Client,
		Timeout:  f.FetchTimeout,
		MaxBytes: f.MaxDownloadBytes,
		Retries:  f.FetchRetries,
		Log:      f.Log,
	}
}

func (f *Factory) Video(pageURL string) *VideoExtract {
	return &VideoExtract{Dir: f.Dir, URL: pageURL, Command: f.ExtractorCommand, Timeout: f.ExtractTimeout}
}

func (f *Factory) Object(store ObjectSource, name string) *ObjectFetch {
	return &ObjectFetch{Dir: f.Dir, Store: store, Object: name, MaxBytes: f.MaxDownloadBytes}
}

// Package api exposes the transcription pipeline over HTTP.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/loqalabs/lovanote/internal/acquire"
	"github.com/loqalabs/lovanote/internal/config"
	"github.com/loqalabs/lovanote/internal/feedback"
	"github.com/loqalabs/lovanote/internal/pipeline"
)

// ObjectStore holds audio uploaded through the alternate surface.
type ObjectStore interface {
	acquire.ObjectSource
	Put(ctx context.Context, name string, r io.Reader) (uint64, error)
}

// Handler serves both HTTP surfaces over one pipeline.
type Handler struct {
	cfg        config.Config
	pipeline   *pipeline.Pipeline
	strategies *acquire.Factory
	feedback   *feedback.Log
	objects    ObjectStore
	version    string
	log        *slog.Logger
	now        func() string
}

// Options are the collaborators of a Handler. Objects may be nil, which
// disables the object-store routes.
type Options struct {
	Config     config.Config
	Pipeline   *pipeline.Pipeline
	Strategies *acquire.Factory
	Feedback   *feedback.Log
	Objects    ObjectStore
	Version    string
	Logger     *slog.Logger
}

func NewHandler(opts Options) *Handler {
	return &Handler{
		cfg:        opts.Config,
		pipeline:   opts.Pipeline,
		strategies: opts.Strategies,
		feedback:   opts.Feedback,
		objects:    opts.Objects,
		version:    opts.Version,
		log:        opts.Logger.With(slog.String("component", "api")),
		now:        nowTimestamp,
	}
}

// NewRouter mounts the configured surfaces. extra registers additional
// routes such as health probes.
func NewRouter(h *Handler, log *slog.Logger, extra func(chi.Router)) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(Logger(log))
	r.Use(cors.Handler(corsOptions(h.cfg.HTTP.AllowedOrigins)))

	r.Get("/", h.Index)

	surface := h.cfg.HTTP.Surface
	if surface == "primary" || surface == "both" {
		r.Post("/upload", h.Upload)
		r.Post("/transcribe-url", h.TranscribeURL)
		r.Get("/export/{format}/{filename}", h.Export)
		r.Get("/uploads/{filename}", h.ServeUpload)
		r.Post("/feedback", h.Feedback)
	}
	if surface == "alternate" || surface == "both" {
		r.Post("/upload/", h.UploadObject)
		r.Get("/objects/{id}", h.ServeObject)
		r.Get("/transcribe/{filename}", h.Transcribe)
		r.Get("/transcription/{filename}", h.Transcription)
	}

	if extra != nil {
		extra(r)
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		h.log.Warn("undefined route accessed", slog.String("path", req.URL.Path))
		jsonError(w, "This route does not exist!", http.StatusNotFound)
	})

	return r
}

func (h *Handler) Index(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, map[string]string{
		"service": h.cfg.RuntimeName,
		"version": h.version,
		"surface": h.cfg.HTTP.Surface,
	}, http.StatusOK)
}

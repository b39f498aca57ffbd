package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loqalabs/lovanote/internal/acquire"
	"github.com/loqalabs/lovanote/internal/api"
	"github.com/loqalabs/lovanote/internal/audio"
	"github.com/loqalabs/lovanote/internal/bus"
	"github.com/loqalabs/lovanote/internal/capability"
	"github.com/loqalabs/lovanote/internal/cleaner"
	"github.com/loqalabs/lovanote/internal/config"
	"github.com/loqalabs/lovanote/internal/eventstore"
	"github.com/loqalabs/lovanote/internal/feedback"
	"github.com/loqalabs/lovanote/internal/langdetect"
	"github.com/loqalabs/lovanote/internal/llm"
	"github.com/loqalabs/lovanote/internal/natsserver"
	"github.com/loqalabs/lovanote/internal/pipeline"
	"github.com/loqalabs/lovanote/internal/router"
	"github.com/loqalabs/lovanote/internal/stt"
)

// pruneInterval is how often a persistent audit log is trimmed.
const pruneInterval = time.Hour

type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger

	telemetry  *telemetry
	nats       *natsserver.Server
	bus        *bus.Client
	objects    *bus.Objects
	events     *eventstore.Store
	models     *stt.ModelCache
	pipeline   *pipeline.Pipeline
	strategies *acquire.Factory
	router     *router.Service
	registry   atomic.Pointer[capability.Registry]
	handler    http.Handler

	httpServer    *http.Server
	metricsServer *http.Server
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Init wires telemetry, storage, the bus and the pipeline. It is safe to
// call Start without Init.
func (r *Runtime) Init(ctx context.Context) error {
	if r.pipeline != nil {
		return nil
	}
	tel, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.initBus(ctx); err != nil {
		return err
	}

	r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}

	if err := r.initPipeline(); err != nil {
		return err
	}
	r.strategies = acquire.NewFactory(r.cfg.Storage, r.cfg.Acquire, r.logger)
	r.handler = r.newRouter()
	return nil
}

func (r *Runtime) initBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded nats: %w", err)
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}
	r.bus = client

	objects, err := client.Objects(r.cfg.Acquire.ObjectBucket)
	if err != nil {
		r.logger.Warn("object store unavailable", slog.String("bucket", r.cfg.Acquire.ObjectBucket), slog.String("error", err.Error()))
		return nil
	}
	r.objects = objects
	return nil
}

func (r *Runtime) initPipeline() error {
	loader, err := stt.NewLoader(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("failed to create speech engine: %w", err)
	}
	defaultSize, err := stt.ParseModelSize(r.cfg.STT.DefaultModelSize, stt.SizeLargeV3)
	if err != nil {
		return err
	}
	r.models = stt.NewModelCache(loader, r.logger)
	transcriber := stt.NewTranscriber(r.models, config.Millis(r.cfg.STT.DecodeTimeoutMS), r.logger)

	gen, err := llm.NewGenerator(r.cfg.Cleaner)
	if err != nil {
		r.logger.Warn("text cleanup service unavailable, using fallback", slog.String("error", err.Error()))
		gen = nil
	}
	clean := cleaner.New(gen, llm.OptionsFromConfig(r.cfg.Cleaner), config.Millis(r.cfg.Cleaner.TimeoutMS), r.cfg.Cleaner.RequestsPerMinute, r.logger)

	results, err := pipeline.NewResultCache(0)
	if err != nil {
		return err
	}

	deps := pipeline.Deps{
		Normalizer:  audio.NewNormalizer(audio.AutoDecoder{FFmpeg: audio.FFmpegDecoder{Binary: r.cfg.Audio.FFmpegPath}}, r.cfg.Audio.SampleRate, r.logger),
		Detector:    langdetect.NewDetector(transcriber, config.Millis(r.cfg.STT.DetectionWindowMS), r.logger),
		Transcriber: transcriber,
		Cleaner:     clean,
		Events:      r.events,
		Results:     results,
		DefaultSize: defaultSize,
		Logger:      r.logger,
	}
	if r.bus != nil {
		deps.Publisher = r.bus
	}
	r.pipeline, err = pipeline.New(deps)
	return err
}

func (r *Runtime) newRouter() http.Handler {
	opts := api.Options{
		Config:     r.cfg,
		Pipeline:   r.pipeline,
		Strategies: r.strategies,
		Feedback:   feedback.NewLog(r.cfg.Storage.FeedbackLog),
		Version:    r.version,
		Logger:     r.logger,
	}
	if r.objects != nil {
		opts.Objects = r.objects
	}
	h := api.NewHandler(opts)
	return api.NewRouter(h, r.logger, func(mux chi.Router) {
		mux.Get("/healthz", r.handleHealth)
		mux.Get("/readyz", r.handleReady)
		mux.Get("/nodes", r.handleNodes)
		mux.Get("/requests", r.handleRequests)
		mux.Get("/requests/{id}", r.handleRequestEvents)
		if r.telemetry != nil && r.telemetry.metrics != nil {
			mux.Handle("/metrics", r.telemetry.metrics)
		}
	})
}

// Pipeline returns the wired pipeline; nil before Init.
func (r *Runtime) Pipeline() *pipeline.Pipeline { return r.pipeline }

// Strategies returns the acquisition factory; nil before Init.
func (r *Runtime) Strategies() *acquire.Factory { return r.strategies }

// Handler returns the HTTP handler; nil before Init.
func (r *Runtime) Handler() http.Handler { return r.handler }

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.Init(ctx); err != nil {
		r.Close(context.Background())
		return err
	}

	if r.bus != nil {
		var objects acquire.ObjectSource
		if r.objects != nil {
			objects = r.objects
		}
		r.router = router.NewService(ctx, r.cfg.Router, r.bus.Conn(), r.pipeline, r.strategies, objects, r.logger)
		if err := r.router.Start(); err != nil {
			r.Close(context.Background())
			return fmt.Errorf("failed to start router: %w", err)
		}

		nodeCfg := r.cfg.Node
		if nodeCfg.ID == "" {
			nodeCfg.ID = defaultNodeID()
		}
		registry, err := capability.NewRegistry(ctx, nodeCfg, r.version, capability.FromConfig(r.cfg), r.bus.Conn(), r.logger)
		if err != nil {
			r.Close(context.Background())
			return fmt.Errorf("failed to start capability registry: %w", err)
		}
		r.registry.Store(registry)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if r.telemetry.metrics != nil && r.cfg.Telemetry.PrometheusBind != addr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.telemetry.metrics)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	if r.cfg.EventStore.RetentionMode == "persistent" {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.pruneLoop(ctx)
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("surface", r.cfg.HTTP.Surface),
		slog.String("stt_engine", r.cfg.STT.Engine),
		slog.String("cleaner_mode", r.cfg.Cleaner.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.Close(shutdownCtx)
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.events.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close releases models, storage, the bus and telemetry in reverse order
// of Init.
func (r *Runtime) Close(ctx context.Context) {
	r.registry.Load().Close()
	r.router.Close()
	if r.models != nil {
		if err := r.models.Close(); err != nil {
			r.logger.Error("model cache close error", slog.String("error", err.Error()))
		}
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.telemetry != nil {
		if err := r.telemetry.shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) && r.router.Healthy() && r.registry.Load().Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleNodes lists the instances seen on the bus, including this one.
func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := []capability.NodeInfo{}
	if reg := r.registry.Load(); reg != nil {
		nodes = reg.Query(nil)
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

// handleRequests lists recent audited requests, newest first.
func (r *Runtime) handleRequests(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	reqs, err := r.events.RecentRequests(req.Context(), limit)
	if err != nil {
		r.logger.Error("list requests failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "audit log unavailable"})
		return
	}
	if reqs == nil {
		reqs = []eventstore.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs, "enabled": r.events.Enabled()})
}

// handleRequestEvents returns the stage timeline of one request.
func (r *Runtime) handleRequestEvents(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	events, err := r.events.ListRequestEvents(req.Context(), id, 0)
	if err != nil {
		r.logger.Error("list request events failed", slog.String("request_id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "audit log unavailable"})
		return
	}
	if len(events) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown request", "kind": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": id, "events": events})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "lovanote"
	}
	return host + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

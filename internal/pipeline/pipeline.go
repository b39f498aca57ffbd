// Package pipeline runs one transcription request from acquisition to the
// assembled result.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/lovanote/internal/acquire"
	"github.com/loqalabs/lovanote/internal/apperr"
	"github.com/loqalabs/lovanote/internal/audio"
	"github.com/loqalabs/lovanote/internal/cleaner"
	"github.com/loqalabs/lovanote/internal/eventstore"
	"github.com/loqalabs/lovanote/internal/langdetect"
	"github.com/loqalabs/lovanote/internal/protocol"
	"github.com/loqalabs/lovanote/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AutoLanguage asks the pipeline to detect the spoken language.
const AutoLanguage = "auto"

// Options select the language and model tier for one request.
type Options struct {
	// Language is AutoLanguage, empty, or a supported code.
	Language  string
	ModelSize string
}

// Publisher broadcasts request outcomes. *bus.Client satisfies it.
type Publisher interface {
	Publish(subject string, v any) error
}

// Deps wires the stage implementations into a Pipeline. Events, Publisher
// and Results are optional.
type Deps struct {
	Normalizer  *audio.Normalizer
	Detector    *langdetect.Detector
	Transcriber *stt.Transcriber
	Cleaner     *cleaner.Cleaner
	Events      *eventstore.Store
	Publisher   Publisher
	Results     *ResultCache
	DefaultSize stt.ModelSize
	Logger      *slog.Logger
}

// Pipeline is safe for concurrent use; each Run is independent apart from
// the shared model cache.
type Pipeline struct {
	normalizer  *audio.Normalizer
	detector    *langdetect.Detector
	transcriber *stt.Transcriber
	cleaner     *cleaner.Cleaner
	events      *eventstore.Store
	publisher   Publisher
	results     *ResultCache
	defaultSize stt.ModelSize
	tracer      trace.Tracer
	metrics     *metrics
	log         *slog.Logger
	now         func() time.Time
}

func New(d Deps) (*Pipeline, error) {
	if d.Normalizer == nil || d.Detector == nil || d.Transcriber == nil || d.Cleaner == nil {
		return nil, errors.New("pipeline requires normalizer, detector, transcriber and cleaner")
	}
	if d.DefaultSize == "" {
		d.DefaultSize = stt.SizeLargeV3
	}
	log := d.Logger.With(slog.String("component", "pipeline"))
	p := &Pipeline{
		normalizer:  d.Normalizer,
		detector:    d.Detector,
		transcriber: d.Transcriber,
		cleaner:     d.Cleaner,
		events:      d.Events,
		publisher:   d.Publisher,
		results:     d.Results,
		defaultSize: d.DefaultSize,
		tracer:      otel.Tracer(instrumentationName),
		log:         log,
		now:         time.Now,
	}
	m, err := newMetrics(d.Transcriber.Loaded)
	if err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		p.metrics = m
	}
	return p, nil
}

// Results exposes the cache of finished requests, which may be nil.
func (p *Pipeline) Results() *ResultCache { return p.results }

// ResolveLanguage reports whether lang asks for detection and otherwise
// validates it against the supported set.
func ResolveLanguage(lang string) (string, bool, error) {
	v := strings.ToLower(strings.TrimSpace(lang))
	if v == "" || v == AutoLanguage {
		return "", true, nil
	}
	if !langdetect.Supported(v) {
		return "", false, apperr.Invalid("language", apperr.ErrUnsupportedLang, fmt.Errorf("%q", lang))
	}
	return v, false, nil
}

// Run executes every stage for the asset produced by src. Acquisition,
// normalization, detection and transcription failures abort the request;
// a cleanup failure only marks the result degraded.
func (p *Pipeline) Run(ctx context.Context, src acquire.Strategy, opts Options) (Result, error) {
	requestID := uuid.NewString()
	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("request_id", requestID),
		attribute.String("source", src.Name())))
	defer span.End()

	run := &runState{p: p, requestID: requestID, source: src.Name(), traceID: span.SpanContext().TraceID().String()}
	res, err := p.run(ctx, run, src, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.request(ctx, run.source, apperr.KindOf(err).String())
		run.finish(ctx, eventstore.StatusFailed, apperr.KindOf(err).String(), "")
		p.publish(protocol.SubjectTranscriptionFailed, protocol.TranscriptionFailed{
			RequestID: requestID,
			Source:    run.source,
			Stage:     run.stage,
			Kind:      apperr.KindOf(err).String(),
			Error:     err.Error(),
			Timestamp: p.now().UTC(),
		})
		p.log.Error("transcription failed",
			slog.String("request_id", requestID),
			slog.String("source", run.source),
			slog.String("stage", run.stage),
			slog.String("kind", apperr.KindOf(err).String()),
			slog.String("error", err.Error()))
		return Result{}, err
	}

	outcome := "ok"
	if res.Degraded {
		outcome = apperr.KindDegraded.String()
	}
	p.metrics.request(ctx, run.source, outcome)
	if res.Degraded {
		run.finish(ctx, eventstore.StatusDegraded, "", res.Language)
	} else {
		run.finish(ctx, eventstore.StatusOK, "", res.Language)
	}
	p.results.Put(filepath.Base(res.AudioPath), res)
	p.publish(protocol.SubjectTranscriptionCompleted, protocol.TranscriptionCompleted{
		RequestID:    requestID,
		Source:       run.source,
		AudioPath:    res.AudioPath,
		Language:     res.Language,
		Confidence:   res.Confidence,
		AccuracyRate: res.AccuracyRate,
		Duration:     res.Duration,
		ModelSize:    res.ModelSize,
		Degraded:     res.Degraded,
		Chars:        len(res.Text),
		Timestamp:    p.now().UTC(),
	})
	p.log.Info("transcription complete",
		slog.String("request_id", requestID),
		slog.String("source", run.source),
		slog.String("language", res.Language),
		slog.Float64("duration", res.Duration),
		slog.Bool("degraded", res.Degraded))
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, run *runState, src acquire.Strategy, opts Options) (Result, error) {
	size, err := stt.ParseModelSize(opts.ModelSize, p.defaultSize)
	if err != nil {
		return Result{}, err
	}
	lang, auto, err := ResolveLanguage(opts.Language)
	if err != nil {
		return Result{}, err
	}
	if err := p.events.AppendRequest(ctx, eventstore.Request{RequestID: run.requestID, Source: run.source, ModelSize: string(size)}); err != nil {
		p.log.Warn("audit request failed", slog.String("error", err.Error()))
	}

	asset, err := stage(ctx, run, "acquire", src.Acquire)
	if err != nil {
		return Result{}, err
	}
	normalized, err := stage(ctx, run, "normalize", func(ctx context.Context) (audio.Normalized, error) {
		return p.normalizer.Normalize(ctx, asset)
	})
	if err != nil {
		return Result{}, err
	}

	var confidence *float64
	if auto {
		detected, err := stage(ctx, run, "detect", func(ctx context.Context) (langdetect.Result, error) {
			return p.detector.Detect(ctx, normalized, size)
		})
		if err != nil {
			return Result{}, err
		}
		lang = string(detected.Code)
		c := detected.Confidence
		confidence = &c
	}

	transcript, err := stage(ctx, run, "transcribe", func(ctx context.Context) (stt.Transcript, error) {
		return p.transcriber.Transcribe(ctx, normalized, lang, size)
	})
	if err != nil {
		return Result{}, err
	}

	cleaned, _ := stage(ctx, run, "clean", func(ctx context.Context) (cleaner.Result, error) {
		return p.cleaner.Clean(ctx, run.requestID, transcript.Text), nil
	})
	if cleaned.Degraded {
		p.metrics.fallback(ctx)
		run.audit(ctx, "clean", eventstore.StatusDegraded, map[string]string{"reason": errString(cleaned.Err)})
	}

	return stage(ctx, run, "assemble", func(context.Context) (Result, error) {
		return Assemble(Fields{
			Text:       cleaned.Text,
			Language:   lang,
			Confidence: confidence,
			Duration:   normalized.Duration(),
			AudioPath:  asset.Path,
			Degraded:   cleaned.Degraded,
			ModelSize:  string(size),
			RequestID:  run.requestID,
			At:         p.now(),
		})
	})
}

func (p *Pipeline) publish(subject string, v any) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(subject, v); err != nil {
		p.log.Warn("publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

type runState struct {
	p         *Pipeline
	requestID string
	source    string
	traceID   string
	stage     string
}

func (r *runState) audit(ctx context.Context, stage, status string, detail map[string]string) {
	var payload []byte
	if len(detail) > 0 {
		payload, _ = json.Marshal(detail)
	}
	err := r.p.events.AppendEvent(ctx, eventstore.Event{
		RequestID: r.requestID,
		TraceID:   r.traceID,
		Stage:     stage,
		Status:    status,
		Payload:   payload,
	})
	if err != nil {
		r.p.log.Warn("audit event failed", slog.String("stage", stage), slog.String("error", err.Error()))
	}
}

func (r *runState) finish(ctx context.Context, status, kind, lang string) {
	err := r.p.events.Finish(ctx, eventstore.Outcome{RequestID: r.requestID, Status: status, Kind: kind, Language: lang})
	if err != nil {
		r.p.log.Warn("audit finish failed", slog.String("error", err.Error()))
	}
}

// stage runs fn inside its own span and records its latency and outcome.
func stage[T any](ctx context.Context, run *runState, name string, fn func(context.Context) (T, error)) (T, error) {
	run.stage = name
	ctx, span := run.p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	start := time.Now()
	out, err := fn(ctx)
	elapsed := time.Since(start)
	run.p.metrics.stage(ctx, name, elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		run.audit(ctx, name, eventstore.StatusFailed, map[string]string{"error": err.Error()})
		return out, err
	}
	run.audit(ctx, name, eventstore.StatusOK, map[string]string{"elapsed": elapsed.String()})
	return out, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

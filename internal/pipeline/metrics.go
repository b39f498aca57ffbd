package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/lovanote/pipeline"

type metrics struct {
	requests  metric.Int64Counter
	stages    metric.Float64Histogram
	fallbacks metric.Int64Counter
}

func newMetrics(loaded func() int) (*metrics, error) {
	meter := otel.Meter(instrumentationName)
	requests, err := meter.Int64Counter("lovanote.pipeline.requests",
		metric.WithDescription("Transcription requests by source and outcome"))
	if err != nil {
		return nil, err
	}
	stages, err := meter.Float64Histogram("lovanote.pipeline.stage.duration",
		metric.WithDescription("Pipeline stage latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	fallbacks, err := meter.Int64Counter("lovanote.cleaner.fallbacks",
		metric.WithDescription("Transcripts cleaned by the filler fallback"))
	if err != nil {
		return nil, err
	}
	gauge, err := meter.Int64ObservableGauge("lovanote.models.loaded",
		metric.WithDescription("Speech models resident in the cache"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(loaded()))
		return nil
	}, gauge)
	if err != nil {
		return nil, err
	}
	return &metrics{requests: requests, stages: stages, fallbacks: fallbacks}, nil
}

func (m *metrics) stage(ctx context.Context, name string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stages.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("stage", name)))
}

func (m *metrics) request(ctx context.Context, source, outcome string) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome)))
}

func (m *metrics) fallback(ctx context.Context) {
	if m == nil {
		return
	}
	m.fallbacks.Add(ctx, 1)
}

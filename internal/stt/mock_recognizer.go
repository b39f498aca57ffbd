package stt

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultMockDistribution is what the mock classifier reports when none is configured.
var DefaultMockDistribution = []LanguageProb{
	{Code: "en", Probability: 0.91},
	{Code: "hi", Probability: 0.05},
	{Code: "de", Probability: 0.04},
}

// MockLoader builds deterministic in-memory models for tests and demos.
type MockLoader struct {
	Distribution []LanguageProb
	Text         string
	LoadDelay    time.Duration
	LoadErr      error
	DecodeErr    error
	// DecodeDelay makes each classifier or decode call block without
	// watching its context, like a native decoder.
	DecodeDelay  time.Duration

	loads   atomic.Int64
	decodes atomic.Int64
}

func NewMockLoader() *MockLoader {
	return &MockLoader{}
}

// Loads reports how many times Load ran.
func (l *MockLoader) Loads() int64 { return l.loads.Load() }

// Decodes reports how many classifier or decode calls ran to completion.
func (l *MockLoader) Decodes() int64 { return l.decodes.Load() }

func (l *MockLoader) Load(ctx context.Context, size ModelSize) (Model, error) {
	l.loads.Add(1)
	if l.LoadDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.LoadDelay):
		}
	}
	if l.LoadErr != nil {
		return nil, l.LoadErr
	}
	dist := l.Distribution
	if len(dist) == 0 {
		dist = DefaultMockDistribution
	}
	return &mockModel{loader: l, size: size, dist: dist, text: l.Text, decodeErr: l.DecodeErr}, nil
}

type mockModel struct {
	loader    *MockLoader
	size      ModelSize
	dist      []LanguageProb
	text      string
	decodeErr error
	calls     decodeCalls
}

func (m *mockModel) decode(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.calls.run(ctx, func() error {
		time.Sleep(m.loader.DecodeDelay)
		m.loader.decodes.Add(1)
		return nil
	})
}

func (m *mockModel) Size() ModelSize { return m.size }

func (m *mockModel) DetectLanguage(ctx context.Context, samples []float32) ([]LanguageProb, error) {
	if err := m.decode(ctx); err != nil {
		return nil, err
	}
	return append([]LanguageProb(nil), m.dist...), nil
}

func (m *mockModel) Transcribe(ctx context.Context, samples []float32, language string) (Transcript, error) {
	if err := m.decode(ctx); err != nil {
		return Transcript{}, err
	}
	if m.decodeErr != nil {
		return Transcript{}, m.decodeErr
	}
	text := m.text
	if text == "" {
		text = fmt.Sprintf("[mock %s transcript samples=%d]", m.size, len(samples))
	}
	return Transcript{Text: text, Language: language, Confidence: 1}, nil
}

func (m *mockModel) Close() error {
	m.calls.close()
	return nil
}

package stt

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/lovanote/internal/apperr"
	"github.com/loqalabs/lovanote/internal/audio"
	"github.com/loqalabs/lovanote/internal/config"
)

// NewLoader builds the configured engine.
func NewLoader(cfg config.STTConfig) (Loader, error) {
	switch cfg.Engine {
	case "exec":
		return NewExecLoader(cfg.Command, cfg.ModelDir)
	case "whisper":
		return NewWhisperLoader(cfg.ModelDir, cfg.ModelPattern, cfg.Threads)
	case "mock", "":
		return NewMockLoader(), nil
	default:
		return nil, fmt.Errorf("unknown stt engine %q", cfg.Engine)
	}
}

// ModelPath resolves the weight file for size.
func ModelPath(dir, pattern string, size ModelSize) string {
	if !strings.Contains(pattern, "%s") {
		return filepath.Join(dir, pattern)
	}
	return filepath.Join(dir, fmt.Sprintf(pattern, size))
}

// Transcriber decodes normalized audio with a cached model.
type Transcriber struct {
	cache   *ModelCache
	timeout time.Duration
	log     *slog.Logger
}

func NewTranscriber(cache *ModelCache, timeout time.Duration, log *slog.Logger) *Transcriber {
	return &Transcriber{cache: cache, timeout: timeout, log: log.With(slog.String("component", "transcriber"))}
}

// Model returns the cached model for size, mapping failures to ErrModelLoad.
func (t *Transcriber) Model(ctx context.Context, size ModelSize) (Model, error) {
	model, err := t.cache.Get(ctx, size)
	if err != nil {
		return nil, apperr.External("load model "+string(size), apperr.ErrModelLoad, err)
	}
	return model, nil
}

// Transcribe produces raw text conditioned on language.
func (t *Transcriber) Transcribe(ctx context.Context, in audio.Normalized, language string, size ModelSize) (Transcript, error) {
	if in.SampleRate != audio.TargetSampleRate {
		return Transcript{}, apperr.Invalid("transcribe", apperr.ErrDecode, fmt.Errorf("expected %d Hz input, got %d", audio.TargetSampleRate, in.SampleRate))
	}
	model, err := t.Model(ctx, size)
	if err != nil {
		return Transcript{}, err
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := model.Transcribe(ctx, in.Samples, language)
	if err != nil {
		return Transcript{}, apperr.External("transcribe", apperr.ErrDecode, err)
	}
	t.log.Info("transcription complete",
		slog.String("size", string(size)),
		slog.String("language", language),
		slog.Int("chars", len(result.Text)),
		slog.Duration("latency", time.Since(start)))
	return result, nil
}

// Timeout is the per-call decode limit; zero means none.
func (t *Transcriber) Timeout() time.Duration { return t.timeout }

// Loaded reports resident model count.
func (t *Transcriber) Loaded() int { return t.cache.Loaded() }

//go:build whisper

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	lowlevel "github.com/ggerganov/whisper.cpp/bindings/go"
	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// WhisperLoader loads ggml weights in-process through the whisper.cpp bindings.
type WhisperLoader struct {
	modelDir string
	pattern  string
	threads  int
}

func NewWhisperLoader(modelDir, pattern string, threads int) (Loader, error) {
	if modelDir == "" {
		return nil, errors.New("whisper model dir is empty")
	}
	if pattern == "" {
		pattern = "ggml-%s.bin"
	}
	return &WhisperLoader{modelDir: modelDir, pattern: pattern, threads: threads}, nil
}

func (l *WhisperLoader) Load(_ context.Context, size ModelSize) (Model, error) {
	path := ModelPath(l.modelDir, l.pattern, size)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("whisper model not found at %s: %w", path, err)
	}
	model, err := whisper.New(path)
	if err != nil {
		return nil, fmt.Errorf("load whisper model: %w", err)
	}
	return &whisperModel{size: size, path: path, model: model, threads: l.threads}, nil
}

type whisperModel struct {
	size    ModelSize
	path    string
	model   whisper.Model
	threads int
	calls   decodeCalls

	// the classifier context is separate from decode contexts and not goroutine safe
	detectMu sync.Mutex
	detector *lowlevel.Context
}

func (m *whisperModel) Size() ModelSize { return m.size }

func (m *whisperModel) DetectLanguage(ctx context.Context, samples []float32) ([]LanguageProb, error) {
	var out []LanguageProb
	err := m.calls.run(ctx, func() error {
		m.detectMu.Lock()
		defer m.detectMu.Unlock()
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.detector == nil {
			m.detector = lowlevel.Whisper_init(m.path)
			if m.detector == nil {
				return fmt.Errorf("init detector context for %s", m.path)
			}
		}
		if err := m.detector.Whisper_pcm_to_mel(samples, m.threads); err != nil {
			return fmt.Errorf("compute mel: %w", err)
		}
		probs, err := m.detector.Whisper_lang_auto_detect(0, m.threads)
		if err != nil {
			return fmt.Errorf("detect language: %w", err)
		}
		dist := make([]LanguageProb, 0, len(probs))
		for id, p := range probs {
			dist = append(dist, LanguageProb{Code: m.detector.Whisper_lang_str(id), Probability: float64(p)})
		}
		out = dist
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *whisperModel) Transcribe(ctx context.Context, samples []float32, language string) (Transcript, error) {
	wctx, err := m.model.NewContext()
	if err != nil {
		return Transcript{}, fmt.Errorf("create whisper context: %w", err)
	}
	if language != "" {
		if err := wctx.SetLanguage(language); err != nil {
			return Transcript{}, fmt.Errorf("set language %q: %w", language, err)
		}
	}
	if m.threads > 0 {
		wctx.SetThreads(uint(m.threads))
	}

	// the encoder-begin hook stops a cancelled decode before its next window
	err = m.calls.run(ctx, func() error {
		return wctx.Process(samples, func() bool { return ctx.Err() == nil }, nil, nil)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Transcript{}, ctxErr
		}
		return Transcript{}, fmt.Errorf("process audio: %w", err)
	}

	var (
		segments   []string
		totalProb  float64
		tokenCount int
	)
	for {
		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Transcript{}, fmt.Errorf("next segment: %w", err)
		}
		segments = append(segments, strings.TrimSpace(seg.Text))
		for _, token := range seg.Tokens {
			totalProb += float64(token.P)
			tokenCount++
		}
	}
	confidence := 0.0
	if tokenCount > 0 {
		confidence = totalProb / float64(tokenCount)
	}
	return Transcript{
		Text:       strings.TrimSpace(strings.Join(segments, " ")),
		Language:   wctx.Language(),
		Confidence: confidence,
	}, nil
}

func (m *whisperModel) Close() error {
	m.calls.close()
	m.detectMu.Lock()
	if m.detector != nil {
		m.detector.Whisper_free()
		m.detector = nil
	}
	m.detectMu.Unlock()
	return m.model.Close()
}

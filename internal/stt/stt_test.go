package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/lovanote/internal/apperr"
	"github.com/loqalabs/lovanote/internal/audio"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParseModelSize(t *testing.T) {
	for _, s := range Sizes() {
		got, err := ParseModelSize(string(s), SizeBase)
		if err != nil || got != s {
			t.Fatalf("%s: got %s %v", s, got, err)
		}
	}
	if got, _ := ParseModelSize("", SizeLargeV3); got != SizeLargeV3 {
		t.Fatalf("expected fallback, got %s", got)
	}
	if _, err := ParseModelSize("huge", SizeBase); !errors.Is(err, apperr.ErrUnsupportedModel) {
		t.Fatalf("expected ErrUnsupportedModel, got %v", err)
	}
}

func TestCacheSingleLoadPerSize(t *testing.T) {
	loader := &MockLoader{LoadDelay: 30 * time.Millisecond}
	cache := NewModelCache(loader, newLogger())
	t.Cleanup(func() { _ = cache.Close() })

	var wg sync.WaitGroup
	models := make([]Model, 16)
	for i := range models {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := cache.Get(context.Background(), SizeBase)
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			models[i] = m
		}(i)
	}
	wg.Wait()

	if loader.Loads() != 1 {
		t.Fatalf("expected 1 load, got %d", loader.Loads())
	}
	for _, m := range models[1:] {
		if m != models[0] {
			t.Fatal("expected shared model instance")
		}
	}

	if _, err := cache.Get(context.Background(), SizeSmall); err != nil {
		t.Fatalf("get small: %v", err)
	}
	if loader.Loads() != 2 || cache.Loaded() != 2 {
		t.Fatalf("expected one load per size, loads=%d loaded=%d", loader.Loads(), cache.Loaded())
	}
}

func TestCacheDoesNotKeepFailures(t *testing.T) {
	loader := &MockLoader{LoadErr: errors.New("weights missing")}
	cache := NewModelCache(loader, newLogger())

	if _, err := cache.Get(context.Background(), SizeTiny); err == nil {
		t.Fatal("expected load error")
	}
	loader.LoadErr = nil
	if _, err := cache.Get(context.Background(), SizeTiny); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if loader.Loads() != 2 {
		t.Fatalf("expected 2 loads, got %d", loader.Loads())
	}
}

func TestCacheWaiterHonoursContext(t *testing.T) {
	loader := &MockLoader{LoadDelay: 200 * time.Millisecond}
	cache := NewModelCache(loader, newLogger())

	go func() { _, _ = cache.Get(context.Background(), SizeMedium) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := cache.Get(ctx, SizeMedium); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func normalized(n int) audio.Normalized {
	samples := make([]float32, n)
	samples[0] = 1
	return audio.Normalized{SampleRate: audio.TargetSampleRate, Samples: samples}
}

func TestTranscriberErrors(t *testing.T) {
	loader := &MockLoader{LoadErr: errors.New("no weights")}
	tr := NewTranscriber(NewModelCache(loader, newLogger()), time.Second, newLogger())
	_, err := tr.Transcribe(context.Background(), normalized(160), "en", SizeBase)
	if !errors.Is(err, apperr.ErrModelLoad) || apperr.KindOf(err) != apperr.KindExternalService {
		t.Fatalf("expected model load failure, got %v", err)
	}

	loader = &MockLoader{DecodeErr: errors.New("bad frame")}
	tr = NewTranscriber(NewModelCache(loader, newLogger()), time.Second, newLogger())
	_, err = tr.Transcribe(context.Background(), normalized(160), "en", SizeBase)
	if !errors.Is(err, apperr.ErrDecode) {
		t.Fatalf("expected decode failure, got %v", err)
	}
}

func TestTimedOutDecodeFinishesBeforeClose(t *testing.T) {
	loader := &MockLoader{DecodeDelay: 150 * time.Millisecond}
	cache := NewModelCache(loader, newLogger())
	tr := NewTranscriber(cache, 20*time.Millisecond, newLogger())

	start := time.Now()
	_, err := tr.Transcribe(context.Background(), normalized(160), "en", SizeBase)
	if apperr.KindOf(err) != apperr.KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 150*time.Millisecond {
		t.Fatalf("caller waited for the abandoned decode: %s", elapsed)
	}
	if loader.Decodes() != 0 {
		t.Fatalf("decode finished before the deadline")
	}

	if err := cache.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if loader.Decodes() != 1 {
		t.Fatalf("close returned while a decode was still running")
	}
}

func TestClosedModelRefusesDecode(t *testing.T) {
	loader := NewMockLoader()
	model, err := loader.Load(context.Background(), SizeTiny)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	model.Close()
	if _, err := model.Transcribe(context.Background(), make([]float32, 16), "en"); !errors.Is(err, errModelClosed) {
		t.Fatalf("expected closed model error, got %v", err)
	}
}

func TestTranscriberRejectsRawRate(t *testing.T) {
	tr := NewTranscriber(NewModelCache(NewMockLoader(), newLogger()), time.Second, newLogger())
	in := normalized(10)
	in.SampleRate = 44100
	if _, err := tr.Transcribe(context.Background(), in, "en", SizeBase); apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestExecLoaderParses(t *testing.T) {
	if _, err := NewExecLoader("", ""); err == nil {
		t.Fatal("expected empty command error")
	}
	l, err := NewExecLoader(`python3 "helper script.py" --fp16 false`, "/models")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(l.cmd) != 4 || l.cmd[1] != "helper script.py" {
		t.Fatalf("unexpected args %v", l.cmd)
	}
}

func TestModelPath(t *testing.T) {
	if got := ModelPath("/m", "ggml-%s.bin", SizeLargeV3); got != "/m/ggml-large-v3.bin" {
		t.Fatalf("unexpected path %s", got)
	}
}

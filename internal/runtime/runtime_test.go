package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/lovanote/internal/audio"
	"github.com/loqalabs/lovanote/internal/config"
	"github.com/loqalabs/lovanote/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = "127.0.0.1:0"
	cfg.Storage.UploadsDir = filepath.Join(root, "uploads")
	cfg.Storage.TranscriptsDir = filepath.Join(root, "transcriptions")
	cfg.Storage.FeedbackLog = filepath.Join(root, "feedback_logs.txt")
	cfg.STT.Engine = "mock"
	cfg.Cleaner.Mode = "mock"
	cfg.Bus.StoreDir = filepath.Join(root, "nats")
	cfg.Bus.Port = -1
	return cfg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestInitServesProbesAndMetrics(t *testing.T) {
	rt := New(testConfig(t), "test", newLogger())
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer rt.Close(context.Background())

	h := rt.Handler()
	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := get(t, h, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start should be 503, got %d", rec.Code)
	}
	rt.ready.Store(true)
	if rec := get(t, h, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz after start: %d", rec.Code)
	}
	if rec := get(t, h, "/metrics"); rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	rec := get(t, h, "/")
	var index map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &index); err != nil {
		t.Fatalf("index: %v", err)
	}
	if index["service"] != "lovanote" || index["version"] != "test" {
		t.Fatalf("unexpected index %v", index)
	}
	if rt.Pipeline() == nil || rt.Strategies() == nil {
		t.Fatalf("expected pipeline and strategies after init")
	}
}

func TestInitRejectsUnknownModelSize(t *testing.T) {
	cfg := testConfig(t)
	cfg.STT.DefaultModelSize = "huge"
	rt := New(cfg, "test", newLogger())
	defer rt.Close(context.Background())
	if err := rt.Init(context.Background()); err == nil {
		t.Fatalf("expected error for unknown default model size")
	}
}

func sineWAV(t *testing.T) []byte {
	t.Helper()
	samples := make([]float32, 16000)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	wavPath := filepath.Join(t.TempDir(), "clip.wav")
	if err := audio.WriteWAV(wavPath, samples, 16000); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	data, err := os.ReadFile(wavPath)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return data
}

func postFile(t *testing.T, h http.Handler, path string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("file", "clip.wav")
	fw.Write(data)
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequestAuditRoutes(t *testing.T) {
	cfg := testConfig(t)
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.EventStore.RetentionMode = "session"
	rt := New(cfg, "test", newLogger())
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer rt.Close(context.Background())

	if rec := postFile(t, rt.Handler(), "/upload", sineWAV(t)); rec.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}

	rec := get(t, rt.Handler(), "/requests")
	var listing struct {
		Enabled  bool `json:"enabled"`
		Requests []struct {
			RequestID string `json:"request_id"`
			Source    string `json:"source"`
			Status    string `json:"status"`
		} `json:"requests"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode requests: %v", err)
	}
	if !listing.Enabled || len(listing.Requests) != 1 || listing.Requests[0].Source != "upload" || listing.Requests[0].Status == "running" {
		t.Fatalf("unexpected listing %+v", listing)
	}

	rec = get(t, rt.Handler(), "/requests/"+listing.Requests[0].RequestID)
	if rec.Code != http.StatusOK {
		t.Fatalf("request events: %d", rec.Code)
	}
	if rec := get(t, rt.Handler(), "/requests/unknown"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown request: %d", rec.Code)
	}
}

func TestObjectStoreFlowOverEmbeddedBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	rt := New(cfg, "test", newLogger())
	if err := rt.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer rt.Close(context.Background())

	rec := postFile(t, rt.Handler(), "/upload/", sineWAV(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	var uploaded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &uploaded); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	id, _ := uploaded["public_id"].(string)

	rec = get(t, rt.Handler(), "/transcribe/"+id)
	if rec.Code != http.StatusOK {
		t.Fatalf("transcribe: %d %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode transcribe: %v", err)
	}
	if out["success"] != true || out["transcription"] == "" {
		t.Fatalf("unexpected transcribe response %v", out)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	rt := New(testConfig(t), "test", newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !rt.ready.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("runtime did not become ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("runtime did not stop")
	}
}

func TestStartServesBusRequests(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Router.Enabled = true
	rt := New(cfg, "test", newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !rt.ready.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("runtime did not become ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn, err := nats.Connect(rt.nats.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	msg, err := conn.Request(protocol.SubjectTranscriptionRequest, []byte(`{"object":"missing"}`), 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.TranscriptionReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Kind != "not_found" {
		t.Fatalf("expected not_found for unknown object, got %+v", reply)
	}

	rec := get(t, rt.Handler(), "/nodes")
	var listing struct {
		Nodes []struct {
			ID      string `json:"id"`
			Healthy bool   `json:"healthy"`
		} `json:"nodes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode nodes: %v", err)
	}
	if len(listing.Nodes) != 1 || !listing.Nodes[0].Healthy {
		t.Fatalf("expected this node to be listed, got %+v", listing.Nodes)
	}
}

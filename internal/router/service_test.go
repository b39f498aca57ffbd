package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/lovanote/internal/acquire"
	"github.com/loqalabs/lovanote/internal/apperr"
	"github.com/loqalabs/lovanote/internal/config"
	"github.com/loqalabs/lovanote/internal/natsserver"
	"github.com/loqalabs/lovanote/internal/pipeline"
	"github.com/loqalabs/lovanote/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRunner struct {
	mu      sync.Mutex
	sources []string
	opts    []pipeline.Options
	err     error
}

func (f *fakeRunner) Run(_ context.Context, src acquire.Strategy, opts pipeline.Options) (pipeline.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources = append(f.sources, src.Name())
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return pipeline.Result{}, f.err
	}
	return pipeline.Result{Text: "hello", Language: "en", AccuracyRate: 100, ModelSize: opts.ModelSize}, nil
}

type emptyObjects struct{}

func (emptyObjects) Open(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func connect(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}

func startService(t *testing.T, runner Runner, objects acquire.ObjectSource) (*Service, *nats.Conn) {
	t.Helper()
	return startServiceWith(t, config.RouterConfig{Enabled: true, QueueGroup: "test", MaxConcurrent: 2, MaxPending: 4, TimeoutMS: 5000}, runner, objects)
}

func startServiceWith(t *testing.T, cfg config.RouterConfig, runner Runner, objects acquire.ObjectSource) (*Service, *nats.Conn) {
	t.Helper()
	conn := connect(t)
	factory := acquire.NewFactory(config.StorageConfig{UploadsDir: t.TempDir()}, config.AcquireConfig{}, newLogger())
	svc := NewService(context.Background(), cfg, conn, runner, factory, objects, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}
	return svc, conn
}

func request(t *testing.T, conn *nats.Conn, payload []byte) protocol.TranscriptionReply {
	t.Helper()
	msg, err := conn.Request(protocol.SubjectTranscriptionRequest, payload, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.TranscriptionReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func TestRoutesRequestsToStrategies(t *testing.T) {
	runner := &fakeRunner{}
	_, conn := startService(t, runner, emptyObjects{})

	cases := []struct {
		req  protocol.TranscriptionRequest
		want string
	}{
		{protocol.TranscriptionRequest{Object: "abc", ModelSize: "base"}, "object"},
		{protocol.TranscriptionRequest{URL: "https://example.com/a.mp3", Language: "hi"}, "url"},
		{protocol.TranscriptionRequest{URL: "https://example.com/watch", Video: true}, "video"},
	}
	for i, tc := range cases {
		payload, _ := json.Marshal(tc.req)
		reply := request(t, conn, payload)
		if reply.Error != "" {
			t.Fatalf("case %d: unexpected error %q", i, reply.Error)
		}
		var res pipeline.Result
		if err := json.Unmarshal(reply.Result, &res); err != nil {
			t.Fatalf("case %d: decode result: %v", i, err)
		}
		if res.Text != "hello" || res.ModelSize != tc.req.ModelSize {
			t.Fatalf("case %d: unexpected result %+v", i, res)
		}
		runner.mu.Lock()
		got := runner.sources[len(runner.sources)-1]
		opts := runner.opts[len(runner.opts)-1]
		runner.mu.Unlock()
		if got != tc.want {
			t.Fatalf("case %d: expected %s strategy, got %s", i, tc.want, got)
		}
		if opts.Language != tc.req.Language {
			t.Fatalf("case %d: language not forwarded: %q", i, opts.Language)
		}
	}
}

func TestRejectsInvalidRequests(t *testing.T) {
	runner := &fakeRunner{}
	_, conn := startService(t, runner, nil)

	cases := []struct {
		payload string
		kind    string
	}{
		{`not json`, apperr.KindInvalidInput.String()},
		{`{}`, apperr.KindInvalidInput.String()},
		{`{"object":"a","url":"https://example.com/a.mp3"}`, apperr.KindInvalidInput.String()},
		{`{"object":"a"}`, apperr.KindExternalService.String()},
	}
	for _, tc := range cases {
		reply := request(t, conn, []byte(tc.payload))
		if reply.Error == "" || reply.Kind != tc.kind {
			t.Fatalf("payload %s: expected %s error, got %+v", tc.payload, tc.kind, reply)
		}
	}
	if len(runner.sources) != 0 {
		t.Fatalf("runner should not be invoked for invalid requests")
	}
}

func TestReportsPipelineFailure(t *testing.T) {
	runner := &fakeRunner{err: apperr.Invalid("normalize", apperr.ErrSilentAudio, nil)}
	_, conn := startService(t, runner, nil)

	reply := request(t, conn, []byte(`{"url":"https://example.com/a.wav"}`))
	if reply.Kind != apperr.KindInvalidInput.String() || !strings.Contains(reply.Error, "silent") {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if len(reply.Result) != 0 {
		t.Fatalf("failed reply must not carry a result")
	}
}

func TestDisabledServiceIsNoop(t *testing.T) {
	svc := NewService(context.Background(), config.RouterConfig{}, nil, &fakeRunner{}, nil, nil, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("disabled service reports healthy")
	}
	svc.Close()
}

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingRunner) Run(ctx context.Context, _ acquire.Strategy, _ pipeline.Options) (pipeline.Result, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
		return pipeline.Result{Text: "done", Language: "en"}, nil
	case <-ctx.Done():
		return pipeline.Result{}, ctx.Err()
	}
}

func TestRefusesRequestsBeyondPendingLimit(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}, 4), release: make(chan struct{})}
	cfg := config.RouterConfig{Enabled: true, QueueGroup: "test", MaxConcurrent: 1, MaxPending: 1, TimeoutMS: 5000}
	_, conn := startServiceWith(t, cfg, runner, nil)

	payload := []byte(`{"url":"https://example.com/a.wav"}`)
	replies := make(chan protocol.TranscriptionReply, 2)
	send := func() {
		var reply protocol.TranscriptionReply
		msg, err := conn.Request(protocol.SubjectTranscriptionRequest, payload, 5*time.Second)
		if err != nil {
			reply.Error = err.Error()
		} else if err := json.Unmarshal(msg.Data, &reply); err != nil {
			reply.Error = err.Error()
		}
		replies <- reply
	}
	go send()
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first request never started")
	}
	go send()
	time.Sleep(100 * time.Millisecond)

	busy := request(t, conn, payload)
	if busy.Kind != apperr.KindExternalService.String() || !strings.Contains(busy.Error, "busy") {
		t.Fatalf("expected busy reply, got %+v", busy)
	}

	close(runner.release)
	for i := 0; i < 2; i++ {
		select {
		case reply := <-replies:
			if reply.Error != "" {
				t.Fatalf("admitted request failed: %+v", reply)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("admitted request never answered")
		}
	}

	after := request(t, conn, payload)
	if after.Error != "" {
		t.Fatalf("capacity not released: %+v", after)
	}
}

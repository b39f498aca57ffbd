package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/lovanote/internal/acquire"
	"github.com/loqalabs/lovanote/internal/config"
	"github.com/loqalabs/lovanote/internal/natsserver"
	"github.com/loqalabs/lovanote/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *Client {
	t.Helper()
	cfg := config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, newLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestPublishCompletion(t *testing.T) {
	client := startBus(t)
	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}

	sub, err := client.Conn().SubscribeSync(protocol.SubjectTranscriptionCompleted)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	conf := 0.91
	evt := protocol.TranscriptionCompleted{RequestID: "r1", Language: "en", Confidence: &conf, AccuracyRate: 91}
	if err := client.Publish(protocol.SubjectTranscriptionCompleted, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var got protocol.TranscriptionCompleted
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RequestID != "r1" || got.Confidence == nil || *got.Confidence != conf {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestNilClientPublishIsNoop(t *testing.T) {
	var c *Client
	if err := c.Publish("x", struct{}{}); err != nil {
		t.Fatalf("nil publish: %v", err)
	}
	if c.Healthy() {
		t.Fatal("nil client must not be healthy")
	}
}

func TestObjectsRoundTrip(t *testing.T) {
	client := startBus(t)
	objects, err := client.Objects("lovanote-test")
	if err != nil {
		t.Fatalf("objects: %v", err)
	}
	ctx := context.Background()
	size, err := objects.Put(ctx, "clip-1", strings.NewReader("RIFF-audio"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if size != 10 {
		t.Fatalf("unexpected size %d", size)
	}

	rc, err := objects.Open(ctx, "clip-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil || string(data) != "RIFF-audio" {
		t.Fatalf("unexpected payload %q (%v)", data, err)
	}

	if _, err := objects.Open(ctx, "missing"); !errors.Is(err, acquire.ErrObjectMissing) {
		t.Fatalf("expected ErrObjectMissing, got %v", err)
	}

	again, err := client.Objects("lovanote-test")
	if err != nil {
		t.Fatalf("rebind bucket: %v", err)
	}
	if again.Bucket() != "lovanote-test" {
		t.Fatalf("unexpected bucket %s", again.Bucket())
	}
}

func TestObjectFetchFromBucket(t *testing.T) {
	client := startBus(t)
	objects, err := client.Objects("lovanote-fetch")
	if err != nil {
		t.Fatalf("objects: %v", err)
	}
	if _, err := objects.Put(context.Background(), "abc", strings.NewReader("payload")); err != nil {
		t.Fatalf("put: %v", err)
	}
	fetch := &acquire.ObjectFetch{Dir: t.TempDir(), Store: objects, Object: "abc"}
	asset, err := fetch.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if asset.Size != 7 {
		t.Fatalf("unexpected asset %+v", asset)
	}
}

func TestEmbeddedServerEnforcesToken(t *testing.T) {
	cfg := config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir(), Token: "s3cret", ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	if srv.StoreDir() != cfg.StoreDir {
		t.Fatalf("unexpected store dir %s", srv.StoreDir())
	}

	cfg.Servers = []string{srv.ClientURL()}
	client, err := Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect with token: %v", err)
	}
	client.Close()

	cfg.Token = "wrong"
	if _, err := Connect(context.Background(), cfg, newLogger()); err == nil {
		t.Fatal("expected rejection for a bad token")
	}
}

// Package natsserver runs an in-process NATS server so a single LovaNote
// instance can use the object store and bus surfaces without external
// infrastructure.
package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/loqalabs/lovanote/internal/config"
)

const readyTimeout = 5 * time.Second

type Server struct {
	ns       *server.Server
	storeDir string
	log      *slog.Logger
}

// Start launches the embedded server with JetStream storage under
// cfg.StoreDir. It returns nil when cfg.Embedded is false. Port -1 picks a
// free port. Configured bus credentials are enforced by the server so the
// runtime's own client dials it with the same settings.
func Start(cfg config.BusConfig, log *slog.Logger) (*Server, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	storeDir := cfg.StoreDir
	if storeDir == "" {
		storeDir = "./data/nats"
	}

	opts := &server.Options{
		ServerName: "lovanote-embedded",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   storeDir,
		NoSigs:     true,
		NoLog:      true,
	}
	switch {
	case cfg.Token != "":
		opts.Authorization = cfg.Token
	case cfg.Username != "":
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready after %s", readyTimeout)
	}
	if !ns.JetStreamEnabled() {
		ns.Shutdown()
		return nil, errors.New("embedded nats server started without jetstream")
	}

	log = log.With(slog.String("component", "natsserver"))
	log.Info("embedded nats server started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", storeDir))

	return &Server{ns: ns, storeDir: storeDir, log: log}, nil
}

func (s *Server) ClientURL() string {
	return s.ns.ClientURL()
}

func (s *Server) StoreDir() string {
	return s.storeDir
}

func (s *Server) Shutdown() {
	if s == nil || s.ns == nil {
		return
	}
	s.log.Info("stopping embedded nats server")
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}

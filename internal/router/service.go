// Package router serves transcription requests arriving on the bus.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/lovanote/internal/acquire"
	"github.com/loqalabs/lovanote/internal/apperr"
	"github.com/loqalabs/lovanote/internal/config"
	"github.com/loqalabs/lovanote/internal/pipeline"
	"github.com/loqalabs/lovanote/internal/protocol"
)

// Runner executes one transcription.
type Runner interface {
	Run(ctx context.Context, src acquire.Strategy, opts pipeline.Options) (pipeline.Result, error)
}

type Service struct {
	cfg        config.RouterConfig
	conn       *nats.Conn
	runner     Runner
	strategies *acquire.Factory
	objects    acquire.ObjectSource
	logger     *slog.Logger
	sub        *nats.Subscription
	slots      chan struct{}
	admitted   chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewService builds a router. objects may be nil, in which case requests
// naming an object are rejected.
func NewService(parent context.Context, cfg config.RouterConfig, conn *nats.Conn, runner Runner, strategies *acquire.Factory, objects acquire.ObjectSource, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	slots := cfg.MaxConcurrent
	if slots <= 0 {
		slots = 1
	}
	pending := cfg.MaxPending
	if pending < 0 {
		pending = 0
	}
	return &Service{
		cfg:        cfg,
		conn:       conn,
		runner:     runner,
		strategies: strategies,
		objects:    objects,
		logger:     logger.With(slog.String("component", "router")),
		slots:      make(chan struct{}, slots),
		admitted:   make(chan struct{}, slots+pending),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.conn == nil {
		return errors.New("router requires a bus connection")
	}
	sub, err := s.conn.QueueSubscribe(protocol.SubjectTranscriptionRequest, s.cfg.QueueGroup, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("router listening",
		slog.String("subject", protocol.SubjectTranscriptionRequest),
		slog.String("queue", s.cfg.QueueGroup))
	return nil
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s == nil || !s.cfg.Enabled || s.sub != nil
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TranscriptionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("router failed to decode request", slogError(err))
		s.reply(msg, protocol.TranscriptionReply{Error: "invalid request: " + err.Error(), Kind: apperr.KindInvalidInput.String()})
		return
	}
	src, err := s.source(req)
	if err != nil {
		s.reply(msg, protocol.TranscriptionReply{Error: err.Error(), Kind: apperr.KindOf(err).String()})
		return
	}

	// admitted bounds running plus waiting requests; the rest are refused now
	select {
	case s.admitted <- struct{}{}:
	default:
		s.logger.Warn("router at capacity, refusing request", slog.Int("admitted", cap(s.admitted)))
		err := apperr.External("route", apperr.ErrBusy, errors.New("too many requests in flight, retry later"))
		s.reply(msg, protocol.TranscriptionReply{Error: err.Error(), Kind: apperr.KindOf(err).String()})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.admitted
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		defer func() { <-s.admitted }()
		select {
		case s.slots <- struct{}{}:
		case <-s.ctx.Done():
			return
		}
		defer func() { <-s.slots }()
		s.reply(msg, s.run(src, req))
	}()
}

func (s *Service) run(src acquire.Strategy, req protocol.TranscriptionRequest) protocol.TranscriptionReply {
	ctx := s.ctx
	if s.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	res, err := s.runner.Run(ctx, src, pipeline.Options{Language: req.Language, ModelSize: req.ModelSize})
	if err != nil {
		return protocol.TranscriptionReply{Error: err.Error(), Kind: apperr.KindOf(err).String()}
	}
	data, err := json.Marshal(res)
	if err != nil {
		return protocol.TranscriptionReply{Error: err.Error(), Kind: apperr.KindInternal.String()}
	}
	return protocol.TranscriptionReply{Result: data}
}

func (s *Service) source(req protocol.TranscriptionRequest) (acquire.Strategy, error) {
	switch {
	case req.Object != "" && req.URL != "":
		return nil, apperr.Invalid("route", apperr.ErrMissingField, errors.New("set either object or url, not both"))
	case req.Object != "":
		if s.objects == nil {
			return nil, apperr.External("route", apperr.ErrDownload, errors.New("object store not configured"))
		}
		return s.strategies.Object(s.objects, req.Object), nil
	case req.URL != "" && req.Video:
		return s.strategies.Video(req.URL), nil
	case req.URL != "":
		return s.strategies.URL(req.URL), nil
	default:
		return nil, apperr.Invalid("route", apperr.ErrMissingField, errors.New("object or url"))
	}
}

func (s *Service) reply(msg *nats.Msg, reply protocol.TranscriptionReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("router failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("router failed to send reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

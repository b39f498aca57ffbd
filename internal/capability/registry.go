// Package capability tracks the LovaNote instances sharing a bus and what
// each of them can do.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/lovanote/internal/config"
	"github.com/loqalabs/lovanote/internal/langdetect"
	"github.com/loqalabs/lovanote/internal/stt"
)

const (
	subjectAnnounce  = "lovanote.node.announce"
	subjectHeartbeat = "lovanote.node.heartbeat"
)

// Capability is one advertised function of a node. Tier carries the
// default model size for transcription.
type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Version      string       `json:"version,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Version      string       `json:"version"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// FromConfig derives the capabilities this process advertises.
func FromConfig(cfg config.Config) []Capability {
	sizes := make([]string, 0, len(stt.Sizes()))
	for _, s := range stt.Sizes() {
		sizes = append(sizes, string(s))
	}
	langs := make([]string, 0, len(langdetect.Codes()))
	for _, c := range langdetect.Codes() {
		langs = append(langs, string(c))
	}
	caps := []Capability{
		{
			Name: "transcribe",
			Tier: cfg.STT.DefaultModelSize,
			Attributes: map[string]string{
				"engine":    cfg.STT.Engine,
				"sizes":     strings.Join(sizes, ","),
				"languages": strings.Join(langs, ","),
			},
		},
		{Name: "cleanup", Attributes: map[string]string{"mode": cfg.Cleaner.Mode}},
		{Name: "export", Attributes: map[string]string{"formats": "pdf,docx"}},
		{Name: "http", Attributes: map[string]string{"surface": cfg.HTTP.Surface}},
	}
	if cfg.Router.Enabled {
		caps = append(caps, Capability{Name: "bus-requests", Attributes: map[string]string{"queue": cfg.Router.QueueGroup}})
	}
	return caps
}

type Registry struct {
	id        string
	version   string
	caps      []Capability
	interval  time.Duration
	timeout   time.Duration
	log       *slog.Logger
	conn      *nats.Conn
	mu        sync.RWMutex
	nodes     map[string]*NodeInfo
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	wg        sync.WaitGroup
	clock     func() time.Time
	meter     metric.Meter
	nodeGauge metric.Int64ObservableGauge
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, version string, caps []Capability, conn *nats.Conn, log *slog.Logger) (*Registry, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("node id must not be empty")
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		id:       cfg.ID,
		version:  version,
		caps:     caps,
		interval: time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond,
		timeout:  time.Duration(cfg.HeartbeatTimeoutMS) * time.Millisecond,
		log:      log.With(slog.String("component", "capability-registry")),
		conn:     conn,
		nodes:    make(map[string]*NodeInfo),
		cancel:   cancel,
		clock:    time.Now,
		meter:    otel.Meter("github.com/loqalabs/lovanote/capability"),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	r.wg.Add(1)
	go r.run(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	announceSub, err := r.conn.Subscribe(subjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := r.conn.Subscribe(subjectHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(r.interval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.id,
		Version:      r.version,
		Capabilities: r.caps,
		Timestamp:    r.clock().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.conn.Publish(subjectAnnounce, payload); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Version, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	payload, err := json.Marshal(heartbeatMessage{NodeID: r.id, Timestamp: r.clock().UTC()})
	if err != nil {
		return err
	}
	return r.conn.Publish(subjectHeartbeat+"."+r.id, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.NodeID == "" {
		r.log.Warn("invalid announce message")
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.clock().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Version, announcement.Capabilities, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message")
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID, version string, capabilities []Capability, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if version != "" {
		node.Version = version
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > r.timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node still hears its own heartbeat.
func (r *Registry) Healthy() bool {
	if r == nil {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.id]
	return ok && node.Healthy
}

// Query returns matching nodes ordered by id.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := []NodeInfo{}
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	gauge, err := r.meter.Int64ObservableGauge("lovanote.nodes.healthy", metric.WithDescription("Healthy LovaNote nodes on the bus"))
	if err != nil {
		return err
	}
	r.nodeGauge = gauge
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(len(r.Query(func(n NodeInfo) bool { return n.Healthy }))))
		return nil
	}, gauge)
	return err
}

// WithCapabilityFilter selects nodes advertising name.
func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

// WithTierFilter selects nodes whose transcription default is tier.
func WithTierFilter(tier string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Tier == tier {
				return true
			}
		}
		return false
	}
}

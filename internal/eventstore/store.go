// Package eventstore keeps the audit timeline of transcription requests in
// SQLite: one header row per request and one row per pipeline stage outcome.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/lovanote/internal/config"
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
	// StatusDegraded marks a stage that completed on its fallback path.
	StatusDegraded = "degraded"
	// StatusRunning is the request status until Finish is called.
	StatusRunning = "running"
)

// Event is one pipeline stage outcome on a request's timeline.
type Event struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"request_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Request is the header row for a transcription request.
type Request struct {
	RequestID  string    `json:"request_id"`
	Source     string    `json:"source"`
	ModelSize  string    `json:"model_size"`
	Status     string    `json:"status"`
	Kind       string    `json:"kind,omitempty"`
	Language   string    `json:"language,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Outcome closes a request row.
type Outcome struct {
	RequestID string
	Status    string
	Kind      string
	Language  string
}

// timestamp layouts the sqlite driver may hand back for TIMESTAMP columns.
var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open prepares the store. In ephemeral mode no database is opened and every
// method is a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	s := &Store{cfg: cfg, log: log, clock: time.Now}
	if cfg.RetentionMode == "ephemeral" {
		return s, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create event store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate event store: %w", err)
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	log.Info("event store opened", slog.String("path", cfg.Path), slog.String("retention", cfg.RetentionMode))
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS requests (
    request_id TEXT PRIMARY KEY,
    source TEXT NOT NULL DEFAULT '',
    model_size TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'running',
    kind TEXT NOT NULL DEFAULT '',
    language TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS stages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    trace_id TEXT NOT NULL DEFAULT '',
    stage TEXT NOT NULL,
    status TEXT NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(request_id) REFERENCES requests(request_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
CREATE INDEX IF NOT EXISTS idx_stages_request_created ON stages(request_id, created_at);
`)
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enabled reports whether the store persists anything.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// AppendRequest inserts or refreshes the header row for a request.
func (s *Store) AppendRequest(ctx context.Context, req Request) error {
	if !s.Enabled() {
		return nil
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.clock().UTC()
	}
	if req.Status == "" {
		req.Status = StatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests(request_id, source, model_size, status, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET source=excluded.source, model_size=excluded.model_size`,
		req.RequestID, req.Source, req.ModelSize, req.Status, req.CreatedAt)
	return err
}

// Finish records the final status of a request. Unknown ids are ignored.
func (s *Store) Finish(ctx context.Context, out Outcome) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, kind = ?, language = ?, finished_at = ? WHERE request_id = ?`,
		out.Status, out.Kind, out.Language, s.clock().UTC(), out.RequestID)
	return err
}

// AppendEvent writes a stage outcome. The request row must exist.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stages(request_id, trace_id, stage, status, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.RequestID, evt.TraceID, evt.Stage, evt.Status, evt.Payload, evt.CreatedAt)
	return err
}

// ListRequestEvents returns up to limit events for a request, oldest first.
func (s *Store) ListRequestEvents(ctx context.Context, requestID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, trace_id, stage, status, payload, created_at
		 FROM stages WHERE request_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, requestID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created any
		if err := rows.Scan(&e.ID, &e.RequestID, &e.TraceID, &e.Stage, &e.Status, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentRequests returns up to limit request rows, newest first.
func (s *Store) RecentRequests(ctx context.Context, limit int) ([]Request, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, source, model_size, status, kind, language, created_at, finished_at
		 FROM requests ORDER BY created_at DESC, request_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var r Request
		var created, finished any
		if err := rows.Scan(&r.RequestID, &r.Source, &r.ModelSize, &r.Status, &r.Kind, &r.Language, &created, &finished); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(created)
		r.FinishedAt = parseTime(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune applies the configured retention. Only persistent and session
// stores carry limits.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var removed int64
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		res, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed += n
		if _, err := tx.ExecContext(ctx, `DELETE FROM stages WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRequests > 0 {
		res, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE request_id IN (
			SELECT request_id FROM requests ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRequests)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	if removed > 0 {
		s.log.Info("event store pruned", slog.Int64("requests", removed))
	}
	return nil
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts
			}
		}
	case []byte:
		return parseTime(string(t))
	}
	return time.Time{}
}

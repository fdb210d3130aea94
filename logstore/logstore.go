// Package logstore provides SQLite-backed persistent storage for slog entries
// and a custom slog.Handler that tees log records to an inner handler and to the DB.
package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const migrationSQL = `
CREATE TABLE IF NOT EXISTS logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    ts         DATETIME NOT NULL,
    level      TEXT NOT NULL,
    msg        TEXT NOT NULL,
    channel_id TEXT,
    thread_id  TEXT,
    attrs      TEXT
);
CREATE INDEX IF NOT EXISTS idx_logs_channel ON logs(channel_id);
CREATE INDEX IF NOT EXISTS idx_logs_thread ON logs(thread_id);
`

// channelLogRetention and threadLogRetention are the row caps prune()
// enforces per scope. Threads are ephemeral — once a conversation thread
// goes quiet its log history rarely matters again — so thread-scoped rows
// get a much tighter cap than channel-level rows, which cover a channel's
// entire operational lifetime.
const (
	channelLogRetention = 10000
	threadLogRetention  = 500
)

// LogRow is a single log entry returned by List.
type LogRow struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"ts"`
	Level     string    `json:"level"`
	Msg       string    `json:"msg"`
	ChannelID string    `json:"channel_id,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Attrs     string    `json:"attrs,omitempty"`
}

// Store persists slog records in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the log store at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log db dir: %w", err)
	}
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open log db: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), migrationSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("log db migration: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// write persists a single log entry. Silently discards errors — logging the error
// here would recurse back into slog. Prunes the table 1 in 500 writes to avoid O(N) overhead.
func (s *Store) write(ctx context.Context, ts time.Time, level, msg, channelID, threadID, attrsJSON string) {
	_, _ = s.db.ExecContext(ctx,
		`INSERT INTO logs (ts, level, msg, channel_id, thread_id, attrs) VALUES (?, ?, ?, ?, ?, ?)`,
		ts, level, msg, channelID, threadID, attrsJSON,
	)
	if rand.IntN(500) == 0 {
		// Use context.Background(): prune is a maintenance operation that should
		// not be cancelled by the short-lived request context that triggered the write.
		s.prune(context.Background())
	}
}

// prune enforces channelLogRetention on channel-scoped rows (no thread_id)
// and the tighter threadLogRetention on thread-scoped rows, deleting the
// oldest excess rows within each scope.
func (s *Store) prune(ctx context.Context) {
	s.pruneScope(ctx, "channel_id", "(thread_id IS NULL OR thread_id = '')", channelLogRetention)
	s.pruneScope(ctx, "thread_id", "(thread_id IS NOT NULL AND thread_id != '')", threadLogRetention)
}

func (s *Store) pruneScope(ctx context.Context, scopeCol, scopeFilter string, retention int) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT `+scopeCol+` FROM logs WHERE `+scopeFilter)
	if err != nil {
		return
	}
	defer rows.Close()

	var scopeIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		scopeIDs = append(scopeIDs, id)
	}
	rows.Close()

	for _, id := range scopeIDs {
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM logs WHERE `+scopeCol+` = ? AND `+scopeFilter+` AND id NOT IN (
				SELECT id FROM logs WHERE `+scopeCol+` = ? AND `+scopeFilter+` ORDER BY id DESC LIMIT ?
			)`,
			id, id, retention,
		)
	}
}

// List returns log rows for a channel, optionally narrowed to one thread
// within it and/or filtered by minimum level. threadID == "" matches
// channel-level rows only (no thread scope); level may be "debug", "info",
// "warn", "error", or "" (no filter).
func (s *Store) List(ctx context.Context, channelID, threadID, level string, limit, offset int) ([]LogRow, int, error) {
	if limit == 0 {
		limit = 100
	}

	where := "channel_id = ?"
	args := []any{channelID}

	if threadID != "" {
		where += " AND thread_id = ?"
		args = append(args, threadID)
	} else {
		where += " AND (thread_id IS NULL OR thread_id = '')"
	}

	if level != "" {
		levels := map[string]int{"debug": -4, "info": 0, "warn": 4, "error": 8}
		if n, ok := levels[level]; ok {
			where += " AND CASE level WHEN 'DEBUG' THEN -4 WHEN 'INFO' THEN 0 WHEN 'WARN' THEN 4 WHEN 'ERROR' THEN 8 ELSE 0 END >= ?"
			args = append(args, n)
		}
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM logs WHERE "+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count logs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, ts, level, msg, COALESCE(channel_id,''), COALESCE(thread_id,''), COALESCE(attrs,'') FROM logs WHERE "+where+
			" ORDER BY id DESC LIMIT ? OFFSET ?",
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []LogRow
	for rows.Next() {
		var r LogRow
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.Level, &r.Msg, &r.ChannelID, &r.ThreadID, &r.Attrs); err != nil {
			return nil, 0, fmt.Errorf("scan log row: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// Handler is a slog.Handler that tees records to an inner handler and to a Store.
// Attrs added via WithAttrs are accumulated so that channel_id/thread_id are
// available even when they were attached before the log call.
type Handler struct {
	inner    slog.Handler
	store    *Store
	preAttrs map[string]string // flat attrs accumulated via WithAttrs
}

// NewHandler wraps inner with a tee to store.
func NewHandler(inner slog.Handler, store *Store) *Handler {
	return &Handler{inner: inner, store: store, preAttrs: make(map[string]string)}
}

func (h *Handler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	child := &Handler{
		inner:    h.inner.WithAttrs(attrs),
		store:    h.store,
		preAttrs: copyMap(h.preAttrs),
	}
	for _, a := range attrs {
		// Use Value.String() for all kinds so non-string values are still captured.
		child.preAttrs[a.Key] = a.Value.String()
	}
	return child
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		inner:    h.inner.WithGroup(name),
		store:    h.store,
		preAttrs: copyMap(h.preAttrs),
	}
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	channelID := h.preAttrs["channel_id"]
	threadID := h.preAttrs["thread_id"]

	extra := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "channel_id":
			channelID = a.Value.String()
		case "thread_id":
			threadID = a.Value.String()
		default:
			extra[a.Key] = a.Value.Any()
		}
		return true
	})

	var attrsJSON string
	if len(extra) > 0 {
		b, _ := json.Marshal(extra)
		attrsJSON = string(b)
	}

	h.store.write(ctx, r.Time, r.Level.String(), r.Message, channelID, threadID, attrsJSON)
	return nil
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Package store provides the SQLite-backed durable record of chat history:
// every observed message, every frozen block boundary, and per-thread
// reset points, indexed by channel and thread.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is the current forward-only migration version. A store
// opened against a database whose schema_version exceeds this value
// refuses to start — an older binary must never silently truncate a
// newer schema.
const schemaVersion = 1

const migrationSQL = `
CREATE TABLE IF NOT EXISTS messages (
    row_id             INTEGER PRIMARY KEY AUTOINCREMENT,
    channel_id         TEXT NOT NULL,
    thread_id          TEXT,
    parent_channel_id  TEXT,
    message_id         TEXT NOT NULL,
    author_id          TEXT NOT NULL,
    author_name        TEXT NOT NULL,
    content            TEXT NOT NULL,
    platform_timestamp DATETIME NOT NULL,
    created_at         DATETIME NOT NULL,
    UNIQUE(channel_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_channel_thread_row
    ON messages(channel_id, thread_id, row_id);

CREATE TABLE IF NOT EXISTS block_boundaries (
    row_id            INTEGER PRIMARY KEY AUTOINCREMENT,
    channel_id        TEXT NOT NULL,
    thread_id         TEXT,
    first_message_id  TEXT NOT NULL,
    last_message_id   TEXT NOT NULL,
    first_row_id      INTEGER NOT NULL,
    last_row_id       INTEGER NOT NULL,
    token_count       INTEGER NOT NULL,
    created_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_boundaries_channel_thread_last
    ON block_boundaries(channel_id, thread_id, last_row_id);

CREATE TABLE IF NOT EXISTS thread_resets (
    thread_id             TEXT NOT NULL,
    bot_id                TEXT NOT NULL DEFAULT '__GLOBAL__',
    last_reset_row_id     INTEGER NOT NULL,
    last_reset_message_id TEXT,
    created_at            DATETIME NOT NULL,
    PRIMARY KEY(thread_id, bot_id)
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);
`

// GlobalBot is the sentinel bot_id meaning "applies to every bot".
const GlobalBot = "__GLOBAL__"

// ErrSchemaTooNew is returned when the on-disk schema_version exceeds what
// this binary understands — migrations here are forward-only.
var ErrSchemaTooNew = errors.New("store: database schema is newer than this binary supports")

// Message is a single durably recorded chat message.
type Message struct {
	RowID             int64
	ChannelID         string
	ThreadID          string // "" means no thread
	ParentChannelID   string
	MessageID         string
	AuthorID          string
	AuthorDisplayName string
	Content           string
	PlatformTimestamp time.Time
	CreatedAt         time.Time

	// IsThreadStarterNotice marks a platform-synthesized "thread created"
	// marker. Never persisted; set by the engine at ingestion from the raw
	// message type, which then skips the insert, and the mirror drops it.
	IsThreadStarterNotice bool
	// ImageURLs carries non-inlined image attachment URLs. Never persisted;
	// surfaced to the context builder for providers that accept image blocks.
	ImageURLs []string
}

// BlockBoundary is an immutable frozen prefix segment of a channel's history.
type BlockBoundary struct {
	RowID           int64
	ChannelID       string
	ThreadID        string
	FirstMessageID  string
	LastMessageID   string
	FirstRowID      int64
	LastRowID       int64
	TokenCount      int
	CreatedAt       time.Time
}

// ResetInfo describes the most recent reset point recorded for a thread.
type ResetInfo struct {
	ThreadID           string
	BotID              string
	LastResetRowID     int64
	LastResetMessageID string
	CreatedAt          time.Time
}

// Stats summarizes store occupancy, surfaced on the operator status endpoint.
type Stats struct {
	MessageCount  int64
	BoundaryCount int64
	ResetCount    int64
}

// Store is the durable, single-writer relational store. Writes funnel
// through writeDB under mu; reads use readDB, which WAL mode allows to run
// concurrently with writers.
type Store struct {
	mu      sync.Mutex
	writeDB *sql.DB
	readDB  *sql.DB
}

// Open opens (or creates) the durable store at dbPath, running forward-only
// migrations and verifying the schema version.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL"

	writeDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store (write): %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("open store (read): %w", err)
	}

	ctx := context.Background()
	if _, err := writeDB.ExecContext(ctx, migrationSQL); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, fmt.Errorf("run migration: %w", err)
	}
	if err := reconcileSchemaVersion(ctx, writeDB); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, err
	}

	return &Store{writeDB: writeDB, readDB: readDB}, nil
}

func reconcileSchemaVersion(ctx context.Context, db *sql.DB) error {
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if count == 0 {
		_, err := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion)
		if err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
		return nil
	}
	var onDisk int
	if err := db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&onDisk); err != nil {
		return fmt.Errorf("read schema_version row: %w", err)
	}
	if onDisk > schemaVersion {
		return ErrSchemaTooNew
	}
	if onDisk < schemaVersion {
		// Forward migrations would run here as the schema grows; at
		// schemaVersion 1 there is nothing yet to migrate.
		if _, err := db.ExecContext(ctx, `UPDATE schema_version SET version = ?`, schemaVersion); err != nil {
			return fmt.Errorf("bump schema_version: %w", err)
		}
	}
	return nil
}

// Close closes both underlying connections.
func (s *Store) Close() error {
	werr := s.writeDB.Close()
	rerr := s.readDB.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// InsertMessage durably records m and returns its assigned row_id.
// Idempotent on (channel_id, message_id): a duplicate insert returns the
// existing row_id and does not modify content.
func (s *Store) InsertMessage(ctx context.Context, m Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.writeDB.ExecContext(ctx,
		`INSERT INTO messages (channel_id, thread_id, parent_channel_id, message_id, author_id, author_name, content, platform_timestamp, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel_id, message_id) DO NOTHING`,
		m.ChannelID, nullableString(m.ThreadID), m.ParentChannelID, m.MessageID, m.AuthorID, m.AuthorDisplayName, m.Content, m.PlatformTimestamp, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert message rows affected: %w", err)
	}
	if affected > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("insert message last id: %w", err)
		}
		return id, nil
	}

	// Conflict: row already exists, return its existing row_id.
	var existing int64
	err = s.writeDB.QueryRowContext(ctx,
		`SELECT row_id FROM messages WHERE channel_id = ? AND message_id = ?`,
		m.ChannelID, m.MessageID,
	).Scan(&existing)
	if err != nil {
		return 0, fmt.Errorf("lookup existing message: %w", err)
	}
	return existing, nil
}

// InsertBlockBoundary durably records an immutable boundary.
func (s *Store) InsertBlockBoundary(ctx context.Context, b BlockBoundary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.writeDB.ExecContext(ctx,
		`INSERT INTO block_boundaries (channel_id, thread_id, first_message_id, last_message_id, first_row_id, last_row_id, token_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ChannelID, nullableString(b.ThreadID), b.FirstMessageID, b.LastMessageID, b.FirstRowID, b.LastRowID, b.TokenCount, now,
	)
	if err != nil {
		return fmt.Errorf("insert block boundary: %w", err)
	}
	return nil
}

// GetMessages returns messages for channel (optionally scoped to thread)
// with row_id > afterRowID, ordered by row_id ascending.
func (s *Store) GetMessages(ctx context.Context, channelID, threadID string, afterRowID int64) ([]Message, error) {
	query := `SELECT row_id, channel_id, COALESCE(thread_id, ''), COALESCE(parent_channel_id, ''), message_id, author_id, author_name, content, platform_timestamp, created_at
	          FROM messages WHERE channel_id = ? AND row_id > ?`
	args := []any{channelID, afterRowID}
	query += threadFilterClause(threadID, &args)
	query += ` ORDER BY row_id ASC`

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.RowID, &m.ChannelID, &m.ThreadID, &m.ParentChannelID, &m.MessageID, &m.AuthorID, &m.AuthorDisplayName, &m.Content, &m.PlatformTimestamp, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetBoundaries returns block boundaries for channel (optionally scoped to
// thread) with last_row_id > afterRowID, ordered by last_row_id ascending.
func (s *Store) GetBoundaries(ctx context.Context, channelID, threadID string, afterRowID int64) ([]BlockBoundary, error) {
	query := `SELECT row_id, channel_id, COALESCE(thread_id, ''), first_message_id, last_message_id, first_row_id, last_row_id, token_count, created_at
	          FROM block_boundaries WHERE channel_id = ? AND last_row_id > ?`
	args := []any{channelID, afterRowID}
	query += threadFilterClause(threadID, &args)
	query += ` ORDER BY last_row_id ASC`

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query boundaries: %w", err)
	}
	defer rows.Close()

	var out []BlockBoundary
	for rows.Next() {
		var b BlockBoundary
		if err := rows.Scan(&b.RowID, &b.ChannelID, &b.ThreadID, &b.FirstMessageID, &b.LastMessageID, &b.FirstRowID, &b.LastRowID, &b.TokenCount, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan boundary: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetMessagesRange returns messages for channel (optionally scoped to
// thread) with fromRowID <= row_id <= toRowID, ordered ascending. Used by
// the context builder to materialize a frozen block's contained messages.
func (s *Store) GetMessagesRange(ctx context.Context, channelID, threadID string, fromRowID, toRowID int64) ([]Message, error) {
	query := `SELECT row_id, channel_id, COALESCE(thread_id, ''), COALESCE(parent_channel_id, ''), message_id, author_id, author_name, content, platform_timestamp, created_at
	          FROM messages WHERE channel_id = ? AND row_id >= ? AND row_id <= ?`
	args := []any{channelID, fromRowID, toRowID}
	query += threadFilterClause(threadID, &args)
	query += ` ORDER BY row_id ASC`

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages range: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.RowID, &m.ChannelID, &m.ThreadID, &m.ParentChannelID, &m.MessageID, &m.AuthorID, &m.AuthorDisplayName, &m.Content, &m.PlatformTimestamp, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message range: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// threadFilterClause appends a thread_id filter to args and returns the SQL
// fragment to splice into the WHERE clause. An empty threadID matches rows
// with a NULL thread_id (non-thread channels).
func threadFilterClause(threadID string, args *[]any) string {
	if threadID == "" {
		return ` AND thread_id IS NULL`
	}
	*args = append(*args, threadID)
	return ` AND thread_id = ?`
}

// RecordThreadReset writes (or overwrites) the reset point for
// (threadID, botID). botID "" is normalized to GlobalBot.
func (s *Store) RecordThreadReset(ctx context.Context, threadID string, rowID int64, messageID, botID string) error {
	if botID == "" {
		botID = GlobalBot
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.writeDB.ExecContext(ctx,
		`INSERT INTO thread_resets (thread_id, bot_id, last_reset_row_id, last_reset_message_id, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(thread_id, bot_id) DO UPDATE SET last_reset_row_id = excluded.last_reset_row_id,
		   last_reset_message_id = excluded.last_reset_message_id, created_at = excluded.created_at`,
		threadID, botID, rowID, nullableString(messageID), now,
	)
	if err != nil {
		return fmt.Errorf("record thread reset: %w", err)
	}
	return nil
}

// GetThreadResetInfo looks up the reset point for (threadID, botID),
// falling back to GlobalBot when no bot-specific record exists.
func (s *Store) GetThreadResetInfo(ctx context.Context, threadID, botID string) (*ResetInfo, error) {
	info, err := s.getThreadResetInfoExact(ctx, threadID, botID)
	if err != nil {
		return nil, err
	}
	if info != nil {
		return info, nil
	}
	if botID == GlobalBot || botID == "" {
		return nil, nil
	}
	return s.getThreadResetInfoExact(ctx, threadID, GlobalBot)
}

func (s *Store) getThreadResetInfoExact(ctx context.Context, threadID, botID string) (*ResetInfo, error) {
	if botID == "" {
		botID = GlobalBot
	}
	var r ResetInfo
	err := s.readDB.QueryRowContext(ctx,
		`SELECT thread_id, bot_id, last_reset_row_id, COALESCE(last_reset_message_id, ''), created_at
		 FROM thread_resets WHERE thread_id = ? AND bot_id = ?`,
		threadID, botID,
	).Scan(&r.ThreadID, &r.BotID, &r.LastResetRowID, &r.LastResetMessageID, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get thread reset info: %w", err)
	}
	return &r, nil
}

// ClearThread hard-deletes all messages and boundaries for threadID. Used
// by resetThread: this spec deletes rather than soft-deletes (see DESIGN.md).
func (s *Store) ClearThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear thread: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("clear thread messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM block_boundaries WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("clear thread boundaries: %w", err)
	}
	return tx.Commit()
}

// LastRowForThread returns the highest row_id and its message_id recorded
// for threadID across both messages and block boundaries, or (0, "") if
// the thread has no recorded history at all.
func (s *Store) LastRowForThread(ctx context.Context, threadID string) (int64, string, error) {
	var rowID sql.NullInt64
	var messageID sql.NullString
	err := s.readDB.QueryRowContext(ctx, `
		SELECT row_id AS r, message_id AS m FROM messages WHERE thread_id = ?
		UNION ALL
		SELECT last_row_id AS r, last_message_id AS m FROM block_boundaries WHERE thread_id = ?
		ORDER BY r DESC LIMIT 1`,
		threadID, threadID,
	).Scan(&rowID, &messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("last row for thread: %w", err)
	}
	return rowID.Int64, messageID.String, nil
}

// Stats returns store-wide occupancy counts for the operator status endpoint.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&st.MessageCount); err != nil {
		return Stats{}, fmt.Errorf("count messages: %w", err)
	}
	if err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM block_boundaries`).Scan(&st.BoundaryCount); err != nil {
		return Stats{}, fmt.Errorf("count boundaries: %w", err)
	}
	if err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM thread_resets`).Scan(&st.ResetCount); err != nil {
		return Stats{}, fmt.Errorf("count resets: %w", err)
	}
	return st, nil
}

// ClearAll wipes every table. Test-mode only.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear all: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"messages", "block_boundaries", "thread_resets"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

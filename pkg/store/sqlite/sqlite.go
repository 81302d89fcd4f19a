// Package sqlite provides the embedded SQLite implementation of
// [store.Store], backed by modernc.org/sqlite (pure Go, no cgo).
//
// Rows are stored with their scalar columns typed and their collection and
// map fields JSON-encoded, so the schema stays stable while the Go types
// evolve. The database runs in WAL mode with a 30 s busy timeout.
//
// A single connection is used so that ":memory:" databases behave as one
// coherent store; write serialisation is enforced by a process-level
// RWMutex, which also implements the single-writer discipline required by
// [store.Store].
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/talewind-ai/talewind/pkg/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id             TEXT PRIMARY KEY,
	created_at             INTEGER NOT NULL,
	last_updated           INTEGER NOT NULL,
	current_day            INTEGER NOT NULL DEFAULT 1,
	current_period         TEXT NOT NULL DEFAULT 'morning',
	game_settings          TEXT NOT NULL DEFAULT '{}',
	reputations            TEXT NOT NULL DEFAULT '{}',
	session_summary        TEXT NOT NULL DEFAULT '',
	session_summary_length INTEGER NOT NULL DEFAULT 0,
	last_summarized        INTEGER,
	active_npcs            TEXT NOT NULL DEFAULT '[]',
	dialogue_ids           TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS days (
	session_id         TEXT NOT NULL,
	day                INTEGER NOT NULL,
	started_at         INTEGER NOT NULL,
	ended_at           INTEGER,
	time_period        TEXT NOT NULL DEFAULT 'morning',
	active_npcs        TEXT NOT NULL DEFAULT '[]',
	passive_npcs       TEXT NOT NULL DEFAULT '[]',
	dialogue_ids       TEXT NOT NULL DEFAULT '[]',
	day_summary        TEXT NOT NULL DEFAULT '',
	day_summary_length INTEGER NOT NULL DEFAULT 0,
	last_summarized    INTEGER,
	PRIMARY KEY (session_id, day)
);

CREATE TABLE IF NOT EXISTS dialogues (
	dialogue_id       TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL,
	initiator         TEXT NOT NULL,
	receiver          TEXT NOT NULL,
	day               INTEGER NOT NULL,
	location          TEXT NOT NULL DEFAULT '',
	time_period       TEXT NOT NULL DEFAULT 'morning',
	started_at        INTEGER NOT NULL,
	ended_at          INTEGER,
	message_ids       TEXT NOT NULL DEFAULT '[]',
	summary           TEXT NOT NULL DEFAULT '',
	summary_length    INTEGER NOT NULL DEFAULT 0,
	total_text_length INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_dialogues_session_id ON dialogues(session_id);

CREATE TABLE IF NOT EXISTS messages (
	message_id       TEXT PRIMARY KEY,
	dialogue_id      TEXT NOT NULL,
	sender           TEXT NOT NULL,
	receiver         TEXT NOT NULL,
	message_text     TEXT NOT NULL,
	timestamp        INTEGER NOT NULL,
	sender_opinion   TEXT NOT NULL DEFAULT '',
	receiver_opinion TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_messages_dialogue_id ON messages(dialogue_id);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender);
CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver);

CREATE TABLE IF NOT EXISTS npc_memories (
	npc_name                TEXT NOT NULL,
	session_id              TEXT NOT NULL,
	character_properties    TEXT NOT NULL DEFAULT '{}',
	current_location        TEXT NOT NULL DEFAULT '',
	dialogue_ids            TEXT NOT NULL DEFAULT '[]',
	messages_summary        TEXT NOT NULL DEFAULT '',
	messages_summary_length INTEGER NOT NULL DEFAULT 0,
	last_summarized         INTEGER,
	opinion_on_npcs         TEXT NOT NULL DEFAULT '{}',
	world_knowledge         TEXT NOT NULL DEFAULT '{}',
	social_stance           TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (npc_name, session_id)
);

CREATE INDEX IF NOT EXISTS idx_npc_memories_session_id ON npc_memories(session_id);

CREATE TABLE IF NOT EXISTS id_counters (
	entity  TEXT PRIMARY KEY,
	next_id INTEGER NOT NULL DEFAULT 0
);
`

// Store is the SQLite-backed [store.Store].
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	now  store.Clock
	path string
}

// Option configures a [Store].
type Option func(*Store)

// WithClock replaces the time source, letting tests pin timestamps.
func WithClock(clock store.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Open creates or opens the database at dbPath and ensures the schema
// exists. An empty dbPath opens an in-memory database. Parent directories
// are created as needed.
func Open(dbPath string, opts ...Option) (*Store, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite store: create directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}

	// One connection keeps ":memory:" coherent and sidesteps writer
	// contention; the RWMutex serialises access above the driver anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now, path: dbPath}
	for _, opt := range opts {
		opt(s)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=30000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// dbtx is the subset of *sql.DB and *sql.Tx the row helpers need, so the
// same helper serves both transactional and direct paths.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction, committing on nil and rolling back
// otherwise. Must be called with the write lock held.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, "", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(op, "", err)
	}
	return nil
}

// classify maps backend errors onto the shared [store.Error] taxonomy.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if se, ok := err.(*store.Error); ok {
		return se
	}
	if err == sql.ErrNoRows {
		return store.NewError(store.KindNotFound, op, key, nil)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "busy") || strings.Contains(msg, "locked") {
		return store.NewError(store.KindBusy, op, key, err)
	}
	return store.NewError(store.KindIO, op, key, err)
}

// mustJSON encodes v for a TEXT column. The entity types only contain
// JSON-encodable fields, so failures indicate a programming error.
func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("sqlite store: encode %T: %v", v, err))
	}
	return string(b)
}

// decodeJSON decodes a TEXT column into out, reporting Corrupt on failure.
func decodeJSON(op, key, data string, out any) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return store.NewError(store.KindCorrupt, op, key, err)
	}
	return nil
}

// Timestamps are stored as unix nanoseconds so that chronological order is
// preserved for messages appended in quick succession.

func toUnix(t time.Time) int64 { return t.UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n) }

func toUnixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromUnixPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/talewind-ai/talewind/pkg/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed [store.Store]. Reads go straight to the
// pool; mutations are serialised by a process-level mutex, which implements
// the single-writer discipline the interface requires for its
// read-modify-write helpers.
type Store struct {
	pool     *pgxpool.Pool
	mu       sync.Mutex
	now      store.Clock
	embedDim int
	semantic *SemanticIndex
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

// WithSemanticIndex enables the embedded-message side table and its pgvector
// HNSW index. dimensions must match the output dimension of the embedding
// model used to produce [store.MessageChunk.Embedding] values.
func WithSemanticIndex(dimensions int) Option {
	return func(s *Store) {
		s.embedDim = dimensions
	}
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn
// and runs [Migrate] to ensure all required tables exist. When the semantic
// index is enabled, pgvector types are registered on every new connection.
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	if s.embedDim > 0 {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, s.embedDim); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	s.pool = pool
	if s.embedDim > 0 {
		s.semantic = &SemanticIndex{pool: pool, now: s.now}
	}
	return s, nil
}

// Semantic returns the semantic message index, or nil when the store was
// opened without [WithSemanticIndex].
func (s *Store) Semantic() *SemanticIndex { return s.semantic }

// Close releases all connections held by the underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// querier is the subset of *pgxpool.Pool and pgx.Tx the row helpers need.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// withTx runs fn inside a transaction, committing on nil and rolling back
// otherwise.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(op, "", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(op, "", err)
	}
	return nil
}

// classify maps backend errors onto the shared [store.Error] taxonomy.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *store.Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.NewError(store.KindNotFound, op, key, nil)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505": // unique_violation
			return store.NewError(store.KindConflict, op, key, err)
		case pgErr.Code == "55P03", // lock_not_available
			strings.HasPrefix(pgErr.Code, "53"), // insufficient_resources
			strings.HasPrefix(pgErr.Code, "57"): // operator_intervention
			return store.NewError(store.KindBusy, op, key, err)
		}
	}
	return store.NewError(store.KindIO, op, key, err)
}

// AllocateID reserves the next numeric ID for entity.
func (s *Store) AllocateID(ctx context.Context, entity string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.withTx(ctx, "allocate id", func(tx pgx.Tx) error {
		var err error
		id, err = allocateID(ctx, tx, entity)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// allocateID reserves and advances the counter for entity inside tx. Rows
// already present in the table (an imported database) push the counter
// forward so fresh IDs never collide. Non-numeric IDs, which can only come
// from caller-chosen session names, are ignored by the baseline query.
func allocateID(ctx context.Context, tx querier, entity string) (int64, error) {
	const op = "allocate id"

	if _, err := tx.Exec(ctx, `
		INSERT INTO id_counters (entity, next_id) VALUES ($1, 0)
		ON CONFLICT (entity) DO NOTHING`, entity); err != nil {
		return 0, classify(op, entity, err)
	}

	var next int64
	if err := tx.QueryRow(ctx,
		`SELECT next_id FROM id_counters WHERE entity = $1 FOR UPDATE`, entity).Scan(&next); err != nil {
		return 0, classify(op, entity, err)
	}

	var baselineQuery string
	switch entity {
	case store.EntitySessions:
		baselineQuery = `SELECT COALESCE(MAX(session_id::bigint) + 1, 0)
			FROM sessions WHERE session_id ~ '^[0-9]+$'`
	case store.EntityDialogues:
		baselineQuery = `SELECT COALESCE(MAX(dialogue_id::bigint) + 1, 0)
			FROM dialogues WHERE dialogue_id ~ '^[0-9]+$'`
	case store.EntityMessages:
		baselineQuery = `SELECT COALESCE(MAX(message_id::bigint) + 1, 0)
			FROM messages WHERE message_id ~ '^[0-9]+$'`
	}
	if baselineQuery != "" {
		var baseline int64
		if err := tx.QueryRow(ctx, baselineQuery).Scan(&baseline); err != nil {
			return 0, classify(op, entity, err)
		}
		if baseline > next {
			next = baseline
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE id_counters SET next_id = $1 WHERE entity = $2`, next+1, entity); err != nil {
		return 0, classify(op, entity, err)
	}
	return next, nil
}

package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/talewind-ai/talewind/pkg/store"
)

// Compile-time interface check.
var _ store.SemanticIndex = (*SemanticIndex)(nil)

// SemanticIndex is the optional embedded-message index backed by a
// message_chunks table with a pgvector HNSW index for fast approximate
// nearest-neighbour search.
//
// Obtain one via [Store.Semantic] rather than constructing directly.
// All methods are safe for concurrent use.
type SemanticIndex struct {
	pool *pgxpool.Pool
	now  store.Clock
}

// IndexMessage implements [store.SemanticIndex]. It upserts a pre-embedded
// message chunk. If a chunk for the same message already exists it is
// completely replaced.
func (s *SemanticIndex) IndexMessage(ctx context.Context, chunk store.MessageChunk) error {
	const q = `
		INSERT INTO message_chunks
		    (message_id, session_id, dialogue_id, speaker, content, day, embedding, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (message_id) DO UPDATE SET
		    session_id  = EXCLUDED.session_id,
		    dialogue_id = EXCLUDED.dialogue_id,
		    speaker     = EXCLUDED.speaker,
		    content     = EXCLUDED.content,
		    day         = EXCLUDED.day,
		    embedding   = EXCLUDED.embedding,
		    timestamp   = EXCLUDED.timestamp`

	ts := chunk.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := s.pool.Exec(ctx, q,
		chunk.MessageID,
		chunk.SessionID,
		chunk.DialogueID,
		chunk.Speaker,
		chunk.Content,
		chunk.Day,
		pgvector.NewVector(chunk.Embedding),
		ts,
	)
	if err != nil {
		return fmt.Errorf("semantic index: index message: %w", err)
	}
	return nil
}

// Search implements [store.SemanticIndex]. It finds the topK chunks whose
// embeddings are closest (cosine distance) to the supplied query embedding,
// optionally narrowed by filter.
//
// Results are ordered by ascending cosine distance (most similar first).
func (s *SemanticIndex) Search(ctx context.Context, embedding []float32, topK int, filter store.ChunkFilter) ([]store.ChunkMatch, error) {
	args := []any{pgvector.NewVector(embedding)} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(filter.SessionID))
	}
	if filter.Speaker != "" {
		conditions = append(conditions, "speaker = "+next(filter.Speaker))
	}
	if !filter.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(filter.After))
	}
	if !filter.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(filter.Before))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, "\n  AND ")
	}

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT message_id, session_id, dialogue_id, speaker, content, day, embedding, timestamp,
		       embedding <=> $1 AS distance
		FROM   message_chunks
		%s
		ORDER  BY distance
		LIMIT  %s`, whereClause, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("semantic index: search: %w", err)
	}

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ChunkMatch, error) {
		var (
			m   store.ChunkMatch
			vec pgvector.Vector
		)
		if err := row.Scan(
			&m.Chunk.MessageID,
			&m.Chunk.SessionID,
			&m.Chunk.DialogueID,
			&m.Chunk.Speaker,
			&m.Chunk.Content,
			&m.Chunk.Day,
			&vec,
			&m.Chunk.Timestamp,
			&m.Distance,
		); err != nil {
			return store.ChunkMatch{}, err
		}
		m.Chunk.Embedding = vec.Slice()
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("semantic index: scan rows: %w", err)
	}
	if matches == nil {
		matches = []store.ChunkMatch{}
	}
	return matches, nil
}

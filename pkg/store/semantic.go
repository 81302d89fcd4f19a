package store

import (
	"context"
	"time"
)

// MessageChunk is one embedded dialogue message held by a [SemanticIndex].
type MessageChunk struct {
	// MessageID ties the chunk back to its [Message] row.
	MessageID string

	// SessionID scopes the chunk to a session.
	SessionID string

	// DialogueID is the dialogue the message belongs to.
	DialogueID string

	// Speaker is the character who said it.
	Speaker string

	// Content is the stamped message line that was embedded.
	Content string

	// Day is the simulated day the message was spoken on.
	Day int

	// Embedding is the vector produced by the configured embedding model.
	Embedding []float32

	// Timestamp is when the message was appended.
	Timestamp time.Time
}

// ChunkFilter narrows a [SemanticIndex] search. Zero-valued fields are
// ignored.
type ChunkFilter struct {
	SessionID string
	Speaker   string
	After     time.Time
	Before    time.Time
}

// ChunkMatch is a search hit together with its cosine distance to the
// query embedding. Smaller distances are more similar.
type ChunkMatch struct {
	Chunk    MessageChunk
	Distance float64
}

// SemanticIndex is an optional sidecar index over dialogue messages that
// supports nearest-neighbour retrieval by embedding. Backends that cannot
// provide one simply do not expose it; callers must treat it as absent
// rather than required.
type SemanticIndex interface {
	// IndexMessage upserts a pre-embedded message chunk.
	IndexMessage(ctx context.Context, chunk MessageChunk) error

	// Search returns the topK chunks closest to embedding, most similar
	// first, optionally narrowed by filter.
	Search(ctx context.Context, embedding []float32, topK int, filter ChunkFilter) ([]ChunkMatch, error)
}

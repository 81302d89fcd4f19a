// Package postgres provides a PostgreSQL-backed implementation of
// [store.Store] for deployments where the world state must live in a
// shared database rather than an embedded file.
//
// All operations share a single [pgxpool.Pool]. When the semantic message
// index is enabled the pgvector extension must be available in the target
// database; [Migrate] installs it via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	sess, _ := st.CreateSession(ctx, "", settings)
//	dlg, _ := st.CreateDialogue(ctx, sess.ID, "Mira", "Tomas", 1, store.Noon, "market")
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// World state DDL — sessions, days, dialogues, messages, character memories
// ─────────────────────────────────────────────────────────────────────────────

const ddlWorld = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id             TEXT         PRIMARY KEY,
    created_at             TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_updated           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    current_day            INT          NOT NULL DEFAULT 1,
    current_period         TEXT         NOT NULL DEFAULT 'morning',
    game_settings          JSONB        NOT NULL DEFAULT '{}',
    reputations            JSONB        NOT NULL DEFAULT '{}',
    session_summary        TEXT         NOT NULL DEFAULT '',
    session_summary_length INT          NOT NULL DEFAULT 0,
    last_summarized        TIMESTAMPTZ,
    active_npcs            JSONB        NOT NULL DEFAULT '[]',
    dialogue_ids           JSONB        NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS days (
    session_id         TEXT         NOT NULL,
    day                INT          NOT NULL,
    started_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at           TIMESTAMPTZ,
    time_period        TEXT         NOT NULL DEFAULT 'morning',
    active_npcs        JSONB        NOT NULL DEFAULT '[]',
    passive_npcs       JSONB        NOT NULL DEFAULT '[]',
    dialogue_ids       JSONB        NOT NULL DEFAULT '[]',
    day_summary        TEXT         NOT NULL DEFAULT '',
    day_summary_length INT          NOT NULL DEFAULT 0,
    last_summarized    TIMESTAMPTZ,
    PRIMARY KEY (session_id, day)
);

CREATE TABLE IF NOT EXISTS dialogues (
    dialogue_id       TEXT         PRIMARY KEY,
    session_id        TEXT         NOT NULL,
    initiator         TEXT         NOT NULL,
    receiver          TEXT         NOT NULL,
    day               INT          NOT NULL,
    location          TEXT         NOT NULL DEFAULT '',
    time_period       TEXT         NOT NULL DEFAULT 'morning',
    started_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at          TIMESTAMPTZ,
    message_ids       JSONB        NOT NULL DEFAULT '[]',
    summary           TEXT         NOT NULL DEFAULT '',
    summary_length    INT          NOT NULL DEFAULT 0,
    total_text_length INT          NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_dialogues_session_id
    ON dialogues (session_id);

CREATE TABLE IF NOT EXISTS messages (
    message_id       TEXT         PRIMARY KEY,
    dialogue_id      TEXT         NOT NULL,
    sender           TEXT         NOT NULL,
    receiver         TEXT         NOT NULL,
    message_text     TEXT         NOT NULL,
    timestamp        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    sender_opinion   TEXT         NOT NULL DEFAULT '',
    receiver_opinion TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_messages_dialogue_id
    ON messages (dialogue_id);

CREATE INDEX IF NOT EXISTS idx_messages_sender
    ON messages (sender);

CREATE INDEX IF NOT EXISTS idx_messages_receiver
    ON messages (receiver);

CREATE TABLE IF NOT EXISTS npc_memories (
    npc_name                TEXT         NOT NULL,
    session_id              TEXT         NOT NULL,
    character_properties    JSONB        NOT NULL DEFAULT '{}',
    current_location        TEXT         NOT NULL DEFAULT '',
    dialogue_ids            JSONB        NOT NULL DEFAULT '[]',
    messages_summary        TEXT         NOT NULL DEFAULT '',
    messages_summary_length INT          NOT NULL DEFAULT 0,
    last_summarized         TIMESTAMPTZ,
    opinion_on_npcs         JSONB        NOT NULL DEFAULT '{}',
    world_knowledge         JSONB        NOT NULL DEFAULT '{}',
    social_stance           JSONB        NOT NULL DEFAULT '{}',
    PRIMARY KEY (npc_name, session_id)
);

CREATE INDEX IF NOT EXISTS idx_npc_memories_session_id
    ON npc_memories (session_id);

CREATE TABLE IF NOT EXISTS id_counters (
    entity  TEXT    PRIMARY KEY,
    next_id BIGINT  NOT NULL DEFAULT 0
);
`

// ─────────────────────────────────────────────────────────────────────────────
// Semantic index DDL — embedded message chunks (optional)
// ─────────────────────────────────────────────────────────────────────────────

// ddlSemantic returns the semantic index DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlSemantic(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS message_chunks (
    message_id   TEXT         PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    dialogue_id  TEXT         NOT NULL DEFAULT '',
    speaker      TEXT         NOT NULL DEFAULT '',
    content      TEXT         NOT NULL,
    day          INT          NOT NULL DEFAULT 0,
    embedding    vector(%d),
    timestamp    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_message_chunks_session_id
    ON message_chunks (session_id);

CREATE INDEX IF NOT EXISTS idx_message_chunks_embedding
    ON message_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables and extensions exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
//
// embeddingDimensions enables the semantic message index when positive and
// must then match the output dimension of the configured embedding model
// (e.g., 1536 for OpenAI text-embedding-3-small, 768 for nomic-embed-text).
// Changing it after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{ddlWorld}
	if embeddingDimensions > 0 {
		statements = append(statements, ddlSemantic(embeddingDimensions))
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/talewind-ai/talewind/pkg/store"
)

const memoryColumns = `npc_name, session_id, character_properties, current_location,
	dialogue_ids, messages_summary, messages_summary_length, last_summarized,
	opinion_on_npcs, world_knowledge, social_stance`

const upsertMemoryQuery = `
	INSERT INTO npc_memories (` + memoryColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (npc_name, session_id) DO UPDATE SET
		character_properties    = EXCLUDED.character_properties,
		current_location        = EXCLUDED.current_location,
		dialogue_ids            = EXCLUDED.dialogue_ids,
		messages_summary        = EXCLUDED.messages_summary,
		messages_summary_length = EXCLUDED.messages_summary_length,
		last_summarized         = EXCLUDED.last_summarized,
		opinion_on_npcs         = EXCLUDED.opinion_on_npcs,
		world_knowledge         = EXCLUDED.world_knowledge,
		social_stance           = EXCLUDED.social_stance`

// UpsertNPCMemory writes the full memory row for a character, replacing any
// existing one.
func (s *Store) UpsertNPCMemory(ctx context.Context, mem *store.NPCMemory) error {
	const op = "upsert npc memory"

	s.mu.Lock()
	defer s.mu.Unlock()

	normalizeMemory(mem)
	return writeMemoryRow(ctx, s.pool, op, mem)
}

// GetNPCMemory loads one character's memory for a session.
func (s *Store) GetNPCMemory(ctx context.Context, npcName, sessionID string) (*store.NPCMemory, error) {
	return getNPCMemory(ctx, s.pool, "get npc memory", npcName, sessionID)
}

// UpdateNPCMemoryFn loads the memory, applies mutate and writes the result
// back while holding the writer mutex.
func (s *Store) UpdateNPCMemoryFn(ctx context.Context, npcName, sessionID string, mutate func(*store.NPCMemory) error) (*store.NPCMemory, error) {
	const op = "update npc memory"

	s.mu.Lock()
	defer s.mu.Unlock()

	mem, err := getNPCMemory(ctx, s.pool, op, npcName, sessionID)
	if err != nil {
		return nil, err
	}
	if err := mutate(mem); err != nil {
		return nil, err
	}
	normalizeMemory(mem)
	if err := writeMemoryRow(ctx, s.pool, op, mem); err != nil {
		return nil, err
	}
	return mem, nil
}

// ListNPCMemories returns every character memory of a session, ordered by
// character name.
func (s *Store) ListNPCMemories(ctx context.Context, sessionID string) ([]*store.NPCMemory, error) {
	const op = "list npc memories"

	rows, err := s.pool.Query(ctx, `
		SELECT `+memoryColumns+` FROM npc_memories
		WHERE session_id = $1 ORDER BY npc_name ASC`, sessionID)
	if err != nil {
		return nil, classify(op, sessionID, err)
	}
	memories, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*store.NPCMemory, error) {
		return scanMemory(op, row)
	})
	if err != nil {
		return nil, classify(op, sessionID, err)
	}
	return memories, nil
}

// DeleteSessionData removes a session and everything hanging off it, child
// rows first: messages, message chunks, dialogues, days, character
// memories, then the session row. Deleting an unknown session is not an
// error.
func (s *Store) DeleteSessionData(ctx context.Context, sessionID string) error {
	const op = "delete session data"

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, op, func(tx pgx.Tx) error {
		steps := []string{
			`DELETE FROM messages WHERE dialogue_id IN
				(SELECT dialogue_id FROM dialogues WHERE session_id = $1)`,
			`DELETE FROM dialogues WHERE session_id = $1`,
			`DELETE FROM days WHERE session_id = $1`,
			`DELETE FROM npc_memories WHERE session_id = $1`,
			`DELETE FROM sessions WHERE session_id = $1`,
		}
		if s.embedDim > 0 {
			steps = append([]string{`DELETE FROM message_chunks WHERE session_id = $1`}, steps...)
		}
		for _, stmt := range steps {
			if _, err := tx.Exec(ctx, stmt, sessionID); err != nil {
				return classify(op, sessionID, err)
			}
		}
		return nil
	})
}

func memoryKey(npcName, sessionID string) string {
	return npcName + "@" + sessionID
}

func normalizeMemory(mem *store.NPCMemory) {
	if mem.DialogueIDs == nil {
		mem.DialogueIDs = []string{}
	}
	if mem.OpinionOnNPCs == nil {
		mem.OpinionOnNPCs = map[string]string{}
	}
	if mem.WorldKnowledge == nil {
		mem.WorldKnowledge = map[string]any{}
	}
	if mem.SocialStance == nil {
		mem.SocialStance = map[string]string{}
	}
}

func writeMemoryRow(ctx context.Context, q querier, op string, mem *store.NPCMemory) error {
	_, err := q.Exec(ctx, upsertMemoryQuery,
		mem.NPCName, mem.SessionID, mustJSON(mem.Properties), mem.CurrentLocation,
		mustJSON(mem.DialogueIDs), mem.MessagesSummary, mem.MessagesSummaryLength,
		mem.LastSummarized, mustJSON(mem.OpinionOnNPCs), mustJSON(mem.WorldKnowledge),
		mustJSON(mem.SocialStance))
	return classify(op, memoryKey(mem.NPCName, mem.SessionID), err)
}

func getNPCMemory(ctx context.Context, q querier, op, npcName, sessionID string) (*store.NPCMemory, error) {
	row := q.QueryRow(ctx, `
		SELECT `+memoryColumns+` FROM npc_memories
		WHERE npc_name = $1 AND session_id = $2`, npcName, sessionID)
	mem, err := scanMemory(op, row)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, store.NewError(store.KindNotFound, op, memoryKey(npcName, sessionID), nil)
		}
		return nil, err
	}
	return mem, nil
}

func scanMemory(op string, row pgx.Row) (*store.NPCMemory, error) {
	var (
		mem                                store.NPCMemory
		props, ids, opinions, know, social []byte
	)
	if err := row.Scan(&mem.NPCName, &mem.SessionID, &props, &mem.CurrentLocation,
		&ids, &mem.MessagesSummary, &mem.MessagesSummaryLength, &mem.LastSummarized,
		&opinions, &know, &social); err != nil {
		return nil, classify(op, "", err)
	}

	key := memoryKey(mem.NPCName, mem.SessionID)
	if err := decodeJSON(op, key, props, &mem.Properties); err != nil {
		return nil, err
	}
	if err := decodeJSON(op, key, ids, &mem.DialogueIDs); err != nil {
		return nil, err
	}
	if err := decodeJSON(op, key, opinions, &mem.OpinionOnNPCs); err != nil {
		return nil, err
	}
	if err := decodeJSON(op, key, know, &mem.WorldKnowledge); err != nil {
		return nil, err
	}
	if err := decodeJSON(op, key, social, &mem.SocialStance); err != nil {
		return nil, err
	}
	return &mem, nil
}

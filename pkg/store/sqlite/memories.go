package sqlite

import (
	"context"
	"database/sql"

	"github.com/talewind-ai/talewind/pkg/store"
)

const memoryColumns = `npc_name, session_id, character_properties, current_location,
	dialogue_ids, messages_summary, messages_summary_length, last_summarized,
	opinion_on_npcs, world_knowledge, social_stance`

// UpsertNPCMemory writes the full memory row for a character, replacing any
// existing one.
func (s *Store) UpsertNPCMemory(ctx context.Context, mem *store.NPCMemory) error {
	const op = "upsert npc memory"

	s.mu.Lock()
	defer s.mu.Unlock()

	normalizeMemory(mem)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO npc_memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mem.NPCName, mem.SessionID, mustJSON(mem.Properties), mem.CurrentLocation,
		mustJSON(mem.DialogueIDs), mem.MessagesSummary, mem.MessagesSummaryLength,
		toUnixPtr(mem.LastSummarized), mustJSON(mem.OpinionOnNPCs),
		mustJSON(mem.WorldKnowledge), mustJSON(mem.SocialStance))
	return classify(op, memoryKey(mem.NPCName, mem.SessionID), err)
}

// GetNPCMemory loads one character's memory for a session.
func (s *Store) GetNPCMemory(ctx context.Context, npcName, sessionID string) (*store.NPCMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getNPCMemory(ctx, s.db, "get npc memory", npcName, sessionID)
}

// UpdateNPCMemoryFn loads the memory, applies mutate and writes the result
// back under the write lock.
func (s *Store) UpdateNPCMemoryFn(ctx context.Context, npcName, sessionID string, mutate func(*store.NPCMemory) error) (*store.NPCMemory, error) {
	const op = "update npc memory"

	s.mu.Lock()
	defer s.mu.Unlock()

	mem, err := getNPCMemory(ctx, s.db, op, npcName, sessionID)
	if err != nil {
		return nil, err
	}
	if err := mutate(mem); err != nil {
		return nil, err
	}
	normalizeMemory(mem)
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO npc_memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mem.NPCName, mem.SessionID, mustJSON(mem.Properties), mem.CurrentLocation,
		mustJSON(mem.DialogueIDs), mem.MessagesSummary, mem.MessagesSummaryLength,
		toUnixPtr(mem.LastSummarized), mustJSON(mem.OpinionOnNPCs),
		mustJSON(mem.WorldKnowledge), mustJSON(mem.SocialStance))
	if err != nil {
		return nil, classify(op, memoryKey(npcName, sessionID), err)
	}
	return mem, nil
}

// ListNPCMemories returns every character memory of a session, ordered by
// character name.
func (s *Store) ListNPCMemories(ctx context.Context, sessionID string) ([]*store.NPCMemory, error) {
	const op = "list npc memories"

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM npc_memories
		WHERE session_id = ? ORDER BY npc_name ASC`, sessionID)
	if err != nil {
		return nil, classify(op, sessionID, err)
	}
	defer rows.Close()

	var memories []*store.NPCMemory
	for rows.Next() {
		mem, err := scanMemory(op, rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, sessionID, err)
	}
	return memories, nil
}

// DeleteSessionData removes a session and everything hanging off it, child
// rows first so a partial failure never orphans data: messages, dialogues,
// days, character memories, then the session row. Deleting an unknown
// session is not an error.
func (s *Store) DeleteSessionData(ctx context.Context, sessionID string) error {
	const op = "delete session data"

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		steps := []string{
			`DELETE FROM messages WHERE dialogue_id IN
				(SELECT dialogue_id FROM dialogues WHERE session_id = ?)`,
			`DELETE FROM dialogues WHERE session_id = ?`,
			`DELETE FROM days WHERE session_id = ?`,
			`DELETE FROM npc_memories WHERE session_id = ?`,
			`DELETE FROM sessions WHERE session_id = ?`,
		}
		for _, stmt := range steps {
			if _, err := tx.ExecContext(ctx, stmt, sessionID); err != nil {
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

func getNPCMemory(ctx context.Context, q dbtx, op, npcName, sessionID string) (*store.NPCMemory, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+memoryColumns+` FROM npc_memories
		WHERE npc_name = ? AND session_id = ?`, npcName, sessionID)
	mem, err := scanMemory(op, row)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, store.NewError(store.KindNotFound, op, memoryKey(npcName, sessionID), nil)
		}
		return nil, err
	}
	return mem, nil
}

func scanMemory(op string, sc rowScanner) (*store.NPCMemory, error) {
	var (
		mem                                store.NPCMemory
		summarized                         sql.NullInt64
		props, ids, opinions, know, social string
	)
	if err := sc.Scan(&mem.NPCName, &mem.SessionID, &props, &mem.CurrentLocation,
		&ids, &mem.MessagesSummary, &mem.MessagesSummaryLength, &summarized,
		&opinions, &know, &social); err != nil {
		return nil, classify(op, "", err)
	}
	mem.LastSummarized = fromUnixPtr(summarized)

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

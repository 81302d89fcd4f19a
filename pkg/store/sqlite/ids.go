package sqlite

import (
	"context"
	"database/sql"

	"github.com/talewind-ai/talewind/pkg/store"
)

// AllocateID reserves the next numeric ID for entity.
func (s *Store) AllocateID(ctx context.Context, entity string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.withTx(ctx, "allocate id", func(tx *sql.Tx) error {
		var err error
		id, err = allocateID(ctx, tx, entity)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// allocateID reserves and advances the counter for entity. Rows already
// present in the table (an imported or hand-edited database) push the
// counter forward so fresh IDs never collide with existing ones.
func allocateID(ctx context.Context, tx dbtx, entity string) (int64, error) {
	const op = "allocate id"

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO id_counters (entity, next_id) VALUES (?, 0)`, entity); err != nil {
		return 0, classify(op, entity, err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT next_id FROM id_counters WHERE entity = ?`, entity).Scan(&next); err != nil {
		return 0, classify(op, entity, err)
	}

	var baselineQuery string
	switch entity {
	case store.EntitySessions:
		baselineQuery = `SELECT COALESCE(MAX(CAST(session_id AS INTEGER)) + 1, 0) FROM sessions`
	case store.EntityDialogues:
		baselineQuery = `SELECT COALESCE(MAX(CAST(dialogue_id AS INTEGER)) + 1, 0) FROM dialogues`
	case store.EntityMessages:
		baselineQuery = `SELECT COALESCE(MAX(CAST(message_id AS INTEGER)) + 1, 0) FROM messages`
	}
	if baselineQuery != "" {
		var baseline int64
		if err := tx.QueryRowContext(ctx, baselineQuery).Scan(&baseline); err != nil {
			return 0, classify(op, entity, err)
		}
		if baseline > next {
			next = baseline
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE id_counters SET next_id = ? WHERE entity = ?`, next+1, entity); err != nil {
		return 0, classify(op, entity, err)
	}
	return next, nil
}

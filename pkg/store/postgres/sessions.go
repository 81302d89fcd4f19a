package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/talewind-ai/talewind/pkg/store"
)

// mustJSON encodes v for a JSONB column. The entity types only contain
// JSON-encodable fields, so failures indicate a programming error.
func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("postgres store: encode %T: %v", v, err))
	}
	return b
}

// decodeJSON decodes a JSONB column into out, reporting Corrupt on failure.
func decodeJSON(op, key string, data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return store.NewError(store.KindCorrupt, op, key, err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────────────────────────────────────

const sessionColumns = `session_id, created_at, last_updated, current_day, current_period,
	game_settings, reputations, session_summary, session_summary_length,
	last_summarized, active_npcs, dialogue_ids`

// CreateSession creates a new session. An empty id allocates the next
// numeric one; an id that already exists reports a conflict. The active
// roster starts as the full character list from settings.
func (s *Store) CreateSession(ctx context.Context, id string, settings store.GameSettings) (*store.Session, error) {
	const op = "create session"

	s.mu.Lock()
	defer s.mu.Unlock()

	var sess *store.Session
	err := s.withTx(ctx, op, func(tx pgx.Tx) error {
		if id == "" {
			n, err := allocateID(ctx, tx, store.EntitySessions)
			if err != nil {
				return err
			}
			id = strconv.FormatInt(n, 10)
		}

		var count int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(1) FROM sessions WHERE session_id = $1`, id).Scan(&count); err != nil {
			return classify(op, id, err)
		}
		if count > 0 {
			return store.NewError(store.KindConflict, op, id, nil)
		}

		now := s.now()
		sess = &store.Session{
			ID:            id,
			CreatedAt:     now,
			LastUpdated:   now,
			CurrentDay:    1,
			CurrentPeriod: store.Morning,
			Settings:      settings,
			Reputations:   map[string]string{},
			ActiveNPCs:    settings.CharacterNames(),
			DialogueIDs:   []string{},
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			sess.ID, sess.CreatedAt, sess.LastUpdated, sess.CurrentDay,
			string(sess.CurrentPeriod), mustJSON(sess.Settings),
			mustJSON(sess.Reputations), sess.SessionSummary,
			sess.SessionSummaryLength, sess.LastSummarized,
			mustJSON(sess.ActiveNPCs), mustJSON(sess.DialogueIDs))
		return classify(op, sess.ID, err)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession loads a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	return getSession(ctx, s.pool, "get session", id)
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*store.Session, error) {
	const op = "list sessions"

	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, classify(op, "", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*store.Session, error) {
		return scanSession(op, "", row)
	})
	if err != nil {
		return nil, classify(op, "", err)
	}
	return sessions, nil
}

// UpdateSession replaces the stored session row with sess, stamping
// LastUpdated. Last write wins.
func (s *Store) UpdateSession(ctx context.Context, sess *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.LastUpdated = s.now()
	return updateSessionRow(ctx, s.pool, sess)
}

// UpdateSessionFn loads the session, applies mutate and writes the result
// back while holding the writer mutex, so read-modify-write cycles cannot
// interleave.
func (s *Store) UpdateSessionFn(ctx context.Context, id string, mutate func(*store.Session) error) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := getSession(ctx, s.pool, "update session", id)
	if err != nil {
		return nil, err
	}
	if err := mutate(sess); err != nil {
		return nil, err
	}
	sess.LastUpdated = s.now()
	if err := updateSessionRow(ctx, s.pool, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func getSession(ctx context.Context, q querier, op, id string) (*store.Session, error) {
	row := q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, id)
	return scanSession(op, id, row)
}

func scanSession(op, key string, row pgx.Row) (*store.Session, error) {
	var (
		sess                               store.Session
		period                             string
		settings, reputations, active, ids []byte
	)
	if err := row.Scan(&sess.ID, &sess.CreatedAt, &sess.LastUpdated,
		&sess.CurrentDay, &period, &settings, &reputations, &sess.SessionSummary,
		&sess.SessionSummaryLength, &sess.LastSummarized, &active, &ids); err != nil {
		return nil, classify(op, key, err)
	}
	sess.CurrentPeriod = store.TimePeriod(period)
	if key == "" {
		key = sess.ID
	}
	if err := decodeJSON(op, key, settings, &sess.Settings); err != nil {
		return nil, err
	}
	if err := decodeJSON(op, key, reputations, &sess.Reputations); err != nil {
		return nil, err
	}
	if err := decodeJSON(op, key, active, &sess.ActiveNPCs); err != nil {
		return nil, err
	}
	if err := decodeJSON(op, key, ids, &sess.DialogueIDs); err != nil {
		return nil, err
	}
	return &sess, nil
}

func updateSessionRow(ctx context.Context, q querier, sess *store.Session) error {
	const op = "update session"

	tag, err := q.Exec(ctx, `
		UPDATE sessions SET
			created_at = $1, last_updated = $2, current_day = $3,
			current_period = $4, game_settings = $5, reputations = $6,
			session_summary = $7, session_summary_length = $8,
			last_summarized = $9, active_npcs = $10, dialogue_ids = $11
		WHERE session_id = $12`,
		sess.CreatedAt, sess.LastUpdated, sess.CurrentDay,
		string(sess.CurrentPeriod), mustJSON(sess.Settings),
		mustJSON(sess.Reputations), sess.SessionSummary,
		sess.SessionSummaryLength, sess.LastSummarized,
		mustJSON(sess.ActiveNPCs), mustJSON(sess.DialogueIDs), sess.ID)
	if err != nil {
		return classify(op, sess.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.NewError(store.KindNotFound, op, sess.ID, nil)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Days
// ─────────────────────────────────────────────────────────────────────────────

const dayColumns = `session_id, day, started_at, ended_at, time_period, active_npcs,
	passive_npcs, dialogue_ids, day_summary, day_summary_length, last_summarized`

// CreateDay records the start of a simulated day, upserting the row keyed
// by (session, day). When the row already exists only the period and the
// cast snapshot are refreshed; accrued state (start time, dialogue list,
// summaries) is kept so an interrupted day can resume.
func (s *Store) CreateDay(ctx context.Context, day *store.Day) error {
	const op = "create day"

	s.mu.Lock()
	defer s.mu.Unlock()

	if day.StartedAt.IsZero() {
		day.StartedAt = s.now()
	}
	normalizeDay(day)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO days (`+dayColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id, day) DO UPDATE SET
			time_period  = EXCLUDED.time_period,
			active_npcs  = EXCLUDED.active_npcs,
			passive_npcs = EXCLUDED.passive_npcs`,
		day.SessionID, day.Day, day.StartedAt, day.EndedAt, string(day.TimePeriod),
		mustJSON(day.ActiveNPCs), mustJSON(day.PassiveNPCs), mustJSON(day.DialogueIDs),
		day.DaySummary, day.DaySummaryLength, day.LastSummarized)
	return classify(op, dayKey(day.SessionID, day.Day), err)
}

// GetDay loads one day of a session.
func (s *Store) GetDay(ctx context.Context, sessionID string, day int) (*store.Day, error) {
	return getDay(ctx, s.pool, "get day", sessionID, day)
}

// UpdateDay writes the whole day row, inserting it when absent.
func (s *Store) UpdateDay(ctx context.Context, day *store.Day) error {
	const op = "update day"

	s.mu.Lock()
	defer s.mu.Unlock()

	if day.StartedAt.IsZero() {
		day.StartedAt = s.now()
	}
	normalizeDay(day)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO days (`+dayColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id, day) DO UPDATE SET
			started_at         = EXCLUDED.started_at,
			ended_at           = EXCLUDED.ended_at,
			time_period        = EXCLUDED.time_period,
			active_npcs        = EXCLUDED.active_npcs,
			passive_npcs       = EXCLUDED.passive_npcs,
			dialogue_ids       = EXCLUDED.dialogue_ids,
			day_summary        = EXCLUDED.day_summary,
			day_summary_length = EXCLUDED.day_summary_length,
			last_summarized    = EXCLUDED.last_summarized`,
		day.SessionID, day.Day, day.StartedAt, day.EndedAt, string(day.TimePeriod),
		mustJSON(day.ActiveNPCs), mustJSON(day.PassiveNPCs), mustJSON(day.DialogueIDs),
		day.DaySummary, day.DaySummaryLength, day.LastSummarized)
	return classify(op, dayKey(day.SessionID, day.Day), err)
}

// UpdateDayFn loads the day, applies mutate and writes the result back
// while holding the writer mutex.
func (s *Store) UpdateDayFn(ctx context.Context, sessionID string, dayNum int, mutate func(*store.Day) error) (*store.Day, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day, err := getDay(ctx, s.pool, "update day", sessionID, dayNum)
	if err != nil {
		return nil, err
	}
	if err := mutate(day); err != nil {
		return nil, err
	}
	normalizeDay(day)
	if err := updateDayRow(ctx, s.pool, day); err != nil {
		return nil, err
	}
	return day, nil
}

func dayKey(sessionID string, day int) string {
	return sessionID + "/" + strconv.Itoa(day)
}

func normalizeDay(day *store.Day) {
	if day.ActiveNPCs == nil {
		day.ActiveNPCs = []string{}
	}
	if day.PassiveNPCs == nil {
		day.PassiveNPCs = []string{}
	}
	if day.DialogueIDs == nil {
		day.DialogueIDs = []string{}
	}
	if day.TimePeriod == "" {
		day.TimePeriod = store.Morning
	}
}

func insertDay(ctx context.Context, q querier, day *store.Day) error {
	const op = "create day"
	_, err := q.Exec(ctx, `
		INSERT INTO days (`+dayColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		day.SessionID, day.Day, day.StartedAt, day.EndedAt, string(day.TimePeriod),
		mustJSON(day.ActiveNPCs), mustJSON(day.PassiveNPCs), mustJSON(day.DialogueIDs),
		day.DaySummary, day.DaySummaryLength, day.LastSummarized)
	return classify(op, dayKey(day.SessionID, day.Day), err)
}

func getDay(ctx context.Context, q querier, op, sessionID string, dayNum int) (*store.Day, error) {
	row := q.QueryRow(ctx,
		`SELECT `+dayColumns+` FROM days WHERE session_id = $1 AND day = $2`,
		sessionID, dayNum)

	var (
		day                  store.Day
		period               string
		active, passive, ids []byte
	)
	key := dayKey(sessionID, dayNum)
	if err := row.Scan(&day.SessionID, &day.Day, &day.StartedAt, &day.EndedAt,
		&period, &active, &passive, &ids, &day.DaySummary, &day.DaySummaryLength,
		&day.LastSummarized); err != nil {
		return nil, classify(op, key, err)
	}
	day.TimePeriod = store.TimePeriod(period)
	if err := decodeJSON(op, key, active, &day.ActiveNPCs); err != nil {
		return nil, err
	}
	if err := decodeJSON(op, key, passive, &day.PassiveNPCs); err != nil {
		return nil, err
	}
	if err := decodeJSON(op, key, ids, &day.DialogueIDs); err != nil {
		return nil, err
	}
	return &day, nil
}

func updateDayRow(ctx context.Context, q querier, day *store.Day) error {
	const op = "update day"

	tag, err := q.Exec(ctx, `
		UPDATE days SET
			started_at = $1, ended_at = $2, time_period = $3, active_npcs = $4,
			passive_npcs = $5, dialogue_ids = $6, day_summary = $7,
			day_summary_length = $8, last_summarized = $9
		WHERE session_id = $10 AND day = $11`,
		day.StartedAt, day.EndedAt, string(day.TimePeriod), mustJSON(day.ActiveNPCs),
		mustJSON(day.PassiveNPCs), mustJSON(day.DialogueIDs), day.DaySummary,
		day.DaySummaryLength, day.LastSummarized, day.SessionID, day.Day)
	if err != nil {
		return classify(op, dayKey(day.SessionID, day.Day), err)
	}
	if tag.RowsAffected() == 0 {
		return store.NewError(store.KindNotFound, op, dayKey(day.SessionID, day.Day), nil)
	}
	return nil
}

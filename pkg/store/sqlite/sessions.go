package sqlite

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/talewind-ai/talewind/pkg/store"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// ─── Sessions ────────────────────────────────────────────────────────────────

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
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		if id == "" {
			n, err := allocateID(ctx, tx, store.EntitySessions)
			if err != nil {
				return err
			}
			id = strconv.FormatInt(n, 10)
		}

		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM sessions WHERE session_id = ?`, id).Scan(&count); err != nil {
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
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, toUnix(sess.CreatedAt), toUnix(sess.LastUpdated),
			sess.CurrentDay, string(sess.CurrentPeriod),
			mustJSON(sess.Settings), mustJSON(sess.Reputations),
			sess.SessionSummary, sess.SessionSummaryLength,
			toUnixPtr(sess.LastSummarized),
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
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSession(ctx, s.db, "get session", id)
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*store.Session, error) {
	const op = "list sessions"

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, classify(op, "", err)
	}
	defer rows.Close()

	var sessions []*store.Session
	for rows.Next() {
		sess, err := scanSession(op, "", rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
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
	return updateSessionRow(ctx, s.db, sess)
}

// UpdateSessionFn loads the session, applies mutate and writes the result
// back under the write lock, so read-modify-write cycles cannot interleave.
func (s *Store) UpdateSessionFn(ctx context.Context, id string, mutate func(*store.Session) error) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := getSession(ctx, s.db, "update session", id)
	if err != nil {
		return nil, err
	}
	if err := mutate(sess); err != nil {
		return nil, err
	}
	sess.LastUpdated = s.now()
	if err := updateSessionRow(ctx, s.db, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func getSession(ctx context.Context, q dbtx, op, id string) (*store.Session, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	return scanSession(op, id, row)
}

func scanSession(op, key string, sc rowScanner) (*store.Session, error) {
	var (
		sess                               store.Session
		created, updated                   int64
		period                             string
		settings, reputations, active, ids string
		summarized                         sql.NullInt64
	)
	if err := sc.Scan(&sess.ID, &created, &updated, &sess.CurrentDay, &period,
		&settings, &reputations, &sess.SessionSummary, &sess.SessionSummaryLength,
		&summarized, &active, &ids); err != nil {
		return nil, classify(op, key, err)
	}
	sess.CreatedAt = fromUnix(created)
	sess.LastUpdated = fromUnix(updated)
	sess.CurrentPeriod = store.TimePeriod(period)
	sess.LastSummarized = fromUnixPtr(summarized)
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

func updateSessionRow(ctx context.Context, q dbtx, sess *store.Session) error {
	const op = "update session"

	res, err := q.ExecContext(ctx, `
		UPDATE sessions SET
			created_at = ?, last_updated = ?, current_day = ?, current_period = ?,
			game_settings = ?, reputations = ?, session_summary = ?,
			session_summary_length = ?, last_summarized = ?, active_npcs = ?,
			dialogue_ids = ?
		WHERE session_id = ?`,
		toUnix(sess.CreatedAt), toUnix(sess.LastUpdated), sess.CurrentDay,
		string(sess.CurrentPeriod), mustJSON(sess.Settings), mustJSON(sess.Reputations),
		sess.SessionSummary, sess.SessionSummaryLength, toUnixPtr(sess.LastSummarized),
		mustJSON(sess.ActiveNPCs), mustJSON(sess.DialogueIDs), sess.ID)
	if err != nil {
		return classify(op, sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NewError(store.KindNotFound, op, sess.ID, nil)
	}
	return nil
}

// ─── Days ────────────────────────────────────────────────────────────────────

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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO days (`+dayColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, day) DO UPDATE SET
			time_period  = excluded.time_period,
			active_npcs  = excluded.active_npcs,
			passive_npcs = excluded.passive_npcs`,
		day.SessionID, day.Day, toUnix(day.StartedAt), toUnixPtr(day.EndedAt),
		string(day.TimePeriod), mustJSON(day.ActiveNPCs), mustJSON(day.PassiveNPCs),
		mustJSON(day.DialogueIDs), day.DaySummary, day.DaySummaryLength,
		toUnixPtr(day.LastSummarized))
	return classify(op, dayKey(day.SessionID, day.Day), err)
}

// GetDay loads one day of a session.
func (s *Store) GetDay(ctx context.Context, sessionID string, day int) (*store.Day, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getDay(ctx, s.db, "get day", sessionID, day)
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO days (`+dayColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, day) DO UPDATE SET
			started_at         = excluded.started_at,
			ended_at           = excluded.ended_at,
			time_period        = excluded.time_period,
			active_npcs        = excluded.active_npcs,
			passive_npcs       = excluded.passive_npcs,
			dialogue_ids       = excluded.dialogue_ids,
			day_summary        = excluded.day_summary,
			day_summary_length = excluded.day_summary_length,
			last_summarized    = excluded.last_summarized`,
		day.SessionID, day.Day, toUnix(day.StartedAt), toUnixPtr(day.EndedAt),
		string(day.TimePeriod), mustJSON(day.ActiveNPCs), mustJSON(day.PassiveNPCs),
		mustJSON(day.DialogueIDs), day.DaySummary, day.DaySummaryLength,
		toUnixPtr(day.LastSummarized))
	return classify(op, dayKey(day.SessionID, day.Day), err)
}

// UpdateDayFn loads the day, applies mutate and writes the result back
// under the write lock.
func (s *Store) UpdateDayFn(ctx context.Context, sessionID string, dayNum int, mutate func(*store.Day) error) (*store.Day, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day, err := getDay(ctx, s.db, "update day", sessionID, dayNum)
	if err != nil {
		return nil, err
	}
	if err := mutate(day); err != nil {
		return nil, err
	}
	normalizeDay(day)
	if err := updateDayRow(ctx, s.db, day); err != nil {
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

func insertDay(ctx context.Context, tx dbtx, day *store.Day) error {
	const op = "create day"
	_, err := tx.ExecContext(ctx, `
		INSERT INTO days (`+dayColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		day.SessionID, day.Day, toUnix(day.StartedAt), toUnixPtr(day.EndedAt),
		string(day.TimePeriod), mustJSON(day.ActiveNPCs), mustJSON(day.PassiveNPCs),
		mustJSON(day.DialogueIDs), day.DaySummary, day.DaySummaryLength,
		toUnixPtr(day.LastSummarized))
	return classify(op, dayKey(day.SessionID, day.Day), err)
}

func getDay(ctx context.Context, q dbtx, op, sessionID string, dayNum int) (*store.Day, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+dayColumns+` FROM days WHERE session_id = ? AND day = ?`,
		sessionID, dayNum)

	var (
		day                  store.Day
		started              int64
		ended, summarized    sql.NullInt64
		period               string
		active, passive, ids string
	)
	key := dayKey(sessionID, dayNum)
	if err := row.Scan(&day.SessionID, &day.Day, &started, &ended, &period,
		&active, &passive, &ids, &day.DaySummary, &day.DaySummaryLength,
		&summarized); err != nil {
		return nil, classify(op, key, err)
	}
	day.StartedAt = fromUnix(started)
	day.EndedAt = fromUnixPtr(ended)
	day.TimePeriod = store.TimePeriod(period)
	day.LastSummarized = fromUnixPtr(summarized)
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

func updateDayRow(ctx context.Context, q dbtx, day *store.Day) error {
	const op = "update day"

	res, err := q.ExecContext(ctx, `
		UPDATE days SET
			started_at = ?, ended_at = ?, time_period = ?, active_npcs = ?,
			passive_npcs = ?, dialogue_ids = ?, day_summary = ?,
			day_summary_length = ?, last_summarized = ?
		WHERE session_id = ? AND day = ?`,
		toUnix(day.StartedAt), toUnixPtr(day.EndedAt), string(day.TimePeriod),
		mustJSON(day.ActiveNPCs), mustJSON(day.PassiveNPCs), mustJSON(day.DialogueIDs),
		day.DaySummary, day.DaySummaryLength, toUnixPtr(day.LastSummarized),
		day.SessionID, day.Day)
	if err != nil {
		return classify(op, dayKey(day.SessionID, day.Day), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NewError(store.KindNotFound, op, dayKey(day.SessionID, day.Day), nil)
	}
	return nil
}

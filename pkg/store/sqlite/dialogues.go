package sqlite

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/talewind-ai/talewind/pkg/store"
)

const dialogueColumns = `dialogue_id, session_id, initiator, receiver, day, location,
	time_period, started_at, ended_at, message_ids, summary, summary_length,
	total_text_length`

const messageColumns = `message_id, dialogue_id, sender, receiver, message_text,
	timestamp, sender_opinion, receiver_opinion`

// CreateDialogue opens a new dialogue between initiator and receiver and
// links it into the session and the day. The day row is created lazily if
// the session has not recorded it yet.
func (s *Store) CreateDialogue(ctx context.Context, sessionID, initiator, receiver string, dayNum int, period store.TimePeriod, location string) (*store.Dialogue, error) {
	const op = "create dialogue"

	s.mu.Lock()
	defer s.mu.Unlock()

	var dlg *store.Dialogue
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		sess, err := getSession(ctx, tx, op, sessionID)
		if err != nil {
			return err
		}

		n, err := allocateID(ctx, tx, store.EntityDialogues)
		if err != nil {
			return err
		}

		now := s.now()
		dlg = &store.Dialogue{
			ID:         strconv.FormatInt(n, 10),
			SessionID:  sessionID,
			Initiator:  initiator,
			Receiver:   receiver,
			Day:        dayNum,
			Location:   location,
			TimePeriod: period,
			StartedAt:  now,
			MessageIDs: []string{},
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dialogues (`+dialogueColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			dlg.ID, dlg.SessionID, dlg.Initiator, dlg.Receiver, dlg.Day,
			dlg.Location, string(dlg.TimePeriod), toUnix(dlg.StartedAt),
			toUnixPtr(dlg.EndedAt), mustJSON(dlg.MessageIDs), dlg.Summary,
			dlg.SummaryLength, dlg.TotalTextLength); err != nil {
			return classify(op, dlg.ID, err)
		}

		sess.DialogueIDs = append(sess.DialogueIDs, dlg.ID)
		sess.LastUpdated = now
		if err := updateSessionRow(ctx, tx, sess); err != nil {
			return err
		}

		day, err := getDay(ctx, tx, op, sessionID, dayNum)
		if store.IsNotFound(err) {
			day = &store.Day{
				SessionID:   sessionID,
				Day:         dayNum,
				StartedAt:   now,
				TimePeriod:  period,
				DialogueIDs: []string{dlg.ID},
			}
			normalizeDay(day)
			return insertDay(ctx, tx, day)
		}
		if err != nil {
			return err
		}
		day.DialogueIDs = append(day.DialogueIDs, dlg.ID)
		return updateDayRow(ctx, tx, day)
	})
	if err != nil {
		return nil, err
	}
	return dlg, nil
}

// GetDialogue loads a dialogue by ID.
func (s *Store) GetDialogue(ctx context.Context, id string) (*store.Dialogue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getDialogue(ctx, s.db, "get dialogue", id)
}

// AppendMessage adds a message to an open dialogue and links it into the
// dialogue's message list. Appending to an unknown dialogue reports not
// found; appending to an ended one reports a conflict.
func (s *Store) AppendMessage(ctx context.Context, dialogueID, sender, receiver, text string) (*store.Message, error) {
	const op = "append message"

	s.mu.Lock()
	defer s.mu.Unlock()

	var msg *store.Message
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		dlg, err := getDialogue(ctx, tx, op, dialogueID)
		if err != nil {
			return err
		}
		if dlg.Ended() {
			return store.NewError(store.KindConflict, op, dialogueID, nil)
		}

		n, err := allocateID(ctx, tx, store.EntityMessages)
		if err != nil {
			return err
		}

		msg = &store.Message{
			ID:         strconv.FormatInt(n, 10),
			DialogueID: dialogueID,
			Sender:     sender,
			Receiver:   receiver,
			Text:       text,
			Timestamp:  s.now(),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.DialogueID, msg.Sender, msg.Receiver, msg.Text,
			toUnix(msg.Timestamp), msg.SenderOpinion, msg.ReceiverOpinion); err != nil {
			return classify(op, msg.ID, err)
		}

		dlg.MessageIDs = append(dlg.MessageIDs, msg.ID)
		dlg.TotalTextLength += store.TextLength(text)
		return updateDialogueRow(ctx, tx, dlg)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// AnnotateMessage records the opinions the two participants held when the
// message was produced. Empty values leave the stored ones untouched.
func (s *Store) AnnotateMessage(ctx context.Context, messageID, senderOpinion, receiverOpinion string) error {
	const op = "annotate message"

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			sender_opinion   = CASE WHEN ? = '' THEN sender_opinion ELSE ? END,
			receiver_opinion = CASE WHEN ? = '' THEN receiver_opinion ELSE ? END
		WHERE message_id = ?`,
		senderOpinion, senderOpinion, receiverOpinion, receiverOpinion, messageID)
	if err != nil {
		return classify(op, messageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NewError(store.KindNotFound, op, messageID, nil)
	}
	return nil
}

// GetMessages returns a dialogue's messages in chronological order.
func (s *Store) GetMessages(ctx context.Context, dialogueID string) ([]*store.Message, error) {
	const op = "get messages"

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := getDialogue(ctx, s.db, op, dialogueID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE dialogue_id = ?
		ORDER BY timestamp ASC, CAST(message_id AS INTEGER) ASC`, dialogueID)
	if err != nil {
		return nil, classify(op, dialogueID, err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		var (
			msg store.Message
			ts  int64
		)
		if err := rows.Scan(&msg.ID, &msg.DialogueID, &msg.Sender, &msg.Receiver,
			&msg.Text, &ts, &msg.SenderOpinion, &msg.ReceiverOpinion); err != nil {
			return nil, classify(op, dialogueID, err)
		}
		msg.Timestamp = fromUnix(ts)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, dialogueID, err)
	}
	return messages, nil
}

// EndDialogue closes a dialogue, recording its summary and end time.
// Ending an already ended dialogue reports a conflict and leaves the row
// unchanged.
func (s *Store) EndDialogue(ctx context.Context, dialogueID, summary string) (*store.Dialogue, error) {
	const op = "end dialogue"

	s.mu.Lock()
	defer s.mu.Unlock()

	dlg, err := getDialogue(ctx, s.db, op, dialogueID)
	if err != nil {
		return nil, err
	}
	if dlg.Ended() {
		return nil, store.NewError(store.KindConflict, op, dialogueID, nil)
	}

	now := s.now()
	dlg.EndedAt = &now
	dlg.Summary = summary
	dlg.SummaryLength = store.TextLength(summary)
	if err := updateDialogueRow(ctx, s.db, dlg); err != nil {
		return nil, err
	}
	return dlg, nil
}

func getDialogue(ctx context.Context, q dbtx, op, id string) (*store.Dialogue, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+dialogueColumns+` FROM dialogues WHERE dialogue_id = ?`, id)

	var (
		dlg            store.Dialogue
		started        int64
		ended          sql.NullInt64
		period, msgIDs string
	)
	if err := row.Scan(&dlg.ID, &dlg.SessionID, &dlg.Initiator, &dlg.Receiver,
		&dlg.Day, &dlg.Location, &period, &started, &ended, &msgIDs,
		&dlg.Summary, &dlg.SummaryLength, &dlg.TotalTextLength); err != nil {
		return nil, classify(op, id, err)
	}
	dlg.TimePeriod = store.TimePeriod(period)
	dlg.StartedAt = fromUnix(started)
	dlg.EndedAt = fromUnixPtr(ended)
	if err := decodeJSON(op, id, msgIDs, &dlg.MessageIDs); err != nil {
		return nil, err
	}
	return &dlg, nil
}

func updateDialogueRow(ctx context.Context, q dbtx, dlg *store.Dialogue) error {
	const op = "update dialogue"

	res, err := q.ExecContext(ctx, `
		UPDATE dialogues SET
			session_id = ?, initiator = ?, receiver = ?, day = ?, location = ?,
			time_period = ?, started_at = ?, ended_at = ?, message_ids = ?,
			summary = ?, summary_length = ?, total_text_length = ?
		WHERE dialogue_id = ?`,
		dlg.SessionID, dlg.Initiator, dlg.Receiver, dlg.Day, dlg.Location,
		string(dlg.TimePeriod), toUnix(dlg.StartedAt), toUnixPtr(dlg.EndedAt),
		mustJSON(dlg.MessageIDs), dlg.Summary, dlg.SummaryLength,
		dlg.TotalTextLength, dlg.ID)
	if err != nil {
		return classify(op, dlg.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NewError(store.KindNotFound, op, dlg.ID, nil)
	}
	return nil
}

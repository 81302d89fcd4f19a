// Package store defines the durable state model of the talewind simulation
// and the [Store] interface every persistence backend implements.
//
// The hierarchy is: a [Session] owns [Day] rows, days and sessions reference
// [Dialogue] rows, dialogues reference [Message] rows, and each character
// carries an [NPCMemory] row per session. Relations are expressed by IDs
// only; no entity holds a pointer to another, so snapshots can be passed to
// stateless components freely.
//
// Dialogue and message IDs are decimal strings of globally monotone integers
// starting at 0, allocated through [Store.AllocateID]. On first use of a
// counter the backend aligns it to max(existing)+1 so that imported data
// never collides with new allocations.
//
// Concurrency: backends guard all mutating operations with a single writer
// lock and let readers proceed concurrently under a read lock. Long-running
// work (LLM calls in particular) must never happen while the write lock is
// held; the UpdateFn helpers exist so callers can do read-modify-write
// cycles inside one short critical section.
//
// Two backends ship with the module: pkg/store/sqlite (embedded, the
// default) and pkg/store/postgres (shared deployments, with an optional
// vector index over message text).
package store

import (
	"context"
	"time"
)

// Store is the sole owner of durable simulation state.
//
// Implementations must be safe for concurrent use. Every method honours
// context cancellation. Failures are reported as [*Error] values so callers
// can branch on [ErrorKind].
type Store interface {
	// AllocateID atomically returns the next ID for entity (one of
	// [EntitySessions], [EntityDialogues], [EntityMessages]) and increments
	// the counter. IDs are strictly increasing; values are never reused.
	AllocateID(ctx context.Context, entity string) (int64, error)

	// CreateSession creates a session. When id is empty an ID is allocated
	// from the sessions counter. The new session starts at day 1, morning,
	// with empty collections. Creating an existing ID fails with Conflict.
	CreateSession(ctx context.Context, id string, settings GameSettings) (*Session, error)

	// GetSession returns the session or a NotFound error.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns all sessions ordered by last update, newest first.
	ListSessions(ctx context.Context) ([]*Session, error)

	// UpdateSession replaces the whole session row (last writer wins) and
	// stamps LastUpdated.
	UpdateSession(ctx context.Context, s *Session) error

	// UpdateSessionFn runs mutate on the current row inside the write lock
	// and persists the result. Returning an error from mutate aborts the
	// update without writing.
	UpdateSessionFn(ctx context.Context, id string, mutate func(*Session) error) (*Session, error)

	// CreateDay upserts a day row keyed by (sessionID, day). When the row
	// already exists only the period and the cast snapshot are refreshed;
	// accrued state (start time, dialogue list, summaries) is kept so an
	// interrupted day can be resumed.
	CreateDay(ctx context.Context, d *Day) error

	// GetDay returns the day row or a NotFound error.
	GetDay(ctx context.Context, sessionID string, day int) (*Day, error)

	// UpdateDay writes the whole day row, inserting it when absent.
	UpdateDay(ctx context.Context, d *Day) error

	// UpdateDayFn runs mutate on the current day row inside the write lock
	// and persists the result. The row must exist.
	UpdateDayFn(ctx context.Context, sessionID string, day int, mutate func(*Day) error) (*Day, error)

	// CreateDialogue allocates a dialogue ID, stamps StartedAt, appends the
	// ID to the session's dialogue list and to the day's (creating the day
	// row lazily), and returns the new dialogue.
	CreateDialogue(ctx context.Context, sessionID, initiator, receiver string, day int, period TimePeriod, location string) (*Dialogue, error)

	// GetDialogue returns the dialogue or a NotFound error.
	GetDialogue(ctx context.Context, id string) (*Dialogue, error)

	// AppendMessage allocates a message ID, stamps Timestamp, appends the
	// message to the dialogue and adds len(text) to TotalTextLength.
	// Appending to an ended or unknown dialogue fails.
	AppendMessage(ctx context.Context, dialogueID, sender, receiver, text string) (*Message, error)

	// AnnotateMessage sets the opinion annotations on an existing message.
	// Empty values leave the corresponding field unchanged.
	AnnotateMessage(ctx context.Context, messageID, senderOpinion, receiverOpinion string) error

	// GetMessages returns the dialogue's messages in chronological order.
	GetMessages(ctx context.Context, dialogueID string) ([]*Message, error)

	// EndDialogue sets EndedAt and the optional summary. Ending an already
	// ended dialogue fails with Conflict and does not mutate the row.
	EndDialogue(ctx context.Context, dialogueID, summary string) (*Dialogue, error)

	// UpsertNPCMemory creates or replaces the memory row keyed by
	// (mem.NPCName, mem.SessionID).
	UpsertNPCMemory(ctx context.Context, mem *NPCMemory) error

	// GetNPCMemory returns the memory row or a NotFound error.
	GetNPCMemory(ctx context.Context, npcName, sessionID string) (*NPCMemory, error)

	// UpdateNPCMemoryFn runs mutate on the current memory row inside the
	// write lock and persists the result. The row must exist.
	UpdateNPCMemoryFn(ctx context.Context, npcName, sessionID string, mutate func(*NPCMemory) error) (*NPCMemory, error)

	// ListNPCMemories returns all memory rows of a session.
	ListNPCMemories(ctx context.Context, sessionID string) ([]*NPCMemory, error)

	// DeleteSessionData removes everything belonging to the session in the
	// order messages, dialogues, days, npc memories, session. Deleting an
	// unknown session is not an error.
	DeleteSessionData(ctx context.Context, sessionID string) error

	// Close releases backend resources.
	Close() error
}

// Clock abstracts time for backends so tests can inject deterministic
// timestamps. The zero value of implementations should fall back to
// time.Now.
type Clock func() time.Time

// Package events provides the in-process event bus the simulation publishes
// its progress on.
//
// The bus is the integration point for external surfaces (an SSE endpoint,
// a TUI, test probes): the engine publishes fire-and-forget, subscribers
// receive buffered copies. A slow subscriber never blocks the simulation —
// events that do not fit its buffer are dropped and counted.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names a simulation event.
type Type string

// The event types published by the simulation loop and dialogue engine.
const (
	SessionCreated      Type = "session_created"
	DayStarted          Type = "day_started"
	DayEnded            Type = "day_ended"
	PhaseStarted        Type = "phase_started"
	DialogueStarted     Type = "dialogue_started"
	MessageAppended     Type = "message_appended"
	DialogueEnded       Type = "dialogue_ended"
	CharacterIntroduced Type = "character_introduced"
)

// Event is one simulation occurrence. Payload fields are free-form but stable
// per type (e.g. MessageAppended carries "sender", "receiver", "text").
type Event struct {
	// ID uniquely identifies this event instance.
	ID string `json:"id"`

	// Type names what happened.
	Type Type `json:"type"`

	// SessionID scopes the event to a session.
	SessionID string `json:"session_id"`

	// Day and Period locate the event in simulated time. Day 0 means
	// the event is not tied to a specific day.
	Day    int    `json:"day,omitempty"`
	Period string `json:"period,omitempty"`

	// Time is when the event was published.
	Time time.Time `json:"time"`

	// Payload carries type-specific details.
	Payload map[string]any `json:"payload,omitempty"`
}

// subscriber is one registered event consumer.
type subscriber struct {
	ch      chan Event
	dropped int64
}

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]*subscriber
	closed bool
}

// NewBus returns an empty bus ready for use.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// DefaultBuffer is the subscriber channel capacity used when Subscribe is
// called with a non-positive buffer size.
const DefaultBuffer = 64

// Subscribe registers a consumer and returns its event channel plus a cancel
// function. The channel is closed by cancel or by [Bus.Close]. Events
// published while the channel is full are dropped for that subscriber only.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	sub := &subscriber{ch: make(chan Event, buffer)}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish stamps the event with an ID and timestamp and delivers it to every
// subscriber that has buffer space. Never blocks.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
		}
	}
}

// Dropped returns the total number of events dropped across all current
// subscribers. Useful for monitoring slow consumers.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, sub := range b.subs {
		n += sub.dropped
	}
	return n
}

// Close closes every subscriber channel and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

package dialogue

import "fmt"

// ValidationError rejects a dialogue request before anything is persisted:
// a character talking to themselves, or a name absent from the roster.
type ValidationError struct {
	// Reason says what was wrong with the request.
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "dialogue: invalid request: " + e.Reason
}

// StateError reports a conflict with a dialogue already in progress for the
// same pair and phase.
type StateError struct {
	// Key identifies the conflicting (initiator, responder, phase) slot.
	Key string
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return "dialogue: already running: " + e.Key
}

// HandlerError wraps a failure during dialogue execution, after the
// dialogue row exists.
type HandlerError struct {
	// DialogueID is the affected dialogue, when known.
	DialogueID string

	// Stage names where execution failed, e.g. "append message".
	Stage string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("dialogue %s: %s: %v", e.DialogueID, e.Stage, e.Err)
}

// Unwrap returns the underlying cause.
func (e *HandlerError) Unwrap() error { return e.Err }

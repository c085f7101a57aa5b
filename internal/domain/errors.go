package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the session/message core. Handlers map these to
// stable client-facing codes; anything not in this taxonomy is treated as
// an unexpected internal failure and surfaced opaquely.
var (
	// ErrNotFound covers both "absent" and "not owned by the caller" so the
	// API cannot be used to probe for other users' sessions.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition means the requested status edge is not in the
	// transition table.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrActiveSessionExists means the store's one-in-progress-session-per-
	// user constraint rejected a session insert.
	ErrActiveSessionExists = errors.New("user already has an in-progress session")

	// ErrSequenceConflict means a concurrent writer claimed the next
	// sequence number first. Never retried automatically: silently retrying
	// with a fresh number would let a user queue two turns at once.
	ErrSequenceConflict = errors.New("message sequence conflict")

	// ErrSessionNotFailed means a retry was attempted on a session whose
	// status is not failed.
	ErrSessionNotFailed = errors.New("session is not in failed status")

	// ErrVersionConflict means an optimistic session write lost to a
	// concurrent writer. Retried internally up to a bound, then surfaced
	// as a conflict.
	ErrVersionConflict = errors.New("session version conflict")

	// ErrDecryption means stored ciphertext failed to authenticate. Treated
	// as data corruption: logged at high severity, never retried.
	ErrDecryption = errors.New("message decryption failed")
)

// SessionBlockedError rejects a user message because of the session's
// current status. Each blocking status carries its own client-facing code
// so the client can render the right UI.
type SessionBlockedError struct {
	Status Status
	Reason BlockedReason
}

func (e *SessionBlockedError) Error() string {
	return fmt.Sprintf("session blocked (%s): %s", e.Status, e.Reason.Message)
}

// NewSessionBlocked builds the blocked error for a status, or nil if the
// status accepts user messages.
func NewSessionBlocked(s Status) *SessionBlockedError {
	reason, ok := BlockedReasonFor(s)
	if !ok {
		return nil
	}
	return &SessionBlockedError{Status: s, Reason: reason}
}

// InvalidTransitionError carries the rejected edge for logs and messages.
// It matches ErrInvalidTransition under errors.Is.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

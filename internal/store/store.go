// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/quietmind/quietmind/internal/domain"
)

// Repository defines the interface for persisting user, session, and
// message data. Session and message lookups return (nil, nil) when no row
// exists; services fold that into domain.ErrNotFound.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// CreateSession inserts a new session. If the user already has an
	// in-progress session the partial unique index rejects the insert and
	// the error matches domain.ErrActiveSessionExists.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session scoped to its owner. A session owned
	// by a different user is indistinguishable from an absent one.
	GetSession(ctx context.Context, sessionID, userID string) (*domain.Session, error)

	// GetInProgressSession retrieves the user's session whose status is in
	// the in-progress set, if any.
	GetInProgressSession(ctx context.Context, userID string) (*domain.Session, error)

	// UpdateSessionStatus applies a status change with optimistic locking:
	// the write only lands if the stored version still equals
	// expectedVersion, and bumps the version by one. A version mismatch
	// returns an error matching domain.ErrVersionConflict; a missing row
	// matches domain.ErrNotFound.
	UpdateSessionStatus(ctx context.Context, sessionID, userID string, status domain.Status, expectedVersion int64) error

	// ListStaleWaiting returns sessions stuck in waiting_for_bot whose last
	// update is older than the cutoff.
	ListStaleWaiting(ctx context.Context, cutoff time.Time) ([]*domain.Session, error)

	// DeleteSession hard-deletes a session and its messages. Administrative
	// escape hatch only; normal operation never deletes sessions.
	DeleteSession(ctx context.Context, sessionID string) error

	// InsertMessage inserts a message. A duplicate (session_id, seq) pair
	// is rejected by the unique constraint and the error matches
	// domain.ErrSequenceConflict.
	InsertMessage(ctx context.Context, msg *domain.Message) error

	// GetMessage retrieves a message by ID within a session, excluding
	// soft-deleted rows.
	GetMessage(ctx context.Context, sessionID, messageID string) (*domain.Message, error)

	// LatestMessage returns the message with the highest seq in a session,
	// including soft-deleted rows (soft delete never frees a seq).
	LatestMessage(ctx context.Context, sessionID string) (*domain.Message, error)

	// LatestMessageByRole returns the highest-seq message with the given
	// role, excluding soft-deleted rows.
	LatestMessageByRole(ctx context.Context, sessionID string, role domain.Role) (*domain.Message, error)

	// ListMessages returns up to limit messages newest-first, excluding
	// soft-deleted rows. A non-empty cursor is the ID of the last message
	// of the previous page; the result starts strictly after it. The bool
	// result reports whether more rows remain.
	ListMessages(ctx context.Context, sessionID string, limit int, cursor string) ([]*domain.Message, bool, error)

	// SoftDeleteMessage flags a message as deleted without removing it.
	SoftDeleteMessage(ctx context.Context, sessionID, messageID, userID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

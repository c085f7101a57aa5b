// Package session owns the session state machine: status transitions and
// the one-in-progress-session-per-user invariant.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/quietmind/quietmind/internal/domain"
	"github.com/quietmind/quietmind/internal/observability"
)

// maxTransitionAttempts bounds the optimistic-locking retry loop. Each
// attempt re-reads the session and re-validates the edge, because the set
// of legal next states may have changed between attempts.
const maxTransitionAttempts = 3

// Store is the persistence capability the state machine needs.
type Store interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID, userID string) (*domain.Session, error)
	GetInProgressSession(ctx context.Context, userID string) (*domain.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID, userID string, status domain.Status, expectedVersion int64) error
	ListStaleWaiting(ctx context.Context, cutoff time.Time) ([]*domain.Session, error)
}

// Service validates and applies session status changes.
type Service struct {
	store Store
}

// NewService creates a session service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// GetOrCreateActive returns the user's in-progress session, creating a new
// active one if none exists. The second result reports whether this call
// created the session.
//
// Creation is safe against concurrent requests from the same user: the
// store's partial unique index is the authority. If the insert loses that
// race the winner's session is fetched and returned with created=false.
func (s *Service) GetOrCreateActive(ctx context.Context, userID string) (*domain.Session, bool, error) {
	existing, err := s.store.GetInProgressSession(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := time.Now()
	session := &domain.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    domain.StatusActive,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.store.CreateSession(ctx, session)
	if err == nil {
		observability.RecordSessionCreated()
		return session, true, nil
	}
	if !errors.Is(err, domain.ErrActiveSessionExists) {
		return nil, false, err
	}

	// Lost the creation race; the concurrent request's session wins.
	winner, err := s.store.GetInProgressSession(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if winner == nil {
		// The winner finished its whole session between our insert and
		// re-read. Treat as a conflict rather than looping.
		return nil, false, fmt.Errorf("%w: concurrent session creation for user %s",
			domain.ErrVersionConflict, userID)
	}
	return winner, false, nil
}

// Get returns the caller's session or domain.ErrNotFound. A session owned
// by another user is reported as not found, never as forbidden.
func (s *Service) Get(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	return session, nil
}

// Transition moves the caller's session to target if the edge is in the
// transition table, using optimistic concurrency. Version conflicts are
// retried up to maxTransitionAttempts with a fresh read each time;
// exhausting the bound surfaces domain.ErrVersionConflict.
func (s *Service) Transition(ctx context.Context, sessionID, userID string, target domain.Status) (*domain.Session, error) {
	if !target.Valid() {
		return nil, &domain.InvalidTransitionError{From: "", To: target}
	}

	var lastErr error
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		session, err := s.Get(ctx, sessionID, userID)
		if err != nil {
			return nil, err
		}

		if !session.Status.CanTransitionTo(target) {
			return nil, &domain.InvalidTransitionError{From: session.Status, To: target}
		}

		err = s.store.UpdateSessionStatus(ctx, sessionID, userID, target, session.Version)
		if err == nil {
			observability.RecordSessionTransition(string(session.Status), string(target))
			session.Status = target
			session.Version++
			session.UpdatedAt = time.Now()
			return session, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, err
		}

		lastErr = err
		slog.Debug("session transition lost version race, retrying",
			"session_id", sessionID,
			"target", target,
			"attempt", attempt+1)
	}

	return nil, fmt.Errorf("transition %s after %d attempts: %w", sessionID, maxTransitionAttempts, lastErr)
}

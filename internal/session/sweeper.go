package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/quietmind/quietmind/internal/domain"
	"github.com/quietmind/quietmind/internal/observability"
)

// StartSweeper runs a background goroutine that periodically moves
// waiting_for_bot sessions with no worker response within waitTimeout to
// failed, so the user can retry instead of polling forever.
//
// Each sweep goes through the normal Transition path: if the worker
// answers (or the user closes the session) while the sweep is in flight,
// the optimistic version check makes the sweep lose cleanly.
func StartSweeper(ctx context.Context, svc *Service, interval, waitTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("stale-session sweeper started", "interval", interval, "wait_timeout", waitTimeout)

		for {
			select {
			case <-ticker.C:
				sweepStaleSessions(ctx, svc, waitTimeout)
			case <-ctx.Done():
				slog.Info("stale-session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepStaleSessions(ctx context.Context, svc *Service, waitTimeout time.Duration) {
	cutoff := time.Now().Add(-waitTimeout)
	stale, err := svc.store.ListStaleWaiting(ctx, cutoff)
	if err != nil {
		slog.Error("sweeper failed to list stale sessions", "error", err)
		return
	}

	if len(stale) == 0 {
		return
	}

	slog.Info("sweeper found stale waiting sessions", "count", len(stale))

	for _, sess := range stale {
		_, err := svc.Transition(ctx, sess.ID, sess.UserID, domain.StatusFailed)
		switch {
		case err == nil:
			observability.RecordStaleSessionSwept()
			slog.Info("sweeper marked session failed",
				"session_id", sess.ID,
				"user_id", sess.UserID)
		case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrNotFound):
			// The session moved on while we swept; nothing to do.
			slog.Debug("sweeper skipped session that changed concurrently",
				"session_id", sess.ID, "error", err)
		default:
			slog.Error("sweeper failed to mark session failed",
				"session_id", sess.ID, "error", err)
		}
	}
}

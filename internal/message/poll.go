package message

import (
	"context"
	"errors"
	"log/slog"

	"github.com/quietmind/quietmind/internal/domain"
	"github.com/quietmind/quietmind/internal/observability"
)

// BotReply is the result of one poll. Message is nil while no fresh reply
// exists. "No reply yet" and "session errored" are deliberately
// indistinguishable except through SessionStatus: a client keeps polling on
// waiting_for_bot and stops on failed/ended/escalated.
type BotReply struct {
	Message       *View  `json:"message"`
	SessionStatus string `json:"session_status,omitempty"`
}

// BotReplyFor polls for a fresh bot reply.
//
// The reference user message is the caller-supplied latestUserMessageID if
// it resolves to a user message in this session, otherwise the most recent
// user-authored message. A bot message only counts as a reply if its
// sequence number is strictly greater than the reference's; that strict
// comparison is what prevents returning a stale reply from a previous
// turn. Delivering a reply flips the session back to active.
func (s *Service) BotReplyFor(ctx context.Context, userID, sessionID, latestUserMessageID string) (*BotReply, error) {
	sess, err := s.sessions.Get(ctx, sessionID, userID)
	if errors.Is(err, domain.ErrNotFound) {
		// An absent session is "no reply", not an error, so polling cannot
		// be used to probe session existence across races.
		return &BotReply{}, nil
	}
	if err != nil {
		return nil, err
	}

	reply := &BotReply{SessionStatus: string(sess.Status)}

	// A failed, ended, or escalated session cannot produce a fresh reply.
	if sess.Status != domain.StatusWaitingForBot && sess.Status != domain.StatusActive {
		return reply, nil
	}

	ref, err := s.referenceUserMessage(ctx, sessionID, latestUserMessageID)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		// Nothing has been asked yet.
		return reply, nil
	}

	bot, err := s.store.LatestMessageByRole(ctx, sessionID, domain.RoleBot)
	if err != nil {
		return nil, err
	}
	if bot == nil || bot.Seq <= ref.Seq {
		return reply, nil
	}

	// Genuine new reply. Flip the session back to active; skipped if it
	// already is, and losing a concurrent close/escalation race does not
	// invalidate the reply itself.
	if sess.Status != domain.StatusActive {
		updated, err := s.sessions.Transition(ctx, sessionID, userID, domain.StatusActive)
		switch {
		case err == nil:
			reply.SessionStatus = string(updated.Status)
		case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrNotFound):
			slog.Warn("session changed while delivering bot reply",
				"session_id", sessionID, "error", err)
		default:
			return nil, err
		}
	}

	view, err := s.view(bot)
	if err != nil {
		return nil, err
	}
	reply.Message = view
	observability.RecordBotReplyDelivered()
	return reply, nil
}

func (s *Service) referenceUserMessage(ctx context.Context, sessionID, latestUserMessageID string) (*domain.Message, error) {
	if latestUserMessageID != "" {
		msg, err := s.store.GetMessage(ctx, sessionID, latestUserMessageID)
		if err != nil {
			return nil, err
		}
		if msg != nil && msg.Role == domain.RoleUser {
			return msg, nil
		}
	}
	return s.store.LatestMessageByRole(ctx, sessionID, domain.RoleUser)
}

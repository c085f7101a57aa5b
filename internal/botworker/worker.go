// Package botworker consumes wake-up events and produces bot replies.
//
// The production reasoning engine is an external service that consumes the
// same queue; this in-process worker exists for development and single-node
// deployments and plugs a Responder in behind the identical contract.
package botworker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/quietmind/quietmind/internal/domain"
	"github.com/quietmind/quietmind/internal/events"
	"github.com/quietmind/quietmind/internal/message"
)

const popTimeout = 5 * time.Second

// Responder turns a user utterance into a bot reply.
type Responder interface {
	Respond(ctx context.Context, userText string) (string, error)
}

// Source yields events to process. Pop returns (nil, nil) on timeout.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (*events.Event, error)
}

// Worker drains the wake-up queue and appends bot replies through the
// message sequencer, which enforces the same (session_id, seq) contract
// the API side uses.
type Worker struct {
	source    Source
	messages  *message.Service
	responder Responder
}

// New creates a worker.
func New(source Source, messages *message.Service, responder Responder) *Worker {
	return &Worker{source: source, messages: messages, responder: responder}
}

// Run consumes events until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("bot worker started")
	for {
		if ctx.Err() != nil {
			slog.Info("bot worker shutting down", "reason", ctx.Err())
			return
		}

		ev, err := w.source.Pop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("bot worker shutting down", "reason", ctx.Err())
				return
			}
			slog.Error("bot worker failed to pop event", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if ev == nil {
			continue
		}

		if err := w.Handle(ctx, ev); err != nil {
			slog.Error("bot worker failed to handle event",
				"event_type", ev.Type,
				"session_id", ev.SessionID,
				"message_id", ev.MessageID,
				"error", err)
		}
	}
}

// Handle answers a single user-message event.
func (w *Worker) Handle(ctx context.Context, ev *events.Event) error {
	if ev.Type != events.TypeUserMessage {
		slog.Debug("bot worker ignoring event", "event_type", ev.Type)
		return nil
	}

	answered, err := w.messages.HasBotReplyAfter(ctx, ev.SessionID, ev.MessageID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if answered {
		// The queue redelivered an event for a turn we already answered.
		slog.Debug("bot worker skipping already-answered event",
			"session_id", ev.SessionID, "message_id", ev.MessageID)
		return nil
	}

	userText, err := w.messages.Text(ctx, ev.SessionID, ev.MessageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Message was hard-deleted with its session; stale event.
			slog.Debug("bot worker skipping event for missing message",
				"message_id", ev.MessageID)
			return nil
		}
		return err
	}

	replyText, err := w.responder.Respond(ctx, userText)
	if err != nil {
		return err
	}

	_, err = w.messages.AppendBotReply(ctx, ev.UserID, ev.SessionID, replyText)
	if errors.Is(err, domain.ErrSequenceConflict) {
		// A duplicate event already produced this reply.
		slog.Debug("bot worker lost sequence race, likely duplicate event",
			"session_id", ev.SessionID, "message_id", ev.MessageID)
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		slog.Debug("bot worker skipping event for missing session",
			"session_id", ev.SessionID)
		return nil
	}
	return err
}

// Package events carries the wake-up protocol between the API and the bot
// worker. Publishing is fire-and-forget: the stored message is the source
// of truth, a lost event only delays the reply.
package events

import (
	"context"
	"log/slog"
	"time"
)

// TypeUserMessage is emitted after a user message is durably stored.
const TypeUserMessage = "user_message"

// Event is the payload handed to the bot worker queue.
type Event struct {
	Type      string    `json:"event_type"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher pushes events toward the bot worker.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LogPublisher is the dev fallback when no Redis is configured: it only
// records that an event would have been published.
type LogPublisher struct{}

// Publish logs the event and discards it.
func (LogPublisher) Publish(_ context.Context, ev Event) error {
	slog.Info("event publisher disabled, dropping event",
		"event_type", ev.Type,
		"session_id", ev.SessionID,
		"message_id", ev.MessageID)
	return nil
}

// Close is a no-op.
func (LogPublisher) Close() error { return nil }

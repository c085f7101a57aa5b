// Package domain contains core domain types for the quietmind application.
package domain

import (
	"time"
)

// Status is the lifecycle state of a chat session.
type Status string

const (
	// StatusActive means the session accepts the next user message.
	StatusActive Status = "active"
	// StatusWaitingForBot means a user message is stored and the bot worker
	// has not answered it yet.
	StatusWaitingForBot Status = "waiting_for_bot"
	// StatusFailed means the last turn did not complete; the user must retry.
	StatusFailed Status = "failed"
	// StatusEscalated means the conversation was handed to a human. Terminal.
	StatusEscalated Status = "escalated"
	// StatusEnded means the session was closed. Terminal.
	StatusEnded Status = "ended"
)

// transitions is the authoritative edge table for session statuses.
// Terminal statuses have no outgoing edges.
var transitions = map[Status][]Status{
	StatusActive:        {StatusEnded, StatusWaitingForBot, StatusEscalated},
	StatusWaitingForBot: {StatusActive, StatusEnded, StatusEscalated, StatusFailed},
	StatusFailed:        {StatusActive, StatusEnded, StatusEscalated},
	StatusEscalated:     {},
	StatusEnded:         {},
}

// Statuses lists every valid session status.
func Statuses() []Status {
	return []Status{StatusActive, StatusWaitingForBot, StatusFailed, StatusEscalated, StatusEnded}
}

// Valid reports whether s is a known session status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether the edge s -> target is in the table.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// InProgress reports whether s counts toward the one-session-per-user
// invariant. At most one session per user may hold an in-progress status.
func (s Status) InProgress() bool {
	switch s {
	case StatusActive, StatusWaitingForBot, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusEscalated || s == StatusEnded
}

// BlockedReason describes why a session status rejects new user messages.
// The table lives next to the transition table so the two cannot drift:
// every status except StatusActive maps to exactly one client-facing code.
type BlockedReason struct {
	Code    string
	Message string
}

var blockedReasons = map[Status]BlockedReason{
	StatusWaitingForBot: {Code: "bot_reply_pending", Message: "already waiting for a reply; poll for the bot response first"},
	StatusEnded:         {Code: "session_ended", Message: "session is closed"},
	StatusEscalated:     {Code: "session_escalated", Message: "session needs human escalation"},
	StatusFailed:        {Code: "session_failed", Message: "session needs retry"},
}

// BlockedReasonFor returns the reason a status rejects user messages, if any.
// Only StatusActive accepts new user messages.
func BlockedReasonFor(s Status) (BlockedReason, bool) {
	r, ok := blockedReasons[s]
	return r, ok
}

// Session is one continuous conversation between a user and the bot.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Status    Status    `json:"status"`
	InsightID string    `json:"insight_id,omitempty"`
	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

package domain

import (
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// DeliveryStatus is informational message delivery state.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryCompleted DeliveryStatus = "completed"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Message is a single encrypted utterance within a session. Messages are
// immutable after creation except for the soft-delete flag and delivery
// status, and are never renumbered.
//
// Seq is assigned as (latest message's seq in the session) + 1, starting at
// 0. The pair (SessionID, Seq) is unique at the storage layer; that
// constraint, not application logic, is what rejects a second concurrent
// user turn.
type Message struct {
	ID             string
	SessionID      string
	UserID         string
	Role           Role
	DeliveryStatus DeliveryStatus
	Ciphertext     []byte
	Nonce          []byte
	Seq            int64
	Deleted        bool
	CreatedAt      time.Time
}

// Package message owns per-session message ordering: sequence assignment,
// the one-outstanding-user-turn invariant, and bot-reply matching.
package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/quietmind/quietmind/internal/crypto"
	"github.com/quietmind/quietmind/internal/domain"
	"github.com/quietmind/quietmind/internal/events"
	"github.com/quietmind/quietmind/internal/observability"
	"github.com/quietmind/quietmind/internal/session"
)

// Store is the persistence capability the sequencer needs.
type Store interface {
	InsertMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, sessionID, messageID string) (*domain.Message, error)
	LatestMessage(ctx context.Context, sessionID string) (*domain.Message, error)
	LatestMessageByRole(ctx context.Context, sessionID string, role domain.Role) (*domain.Message, error)
	ListMessages(ctx context.Context, sessionID string, limit int, cursor string) ([]*domain.Message, bool, error)
	SoftDeleteMessage(ctx context.Context, sessionID, messageID, userID string) error
}

// Service sequences messages within sessions.
type Service struct {
	store     Store
	sessions  *session.Service
	codec     crypto.Codec
	publisher events.Publisher
}

// NewService creates a message service. The codec and publisher are
// injected so tests can substitute fakes.
func NewService(store Store, sessions *session.Service, codec crypto.Codec, publisher events.Publisher) *Service {
	return &Service{
		store:     store,
		sessions:  sessions,
		codec:     codec,
		publisher: publisher,
	}
}

// View is a decrypted message as returned to clients.
type View struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Role           string    `json:"role"`
	Text           string    `json:"text"`
	Seq            int64     `json:"seq"`
	DeliveryStatus string    `json:"delivery_status"`
	CreatedAt      time.Time `json:"created_at"`
}

func (s *Service) view(msg *domain.Message) (*View, error) {
	text, err := s.codec.Decrypt(msg.Nonce, msg.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt message %s: %w", msg.ID, err)
	}
	return &View{
		ID:             msg.ID,
		SessionID:      msg.SessionID,
		Role:           string(msg.Role),
		Text:           text,
		Seq:            msg.Seq,
		DeliveryStatus: string(msg.DeliveryStatus),
		CreatedAt:      msg.CreatedAt,
	}, nil
}

// nextSeq computes (latest seq) + 1, or 0 for the first message. The value
// is only a candidate: the UNIQUE(session_id, seq) constraint decides who
// actually owns it.
func (s *Service) nextSeq(ctx context.Context, sessionID string) (int64, error) {
	latest, err := s.store.LatestMessage(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if latest == nil {
		return 0, nil
	}
	return latest.Seq + 1, nil
}

// Append stores a user message in the caller's active session, moves the
// session to waiting_for_bot, and wakes the bot worker.
//
// A session in any non-active status rejects the append with a status-
// specific SessionBlockedError. If two requests race to claim the same
// sequence number, the loser gets domain.ErrSequenceConflict and must NOT
// be retried with a fresh number: that would let the user queue a second
// turn before the bot answered the first.
func (s *Service) Append(ctx context.Context, userID, sessionID, text string) (*View, error) {
	sess, err := s.sessions.Get(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	if blocked := domain.NewSessionBlocked(sess.Status); blocked != nil {
		return nil, blocked
	}

	msg, err := s.insert(ctx, userID, sessionID, text, domain.RoleUser, domain.DeliveryPending)
	if err != nil {
		if errors.Is(err, domain.ErrSequenceConflict) {
			observability.RecordSequenceConflict()
		}
		return nil, err
	}
	observability.RecordMessageAppended(string(domain.RoleUser))

	if _, err := s.sessions.Transition(ctx, sessionID, userID, domain.StatusWaitingForBot); err != nil {
		// The message is durable; a failed flip means a concurrent writer
		// (close, escalation) got there first. The caller still gets the
		// stored message back.
		slog.Warn("failed to move session to waiting_for_bot after append",
			"session_id", sessionID, "error", err)
	}

	// Fire-and-forget: the stored message is the source of truth and the
	// sweeper backstops a missed wake-up.
	ev := events.Event{
		Type:      events.TypeUserMessage,
		UserID:    userID,
		SessionID: sessionID,
		MessageID: msg.ID,
		Timestamp: time.Now(),
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		slog.Warn("failed to publish user message event",
			"session_id", sessionID, "message_id", msg.ID, "error", err)
	}

	return s.view(msg)
}

// AppendBotReply stores a bot message, following the same sequencing
// contract as user messages. Called by the bot worker; it does not touch
// the session status, the polling path flips it back to active.
func (s *Service) AppendBotReply(ctx context.Context, userID, sessionID, text string) (*View, error) {
	if _, err := s.sessions.Get(ctx, sessionID, userID); err != nil {
		return nil, err
	}

	msg, err := s.insert(ctx, userID, sessionID, text, domain.RoleBot, domain.DeliveryCompleted)
	if err != nil {
		return nil, err
	}
	observability.RecordMessageAppended(string(domain.RoleBot))
	return s.view(msg)
}

func (s *Service) insert(ctx context.Context, userID, sessionID, text string, role domain.Role, delivery domain.DeliveryStatus) (*domain.Message, error) {
	seq, err := s.nextSeq(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	nonce, ciphertext, err := s.codec.Encrypt(text)
	if err != nil {
		return nil, fmt.Errorf("encrypt message: %w", err)
	}

	msg := &domain.Message{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		UserID:         userID,
		Role:           role,
		DeliveryStatus: delivery,
		Nonce:          nonce,
		Ciphertext:     ciphertext,
		Seq:            seq,
		CreatedAt:      time.Now(),
	}

	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// RetryFailed re-opens a failed session and appends a fresh user message.
// Any status other than failed yields domain.ErrSessionNotFailed.
func (s *Service) RetryFailed(ctx context.Context, userID, sessionID, text string) (*View, error) {
	sess, err := s.sessions.Get(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	if sess.Status != domain.StatusFailed {
		return nil, fmt.Errorf("%w: session %s is %s", domain.ErrSessionNotFailed, sessionID, sess.Status)
	}

	if _, err := s.sessions.Transition(ctx, sessionID, userID, domain.StatusActive); err != nil {
		return nil, err
	}

	return s.Append(ctx, userID, sessionID, text)
}

// Page is one page of message history, newest first.
type Page struct {
	Messages      []*View       `json:"messages"`
	SessionStatus domain.Status `json:"session_status"`
	HasMore       bool          `json:"has_more"`
	NextCursor    string        `json:"next_cursor,omitempty"`
}

// List returns a newest-first page of the session's messages together with
// the session's current status, so a polling client knows when to stop.
// Soft-deleted messages are excluded. The cursor is the ID of the last
// message of the previous page.
func (s *Service) List(ctx context.Context, userID, sessionID string, limit int, cursor string) (*Page, error) {
	sess, err := s.sessions.Get(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	msgs, hasMore, err := s.store.ListMessages(ctx, sessionID, limit, cursor)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Messages:      make([]*View, 0, len(msgs)),
		SessionStatus: sess.Status,
		HasMore:       hasMore,
	}
	for _, msg := range msgs {
		v, err := s.view(msg)
		if err != nil {
			return nil, err
		}
		page.Messages = append(page.Messages, v)
	}
	if hasMore && len(page.Messages) > 0 {
		page.NextCursor = page.Messages[len(page.Messages)-1].ID
	}

	return page, nil
}

// SoftDelete flags one of the caller's messages as deleted. The sequence
// number stays occupied; messages are never renumbered.
func (s *Service) SoftDelete(ctx context.Context, userID, sessionID, messageID string) error {
	if _, err := s.sessions.Get(ctx, sessionID, userID); err != nil {
		return err
	}
	return s.store.SoftDeleteMessage(ctx, sessionID, messageID, userID)
}

// HasBotReplyAfter reports whether a bot message with a higher sequence
// number than messageID's already exists. The bot worker uses it to drop
// redelivered wake-up events for turns it has already answered.
func (s *Service) HasBotReplyAfter(ctx context.Context, sessionID, messageID string) (bool, error) {
	msg, err := s.store.GetMessage(ctx, sessionID, messageID)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
	}
	bot, err := s.store.LatestMessageByRole(ctx, sessionID, domain.RoleBot)
	if err != nil {
		return false, err
	}
	return bot != nil && bot.Seq > msg.Seq, nil
}

// Text decrypts a single message's content. Used by the bot worker to read
// the user turn it is answering.
func (s *Service) Text(ctx context.Context, sessionID, messageID string) (string, error) {
	msg, err := s.store.GetMessage(ctx, sessionID, messageID)
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
	}
	text, err := s.codec.Decrypt(msg.Nonce, msg.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt message %s: %w", messageID, err)
	}
	return text, nil
}

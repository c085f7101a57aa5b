package botworker

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quietmind/quietmind/internal/crypto"
	"github.com/quietmind/quietmind/internal/events"
	"github.com/quietmind/quietmind/internal/message"
	"github.com/quietmind/quietmind/internal/session"
	"github.com/quietmind/quietmind/internal/store"
)

type fixedResponder struct {
	reply string
	err   error
	calls int
}

func (r *fixedResponder) Respond(context.Context, string) (string, error) {
	r.calls++
	return r.reply, r.err
}

func newTestStack(t *testing.T) (*message.Service, *session.Service) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	codec, err := crypto.NewAESGCM(bytes.Repeat([]byte{0x2a}, crypto.KeySize))
	if err != nil {
		t.Fatalf("failed to build codec: %v", err)
	}

	sessions := session.NewService(st)
	return message.NewService(st, sessions, codec, &events.LogPublisher{}), sessions
}

func userTurn(t *testing.T, msgs *message.Service, sessions *session.Service, text string) (sessionID, messageID string) {
	t.Helper()
	ctx := context.Background()
	sess, _, err := sessions.GetOrCreateActive(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	view, err := msgs.Append(ctx, "user-1", sess.ID, text)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return sess.ID, view.ID
}

func TestHandleAppendsBotReply(t *testing.T) {
	msgs, sessions := newTestStack(t)
	ctx := context.Background()
	sessionID, messageID := userTurn(t, msgs, sessions, "I can't sleep")

	responder := &fixedResponder{reply: "that sounds exhausting"}
	w := New(nil, msgs, responder)

	ev := &events.Event{
		Type:      events.TypeUserMessage,
		UserID:    "user-1",
		SessionID: sessionID,
		MessageID: messageID,
	}
	if err := w.Handle(ctx, ev); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	reply, err := msgs.BotReplyFor(ctx, "user-1", sessionID, messageID)
	if err != nil {
		t.Fatalf("BotReplyFor failed: %v", err)
	}
	if reply.Message == nil {
		t.Fatal("worker produced no reply")
	}
	if reply.Message.Text != "that sounds exhausting" {
		t.Errorf("reply text = %q", reply.Message.Text)
	}
	if reply.Message.Seq != 1 {
		t.Errorf("reply seq = %d, want 1", reply.Message.Seq)
	}
}

func TestHandleIgnoresOtherEventTypes(t *testing.T) {
	msgs, _ := newTestStack(t)
	responder := &fixedResponder{reply: "unused"}
	w := New(nil, msgs, responder)

	ev := &events.Event{Type: "session_closed", SessionID: "sess-1"}
	if err := w.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if responder.calls != 0 {
		t.Errorf("responder called %d times for a foreign event", responder.calls)
	}
}

func TestHandleSkipsMissingMessage(t *testing.T) {
	msgs, sessions := newTestStack(t)
	sessionID, _ := userTurn(t, msgs, sessions, "hello")

	responder := &fixedResponder{reply: "unused"}
	w := New(nil, msgs, responder)

	ev := &events.Event{
		Type:      events.TypeUserMessage,
		UserID:    "user-1",
		SessionID: sessionID,
		MessageID: "deleted-long-ago",
	}
	if err := w.Handle(context.Background(), ev); err != nil {
		t.Fatalf("a stale event must be skipped, not failed: %v", err)
	}
	if responder.calls != 0 {
		t.Errorf("responder called %d times for a stale event", responder.calls)
	}
}

func TestHandleDuplicateEventProducesOneReply(t *testing.T) {
	msgs, sessions := newTestStack(t)
	ctx := context.Background()
	sessionID, messageID := userTurn(t, msgs, sessions, "hello")

	responder := &fixedResponder{reply: "the reply"}
	w := New(nil, msgs, responder)

	ev := &events.Event{
		Type:      events.TypeUserMessage,
		UserID:    "user-1",
		SessionID: sessionID,
		MessageID: messageID,
	}
	if err := w.Handle(ctx, ev); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	// The queue redelivered the same event. The turn is already answered,
	// so the second delivery is dropped without calling the responder.
	if err := w.Handle(ctx, ev); err != nil {
		t.Fatalf("duplicate event must be handled cleanly: %v", err)
	}
	if responder.calls != 1 {
		t.Errorf("responder called %d times, want 1", responder.calls)
	}

	page, err := msgs.List(ctx, "user-1", sessionID, 10, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page.Messages) != 2 {
		t.Fatalf("session has %d messages, want 2 (one turn, one reply)", len(page.Messages))
	}
}

func TestHandleResponderErrorPropagates(t *testing.T) {
	msgs, sessions := newTestStack(t)
	sessionID, messageID := userTurn(t, msgs, sessions, "hello")

	wantErr := errors.New("model unavailable")
	w := New(nil, msgs, &fixedResponder{err: wantErr})

	ev := &events.Event{
		Type:      events.TypeUserMessage,
		UserID:    "user-1",
		SessionID: sessionID,
		MessageID: messageID,
	}
	if err := w.Handle(context.Background(), ev); !errors.Is(err, wantErr) {
		t.Errorf("Handle error = %v, want %v", err, wantErr)
	}
}

func TestCannedResponderEchoesFragment(t *testing.T) {
	r := NewCannedResponder()
	ctx := context.Background()

	first, err := r.Respond(ctx, "I feel stuck")
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if !strings.Contains(first, `"I feel stuck"`) {
		t.Errorf("reply does not echo the message: %q", first)
	}

	second, err := r.Respond(ctx, "I feel stuck")
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if first == second {
		t.Error("replies should rotate")
	}

	long, err := r.Respond(ctx, strings.Repeat("a", 100))
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if !strings.Contains(long, strings.Repeat("a", 40)+"...") {
		t.Errorf("long message not truncated: %q", long)
	}
}

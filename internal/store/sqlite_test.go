package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quietmind/quietmind/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return s
}

func newSession(userID string, status domain.Status) *domain.Session {
	now := time.Now()
	return &domain.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newMessage(sessionID, userID string, role domain.Role, seq int64) *domain.Message {
	return &domain.Message{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		UserID:         userID,
		Role:           role,
		DeliveryStatus: domain.DeliveryPending,
		Nonce:          []byte("nonce"),
		Ciphertext:     []byte("ciphertext"),
		Seq:            seq,
		CreatedAt:      time.Now(),
	}
}

func TestCreateSessionRejectsSecondInProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, newSession("user-1", domain.StatusActive)); err != nil {
		t.Fatalf("first CreateSession failed: %v", err)
	}

	for _, status := range []domain.Status{domain.StatusActive, domain.StatusWaitingForBot, domain.StatusFailed} {
		err := s.CreateSession(ctx, newSession("user-1", status))
		if !errors.Is(err, domain.ErrActiveSessionExists) {
			t.Errorf("second in-progress session (%s) should be rejected, got %v", status, err)
		}
	}

	// A different user is unaffected.
	if err := s.CreateSession(ctx, newSession("user-2", domain.StatusActive)); err != nil {
		t.Errorf("other user's session should be allowed: %v", err)
	}
}

func TestTerminalSessionsDoNotOccupyTheSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A user may accumulate many terminal sessions.
	for i := 0; i < 3; i++ {
		if err := s.CreateSession(ctx, newSession("user-1", domain.StatusEnded)); err != nil {
			t.Fatalf("terminal session %d rejected: %v", i, err)
		}
	}
	if err := s.CreateSession(ctx, newSession("user-1", domain.StatusEscalated)); err != nil {
		t.Fatalf("escalated session rejected: %v", err)
	}

	if err := s.CreateSession(ctx, newSession("user-1", domain.StatusActive)); err != nil {
		t.Fatalf("active session should be allowed alongside terminal ones: %v", err)
	}
}

func TestGetSessionScopedToOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("user-1", domain.StatusActive)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID, "user-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil || got.ID != sess.ID || got.Status != domain.StatusActive {
		t.Fatalf("unexpected session: %+v", got)
	}

	// Another user's lookup is indistinguishable from absence.
	other, err := s.GetSession(ctx, sess.ID, "user-2")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if other != nil {
		t.Error("session must not be visible to another user")
	}
}

func TestGetInProgressSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateSession(ctx, newSession("user-1", domain.StatusEnded)); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := s.GetInProgressSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetInProgressSession failed: %v", err)
	}
	if got != nil {
		t.Error("terminal session must not count as in-progress")
	}

	active := newSession("user-1", domain.StatusWaitingForBot)
	if err := s.CreateSession(ctx, active); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err = s.GetInProgressSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetInProgressSession failed: %v", err)
	}
	if got == nil || got.ID != active.ID {
		t.Fatalf("expected in-progress session %s, got %+v", active.ID, got)
	}
}

func TestUpdateSessionStatusOptimisticLocking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("user-1", domain.StatusActive)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := s.UpdateSessionStatus(ctx, sess.ID, "user-1", domain.StatusWaitingForBot, 0); err != nil {
		t.Fatalf("update at version 0 failed: %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID, "user-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != domain.StatusWaitingForBot {
		t.Errorf("status = %s, want waiting_for_bot", got.Status)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}

	// A writer holding the old version loses.
	err = s.UpdateSessionStatus(ctx, sess.ID, "user-1", domain.StatusEnded, 0)
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Errorf("stale version should conflict, got %v", err)
	}

	// A missing row is not-found, not a conflict.
	err = s.UpdateSessionStatus(ctx, uuid.NewString(), "user-1", domain.StatusEnded, 0)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing session should be not-found, got %v", err)
	}

	// Ownership scoping applies to writes too.
	err = s.UpdateSessionStatus(ctx, sess.ID, "user-2", domain.StatusEnded, 1)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("other user's write should be not-found, got %v", err)
	}
}

func TestInsertMessageSequenceConstraint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("user-1", domain.StatusActive)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := s.InsertMessage(ctx, newMessage(sess.ID, "user-1", domain.RoleUser, 0)); err != nil {
		t.Fatalf("first message failed: %v", err)
	}

	err := s.InsertMessage(ctx, newMessage(sess.ID, "user-1", domain.RoleUser, 0))
	if !errors.Is(err, domain.ErrSequenceConflict) {
		t.Errorf("duplicate seq should be a sequence conflict, got %v", err)
	}

	// Same seq in a different session is fine.
	other := newSession("user-2", domain.StatusActive)
	if err := s.CreateSession(ctx, other); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := s.InsertMessage(ctx, newMessage(other.ID, "user-2", domain.RoleUser, 0)); err != nil {
		t.Errorf("seq 0 in another session should be allowed: %v", err)
	}
}

// Two writers racing for the same sequence number: the constraint must let
// exactly one through.
func TestConcurrentInsertSameSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("user-1", domain.StatusActive)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	const writers = 4
	var wg sync.WaitGroup
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.InsertMessage(ctx, newMessage(sess.ID, "user-1", domain.RoleUser, 7))
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, domain.ErrSequenceConflict):
		default:
			t.Errorf("writer %d got unexpected error: %v", i, err)
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners)
	}
}

func TestLatestMessageIncludesSoftDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("user-1", domain.StatusActive)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	m0 := newMessage(sess.ID, "user-1", domain.RoleUser, 0)
	m1 := newMessage(sess.ID, "user-1", domain.RoleBot, 1)
	for _, m := range []*domain.Message{m0, m1} {
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
	}

	if err := s.SoftDeleteMessage(ctx, sess.ID, m1.ID, "user-1"); err != nil {
		t.Fatalf("SoftDeleteMessage failed: %v", err)
	}

	// Seq 1 stays occupied even though the row is soft-deleted.
	latest, err := s.LatestMessage(ctx, sess.ID)
	if err != nil {
		t.Fatalf("LatestMessage failed: %v", err)
	}
	if latest == nil || latest.Seq != 1 {
		t.Fatalf("latest must include soft-deleted rows, got %+v", latest)
	}

	// But role-scoped reads skip it.
	bot, err := s.LatestMessageByRole(ctx, sess.ID, domain.RoleBot)
	if err != nil {
		t.Fatalf("LatestMessageByRole failed: %v", err)
	}
	if bot != nil {
		t.Errorf("soft-deleted bot message must not be returned, got %+v", bot)
	}
}

func TestListMessagesCursorPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("user-1", domain.StatusActive)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	base := time.Now().Add(-time.Hour)
	var ids []string
	for i := 0; i < 5; i++ {
		m := newMessage(sess.ID, "user-1", domain.RoleUser, int64(i))
		m.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
		ids = append(ids, m.ID)
	}

	page1, hasMore, err := s.ListMessages(ctx, sess.ID, 2, "")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(page1) != 2 || !hasMore {
		t.Fatalf("page1: got %d messages, hasMore=%v", len(page1), hasMore)
	}
	if page1[0].ID != ids[4] || page1[1].ID != ids[3] {
		t.Errorf("page1 not newest-first: %s, %s", page1[0].ID, page1[1].ID)
	}

	page2, hasMore, err := s.ListMessages(ctx, sess.ID, 2, page1[1].ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(page2) != 2 || !hasMore {
		t.Fatalf("page2: got %d messages, hasMore=%v", len(page2), hasMore)
	}
	if page2[0].ID != ids[2] || page2[1].ID != ids[1] {
		t.Errorf("page2 wrong rows: %s, %s", page2[0].ID, page2[1].ID)
	}

	page3, hasMore, err := s.ListMessages(ctx, sess.ID, 2, page2[1].ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(page3) != 1 || hasMore {
		t.Fatalf("page3: got %d messages, hasMore=%v", len(page3), hasMore)
	}
	if page3[0].ID != ids[0] {
		t.Errorf("page3 wrong row: %s", page3[0].ID)
	}
}

func TestListMessagesExcludesSoftDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("user-1", domain.StatusActive)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	keep := newMessage(sess.ID, "user-1", domain.RoleUser, 0)
	gone := newMessage(sess.ID, "user-1", domain.RoleUser, 1)
	for _, m := range []*domain.Message{keep, gone} {
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
	}
	if err := s.SoftDeleteMessage(ctx, sess.ID, gone.ID, "user-1"); err != nil {
		t.Fatalf("SoftDeleteMessage failed: %v", err)
	}

	msgs, hasMore, err := s.ListMessages(ctx, sess.ID, 10, "")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if hasMore {
		t.Error("unexpected hasMore")
	}
	if len(msgs) != 1 || msgs[0].ID != keep.ID {
		t.Errorf("expected only the kept message, got %d rows", len(msgs))
	}
}

func TestSoftDeleteRequiresOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("user-1", domain.StatusActive)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	msg := newMessage(sess.ID, "user-1", domain.RoleUser, 0)
	if err := s.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	err := s.SoftDeleteMessage(ctx, sess.ID, msg.ID, "user-2")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("foreign soft delete should be not-found, got %v", err)
	}
}

func TestDeleteSessionHardDeletesMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newSession("user-1", domain.StatusEnded)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	msg := newMessage(sess.ID, "user-1", domain.RoleUser, 0)
	if err := s.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}

	if err := s.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID, "user-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got != nil {
		t.Error("session should be gone")
	}
	m, err := s.GetMessage(ctx, sess.ID, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if m != nil {
		t.Error("messages should be gone with the session")
	}
}

func TestListStaleWaiting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	waiting := newSession("user-1", domain.StatusWaitingForBot)
	if err := s.CreateSession(ctx, waiting); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	active := newSession("user-2", domain.StatusActive)
	if err := s.CreateSession(ctx, active); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Nothing is stale against a cutoff in the past.
	stale, err := s.ListStaleWaiting(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListStaleWaiting failed: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("expected no stale sessions, got %d", len(stale))
	}

	// Against a future cutoff, only the waiting session qualifies.
	stale, err = s.ListStaleWaiting(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ListStaleWaiting failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != waiting.ID {
		t.Fatalf("expected only the waiting session, got %d", len(stale))
	}
}

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	user := &domain.User{
		UserID:     "anon_0123",
		Username:   "anon-0123",
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.UpsertUser(ctx, user); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}

	got, err := s.GetUser(ctx, "anon_0123")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got == nil || got.Username != "anon-0123" {
		t.Fatalf("unexpected user: %+v", got)
	}

	missing, err := s.GetUser(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if missing != nil {
		t.Error("missing user should be nil")
	}
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/quietmind/quietmind/internal/domain"
	"github.com/quietmind/quietmind/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
//
// Both creation races in the core are resolved here, not in application
// code: ux_sessions_user_in_progress rejects a second in-progress session
// for a user, and UNIQUE(session_id, seq) rejects a second message claiming
// the same turn.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		insight_id TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_sessions_user_in_progress
		ON sessions(user_id)
		WHERE status IN ('active', 'waiting_for_bot', 'failed');
	CREATE INDEX IF NOT EXISTS idx_sessions_waiting
		ON sessions(updated_at) WHERE status = 'waiting_for_bot';

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		delivery_status TEXT NOT NULL,
		nonce BLOB NOT NULL,
		ciphertext BLOB NOT NULL,
		seq INTEGER NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_recency
		ON messages(session_id, created_at DESC, id DESC);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.UnixMilli(lastSeen)
	user.CreatedAt = time.UnixMilli(createdAt)
	user.UpdatedAt = time.UnixMilli(updatedAt)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username,
		user.LastSeenAt.UnixMilli(), user.CreatedAt.UnixMilli(), user.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.UnixMilli(), time.Now().UnixMilli(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (id, user_id, status, insight_id, version, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	var insightID interface{}
	if session.InsightID != "" {
		insightID = session.InsightID
	}

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.UserID, string(session.Status), insightID,
		session.Version, session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if shared.IsSQLiteUniqueErrorOn(err, "ux_sessions_user_in_progress") {
			return fmt.Errorf("%w: user %s", domain.ErrActiveSessionExists, session.UserID)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, user_id, status, insight_id, version, created_at, updated_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*domain.Session, error) {
	var session domain.Session
	var status string
	var insightID sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&session.ID, &session.UserID, &status, &insightID,
		&session.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Status = domain.Status(status)
	session.InsightID = insightID.String
	session.CreatedAt = time.UnixMilli(createdAt)
	session.UpdatedAt = time.UnixMilli(updatedAt)
	return &session, nil
}

// GetSession retrieves a session scoped to its owning user.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ? AND user_id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// GetInProgressSession retrieves the user's in-progress session, if any.
func (s *SQLiteStore) GetInProgressSession(ctx context.Context, userID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE user_id = ? AND status IN ('active', 'waiting_for_bot', 'failed')`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan in-progress session row: %w", err)
	}
	return session, nil
}

// UpdateSessionStatus applies a status change guarded by the version column.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID, userID string, status domain.Status, expectedVersion int64) error {
	query := `
	UPDATE sessions SET status = ?, version = version + 1, updated_at = ?
	WHERE id = ? AND user_id = ? AND version = ?`

	result, err := s.db.ExecContext(ctx, query,
		string(status), time.Now().UnixMilli(), sessionID, userID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish "someone else wrote first" from "row is gone".
		existing, err := s.GetSession(ctx, sessionID, userID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
		}
		return fmt.Errorf("%w: session %s expected version %d, found %d",
			domain.ErrVersionConflict, sessionID, expectedVersion, existing.Version)
	}

	return nil
}

// ListStaleWaiting returns waiting_for_bot sessions untouched since cutoff.
func (s *SQLiteStore) ListStaleWaiting(ctx context.Context, cutoff time.Time) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = 'waiting_for_bot' AND updated_at < ?`

	rows, err := s.db.QueryContext(ctx, query, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query stale waiting sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close stale sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale session row: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale sessions: %w", err)
	}

	return sessions, nil
}

// DeleteSession hard-deletes a session and its messages. The messages are
// deleted explicitly rather than via FK cascade because the foreign_keys
// pragma is per-connection and the pool hands out fresh connections.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// InsertMessage inserts a message row.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *domain.Message) error {
	query := `
	INSERT INTO messages (id, session_id, user_id, role, delivery_status,
		nonce, ciphertext, seq, deleted, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.SessionID, msg.UserID, string(msg.Role), string(msg.DeliveryStatus),
		msg.Nonce, msg.Ciphertext, msg.Seq, msg.Deleted, msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if shared.IsSQLiteUniqueErrorOn(err, "messages.session_id, messages.seq") {
			return fmt.Errorf("%w: session %s seq %d", domain.ErrSequenceConflict, msg.SessionID, msg.Seq)
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const messageColumns = `id, session_id, user_id, role, delivery_status, nonce, ciphertext, seq, deleted, created_at`

func scanMessage(row interface{ Scan(...interface{}) error }) (*domain.Message, error) {
	var msg domain.Message
	var role, deliveryStatus string
	var createdAt int64

	err := row.Scan(
		&msg.ID, &msg.SessionID, &msg.UserID, &role, &deliveryStatus,
		&msg.Nonce, &msg.Ciphertext, &msg.Seq, &msg.Deleted, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Role = domain.Role(role)
	msg.DeliveryStatus = domain.DeliveryStatus(deliveryStatus)
	msg.CreatedAt = time.UnixMilli(createdAt)
	return &msg, nil
}

// GetMessage retrieves a non-deleted message by ID within a session.
func (s *SQLiteStore) GetMessage(ctx context.Context, sessionID, messageID string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE id = ? AND session_id = ? AND deleted = 0`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	return msg, nil
}

// LatestMessage returns the highest-seq message in a session. Soft-deleted
// rows are included: a deleted message still occupies its sequence number.
func (s *SQLiteStore) LatestMessage(ctx context.Context, sessionID string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE session_id = ? ORDER BY seq DESC LIMIT 1`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan latest message row: %w", err)
	}
	return msg, nil
}

// LatestMessageByRole returns the highest-seq non-deleted message with role.
func (s *SQLiteStore) LatestMessageByRole(ctx context.Context, sessionID string, role domain.Role) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE session_id = ? AND role = ? AND deleted = 0 ORDER BY seq DESC LIMIT 1`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, sessionID, string(role)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan latest %s message row: %w", role, err)
	}
	return msg, nil
}

// ListMessages returns a newest-first page of non-deleted messages.
// The cursor is the ID of the last message of the previous page; rows
// strictly older (tie-broken by ID) follow it. One extra row is fetched to
// compute hasMore.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int, cursor string) ([]*domain.Message, bool, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE session_id = ? AND deleted = 0`
	args := []interface{}{sessionID}

	if cursor != "" {
		// Anchor on the cursor row even if it was soft-deleted since the
		// previous page was served.
		var anchorCreated int64
		var anchorID string
		row := s.db.QueryRowContext(ctx,
			`SELECT created_at, id FROM messages WHERE id = ? AND session_id = ?`,
			cursor, sessionID)
		err := row.Scan(&anchorCreated, &anchorID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("resolve cursor: %w", err)
		}
		if err == nil {
			query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
			args = append(args, anchorCreated, anchorCreated, anchorID)
		}
	}

	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scan message row: %w", err)
		}
		msgs = append(msgs, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate messages: %w", err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	return msgs, hasMore, nil
}

// SoftDeleteMessage flags a message as deleted.
func (s *SQLiteStore) SoftDeleteMessage(ctx context.Context, sessionID, messageID, userID string) error {
	query := `UPDATE messages SET deleted = 1
		WHERE id = ? AND session_id = ? AND user_id = ?`

	result, err := s.db.ExecContext(ctx, query, messageID, sessionID, userID)
	if err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
	}

	return nil
}

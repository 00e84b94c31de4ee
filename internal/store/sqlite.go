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

	"github.com/ashureev/shsh-relay/internal/domain"
	"github.com/ashureev/shsh-relay/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	maxBusyRetries = 3
	busyBaseDelay  = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		user_id TEXT PRIMARY KEY,
		handle TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_used_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_last_used ON conversations(last_used_at);
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

// GetConversation retrieves the conversation for a user.
func (s *SQLiteStore) GetConversation(ctx context.Context, userID string) (*domain.Conversation, error) {
	query := `SELECT user_id, handle, created_at, last_used_at FROM conversations WHERE user_id = ?`

	var conv domain.Conversation
	var createdAt, lastUsed int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&conv.UserID, &conv.Handle, &createdAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	conv.CreatedAt = time.Unix(createdAt, 0)
	conv.LastUsedAt = time.Unix(lastUsed, 0)
	return &conv, nil
}

// UpsertConversation creates or replaces the conversation for a user.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv *domain.Conversation) error {
	query := `
	INSERT INTO conversations (user_id, handle, created_at, last_used_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		handle = excluded.handle,
		created_at = excluded.created_at,
		last_used_at = excluded.last_used_at`

	lastUsed := conv.LastUsedAt
	if lastUsed.IsZero() {
		lastUsed = conv.CreatedAt
	}

	return s.execWithRetry(ctx, "upsert conversation", query,
		conv.UserID, conv.Handle, conv.CreatedAt.Unix(), lastUsed.Unix())
}

// TouchConversation updates last_used_at for a user's conversation.
func (s *SQLiteStore) TouchConversation(ctx context.Context, userID string, usedAt time.Time) error {
	query := `UPDATE conversations SET last_used_at = ? WHERE user_id = ?`
	return s.execWithRetry(ctx, "touch conversation", query, usedAt.Unix(), userID)
}

// DeleteConversation removes a user's conversation.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, userID string) error {
	query := `DELETE FROM conversations WHERE user_id = ?`
	return s.execWithRetry(ctx, "delete conversation", query, userID)
}

// DeleteIdle removes conversations unused for longer than ttl.
func (s *SQLiteStore) DeleteIdle(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE last_used_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("delete idle conversations: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// execWithRetry runs a write, retrying with exponential backoff while SQLite
// reports the database as busy or locked.
func (s *SQLiteStore) execWithRetry(ctx context.Context, op, query string, args ...any) error {
	var err error
	for i := 0; i < maxBusyRetries; i++ {
		_, err = s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxBusyRetries-1 {
			break
		}

		delay := busyBaseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
		slog.Debug("SQLite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ Repository = (*SQLiteStore)(nil)

// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/shsh-relay/internal/domain"
)

// Repository defines the interface for persisting conversation handles.
type Repository interface {
	// GetConversation retrieves the conversation for a user, or nil if none exists.
	GetConversation(ctx context.Context, userID string) (*domain.Conversation, error)

	// UpsertConversation creates or replaces the conversation for a user.
	UpsertConversation(ctx context.Context, conv *domain.Conversation) error

	// TouchConversation updates last_used_at for a user's conversation.
	TouchConversation(ctx context.Context, userID string, usedAt time.Time) error

	// DeleteConversation removes a user's conversation.
	DeleteConversation(ctx context.Context, userID string) error

	// DeleteIdle removes conversations unused for longer than ttl.
	DeleteIdle(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

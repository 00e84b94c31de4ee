// Package domain contains core domain types for the relay.
package domain

import (
	"time"
)

// Conversation binds a caller identity to a long-lived upstream conversation handle.
type Conversation struct {
	UserID     string    `json:"user_id"`
	Handle     string    `json:"handle"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// IdleFor returns how long the conversation has gone unused as of now.
func (c *Conversation) IdleFor(now time.Time) time.Duration {
	if c.LastUsedAt.IsZero() {
		return now.Sub(c.CreatedAt)
	}
	return now.Sub(c.LastUsedAt)
}

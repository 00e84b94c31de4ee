// Package session maps caller identities to upstream conversation handles.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shsh-relay/internal/domain"
	"github.com/ashureev/shsh-relay/internal/store"
)

// ErrSessionCreate wraps failures to obtain a conversation handle.
var ErrSessionCreate = errors.New("session creation failed")

// Creator creates new upstream conversations.
type Creator interface {
	CreateConversation(ctx context.Context) (string, error)
}

// Directory resolves identities to conversation handles. Concurrent first
// requests for the same identity may each create a handle; the last insert
// wins and later requests converge on it. That race is accepted.
type Directory struct {
	creator Creator
	repo    store.Repository // optional
	ttl     time.Duration    // 0 disables eviction
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*domain.Conversation
}

// Option configures a Directory.
type Option func(*Directory)

// WithRepository persists handles so they survive restarts.
func WithRepository(repo store.Repository) Option {
	return func(d *Directory) { d.repo = repo }
}

// WithTTL evicts entries idle for longer than ttl during sweeps.
func WithTTL(ttl time.Duration) Option {
	return func(d *Directory) { d.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Directory) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDirectory creates an empty directory backed by creator.
func NewDirectory(creator Creator, opts ...Option) *Directory {
	d := &Directory{
		creator: creator,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[string]*domain.Conversation),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Resolve returns the conversation handle for identity, creating one upstream
// on first contact. On failure the directory is left unchanged.
func (d *Directory) Resolve(ctx context.Context, identity string) (string, error) {
	if handle, ok := d.lookup(identity); ok {
		return handle, nil
	}

	if conv := d.loadPersisted(ctx, identity); conv != nil {
		d.insert(conv)
		return conv.Handle, nil
	}

	handle, err := d.creator.CreateConversation(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSessionCreate, err)
	}
	if handle == "" {
		return "", fmt.Errorf("%w: empty handle", ErrSessionCreate)
	}

	now := d.now()
	conv := &domain.Conversation{UserID: identity, Handle: handle, CreatedAt: now, LastUsedAt: now}
	d.insert(conv)
	d.persist(ctx, conv)

	d.logger.Info("Conversation bound", "user_id", identity, "handle", handle)
	return handle, nil
}

// Forget drops the identity's handle so the next Resolve creates a new one.
func (d *Directory) Forget(ctx context.Context, identity string) bool {
	d.mu.Lock()
	_, existed := d.entries[identity]
	delete(d.entries, identity)
	d.mu.Unlock()

	if d.repo != nil {
		if err := d.repo.DeleteConversation(ctx, identity); err != nil {
			d.logger.Warn("failed to delete persisted conversation", "user_id", identity, "error", err)
		}
	}
	return existed
}

// Len returns the number of cached handles.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

func (d *Directory) lookup(identity string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conv, ok := d.entries[identity]
	if !ok {
		return "", false
	}
	conv.LastUsedAt = d.now()
	return conv.Handle, true
}

func (d *Directory) insert(conv *domain.Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[conv.UserID] = conv
}

func (d *Directory) loadPersisted(ctx context.Context, identity string) *domain.Conversation {
	if d.repo == nil {
		return nil
	}
	conv, err := d.repo.GetConversation(ctx, identity)
	if err != nil {
		d.logger.Warn("failed to load persisted conversation", "user_id", identity, "error", err)
		return nil
	}
	if conv == nil || conv.Handle == "" {
		return nil
	}
	if d.ttl > 0 && conv.IdleFor(d.now()) > d.ttl {
		return nil
	}
	conv.LastUsedAt = d.now()
	if err := d.repo.TouchConversation(ctx, identity, conv.LastUsedAt); err != nil {
		d.logger.Debug("failed to touch persisted conversation", "user_id", identity, "error", err)
	}
	return conv
}

// persist is best-effort: the in-memory binding is authoritative for this process.
func (d *Directory) persist(ctx context.Context, conv *domain.Conversation) {
	if d.repo == nil {
		return
	}
	if err := d.repo.UpsertConversation(ctx, conv); err != nil {
		d.logger.Warn("failed to persist conversation", "user_id", conv.UserID, "error", err)
	}
}

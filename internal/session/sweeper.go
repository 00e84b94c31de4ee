package session

import (
	"context"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// StartSweeper runs a background goroutine that periodically evicts entries
// idle for longer than the directory's TTL. It does nothing when TTL is 0.
func (d *Directory) StartSweeper(ctx context.Context, interval time.Duration) {
	if d.ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		d.logger.Info("Session sweeper started", "interval", interval, "ttl", d.ttl)

		for {
			select {
			case <-ticker.C:
				d.Sweep(ctx)
			case <-ctx.Done():
				d.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep evicts idle entries once and returns how many were dropped from memory.
func (d *Directory) Sweep(ctx context.Context) int {
	if d.ttl <= 0 {
		return 0
	}
	now := d.now()

	d.mu.Lock()
	evicted := 0
	live := make(map[string]time.Time, len(d.entries))
	for id, conv := range d.entries {
		if conv.IdleFor(now) > d.ttl {
			delete(d.entries, id)
			evicted++
			continue
		}
		live[id] = conv.LastUsedAt
	}
	d.mu.Unlock()

	if evicted > 0 {
		d.logger.Info("Session sweeper evicted idle conversations", "count", evicted)
	}

	if d.repo != nil {
		// Warm-path use only updates memory; sync it before pruning rows.
		for id, usedAt := range live {
			if err := d.repo.TouchConversation(ctx, id, usedAt); err != nil {
				d.logger.Debug("Session sweeper failed to touch conversation", "user_id", id, "error", err)
			}
		}
		if deleted, err := d.repo.DeleteIdle(ctx, d.ttl); err != nil {
			d.logger.Error("Session sweeper failed to delete idle conversations", "error", err)
		} else if deleted > 0 {
			d.logger.Info("Session sweeper deleted persisted conversations", "count", deleted)
		}
	}

	return evicted
}

package stream

import "time"

// Default liveness thresholds.
const (
	DefaultMaxEmptyReads  = 50
	DefaultKeepAliveAfter = 15 * time.Second
)

// Liveness tracks read activity on an upstream stream. It decides when the
// stream should be considered stalled and when the caller should be sent a
// keep-alive; it never stops a read loop on its own.
type Liveness struct {
	maxEmptyReads  int
	keepAliveAfter time.Duration

	emptyReads    int
	lastData      time.Time
	lastKeepAlive time.Time
}

// NewLiveness creates a tracker starting its inactivity clock at now.
// Non-positive thresholds fall back to the defaults.
func NewLiveness(maxEmptyReads int, keepAliveAfter time.Duration, now time.Time) *Liveness {
	if maxEmptyReads <= 0 {
		maxEmptyReads = DefaultMaxEmptyReads
	}
	if keepAliveAfter <= 0 {
		keepAliveAfter = DefaultKeepAliveAfter
	}
	return &Liveness{
		maxEmptyReads:  maxEmptyReads,
		keepAliveAfter: keepAliveAfter,
		lastData:       now,
	}
}

// Observe records the outcome of one read of n bytes.
func (l *Liveness) Observe(n int, now time.Time) {
	if n == 0 {
		l.emptyReads++
		return
	}
	l.emptyReads = 0
	l.lastData = now
	l.lastKeepAlive = time.Time{}
}

// Stalled reports whether enough consecutive empty reads have been seen to
// treat the stream as finished.
func (l *Liveness) Stalled() bool {
	return l.emptyReads >= l.maxEmptyReads
}

// NeedsKeepAlive reports whether a keep-alive is due at now. It re-arms
// itself, so a silent but open stream gets one notice per window.
func (l *Liveness) NeedsKeepAlive(now time.Time) bool {
	since := l.lastData
	if l.lastKeepAlive.After(since) {
		since = l.lastKeepAlive
	}
	if now.Sub(since) < l.keepAliveAfter {
		return false
	}
	l.lastKeepAlive = now
	return true
}

// Interval is the keep-alive window; callers use it to size their ticker.
func (l *Liveness) Interval() time.Duration {
	return l.keepAliveAfter
}

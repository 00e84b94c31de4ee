// Package convlog writes relayed conversations as NDJSON, one file per
// user and conversation, off the request path.
package convlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Event is one logged conversation turn.
type Event struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	Handle     string         `json:"handle,omitempty"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Logger records conversation events.
type Logger interface {
	Log(event Event)
	Close() error
}

// Config controls the NDJSON logger.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

var (
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// Nop discards every event.
type Nop struct{}

// Log implements Logger.
func (Nop) Log(Event) {}

// Close implements Logger.
func (Nop) Close() error { return nil }

type fileLogger struct {
	dir    string
	queue  chan Event
	logger *slog.Logger
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a logger. When cfg.Enabled is false it returns Nop.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	l := &fileLogger{
		dir:    cfg.Dir,
		queue:  make(chan Event, cfg.QueueSize),
		logger: logger,
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Log enqueues an event. A full queue drops the event rather than stall the stream.
func (l *fileLogger) Log(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" {
		event.Content = CleanForReadability(event.ContentRaw)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("conversation log queue full, dropping event",
			"user_id", event.UserID,
			"event_type", event.EventType,
		)
	}
}

// Close flushes queued events and stops the writer.
func (l *fileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}

func (l *fileLogger) run() {
	defer l.wg.Done()
	for event := range l.queue {
		if err := l.write(event); err != nil {
			l.logger.Warn("failed to write conversation log", "error", err, "user_id", event.UserID)
		}
	}
}

func (l *fileLogger) write(event Event) error {
	userDir := filepath.Join(l.dir, safeName(event.UserID, "unknown"))
	if err := os.MkdirAll(userDir, 0755); err != nil {
		return fmt.Errorf("create user log dir: %w", err)
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	path := filepath.Join(userDir, safeName(event.Handle, "default")+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append log line: %w", err)
	}
	return f.Close()
}

// CleanForReadability strips ANSI escapes and collapses runs of blank lines.
func CleanForReadability(raw string) string {
	clean := ansiPattern.ReplaceAllString(raw, "")
	clean = strings.ReplaceAll(clean, "\r\n", "\n")
	for strings.Contains(clean, "\n\n\n") {
		clean = strings.ReplaceAll(clean, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(clean)
}

func safeName(name, fallback string) string {
	name = unsafePathChars.ReplaceAllString(strings.TrimSpace(name), "_")
	name = strings.Trim(name, ".")
	if name == "" {
		return fallback
	}
	return name
}

package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/ashureev/shsh-relay/internal/convlog"
	"github.com/ashureev/shsh-relay/internal/stream"
	"github.com/google/uuid"
)

const (
	// DefaultFallbackMessage is sent when a run finishes without any text.
	DefaultFallbackMessage = "The agent finished without producing a response. Please try again."

	defaultReadBufferSize = 32 * 1024
	minKeepAliveTick      = 5 * time.Millisecond
)

var errReaderPanic = errors.New("upstream reader panicked")

// Resolver maps a caller identity to a conversation handle.
type Resolver interface {
	Resolve(ctx context.Context, identity string) (string, error)
}

// RunOpener opens a streamed run on a conversation.
type RunOpener interface {
	OpenRun(ctx context.Context, handle, prompt string) (io.ReadCloser, error)
}

// Config tunes the bridge.
type Config struct {
	KeepAliveAfter  time.Duration
	MaxEmptyReads   int
	FallbackMessage string
	ReadBufferSize  int
}

// Request is one inbound chat turn.
type Request struct {
	Identity  string
	Prompt    string
	RequestID string
	Channel   string
}

// Bridge relays chat turns to the upstream agent.
type Bridge struct {
	sessions Resolver
	runs     RunOpener
	cfg      Config
	convLog  convlog.Logger
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a bridge. A nil convLog disables conversation logging.
func New(sessions Resolver, runs RunOpener, cfg Config, convLog convlog.Logger, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if convLog == nil {
		convLog = convlog.Nop{}
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = DefaultFallbackMessage
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}
	if cfg.KeepAliveAfter <= 0 {
		cfg.KeepAliveAfter = stream.DefaultKeepAliveAfter
	}
	if cfg.MaxEmptyReads <= 0 {
		cfg.MaxEmptyReads = stream.DefaultMaxEmptyReads
	}
	return &Bridge{
		sessions: sessions,
		runs:     runs,
		cfg:      cfg,
		convLog:  convLog,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle runs one request to completion. The sink receives Ack first and
// exactly one terminal event last, whatever the upstream does.
func (b *Bridge) Handle(ctx context.Context, req Request, sink Sink) (res Result) {
	logger := b.logger.With("user_id", req.Identity, "request_id", req.RequestID)
	g := newGuardedSink(sink, logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("bridge panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			if !g.isTerminal() {
				g.errors([]ErrorEntry{newErrorEntry(CodeInternal, "internal error while relaying the agent response")})
			}
			res.Outcome = OutcomeFailed
			res.ErrorCode = CodeInternal
		}
	}()

	g.ack()

	fail := func(code, message string, err error) Result {
		if err != nil {
			logger.Warn("relay request failed", "code", code, "error", err)
		}
		g.errors([]ErrorEntry{newErrorEntry(code, message)})
		res.Outcome = OutcomeFailed
		res.ErrorCode = code
		return res
	}

	if strings.TrimSpace(req.Identity) == "" {
		return fail(CodeUnauthorized, "caller identity could not be established", nil)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return fail(CodeInvalidRequest, "message is required", nil)
	}

	handle, err := b.sessions.Resolve(ctx, req.Identity)
	if err != nil {
		return fail(CodeSessionCreation, "could not start a conversation with the agent", err)
	}
	res.Handle = handle
	logger = logger.With("handle", handle)

	b.convLog.Log(convlog.Event{
		UserID:     req.Identity,
		Handle:     handle,
		Channel:    req.Channel,
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: req.Prompt,
		Meta:       map[string]any{"request_id": req.RequestID},
	})

	run, err := b.runs.OpenRun(ctx, handle, req.Prompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fail(CodeUpstreamTimeout, "the agent did not respond in time", err)
		}
		return fail(CodeUpstream, "could not reach the agent", err)
	}
	defer func() {
		if closeErr := run.Close(); closeErr != nil {
			logger.Debug("failed to close upstream run", "error", closeErr)
		}
	}()

	var reply strings.Builder
	sum := b.pump(ctx, run, g, &reply, logger)
	res.Fragments = sum.fragments
	res.DecodeErrors = sum.decodeErrors
	res.Partial = sum.partial

	if res.Fragments == 0 {
		logger.Info("upstream produced no content, sending fallback", "decode_errors", sum.decodeErrors)
		g.text(b.cfg.FallbackMessage)
	}
	g.done()

	b.convLog.Log(convlog.Event{
		UserID:     req.Identity,
		Handle:     handle,
		Channel:    req.Channel,
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: reply.String(),
		Meta: map[string]any{
			"fragments":     sum.fragments,
			"decode_errors": sum.decodeErrors,
			"partial":       sum.partial,
			"stop_reason":   sum.stopReason,
			"request_id":    req.RequestID,
		},
	})

	logger.Info("relay request completed",
		"fragments", sum.fragments,
		"stop_reason", sum.stopReason,
		"partial", sum.partial,
	)
	res.Outcome = OutcomeDone
	return res
}

type readResult struct {
	data []byte
	err  error
}

type pumpSummary struct {
	fragments    int
	decodeErrors int
	partial      bool
	stopReason   string
}

// pump reads the run on a helper goroutine and forwards fragments to the sink
// from the calling goroutine until the stream ends, stalls, errors, or the
// caller goes away. Read errors end the loop without failing the request.
func (b *Bridge) pump(ctx context.Context, run io.Reader, g *guardedSink, reply *strings.Builder, logger *slog.Logger) pumpSummary {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan readResult)
	go func() {
		defer close(chunks)
		defer func() {
			if r := recover(); r != nil {
				logger.Error("upstream reader panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
				select {
				case chunks <- readResult{err: fmt.Errorf("%w: %v", errReaderPanic, r)}:
				case <-streamCtx.Done():
				}
			}
		}()
		for {
			buf := make([]byte, b.cfg.ReadBufferSize)
			n, err := run.Read(buf)
			select {
			case chunks <- readResult{data: buf[:n], err: err}:
			case <-streamCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	reasm := stream.NewReassembler(logger)
	live := stream.NewLiveness(b.cfg.MaxEmptyReads, b.cfg.KeepAliveAfter, b.now())

	tick := live.Interval() / 4
	if tick < minKeepAliveTick {
		tick = minKeepAliveTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var sum pumpSummary
	emit := func(fragments []string) {
		for _, f := range fragments {
			sum.fragments++
			reply.WriteString(f)
			g.text(f)
		}
	}

loop:
	for {
		select {
		case res, ok := <-chunks:
			if !ok {
				sum.stopReason = "closed"
				break loop
			}
			live.Observe(len(res.data), b.now())
			emit(reasm.Feed(res.data))

			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					sum.stopReason = "eof"
				} else {
					sum.stopReason = "read_error"
					sum.partial = true
					logger.Warn("upstream read failed, finishing stream", "error", res.err)
				}
				break loop
			}
			if live.Stalled() {
				sum.stopReason = "stalled"
				sum.partial = true
				logger.Warn("upstream stream stalled, finishing stream")
				break loop
			}
			if g.isBroken() {
				sum.stopReason = "downstream_gone"
				sum.partial = true
				break loop
			}
		case <-ticker.C:
			if live.NeedsKeepAlive(b.now()) {
				logger.Debug("upstream quiet, sending keep-alive")
				g.keepAlive()
				if g.isBroken() {
					sum.stopReason = "downstream_gone"
					sum.partial = true
					break loop
				}
			}
		case <-ctx.Done():
			sum.stopReason = "canceled"
			sum.partial = true
			break loop
		}
	}

	emit(reasm.Flush())
	sum.decodeErrors = reasm.DecodeErrors()
	return sum
}

func newErrorEntry(code, message string) ErrorEntry {
	return ErrorEntry{
		Type:       "agent",
		Message:    message,
		Code:       code,
		Identifier: uuid.NewString(),
	}
}

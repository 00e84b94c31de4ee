package bridge

import (
	"fmt"
	"log/slog"
)

// guardedSink enforces event ordering on top of a Sink and swallows write
// failures, so a caller that disconnects cannot crash the request.
type guardedSink struct {
	sink   Sink
	logger *slog.Logger

	acked    bool
	terminal bool
	broken   bool
}

func newGuardedSink(sink Sink, logger *slog.Logger) *guardedSink {
	return &guardedSink{sink: sink, logger: logger}
}

func (g *guardedSink) ack() {
	if g.acked || g.terminal {
		return
	}
	g.acked = true
	g.write("ack", g.sink.Ack)
}

func (g *guardedSink) text(fragment string) {
	if !g.acked || g.terminal || g.broken || fragment == "" {
		return
	}
	g.write("text", func() error { return g.sink.Text(fragment) })
}

func (g *guardedSink) keepAlive() {
	if !g.acked || g.terminal || g.broken {
		return
	}
	g.write("keepalive", g.sink.KeepAlive)
}

func (g *guardedSink) errors(entries []ErrorEntry) {
	if g.terminal {
		return
	}
	g.terminal = true
	g.write("errors", func() error { return g.sink.Errors(entries) })
}

func (g *guardedSink) done() {
	if g.terminal {
		return
	}
	g.terminal = true
	g.write("done", g.sink.Done)
}

// isBroken reports whether a previous write failed.
func (g *guardedSink) isBroken() bool {
	return g.broken
}

func (g *guardedSink) isTerminal() bool {
	return g.terminal
}

func (g *guardedSink) write(event string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			g.broken = true
			g.logger.Error("sink panicked during write", "event", event, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(); err != nil {
		g.broken = true
		g.logger.Warn("failed to write downstream event", "event", event, "error", err)
	}
}

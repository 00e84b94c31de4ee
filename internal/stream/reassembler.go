// Package stream reassembles the upstream agent's line-delimited event stream
// into assistant text fragments.
package stream

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

// dataPrefix marks a content-bearing line on the wire.
const dataPrefix = "data: "

// keepAliveTokens are data payloads the upstream sends to hold the connection open.
var keepAliveTokens = map[string]struct{}{
	"ping":       {},
	"heartbeat":  {},
	"keep-alive": {},
	"[DONE]":     {},
}

// record is one decoded upstream event payload.
type record struct {
	Messages []entry        `json:"messages"`
	Content  json.RawMessage `json:"content"`
}

// entry is a role-tagged message inside a record.
type entry struct {
	Type      string            `json:"type"`
	Content   json.RawMessage   `json:"content"`
	ToolCalls []json.RawMessage `json:"tool_calls"`
}

// Reassembler turns arbitrarily split byte chunks into ordered content fragments.
// It is owned by a single request and is not safe for concurrent use.
type Reassembler struct {
	pending      []byte
	decodeErrors int
	lines        int
	logger       *slog.Logger
}

// NewReassembler creates a reassembler with an empty pending buffer.
func NewReassembler(logger *slog.Logger) *Reassembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reassembler{logger: logger}
}

// Feed appends chunk to the pending buffer and returns the fragments found in
// every line completed by it. An unterminated trailing line stays buffered.
func (r *Reassembler) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	r.pending = append(r.pending, chunk...)

	var fragments []string
	for {
		idx := bytes.IndexByte(r.pending, '\n')
		if idx < 0 {
			break
		}
		fragments = append(fragments, r.parseLine(r.pending[:idx])...)
		r.pending = r.pending[idx+1:]
	}

	// Compact so a long-lived stream does not pin every chunk it ever saw.
	if len(r.pending) == 0 {
		r.pending = nil
	} else if cap(r.pending) > 4*len(r.pending) && cap(r.pending) > 64*1024 {
		r.pending = append([]byte(nil), r.pending...)
	}

	return fragments
}

// Flush treats whatever remains in the pending buffer as a final line.
// Call it once the upstream stream has ended.
func (r *Reassembler) Flush() []string {
	if len(r.pending) == 0 {
		return nil
	}
	line := r.pending
	r.pending = nil
	return r.parseLine(line)
}

// Pending reports the number of buffered bytes not yet terminated by a newline.
func (r *Reassembler) Pending() int {
	return len(r.pending)
}

// DecodeErrors reports how many data lines failed to decode.
func (r *Reassembler) DecodeErrors() int {
	return r.decodeErrors
}

// Lines reports how many complete non-empty lines were examined.
func (r *Reassembler) Lines() int {
	return r.lines
}

func (r *Reassembler) parseLine(raw []byte) []string {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return nil
	}
	r.lines++

	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return nil
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 {
		return nil
	}
	if _, ok := keepAliveTokens[string(payload)]; ok {
		return nil
	}
	if payload[0] != '{' {
		return nil
	}

	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		r.decodeErrors++
		r.logger.Debug("skipping undecodable upstream line",
			"error", err,
			"payload_len", len(payload),
			"decode_errors", r.decodeErrors,
		)
		return nil
	}

	return extract(rec)
}

// extract returns assistant-authored text from a decoded record. Entries that
// carry tool calls are scaffolding, not answers, and are dropped.
func extract(rec record) []string {
	var fragments []string
	for _, e := range rec.Messages {
		if e.Type != "ai" || len(e.ToolCalls) > 0 {
			continue
		}
		if text, ok := textOf(e.Content); ok {
			fragments = append(fragments, text)
		}
	}
	if text, ok := textOf(rec.Content); ok {
		fragments = append(fragments, text)
	}
	return fragments
}

// textOf returns raw as a string when it is a non-empty JSON string.
func textOf(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

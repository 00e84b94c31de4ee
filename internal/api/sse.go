package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashureev/shsh-relay/internal/bridge"
	"github.com/google/uuid"
)

const (
	completionObject = "chat.completion.chunk"
	completionModel  = "relay"
	errorsEvent      = "copilot_errors"
)

type completionChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
}

type completionChoice struct {
	Index        int             `json:"index"`
	Delta        completionDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

type completionDelta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// sseSink frames bridge events as chat-completion chunks on an event stream.
type sseSink struct {
	w       io.Writer
	flusher http.Flusher
	id      string
	created int64
}

func newSSESink(w io.Writer, flusher http.Flusher) *sseSink {
	return &sseSink{
		w:       w,
		flusher: flusher,
		id:      "chatcmpl-" + uuid.NewString(),
		created: time.Now().Unix(),
	}
}

func (s *sseSink) Ack() error {
	empty := ""
	return s.chunk(completionDelta{Role: "assistant", Content: &empty}, nil)
}

func (s *sseSink) Text(fragment string) error {
	return s.chunk(completionDelta{Content: &fragment}, nil)
}

func (s *sseSink) Done() error {
	stop := "stop"
	if err := s.chunk(completionDelta{}, &stop); err != nil {
		return err
	}
	return s.send("", "[DONE]")
}

func (s *sseSink) Errors(entries []bridge.ErrorEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode errors: %w", err)
	}
	return s.send(errorsEvent, string(data))
}

func (s *sseSink) KeepAlive() error {
	if _, err := io.WriteString(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) chunk(delta completionDelta, finish *string) error {
	data, err := json.Marshal(completionChunk{
		ID:      s.id,
		Object:  completionObject,
		Created: s.created,
		Model:   completionModel,
		Choices: []completionChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	return s.send("", string(data))
}

func (s *sseSink) send(event, data string) error {
	if err := writeSSE(s.w, event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func writeSSE(w io.Writer, event, data string) error {
	if event == "" {
		_, err := fmt.Fprintf(w, "data: %s\n\n", data)
		return err
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

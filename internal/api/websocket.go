package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/shsh-relay/internal/bridge"
	"github.com/ashureev/shsh-relay/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsQueueSize     = 16
	codeRateLimited = "rate_limited"
	codeBusy        = "busy"
)

type wsInbound struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type wsEvent struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id,omitempty"`
	Content   string              `json:"content,omitempty"`
	Errors    []bridge.ErrorEntry `json:"errors,omitempty"`
}

// wsSink sends bridge events as JSON frames.
type wsSink struct {
	ctx       context.Context
	conn      *websocket.Conn
	requestID string
}

func (s *wsSink) Ack() error { return s.send(wsEvent{Type: "ack"}) }

func (s *wsSink) Text(fragment string) error {
	return s.send(wsEvent{Type: "text", Content: fragment})
}

func (s *wsSink) Errors(entries []bridge.ErrorEntry) error {
	return s.send(wsEvent{Type: "errors", Errors: entries})
}

func (s *wsSink) Done() error      { return s.send(wsEvent{Type: "done"}) }
func (s *wsSink) KeepAlive() error { return s.send(wsEvent{Type: "ping"}) }

func (s *wsSink) send(ev wsEvent) error {
	ev.RequestID = s.requestID
	return writeWS(s.ctx, s.conn, ev)
}

func writeWS(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

// HandleWebSocket handles GET /ws/chat. Each inbound chat frame runs one
// relay turn; turns on a connection are processed in order.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	h.logger.Info("WebSocket connection request", "user_id", userID, "ip", identity.IPFromRequest(r))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(h.origins),
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	ws.SetReadLimit(h.maxBody)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan wsInbound, wsQueueSize)
	go h.wsReadLoop(ctx, cancel, ws, inbound, userID)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-inbound:
			h.dispatchWS(ctx, ws, userID, msg)
		}
	}
}

// wsReadLoop never blocks on a running turn, so control frames get an
// immediate reply and a client close cancels the turn in flight. Chat and
// reset frames are queued for the turn loop.
func (h *Handler) wsReadLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, out chan<- wsInbound, userID string) {
	defer cancel()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.rejectWS(ctx, ws, userID, bridge.CodeInvalidRequest, "frame is not valid JSON")
			continue
		}

		switch msg.Type {
		case "ping":
			if err := writeWS(ctx, ws, wsEvent{Type: "pong"}); err != nil {
				h.logger.Debug("Failed to send pong", "error", err)
			}
		case "", "chat", "reset":
			select {
			case out <- msg:
			default:
				h.logger.Warn("WebSocket queue full, dropping frame", "user_id", userID, "type", msg.Type)
				h.rejectWS(ctx, ws, userID, codeBusy, "too many pending messages")
			}
		default:
			h.rejectWS(ctx, ws, userID, bridge.CodeInvalidRequest, "unknown frame type "+msg.Type)
		}
	}
}

func (h *Handler) rejectWS(ctx context.Context, ws *websocket.Conn, userID, code, message string) {
	ev := wsEvent{
		Type:      "errors",
		RequestID: uuid.NewString(),
		Errors: []bridge.ErrorEntry{{
			Type:       "agent",
			Message:    message,
			Code:       code,
			Identifier: uuid.NewString(),
		}},
	}
	if err := writeWS(ctx, ws, ev); err != nil {
		h.logger.Debug("Failed to send websocket error", "error", err, "user_id", userID)
	}
}

func (h *Handler) dispatchWS(ctx context.Context, ws *websocket.Conn, userID string, msg wsInbound) {
	if msg.Type == "reset" {
		forgotten := h.sessions.Forget(ctx, userID)
		h.logger.Info("Conversation reset", "user_id", userID, "had_conversation", forgotten)
		if err := writeWS(ctx, ws, wsEvent{Type: "reset"}); err != nil {
			h.logger.Debug("Failed to send reset acknowledgment", "error", err)
		}
		return
	}

	if userID != "" && !h.allow(userID) {
		h.logger.Warn("Chat rate limit exceeded", "user_id", userID)
		h.rejectWS(ctx, ws, userID, codeRateLimited, "rate limit exceeded")
		return
	}
	reqID := uuid.NewString()
	h.logger.Info("Chat request", "user_id", userID, "request_id", reqID, "message_length", len(msg.Message))
	h.relay.Handle(ctx, bridge.Request{
		Identity:  userID,
		Prompt:    msg.Message,
		RequestID: reqID,
		Channel:   "chat_ws",
	}, &wsSink{ctx: ctx, conn: ws, requestID: reqID})
}

// originPatterns turns configured origins into the host patterns the
// websocket library matches against.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			patterns = append(patterns, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}

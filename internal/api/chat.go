package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ashureev/shsh-relay/internal/bridge"
	"github.com/ashureev/shsh-relay/internal/identity"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// ChatRequest is the body of POST /api/chat. Either Message or a
// chat-completion style Messages list is accepted.
type ChatRequest struct {
	Message  string        `json:"message"`
	Messages []ChatMessage `json:"messages,omitempty"`
}

// ChatMessage is one entry of a chat-completion style history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt returns the text to send upstream: Message when set, otherwise the
// last user entry of Messages.
func (c ChatRequest) Prompt() string {
	if strings.TrimSpace(c.Message) != "" {
		return c.Message
	}
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == "user" {
			return c.Messages[i].Content
		}
	}
	return ""
}

// HandleChat handles POST /api/chat by streaming the agent reply as SSE.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	if userID != "" && !h.allow(userID) {
		h.logger.Warn("Chat rate limit exceeded", "user_id", userID)
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	prompt := req.Prompt()
	reqID := chiMiddleware.GetReqID(r.Context())
	h.logger.Info("Chat request",
		"user_id", userID,
		"request_id", reqID,
		"message_length", len(prompt),
	)

	h.relay.Handle(r.Context(), bridge.Request{
		Identity:  userID,
		Prompt:    prompt,
		RequestID: reqID,
		Channel:   "chat_sse",
	}, newSSESink(w, flusher))
}

// ResetSession handles DELETE /api/session, forgetting the caller's
// conversation so the next turn starts a new one upstream.
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	forgotten := h.sessions.Forget(r.Context(), userID)
	h.logger.Info("Conversation reset", "user_id", userID, "had_conversation", forgotten)
	JSON(w, http.StatusOK, map[string]any{"status": "reset", "had_conversation": forgotten})
}

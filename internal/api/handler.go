// Package api provides HTTP handlers for the relay.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/shsh-relay/internal/bridge"
	"github.com/go-chi/chi/v5"
)

const defaultMaxRequestBodySize = 1 << 20

// Relay runs one chat turn against the upstream agent.
type Relay interface {
	Handle(ctx context.Context, req bridge.Request, sink bridge.Sink) bridge.Result
}

// Sessions is the part of the session directory the handlers need.
type Sessions interface {
	Forget(ctx context.Context, identity string) bool
	Len() int
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Handler.
type Options struct {
	MaxRequestBody int64
	UpstreamURL    string
	OriginPatterns []string
	// Store is optional; when set, health reports its reachability.
	Store  Pinger
	Logger *slog.Logger
}

// Handler serves the chat, session and health endpoints.
type Handler struct {
	relay       Relay
	sessions    Sessions
	limiter     *RateLimiter
	store       Pinger
	maxBody     int64
	upstreamURL string
	origins     []string
	logger      *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(relay Relay, sessions Sessions, limiter *RateLimiter, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxRequestBody <= 0 {
		opts.MaxRequestBody = defaultMaxRequestBodySize
	}
	if len(opts.OriginPatterns) == 0 {
		opts.OriginPatterns = []string{"*"}
	}
	return &Handler{
		relay:       relay,
		sessions:    sessions,
		limiter:     limiter,
		store:       opts.Store,
		maxBody:     opts.MaxRequestBody,
		upstreamURL: opts.UpstreamURL,
		origins:     opts.OriginPatterns,
		logger:      opts.Logger,
	}
}

// RegisterRoutes registers the relay routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)
		r.Delete("/session", h.ResetSession)
		r.Get("/health", h.Health)
	})
	r.Get("/ws/chat", h.HandleWebSocket)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func (h *Handler) allow(userID string) bool {
	if h.limiter == nil {
		return true
	}
	return h.limiter.Allow(userID)
}

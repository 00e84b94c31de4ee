package api

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

const healthCheckTimeout = 5 * time.Second

// Health returns the health status of the relay and its dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status":   "healthy",
		"checks":   checks,
		"sessions": h.sessions.Len(),
		"upstream": upstreamHost(h.upstreamURL),
	}
	statusCode := http.StatusOK

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := h.store.Ping(ctx); err != nil {
			h.logger.Error("Health check failed", "error", err)
			status["status"] = "degraded"
			checks["database"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// upstreamHost reports only the host so credentials in the URL never leak.
func upstreamHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

// Package identity resolves who is calling the relay.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	// UserHeaderName carries an identity asserted by a trusted auth proxy.
	UserHeaderName   = "X-Relay-User"
	AnonCookieName   = "relay_anon_id"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const userIDKey contextKey = iota

var (
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._@:-]{1,128}$`)
)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func userFromHeader(r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(UserHeaderName))
	if id == "" || !userIDPattern.MatchString(id) {
		return ""
	}
	return id
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

// Middleware injects the caller identity. A valid X-Relay-User header wins;
// otherwise the caller gets a sticky anonymous device cookie.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := userFromHeader(r)
			if userID == "" {
				var err error
				userID, err = getOrCreateAnonID(w, r, isDev)
				if err != nil {
					http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yaratul2005/OmegleXTalkNow/internal/guard"
	"github.com/yaratul2005/OmegleXTalkNow/pkg/config"
)

// NewAdmission gates every request through the rate guard: blocked clients
// are rejected outright; the sliding-window limit depends on the traffic
// class the path belongs to. Health checks bypass admission entirely.
func NewAdmission(logger *slog.Logger, g *guard.Guard, limits config.RateLimitConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/" || r.URL.Path == "/api/health" {
				next.ServeHTTP(w, r)
				return
			}

			clientID := g.Identify(r)
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				reqMeta.ClientID = clientID
			}

			if g.IsBlocked(clientID) {
				reject(w, "Too many requests. Please try again later.")
				return
			}

			limit := categoryLimit(r.URL.Path, limits)
			if !g.Allow(clientID, limit.Limit, limit.Window) {
				logger.Warn("Rate limit exceeded", slog.String("clientID", clientID), slog.String("path", r.URL.Path))
				reject(w, "Rate limit exceeded. Please slow down.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func categoryLimit(path string, limits config.RateLimitConfig) config.CategoryLimit {
	switch {
	case strings.Contains(path, "/auth/"):
		return limits.Auth
	case strings.Contains(path, "/chat/"), strings.HasPrefix(path, "/ws"):
		return limits.Chat
	case strings.Contains(path, "/admin/"):
		return limits.Admin
	default:
		return limits.Default
	}
}

func reject(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

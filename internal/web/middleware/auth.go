package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/JonMunkholm/catalogimport/internal/config"
)

// APIKeyAuth checks the X-API-Key header against the configured keys when
// cfg.RequireAPIKey is set.
func APIKeyAuth(cfg config.SecurityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.RequireAPIKey {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			switch {
			case key == "":
				slog.Warn("auth: missing API key", "path", r.URL.Path, "ip", ClientIP(r))
				deny(w, http.StatusUnauthorized, "missing API key", "AUTH001")
			case !validKey(key, cfg.APIKeys):
				slog.Warn("auth: invalid API key", "path", r.URL.Path, "ip", ClientIP(r))
				deny(w, http.StatusForbidden, "invalid API key", "AUTH002")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// validKey compares against every key in constant time.
func validKey(key string, keys []string) bool {
	valid := 0
	for _, k := range keys {
		valid |= subtle.ConstantTimeCompare([]byte(key), []byte(k))
	}
	return valid == 1
}

func deny(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

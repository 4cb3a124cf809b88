package myMiddleware

import (
	"context"
	"net/http"
	"strings"

	"go-signal/internal/protocol"
)

type contextKey string

const UserKey contextKey = "user_id"

// Identity reads the caller's user id for REST endpoints. Identities are
// self-declared, the same as on the websocket register message.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))

		// Fallback: Check Query Param
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
		}

		if userID == "" {
			http.Error(w, "missing user id", http.StatusBadRequest)
			return
		}
		if err := protocol.CheckUserID(userID); err != nil {
			http.Error(w, "invalid user id", http.StatusBadRequest)
			return
		}

		ctx := context.WithValue(r.Context(), UserKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFrom returns the identity stored by Identity.
func UserFrom(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(UserKey).(string)
	return u, ok && u != ""
}

// APIKey guards routes with a static bearer token. An empty key disables the
// check.
func APIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ""
			parts := strings.Split(r.Header.Get("Authorization"), " ")
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				token = parts[1]
			}
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token != key {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"
)

// TokenValidator is what the middleware needs from the session system.
type TokenValidator interface {
	Validate(tokenString string) (int, string, error)
}

type Middleware struct {
	validator TokenValidator
}

func NewMiddleware(v TokenValidator) *Middleware {
	return &Middleware{validator: v}
}

// Handle authenticates the request and injects the user identity into
// the context. Tokens arrive as a bearer header or, for websocket
// upgrades where headers are awkward, a query parameter.
func (m *Middleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 {
				tokenString = parts[1]
			}
		}
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		userID, username, err := m.validator.Validate(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserKey, userID)
		ctx = context.WithValue(ctx, UsernameKey, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFromContext extracts the authenticated identity set by Handle.
func UserFromContext(ctx context.Context) (userID int, username string, ok bool) {
	userID, ok = ctx.Value(UserKey).(int)
	if !ok {
		return 0, "", false
	}
	username, _ = ctx.Value(UsernameKey).(string)
	return userID, username, true
}

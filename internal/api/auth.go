package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/kalambet/carllm/internal/storage"
)

// UserResolver maps an API token to its user.
type UserResolver interface {
	UserByToken(ctx context.Context, token string) (storage.User, error)
}

type uidKey struct{}

// Authenticate resolves "Authorization: Bearer <token>" to a user id and
// stores it on the request context. Requests without a valid token are
// rejected before reaching the handler.
func Authenticate(users UserResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				httpError(w, http.StatusUnauthorized, "unauthenticated", "invalid or missing bearer token")
				return
			}
			u, err := users.UserByToken(r.Context(), strings.TrimSpace(auth[len(prefix):]))
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusUnauthorized, "unauthenticated", "invalid or missing bearer token")
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "internal", "resolving token: %v", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), u.ID)))
		})
	}
}

// WithUserID returns a context carrying the authenticated user id.
func WithUserID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, uidKey{}, uid)
}

// UserID returns the authenticated user id, or "" when there is none.
func UserID(ctx context.Context) string {
	uid, _ := ctx.Value(uidKey{}).(string)
	return uid
}

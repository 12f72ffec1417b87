package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/kiranshivaraju/jobcore/internal/api/response"
	"github.com/kiranshivaraju/jobcore/internal/config"
	"github.com/kiranshivaraju/jobcore/internal/store"
	"github.com/kiranshivaraju/jobcore/internal/taxonomy"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefixLen is the number of leading key characters stored in clear for lookup.
const KeyPrefixLen = 8

// Auth provides authentication and admin-checking middleware.
type Auth struct {
	store store.Store
	admin config.AdminConfig
}

// NewAuth creates a new Auth middleware.
func NewAuth(s store.Store, admin config.AdminConfig) *Auth {
	return &Auth{store: s, admin: admin}
}

// Authenticate validates the Bearer token, looks up the API key, and sets
// owner_id, key_prefix, and scopes in the request context.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if len(rawKey) < KeyPrefixLen {
			response.Error(w, taxonomy.NewFor(r.Context(), taxonomy.Unauthenticated))
			return
		}
		prefix := rawKey[:KeyPrefixLen]

		keys, err := a.store.GetAPIKeyByPrefix(r.Context(), prefix)
		if err != nil {
			slog.Error("api key lookup failed", "key_prefix", prefix, "error", err)
			response.Error(w, taxonomy.NewFor(r.Context(), taxonomy.ServiceDegraded))
			return
		}

		for _, key := range keys {
			if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) != nil {
				continue
			}
			ctx := r.Context()
			ctx = SetOwnerID(ctx, key.OwnerID)
			ctx = setKeyPrefix(ctx, prefix)
			ctx = setScopes(ctx, key.Scopes)

			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := a.store.UpdateAPIKeyLastUsed(ctx, key.ID); err != nil {
					slog.Debug("api key last_used update failed", "key_id", key.ID, "error", err)
				}
			}()
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		response.Error(w, taxonomy.NewFor(r.Context(), taxonomy.Unauthenticated))
	})
}

// RequireAdmin lets through owners in the configured admin set and keys carrying
// the admin scope.
func (a *Auth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, _ := GetOwnerID(r)
		if a.admin.IsAdmin(owner) || slices.Contains(getScopes(r), "admin") {
			next.ServeHTTP(w, r)
			return
		}
		response.Error(w, taxonomy.NewFor(r.Context(), taxonomy.ForbiddenScope))
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

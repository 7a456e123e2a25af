package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sofvo/sofvo/internal/crypto"
	"github.com/sofvo/sofvo/internal/models"
	"github.com/sofvo/sofvo/internal/store"
)

type contextKey string

const ProfileContextKey contextKey = "profile"

// AuthMiddleware verifies bearer tokens on authenticated endpoints.
type AuthMiddleware struct {
	tokens *crypto.TokenIssuer
	store  store.DataStore
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(tokens *crypto.TokenIssuer, ds store.DataStore) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens, store: ds}
}

// RequireAuth middleware resolves the caller's profile from a JWT.
// GET requests may pass the token as ?token= because EventSource cannot set headers.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" && r.Method == http.MethodGet {
			raw = r.URL.Query().Get("token")
		}
		if raw == "" {
			jsonError(w, http.StatusUnauthorized, "missing bearer token", "unauthorized")
			return
		}

		userID, _, err := m.tokens.Verify(raw)
		if err != nil {
			if errors.Is(err, crypto.ErrTokenExpired) {
				jsonError(w, http.StatusUnauthorized, "token expired", "token_expired")
				return
			}
			jsonError(w, http.StatusUnauthorized, "invalid token", "unauthorized")
			return
		}

		profile, err := m.store.GetProfileByID(r.Context(), userID)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, "database error", "internal")
			return
		}
		if profile == nil {
			jsonError(w, http.StatusUnauthorized, "profile not found", "unauthorized")
			return
		}

		// Add profile to context
		ctx := context.WithValue(r.Context(), ProfileContextKey, profile)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func jsonError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}

// GetProfileFromContext retrieves the authenticated profile from the request context.
func GetProfileFromContext(ctx context.Context) *models.Profile {
	profile, ok := ctx.Value(ProfileContextKey).(*models.Profile)
	if !ok {
		return nil
	}
	return profile
}

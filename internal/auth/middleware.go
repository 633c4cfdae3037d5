package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/BradenHooton/bastion/internal/models"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// AccountContextKey is the key for storing token claims in context
	AccountContextKey contextKey = "account"
)

// AccountFetcher loads the current account record for role checks
type AccountFetcher interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
}

// AuthMiddleware validates JWT tokens and injects account claims into context
func AuthMiddleware(tm *TokenManager) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := tm.ValidateToken(parts[1])
			if err != nil {
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), AccountContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole enforces that the caller currently holds one of roles.
// Roles are re-read from the account store so a demotion takes effect
// before the token expires.
func RequireRole(accounts AccountFetcher, roles ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaimsFromContext(r)
			if claims == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			account, err := accounts.GetByID(r.Context(), claims.AccountID)
			if err != nil {
				if errors.Is(err, models.ErrNotFound) {
					http.Error(w, "account not found", http.StatusUnauthorized)
					return
				}
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}

			if !account.HasAnyRole(roles) {
				http.Error(w, "forbidden: insufficient permissions", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetClaimsFromContext extracts account claims from request context
func GetClaimsFromContext(r *http.Request) *models.TokenClaims {
	claims, ok := r.Context().Value(AccountContextKey).(*models.TokenClaims)
	if !ok {
		return nil
	}
	return claims
}

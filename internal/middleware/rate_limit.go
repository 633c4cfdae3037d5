package middleware

import (
	"net/http"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/go-chi/httprate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int
	IPConfig          *pkghttp.IPConfig
}

// DefaultAuthRateLimit returns the default limit for the login endpoints
// (20 requests per minute). It sits in front of the lockout policy and only
// bounds request volume; it does not count failures.
func DefaultAuthRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 20,
	}
}

// RateLimitByIP creates a middleware that rate limits requests by client IP.
// The client IP is resolved the same way the lockout policy resolves it, so
// forwarded headers are only honoured from trusted proxies.
func RateLimitByIP(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		1*time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return pkghttp.ExtractClientIP(r, config.IPConfig), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteTooManyRequests(w, "Too many requests")
		}),
	)
}

// DefaultCodeRateLimit returns the limit for account routes that check a
// verification code (5 requests per minute per account)
func DefaultCodeRateLimit() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 5,
	}
}

// RateLimitByAccount limits requests per authenticated account, so a stolen
// access token cannot be used to guess codes from many addresses. It must run
// after the auth middleware; requests without claims fall back to the
// client IP.
func RateLimitByAccount(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		1*time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if claims := auth.GetClaimsFromContext(r); claims != nil {
				return "account:" + claims.AccountID, nil
			}
			return "ip:" + pkghttp.ExtractClientIP(r, config.IPConfig), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteTooManyRequests(w, "Too many verification attempts")
		}),
	)
}

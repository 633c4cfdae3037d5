package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
)

// AddressGate is the lockout gate as seen by the request path
type AddressGate interface {
	Gate(ctx context.Context, address string) (models.GateDecision, error)
}

// SiteWideBlock refuses every request from a locked or denylisted address
// with a bare 403 whenever blocking is silent. With message blocking the
// site_wide_block setting opts in to the same behaviour; otherwise requests
// pass through and only the login endpoints consult the gate.
// Errors reading the gate or the settings are treated as a block.
func SiteWideBlock(gate AddressGate, settings services.SettingsProvider, ipConfig *pkghttp.IPConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			current, err := settings.Current(r.Context())
			if err != nil {
				logger.Error("address gate could not load settings", slog.Any("error", err))
				pkghttp.WriteBareForbidden(w)
				return
			}
			if !current.SiteWideBlock && !current.SilentBlock() {
				next.ServeHTTP(w, r)
				return
			}

			address := pkghttp.ExtractClientIP(r, ipConfig)
			decision, err := gate.Gate(r.Context(), address)
			if err != nil {
				logger.Error("address gate failed",
					slog.String("address", address),
					slog.Any("error", err))
				pkghttp.WriteBareForbidden(w)
				return
			}
			if !decision.Allowed() {
				logger.Warn("request refused by site-wide block",
					slog.String("address", address),
					slog.String("verdict", decision.Verdict.String()),
					slog.String("path", r.URL.Path))
				pkghttp.WriteBareForbidden(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

package routes

import (
	"log/slog"
	"net/http"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/handlers"
	"github.com/BradenHooton/bastion/internal/middleware"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/go-chi/chi/v5"
)

// Dependencies are the handlers and collaborators the route table needs
type Dependencies struct {
	AuthHandler      *handlers.AuthHandler
	TwoFactorHandler *handlers.TwoFactorHandler
	AdminHandler     *handlers.AdminHandler
	Health           http.HandlerFunc

	TokenManager *auth.TokenManager
	Accounts     auth.AccountFetcher
	Gate         middleware.AddressGate
	Settings     services.SettingsProvider
	IPConfig     *pkghttp.IPConfig
	RateLimit    middleware.RateLimitConfig
	// CodeRateLimit defaults to middleware.DefaultCodeRateLimit
	CodeRateLimit middleware.RateLimitConfig
	Logger        *slog.Logger
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, deps Dependencies) {
	if deps.CodeRateLimit.RequestsPerMinute <= 0 {
		deps.CodeRateLimit = middleware.DefaultCodeRateLimit()
		deps.CodeRateLimit.IPConfig = deps.IPConfig
	}

	router.Get("/health", deps.Health)

	// Everything but the health probe sits behind the site-wide block
	router.Group(func(r chi.Router) {
		r.Use(middleware.SiteWideBlock(deps.Gate, deps.Settings, deps.IPConfig, deps.Logger))

		// Public routes - the lockout policy does the real work, the
		// rate limit only caps request volume per client
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimitByIP(deps.RateLimit))
			r.Post("/auth/login", deps.AuthHandler.Login)
			r.Post("/auth/login/2fa", deps.AuthHandler.LoginTwoFactor)
		})

		// Protected routes - authentication required
		r.Group(func(r chi.Router) {
			r.Use(auth.AuthMiddleware(deps.TokenManager))

			r.Route("/account/2fa", func(r chi.Router) {
				r.Get("/", deps.TwoFactorHandler.Status)
				r.Post("/setup", deps.TwoFactorHandler.Setup)

				// code checks outside the login pipeline are not seen by
				// the lockout ledger
				r.Group(func(r chi.Router) {
					r.Use(middleware.RateLimitByAccount(deps.CodeRateLimit))
					r.Post("/enable", deps.TwoFactorHandler.Enable)
					r.Post("/disable", deps.TwoFactorHandler.Disable)
					r.Post("/backup-codes", deps.TwoFactorHandler.RegenerateBackupCodes)
				})
			})

			// Admin-only routes
			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireRole(deps.Accounts, models.RoleAdministrator))

				r.Get("/attempts", deps.AdminHandler.ListAttempts)
				r.Get("/attempts/{address}", deps.AdminHandler.GetAttempt)
				r.Delete("/attempts/{address}", deps.AdminHandler.ResetAttempts)

				r.Get("/allowlist", deps.AdminHandler.ListAddresses(models.ListAllow))
				r.Post("/allowlist", deps.AdminHandler.AddAddress(models.ListAllow))
				r.Get("/denylist", deps.AdminHandler.ListAddresses(models.ListDeny))
				r.Post("/denylist", deps.AdminHandler.AddAddress(models.ListDeny))
				r.Delete("/{list:allowlist|denylist}/{address}", deps.AdminHandler.RemoveAddress)

				r.Get("/history", deps.AdminHandler.History)
				r.Post("/sweep", deps.AdminHandler.Sweep)
				r.Get("/settings", deps.AdminHandler.GetSettings)
				r.Put("/settings", deps.AdminHandler.UpdateSettings)
			})
		})
	})
}

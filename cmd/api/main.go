package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/background"
	"github.com/BradenHooton/bastion/internal/config"
	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/handlers"
	middlewareCustom "github.com/BradenHooton/bastion/internal/middleware"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/repositories"
	"github.com/BradenHooton/bastion/internal/routes"
	"github.com/BradenHooton/bastion/internal/services"
	"github.com/BradenHooton/bastion/internal/storage/boltstore"
	pkgauth "github.com/BradenHooton/bastion/pkg/auth"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
	"github.com/awnumar/memguard"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", slog.Any("error", err))
		memguard.SafeExit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	migrateCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	err = db.Migrate(migrateCtx)
	cancel()
	if err != nil {
		return err
	}

	// Initialize repositories
	accountRepo := repositories.NewAccountRepository(db)
	attributeRepo := repositories.NewAttributeRepository(db)
	settingsRepo := repositories.NewSettingsRepository(db)
	attemptRepo := repositories.NewLoginAttemptRepository(db)
	listRepo := repositories.NewAddressListRepository(db)
	historyRepo := repositories.NewLoginHistoryRepository(db)

	var sessions services.ChallengeSessionStore
	switch cfg.Storage.ChallengeStore {
	case config.ChallengeStoreBolt:
		store, err := boltstore.Open(cfg.Storage.BoltPath)
		if err != nil {
			return err
		}
		defer store.Close()
		sessions = store
		logger.Info("challenge sessions stored in bolt", slog.String("path", cfg.Storage.BoltPath))
	default:
		sessions = repositories.NewChallengeSessionRepository(db)
	}

	sealer, err := auth.NewSecretSealer(cfg.Auth.EncryptionKey)
	if err != nil {
		return err
	}

	// Email delivery
	var mailer services.Mailer
	if cfg.Email.FromAddress != "" {
		sesCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		mailer, err = services.NewSESMailer(sesCtx, cfg.Email.AWSRegion, cfg.Email.FromAddress, logger)
		cancel()
		if err != nil {
			return err
		}
	} else {
		logger.Warn("EMAIL_FROM_ADDRESS not set, email is written to the log instead of sent")
		mailer = services.NewLogMailer(logger)
	}

	// Security services
	settingsService := services.NewSettingsService(settingsRepo, cfg.SecurityDefaults(), logger)
	notifier := services.NewEmailLockoutNotifier(mailer, cfg.Email.AdminAddress, cfg.Email.NotifyPerMinute, cfg.Email.NotifyBurst, logger)
	lockoutService := services.NewLockoutService(attemptRepo, listRepo, historyRepo, settingsService, notifier,
		services.LockoutConfig{
			HistoryRetention: cfg.Lockout.HistoryRetention,
			StaleAfter:       cfg.Lockout.StaleAfter,
		}, logger)
	twoFactorService := services.NewTwoFactorService(accountRepo, attributeRepo, sessions, settingsService, sealer, mailer,
		services.TwoFactorConfig{
			Issuer:          cfg.TwoFactor.Issuer,
			SessionLifetime: cfg.TwoFactor.SessionLifetime,
			VerifyWindow:    cfg.TwoFactor.VerifyWindow,
		}, logger)

	pipeline := services.NewPipeline(
		services.NewPasswordAuthenticator(accountRepo).Authenticate,
		services.NewLockoutInterceptor(lockoutService, logger),
		services.NewTwoFactorInterceptor(twoFactorService, accountRepo),
	)

	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AccessTokenExpiry)
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelay: cfg.Auth.FailureDelayBase,
		Jitter:    cfg.Auth.FailureDelayJitter,
	})
	authService := services.NewAuthService(pipeline, tokenManager, timingDelay, logger, pkglogger.NewAuditLogger(logger))

	// Initialize handlers
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Auth.TrustedProxies}
	nonces := auth.NewChallengeNonces(cfg.TwoFactor.SessionLifetime)
	authHandler := handlers.NewAuthHandler(authService, settingsService, nonces, handlers.AuthHandlerConfig{
		IPConfig: ipConfig,
		Cookie: auth.CookieConfig{
			Domain:   cfg.Auth.CookieDomain,
			Secure:   cfg.Auth.CookieSecure,
			SameSite: cfg.Auth.CookieSameSite,
		},
		ChallengeLifetime: cfg.TwoFactor.SessionLifetime,
	}, logger)
	twoFactorHandler := handlers.NewTwoFactorHandler(twoFactorService, accountRepo, logger)
	adminHandler := handlers.NewAdminHandler(lockoutService, settingsService, logger)

	// Bootstrap first administrator if configured
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureAdminAccount(ctx, accountRepo, logger); err != nil {
		logger.Error("failed to ensure admin account", slog.Any("error", err))
	}
	cancel()

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.SecureLogger(logger, ipConfig))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(router, routes.Dependencies{
		AuthHandler:      authHandler,
		TwoFactorHandler: twoFactorHandler,
		AdminHandler:     adminHandler,
		Health:           handlers.Health(db),
		TokenManager:     tokenManager,
		Accounts:         accountRepo,
		Gate:             lockoutService,
		Settings:         settingsService,
		IPConfig:         ipConfig,
		RateLimit: middlewareCustom.RateLimitConfig{
			RequestsPerMinute: cfg.Auth.LoginRatePerMinute,
			IPConfig:          ipConfig,
		},
		CodeRateLimit: middlewareCustom.RateLimitConfig{
			RequestsPerMinute: cfg.Auth.CodeRatePerMinute,
			IPConfig:          ipConfig,
		},
		Logger: logger,
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start maintenance tasks
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	cleanupManager := background.NewCleanupManager(lockoutService, twoFactorService, logger, cfg.Maintenance.Interval)
	go cleanupManager.Start(bgCtx)
	go nonces.Run(bgCtx, time.Minute)

	// Start server
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return err
	}

	bgCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}

// ensureAdminAccount creates the first administrator if ADMIN_LOGIN,
// ADMIN_EMAIL and ADMIN_PASSWORD are set
func ensureAdminAccount(ctx context.Context, accounts *repositories.AccountRepository, logger *slog.Logger) error {
	login := os.Getenv("ADMIN_LOGIN")
	email := os.Getenv("ADMIN_EMAIL")
	password := os.Getenv("ADMIN_PASSWORD")

	if login == "" || email == "" || password == "" {
		logger.Info("ADMIN_LOGIN, ADMIN_EMAIL or ADMIN_PASSWORD not set, skipping admin account creation")
		return nil
	}

	// Check if admin already exists
	_, err := accounts.GetByLogin(ctx, login)
	if err == nil {
		logger.Info("admin account already exists")
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check if admin exists: %w", err)
	}

	if err := pkgauth.ValidatePassword(password); err != nil {
		return fmt.Errorf("admin password rejected: %w", err)
	}

	hashedPassword, err := pkgauth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	_, err = accounts.Create(ctx, &models.Account{
		Login:        login,
		Email:        email,
		PasswordHash: hashedPassword,
		Roles:        []string{models.RoleAdministrator},
	})
	if err != nil {
		return fmt.Errorf("failed to create admin account: %w", err)
	}

	logger.Info("admin account created", slog.String("login", login))
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

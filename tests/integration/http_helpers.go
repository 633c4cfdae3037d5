package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/handlers"
	middlewareCustom "github.com/BradenHooton/bastion/internal/middleware"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/repositories"
	"github.com/BradenHooton/bastion/internal/routes"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
)

// SentEmail represents a captured email message
type SentEmail struct {
	To      string
	Subject string
	Body    string
}

// CapturingMailer records outgoing mail instead of sending it
type CapturingMailer struct {
	mu   sync.Mutex
	sent []SentEmail
}

// Send records the message
func (m *CapturingMailer) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentEmail{To: to, Subject: subject, Body: body})
	return nil
}

// Last returns the most recent message, or nil
func (m *CapturingMailer) Last() *SentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sent) == 0 {
		return nil
	}
	msg := m.sent[len(m.sent)-1]
	return &msg
}

// Count returns the number of messages sent so far
func (m *CapturingMailer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// TestServer is the full HTTP stack over a real database with mail captured
type TestServer struct {
	Server   *httptest.Server
	Client   *http.Client
	DB       *database.DB
	Mailer   *CapturingMailer
	Settings *services.SettingsService
	Lockout  *services.LockoutService
	Attrs    *repositories.AttributeRepository
	Tokens   *auth.TokenManager

	cancel context.CancelFunc
}

// NewTestServer wires every service the way cmd/api does, with challenge
// sessions in postgres and a fast failure delay
func NewTestServer(db *database.DB) (*TestServer, error) {
	logger := QuietLogger()

	accountRepo := repositories.NewAccountRepository(db)
	attributeRepo := repositories.NewAttributeRepository(db)
	settingsRepo := repositories.NewSettingsRepository(db)
	attemptRepo := repositories.NewLoginAttemptRepository(db)
	listRepo := repositories.NewAddressListRepository(db)
	historyRepo := repositories.NewLoginHistoryRepository(db)
	sessionRepo := repositories.NewChallengeSessionRepository(db)

	key := bytes.Repeat([]byte{0x42}, 32)
	sealer, err := auth.NewSecretSealer(key)
	if err != nil {
		return nil, err
	}

	mailer := &CapturingMailer{}
	settingsService := services.NewSettingsService(settingsRepo, models.DefaultSecuritySettings(), logger)
	notifier := services.NewEmailLockoutNotifier(mailer, "", 60, 10, logger)
	lockoutService := services.NewLockoutService(attemptRepo, listRepo, historyRepo, settingsService, notifier,
		services.DefaultLockoutConfig(), logger)
	twoFactorService := services.NewTwoFactorService(accountRepo, attributeRepo, sessionRepo, settingsService, sealer, mailer,
		services.TwoFactorConfig{
			Issuer:          "Bastion Test",
			SessionLifetime: 15 * time.Minute,
			VerifyWindow:    1,
		}, logger)

	pipeline := services.NewPipeline(
		services.NewPasswordAuthenticator(accountRepo).Authenticate,
		services.NewLockoutInterceptor(lockoutService, logger),
		services.NewTwoFactorInterceptor(twoFactorService, accountRepo),
	)

	tokenManager := auth.NewTokenManager("integration-secret-at-least-32-characters", "bastion-test", 15*time.Minute)
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{BaseDelay: time.Millisecond})
	authService := services.NewAuthService(pipeline, tokenManager, timingDelay, logger, pkglogger.NewAuditLogger(logger))

	ipConfig := &pkghttp.IPConfig{}
	nonces := auth.NewChallengeNonces(15 * time.Minute)
	authHandler := handlers.NewAuthHandler(authService, settingsService, nonces, handlers.AuthHandlerConfig{
		IPConfig:          ipConfig,
		Cookie:            auth.CookieConfig{SameSite: "strict"},
		ChallengeLifetime: 15 * time.Minute,
	}, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: "test"}))
	r.Use(middlewareCustom.SecureLogger(logger, ipConfig))
	r.Use(chiMiddleware.Recoverer)

	routes.RegisterRoutes(r, routes.Dependencies{
		AuthHandler:      authHandler,
		TwoFactorHandler: handlers.NewTwoFactorHandler(twoFactorService, accountRepo, logger),
		AdminHandler:     handlers.NewAdminHandler(lockoutService, settingsService, logger),
		Health:           handlers.Health(db),
		TokenManager:     tokenManager,
		Accounts:         accountRepo,
		Gate:             lockoutService,
		Settings:         settingsService,
		IPConfig:         ipConfig,
		RateLimit: middlewareCustom.RateLimitConfig{
			RequestsPerMinute: 1000,
			IPConfig:          ipConfig,
		},
		Logger: logger,
	})

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	go nonces.Run(ctx, time.Minute)

	return &TestServer{
		Server:   httptest.NewServer(r),
		Client:   &http.Client{Jar: jar, Timeout: 10 * time.Second},
		DB:       db,
		Mailer:   mailer,
		Settings: settingsService,
		Lockout:  lockoutService,
		Attrs:    attributeRepo,
		Tokens:   tokenManager,
		cancel:   cancel,
	}, nil
}

// Close shuts down the test server
func (ts *TestServer) Close() {
	ts.cancel()
	ts.Server.Close()
}

// Request sends a JSON request. A non-empty accessToken is sent as a bearer
// token.
func (ts *TestServer) Request(method, path, accessToken string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, ts.Server.URL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "bastion-integration")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	return ts.Client.Do(req)
}

// ParseJSONResponse decodes the response body into target and closes it
func ParseJSONResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("failed to decode %d response: %w", resp.StatusCode, err)
	}
	return nil
}

// DrainAndClose discards the body
func DrainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
)

// AuthServiceInterface defines the interface for auth business logic
type AuthServiceInterface interface {
	Login(ctx context.Context, attempt *models.LoginAttempt) (*services.AuthResponse, error)
}

// AuthHandlerConfig holds the transport settings of the login endpoints
type AuthHandlerConfig struct {
	IPConfig          *pkghttp.IPConfig
	Cookie            auth.CookieConfig
	ChallengeLifetime time.Duration
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service  AuthServiceInterface
	settings services.SettingsProvider
	nonces   *auth.ChallengeNonces
	config   AuthHandlerConfig
	logger   *slog.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthServiceInterface, settings services.SettingsProvider, nonces *auth.ChallengeNonces, config AuthHandlerConfig, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		service:  service,
		settings: settings,
		nonces:   nonces,
		config:   config,
		logger:   logger,
	}
}

// LoginRequest represents the request body for login. Identity is the login
// name or email address.
type LoginRequest struct {
	Identity string `json:"identity" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=1024"`
}

// LoginTwoFactorRequest represents the second request of a challenged login.
// The challenge token falls back to the challenge cookie.
type LoginTwoFactorRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"max=128"`
	Code           string `json:"code" validate:"required,max=64"`
	Nonce          string `json:"nonce" validate:"required,max=128"`
}

// ChallengeResponse tells the client to prompt for a second factor
type ChallengeResponse struct {
	Status         string `json:"status"`
	Method         string `json:"method"`
	ChallengeToken string `json:"challenge_token"`
	Nonce          string `json:"nonce"`
	Message        string `json:"message"`
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeRequest(r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	attempt := &models.LoginAttempt{
		Identity: req.Identity,
		Secret:   req.Password,
		// lets a repeated login replace this browser's previous challenge
		ChallengeToken: auth.GetChallengeCookie(r),
		ClientAddress:  pkghttp.ExtractClientIP(r, h.config.IPConfig),
		UserAgent:      r.Header.Get("User-Agent"),
	}

	h.authenticate(w, r, attempt)
}

// LoginTwoFactor handles POST /auth/login/2fa
func (h *AuthHandler) LoginTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req LoginTwoFactorRequest
	if err := decodeRequest(r, &req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	token := req.ChallengeToken
	if token == "" {
		token = auth.GetChallengeCookie(r)
	}
	if token == "" {
		h.writeLoginError(w, r, "", models.ErrChallengeExpired)
		return
	}
	if !h.nonces.Valid(token, req.Nonce) {
		pkghttp.WriteForbidden(w, "Invalid or expired challenge")
		return
	}

	attempt := &models.LoginAttempt{
		Factor:         req.Code,
		ChallengeToken: token,
		ClientAddress:  pkghttp.ExtractClientIP(r, h.config.IPConfig),
		UserAgent:      r.Header.Get("User-Agent"),
	}

	h.authenticate(w, r, attempt)
}

func (h *AuthHandler) authenticate(w http.ResponseWriter, r *http.Request, attempt *models.LoginAttempt) {
	resp, err := h.service.Login(r.Context(), attempt)
	if err != nil {
		var pending *models.ChallengePendingError
		if errors.As(err, &pending) {
			h.writeChallenge(w, pending)
			return
		}
		h.writeLoginError(w, r, attempt.ChallengeToken, err)
		return
	}

	if attempt.ChallengeToken != "" {
		h.nonces.Revoke(attempt.ChallengeToken)
		auth.ClearChallengeCookie(w, h.config.Cookie)
	}
	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

func (h *AuthHandler) writeChallenge(w http.ResponseWriter, pending *models.ChallengePendingError) {
	nonce, err := h.nonces.Issue(pending.SessionToken)
	if err != nil {
		h.logger.Error("failed to issue challenge nonce", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	auth.SetChallengeCookie(w, pending.SessionToken, h.config.ChallengeLifetime, h.config.Cookie)

	message := "Enter the code from your authenticator app."
	if pending.Method == models.TwoFactorMethodEmail {
		message = "Enter the verification code sent to your email address."
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, ChallengeResponse{
		Status:         "two_factor_required",
		Method:         pending.Method,
		ChallengeToken: pending.SessionToken,
		Nonce:          nonce,
		Message:        message,
	})
}

// writeLoginError is the single place login failures become HTTP responses.
// Nothing here reveals whether the account exists or which factor failed.
func (h *AuthHandler) writeLoginError(w http.ResponseWriter, r *http.Request, token string, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidCredentials):
		pkghttp.WriteUnauthorized(w, "Authentication failed")

	case errors.Is(err, models.ErrInvalidFactor):
		pkghttp.WriteUnauthorized(w, "Invalid verification code")

	case errors.Is(err, models.ErrChallengeExpired):
		if token != "" {
			h.nonces.Revoke(token)
		}
		auth.ClearChallengeCookie(w, h.config.Cookie)
		pkghttp.WriteUnauthorized(w, "Verification expired. Please sign in again.")

	case errors.Is(err, models.ErrTemporarilyLocked):
		if h.silentBlock(r.Context()) {
			pkghttp.WriteBareForbidden(w)
			return
		}
		var locked *models.TemporarilyLockedError
		retryAfter := time.Minute
		if errors.As(err, &locked) {
			retryAfter = locked.RetryAfter
		}
		pkghttp.WriteLocked(w, retryAfter, lockedMessage(retryAfter))

	case errors.Is(err, models.ErrPermanentlyBlocked):
		if h.silentBlock(r.Context()) {
			pkghttp.WriteBareForbidden(w)
			return
		}
		pkghttp.WriteForbidden(w, "Access denied")

	default:
		h.logger.Error("login failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}

// silentBlock fails closed: if settings cannot be read the denial is bare
func (h *AuthHandler) silentBlock(ctx context.Context) bool {
	settings, err := h.settings.Current(ctx)
	if err != nil {
		h.logger.Error("failed to load security settings", slog.Any("error", err))
		return true
	}
	return settings.SilentBlock()
}

func lockedMessage(retryAfter time.Duration) string {
	minutes := int(math.Ceil(retryAfter.Minutes()))
	if minutes <= 1 {
		return "Too many failed login attempts. Please try again in 1 minute."
	}
	return fmt.Sprintf("Too many failed login attempts. Please try again in %d minutes.", minutes)
}

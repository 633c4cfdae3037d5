package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
)

// Authenticator runs a login attempt through the authentication pipeline
type Authenticator interface {
	Authenticate(ctx context.Context, attempt *models.LoginAttempt) (*models.Account, error)
}

// AuthService handles authentication business logic
type AuthService struct {
	pipeline    Authenticator
	tm          *auth.TokenManager
	timing      *auth.TimingDelay
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

// NewAuthService creates a new AuthService
func NewAuthService(pipeline Authenticator, tm *auth.TokenManager, timing *auth.TimingDelay, logger *slog.Logger, auditLogger *pkglogger.AuditLogger) *AuthService {
	return &AuthService{
		pipeline:    pipeline,
		tm:          tm,
		timing:      timing,
		logger:      logger,
		auditLogger: auditLogger,
	}
}

// AccountResponse represents an account in the HTTP response
type AccountResponse struct {
	ID    string   `json:"id"`
	Login string   `json:"login"`
	Email string   `json:"email"`
	Roles []string `json:"roles"`
}

// AuthResponse represents the response from a completed login
type AuthResponse struct {
	AccessToken string           `json:"access_token"`
	TokenType   string           `json:"token_type"`
	ExpiresIn   int              `json:"expires_in"`
	Account     *AccountResponse `json:"account"`
}

// Login runs the attempt through the pipeline and issues an access token on
// success. A *models.ChallengePendingError means a second factor is needed.
func (s *AuthService) Login(ctx context.Context, attempt *models.LoginAttempt) (*AuthResponse, error) {
	start := time.Now()
	attempt.Identity = strings.TrimSpace(attempt.Identity)

	account, err := s.pipeline.Authenticate(ctx, attempt)
	if err != nil {
		s.logOutcome(ctx, attempt, err)
		if !errors.Is(err, models.ErrChallengePending) {
			s.timing.WaitFrom(ctx, start, false)
		}
		return nil, err
	}

	accessToken, err := s.tm.GenerateAccessToken(account)
	if err != nil {
		s.logger.Error("failed to generate access token", slog.String("account_id", account.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("account logged in", slog.String("account_id", account.ID))
	s.auditLogger.LogAuthAttempt(ctx, pkglogger.AuditEvent{
		EventType: "login_success",
		AccountID: account.ID,
		Identity:  attempt.Identity,
		Address:   attempt.ClientAddress,
		UserAgent: attempt.UserAgent,
		Success:   true,
	})

	return &AuthResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.tm.AccessTokenExpiry().Seconds()),
		Account: &AccountResponse{
			ID:    account.ID,
			Login: account.Login,
			Email: account.Email,
			Roles: account.Roles,
		},
	}, nil
}

func (s *AuthService) logOutcome(ctx context.Context, attempt *models.LoginAttempt, err error) {
	var pending *models.ChallengePendingError
	if errors.As(err, &pending) {
		s.logger.Info("login awaiting second factor",
			slog.String("account_id", pending.AccountID),
			slog.String("method", pending.Method))
		return
	}

	reason := ""
	switch {
	case errors.Is(err, models.ErrInvalidCredentials):
		reason = "invalid_credentials"
	case errors.Is(err, models.ErrInvalidFactor):
		reason = "invalid_factor"
	case errors.Is(err, models.ErrChallengeExpired):
		reason = "challenge_expired"
	case errors.Is(err, models.ErrTemporarilyLocked):
		reason = "temporarily_locked"
	case errors.Is(err, models.ErrPermanentlyBlocked):
		reason = "permanently_blocked"
	default:
		s.logger.Error("login failed with internal error", slog.Any("error", err))
		return
	}

	s.auditLogger.LogAuthAttempt(ctx, pkglogger.AuditEvent{
		EventType:     "login_failed",
		Identity:      attempt.Identity,
		Address:       attempt.ClientAddress,
		UserAgent:     attempt.UserAgent,
		Success:       false,
		FailureReason: reason,
	})
}

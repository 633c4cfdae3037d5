package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/BradenHooton/bastion/internal/models"
	pkgauth "github.com/BradenHooton/bastion/pkg/auth"
)

// AuthenticateFunc checks a login attempt and returns the authenticated account
type AuthenticateFunc func(ctx context.Context, attempt *models.LoginAttempt) (*models.Account, error)

// Interceptor wraps the authentication chain. Lower priorities run first.
type Interceptor interface {
	Priority() int
	Intercept(ctx context.Context, attempt *models.LoginAttempt, next AuthenticateFunc) (*models.Account, error)
}

// Interceptor priorities
const (
	PriorityLockout   = 10
	PriorityTwoFactor = 20
)

// Pipeline runs a primary credential check through an ordered chain of
// interceptors
type Pipeline struct {
	primary      AuthenticateFunc
	interceptors []Interceptor
}

// NewPipeline creates a pipeline around primary. Interceptors with equal
// priority keep their registration order.
func NewPipeline(primary AuthenticateFunc, interceptors ...Interceptor) *Pipeline {
	sorted := append([]Interceptor(nil), interceptors...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &Pipeline{primary: primary, interceptors: sorted}
}

// Authenticate runs the attempt through every interceptor and the primary check
func (p *Pipeline) Authenticate(ctx context.Context, attempt *models.LoginAttempt) (*models.Account, error) {
	next := p.primary
	for i := len(p.interceptors) - 1; i >= 0; i-- {
		interceptor, inner := p.interceptors[i], next
		next = func(ctx context.Context, attempt *models.LoginAttempt) (*models.Account, error) {
			return interceptor.Intercept(ctx, attempt, inner)
		}
	}
	return next(ctx, attempt)
}

// LockoutGate is the part of the lockout policy the pipeline consults
type LockoutGate interface {
	Gate(ctx context.Context, address string) (models.GateDecision, error)
	RecordFailure(ctx context.Context, address, identity, userAgent string) error
	RecordSuccess(ctx context.Context, address, identity, userAgent string) error
}

// LockoutInterceptor refuses attempts from locked or denied addresses before
// any credential is checked, and feeds outcomes back into the ledger
type LockoutInterceptor struct {
	lockout LockoutGate
	logger  *slog.Logger
}

// NewLockoutInterceptor creates a new LockoutInterceptor
func NewLockoutInterceptor(lockout LockoutGate, logger *slog.Logger) *LockoutInterceptor {
	return &LockoutInterceptor{lockout: lockout, logger: logger}
}

// Priority places the gate outermost
func (i *LockoutInterceptor) Priority() int { return PriorityLockout }

// Intercept implements Interceptor
func (i *LockoutInterceptor) Intercept(ctx context.Context, attempt *models.LoginAttempt, next AuthenticateFunc) (*models.Account, error) {
	decision, err := i.lockout.Gate(ctx, attempt.ClientAddress)
	if err != nil {
		return nil, fmt.Errorf("lockout gate failed: %w", err)
	}
	if !decision.Allowed() {
		i.logger.Warn("login refused by lockout gate",
			slog.String("address", attempt.ClientAddress),
			slog.String("verdict", decision.Verdict.String()))
		return nil, decision.Err()
	}

	account, err := next(ctx, attempt)
	switch {
	case err == nil:
		if rerr := i.lockout.RecordSuccess(ctx, attempt.ClientAddress, attempt.Identity, attempt.UserAgent); rerr != nil {
			i.logger.Error("failed to record login success",
				slog.String("address", attempt.ClientAddress),
				slog.Any("error", rerr))
		}
		return account, nil

	case errors.Is(err, models.ErrInvalidCredentials), errors.Is(err, models.ErrInvalidFactor):
		if rerr := i.lockout.RecordFailure(ctx, attempt.ClientAddress, attempt.Identity, attempt.UserAgent); rerr != nil {
			i.logger.Error("failed to record login failure",
				slog.String("address", attempt.ClientAddress),
				slog.Any("error", rerr))
		}
		return nil, err

	default:
		// pending challenges and infrastructure errors are not failures
		return nil, err
	}
}

// TwoFactorStep is the part of the two-factor service the pipeline uses
type TwoFactorStep interface {
	PendingAccountID(ctx context.Context, token string) (string, bool, error)
	AuthenticateStep(ctx context.Context, account *models.Account, factor, sessionToken string) (*models.Account, error)
	ResumeStep(ctx context.Context, account *models.Account, factor, sessionToken string) (*models.Account, error)
}

// TwoFactorInterceptor turns a successful primary check into a second-factor
// challenge, and resumes a pending challenge without the password
type TwoFactorInterceptor struct {
	twoFactor TwoFactorStep
	accounts  AccountRepository
}

// NewTwoFactorInterceptor creates a new TwoFactorInterceptor
func NewTwoFactorInterceptor(twoFactor TwoFactorStep, accounts AccountRepository) *TwoFactorInterceptor {
	return &TwoFactorInterceptor{twoFactor: twoFactor, accounts: accounts}
}

// Priority places the second factor inside the lockout gate
func (i *TwoFactorInterceptor) Priority() int { return PriorityTwoFactor }

// Intercept implements Interceptor
func (i *TwoFactorInterceptor) Intercept(ctx context.Context, attempt *models.LoginAttempt, next AuthenticateFunc) (*models.Account, error) {
	if attempt.ChallengeToken != "" && attempt.Factor != "" {
		accountID, pending, err := i.twoFactor.PendingAccountID(ctx, attempt.ChallengeToken)
		if err != nil {
			return nil, err
		}
		if pending {
			account, err := i.accounts.GetByID(ctx, accountID)
			if err != nil {
				return nil, fmt.Errorf("failed to load challenged account: %w", err)
			}
			attempt.Identity = account.Login
			return i.twoFactor.ResumeStep(ctx, account, attempt.Factor, attempt.ChallengeToken)
		}
		if attempt.Secret == "" {
			return nil, models.ErrChallengeExpired
		}
	}

	account, err := next(ctx, attempt)
	if err != nil {
		return nil, err
	}
	return i.twoFactor.AuthenticateStep(ctx, account, attempt.Factor, attempt.ChallengeToken)
}

// PasswordAuthenticator is the host's primary credential check
type PasswordAuthenticator struct {
	accounts AccountRepository
}

// NewPasswordAuthenticator creates a new PasswordAuthenticator
func NewPasswordAuthenticator(accounts AccountRepository) *PasswordAuthenticator {
	return &PasswordAuthenticator{accounts: accounts}
}

// Authenticate verifies the attempt's identity and password. Unknown
// identities and wrong passwords both yield models.ErrInvalidCredentials.
func (a *PasswordAuthenticator) Authenticate(ctx context.Context, attempt *models.LoginAttempt) (*models.Account, error) {
	if attempt.Identity == "" || attempt.Secret == "" {
		return nil, models.ErrInvalidCredentials
	}

	account, err := a.accounts.GetByLogin(ctx, attempt.Identity)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			_ = pkgauth.CompareDummy(attempt.Secret)
			return nil, models.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	if err := pkgauth.ComparePassword(account.PasswordHash, attempt.Secret); err != nil {
		return nil, models.ErrInvalidCredentials
	}
	return account, nil
}

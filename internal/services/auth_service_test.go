package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loginStack wires the real pipeline over in-memory stores
type loginStack struct {
	auth      *AuthService
	pipeline  *Pipeline
	lockout   *lockoutFixture
	twoFactor *twoFactorFixture
	accounts  *memAccounts
	tm        *auth.TokenManager
}

func newLoginStack(method string) *loginStack {
	tf := newTwoFactorFixture(method)
	lf := newLockoutFixture()
	lf.svc.now = tf.clock.Now
	lf.clock = tf.clock

	for _, a := range []*models.Account{tf.admin, tf.editor} {
		withPassword := newTestAccount(a.ID, a.Login, "correct horse", a.Roles...)
		a.PasswordHash = withPassword.PasswordHash
	}
	accounts := newMemAccounts(tf.admin, tf.editor)
	tf.svc.accounts = accounts

	pipeline := NewPipeline(
		NewPasswordAuthenticator(accounts).Authenticate,
		NewTwoFactorInterceptor(tf.svc, accounts),
		NewLockoutInterceptor(lf.svc, testLogger()),
	)
	tm := auth.NewTokenManager("test-secret-that-is-long-enough-123456", "bastion", 15*time.Minute)
	log := testLogger()

	return &loginStack{
		auth:      NewAuthService(pipeline, tm, nil, log, pkglogger.NewAuditLogger(log)),
		pipeline:  pipeline,
		lockout:   lf,
		twoFactor: tf,
		accounts:  accounts,
		tm:        tm,
	}
}

func attempt(identity, password string) *models.LoginAttempt {
	return &models.LoginAttempt{
		Identity:      identity,
		Secret:        password,
		ClientAddress: testAddr,
		UserAgent:     "Mozilla/5.0",
	}
}

func (s *loginStack) failCount(t *testing.T) int {
	t.Helper()
	rec, err := s.lockout.attempts.Get(context.Background(), testAddr)
	if errors.Is(err, models.ErrNotFound) {
		return 0
	}
	require.NoError(t, err)
	return rec.FailCount
}

// ============================================================================
// Pipeline ordering
// ============================================================================

type recordingInterceptor struct {
	name     string
	priority int
	trace    *[]string
}

func (r recordingInterceptor) Priority() int { return r.priority }

func (r recordingInterceptor) Intercept(ctx context.Context, a *models.LoginAttempt, next AuthenticateFunc) (*models.Account, error) {
	*r.trace = append(*r.trace, r.name)
	return next(ctx, a)
}

func TestPipeline_RunsInPriorityOrder(t *testing.T) {
	var trace []string
	primary := func(ctx context.Context, a *models.LoginAttempt) (*models.Account, error) {
		trace = append(trace, "primary")
		return &models.Account{ID: "x"}, nil
	}

	p := NewPipeline(primary,
		recordingInterceptor{"c", 30, &trace},
		recordingInterceptor{"a", 10, &trace},
		recordingInterceptor{"b1", 20, &trace},
		recordingInterceptor{"b2", 20, &trace},
	)

	_, err := p.Authenticate(context.Background(), &models.LoginAttempt{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b1", "b2", "c", "primary"}, trace)
}

// ============================================================================
// Primary credentials
// ============================================================================

func TestAuthService_Login_NoTwoFactor(t *testing.T) {
	s := newLoginStack(models.TwoFactorMethodAuthenticator)

	resp, err := s.auth.Login(context.Background(), attempt("editor", "correct horse"))
	require.NoError(t, err)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, 900, resp.ExpiresIn)
	assert.Equal(t, "acct-editor", resp.Account.ID)

	claims, err := s.tm.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "acct-editor", claims.AccountID)
}

func TestAuthService_Login_WrongPasswordCounted(t *testing.T) {
	s := newLoginStack(models.TwoFactorMethodAuthenticator)

	_, err := s.auth.Login(context.Background(), attempt("editor", "wrong"))
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
	assert.Equal(t, 1, s.failCount(t))

	_, err = s.auth.Login(context.Background(), attempt("nobody", "wrong"))
	assert.ErrorIs(t, err, models.ErrInvalidCredentials, "unknown accounts are indistinguishable")
	assert.Equal(t, 2, s.failCount(t))
}

func TestAuthService_Login_LockedAddressSkipsCredentialCheck(t *testing.T) {
	s := newLoginStack(models.TwoFactorMethodAuthenticator)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.auth.Login(ctx, attempt("editor", "wrong"))
		require.ErrorIs(t, err, models.ErrInvalidCredentials)
	}

	_, err := s.auth.Login(ctx, attempt("editor", "correct horse"))
	var locked *models.TemporarilyLockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 15*time.Minute, locked.RetryAfter)

	s.lockout.clock.Advance(15*time.Minute + time.Second)
	_, err = s.auth.Login(ctx, attempt("editor", "correct horse"))
	assert.NoError(t, err)
}

func TestAuthService_Login_DeniedAddress(t *testing.T) {
	s := newLoginStack(models.TwoFactorMethodAuthenticator)
	require.NoError(t, s.lockout.svc.AddToDenylist(context.Background(), testAddr, "", "admin"))

	_, err := s.auth.Login(context.Background(), attempt("editor", "correct horse"))
	assert.ErrorIs(t, err, models.ErrPermanentlyBlocked)
}

func TestAuthService_Login_SuccessForgivesFailures(t *testing.T) {
	s := newLoginStack(models.TwoFactorMethodAuthenticator)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = s.auth.Login(ctx, attempt("editor", "wrong"))
	}
	require.Equal(t, 3, s.failCount(t))

	_, err := s.auth.Login(ctx, attempt("editor", "correct horse"))
	require.NoError(t, err)
	assert.Equal(t, 0, s.failCount(t))
}

// ============================================================================
// Two-factor handshake through the pipeline
// ============================================================================

func TestAuthService_Login_ChallengeNotCountedAsFailure(t *testing.T) {
	s := newLoginStack(models.TwoFactorMethodAuthenticator)
	s.twoFactor.enable(s.twoFactor.admin.ID)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.auth.Login(ctx, attempt("admin", "correct horse"))
		require.ErrorIs(t, err, models.ErrChallengePending)
	}
	assert.Equal(t, 0, s.failCount(t))

	entries, err := s.lockout.svc.LoginHistory(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, entries, "a pending challenge is neither success nor failure")
}

func TestAuthService_Login_ResumeWithoutPassword(t *testing.T) {
	s := newLoginStack(models.TwoFactorMethodAuthenticator)
	s.twoFactor.enable(s.twoFactor.admin.ID)
	ctx := context.Background()

	_, err := s.auth.Login(ctx, attempt("admin", "correct horse"))
	var pending *models.ChallengePendingError
	require.ErrorAs(t, err, &pending)

	second := &models.LoginAttempt{
		ChallengeToken: pending.SessionToken,
		Factor:         s.twoFactor.currentCode(t),
		ClientAddress:  testAddr,
		UserAgent:      "Mozilla/5.0",
	}
	resp, err := s.auth.Login(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "acct-admin", resp.Account.ID)
	assert.Equal(t, "admin", second.Identity, "identity filled from the challenged account")

	entries, err := s.lockout.svc.LoginHistory(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "admin", entries[0].Identity)
}

func TestAuthService_Login_InvalidFactorCounted(t *testing.T) {
	s := newLoginStack(models.TwoFactorMethodAuthenticator)
	s.twoFactor.enable(s.twoFactor.admin.ID)
	ctx := context.Background()

	_, err := s.auth.Login(ctx, attempt("admin", "correct horse"))
	var pending *models.ChallengePendingError
	require.ErrorAs(t, err, &pending)

	wrong := "000000"
	if wrong == s.twoFactor.currentCode(t) {
		wrong = "111111"
	}
	_, err = s.auth.Login(ctx, &models.LoginAttempt{
		ChallengeToken: pending.SessionToken,
		Factor:         wrong,
		ClientAddress:  testAddr,
	})
	assert.ErrorIs(t, err, models.ErrInvalidFactor)
	assert.Equal(t, 1, s.failCount(t))

	rec, err := s.lockout.attempts.Get(ctx, testAddr)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AttemptedIdentities["admin"])
}

func TestAuthService_Login_FactorGuessingLocksOut(t *testing.T) {
	s := newLoginStack(models.TwoFactorMethodAuthenticator)
	s.twoFactor.enable(s.twoFactor.admin.ID)
	ctx := context.Background()

	_, err := s.auth.Login(ctx, attempt("admin", "correct horse"))
	var pending *models.ChallengePendingError
	require.ErrorAs(t, err, &pending)

	valid := s.twoFactor.currentCode(t)
	wrong := 0
	for n := 0; wrong < 5; n++ {
		guess := fmt.Sprintf("%06d", n)
		if guess == valid {
			continue
		}
		_, err := s.auth.Login(ctx, &models.LoginAttempt{ChallengeToken: pending.SessionToken, Factor: guess, ClientAddress: testAddr})
		require.ErrorIs(t, err, models.ErrInvalidFactor)
		wrong++
	}

	_, err = s.auth.Login(ctx, &models.LoginAttempt{ChallengeToken: pending.SessionToken, Factor: valid, ClientAddress: testAddr})
	assert.ErrorIs(t, err, models.ErrTemporarilyLocked)
}

func TestAuthService_Login_ExpiredChallengeWithoutPassword(t *testing.T) {
	s := newLoginStack(models.TwoFactorMethodAuthenticator)
	s.twoFactor.enable(s.twoFactor.admin.ID)

	_, err := s.auth.Login(context.Background(), &models.LoginAttempt{
		ChallengeToken: "no-such-token",
		Factor:         "123456",
		ClientAddress:  testAddr,
	})
	assert.ErrorIs(t, err, models.ErrChallengeExpired)
	assert.Equal(t, 0, s.failCount(t))
}

func TestAuthService_Login_ChallengeAfterTwoFactorDisabled(t *testing.T) {
	s := newLoginStack(models.TwoFactorMethodAuthenticator)
	s.twoFactor.enable(s.twoFactor.admin.ID)
	ctx := context.Background()

	_, err := s.auth.Login(ctx, attempt("admin", "correct horse"))
	var pending *models.ChallengePendingError
	require.ErrorAs(t, err, &pending)

	require.NoError(t, s.twoFactor.svc.Disable(ctx, s.twoFactor.admin.ID))

	resp, err := s.auth.Login(ctx, &models.LoginAttempt{
		ChallengeToken: pending.SessionToken,
		Factor:         "any-code",
		ClientAddress:  testAddr,
	})
	assert.ErrorIs(t, err, models.ErrChallengeExpired)
	assert.Nil(t, resp)

	// the password path still works once the handshake is gone
	resp, err = s.auth.Login(ctx, attempt("admin", "correct horse"))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
}

func TestAuthService_Login_EmailScenarioEndToEnd(t *testing.T) {
	s := newLoginStack(models.TwoFactorMethodEmail)
	s.twoFactor.enable(s.twoFactor.admin.ID)
	ctx := context.Background()

	_, err := s.auth.Login(ctx, attempt("admin", "correct horse"))
	var pending *models.ChallengePendingError
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, models.TwoFactorMethodEmail, pending.Method)

	profile, err := s.twoFactor.svc.LoadProfile(ctx, s.twoFactor.admin.ID)
	require.NoError(t, err)

	s.twoFactor.clock.Advance(30 * time.Second)
	resp, err := s.auth.Login(ctx, &models.LoginAttempt{
		ChallengeToken: pending.SessionToken,
		Factor:         profile.EmailCode,
		ClientAddress:  testAddr,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
}

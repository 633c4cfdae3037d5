package services

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/pkg/logger"
)

// AccountRepository is the host's account lookup
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
	GetByLogin(ctx context.Context, login string) (*models.Account, error)
}

// AttributeStore is the host's per-account attribute store
type AttributeStore interface {
	Get(ctx context.Context, accountID, key string) (string, bool, error)
	Set(ctx context.Context, accountID, key, value string) error
	Delete(ctx context.Context, accountID string, keys ...string) error
	// Update replaces the value of key with the result of fn, atomically with
	// respect to other updates of the same key. If fn returns an error nothing
	// is written and the error is returned unchanged.
	Update(ctx context.Context, accountID, key string, fn func(current string, found bool) (string, error)) error
	// GetAll returns every attribute of the account whose key is in keys
	GetAll(ctx context.Context, accountID string, keys ...string) (map[string]string, error)
}

// ChallengeSessionStore persists in-progress login handshakes
type ChallengeSessionStore interface {
	Get(ctx context.Context, token string) (*models.ChallengeSession, error)
	Save(ctx context.Context, session *models.ChallengeSession) error
	Delete(ctx context.Context, token string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteByAccount(ctx context.Context, accountID string) (int64, error)
}

// SecretCipher seals the authenticator secret at rest
type SecretCipher interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// TwoFactorConfig holds configuration for the second factor
type TwoFactorConfig struct {
	Issuer          string        // shown in authenticator apps
	SessionLifetime time.Duration // lifetime of a pending challenge
	VerifyWindow    int           // TOTP steps tolerated either side
}

// errNoMatch aborts an attribute update when a submitted factor does not match
var errNoMatch = errors.New("factor does not match")

var profileKeys = []string{
	models.AttrTwoFactorEnabled,
	models.AttrTwoFactorSecret,
	models.AttrBackupCodes,
	models.AttrEmailCode,
	models.AttrEmailCodeTime,
	models.AttrTOTPLastStep,
}

// TwoFactorService drives the second-factor challenge of a login and the
// enrollment lifecycle of an account's security profile
type TwoFactorService struct {
	accounts AccountRepository
	attrs    AttributeStore
	sessions ChallengeSessionStore
	settings SettingsProvider
	cipher   SecretCipher
	mailer   Mailer
	config   TwoFactorConfig
	logger   *slog.Logger
	audit    *logger.AuditLogger
	now      func() time.Time
}

// NewTwoFactorService creates a new TwoFactorService
func NewTwoFactorService(
	accounts AccountRepository,
	attrs AttributeStore,
	sessions ChallengeSessionStore,
	settings SettingsProvider,
	cipher SecretCipher,
	mailer Mailer,
	config TwoFactorConfig,
	log *slog.Logger,
) *TwoFactorService {
	if config.SessionLifetime <= 0 {
		config.SessionLifetime = 15 * time.Minute
	}
	return &TwoFactorService{
		accounts: accounts,
		attrs:    attrs,
		sessions: sessions,
		settings: settings,
		cipher:   cipher,
		mailer:   mailer,
		config:   config,
		logger:   log,
		audit:    logger.NewAuditLogger(log),
		now:      time.Now,
	}
}

// LoadProfile decodes the security profile attributes of an account
func (s *TwoFactorService) LoadProfile(ctx context.Context, accountID string) (*models.SecurityProfile, error) {
	raw, err := s.attrs.GetAll(ctx, accountID, profileKeys...)
	if err != nil {
		return nil, fmt.Errorf("failed to load security profile: %w", err)
	}

	profile := &models.SecurityProfile{
		AccountID:        accountID,
		TwoFactorEnabled: raw[models.AttrTwoFactorEnabled] == "1",
		EmailCode:        raw[models.AttrEmailCode],
	}

	if sealed := raw[models.AttrTwoFactorSecret]; sealed != "" {
		secret, err := s.cipher.Open(sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to open two-factor secret: %w", err)
		}
		profile.TwoFactorSecret = secret
	}

	if codes := raw[models.AttrBackupCodes]; codes != "" {
		if err := json.Unmarshal([]byte(codes), &profile.BackupCodeHashes); err != nil {
			return nil, fmt.Errorf("failed to decode backup codes: %w", err)
		}
	}

	if issued := raw[models.AttrEmailCodeTime]; issued != "" {
		if unix, err := strconv.ParseInt(issued, 10, 64); err == nil {
			profile.EmailCodeTime = time.Unix(unix, 0)
		}
	}

	if step := raw[models.AttrTOTPLastStep]; step != "" {
		if v, err := strconv.ParseUint(step, 10, 64); err == nil {
			profile.TOTPLastStep = v
		}
	}

	return profile, nil
}

// Requires reports whether account must pass a second factor to log in
func (s *TwoFactorService) Requires(ctx context.Context, account *models.Account) (bool, error) {
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return false, err
	}
	profile, err := s.LoadProfile(ctx, account.ID)
	if err != nil {
		return false, err
	}
	return models.RequiresTwoFactor(account, profile, settings), nil
}

// PendingAccountID returns the account awaiting a second factor under token
func (s *TwoFactorService) PendingAccountID(ctx context.Context, token string) (string, bool, error) {
	if token == "" {
		return "", false, nil
	}

	session, err := s.sessions.Get(ctx, token)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to load challenge session: %w", err)
	}

	if !session.Pending || session.IsExpired(s.now()) {
		return "", false, nil
	}
	return session.AccountID, true, nil
}

// AuthenticateStep runs the second-factor step for an account whose primary
// credentials have already been accepted.
//
// It returns the account when no second factor is required or the submitted
// factor is valid, a *models.ChallengePendingError when a challenge has been
// issued, and models.ErrInvalidFactor when a pending challenge was answered
// wrongly.
func (s *TwoFactorService) AuthenticateStep(ctx context.Context, account *models.Account, factor, sessionToken string) (*models.Account, error) {
	return s.step(ctx, account, factor, sessionToken, false)
}

// ResumeStep answers a pending challenge for an account whose password was
// not re-sent in this request. If the account no longer requires a second
// factor the handshake is discarded and models.ErrChallengeExpired returned,
// so the login has to start over with the password.
func (s *TwoFactorService) ResumeStep(ctx context.Context, account *models.Account, factor, sessionToken string) (*models.Account, error) {
	return s.step(ctx, account, factor, sessionToken, true)
}

func (s *TwoFactorService) step(ctx context.Context, account *models.Account, factor, sessionToken string, resume bool) (*models.Account, error) {
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return nil, err
	}

	profile, err := s.LoadProfile(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	if !models.RequiresTwoFactor(account, profile, settings) {
		if !resume {
			return account, nil
		}
		if sessionToken != "" {
			if err := s.sessions.Delete(ctx, sessionToken); err != nil && !errors.Is(err, models.ErrNotFound) {
				s.logger.Error("failed to discard stale challenge session",
					slog.String("account_id", account.ID),
					slog.Any("error", err))
			}
		}
		return nil, models.ErrChallengeExpired
	}

	now := s.now()
	var session *models.ChallengeSession
	if sessionToken != "" {
		session, err = s.sessions.Get(ctx, sessionToken)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("failed to load challenge session: %w", err)
		}
	}

	if !session.PendingFor(account.ID, now) || strings.TrimSpace(factor) == "" {
		return nil, s.issueChallenge(ctx, account, session, settings)
	}

	ok, err := s.verifyFactor(ctx, account, profile, settings.TwoFactorMethod, factor)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.audit.LogAuthAttempt(ctx, logger.AuditEvent{
			EventType:     "twofa_verify",
			AccountID:     account.ID,
			Success:       false,
			FailureReason: "invalid_factor",
		})
		return nil, models.ErrInvalidFactor
	}

	if err := s.sessions.Delete(ctx, session.Token); err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to delete challenge session",
			slog.String("account_id", account.ID),
			slog.Any("error", err))
	}
	if err := s.attrs.Delete(ctx, account.ID, models.AttrEmailCode, models.AttrEmailCodeTime); err != nil {
		s.logger.Error("failed to clear email code",
			slog.String("account_id", account.ID),
			slog.Any("error", err))
	}

	s.audit.LogAuthAttempt(ctx, logger.AuditEvent{
		EventType: "twofa_verify",
		AccountID: account.ID,
		Success:   true,
	})
	return account, nil
}

// issueChallenge starts a new handshake under a fresh token, discarding the
// account's previous one, and sends an email code when that is the
// configured method
func (s *TwoFactorService) issueChallenge(ctx context.Context, account *models.Account, previous *models.ChallengeSession, settings models.SecuritySettings) error {
	token, err := newSessionToken()
	if err != nil {
		return err
	}

	now := s.now()
	session := &models.ChallengeSession{
		Token:     token,
		AccountID: account.ID,
		Pending:   true,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.SessionLifetime),
	}
	if err := s.sessions.Save(ctx, session); err != nil {
		return fmt.Errorf("failed to save challenge session: %w", err)
	}

	if previous != nil && previous.AccountID == account.ID {
		if err := s.sessions.Delete(ctx, previous.Token); err != nil && !errors.Is(err, models.ErrNotFound) {
			s.logger.Warn("failed to discard previous challenge session", slog.Any("error", err))
		}
	}

	if settings.TwoFactorMethod == models.TwoFactorMethodEmail {
		if err := s.IssueEmailCode(ctx, account); err != nil {
			return err
		}
	}

	s.logger.Info("two-factor challenge issued",
		slog.String("account_id", account.ID),
		slog.String("method", settings.TwoFactorMethod))

	return &models.ChallengePendingError{
		AccountID:    account.ID,
		SessionToken: token,
		Method:       settings.TwoFactorMethod,
	}
}

func newSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate challenge token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// IssueEmailCode stores a fresh 6-digit code for account and mails it.
// A delivery failure is logged; the code stays issued.
func (s *TwoFactorService) IssueEmailCode(ctx context.Context, account *models.Account) error {
	code, err := auth.GenerateNumericCode(models.EmailCodeDigits)
	if err != nil {
		return err
	}

	if err := s.attrs.Set(ctx, account.ID, models.AttrEmailCode, code); err != nil {
		return fmt.Errorf("failed to store email code: %w", err)
	}
	issued := strconv.FormatInt(s.now().Unix(), 10)
	if err := s.attrs.Set(ctx, account.ID, models.AttrEmailCodeTime, issued); err != nil {
		return fmt.Errorf("failed to store email code time: %w", err)
	}

	subject, body := emailCodeMessage(code)
	if err := s.mailer.Send(ctx, account.Email, subject, body); err != nil {
		s.logger.Warn("failed to deliver email code",
			slog.String("account_id", account.ID),
			slog.String("email", logger.SanitizedEmail(account.Email)),
			slog.Any("error", err))
	}
	return nil
}

// verifyFactor tries the method factor first and then the backup codes
func (s *TwoFactorService) verifyFactor(ctx context.Context, account *models.Account, profile *models.SecurityProfile, method, factor string) (bool, error) {
	ok, err := s.verifyMethodFactor(ctx, profile, method, factor)
	if err != nil || ok {
		return ok, err
	}
	return s.ConsumeBackupCode(ctx, account.ID, factor)
}

func (s *TwoFactorService) verifyMethodFactor(ctx context.Context, profile *models.SecurityProfile, method, code string) (bool, error) {
	switch method {
	case models.TwoFactorMethodEmail:
		return s.consumeEmailCode(ctx, profile, code)
	default:
		return s.consumeTOTP(ctx, profile, code)
	}
}

// consumeEmailCode accepts the stored email code once, within its window
func (s *TwoFactorService) consumeEmailCode(ctx context.Context, profile *models.SecurityProfile, code string) (bool, error) {
	if !profile.EmailCodeValidAt(s.now()) {
		return false, nil
	}

	code = strings.TrimSpace(code)
	err := s.attrs.Update(ctx, profile.AccountID, models.AttrEmailCode, func(current string, found bool) (string, error) {
		if !found || current == "" || subtle.ConstantTimeCompare([]byte(current), []byte(code)) != 1 {
			return "", errNoMatch
		}
		return "", nil
	})
	return matchResult(err)
}

// consumeTOTP accepts a code for a time step newer than the last one used
func (s *TwoFactorService) consumeTOTP(ctx context.Context, profile *models.SecurityProfile, code string) (bool, error) {
	if profile.TwoFactorSecret == "" {
		return false, nil
	}

	step, ok := auth.MatchStep(profile.TwoFactorSecret, code, auth.TimeStep(s.now()), s.config.VerifyWindow)
	if !ok {
		return false, nil
	}

	err := s.attrs.Update(ctx, profile.AccountID, models.AttrTOTPLastStep, func(current string, found bool) (string, error) {
		if found && current != "" {
			last, err := strconv.ParseUint(current, 10, 64)
			if err == nil && step <= last {
				return "", errNoMatch
			}
		}
		return strconv.FormatUint(step, 10), nil
	})
	if errors.Is(err, errNoMatch) {
		s.logger.Warn("refused replayed TOTP code", slog.String("account_id", profile.AccountID))
	}
	return matchResult(err)
}

func matchResult(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errNoMatch):
		return false, nil
	default:
		return false, err
	}
}

// IsVerificationCodeValid checks and consumes a method factor (TOTP or email
// code) for the account using the configured method
func (s *TwoFactorService) IsVerificationCodeValid(ctx context.Context, accountID, code string) (bool, error) {
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return false, err
	}
	profile, err := s.LoadProfile(ctx, accountID)
	if err != nil {
		return false, err
	}
	return s.verifyMethodFactor(ctx, profile, settings.TwoFactorMethod, code)
}

// ConsumeBackupCode removes code from the account's backup codes if present.
// Each code is accepted at most once.
func (s *TwoFactorService) ConsumeBackupCode(ctx context.Context, accountID, code string) (bool, error) {
	if strings.TrimSpace(code) == "" {
		return false, nil
	}
	candidate := []byte(auth.HashBackupCode(code))

	err := s.attrs.Update(ctx, accountID, models.AttrBackupCodes, func(current string, found bool) (string, error) {
		if !found || current == "" {
			return "", errNoMatch
		}

		var hashes []string
		if err := json.Unmarshal([]byte(current), &hashes); err != nil {
			return "", fmt.Errorf("failed to decode backup codes: %w", err)
		}

		matched := -1
		for i, h := range hashes {
			if subtle.ConstantTimeCompare([]byte(h), candidate) == 1 && matched < 0 {
				matched = i
			}
		}
		if matched < 0 {
			return "", errNoMatch
		}

		remaining := append(hashes[:matched:matched], hashes[matched+1:]...)
		encoded, err := json.Marshal(remaining)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	})

	ok, err := matchResult(err)
	if ok {
		s.audit.LogTwoFactor(ctx, "backup_code_used", accountID, nil)
	}
	return ok, err
}

// GenerateBackupCodes replaces the account's backup codes with a new set and
// returns the plaintext codes. Only hashes are stored.
func (s *TwoFactorService) GenerateBackupCodes(ctx context.Context, accountID string) ([]string, error) {
	codes, err := auth.GenerateBackupCodes(models.BackupCodeCount, models.BackupCodeLength)
	if err != nil {
		return nil, err
	}

	hashes := make([]string, len(codes))
	for i, code := range codes {
		hashes[i] = auth.HashBackupCode(code)
	}
	encoded, err := json.Marshal(hashes)
	if err != nil {
		return nil, err
	}

	if err := s.attrs.Set(ctx, accountID, models.AttrBackupCodes, string(encoded)); err != nil {
		return nil, fmt.Errorf("failed to store backup codes: %w", err)
	}

	s.audit.LogTwoFactor(ctx, "backup_codes_generated", accountID, nil)
	return codes, nil
}

// Status summarizes the account's two-factor configuration
func (s *TwoFactorService) Status(ctx context.Context, account *models.Account) (*models.TwoFactorStatus, error) {
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return nil, err
	}
	profile, err := s.LoadProfile(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	return &models.TwoFactorStatus{
		Enabled:              profile.TwoFactorEnabled,
		Enrolled:             profile.TwoFactorSecret != "",
		Required:             models.RequiresTwoFactor(account, profile, settings),
		Method:               settings.TwoFactorMethod,
		BackupCodesRemaining: len(profile.BackupCodeHashes),
	}, nil
}

// BeginEnrollment provisions the authenticator secret, reusing the stored one
// if it exists, and mails an email code when that is the configured method
func (s *TwoFactorService) BeginEnrollment(ctx context.Context, account *models.Account) (*models.TwoFactorEnrollment, error) {
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return nil, err
	}
	profile, err := s.LoadProfile(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	if profile.TwoFactorEnabled {
		return nil, models.ErrTwoFactorEnabled
	}

	secret := profile.TwoFactorSecret
	if secret == "" {
		secret, err = auth.GenerateSecret(auth.DefaultSecretLength)
		if err != nil {
			return nil, err
		}
		sealed, err := s.cipher.Seal(secret)
		if err != nil {
			return nil, fmt.Errorf("failed to seal two-factor secret: %w", err)
		}
		if err := s.attrs.Set(ctx, account.ID, models.AttrTwoFactorSecret, sealed); err != nil {
			return nil, fmt.Errorf("failed to store two-factor secret: %w", err)
		}
	}

	uri, err := auth.ProvisioningURI(s.config.Issuer, account.Login, secret)
	if err != nil {
		return nil, err
	}
	qr, err := auth.ProvisioningQR(uri)
	if err != nil {
		return nil, err
	}

	if settings.TwoFactorMethod == models.TwoFactorMethodEmail {
		if err := s.IssueEmailCode(ctx, account); err != nil {
			return nil, err
		}
	}

	s.audit.LogTwoFactor(ctx, "enrollment_started", account.ID, nil)
	return &models.TwoFactorEnrollment{
		Secret:          secret,
		ProvisioningURI: uri,
		QRCode:          qr,
	}, nil
}

// Enable turns two-factor on after the account proves it can produce a code
// for the configured method, and returns a fresh set of backup codes
func (s *TwoFactorService) Enable(ctx context.Context, account *models.Account, code string) ([]string, error) {
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return nil, err
	}
	profile, err := s.LoadProfile(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	if profile.TwoFactorEnabled {
		return nil, models.ErrTwoFactorEnabled
	}
	if profile.TwoFactorSecret == "" {
		return nil, models.ErrTwoFactorNotEnrolled
	}

	ok, err := s.verifyMethodFactor(ctx, profile, settings.TwoFactorMethod, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrInvalidFactor
	}

	if err := s.attrs.Set(ctx, account.ID, models.AttrTwoFactorEnabled, "1"); err != nil {
		return nil, fmt.Errorf("failed to enable two-factor: %w", err)
	}
	if err := s.attrs.Delete(ctx, account.ID, models.AttrEmailCode, models.AttrEmailCodeTime); err != nil {
		s.logger.Warn("failed to clear email code", slog.Any("error", err))
	}

	codes, err := s.GenerateBackupCodes(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	s.audit.LogTwoFactor(ctx, "enabled", account.ID, map[string]string{"method": settings.TwoFactorMethod})
	return codes, nil
}

// Disable removes the whole security profile, including the secret, so a
// later enrollment starts from a new secret
func (s *TwoFactorService) Disable(ctx context.Context, accountID string) error {
	if err := s.attrs.Delete(ctx, accountID, profileKeys...); err != nil {
		return fmt.Errorf("failed to disable two-factor: %w", err)
	}
	if _, err := s.sessions.DeleteByAccount(ctx, accountID); err != nil {
		return fmt.Errorf("failed to discard challenge sessions: %w", err)
	}

	s.audit.LogTwoFactor(ctx, "disabled", accountID, nil)
	return nil
}

// PurgeExpiredSessions removes challenge sessions past their lifetime
func (s *TwoFactorService) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	n, err := s.sessions.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge challenge sessions: %w", err)
	}
	return n, nil
}

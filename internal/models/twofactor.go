package models

import "time"

// Attribute keys holding the per-account security profile
const (
	AttrTwoFactorEnabled = "twofa_enabled"
	AttrTwoFactorSecret  = "twofa_secret"
	AttrBackupCodes      = "backup_codes"
	AttrEmailCode        = "email_code"
	AttrEmailCodeTime    = "email_code_time"
	AttrTOTPLastStep     = "totp_last_step"
)

const (
	// EmailCodeTTL bounds how long an emailed code is accepted after issuance
	EmailCodeTTL = 600 * time.Second
	// BackupCodeCount is the size of a freshly generated backup code set
	BackupCodeCount = 10
	// BackupCodeLength is the number of characters in a backup code
	BackupCodeLength = 10
	// EmailCodeDigits is the length of an emailed one-time code
	EmailCodeDigits = 6
)

// SecurityProfile is the decoded set of two-factor attributes for an account.
// TwoFactorSecret is the plaintext Base32 secret; it is sealed at rest.
type SecurityProfile struct {
	AccountID        string
	TwoFactorEnabled bool
	TwoFactorSecret  string
	BackupCodeHashes []string
	EmailCode        string
	EmailCodeTime    time.Time
	TOTPLastStep     uint64
}

// EmailCodeValidAt reports whether the stored email code is still inside its window
func (p *SecurityProfile) EmailCodeValidAt(now time.Time) bool {
	if p.EmailCode == "" || p.EmailCodeTime.IsZero() {
		return false
	}
	return now.Sub(p.EmailCodeTime) <= EmailCodeTTL
}

// RequiresTwoFactor is true iff the profile has 2FA enabled and the account
// holds one of the roles for which 2FA is enforced.
func RequiresTwoFactor(account *Account, profile *SecurityProfile, settings SecuritySettings) bool {
	if account == nil || profile == nil || !profile.TwoFactorEnabled {
		return false
	}
	return account.HasAnyRole(settings.TwoFactorRoles)
}

// ChallengeSession is the server-side state of an in-progress login handshake,
// keyed by an opaque per-browser token.
type ChallengeSession struct {
	Token     string
	AccountID string
	Pending   bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired reports whether the session outlived its browser-session lifetime
func (s *ChallengeSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// PendingFor reports whether the session holds a live challenge for accountID
func (s *ChallengeSession) PendingFor(accountID string, now time.Time) bool {
	return s != nil && s.Pending && s.AccountID == accountID && !s.IsExpired(now)
}

// TwoFactorStatus is the account-facing view of the profile
type TwoFactorStatus struct {
	Enabled              bool   `json:"enabled"`
	Enrolled             bool   `json:"enrolled"`
	Required             bool   `json:"required"`
	Method               string `json:"method"`
	BackupCodesRemaining int    `json:"backup_codes_remaining"`
}

// TwoFactorEnrollment is returned when an authenticator secret is provisioned
type TwoFactorEnrollment struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
	QRCode          string `json:"qr_code"`
}

package models

import "time"

// Two-factor delivery methods
const (
	TwoFactorMethodAuthenticator = "authenticator"
	TwoFactorMethodEmail         = "email"
)

// Block response types for denied addresses
const (
	BlockTypeMessage = "message"
	BlockTypeSilent  = "silent"
)

// Setting names as persisted in the settings store
const (
	SettingMaxAttempts          = "lockout_max_attempts"
	SettingLockoutDuration      = "lockout_duration"
	SettingLongLockoutThreshold = "lockout_long_threshold"
	SettingLongLockoutDuration  = "lockout_long_duration"
	SettingAutoBlacklist        = "lockout_auto_blacklist"
	SettingNotifyAdmin          = "lockout_notify_admin"
	SettingAdminEmail           = "lockout_admin_email"
	SettingBlockType            = "lockout_block_type"
	SettingSiteWideBlock        = "lockout_site_wide_block"
	SettingTwoFactorRoles       = "twofa_required_roles"
	SettingTwoFactorMethod      = "twofa_method"
)

// SecuritySettings is the typed view over the global settings store
type SecuritySettings struct {
	MaxAttempts          int           `json:"max_attempts" validate:"gte=1,lte=100"`
	LockoutDuration      time.Duration `json:"lockout_duration" validate:"gte=0"`
	LongLockoutThreshold int           `json:"long_lockout_threshold" validate:"gte=1"`
	LongLockoutDuration  time.Duration `json:"long_lockout_duration" validate:"gte=0"`
	AutoBlacklist        bool          `json:"auto_blacklist"`
	NotifyAdmin          bool          `json:"notify_admin"`
	AdminEmail           string        `json:"admin_email" validate:"omitempty,email"`
	BlockType            string        `json:"block_type" validate:"oneof=message silent"`
	SiteWideBlock        bool          `json:"site_wide_block"`
	TwoFactorRoles       []string      `json:"twofa_required_roles"`
	TwoFactorMethod      string        `json:"twofa_method" validate:"oneof=authenticator email"`
}

// DefaultSecuritySettings returns the built-in defaults
func DefaultSecuritySettings() SecuritySettings {
	return SecuritySettings{
		MaxAttempts:          5,
		LockoutDuration:      15 * time.Minute,
		LongLockoutThreshold: 3,
		LongLockoutDuration:  24 * time.Hour,
		BlockType:            BlockTypeMessage,
		TwoFactorRoles:       []string{RoleAdministrator},
		TwoFactorMethod:      TwoFactorMethodAuthenticator,
	}
}

// SilentBlock reports whether denied addresses get a bare rejection
func (s SecuritySettings) SilentBlock() bool {
	return s.BlockType == BlockTypeSilent
}

package models

import "time"

// Address list names
const (
	ListAllow = "allowlist"
	ListDeny  = "denylist"
)

// LoginHistoryCapacity is the size of the login history ring buffer
const LoginHistoryCapacity = 1000

// LoginAttemptRecord is the per-address failure ledger
type LoginAttemptRecord struct {
	Address             string         `json:"address"`
	FailCount           int            `json:"fail_count"`
	LockoutCount        int            `json:"lockout_count"`
	AttemptedIdentities map[string]int `json:"attempted_identities"`
	LastAttemptTime     time.Time      `json:"last_attempt_time"`
	LockoutUntil        time.Time      `json:"lockout_until"`
}

// NewLoginAttemptRecord returns an empty record for address
func NewLoginAttemptRecord(address string) *LoginAttemptRecord {
	return &LoginAttemptRecord{
		Address:             address,
		AttemptedIdentities: make(map[string]int),
	}
}

// IsLocked reports whether lockout_until lies in the future
func (r *LoginAttemptRecord) IsLocked(now time.Time) bool {
	return !r.LockoutUntil.IsZero() && r.LockoutUntil.After(now)
}

// Remaining returns the time left on the lockout, or 0
func (r *LoginAttemptRecord) Remaining(now time.Time) time.Duration {
	if !r.IsLocked(now) {
		return 0
	}
	return r.LockoutUntil.Sub(now)
}

// AddressListEntry is an allowlist or denylist membership
type AddressListEntry struct {
	Address string    `json:"address"`
	List    string    `json:"list"`
	AddedAt time.Time `json:"added_at"`
	Reason  string    `json:"reason,omitempty"`
}

// LoginHistoryEntry is one authentication outcome in the audit ring buffer
type LoginHistoryEntry struct {
	ID              string    `json:"id"`
	Address         string    `json:"address"`
	Identity        string    `json:"identity"`
	Timestamp       time.Time `json:"timestamp"`
	Success         bool      `json:"success"`
	ClientSignature string    `json:"client_signature"`
}

// Gate verdicts
type Verdict int

const (
	VerdictAllowed Verdict = iota
	VerdictTemporarilyLocked
	VerdictPermanentlyBlocked
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllowed:
		return "allowed"
	case VerdictTemporarilyLocked:
		return "temporarily_locked"
	case VerdictPermanentlyBlocked:
		return "permanently_blocked"
	default:
		return "unknown"
	}
}

// GateDecision is the result of consulting the lockout gate for an address
type GateDecision struct {
	Verdict    Verdict
	RetryAfter time.Duration
}

// Allowed reports whether authentication may proceed
func (d GateDecision) Allowed() bool {
	return d.Verdict == VerdictAllowed
}

// Err converts a non-allowed decision into the error taxonomy
func (d GateDecision) Err() error {
	switch d.Verdict {
	case VerdictTemporarilyLocked:
		return &TemporarilyLockedError{RetryAfter: d.RetryAfter}
	case VerdictPermanentlyBlocked:
		return ErrPermanentlyBlocked
	default:
		return nil
	}
}

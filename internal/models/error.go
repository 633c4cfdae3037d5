package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Authentication outcomes
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidFactor      = errors.New("invalid verification code")
	ErrChallengePending   = errors.New("two-factor challenge pending")
	ErrChallengeExpired   = errors.New("two-factor challenge expired")
	ErrTemporarilyLocked  = errors.New("address is temporarily locked")
	ErrPermanentlyBlocked = errors.New("address is blocked")

	// Two-factor configuration errors
	ErrTwoFactorNotEnrolled = errors.New("two-factor secret not enrolled")
	ErrTwoFactorEnabled     = errors.New("two-factor already enabled")
	ErrInvalidAddress       = errors.New("invalid network address")
)

// TemporarilyLockedError carries the remaining lockout time.
type TemporarilyLockedError struct {
	RetryAfter time.Duration
}

func (e *TemporarilyLockedError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrTemporarilyLocked, e.RetryAfter.Round(time.Second))
}

func (e *TemporarilyLockedError) Is(target error) bool {
	return target == ErrTemporarilyLocked
}

// ChallengePendingError signals that primary credentials were accepted and a
// second factor must be supplied on a follow-up request. It is not a failure.
type ChallengePendingError struct {
	AccountID    string
	SessionToken string
	Method       string
}

func (e *ChallengePendingError) Error() string {
	return ErrChallengePending.Error()
}

func (e *ChallengePendingError) Is(target error) bool {
	return target == ErrChallengePending
}

// Package auth holds the password primitives shared by the login pipeline
// and the account bootstrap
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultCost    = 12
	MinPasswordLen = 10
	MaxPasswordLen = 72 // bcrypt ignores anything longer
)

var ErrEmptyPassword = errors.New("password cannot be empty")

// PasswordHasher hashes and checks passwords with bcrypt at a fixed cost.
// The dummy hash used for unknown logins is generated lazily at the same
// cost, so both paths take comparable time.
type PasswordHasher struct {
	cost int

	dummyOnce sync.Once
	dummy     []byte
}

// NewPasswordHasher returns a hasher using cost, clamped to bcrypt's range
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &PasswordHasher{cost: cost}
}

var defaultHasher = NewPasswordHasher(DefaultCost)

func (h *PasswordHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

func (h *PasswordHasher) Compare(hashed, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password))
}

// CompareDummy burns one comparison against a throwaway hash. It always
// returns bcrypt.ErrMismatchedHashAndPassword.
func (h *PasswordHasher) CompareDummy(password string) error {
	h.dummyOnce.Do(func() {
		h.dummy, _ = bcrypt.GenerateFromPassword([]byte("bastion-dummy-password"), h.cost)
	})
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(password))
	return bcrypt.ErrMismatchedHashAndPassword
}

// HashPassword hashes with the default hasher
func HashPassword(password string) (string, error) {
	return defaultHasher.Hash(password)
}

// ComparePassword checks password against a bcrypt hash of any cost
func ComparePassword(hashed, password string) error {
	return defaultHasher.Compare(hashed, password)
}

// CompareDummy equalizes the timing of unknown logins with the default hasher
func CompareDummy(password string) error {
	return defaultHasher.CompareDummy(password)
}

// PolicyError lists every rule a password broke
type PolicyError struct {
	Violations []string
}

func (e *PolicyError) Error() string {
	return "password does not meet policy: " + strings.Join(e.Violations, "; ")
}

var commonPasswords = map[string]bool{
	"password":      true,
	"password1":     true,
	"password123":   true,
	"password123!":  true,
	"passw0rd":      true,
	"qwerty123":     true,
	"1234567890":    true,
	"letmein123":    true,
	"welcome123":    true,
	"administrator": true,
	"admin12345":    true,
	"changeme123":   true,
	"iloveyou123":   true,
	"trustno1!":     true,
}

// ValidatePassword applies the policy for passwords set by operators, such
// as the bootstrap administrator
func ValidatePassword(password string) error {
	var violations []string

	if len(password) < MinPasswordLen {
		violations = append(violations, fmt.Sprintf("at least %d characters", MinPasswordLen))
	}
	if len(password) > MaxPasswordLen {
		violations = append(violations, fmt.Sprintf("at most %d bytes", MaxPasswordLen))
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	if !upper || !lower {
		violations = append(violations, "mixed case")
	}
	if !digit {
		violations = append(violations, "a digit")
	}
	if !special {
		violations = append(violations, "a symbol")
	}

	if commonPasswords[strings.ToLower(password)] {
		violations = append(violations, "not a common password")
	}

	if len(violations) > 0 {
		return &PolicyError{Violations: violations}
	}
	return nil
}

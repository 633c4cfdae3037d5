package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	// TOTPPeriod is the RFC 6238 time step in seconds
	TOTPPeriod = 30
	// TOTPDigits is the number of digits in a code
	TOTPDigits = 6
	// DefaultSecretLength is the number of Base32 symbols in a generated secret
	DefaultSecretLength = 16
	// DefaultVerifyWindow tolerates one step of clock drift either way
	DefaultVerifyWindow = 1

	base32Alphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	backupCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var hotpOpts = hotp.ValidateOpts{
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// GenerateSecret draws length symbols uniformly from the Base32 alphabet
func GenerateSecret(length int) (string, error) {
	if length <= 0 {
		length = DefaultSecretLength
	}
	return randomString(base32Alphabet, length)
}

// TimeStep returns floor(unix/30) for t
func TimeStep(t time.Time) uint64 {
	return uint64(t.Unix() / TOTPPeriod)
}

// GenerateCode derives the 6-digit code for secret at the given time step
func GenerateCode(secret string, timeStep uint64) (string, error) {
	secret = normalizeSecret(secret)
	if secret == "" {
		return "", otp.ErrValidateSecretInvalidBase32
	}
	code, err := hotp.GenerateCodeCustom(secret, timeStep, hotpOpts)
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP code: %w", err)
	}
	return code, nil
}

// VerifyCode checks candidate against the current time with ±window steps
func VerifyCode(secret, candidate string, window int) bool {
	return VerifyCodeAt(secret, candidate, TimeStep(time.Now()), window)
}

// VerifyCodeAt checks candidate against steps [step-window, step+window]
func VerifyCodeAt(secret, candidate string, step uint64, window int) bool {
	_, ok := MatchStep(secret, candidate, step, window)
	return ok
}

// MatchStep returns the time step candidate was generated for, if any.
// Every step in the window is evaluated so timing does not reveal which one matched.
func MatchStep(secret, candidate string, step uint64, window int) (uint64, bool) {
	candidate = normalizeCode(candidate)
	if window < 0 {
		window = 0
	}

	var matched uint64
	found := 0
	for i := -window; i <= window; i++ {
		if i < 0 && uint64(-i) > step {
			continue
		}
		s := uint64(int64(step) + int64(i))
		expected, err := GenerateCode(secret, s)
		if err != nil {
			// a malformed secret never matches
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(candidate)) == 1 && found == 0 {
			matched = s
			found = 1
		}
	}
	return matched, found == 1
}

// ProvisioningURI builds the otpauth:// URI consumed by authenticator apps
func ProvisioningURI(issuer, accountName, secret string) (string, error) {
	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", issuer)
	v.Set("algorithm", "SHA1")
	v.Set("digits", fmt.Sprintf("%d", TOTPDigits))
	v.Set("period", fmt.Sprintf("%d", TOTPPeriod))

	u := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + issuer + ":" + accountName,
		RawQuery: v.Encode(),
	}

	key, err := otp.NewKeyFromURL(u.String())
	if err != nil {
		return "", fmt.Errorf("failed to build provisioning URI: %w", err)
	}
	return key.URL(), nil
}

// ProvisioningQR renders the provisioning URI as a PNG data URL
func ProvisioningQR(uri string) (string, error) {
	png, err := qrcode.Encode(uri, qrcode.Medium, 200)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// GenerateBackupCodes returns count codes of length uppercase alphanumerics
func GenerateBackupCodes(count, length int) ([]string, error) {
	codes := make([]string, count)
	for i := range codes {
		code, err := randomString(backupCodeAlphabet, length)
		if err != nil {
			return nil, err
		}
		codes[i] = code
	}
	return codes, nil
}

// HashBackupCode returns the SHA-256 hex digest stored in place of a backup code
func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(strings.TrimSpace(code))))
	return hex.EncodeToString(sum[:])
}

// GenerateNumericCode returns a zero-padded decimal code of the given length
func GenerateNumericCode(digits int) (string, error) {
	return randomString("0123456789", digits)
}

// randomString draws n symbols from alphabet using rejection sampling so
// every symbol is equally likely
func randomString(alphabet string, n int) (string, error) {
	limit := 256 - (256 % len(alphabet))
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)

	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

func normalizeSecret(secret string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
}

func normalizeCode(code string) string {
	return strings.ReplaceAll(strings.TrimSpace(code), " ", "")
}

package auth

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 6238 appendix B seed "12345678901234567890" in Base32
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

// ============================================================================
// Secret Generation
// ============================================================================

func TestGenerateSecret_LengthAndAlphabet(t *testing.T) {
	secret, err := GenerateSecret(16)
	require.NoError(t, err)

	assert.Len(t, secret, 16)
	for _, r := range secret {
		assert.True(t, strings.ContainsRune(base32Alphabet, r), "unexpected symbol %q", r)
	}
}

func TestGenerateSecret_DefaultLength(t *testing.T) {
	secret, err := GenerateSecret(0)
	require.NoError(t, err)
	assert.Len(t, secret, DefaultSecretLength)
}

func TestGenerateSecret_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		secret, err := GenerateSecret(16)
		require.NoError(t, err)
		assert.False(t, seen[secret], "duplicate secret generated")
		seen[secret] = true
	}
}

// ============================================================================
// Code Derivation
// ============================================================================

func TestGenerateCode_RFC6238Vectors(t *testing.T) {
	tests := []struct {
		unix int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1111111111, "050471"},
		{1234567890, "005924"},
		{2000000000, "279037"},
	}

	for _, tt := range tests {
		code, err := GenerateCode(rfcSecret, TimeStep(time.Unix(tt.unix, 0)))
		require.NoError(t, err)
		assert.Equal(t, tt.want, code, "unix time %d", tt.unix)
	}
}

func TestGenerateCode_LowercaseSecretAccepted(t *testing.T) {
	upper, err := GenerateCode(rfcSecret, 1)
	require.NoError(t, err)
	lower, err := GenerateCode(strings.ToLower(rfcSecret), 1)
	require.NoError(t, err)
	assert.Equal(t, upper, lower)
}

func TestGenerateCode_MalformedSecret(t *testing.T) {
	_, err := GenerateCode("not base32 at all!", 1)
	assert.Error(t, err)

	_, err = GenerateCode("", 1)
	assert.Error(t, err)
}

// ============================================================================
// Verification Window - SECURITY CRITICAL
// ============================================================================

func TestVerifyCodeAt_AcceptsWithinWindow(t *testing.T) {
	secret, err := GenerateSecret(16)
	require.NoError(t, err)

	const step uint64 = 55_000_000
	code, err := GenerateCode(secret, step)
	require.NoError(t, err)

	for _, at := range []uint64{step - 1, step, step + 1} {
		assert.True(t, VerifyCodeAt(secret, code, at, 1), "step %d should accept", at)
	}
}

func TestVerifyCodeAt_RejectsOutsideWindow(t *testing.T) {
	secret, err := GenerateSecret(16)
	require.NoError(t, err)

	const step uint64 = 55_000_000
	code, err := GenerateCode(secret, step)
	require.NoError(t, err)

	for _, at := range []uint64{step - 3, step - 2, step + 2, step + 3} {
		// A collision with a neighbouring step's code is possible but
		// vanishingly rare; recompute to rule it out.
		other, err := GenerateCode(secret, at)
		require.NoError(t, err)
		if other == code {
			continue
		}
		assert.False(t, VerifyCodeAt(secret, code, at, 1), "step %d should reject", at)
	}
}

func TestVerifyCodeAt_ZeroWindowExactOnly(t *testing.T) {
	code, err := GenerateCode(rfcSecret, 100)
	require.NoError(t, err)

	assert.True(t, VerifyCodeAt(rfcSecret, code, 100, 0))
	assert.False(t, VerifyCodeAt(rfcSecret, code, 101, 0))
}

func TestVerifyCodeAt_StepZeroDoesNotUnderflow(t *testing.T) {
	code, err := GenerateCode(rfcSecret, 0)
	require.NoError(t, err)
	assert.True(t, VerifyCodeAt(rfcSecret, code, 0, 1))
}

func TestVerifyCode_CurrentTime(t *testing.T) {
	secret, err := GenerateSecret(16)
	require.NoError(t, err)

	code, err := GenerateCode(secret, TimeStep(time.Now()))
	require.NoError(t, err)
	assert.True(t, VerifyCode(secret, code, DefaultVerifyWindow))
}

func TestVerifyCode_MalformedSecretNeverMatches(t *testing.T) {
	assert.False(t, VerifyCodeAt("!!!!", "000000", 10, 1))
	assert.False(t, VerifyCodeAt("", "000000", 10, 1))
}

func TestVerifyCode_WrongLengthCandidate(t *testing.T) {
	code, err := GenerateCode(rfcSecret, 10)
	require.NoError(t, err)

	assert.False(t, VerifyCodeAt(rfcSecret, code[:5], 10, 1))
	assert.False(t, VerifyCodeAt(rfcSecret, code+"0", 10, 1))
	assert.True(t, VerifyCodeAt(rfcSecret, " "+code[:3]+" "+code[3:], 10, 1))
}

func TestMatchStep_ReturnsMatchedStep(t *testing.T) {
	code, err := GenerateCode(rfcSecret, 41)
	require.NoError(t, err)

	step, ok := MatchStep(rfcSecret, code, 40, 1)
	assert.True(t, ok)
	assert.Equal(t, uint64(41), step)
}

// ============================================================================
// Backup Codes & Numeric Codes
// ============================================================================

func TestGenerateBackupCodes_Format(t *testing.T) {
	codes, err := GenerateBackupCodes(10, 10)
	require.NoError(t, err)
	require.Len(t, codes, 10)

	for _, code := range codes {
		assert.Len(t, code, 10)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(backupCodeAlphabet, r), "unexpected symbol %q", r)
		}
	}
}

func TestHashBackupCode_NormalizesInput(t *testing.T) {
	assert.Equal(t, HashBackupCode("ABCDE12345"), HashBackupCode(" abcde12345 "))
	assert.NotEqual(t, HashBackupCode("ABCDE12345"), HashBackupCode("ABCDE12346"))
	assert.Len(t, HashBackupCode("X"), 64)
}

func TestGenerateNumericCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GenerateNumericCode(6)
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, r := range code {
			assert.True(t, r >= '0' && r <= '9')
		}
	}
}

// ============================================================================
// Provisioning
// ============================================================================

func TestProvisioningURI(t *testing.T) {
	uri, err := ProvisioningURI("Bastion", "admin@example.com", rfcSecret)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(uri, "otpauth://totp/"))
	assert.Contains(t, uri, "secret="+rfcSecret)
	assert.Contains(t, uri, "issuer=Bastion")
}

func TestProvisioningQR_PNGDataURL(t *testing.T) {
	uri, err := ProvisioningURI("Bastion", "admin", rfcSecret)
	require.NoError(t, err)

	qr, err := ProvisioningQR(uri)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(qr, "data:image/png;base64,"))

	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(qr, "data:image/png;base64,"))
	require.NoError(t, err)
	require.Greater(t, len(png), 4)
	assert.Equal(t, []byte{137, 80, 78, 71}, png[:4])
}

// ============================================================================
// Secret Sealing - SECURITY CRITICAL
// ============================================================================

func newTestSealer(t *testing.T) *SecretSealer {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	s, err := NewSecretSealer(key)
	require.NoError(t, err)
	return s
}

func TestSecretSealer_InvalidKeyLength(t *testing.T) {
	for _, length := range []int{0, 16, 31, 33} {
		s, err := NewSecretSealer(make([]byte, length))
		assert.Error(t, err)
		assert.Nil(t, s)
		assert.Contains(t, err.Error(), "must be exactly 32 bytes")
	}
}

func TestSecretSealer_RoundTrip(t *testing.T) {
	s := newTestSealer(t)

	sealed, err := s.Seal(rfcSecret)
	require.NoError(t, err)
	assert.NotContains(t, sealed, rfcSecret)

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, rfcSecret, opened)
}

func TestSecretSealer_UniqueNonces(t *testing.T) {
	s := newTestSealer(t)

	a, err := s.Seal(rfcSecret)
	require.NoError(t, err)
	b, err := s.Seal(rfcSecret)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSecretSealer_TamperedCiphertext(t *testing.T) {
	s := newTestSealer(t)

	sealed, err := s.Seal(rfcSecret)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF

	_, err = s.Open(base64.StdEncoding.EncodeToString(raw))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decrypt")
}

func TestSecretSealer_TooShort(t *testing.T) {
	s := newTestSealer(t)

	_, err := s.Open(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, errSealedTooShort)
}

func TestSecretSealer_WrongKey(t *testing.T) {
	a := newTestSealer(t)
	b := newTestSealer(t)

	sealed, err := a.Seal(rfcSecret)
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.Error(t, err)
}

package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
)

var errSealedTooShort = errors.New("sealed secret is too short")

// SecretSealer encrypts two-factor secrets at rest with AES-256-GCM.
// The key lives in a memguard enclave and is only decrypted for the duration
// of a single seal/open call.
type SecretSealer struct {
	key *memguard.Enclave
}

// NewSecretSealer creates a sealer. encryptionKey must be exactly 32 bytes and
// is wiped by this call.
func NewSecretSealer(encryptionKey []byte) (*SecretSealer, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(encryptionKey))
	}
	return &SecretSealer{key: memguard.NewEnclave(encryptionKey)}, nil
}

func (s *SecretSealer) gcm() (cipher.AEAD, func(), error) {
	buf, err := s.key.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open key enclave: %w", err)
	}

	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, buf.Destroy, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext)
func (s *SecretSealer) Seal(plaintext string) (string, error) {
	gcm, done, err := s.gcm()
	if err != nil {
		return "", err
	}
	defer done()

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal
func (s *SecretSealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed secret: %w", err)
	}

	gcm, done, err := s.gcm()
	if err != nil {
		return "", err
	}
	defer done()

	if len(raw) < gcm.NonceSize() {
		return "", errSealedTooShort
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return string(plaintext), nil
}

package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"
)

// nonceEntry binds a nonce to the challenge session it was issued for
type nonceEntry struct {
	nonce  string
	expiry time.Time
}

// ChallengeNonces issues the per-challenge form nonce that must accompany a
// second-factor submission. Nonces are keyed by challenge session token, so a
// nonce lifted from one handshake is useless for another.
type ChallengeNonces struct {
	entries map[string]*nonceEntry // session token -> nonce
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
}

// NewChallengeNonces creates a nonce manager whose nonces live for ttl
func NewChallengeNonces(ttl time.Duration) *ChallengeNonces {
	return &ChallengeNonces{
		entries: make(map[string]*nonceEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Issue creates a fresh nonce for sessionToken, replacing any earlier one
func (m *ChallengeNonces) Issue(sessionToken string) (string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	nonce := hex.EncodeToString(randomBytes)

	m.mu.Lock()
	m.entries[sessionToken] = &nonceEntry{
		nonce:  nonce,
		expiry: m.now().Add(m.ttl),
	}
	m.mu.Unlock()

	return nonce, nil
}

// Valid reports whether nonce was issued for sessionToken and has not expired.
// It does not consume the nonce; a mistyped code may be retried.
func (m *ChallengeNonces) Valid(sessionToken, nonce string) bool {
	if sessionToken == "" || nonce == "" {
		return false
	}

	m.mu.RLock()
	entry, exists := m.entries[sessionToken]
	m.mu.RUnlock()

	if !exists {
		return false
	}

	if m.now().After(entry.expiry) {
		m.Revoke(sessionToken)
		return false
	}

	return subtle.ConstantTimeCompare([]byte(entry.nonce), []byte(nonce)) == 1
}

// Revoke drops the nonce for sessionToken once the handshake is finished
func (m *ChallengeNonces) Revoke(sessionToken string) {
	m.mu.Lock()
	delete(m.entries, sessionToken)
	m.mu.Unlock()
}

// Run removes expired nonces every interval until ctx is cancelled
func (m *ChallengeNonces) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.purgeExpired()
		}
	}
}

func (m *ChallengeNonces) purgeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for token, entry := range m.entries {
		if now.After(entry.expiry) {
			delete(m.entries, token)
		}
	}
}

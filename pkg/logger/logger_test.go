package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizedEmail(t *testing.T) {
	tests := map[string]string{
		"alice@example.com":  "a****@*******.com",
		"a@mail.example.org": "a@****.*******.org",
		"bob@localhost":      "b**@localhost",
		"not-an-email":       "[invalid-email]",
		"@example.com":       "[invalid-email]",
		"two@at@signs.com":   "[invalid-email]",
		"trailing@":          "[invalid-email]",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizedEmail(in), in)
	}
}

func TestSanitizedIdentity(t *testing.T) {
	assert.Equal(t, "ad***", SanitizedIdentity("admin"))
	assert.Equal(t, "**", SanitizedIdentity("ab"))
	assert.Equal(t, "", SanitizedIdentity(""))
	assert.Equal(t, "r***@*******.com", SanitizedIdentity("root@example.com"))
}

func TestRedactQuery(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", ""},
		{"harmless", "limit=10", "limit=10"},
		{"token", "token=abc", "token=[REDACTED]"},
		{"mixed and sorted", "nonce=x&limit=5&challenge_token=y", "challenge_token=[REDACTED]&limit=5&nonce=[REDACTED]"},
		{"case insensitive", "Password=hunter2", "Password=[REDACTED]"},
		{"repeated", "code=1&code=2", "code=[REDACTED]&code=[REDACTED]"},
		{"escaping kept", "q=a+b", "q=a+b"},
		{"unparseable", "a=%zz", "[REDACTED]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RedactQuery(tt.raw))
		})
	}
}

func captureAudit(t *testing.T, fn func(*AuditLogger)) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	fn(NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil))))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestAuditLogger_LogAuthAttempt(t *testing.T) {
	entry := captureAudit(t, func(al *AuditLogger) {
		al.LogAuthAttempt(context.Background(), AuditEvent{
			EventType:     "login_failed",
			Identity:      "admin@example.com",
			Address:       "203.0.113.5",
			FailureReason: "invalid_credentials",
		})
	})

	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "auth", entry["audit_type"])
	assert.Equal(t, "a****@*******.com", entry["identity"])
	assert.Equal(t, "203.0.113.5", entry["address"])
	assert.Equal(t, "invalid_credentials", entry["failure_reason"])
	assert.NotContains(t, entry, "account_id")
}

func TestAuditLogger_LogLockout(t *testing.T) {
	until := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entry := captureAudit(t, func(al *AuditLogger) {
		al.LogLockout(context.Background(), "198.51.100.9", 3, until, true)
	})

	assert.Equal(t, "address_locked", entry["event_type"])
	assert.EqualValues(t, 3, entry["lockout_count"])
	assert.Equal(t, true, entry["long_lockout"])
	assert.Equal(t, "2026-01-02T03:04:05Z", entry["lockout_until"])
}

func TestAuditLogger_LogListChange(t *testing.T) {
	entry := captureAudit(t, func(al *AuditLogger) {
		al.LogListChange(context.Background(), "address_added", "denylist", "192.0.2.7", "admin")
	})

	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "denylist", entry["list"])
	assert.Equal(t, "admin", entry["actor"])
}

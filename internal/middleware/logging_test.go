package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureRequestLog(t *testing.T, target string, status int) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	handler := SecureLogger(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("{}"))
	}))

	req := httptest.NewRequest("GET", target, nil)
	req.RemoteAddr = "203.0.113.7:9000"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestSecureLogger_RecordsRequest(t *testing.T) {
	entry := captureRequestLog(t, "/admin/history?limit=10", http.StatusOK)

	assert.Equal(t, "http_request", entry["msg"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "/admin/history?limit=10", entry["path"])
	assert.Equal(t, "203.0.113.7", entry["client_ip"])
	assert.EqualValues(t, 200, entry["status"])
	assert.EqualValues(t, 2, entry["bytes"])
}

func TestSecureLogger_RedactsSecrets(t *testing.T) {
	entry := captureRequestLog(t, "/auth/login/2fa?token=abc123&lang=en", http.StatusOK)
	assert.Equal(t, "/auth/login/2fa?lang=en&token=[REDACTED]", entry["path"])
}

func TestSecureLogger_LevelByStatus(t *testing.T) {
	assert.Equal(t, "WARN", captureRequestLog(t, "/auth/login", http.StatusUnauthorized)["level"])
	assert.Equal(t, "ERROR", captureRequestLog(t, "/auth/login", http.StatusInternalServerError)["level"])
}

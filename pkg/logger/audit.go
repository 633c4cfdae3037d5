package logger

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent represents a security audit event
type AuditEvent struct {
	EventType     string
	AccountID     string
	Identity      string
	Address       string
	UserAgent     string
	Success       bool
	FailureReason string
	Metadata      map[string]string
}

// AuditLogger provides audit logging functionality
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

func timestampAttr() slog.Attr {
	return slog.String("timestamp", time.Now().UTC().Format(time.RFC3339))
}

// LogAuthAttempt logs authentication attempts
func (al *AuditLogger) LogAuthAttempt(ctx context.Context, event AuditEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", "auth"),
		slog.String("event_type", event.EventType),
		slog.Bool("success", event.Success),
		timestampAttr(),
	}

	if event.AccountID != "" {
		attrs = append(attrs, slog.String("account_id", event.AccountID))
	}
	if event.Identity != "" {
		attrs = append(attrs, slog.String("identity", SanitizedIdentity(event.Identity)))
	}
	if event.Address != "" {
		attrs = append(attrs, slog.String("address", event.Address))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}
	if event.FailureReason != "" {
		attrs = append(attrs, slog.String("failure_reason", event.FailureReason))
	}
	for key, val := range event.Metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	if event.Success {
		al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	} else {
		al.logger.LogAttrs(ctx, slog.LevelWarn, "audit", attrs...)
	}
}

// LogLockout logs an address being locked out
func (al *AuditLogger) LogLockout(ctx context.Context, address string, lockoutCount int, until time.Time, long bool) {
	al.logger.LogAttrs(ctx, slog.LevelWarn, "audit",
		slog.String("audit_type", "lockout"),
		slog.String("event_type", "address_locked"),
		slog.String("address", address),
		slog.Int("lockout_count", lockoutCount),
		slog.Bool("long_lockout", long),
		slog.String("lockout_until", until.UTC().Format(time.RFC3339)),
		timestampAttr(),
	)
}

// LogListChange logs allowlist/denylist mutations
func (al *AuditLogger) LogListChange(ctx context.Context, eventType, list, address, actor string) {
	attrs := []slog.Attr{
		slog.String("audit_type", "address_list"),
		slog.String("event_type", eventType),
		slog.String("list", list),
		slog.String("address", address),
		timestampAttr(),
	}
	if actor != "" {
		attrs = append(attrs, slog.String("actor", actor))
	}
	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}

// LogTwoFactor logs two-factor enrollment and configuration changes
func (al *AuditLogger) LogTwoFactor(ctx context.Context, eventType, accountID string, metadata map[string]string) {
	attrs := []slog.Attr{
		slog.String("audit_type", "twofa"),
		slog.String("event_type", eventType),
		slog.String("account_id", accountID),
		timestampAttr(),
	}

	for key, val := range metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}

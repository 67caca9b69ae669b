package logger

import (
	"context"
	"log/slog"
	"time"
)

// PrecheckEvent records the outcome of one recovery precheck decision.
// Keys are already opaque hashes; only a short prefix is logged so that
// related events can be correlated without reproducing the full key.
type PrecheckEvent struct {
	Intent            string
	Status            string
	RequestKey        string
	ViolationCount    int
	RetryAfterSeconds int
}

// AuditLogger provides audit logging for gate decisions
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// LogPrecheck logs a recovery precheck decision. Lockouts are logged at warn
// so they surface in alerting; everything else is informational.
func (al *AuditLogger) LogPrecheck(event PrecheckEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", "recovery_precheck"),
		slog.String("intent", event.Intent),
		slog.String("status", event.Status),
		slog.String("request_key_prefix", KeyPrefix(event.RequestKey)),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if event.ViolationCount > 0 {
		attrs = append(attrs, slog.Int("violation_count", event.ViolationCount))
	}
	if event.RetryAfterSeconds > 0 {
		attrs = append(attrs, slog.Int("retry_after_seconds", event.RetryAfterSeconds))
	}

	if event.Status == "rate_limited" {
		al.logger.LogAttrs(context.Background(), slog.LevelWarn, "audit", attrs...)
	} else {
		al.logger.LogAttrs(context.Background(), slog.LevelInfo, "audit", attrs...)
	}
}

// LogCallerRejected logs an unauthorized caller-token presentation
func (al *AuditLogger) LogCallerRejected(intent string) {
	al.logger.LogAttrs(context.Background(), slog.LevelWarn, "audit",
		slog.String("audit_type", "recovery_precheck"),
		slog.String("event_type", "caller_rejected"),
		slog.String("intent", intent),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	)
}

// KeyPrefix returns a short, log-safe prefix of an opaque key hash
func KeyPrefix(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8]
}

package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditRegistrationStarted AuditEvent = "registration_started"
	AuditRegistrationSuccess AuditEvent = "registration_success"
	AuditRegistrationFailure AuditEvent = "registration_failure"
	AuditLoginStarted        AuditEvent = "login_started"
	AuditLoginSuccess        AuditEvent = "login_success"
	AuditLoginFailure        AuditEvent = "login_failure"
	AuditRecoverySuccess     AuditEvent = "recovery_success"
	AuditRecoveryFailure     AuditEvent = "recovery_failure"
	AuditRecoveryRateLimited AuditEvent = "recovery_rate_limited"
	AuditLogout              AuditEvent = "logout"
	AuditCredentialRemoved   AuditEvent = "credential_removed"
	AuditCodesAcknowledged   AuditEvent = "recovery_codes_acknowledged"
	AuditCodesRegenerated    AuditEvent = "recovery_codes_regenerated"
	AuditPossibleCloning     AuditEvent = "possible_cloning"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Only user IDs and opaque
// refs appear in attributes; codes, tokens, and credential IDs never do.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logEvent is a convenience for events with a user ID.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("user_id", userID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a failed attempt with its internal reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

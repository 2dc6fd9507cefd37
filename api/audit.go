package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess          AuditEvent = "login_success"
	AuditLoginFailure          AuditEvent = "login_failure"
	AuditLoginRateLimited      AuditEvent = "login_rate_limited"
	AuditRegister              AuditEvent = "register"
	AuditRegisterRateLimited   AuditEvent = "register_rate_limited"
	AuditLogout                AuditEvent = "logout"
	AuditPasswordChanged       AuditEvent = "password_changed"
	AuditPasswordChangeFailure AuditEvent = "password_change_failure"
	AuditAuthRejected          AuditEvent = "auth_rejected"
)

// auditLogger writes security events through slog and forwards them to the
// alert collector and the optional webhook.
type auditLogger struct {
	logger  *slog.Logger
	alerts  *alertCollector
	webhook *auditWebhook
	now     func() time.Time
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
}

func (al *auditLogger) log(event AuditEvent, outcome string, r *http.Request, userID string, attrs ...slog.Attr) {
	ts := al.now().UTC()
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("outcome", outcome),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", ts.Format(time.RFC3339)),
	}
	if userID != "" {
		base = append(base, slog.String("user_id", userID))
	}
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", append(base, attrs...)...)

	al.alerts.recordEvent(event)
	if al.webhook != nil {
		rec := auditRecord{
			Event:   event,
			Outcome: outcome,
			At:      ts,
			UserID:  userID,
			Remote:  r.RemoteAddr,
		}
		for _, a := range attrs {
			rec.set(a)
		}
		al.webhook.enqueue(rec)
	}
}

// logEvent records a successful action by userID.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	al.log(event, outcomeSuccess, r, userID, extra...)
}

// logFailure records a refused action.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	al.log(event, outcomeFailure, r, "", append([]slog.Attr{slog.String("reason", reason)}, extra...)...)
}

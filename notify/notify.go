// Package notify delivers security-relevant account messages (new
// passkey registered, recovery code used, possible cloning) to the
// account owner's channel of record. Delivery is best-effort and
// asynchronous: ceremony outcomes never wait on it.
package notify

import "log/slog"

// Kind identifies the message being delivered.
type Kind string

const (
	KindPasskeyRegistered Kind = "passkey_registered"
	KindCredentialRemoved Kind = "credential_removed"
	KindRecoveryUsed      Kind = "recovery_code_used"
	KindCodesRegenerated  Kind = "recovery_codes_regenerated"
	KindPossibleCloning   Kind = "possible_cloning"
)

// Notification is one outbound message. Payload carries kind-specific
// context such as the credential label or remote IP.
type Notification struct {
	UserID  string            `json:"user_id"`
	Email   string            `json:"email"`
	Kind    Kind              `json:"kind"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Notifier delivers a notification. Implementations must not block the
// caller for longer than a channel send.
type Notifier interface {
	Notify(n Notification)
}

// SlogNotifier logs notifications instead of delivering them. It is the
// default sink when no webhook endpoint is configured, and doubles as a
// development aid.
type SlogNotifier struct {
	Logger *slog.Logger
}

func (s *SlogNotifier) Notify(n Notification) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"kind", string(n.Kind), "user_id", n.UserID, "email", n.Email}
	for k, v := range n.Payload {
		attrs = append(attrs, k, v)
	}
	logger.Info("notification", attrs...)
}

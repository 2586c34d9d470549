package api

import (
	"encoding/json"
	"time"
)

// ErrorResponse is the JSON body for all error statuses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StartRegistrationRequest is the JSON body for POST /auth/registration/start.
type StartRegistrationRequest struct {
	Email string `json:"email"`
}

// ChallengeResponse is returned from both ceremony start endpoints.
// Options is handed verbatim to the browser credential API; ChallengeRef
// comes back on verify.
type ChallengeResponse struct {
	ChallengeRef string          `json:"challenge_ref"`
	Options      json.RawMessage `json:"options"`
}

// VerifyRegistrationRequest is the JSON body for POST /auth/registration/verify.
type VerifyRegistrationRequest struct {
	Email        string          `json:"email"`
	ChallengeRef string          `json:"challenge_ref"`
	Response     json.RawMessage `json:"response"`
	Label        string          `json:"label,omitempty"`
}

// UserInfo describes the authenticated account.
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// CredentialInfo describes one registered passkey. Ref is an opaque
// handle; the raw authenticator credential ID is never exposed.
type CredentialInfo struct {
	Ref        string     `json:"ref"`
	Label      string     `json:"label"`
	Transports []string   `json:"transports,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// SessionResponse is returned whenever an operation establishes a
// session. RecoveryCodes is present only on an account's first
// registration and on explicit regeneration.
type SessionResponse struct {
	Token           string          `json:"token"`
	ExpiresAt       time.Time       `json:"expires_at"`
	User            UserInfo        `json:"user"`
	Credential      *CredentialInfo `json:"credential,omitempty"`
	RecoveryCodes   []string        `json:"recovery_codes,omitempty"`
	MustAcknowledge bool            `json:"must_acknowledge,omitempty"`
}

// StartAuthenticationRequest is the JSON body for POST /auth/authentication/start.
// Email is optional; without it a discoverable ceremony is started.
type StartAuthenticationRequest struct {
	Email string `json:"email,omitempty"`
}

// VerifyAuthenticationRequest is the JSON body for POST /auth/authentication/verify.
type VerifyAuthenticationRequest struct {
	ChallengeRef string          `json:"challenge_ref"`
	Response     json.RawMessage `json:"response"`
}

// RecoverRequest is the JSON body for POST /auth/recover.
type RecoverRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// RecoveryCodesResponse is returned from POST /auth/recovery-codes/regenerate.
type RecoveryCodesResponse struct {
	Codes           []string `json:"codes"`
	MustAcknowledge bool     `json:"must_acknowledge"`
}

// SessionInfoResponse is returned from GET /auth/session.
type SessionInfoResponse struct {
	User                   UserInfo  `json:"user"`
	CreatedAt              time.Time `json:"created_at"`
	ExpiresAt              time.Time `json:"expires_at"`
	LastActiveAt           time.Time `json:"last_active_at"`
	RecoveryCodesRemaining int       `json:"recovery_codes_remaining"`
	RecoveryCodesAcked     bool      `json:"recovery_codes_acked"`
}

// ListCredentialsResponse is returned from GET /credentials.
type ListCredentialsResponse struct {
	Credentials []CredentialInfo `json:"credentials"`
}

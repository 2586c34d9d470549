// Package storage provides the persistence abstraction for latchkey's
// identity records: users, passkey credentials, ceremony challenges,
// recovery codes, sessions, and the append-only security event log.
package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when an insert collides with an existing record.
var ErrDuplicate = errors.New("record already exists")

// ErrAlreadyUsed is returned when a single-use record has been consumed.
var ErrAlreadyUsed = errors.New("record already used")

// ErrExpired is returned when a record exists but its lifetime has lapsed.
var ErrExpired = errors.New("record expired")

// ErrCASFailed is returned when a compare-and-swap version check fails.
var ErrCASFailed = errors.New("CAS version mismatch")

// ErrLastCredential is returned when deactivating a credential would
// leave the account with no active credentials and no unused recovery
// codes.
var ErrLastCredential = errors.New("last active credential")

// User is an account identity. Users are created on first successful
// registration and never deleted, only deactivated.
type User struct {
	ID                   string     `json:"id"`
	Email                string     `json:"email"`
	CreatedAt            time.Time  `json:"created_at"`
	LastLoginAt          *time.Time `json:"last_login_at,omitempty"`
	Active               bool       `json:"active"`
	RecoveryCodesAckedAt *time.Time `json:"recovery_codes_acked_at,omitempty"`
}

// Credential is a WebAuthn public-key credential bound to one user.
// The server stores only the public half plus authenticator metadata.
type Credential struct {
	// ID is the base64url-encoded raw credential ID reported by the
	// authenticator. Globally unique; never reissued.
	ID string `json:"id"`
	// Ref is the opaque identifier exposed to API clients in place of ID.
	Ref            string     `json:"ref"`
	UserID         string     `json:"user_id"`
	PublicKey      []byte     `json:"public_key"`
	SignCount      uint32     `json:"sign_count"`
	BackupEligible bool       `json:"backup_eligible"`
	BackupState    bool       `json:"backup_state"`
	Transports     []string   `json:"transports,omitempty"`
	Label          string     `json:"label,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	Active         bool       `json:"active"`
}

// ChallengeKind distinguishes the two ceremony types.
type ChallengeKind string

const (
	ChallengeRegistration   ChallengeKind = "registration"
	ChallengeAuthentication ChallengeKind = "authentication"
)

// Challenge is a single-use ceremony nonce plus the serialized ceremony
// state needed to verify the client's response.
type Challenge struct {
	// Value is the base64url-encoded challenge embedded in the ceremony
	// options sent to the client.
	Value     string        `json:"value"`
	Kind      ChallengeKind `json:"kind"`
	UserID    string        `json:"user_id,omitempty"`
	StateJSON []byte        `json:"state_json"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	UsedAt    *time.Time    `json:"used_at,omitempty"`
}

// RecoveryCode is one single-use backup secret from a user's batch.
// Only the bcrypt hash of the normalized code is ever stored.
type RecoveryCode struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Hash      []byte     `json:"hash"`
	CreatedAt time.Time  `json:"created_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// Used reports whether the code has been redeemed.
func (c RecoveryCode) Used() bool { return c.UsedAt != nil }

// RecoveryAttempt is one append-only rate-limiting record. Attempts are
// keyed by the submitted email, not a resolved user, so unknown emails are
// throttled identically to known ones.
type RecoveryAttempt struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Success   bool      `json:"success"`
	RemoteIP  string    `json:"remote_ip,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a bearer-token session with independent absolute and idle
// expiry clocks. LastActiveAt slides on every validated use; ExpiresAt
// never moves.
type Session struct {
	Token        string    `json:"token"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// EventOutcome classifies a security event result.
type EventOutcome string

const (
	OutcomeSuccess EventOutcome = "success"
	OutcomeFailure EventOutcome = "failure"
)

// SecurityEvent is one append-only audit record.
type SecurityEvent struct {
	ID        string            `json:"id"`
	Subject   string            `json:"subject"`
	Kind      string            `json:"kind"`
	Outcome   EventOutcome      `json:"outcome"`
	Context   map[string]string `json:"context,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// UserStore persists account identities.
type UserStore interface {
	PutUser(u User) error
	GetUser(userID string) (User, error)
	GetUserByEmail(email string) (User, error)
}

// CredentialStore persists passkey credentials.
type CredentialStore interface {
	// InsertCredential stores a new credential. An existing credential
	// with the same ID returns ErrDuplicate; it is never overwritten.
	InsertCredential(c Credential) error
	GetCredential(credentialID string) (Credential, error)
	GetCredentialByRef(userID, ref string) (Credential, error)
	ListCredentialsByUser(userID string) ([]Credential, error)
	// UpdateCredential replaces an existing credential record.
	UpdateCredential(c Credential) error
	// DeactivateCredential marks the credential inactive, looked up by
	// its owner-scoped ref. The last-credential check and the state
	// flip happen in one transaction: if the credential is the user's
	// only active one and no unused recovery codes remain, it returns
	// ErrLastCredential and changes nothing. Missing or already
	// inactive credentials return ErrNotFound.
	DeactivateCredential(userID, ref string) (Credential, error)
	// BumpCredentialCounter atomically advances the signature counter.
	// The stored counter must still equal prev or ErrCASFailed is
	// returned, so two concurrent authentications cannot both pass a
	// stale counter check.
	BumpCredentialCounter(credentialID string, prev, next uint32, usedAt time.Time) error
}

// ChallengeStore persists single-use ceremony challenges.
type ChallengeStore interface {
	PutChallenge(c Challenge) error
	// ConsumeChallenge atomically checks that the challenge exists, is
	// unexpired, and unused, and marks it used — all in one transaction.
	// Failures: ErrNotFound, ErrExpired, ErrAlreadyUsed.
	ConsumeChallenge(value string, now time.Time) (Challenge, error)
	DeleteExpiredChallenges(now time.Time) error
}

// RecoveryStore persists recovery codes and the attempt log.
type RecoveryStore interface {
	// ReplaceRecoveryCodes atomically removes the user's existing batch
	// and stores the new one.
	ReplaceRecoveryCodes(userID string, codes []RecoveryCode) error
	ListRecoveryCodes(userID string) ([]RecoveryCode, error)
	// RedeemRecoveryCode marks one code used. A code already redeemed
	// returns ErrAlreadyUsed; concurrent redemptions serialize so exactly
	// one caller wins.
	RedeemRecoveryCode(userID, codeID string, usedAt time.Time) error
	AppendRecoveryAttempt(a RecoveryAttempt) error
	// CountRecoveryAttempts returns the number of attempts for the email
	// at or after since.
	CountRecoveryAttempts(email string, since time.Time) (int, error)
	PruneRecoveryAttempts(before time.Time) error
}

// SessionStore persists bearer sessions.
type SessionStore interface {
	PutSession(s Session) error
	GetSession(token string) (Session, error)
	// DeleteSession removes a session. Deleting an absent token is not
	// an error; a revoked session is indistinguishable from one that
	// never existed.
	DeleteSession(token string) error
	DeleteExpiredSessions(now time.Time, idleTimeout time.Duration) error
}

// EventStore persists the append-only security event log.
type EventStore interface {
	AppendEvent(e SecurityEvent) error
	ListEventsBySubject(subject string) ([]SecurityEvent, error)
	PruneEvents(before time.Time) error
}

// Store is the full persistence surface the auth service depends on.
type Store interface {
	UserStore
	CredentialStore
	ChallengeStore
	RecoveryStore
	SessionStore
	EventStore
}

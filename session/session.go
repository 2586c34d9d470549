// Package session manages bearer-token sessions with two independent
// expiry clocks: an absolute lifetime fixed at creation and an idle
// timeout measured from the last validated use.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/jmcleod/latchkey/internal/util"
	"github.com/jmcleod/latchkey/storage"
)

// ErrNotFound indicates the token does not resolve to a live session.
// Revoked sessions report ErrNotFound as well; a revoked token is
// indistinguishable from one that never existed.
var ErrNotFound = errors.New("session not found")

// ErrExpired indicates the session exceeded its absolute lifetime or
// idle timeout.
var ErrExpired = errors.New("session expired")

// tokenBytes is the entropy carried by a bearer token (256 bits).
const tokenBytes = 32

// Manager issues, validates, and revokes sessions.
type Manager struct {
	store       storage.SessionStore
	lifetime    time.Duration
	idleTimeout time.Duration
	clock       func() time.Time
	newToken    func() (string, error)
}

// Config controls session expiry policy.
type Config struct {
	// Lifetime is the absolute session lifetime from creation. It is
	// never extended, regardless of activity.
	Lifetime time.Duration `env:"LATCHKEY_SESSION_LIFETIME" envDefault:"168h"`
	// IdleTimeout is the maximum gap between validated uses.
	IdleTimeout time.Duration `env:"LATCHKEY_SESSION_IDLE_TIMEOUT" envDefault:"24h"`
}

// LoadConfigFromEnv reads Config from LATCHKEY_* environment variables.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewManager creates a session manager over the given store.
func NewManager(store storage.SessionStore, cfg Config) *Manager {
	return &Manager{
		store:       store,
		lifetime:    cfg.Lifetime,
		idleTimeout: cfg.IdleTimeout,
		clock:       time.Now,
		newToken:    func() (string, error) { return util.RandomToken(tokenBytes) },
	}
}

// WithClock overrides the time source. Tests use this to step through
// both expiry clocks deterministically.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Create issues a new session for the user. The token is 256 bits of
// randomness and is never derived from any account attribute.
func (m *Manager) Create(userID string) (storage.Session, error) {
	token, err := m.newToken()
	if err != nil {
		return storage.Session{}, fmt.Errorf("generating session token: %w", err)
	}
	now := m.clock().UTC()
	sess := storage.Session{
		Token:        token,
		UserID:       userID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.lifetime),
		LastActiveAt: now,
	}
	if err := m.store.PutSession(sess); err != nil {
		return storage.Session{}, fmt.Errorf("storing session: %w", err)
	}
	return sess, nil
}

// Validate resolves a bearer token. Both clocks are checked on every
// call: the session must be inside its absolute lifetime AND inside the
// idle window from its last validated use. A successful validation
// slides the idle clock forward; it never moves the absolute expiry.
func (m *Manager) Validate(token string) (storage.Session, error) {
	sess, err := m.store.GetSession(token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Session{}, ErrNotFound
		}
		return storage.Session{}, fmt.Errorf("loading session: %w", err)
	}

	now := m.clock().UTC()
	if !now.Before(sess.ExpiresAt) {
		_ = m.store.DeleteSession(token)
		return storage.Session{}, ErrExpired
	}
	if m.idleTimeout > 0 && now.Sub(sess.LastActiveAt) >= m.idleTimeout {
		_ = m.store.DeleteSession(token)
		return storage.Session{}, ErrExpired
	}

	sess.LastActiveAt = now
	if err := m.store.PutSession(sess); err != nil {
		return storage.Session{}, fmt.Errorf("refreshing session: %w", err)
	}
	return sess, nil
}

// Revoke immediately invalidates a session. Revoking an unknown token is
// not an error.
func (m *Manager) Revoke(token string) error {
	return m.store.DeleteSession(token)
}

// SweepExpired removes sessions past either clock. Called from the
// server's background sweep; request handling never depends on it.
func (m *Manager) SweepExpired() error {
	return m.store.DeleteExpiredSessions(m.clock().UTC(), m.idleTimeout)
}

// Package auth orchestrates passkey ceremonies: it owns challenge
// lifecycle, credential and account state transitions, counter policy,
// recovery-code redemption, and session issuance. The cryptographic
// verification itself is delegated to a Verifier.
package auth

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"

	"github.com/jmcleod/latchkey/notify"
	"github.com/jmcleod/latchkey/session"
	"github.com/jmcleod/latchkey/storage"
)

// Config holds orchestrator policy knobs, populated from the
// environment.
type Config struct {
	// ChallengeTTL bounds how long a started ceremony may be finished.
	ChallengeTTL time.Duration `env:"LATCHKEY_CHALLENGE_TTL" envDefault:"10m"`

	// RecoveryWindow and RecoveryMaxAttempts gate recovery-code
	// redemption: at or beyond the limit inside the trailing window,
	// redemption is refused before any code comparison.
	RecoveryWindow      time.Duration `env:"LATCHKEY_RECOVERY_WINDOW" envDefault:"1h"`
	RecoveryMaxAttempts int           `env:"LATCHKEY_RECOVERY_MAX_ATTEMPTS" envDefault:"5"`

	// EventRetention bounds how long security events are kept before
	// the sweeper prunes them.
	EventRetention time.Duration `env:"LATCHKEY_EVENT_RETENTION" envDefault:"2160h"`
}

// LoadConfigFromEnv reads Config from LATCHKEY_* environment variables.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Service is the ceremony orchestrator.
type Service struct {
	store    storage.Store
	verifier Verifier
	sessions *session.Manager
	notifier notify.Notifier
	cfg      Config

	clock func() time.Time
	idGen func() string
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source. Tests use this for deterministic
// TTL and rate-limit behavior.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithIDGenerator overrides the identifier source for users,
// credential refs, and events.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.idGen = gen }
}

// NewService assembles the orchestrator. notifier may be nil, in which
// case notifications are logged.
func NewService(store storage.Store, verifier Verifier, sessions *session.Manager, notifier notify.Notifier, cfg Config, opts ...Option) *Service {
	if notifier == nil {
		notifier = &notify.SlogNotifier{}
	}
	s := &Service{
		store:    store,
		verifier: verifier,
		sessions: sessions,
		notifier: notifier,
		cfg:      cfg,
		clock:    time.Now,
		idGen:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// recordEvent appends a security event. Event log failures are not
// allowed to fail the operation that produced them.
func (s *Service) recordEvent(subject, kind string, outcome storage.EventOutcome, ctx map[string]string) {
	_ = s.store.AppendEvent(storage.SecurityEvent{
		ID:        s.idGen(),
		Subject:   subject,
		Kind:      kind,
		Outcome:   outcome,
		Context:   ctx,
		CreatedAt: s.clock(),
	})
}

// User returns the account record for userID.
func (s *Service) User(userID string) (storage.User, error) {
	return s.store.GetUser(userID)
}

// EventsForSubject returns the security events recorded for a user ID
// or email, newest last.
func (s *Service) EventsForSubject(subject string) ([]storage.SecurityEvent, error) {
	return s.store.ListEventsBySubject(subject)
}

// Sweep removes expired challenges and sessions, recovery attempts that
// have aged out of the rate-limit window, and security events past
// retention. The server runs it periodically.
func (s *Service) Sweep() error {
	now := s.clock()
	if err := s.store.DeleteExpiredChallenges(now); err != nil {
		return err
	}
	if err := s.sessions.SweepExpired(); err != nil {
		return err
	}
	if err := s.store.PruneRecoveryAttempts(now.Add(-s.cfg.RecoveryWindow)); err != nil {
		return err
	}
	return s.store.PruneEvents(now.Add(-s.cfg.EventRetention))
}

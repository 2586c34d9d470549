// Package memory provides an in-memory implementation of the latchkey
// storage interfaces. State is lost on restart; intended for tests and
// local development.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/jmcleod/latchkey/storage"
)

// Store implements storage.Store with plain maps behind one mutex. The
// single lock gives the same serialization guarantees as a BBolt Update
// transaction.
type Store struct {
	mu           sync.Mutex
	users        map[string]storage.User
	usersByEmail map[string]string
	credentials  map[string]storage.Credential
	challenges   map[string]storage.Challenge
	codes        map[string]map[string]storage.RecoveryCode
	attempts     []storage.RecoveryAttempt
	sessions     map[string]storage.Session
	events       []storage.SecurityEvent
}

var _ storage.Store = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		users:        make(map[string]storage.User),
		usersByEmail: make(map[string]string),
		credentials:  make(map[string]storage.Credential),
		challenges:   make(map[string]storage.Challenge),
		codes:        make(map[string]map[string]storage.RecoveryCode),
		sessions:     make(map[string]storage.Session),
	}
}

func (s *Store) PutUser(u storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	s.usersByEmail[u.Email] = u.ID
	return nil
}

func (s *Store) GetUser(userID string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUserByEmail(email string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.usersByEmail[email]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	u, ok := s.users[id]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *Store) InsertCredential(c storage.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[c.ID]; ok {
		return storage.ErrDuplicate
	}
	s.credentials[c.ID] = c
	return nil
}

func (s *Store) GetCredential(credentialID string) (storage.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[credentialID]
	if !ok {
		return storage.Credential{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *Store) GetCredentialByRef(userID, ref string) (storage.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.credentials {
		if c.UserID == userID && c.Ref == ref {
			return c, nil
		}
	}
	return storage.Credential{}, storage.ErrNotFound
}

func (s *Store) ListCredentialsByUser(userID string) ([]storage.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Credential
	for _, c := range s.credentials {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateCredential(c storage.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[c.ID]; !ok {
		return storage.ErrNotFound
	}
	s.credentials[c.ID] = c
	return nil
}

func (s *Store) DeactivateCredential(userID, ref string) (storage.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target storage.Credential
	found := false
	otherActive := 0
	for _, c := range s.credentials {
		if c.UserID != userID {
			continue
		}
		if c.Ref == ref {
			if !c.Active {
				return storage.Credential{}, storage.ErrNotFound
			}
			target = c
			found = true
		} else if c.Active {
			otherActive++
		}
	}
	if !found {
		return storage.Credential{}, storage.ErrNotFound
	}

	if otherActive == 0 {
		unused := 0
		for _, code := range s.codes[userID] {
			if !code.Used() {
				unused++
			}
		}
		if unused == 0 {
			return storage.Credential{}, storage.ErrLastCredential
		}
	}

	target.Active = false
	s.credentials[target.ID] = target
	return target, nil
}

func (s *Store) BumpCredentialCounter(credentialID string, prev, next uint32, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[credentialID]
	if !ok {
		return storage.ErrNotFound
	}
	if c.SignCount != prev {
		return storage.ErrCASFailed
	}
	used := usedAt.UTC()
	c.SignCount = next
	c.LastUsedAt = &used
	s.credentials[credentialID] = c
	return nil
}

func (s *Store) PutChallenge(c storage.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[c.Value] = c
	return nil
}

func (s *Store) ConsumeChallenge(value string, now time.Time) (storage.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[value]
	if !ok {
		return storage.Challenge{}, storage.ErrNotFound
	}
	if c.UsedAt != nil {
		return storage.Challenge{}, storage.ErrAlreadyUsed
	}
	if now.After(c.ExpiresAt) {
		return storage.Challenge{}, storage.ErrExpired
	}
	used := now.UTC()
	c.UsedAt = &used
	s.challenges[value] = c
	return c, nil
}

func (s *Store) DeleteExpiredChallenges(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for value, c := range s.challenges {
		if now.After(c.ExpiresAt) {
			delete(s.challenges, value)
		}
	}
	return nil
}

func (s *Store) ReplaceRecoveryCodes(userID string, codes []storage.RecoveryCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make(map[string]storage.RecoveryCode, len(codes))
	for _, code := range codes {
		batch[code.ID] = code
	}
	s.codes[userID] = batch
	return nil
}

func (s *Store) ListRecoveryCodes(userID string) ([]storage.RecoveryCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.RecoveryCode
	for _, code := range s.codes[userID] {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) RedeemRecoveryCode(userID, codeID string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.codes[userID][codeID]
	if !ok {
		return storage.ErrNotFound
	}
	if code.UsedAt != nil {
		return storage.ErrAlreadyUsed
	}
	used := usedAt.UTC()
	code.UsedAt = &used
	s.codes[userID][codeID] = code
	return nil
}

func (s *Store) AppendRecoveryAttempt(a storage.RecoveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *Store) CountRecoveryAttempts(email string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, a := range s.attempts {
		if a.Email == email && !a.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Store) PruneRecoveryAttempts(before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.attempts[:0]
	for _, a := range s.attempts {
		if !a.CreatedAt.Before(before) {
			kept = append(kept, a)
		}
	}
	s.attempts = kept
	return nil
}

func (s *Store) PutSession(sess storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Token] = sess
	return nil
}

func (s *Store) GetSession(token string) (storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return sess, nil
}

func (s *Store) DeleteSession(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
	return nil
}

func (s *Store) DeleteExpiredSessions(now time.Time, idleTimeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, sess := range s.sessions {
		expired := now.After(sess.ExpiresAt)
		idle := idleTimeout > 0 && now.Sub(sess.LastActiveAt) > idleTimeout
		if expired || idle {
			delete(s.sessions, token)
		}
	}
	return nil
}

func (s *Store) AppendEvent(e storage.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *Store) ListEventsBySubject(subject string) ([]storage.SecurityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.SecurityEvent
	for _, e := range s.events {
		if e.Subject == subject {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) PruneEvents(before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	for _, e := range s.events {
		if !e.CreatedAt.Before(before) {
			kept = append(kept, e)
		}
	}
	s.events = kept
	return nil
}

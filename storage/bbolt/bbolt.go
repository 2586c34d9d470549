// Package bbolt provides a BBolt-backed implementation of the latchkey
// storage interfaces. Every single-use mutation (challenge consumption,
// counter bump, recovery-code redemption) runs inside one Update
// transaction, so concurrent requests cannot double-consume a record.
package bbolt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/latchkey/storage"
)

var (
	bucketUsers             = []byte("users")
	bucketUsersByEmail      = []byte("users_by_email")
	bucketCredentials       = []byte("credentials")
	bucketCredentialsByUser = []byte("credentials_by_user")
	bucketChallenges        = []byte("challenges")
	bucketRecoveryCodes     = []byte("recovery_codes")
	bucketRecoveryAttempts  = []byte("recovery_attempts")
	bucketSessions          = []byte("sessions")
	bucketEvents            = []byte("events")
)

var allBuckets = [][]byte{
	bucketUsers,
	bucketUsersByEmail,
	bucketCredentials,
	bucketCredentialsByUser,
	bucketChallenges,
	bucketRecoveryCodes,
	bucketRecoveryAttempts,
	bucketSessions,
	bucketEvents,
}

// Store implements storage.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore wraps an open BBolt database, creating the required buckets.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewStore(db)
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// compositeKey joins key parts with a NUL separator so that per-user
// prefixes can be scanned with a cursor.
func compositeKey(parts ...string) []byte {
	return []byte(joinNUL(parts...))
}

func joinNUL(parts ...string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\x00"
		}
		out += p
	}
	return out
}

// timeKey renders a timestamp as a fixed-width sortable key segment.
func timeKey(t time.Time) string {
	return fmt.Sprintf("%020d", t.UTC().UnixNano())
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// --- UserStore ---

func (s *Store) PutUser(u storage.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx.Bucket(bucketUsers), []byte(u.ID), u); err != nil {
			return err
		}
		return tx.Bucket(bucketUsersByEmail).Put([]byte(u.Email), []byte(u.ID))
	})
}

func (s *Store) GetUser(userID string) (storage.User, error) {
	var u storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(userID))
		if data == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(data, &u)
	})
	return u, err
}

func (s *Store) GetUserByEmail(email string) (storage.User, error) {
	var u storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUsersByEmail).Get([]byte(email))
		if id == nil {
			return storage.ErrNotFound
		}
		data := tx.Bucket(bucketUsers).Get(id)
		if data == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(data, &u)
	})
	return u, err
}

// --- CredentialStore ---

func (s *Store) InsertCredential(c storage.Credential) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		creds := tx.Bucket(bucketCredentials)
		if creds.Get([]byte(c.ID)) != nil {
			return storage.ErrDuplicate
		}
		if err := putJSON(creds, []byte(c.ID), c); err != nil {
			return err
		}
		return tx.Bucket(bucketCredentialsByUser).Put(compositeKey(c.UserID, c.ID), []byte(c.ID))
	})
}

func (s *Store) GetCredential(credentialID string) (storage.Credential, error) {
	var c storage.Credential
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCredentials).Get([]byte(credentialID))
		if data == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(data, &c)
	})
	return c, err
}

func (s *Store) GetCredentialByRef(userID, ref string) (storage.Credential, error) {
	creds, err := s.ListCredentialsByUser(userID)
	if err != nil {
		return storage.Credential{}, err
	}
	for _, c := range creds {
		if c.Ref == ref {
			return c, nil
		}
	}
	return storage.Credential{}, storage.ErrNotFound
}

func (s *Store) ListCredentialsByUser(userID string) ([]storage.Credential, error) {
	var out []storage.Credential
	err := s.db.View(func(tx *bbolt.Tx) error {
		creds := tx.Bucket(bucketCredentials)
		cur := tx.Bucket(bucketCredentialsByUser).Cursor()
		prefix := compositeKey(userID, "")
		for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
			data := creds.Get(v)
			if data == nil {
				continue
			}
			var c storage.Credential
			if err := json.Unmarshal(data, &c); err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

func (s *Store) UpdateCredential(c storage.Credential) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		creds := tx.Bucket(bucketCredentials)
		if creds.Get([]byte(c.ID)) == nil {
			return storage.ErrNotFound
		}
		return putJSON(creds, []byte(c.ID), c)
	})
}

func (s *Store) DeactivateCredential(userID, ref string) (storage.Credential, error) {
	var target storage.Credential
	err := s.db.Update(func(tx *bbolt.Tx) error {
		creds := tx.Bucket(bucketCredentials)
		cur := tx.Bucket(bucketCredentialsByUser).Cursor()
		prefix := compositeKey(userID, "")

		found := false
		otherActive := 0
		for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
			data := creds.Get(v)
			if data == nil {
				continue
			}
			var c storage.Credential
			if err := json.Unmarshal(data, &c); err != nil {
				return err
			}
			if c.Ref == ref {
				if !c.Active {
					return storage.ErrNotFound
				}
				target = c
				found = true
			} else if c.Active {
				otherActive++
			}
		}
		if !found {
			return storage.ErrNotFound
		}

		if otherActive == 0 {
			unused := 0
			codes := tx.Bucket(bucketRecoveryCodes).Cursor()
			for k, v := codes.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = codes.Next() {
				var code storage.RecoveryCode
				if err := json.Unmarshal(v, &code); err != nil {
					return err
				}
				if !code.Used() {
					unused++
				}
			}
			if unused == 0 {
				return storage.ErrLastCredential
			}
		}

		target.Active = false
		return putJSON(creds, []byte(target.ID), target)
	})
	if err != nil {
		return storage.Credential{}, err
	}
	return target, nil
}

func (s *Store) BumpCredentialCounter(credentialID string, prev, next uint32, usedAt time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		creds := tx.Bucket(bucketCredentials)
		data := creds.Get([]byte(credentialID))
		if data == nil {
			return storage.ErrNotFound
		}
		var c storage.Credential
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		if c.SignCount != prev {
			return storage.ErrCASFailed
		}
		used := usedAt.UTC()
		c.SignCount = next
		c.LastUsedAt = &used
		return putJSON(creds, []byte(c.ID), c)
	})
}

// --- ChallengeStore ---

func (s *Store) PutChallenge(c storage.Challenge) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketChallenges), []byte(c.Value), c)
	})
}

func (s *Store) ConsumeChallenge(value string, now time.Time) (storage.Challenge, error) {
	var c storage.Challenge
	err := s.db.Update(func(tx *bbolt.Tx) error {
		challenges := tx.Bucket(bucketChallenges)
		data := challenges.Get([]byte(value))
		if data == nil {
			return storage.ErrNotFound
		}
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		if c.UsedAt != nil {
			return storage.ErrAlreadyUsed
		}
		if now.After(c.ExpiresAt) {
			return storage.ErrExpired
		}
		used := now.UTC()
		c.UsedAt = &used
		return putJSON(challenges, []byte(value), c)
	})
	if err != nil {
		return storage.Challenge{}, err
	}
	return c, nil
}

func (s *Store) DeleteExpiredChallenges(now time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		challenges := tx.Bucket(bucketChallenges)
		cur := challenges.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var c storage.Challenge
			if err := json.Unmarshal(v, &c); err != nil {
				// Corrupt entry; remove it.
				if err := cur.Delete(); err != nil {
					return err
				}
				continue
			}
			if now.After(c.ExpiresAt) {
				if err := cur.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// --- RecoveryStore ---

func (s *Store) ReplaceRecoveryCodes(userID string, codes []storage.RecoveryCode) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecoveryCodes)
		cur := b.Cursor()
		prefix := compositeKey(userID, "")
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			if err := cur.Delete(); err != nil {
				return err
			}
		}
		for _, code := range codes {
			if err := putJSON(b, compositeKey(userID, code.ID), code); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListRecoveryCodes(userID string) ([]storage.RecoveryCode, error) {
	var out []storage.RecoveryCode
	err := s.db.View(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(bucketRecoveryCodes).Cursor()
		prefix := compositeKey(userID, "")
		for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
			var code storage.RecoveryCode
			if err := json.Unmarshal(v, &code); err != nil {
				return err
			}
			out = append(out, code)
		}
		return nil
	})
	return out, err
}

func (s *Store) RedeemRecoveryCode(userID, codeID string, usedAt time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecoveryCodes)
		key := compositeKey(userID, codeID)
		data := b.Get(key)
		if data == nil {
			return storage.ErrNotFound
		}
		var code storage.RecoveryCode
		if err := json.Unmarshal(data, &code); err != nil {
			return err
		}
		if code.UsedAt != nil {
			return storage.ErrAlreadyUsed
		}
		used := usedAt.UTC()
		code.UsedAt = &used
		return putJSON(b, key, code)
	})
}

func (s *Store) AppendRecoveryAttempt(a storage.RecoveryAttempt) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := compositeKey(a.Email, timeKey(a.CreatedAt), a.ID)
		return putJSON(tx.Bucket(bucketRecoveryAttempts), key, a)
	})
}

func (s *Store) CountRecoveryAttempts(email string, since time.Time) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(bucketRecoveryAttempts).Cursor()
		start := compositeKey(email, timeKey(since))
		end := compositeKey(email, "")
		for k, _ := cur.Seek(start); k != nil && bytes.HasPrefix(k, end); k, _ = cur.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (s *Store) PruneRecoveryAttempts(before time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(bucketRecoveryAttempts).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var a storage.RecoveryAttempt
			if err := json.Unmarshal(v, &a); err != nil || a.CreatedAt.Before(before) {
				if err := cur.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// --- SessionStore ---

func (s *Store) PutSession(sess storage.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketSessions), []byte(sess.Token), sess)
	})
}

func (s *Store) GetSession(token string) (storage.Session, error) {
	var sess storage.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(token))
		if data == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(data, &sess)
	})
	return sess, err
}

func (s *Store) DeleteSession(token string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(token))
	})
}

func (s *Store) DeleteExpiredSessions(now time.Time, idleTimeout time.Duration) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(bucketSessions).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var sess storage.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				if err := cur.Delete(); err != nil {
					return err
				}
				continue
			}
			expired := now.After(sess.ExpiresAt)
			idle := idleTimeout > 0 && now.Sub(sess.LastActiveAt) > idleTimeout
			if expired || idle {
				if err := cur.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// --- EventStore ---

func (s *Store) AppendEvent(e storage.SecurityEvent) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := compositeKey(timeKey(e.CreatedAt), e.ID)
		return putJSON(tx.Bucket(bucketEvents), key, e)
	})
}

func (s *Store) ListEventsBySubject(subject string) ([]storage.SecurityEvent, error) {
	var out []storage.SecurityEvent
	err := s.db.View(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(bucketEvents).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var e storage.SecurityEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Subject == subject {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) PruneEvents(before time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(bucketEvents).Cursor()
		limit := compositeKey(timeKey(before), "")
		for k, _ := cur.First(); k != nil && bytes.Compare(k, limit) < 0; k, _ = cur.First() {
			if err := cur.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

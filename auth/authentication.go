package auth

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/jmcleod/latchkey/internal/util"
	"github.com/jmcleod/latchkey/notify"
	"github.com/jmcleod/latchkey/storage"
)

// AuthResult is returned on a completed authentication.
type AuthResult struct {
	User       storage.User
	Credential storage.Credential
	Session    storage.Session
}

// StartAuthentication begins an authentication ceremony. When email
// names a known account with active credentials the options carry its
// allow-list; otherwise a discoverable ceremony is started, so the
// response is identical for unknown emails.
func (s *Service) StartAuthentication(email string) (Ceremony, error) {
	var bound *CeremonyUser
	var userID string

	if email != "" {
		email = util.NormalizeEmail(email)
		user, err := s.store.GetUserByEmail(email)
		if err == nil && user.Active {
			stored, err := s.store.ListCredentialsByUser(user.ID)
			if err != nil {
				return Ceremony{}, err
			}
			var creds []StoredCredential
			for _, c := range stored {
				if !c.Active {
					continue
				}
				raw, err := base64.RawURLEncoding.DecodeString(c.ID)
				if err != nil {
					continue
				}
				creds = append(creds, StoredCredential{ID: raw, PublicKey: c.PublicKey, SignCount: c.SignCount})
			}
			if len(creds) > 0 {
				bound = &CeremonyUser{
					ID:          []byte(user.ID),
					Name:        user.Email,
					DisplayName: user.Email,
					Credentials: creds,
				}
				userID = user.ID
			}
		} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return Ceremony{}, err
		}
	}

	cer, err := s.verifier.BeginAuthentication(bound)
	if err != nil {
		return Ceremony{}, err
	}

	now := s.clock()
	err = s.store.PutChallenge(storage.Challenge{
		Value:     cer.Challenge,
		Kind:      storage.ChallengeAuthentication,
		UserID:    userID,
		StateJSON: cer.State,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.ChallengeTTL),
	})
	if err != nil {
		return Ceremony{}, err
	}
	return cer, nil
}

// VerifyAuthentication completes an authentication ceremony. The
// challenge is consumed up front; signature verification, credential
// lookup, and counter policy all run against the consumed challenge, so
// a failed attempt cannot be retried on the same one. A signature
// counter regression deactivates the credential and refuses the login.
func (s *Service) VerifyAuthentication(challengeRef string, response []byte) (AuthResult, error) {
	now := s.clock()

	ch, err := s.store.ConsumeChallenge(challengeRef, now)
	if err != nil {
		s.recordEvent("", "login", storage.OutcomeFailure, map[string]string{"reason": "challenge"})
		return AuthResult{}, ErrChallengeInvalid
	}
	if ch.Kind != storage.ChallengeAuthentication {
		s.recordEvent("", "login", storage.OutcomeFailure, map[string]string{"reason": "challenge_kind"})
		return AuthResult{}, ErrChallengeInvalid
	}

	// The lookup closure resolves the asserted credential for the
	// verifier and captures the matched records for the policy steps
	// below.
	var (
		matched storage.Credential
		owner   storage.User
		unknown bool
	)
	lookup := func(credentialID, userHandle []byte) (CeremonyUser, error) {
		encoded := base64.RawURLEncoding.EncodeToString(credentialID)
		cred, err := s.store.GetCredential(encoded)
		if err != nil || !cred.Active {
			unknown = true
			return CeremonyUser{}, fmt.Errorf("unknown credential")
		}
		if len(userHandle) > 0 && string(userHandle) != cred.UserID {
			unknown = true
			return CeremonyUser{}, fmt.Errorf("credential owner mismatch")
		}
		user, err := s.store.GetUser(cred.UserID)
		if err != nil || !user.Active {
			unknown = true
			return CeremonyUser{}, fmt.Errorf("unknown account")
		}

		stored, err := s.store.ListCredentialsByUser(user.ID)
		if err != nil {
			return CeremonyUser{}, err
		}
		var creds []StoredCredential
		for _, c := range stored {
			if !c.Active {
				continue
			}
			raw, err := base64.RawURLEncoding.DecodeString(c.ID)
			if err != nil {
				continue
			}
			creds = append(creds, StoredCredential{ID: raw, PublicKey: c.PublicKey, SignCount: c.SignCount})
		}

		matched = cred
		owner = user
		return CeremonyUser{
			ID:          []byte(user.ID),
			Name:        user.Email,
			DisplayName: user.Email,
			Credentials: creds,
		}, nil
	}

	assertion, err := s.verifier.FinishAuthentication(ch.StateJSON, response, lookup)
	if err != nil {
		if unknown {
			s.recordEvent(ch.UserID, "login", storage.OutcomeFailure, map[string]string{"reason": "unknown_credential"})
			return AuthResult{}, ErrCredentialNotFound
		}
		s.recordEvent(ch.UserID, "login", storage.OutcomeFailure, map[string]string{"reason": "assertion"})
		return AuthResult{}, ErrAssertionInvalid
	}

	// Counter policy. Authenticators that never report a counter send
	// zero on every assertion; for those the check is skipped. Once
	// either side is non-zero the new value must strictly increase, or
	// the assertion may have come from a cloned credential.
	if matched.SignCount > 0 || assertion.SignCount > 0 {
		if assertion.SignCount <= matched.SignCount {
			matched.Active = false
			if err := s.store.UpdateCredential(matched); err != nil {
				return AuthResult{}, err
			}
			s.recordEvent(owner.ID, "possible_cloning", storage.OutcomeFailure, map[string]string{
				"credential_ref": matched.Ref,
				"stored_count":   fmt.Sprint(matched.SignCount),
				"asserted_count": fmt.Sprint(assertion.SignCount),
			})
			s.notifier.Notify(notify.Notification{
				UserID:  owner.ID,
				Email:   owner.Email,
				Kind:    notify.KindPossibleCloning,
				Payload: map[string]string{"label": matched.Label},
			})
			return AuthResult{}, ErrPossibleCloning
		}
	}

	// CAS bump: if a concurrent assertion advanced the counter first,
	// this one loses and is refused rather than silently accepted
	// against a stale counter.
	if err := s.store.BumpCredentialCounter(matched.ID, matched.SignCount, assertion.SignCount, now); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			s.recordEvent(owner.ID, "login", storage.OutcomeFailure, map[string]string{"reason": "counter_race"})
			return AuthResult{}, ErrAssertionInvalid
		}
		return AuthResult{}, err
	}
	matched.SignCount = assertion.SignCount
	matched.LastUsedAt = &now

	owner.LastLoginAt = &now
	if err := s.store.PutUser(owner); err != nil {
		return AuthResult{}, err
	}

	sess, err := s.sessions.Create(owner.ID)
	if err != nil {
		return AuthResult{}, err
	}

	s.recordEvent(owner.ID, "login", storage.OutcomeSuccess, map[string]string{"credential_ref": matched.Ref})
	return AuthResult{User: owner, Credential: matched, Session: sess}, nil
}

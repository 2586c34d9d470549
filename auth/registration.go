package auth

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/jmcleod/latchkey/internal/util"
	"github.com/jmcleod/latchkey/notify"
	"github.com/jmcleod/latchkey/recovery"
	"github.com/jmcleod/latchkey/storage"
)

// RegistrationResult is returned on a completed registration ceremony.
// RecoveryCodes is populated exactly once, on the account's first
// credential, and holds the only plaintext rendering of the codes.
type RegistrationResult struct {
	User            storage.User
	Credential      storage.Credential
	Session         storage.Session
	RecoveryCodes   []string
	MustAcknowledge bool
}

// StartRegistration begins a registration ceremony for email, returning
// client-facing options and a single-use challenge reference. For an
// existing account the options exclude its active credentials so the
// authenticator refuses to re-register one it already holds.
func (s *Service) StartRegistration(email string) (Ceremony, error) {
	email = util.NormalizeEmail(email)
	if email == "" {
		return Ceremony{}, fmt.Errorf("empty email")
	}

	userID := s.idGen()
	var creds []StoredCredential
	user, err := s.store.GetUserByEmail(email)
	switch {
	case err == nil:
		userID = user.ID
		stored, err := s.store.ListCredentialsByUser(user.ID)
		if err != nil {
			return Ceremony{}, err
		}
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
	case errors.Is(err, storage.ErrNotFound):
		// New account: the user record is created only when the
		// ceremony completes. The provisional ID travels with the
		// challenge.
	default:
		return Ceremony{}, err
	}

	cer, err := s.verifier.BeginRegistration(CeremonyUser{
		ID:          []byte(userID),
		Name:        email,
		DisplayName: email,
		Credentials: creds,
	})
	if err != nil {
		return Ceremony{}, err
	}

	now := s.clock()
	err = s.store.PutChallenge(storage.Challenge{
		Value:     cer.Challenge,
		Kind:      storage.ChallengeRegistration,
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

// VerifyRegistration completes a registration ceremony. The challenge is
// consumed before verification, so a rejected response still spends it.
// On an account's first credential the result carries a fresh batch of
// recovery codes that must be acknowledged before they can be shown
// again.
func (s *Service) VerifyRegistration(email, challengeRef string, response []byte, label string) (RegistrationResult, error) {
	email = util.NormalizeEmail(email)
	now := s.clock()

	ch, err := s.store.ConsumeChallenge(challengeRef, now)
	if err != nil {
		s.recordEvent(email, "registration", storage.OutcomeFailure, map[string]string{"reason": "challenge"})
		return RegistrationResult{}, ErrChallengeInvalid
	}
	if ch.Kind != storage.ChallengeRegistration {
		s.recordEvent(email, "registration", storage.OutcomeFailure, map[string]string{"reason": "challenge_kind"})
		return RegistrationResult{}, ErrChallengeInvalid
	}

	user, err := s.store.GetUserByEmail(email)
	newAccount := false
	switch {
	case err == nil:
		if user.ID != ch.UserID {
			// The account changed hands between start and finish;
			// the ceremony was bound to stale identity.
			s.recordEvent(email, "registration", storage.OutcomeFailure, map[string]string{"reason": "identity_mismatch"})
			return RegistrationResult{}, ErrChallengeInvalid
		}
	case errors.Is(err, storage.ErrNotFound):
		newAccount = true
		user = storage.User{
			ID:        ch.UserID,
			Email:     email,
			CreatedAt: now,
			Active:    true,
		}
	default:
		return RegistrationResult{}, err
	}

	verified, err := s.verifier.FinishRegistration(ch.StateJSON, CeremonyUser{
		ID:          []byte(ch.UserID),
		Name:        email,
		DisplayName: email,
	}, response)
	if err != nil {
		s.recordEvent(user.ID, "registration", storage.OutcomeFailure, map[string]string{"reason": "attestation"})
		return RegistrationResult{}, ErrAttestationInvalid
	}

	if label == "" {
		label = "Passkey"
	}
	cred := storage.Credential{
		ID:             base64.RawURLEncoding.EncodeToString(verified.ID),
		Ref:            s.idGen(),
		UserID:         user.ID,
		PublicKey:      verified.PublicKey,
		SignCount:      verified.SignCount,
		BackupEligible: verified.BackupEligible,
		BackupState:    verified.BackupState,
		Transports:     verified.Transports,
		Label:          label,
		CreatedAt:      now,
		Active:         true,
	}
	if err := s.store.InsertCredential(cred); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			s.recordEvent(user.ID, "registration", storage.OutcomeFailure, map[string]string{"reason": "duplicate_credential"})
			return RegistrationResult{}, ErrDuplicateCredential
		}
		return RegistrationResult{}, err
	}

	user.LastLoginAt = &now
	if err := s.store.PutUser(user); err != nil {
		return RegistrationResult{}, err
	}

	result := RegistrationResult{User: user, Credential: cred}

	if newAccount {
		plaintext, hashes, err := recovery.GenerateBatch(recovery.BatchSize)
		if err != nil {
			return RegistrationResult{}, err
		}
		codes := make([]storage.RecoveryCode, len(hashes))
		for i, h := range hashes {
			codes[i] = storage.RecoveryCode{
				ID:        s.idGen(),
				UserID:    user.ID,
				Hash:      h,
				CreatedAt: now,
			}
		}
		if err := s.store.ReplaceRecoveryCodes(user.ID, codes); err != nil {
			return RegistrationResult{}, err
		}
		result.RecoveryCodes = plaintext
		result.MustAcknowledge = true
	}

	sess, err := s.sessions.Create(user.ID)
	if err != nil {
		return RegistrationResult{}, err
	}
	result.Session = sess

	s.recordEvent(user.ID, "registration", storage.OutcomeSuccess, map[string]string{
		"credential_ref": cred.Ref,
		"label":          cred.Label,
	})
	s.notifier.Notify(notify.Notification{
		UserID:  user.ID,
		Email:   user.Email,
		Kind:    notify.KindPasskeyRegistered,
		Payload: map[string]string{"label": cred.Label},
	})
	return result, nil
}

package auth

import (
	"errors"
	"time"

	"github.com/jmcleod/latchkey/internal/util"
	"github.com/jmcleod/latchkey/notify"
	"github.com/jmcleod/latchkey/recovery"
	"github.com/jmcleod/latchkey/storage"
)

// RedeemRecoveryCode authenticates with a single-use recovery code. The
// attempt is rate limited per email before any code comparison, every
// attempt is logged whether or not the account exists, and a code that
// matches is burned atomically so concurrent redemptions produce one
// winner. A successful redemption always notifies the account owner.
func (s *Service) RedeemRecoveryCode(email, code, remoteIP string) (AuthResult, error) {
	email = util.NormalizeEmail(email)
	now := s.clock()

	count, err := s.store.CountRecoveryAttempts(email, now.Add(-s.cfg.RecoveryWindow))
	if err != nil {
		return AuthResult{}, err
	}
	if count >= s.cfg.RecoveryMaxAttempts {
		s.appendAttempt(email, false, remoteIP, now)
		s.recordEvent(email, "recovery", storage.OutcomeFailure, map[string]string{"reason": "rate_limited"})
		return AuthResult{}, ErrRateLimited
	}

	user, err := s.store.GetUserByEmail(email)
	if err != nil {
		// Unknown account: burn comparable time against a throwaway
		// hash so the response cannot date the account's existence.
		recovery.MatchDummy(code)
		s.appendAttempt(email, false, remoteIP, now)
		s.recordEvent(email, "recovery", storage.OutcomeFailure, map[string]string{"reason": "unknown_account"})
		return AuthResult{}, ErrInvalidCode
	}

	codes, err := s.store.ListRecoveryCodes(user.ID)
	if err != nil {
		return AuthResult{}, err
	}
	var matchedID string
	for _, rc := range codes {
		if rc.Used() {
			continue
		}
		if recovery.Match(rc.Hash, code) {
			matchedID = rc.ID
			break
		}
	}
	if matchedID == "" {
		s.appendAttempt(email, false, remoteIP, now)
		s.recordEvent(user.ID, "recovery", storage.OutcomeFailure, map[string]string{"reason": "no_match"})
		return AuthResult{}, ErrInvalidCode
	}

	if err := s.store.RedeemRecoveryCode(user.ID, matchedID, now); err != nil {
		if errors.Is(err, storage.ErrAlreadyUsed) {
			// Lost a concurrent race for the same code; it is spent.
			s.appendAttempt(email, false, remoteIP, now)
			s.recordEvent(user.ID, "recovery", storage.OutcomeFailure, map[string]string{"reason": "already_used"})
			return AuthResult{}, ErrInvalidCode
		}
		return AuthResult{}, err
	}

	s.appendAttempt(email, true, remoteIP, now)

	user.LastLoginAt = &now
	if err := s.store.PutUser(user); err != nil {
		return AuthResult{}, err
	}
	sess, err := s.sessions.Create(user.ID)
	if err != nil {
		return AuthResult{}, err
	}

	s.recordEvent(user.ID, "recovery", storage.OutcomeSuccess, map[string]string{"remote_ip": remoteIP})
	s.notifier.Notify(notify.Notification{
		UserID:  user.ID,
		Email:   user.Email,
		Kind:    notify.KindRecoveryUsed,
		Payload: map[string]string{"remote_ip": remoteIP},
	})
	return AuthResult{User: user, Session: sess}, nil
}

func (s *Service) appendAttempt(email string, success bool, remoteIP string, now time.Time) {
	_ = s.store.AppendRecoveryAttempt(storage.RecoveryAttempt{
		ID:        s.idGen(),
		Email:     email,
		Success:   success,
		RemoteIP:  remoteIP,
		CreatedAt: now,
	})
}

// AcknowledgeRecoveryCodes records that the user confirmed saving their
// codes. The plaintext is never shown again after this point.
func (s *Service) AcknowledgeRecoveryCodes(userID string) error {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return err
	}
	now := s.clock()
	user.RecoveryCodesAckedAt = &now
	return s.store.PutUser(user)
}

// RegenerateRecoveryCodes replaces the user's batch with a fresh one,
// invalidating every previous code, and resets the acknowledgement. The
// new plaintext is returned exactly once.
func (s *Service) RegenerateRecoveryCodes(userID string) ([]string, error) {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return nil, err
	}

	plaintext, hashes, err := recovery.GenerateBatch(recovery.BatchSize)
	if err != nil {
		return nil, err
	}
	now := s.clock()
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
		return nil, err
	}

	user.RecoveryCodesAckedAt = nil
	if err := s.store.PutUser(user); err != nil {
		return nil, err
	}

	s.recordEvent(user.ID, "recovery_codes_regenerated", storage.OutcomeSuccess, nil)
	s.notifier.Notify(notify.Notification{
		UserID: user.ID,
		Email:  user.Email,
		Kind:   notify.KindCodesRegenerated,
	})
	return plaintext, nil
}

// RemainingRecoveryCodes reports how many unused codes the user holds.
func (s *Service) RemainingRecoveryCodes(userID string) (int, error) {
	codes, err := s.store.ListRecoveryCodes(userID)
	if err != nil {
		return 0, err
	}
	remaining := 0
	for _, rc := range codes {
		if !rc.Used() {
			remaining++
		}
	}
	return remaining, nil
}

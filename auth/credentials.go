package auth

import (
	"errors"

	"github.com/jmcleod/latchkey/notify"
	"github.com/jmcleod/latchkey/storage"
)

// ListCredentials returns the user's credentials, active first in
// insertion order. Callers see the opaque Ref, never the raw
// authenticator credential ID.
func (s *Service) ListCredentials(userID string) ([]storage.Credential, error) {
	return s.store.ListCredentialsByUser(userID)
}

// RemoveCredential deactivates one of the user's credentials, looked up
// by its opaque ref. Removing the last active credential is refused
// while no unused recovery codes remain, since that would leave the
// account with no way back in.
func (s *Service) RemoveCredential(userID, ref string) error {
	// The store runs the last-credential check and the deactivation in
	// one transaction, so two concurrent removals cannot both pass the
	// check and strand the account.
	cred, err := s.store.DeactivateCredential(userID, ref)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return ErrCredentialNotFound
		case errors.Is(err, storage.ErrLastCredential):
			return ErrWouldStrandAccount
		}
		return err
	}

	s.recordEvent(userID, "credential_removed", storage.OutcomeSuccess, map[string]string{
		"credential_ref": cred.Ref,
		"label":          cred.Label,
	})
	user, err := s.store.GetUser(userID)
	if err == nil {
		s.notifier.Notify(notify.Notification{
			UserID:  user.ID,
			Email:   user.Email,
			Kind:    notify.KindCredentialRemoved,
			Payload: map[string]string{"label": cred.Label},
		})
	}
	return nil
}

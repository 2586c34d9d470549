package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/latchkey/auth"
)

// SessionInfo handles GET /auth/session.
func (a *API) SessionInfo(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	user, err := a.svc.User(sess.UserID)
	if err != nil {
		mapError(w, err)
		return
	}
	remaining, err := a.svc.RemainingRecoveryCodes(sess.UserID)
	if err != nil {
		mapError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SessionInfoResponse{
		User:                   UserInfo{ID: user.ID, Email: user.Email},
		CreatedAt:              sess.CreatedAt,
		ExpiresAt:              sess.ExpiresAt,
		LastActiveAt:           sess.LastActiveAt,
		RecoveryCodesRemaining: remaining,
		RecoveryCodesAcked:     user.RecoveryCodesAckedAt != nil,
	})
}

// Logout handles POST /auth/logout. A revoked token is afterwards
// indistinguishable from one that never existed.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := a.sessions.Revoke(sess.Token); err != nil {
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditLogout, r, sess.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// ListCredentials handles GET /credentials.
func (a *API) ListCredentials(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	creds, err := a.svc.ListCredentials(sess.UserID)
	if err != nil {
		mapError(w, err)
		return
	}

	out := make([]CredentialInfo, 0, len(creds))
	for _, c := range creds {
		if !c.Active {
			continue
		}
		out = append(out, toCredentialInfo(c))
	}
	writeJSON(w, http.StatusOK, ListCredentialsResponse{Credentials: out})
}

// RemoveCredential handles DELETE /credentials/{credentialRef}.
func (a *API) RemoveCredential(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	ref := chi.URLParam(r, "credentialRef")
	if err := a.svc.RemoveCredential(sess.UserID, ref); err != nil {
		if errors.Is(err, auth.ErrCredentialNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditCredentialRemoved, r, sess.UserID, slog.String("credential_ref", ref))
	w.WriteHeader(http.StatusNoContent)
}

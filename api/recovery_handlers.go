package api

import (
	"errors"
	"net/http"

	"github.com/jmcleod/latchkey/auth"
)

// RecoverAccount handles POST /auth/recover.
func (a *API) RecoverAccount(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !validEmail(req.Email) || req.Code == "" {
		writeError(w, http.StatusBadRequest, "email and code are required")
		return
	}

	result, err := a.svc.RedeemRecoveryCode(req.Email, req.Code, a.extractClientIP(r))
	if err != nil {
		if errors.Is(err, auth.ErrRateLimited) {
			a.audit.logFailure(AuditRecoveryRateLimited, r, err.Error())
		} else {
			a.audit.logFailure(AuditRecoveryFailure, r, err.Error())
		}
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditRecoverySuccess, r, result.User.ID)
	writeJSON(w, http.StatusOK, SessionResponse{
		Token:     result.Session.Token,
		ExpiresAt: result.Session.ExpiresAt,
		User:      UserInfo{ID: result.User.ID, Email: result.User.Email},
	})
}

// AcknowledgeRecoveryCodes handles POST /auth/recovery-codes/ack.
func (a *API) AcknowledgeRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := a.svc.AcknowledgeRecoveryCodes(sess.UserID); err != nil {
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditCodesAcknowledged, r, sess.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// RegenerateRecoveryCodes handles POST /auth/recovery-codes/regenerate.
func (a *API) RegenerateRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	codes, err := a.svc.RegenerateRecoveryCodes(sess.UserID)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditCodesRegenerated, r, sess.UserID)
	writeJSON(w, http.StatusOK, RecoveryCodesResponse{
		Codes:           codes,
		MustAcknowledge: true,
	})
}

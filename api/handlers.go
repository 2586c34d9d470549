package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"github.com/jmcleod/latchkey/auth"
	"github.com/jmcleod/latchkey/storage"
)

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func validEmail(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" || len(email) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// StartRegistration handles POST /auth/registration/start.
func (a *API) StartRegistration(w http.ResponseWriter, r *http.Request) {
	var req StartRegistrationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !validEmail(req.Email) {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}

	cer, err := a.svc.StartRegistration(req.Email)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditRegistrationStarted, r)
	writeJSON(w, http.StatusOK, ChallengeResponse{
		ChallengeRef: cer.Challenge,
		Options:      cer.OptionsJSON,
	})
}

// VerifyRegistration handles POST /auth/registration/verify.
func (a *API) VerifyRegistration(w http.ResponseWriter, r *http.Request) {
	var req VerifyRegistrationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !validEmail(req.Email) || req.ChallengeRef == "" || len(req.Response) == 0 {
		writeError(w, http.StatusBadRequest, "email, challenge_ref, and response are required")
		return
	}

	result, err := a.svc.VerifyRegistration(req.Email, req.ChallengeRef, req.Response, req.Label)
	if err != nil {
		a.audit.logFailure(AuditRegistrationFailure, r, err.Error())
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditRegistrationSuccess, r, result.User.ID,
		slog.String("credential_ref", result.Credential.Ref))

	cred := toCredentialInfo(result.Credential)
	writeJSON(w, http.StatusOK, SessionResponse{
		Token:           result.Session.Token,
		ExpiresAt:       result.Session.ExpiresAt,
		User:            UserInfo{ID: result.User.ID, Email: result.User.Email},
		Credential:      &cred,
		RecoveryCodes:   result.RecoveryCodes,
		MustAcknowledge: result.MustAcknowledge,
	})
}

// StartAuthentication handles POST /auth/authentication/start.
func (a *API) StartAuthentication(w http.ResponseWriter, r *http.Request) {
	var req StartAuthenticationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cer, err := a.svc.StartAuthentication(req.Email)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.log(AuditLoginStarted, r)
	writeJSON(w, http.StatusOK, ChallengeResponse{
		ChallengeRef: cer.Challenge,
		Options:      cer.OptionsJSON,
	})
}

// VerifyAuthentication handles POST /auth/authentication/verify.
func (a *API) VerifyAuthentication(w http.ResponseWriter, r *http.Request) {
	var req VerifyAuthenticationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ChallengeRef == "" || len(req.Response) == 0 {
		writeError(w, http.StatusBadRequest, "challenge_ref and response are required")
		return
	}

	result, err := a.svc.VerifyAuthentication(req.ChallengeRef, req.Response)
	if err != nil {
		if errors.Is(err, auth.ErrPossibleCloning) {
			a.audit.logFailure(AuditPossibleCloning, r, err.Error())
		} else {
			a.audit.logFailure(AuditLoginFailure, r, err.Error())
		}
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditLoginSuccess, r, result.User.ID,
		slog.String("credential_ref", result.Credential.Ref))

	cred := toCredentialInfo(result.Credential)
	writeJSON(w, http.StatusOK, SessionResponse{
		Token:      result.Session.Token,
		ExpiresAt:  result.Session.ExpiresAt,
		User:       UserInfo{ID: result.User.ID, Email: result.User.Email},
		Credential: &cred,
	})
}

func toCredentialInfo(c storage.Credential) CredentialInfo {
	return CredentialInfo{
		Ref:        c.Ref,
		Label:      c.Label,
		Transports: c.Transports,
		CreatedAt:  c.CreatedAt,
		LastUsedAt: c.LastUsedAt,
	}
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/latchkey/auth"
	"github.com/jmcleod/latchkey/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError translates domain errors to HTTP statuses. Authentication
// failures deliberately collapse to one generic message: the detailed
// cause is recorded in the security event log, never in the response.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrChallengeInvalid):
		writeError(w, http.StatusBadRequest, "invalid or expired challenge")
	case errors.Is(err, auth.ErrAttestationInvalid),
		errors.Is(err, auth.ErrAssertionInvalid),
		errors.Is(err, auth.ErrCredentialNotFound),
		errors.Is(err, auth.ErrPossibleCloning),
		errors.Is(err, auth.ErrInvalidCode):
		writeError(w, http.StatusUnauthorized, "authentication failed")
	case errors.Is(err, auth.ErrDuplicateCredential):
		writeError(w, http.StatusConflict, "credential already registered")
	case errors.Is(err, auth.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "too many attempts, try again later")
	case errors.Is(err, auth.ErrWouldStrandAccount):
		writeError(w, http.StatusConflict, "removing this credential would leave the account unrecoverable")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

package auth

import "errors"

// Domain errors for ceremony and account operations. Handlers map these
// to HTTP statuses with generic user-facing messages; the detailed cause
// lives in the security event log only, so responses never reveal
// whether an email or credential exists.
var (
	// ErrChallengeInvalid covers a missing, expired, or already-used
	// ceremony challenge. The only remedy is a fresh challenge.
	ErrChallengeInvalid = errors.New("challenge invalid")

	// ErrAttestationInvalid indicates the verification primitive
	// rejected a registration response.
	ErrAttestationInvalid = errors.New("attestation invalid")

	// ErrAssertionInvalid indicates the verification primitive rejected
	// an authentication response.
	ErrAssertionInvalid = errors.New("assertion invalid")

	// ErrDuplicateCredential indicates the credential ID is already
	// registered. Existing credentials are never overwritten.
	ErrDuplicateCredential = errors.New("credential already registered")

	// ErrCredentialNotFound indicates the asserted credential is unknown
	// or inactive.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrPossibleCloning indicates a signature counter regression. The
	// credential has been deactivated; no session was issued.
	ErrPossibleCloning = errors.New("possible credential cloning detected")

	// ErrRateLimited indicates too many recovery attempts inside the
	// trailing window.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidCode indicates the recovery code did not match any
	// unused code (or the account does not exist — deliberately
	// indistinguishable).
	ErrInvalidCode = errors.New("invalid recovery code")

	// ErrWouldStrandAccount blocks removing the last active credential
	// when no unused recovery codes remain.
	ErrWouldStrandAccount = errors.New("removing this credential would strand the account")
)

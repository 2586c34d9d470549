package auth

// CeremonyUser is the account identity handed to the verification
// primitive for a ceremony. ID is the opaque user handle written to the
// authenticator; Credentials carries the stored public key material the
// primitive needs for exclusion lists and assertion checks.
type CeremonyUser struct {
	ID          []byte
	Name        string
	DisplayName string
	Credentials []StoredCredential
}

// StoredCredential is the subset of a registered credential the
// verification primitive consumes.
type StoredCredential struct {
	ID        []byte
	PublicKey []byte
	SignCount uint32
}

// Ceremony is the client-facing half of a started ceremony. Challenge is
// the single-use lookup value; OptionsJSON is handed verbatim to the
// client; State is the serialized verifier state replayed at finish.
type Ceremony struct {
	Challenge   string
	OptionsJSON []byte
	State       []byte
}

// VerifiedCredential is the outcome of a successful registration
// verification.
type VerifiedCredential struct {
	ID             []byte
	PublicKey      []byte
	SignCount      uint32
	BackupEligible bool
	BackupState    bool
	Transports     []string
}

// VerifiedAssertion is the outcome of a successful authentication
// verification. SignCount is the counter reported in this assertion,
// before any policy decision.
type VerifiedAssertion struct {
	CredentialID []byte
	UserHandle   []byte
	SignCount    uint32
}

// CredentialLookup resolves an asserted credential to its owner. Either
// credentialID or userHandle may drive the lookup depending on whether
// the ceremony was bound to a known account.
type CredentialLookup func(credentialID, userHandle []byte) (CeremonyUser, error)

// Verifier performs the cryptographic half of both ceremonies. The
// orchestrator owns all storage, counter policy, and session decisions;
// the verifier only proves possession.
type Verifier interface {
	BeginRegistration(user CeremonyUser) (Ceremony, error)
	FinishRegistration(state []byte, user CeremonyUser, response []byte) (VerifiedCredential, error)

	// BeginAuthentication starts an assertion ceremony. A nil user
	// starts a discoverable ceremony so unknown emails are
	// indistinguishable from known ones.
	BeginAuthentication(user *CeremonyUser) (Ceremony, error)
	FinishAuthentication(state []byte, response []byte, lookup CredentialLookup) (VerifiedAssertion, error)
}

package passkey

import (
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/jmcleod/latchkey/auth"
)

// Verifier is the production auth.Verifier, backed by go-webauthn. It is
// stateless: ceremony state round-trips through the caller as the
// serialized webauthn.SessionData.
type Verifier struct {
	wa *webauthn.WebAuthn
}

// NewVerifier builds a Verifier for the configured relying party.
func NewVerifier(cfg Config) (*Verifier, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn config: %w", err)
	}
	return &Verifier{wa: wa}, nil
}

// ceremonyUser adapts auth.CeremonyUser to the webauthn.User interface.
type ceremonyUser struct {
	u auth.CeremonyUser
}

func (c *ceremonyUser) WebAuthnID() []byte          { return c.u.ID }
func (c *ceremonyUser) WebAuthnName() string        { return c.u.Name }
func (c *ceremonyUser) WebAuthnDisplayName() string { return c.u.DisplayName }
func (c *ceremonyUser) WebAuthnIcon() string        { return "" }

func (c *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, 0, len(c.u.Credentials))
	for _, sc := range c.u.Credentials {
		creds = append(creds, webauthn.Credential{
			ID:        sc.ID,
			PublicKey: sc.PublicKey,
			Authenticator: webauthn.Authenticator{
				SignCount: sc.SignCount,
			},
		})
	}
	return creds
}

func (v *Verifier) BeginRegistration(user auth.CeremonyUser) (auth.Ceremony, error) {
	wu := &ceremonyUser{u: user}

	opts := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementPreferred),
	}
	if len(user.Credentials) > 0 {
		opts = append(opts, webauthn.WithExclusions(webauthn.Credentials(wu.WebAuthnCredentials()).CredentialDescriptors()))
	}

	creation, sd, err := v.wa.BeginRegistration(wu, opts...)
	if err != nil {
		return auth.Ceremony{}, fmt.Errorf("begin registration: %w", err)
	}
	return marshalCeremony(creation, sd)
}

func (v *Verifier) FinishRegistration(state []byte, user auth.CeremonyUser, response []byte) (auth.VerifiedCredential, error) {
	var sd webauthn.SessionData
	if err := json.Unmarshal(state, &sd); err != nil {
		return auth.VerifiedCredential{}, fmt.Errorf("decode ceremony state: %w", err)
	}
	parsed, err := protocol.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return auth.VerifiedCredential{}, fmt.Errorf("parse credential response: %w", err)
	}

	cred, err := v.wa.CreateCredential(&ceremonyUser{u: user}, sd, parsed)
	if err != nil {
		return auth.VerifiedCredential{}, fmt.Errorf("validate credential response: %w", err)
	}

	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	return auth.VerifiedCredential{
		ID:             cred.ID,
		PublicKey:      cred.PublicKey,
		SignCount:      cred.Authenticator.SignCount,
		BackupEligible: cred.Flags.BackupEligible,
		BackupState:    cred.Flags.BackupState,
		Transports:     transports,
	}, nil
}

func (v *Verifier) BeginAuthentication(user *auth.CeremonyUser) (auth.Ceremony, error) {
	var (
		assertion *protocol.CredentialAssertion
		sd        *webauthn.SessionData
		err       error
	)
	if user == nil {
		assertion, sd, err = v.wa.BeginDiscoverableLogin()
	} else {
		assertion, sd, err = v.wa.BeginLogin(&ceremonyUser{u: *user})
	}
	if err != nil {
		return auth.Ceremony{}, fmt.Errorf("begin authentication: %w", err)
	}
	return marshalCeremony(assertion, sd)
}

func (v *Verifier) FinishAuthentication(state []byte, response []byte, lookup auth.CredentialLookup) (auth.VerifiedAssertion, error) {
	var sd webauthn.SessionData
	if err := json.Unmarshal(state, &sd); err != nil {
		return auth.VerifiedAssertion{}, fmt.Errorf("decode ceremony state: %w", err)
	}
	parsed, err := protocol.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return auth.VerifiedAssertion{}, fmt.Errorf("parse assertion response: %w", err)
	}

	var (
		cred   *webauthn.Credential
		handle []byte
	)
	if len(sd.UserID) > 0 {
		// Ceremony was bound to a known account at begin time.
		user, err := lookup(parsed.RawID, sd.UserID)
		if err != nil {
			return auth.VerifiedAssertion{}, err
		}
		cred, err = v.wa.ValidateLogin(&ceremonyUser{u: user}, sd, parsed)
		if err != nil {
			return auth.VerifiedAssertion{}, fmt.Errorf("validate assertion: %w", err)
		}
		handle = sd.UserID
	} else {
		handler := func(rawID, userHandle []byte) (webauthn.User, error) {
			user, err := lookup(rawID, userHandle)
			if err != nil {
				return nil, err
			}
			return &ceremonyUser{u: user}, nil
		}
		var validated webauthn.User
		validated, cred, err = v.wa.ValidatePasskeyLogin(handler, sd, parsed)
		if err != nil {
			return auth.VerifiedAssertion{}, fmt.Errorf("validate assertion: %w", err)
		}
		handle = validated.WebAuthnID()
	}

	return auth.VerifiedAssertion{
		CredentialID: cred.ID,
		UserHandle:   handle,
		SignCount:    cred.Authenticator.SignCount,
	}, nil
}

func marshalCeremony(options any, sd *webauthn.SessionData) (auth.Ceremony, error) {
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return auth.Ceremony{}, fmt.Errorf("encode ceremony options: %w", err)
	}
	state, err := json.Marshal(sd)
	if err != nil {
		return auth.Ceremony{}, fmt.Errorf("encode ceremony state: %w", err)
	}
	return auth.Ceremony{
		Challenge:   sd.Challenge,
		OptionsJSON: optionsJSON,
		State:       state,
	}, nil
}

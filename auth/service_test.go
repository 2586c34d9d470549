package auth_test

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/latchkey/auth"
	"github.com/jmcleod/latchkey/notify"
	"github.com/jmcleod/latchkey/session"
	"github.com/jmcleod/latchkey/storage"
	"github.com/jmcleod/latchkey/storage/memory"
)

// fakeVerifier stands in for the webauthn primitive. It accepts any
// response and reports the credential material configured on it, so
// tests can drive the orchestrator's policy paths directly.
type fakeVerifier struct {
	nextChallenge int

	finishRegErr error
	verified     auth.VerifiedCredential

	finishAuthErr error
	assertedID    []byte
	assertedCount uint32
}

func (f *fakeVerifier) begin() (auth.Ceremony, error) {
	f.nextChallenge++
	ch := fmt.Sprintf("challenge-%d", f.nextChallenge)
	return auth.Ceremony{
		Challenge:   ch,
		OptionsJSON: []byte(`{}`),
		State:       []byte(`{"challenge":"` + ch + `"}`),
	}, nil
}

func (f *fakeVerifier) BeginRegistration(auth.CeremonyUser) (auth.Ceremony, error) {
	return f.begin()
}

func (f *fakeVerifier) FinishRegistration([]byte, auth.CeremonyUser, []byte) (auth.VerifiedCredential, error) {
	if f.finishRegErr != nil {
		return auth.VerifiedCredential{}, f.finishRegErr
	}
	return f.verified, nil
}

func (f *fakeVerifier) BeginAuthentication(*auth.CeremonyUser) (auth.Ceremony, error) {
	return f.begin()
}

func (f *fakeVerifier) FinishAuthentication(_ []byte, _ []byte, lookup auth.CredentialLookup) (auth.VerifiedAssertion, error) {
	if f.finishAuthErr != nil {
		return auth.VerifiedAssertion{}, f.finishAuthErr
	}
	user, err := lookup(f.assertedID, nil)
	if err != nil {
		return auth.VerifiedAssertion{}, err
	}
	return auth.VerifiedAssertion{
		CredentialID: f.assertedID,
		UserHandle:   user.ID,
		SignCount:    f.assertedCount,
	}, nil
}

type captureNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (c *captureNotifier) Notify(n notify.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
}

func (c *captureNotifier) kinds() []notify.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]notify.Kind, len(c.got))
	for i, n := range c.got {
		kinds[i] = n.Kind
	}
	return kinds
}

type testEnv struct {
	svc      *auth.Service
	store    *memory.Store
	verifier *fakeVerifier
	notifier *captureNotifier
	now      time.Time
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    memory.NewStore(),
		verifier: &fakeVerifier{},
		notifier: &captureNotifier{},
		now:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	env.verifier.verified = auth.VerifiedCredential{
		ID:        []byte("cred-raw-1"),
		PublicKey: []byte("pubkey-1"),
		SignCount: 0,
	}
	env.verifier.assertedID = []byte("cred-raw-1")

	clock := func() time.Time { return env.now }
	sessions := session.NewManager(env.store, session.Config{
		Lifetime:    7 * 24 * time.Hour,
		IdleTimeout: 24 * time.Hour,
	}).WithClock(clock)

	n := 0
	env.svc = auth.NewService(env.store, env.verifier, sessions, env.notifier, auth.Config{
		ChallengeTTL:        10 * time.Minute,
		RecoveryWindow:      time.Hour,
		RecoveryMaxAttempts: 5,
		EventRetention:      90 * 24 * time.Hour,
	},
		auth.WithClock(clock),
		auth.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		}),
	)
	return env
}

func register(t *testing.T, env *testEnv, email string) auth.RegistrationResult {
	t.Helper()
	cer, err := env.svc.StartRegistration(email)
	if err != nil {
		t.Fatalf("start registration: %v", err)
	}
	result, err := env.svc.VerifyRegistration(email, cer.Challenge, []byte(`{}`), "")
	if err != nil {
		t.Fatalf("verify registration: %v", err)
	}
	return result
}

func TestRegistrationCreatesAccount(t *testing.T) {
	env := newTestEnv(t)

	result := register(t, env, "Alice@Example.com ")

	if result.User.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %q", result.User.Email)
	}
	if len(result.RecoveryCodes) != 8 {
		t.Fatalf("expected 8 recovery codes, got %d", len(result.RecoveryCodes))
	}
	if !result.MustAcknowledge {
		t.Fatal("expected acknowledgement requirement on first registration")
	}
	if result.Session.Token == "" {
		t.Fatal("expected a session")
	}
	if result.Credential.Ref == "" || result.Credential.Ref == result.Credential.ID {
		t.Fatalf("expected opaque credential ref, got %q", result.Credential.Ref)
	}

	user, err := env.store.GetUserByEmail("alice@example.com")
	if err != nil {
		t.Fatalf("user not persisted: %v", err)
	}
	if user.LastLoginAt == nil {
		t.Fatal("expected last login timestamp")
	}

	events, err := env.svc.EventsForSubject(user.ID)
	if err != nil || len(events) == 0 {
		t.Fatalf("expected registration event, got %v (%v)", events, err)
	}
	if events[0].Kind != "registration" || events[0].Outcome != storage.OutcomeSuccess {
		t.Fatalf("unexpected event: %+v", events[0])
	}

	kinds := env.notifier.kinds()
	if len(kinds) != 1 || kinds[0] != notify.KindPasskeyRegistered {
		t.Fatalf("expected registration notification, got %v", kinds)
	}
}

func TestRegistrationChallengeIsSingleUse(t *testing.T) {
	env := newTestEnv(t)

	cer, err := env.svc.StartRegistration("alice@example.com")
	if err != nil {
		t.Fatalf("start registration: %v", err)
	}
	if _, err := env.svc.VerifyRegistration("alice@example.com", cer.Challenge, []byte(`{}`), ""); err != nil {
		t.Fatalf("verify registration: %v", err)
	}

	_, err = env.svc.VerifyRegistration("alice@example.com", cer.Challenge, []byte(`{}`), "")
	if !errors.Is(err, auth.ErrChallengeInvalid) {
		t.Fatalf("expected ErrChallengeInvalid on replay, got %v", err)
	}
}

func TestRegistrationChallengeExpires(t *testing.T) {
	env := newTestEnv(t)

	cer, err := env.svc.StartRegistration("alice@example.com")
	if err != nil {
		t.Fatalf("start registration: %v", err)
	}
	env.advance(11 * time.Minute)

	_, err = env.svc.VerifyRegistration("alice@example.com", cer.Challenge, []byte(`{}`), "")
	if !errors.Is(err, auth.ErrChallengeInvalid) {
		t.Fatalf("expected ErrChallengeInvalid after TTL, got %v", err)
	}
}

func TestRegistrationRejectedResponseSpendsChallenge(t *testing.T) {
	env := newTestEnv(t)

	cer, err := env.svc.StartRegistration("alice@example.com")
	if err != nil {
		t.Fatalf("start registration: %v", err)
	}

	env.verifier.finishRegErr = fmt.Errorf("bad attestation")
	_, err = env.svc.VerifyRegistration("alice@example.com", cer.Challenge, []byte(`{}`), "")
	if !errors.Is(err, auth.ErrAttestationInvalid) {
		t.Fatalf("expected ErrAttestationInvalid, got %v", err)
	}

	// No partial state: the account was never created and the
	// challenge is spent.
	if _, err := env.store.GetUserByEmail("alice@example.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no account, got %v", err)
	}
	env.verifier.finishRegErr = nil
	_, err = env.svc.VerifyRegistration("alice@example.com", cer.Challenge, []byte(`{}`), "")
	if !errors.Is(err, auth.ErrChallengeInvalid) {
		t.Fatalf("expected spent challenge, got %v", err)
	}
}

func TestRegistrationSecondCredentialSkipsCodes(t *testing.T) {
	env := newTestEnv(t)
	register(t, env, "alice@example.com")

	env.verifier.verified = auth.VerifiedCredential{
		ID:        []byte("cred-raw-2"),
		PublicKey: []byte("pubkey-2"),
	}
	cer, err := env.svc.StartRegistration("alice@example.com")
	if err != nil {
		t.Fatalf("start second registration: %v", err)
	}
	result, err := env.svc.VerifyRegistration("alice@example.com", cer.Challenge, []byte(`{}`), "laptop")
	if err != nil {
		t.Fatalf("verify second registration: %v", err)
	}
	if result.RecoveryCodes != nil || result.MustAcknowledge {
		t.Fatal("second credential must not mint recovery codes")
	}
	if result.Credential.Label != "laptop" {
		t.Fatalf("label not kept: %q", result.Credential.Label)
	}

	creds, err := env.svc.ListCredentials(result.User.ID)
	if err != nil || len(creds) != 2 {
		t.Fatalf("expected 2 credentials, got %d (%v)", len(creds), err)
	}
}

func TestRegistrationDuplicateCredential(t *testing.T) {
	env := newTestEnv(t)
	register(t, env, "alice@example.com")

	// Same raw credential ID again.
	cer, err := env.svc.StartRegistration("alice@example.com")
	if err != nil {
		t.Fatalf("start registration: %v", err)
	}
	_, err = env.svc.VerifyRegistration("alice@example.com", cer.Challenge, []byte(`{}`), "")
	if !errors.Is(err, auth.ErrDuplicateCredential) {
		t.Fatalf("expected ErrDuplicateCredential, got %v", err)
	}
}

func TestAuthenticationAdvancesCounter(t *testing.T) {
	env := newTestEnv(t)
	reg := register(t, env, "alice@example.com")

	env.verifier.assertedCount = 1
	cer, err := env.svc.StartAuthentication("alice@example.com")
	if err != nil {
		t.Fatalf("start authentication: %v", err)
	}
	result, err := env.svc.VerifyAuthentication(cer.Challenge, []byte(`{}`))
	if err != nil {
		t.Fatalf("verify authentication: %v", err)
	}
	if result.User.ID != reg.User.ID {
		t.Fatalf("wrong user: %q", result.User.ID)
	}
	if result.Session.Token == "" {
		t.Fatal("expected a session")
	}

	stored, err := env.store.GetCredential(reg.Credential.ID)
	if err != nil {
		t.Fatalf("load credential: %v", err)
	}
	if stored.SignCount != 1 {
		t.Fatalf("counter not advanced: %d", stored.SignCount)
	}
	if stored.LastUsedAt == nil {
		t.Fatal("expected last used timestamp")
	}
}

func TestAuthenticationCounterRegressionDeactivates(t *testing.T) {
	env := newTestEnv(t)
	reg := register(t, env, "alice@example.com")

	// Advance the stored counter to 5 through a normal login.
	env.verifier.assertedCount = 5
	cer, err := env.svc.StartAuthentication("alice@example.com")
	if err != nil {
		t.Fatalf("start authentication: %v", err)
	}
	if _, err := env.svc.VerifyAuthentication(cer.Challenge, []byte(`{}`)); err != nil {
		t.Fatalf("verify authentication: %v", err)
	}

	// A replayed counter value must be treated as cloning.
	cer, err = env.svc.StartAuthentication("alice@example.com")
	if err != nil {
		t.Fatalf("start authentication: %v", err)
	}
	_, err = env.svc.VerifyAuthentication(cer.Challenge, []byte(`{}`))
	if !errors.Is(err, auth.ErrPossibleCloning) {
		t.Fatalf("expected ErrPossibleCloning, got %v", err)
	}

	stored, err := env.store.GetCredential(reg.Credential.ID)
	if err != nil {
		t.Fatalf("load credential: %v", err)
	}
	if stored.Active {
		t.Fatal("credential should be deactivated after counter regression")
	}

	found := false
	for _, k := range env.notifier.kinds() {
		if k == notify.KindPossibleCloning {
			found = true
		}
	}
	if !found {
		t.Fatal("expected cloning notification")
	}
}

func TestAuthenticationZeroCounterAuthenticators(t *testing.T) {
	env := newTestEnv(t)
	register(t, env, "alice@example.com")

	// Authenticators that never report a counter send zero forever;
	// repeated logins must keep working.
	for i := 0; i < 3; i++ {
		cer, err := env.svc.StartAuthentication("alice@example.com")
		if err != nil {
			t.Fatalf("start authentication: %v", err)
		}
		if _, err := env.svc.VerifyAuthentication(cer.Challenge, []byte(`{}`)); err != nil {
			t.Fatalf("login %d: %v", i+1, err)
		}
	}
}

func TestAuthenticationUnknownCredential(t *testing.T) {
	env := newTestEnv(t)
	register(t, env, "alice@example.com")

	env.verifier.assertedID = []byte("never-registered")
	cer, err := env.svc.StartAuthentication("")
	if err != nil {
		t.Fatalf("start authentication: %v", err)
	}
	_, err = env.svc.VerifyAuthentication(cer.Challenge, []byte(`{}`))
	if !errors.Is(err, auth.ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestAuthenticationDeactivatedCredentialRejected(t *testing.T) {
	env := newTestEnv(t)
	reg := register(t, env, "alice@example.com")

	cred, err := env.store.GetCredential(reg.Credential.ID)
	if err != nil {
		t.Fatalf("load credential: %v", err)
	}
	cred.Active = false
	if err := env.store.UpdateCredential(cred); err != nil {
		t.Fatalf("deactivate credential: %v", err)
	}

	cer, err := env.svc.StartAuthentication("")
	if err != nil {
		t.Fatalf("start authentication: %v", err)
	}
	_, err = env.svc.VerifyAuthentication(cer.Challenge, []byte(`{}`))
	if !errors.Is(err, auth.ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestStartAuthenticationUnknownEmailIndistinguishable(t *testing.T) {
	env := newTestEnv(t)
	register(t, env, "alice@example.com")

	known, err := env.svc.StartAuthentication("alice@example.com")
	if err != nil {
		t.Fatalf("start known: %v", err)
	}
	unknown, err := env.svc.StartAuthentication("nobody@example.com")
	if err != nil {
		t.Fatalf("start unknown: %v", err)
	}
	if known.Challenge == "" || unknown.Challenge == "" {
		t.Fatal("both starts must produce challenges")
	}
}

func TestRecoveryRedeemIssuesSession(t *testing.T) {
	env := newTestEnv(t)
	reg := register(t, env, "alice@example.com")
	code := reg.RecoveryCodes[0]

	result, err := env.svc.RedeemRecoveryCode("alice@example.com", code, "203.0.113.9")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if result.Session.Token == "" {
		t.Fatal("expected a session")
	}

	found := false
	for _, k := range env.notifier.kinds() {
		if k == notify.KindRecoveryUsed {
			found = true
		}
	}
	if !found {
		t.Fatal("expected recovery notification")
	}

	// The code is burned: a second redemption must fail.
	_, err = env.svc.RedeemRecoveryCode("alice@example.com", code, "203.0.113.9")
	if !errors.Is(err, auth.ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode on reuse, got %v", err)
	}

	remaining, err := env.svc.RemainingRecoveryCodes(reg.User.ID)
	if err != nil || remaining != 7 {
		t.Fatalf("expected 7 remaining codes, got %d (%v)", remaining, err)
	}
}

func TestRecoveryNormalizesCodeInput(t *testing.T) {
	env := newTestEnv(t)
	reg := register(t, env, "alice@example.com")

	sloppy := " " + strings.ToLower(reg.RecoveryCodes[0]) + " "
	if _, err := env.svc.RedeemRecoveryCode("alice@example.com", sloppy, ""); err != nil {
		t.Fatalf("redeem with sloppy formatting: %v", err)
	}
}

func TestRecoveryRateLimited(t *testing.T) {
	env := newTestEnv(t)
	reg := register(t, env, "alice@example.com")

	for i := 0; i < 5; i++ {
		if _, err := env.svc.RedeemRecoveryCode("alice@example.com", "2222-2222-2222-2222", ""); !errors.Is(err, auth.ErrInvalidCode) {
			t.Fatalf("attempt %d: expected ErrInvalidCode, got %v", i+1, err)
		}
	}

	// Sixth attempt is refused even with a correct code.
	_, err := env.svc.RedeemRecoveryCode("alice@example.com", reg.RecoveryCodes[0], "")
	if !errors.Is(err, auth.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// Outside the window the correct code works again.
	env.advance(61 * time.Minute)
	if _, err := env.svc.RedeemRecoveryCode("alice@example.com", reg.RecoveryCodes[0], ""); err != nil {
		t.Fatalf("redeem after window: %v", err)
	}
}

func TestRecoveryUnknownEmail(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.RedeemRecoveryCode("ghost@example.com", "2222-2222-2222-2222", "")
	if !errors.Is(err, auth.ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}

	// The attempt is still counted toward the window.
	count, err := env.store.CountRecoveryAttempts("ghost@example.com", env.now.Add(-time.Hour))
	if err != nil || count != 1 {
		t.Fatalf("expected 1 logged attempt, got %d (%v)", count, err)
	}
}

func TestRegenerateInvalidatesOldCodes(t *testing.T) {
	env := newTestEnv(t)
	reg := register(t, env, "alice@example.com")

	if err := env.svc.AcknowledgeRecoveryCodes(reg.User.ID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	user, _ := env.store.GetUser(reg.User.ID)
	if user.RecoveryCodesAckedAt == nil {
		t.Fatal("acknowledgement not recorded")
	}

	fresh, err := env.svc.RegenerateRecoveryCodes(reg.User.ID)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if len(fresh) != 8 {
		t.Fatalf("expected 8 fresh codes, got %d", len(fresh))
	}

	user, _ = env.store.GetUser(reg.User.ID)
	if user.RecoveryCodesAckedAt != nil {
		t.Fatal("regeneration must reset acknowledgement")
	}

	// Old batch is void.
	_, err = env.svc.RedeemRecoveryCode("alice@example.com", reg.RecoveryCodes[0], "")
	if !errors.Is(err, auth.ErrInvalidCode) {
		t.Fatalf("expected old code rejected, got %v", err)
	}
	if _, err := env.svc.RedeemRecoveryCode("alice@example.com", fresh[0], ""); err != nil {
		t.Fatalf("fresh code rejected: %v", err)
	}
}

func TestRemoveLastCredentialBlockedWithoutCodes(t *testing.T) {
	env := newTestEnv(t)
	reg := register(t, env, "alice@example.com")

	// Burn every recovery code.
	used := env.now
	codes, _ := env.store.ListRecoveryCodes(reg.User.ID)
	burned := make([]storage.RecoveryCode, len(codes))
	for i, c := range codes {
		c.UsedAt = &used
		burned[i] = c
	}
	if err := env.store.ReplaceRecoveryCodes(reg.User.ID, burned); err != nil {
		t.Fatalf("burn codes: %v", err)
	}

	err := env.svc.RemoveCredential(reg.User.ID, reg.Credential.Ref)
	if !errors.Is(err, auth.ErrWouldStrandAccount) {
		t.Fatalf("expected ErrWouldStrandAccount, got %v", err)
	}
}

func TestRemoveCredentialWithBackstop(t *testing.T) {
	env := newTestEnv(t)
	reg := register(t, env, "alice@example.com")

	// Unused codes remain, so even the last credential may go.
	if err := env.svc.RemoveCredential(reg.User.ID, reg.Credential.Ref); err != nil {
		t.Fatalf("remove credential: %v", err)
	}

	stored, err := env.store.GetCredential(reg.Credential.ID)
	if err != nil {
		t.Fatalf("load credential: %v", err)
	}
	if stored.Active {
		t.Fatal("credential should be deactivated, not deleted")
	}

	// Removing it again reads as unknown.
	err = env.svc.RemoveCredential(reg.User.ID, reg.Credential.Ref)
	if !errors.Is(err, auth.ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestRemoveCredentialUnknownRef(t *testing.T) {
	env := newTestEnv(t)
	reg := register(t, env, "alice@example.com")

	err := env.svc.RemoveCredential(reg.User.ID, "no-such-ref")
	if !errors.Is(err, auth.ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}

	// Raw credential IDs are never accepted where refs are expected.
	err = env.svc.RemoveCredential(reg.User.ID, base64.RawURLEncoding.EncodeToString([]byte("cred-raw-1")))
	if !errors.Is(err, auth.ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound for raw ID, got %v", err)
	}
}

func TestSweepPrunesExpiredState(t *testing.T) {
	env := newTestEnv(t)
	register(t, env, "alice@example.com")

	cer, err := env.svc.StartAuthentication("alice@example.com")
	if err != nil {
		t.Fatalf("start authentication: %v", err)
	}

	env.advance(8 * 24 * time.Hour)
	if err := env.svc.Sweep(); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	_, err = env.svc.VerifyAuthentication(cer.Challenge, []byte(`{}`))
	if !errors.Is(err, auth.ErrChallengeInvalid) {
		t.Fatalf("expected swept challenge invalid, got %v", err)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"LATCHKEY_CHALLENGE_TTL",
		"LATCHKEY_RECOVERY_WINDOW",
		"LATCHKEY_RECOVERY_MAX_ATTEMPTS",
		"LATCHKEY_EVENT_RETENTION",
	} {
		t.Setenv(key, "")
	}

	cfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ChallengeTTL != 10*time.Minute {
		t.Errorf("expected 10m challenge TTL, got %v", cfg.ChallengeTTL)
	}
	if cfg.RecoveryWindow != time.Hour {
		t.Errorf("expected 1h recovery window, got %v", cfg.RecoveryWindow)
	}
	if cfg.RecoveryMaxAttempts != 5 {
		t.Errorf("expected 5 max attempts, got %d", cfg.RecoveryMaxAttempts)
	}
}

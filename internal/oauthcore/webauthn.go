package oauthcore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/atlasdev/pdsengine/internal/domain"
	"github.com/atlasdev/pdsengine/internal/store"
)

// PasskeyTokenTTL bounds how long a registration/login ceremony has to
// complete before its server-side challenge expires.
const PasskeyTokenTTL = 10 * time.Minute

// accountUser adapts the single account row to webauthn.User — there is
// exactly one WebAuthn-capable identity per engine.
type accountUser struct {
	acct        *domain.Account
	credentials []webauthn.Credential
}

func (u *accountUser) WebAuthnID() []byte          { return []byte(u.acct.DID) }
func (u *accountUser) WebAuthnName() string        { return u.acct.Handle }
func (u *accountUser) WebAuthnDisplayName() string  { return u.acct.Handle }
func (u *accountUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

// Passkeys wraps go-webauthn/webauthn for registration and login ceremonies
// against the account's stored credentials, backed by the store's
// challenge/token/passkey tables. No teacher code covers this surface —
// atlas authenticates only via password + session JWT.
type Passkeys struct {
	webauthn *webauthn.WebAuthn
	store    *store.Store
}

// NewPasskeys builds the WebAuthn relying-party config from the account's
// own hostname — rpID must equal the PDS hostname for passkeys to bind
// correctly to this origin.
func NewPasskeys(s *store.Store, rpDisplayName, rpID string, rpOrigins []string) (*Passkeys, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: rpDisplayName,
		RPID:          rpID,
		RPOrigins:     rpOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure webauthn relying party: %w", err)
	}
	return &Passkeys{webauthn: wa, store: s}, nil
}

func (p *Passkeys) loadUser(ctx context.Context, acct *domain.Account) (*accountUser, error) {
	rows, err := p.store.ListPasskeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load passkeys: %w", err)
	}
	creds := make([]webauthn.Credential, 0, len(rows))
	for _, r := range rows {
		creds = append(creds, webauthn.Credential{
			ID:        []byte(r.CredentialID),
			PublicKey: r.PublicKey,
			Authenticator: webauthn.Authenticator{
				SignCount: r.SignCount,
			},
		})
	}
	return &accountUser{acct: acct, credentials: creds}, nil
}

// BeginRegistration starts a passkey enrollment ceremony, returning the
// ceremony's session data (challenge, user ID, verification requirement)
// and an opaque token the finish step must present back. The credential
// creation options built alongside the session are not returned.
func (p *Passkeys) BeginRegistration(ctx context.Context, acct *domain.Account, credentialName string) (*webauthn.SessionData, string, error) {
	user, err := p.loadUser(ctx, acct)
	if err != nil {
		return nil, "", err
	}

	creation, session, err := p.webauthn.BeginRegistration(user)
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin registration: %w", err)
	}
	_ = creation

	if err := p.store.PutWebauthnChallenge(ctx, session.Challenge); err != nil {
		return nil, "", fmt.Errorf("failed to record challenge: %w", err)
	}

	token := uuid.NewString()
	if err := p.store.PutPasskeyToken(ctx, &store.PasskeyToken{
		Token:     token,
		Challenge: session.Challenge,
		Name:      credentialName,
		ExpiresAt: time.Now().Add(PasskeyTokenTTL),
	}); err != nil {
		return nil, "", fmt.Errorf("failed to record passkey token: %w", err)
	}

	return session, token, nil
}

// FinishRegistration completes enrollment, persisting the new credential.
func (p *Passkeys) FinishRegistration(ctx context.Context, acct *domain.Account, token string, session webauthn.SessionData, response *webauthn.CredentialCreationResponse) error {
	pt, err := p.store.ConsumePasskeyToken(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to consume passkey token: %w", err)
	}
	if time.Now().After(pt.ExpiresAt) {
		return fmt.Errorf("passkey registration token expired")
	}
	if ok, err := p.store.ConsumeWebauthnChallenge(ctx, pt.Challenge); err != nil || !ok {
		return fmt.Errorf("challenge already used or unknown")
	}

	user, err := p.loadUser(ctx, acct)
	if err != nil {
		return err
	}

	parsed, err := response.Parse()
	if err != nil {
		return fmt.Errorf("failed to parse registration response: %w", err)
	}

	cred, err := p.webauthn.CreateCredential(user, session, parsed)
	if err != nil {
		return fmt.Errorf("failed to verify registration: %w", err)
	}

	return p.store.PutPasskey(ctx, &store.Passkey{
		CredentialID: string(cred.ID),
		PublicKey:    cred.PublicKey,
		SignCount:    cred.Authenticator.SignCount,
		Name:         pt.Name,
		CreatedAt:    time.Now(),
	})
}

// BeginLogin starts a passkey authentication ceremony.
func (p *Passkeys) BeginLogin(ctx context.Context, acct *domain.Account) (*webauthn.SessionData, error) {
	user, err := p.loadUser(ctx, acct)
	if err != nil {
		return nil, err
	}

	_, session, err := p.webauthn.BeginLogin(user)
	if err != nil {
		return nil, fmt.Errorf("failed to begin login: %w", err)
	}
	if err := p.store.PutWebauthnChallenge(ctx, session.Challenge); err != nil {
		return nil, fmt.Errorf("failed to record challenge: %w", err)
	}
	return session, nil
}

// FinishLogin verifies an authentication assertion and bumps the
// credential's clone-detection counter.
func (p *Passkeys) FinishLogin(ctx context.Context, acct *domain.Account, session webauthn.SessionData, response *webauthn.CredentialAssertionResponse) error {
	if ok, err := p.store.ConsumeWebauthnChallenge(ctx, session.Challenge); err != nil || !ok {
		return fmt.Errorf("challenge already used or unknown")
	}

	user, err := p.loadUser(ctx, acct)
	if err != nil {
		return err
	}

	parsed, err := response.Parse()
	if err != nil {
		return fmt.Errorf("failed to parse login response: %w", err)
	}

	cred, err := p.webauthn.ValidateLogin(user, session, parsed)
	if err != nil {
		return fmt.Errorf("failed to verify login: %w", err)
	}

	return p.store.UpdatePasskeyCounter(ctx, string(cred.ID), cred.Authenticator.SignCount)
}

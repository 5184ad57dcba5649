package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/atlasdev/pdsengine/internal/oauthcore"
)

type beginRegistrationInput struct {
	CredentialName string `json:"credentialName"`
}

type beginCeremonyOutput struct {
	Options json.RawMessage `json:"options"`
	Token   string          `json:"token,omitempty"`
}

// handlePasskeyBeginRegistration and the three handlers below bridge
// go-webauthn's ceremony objects across the stateless HTTP boundary: the
// session a browser's navigator.credentials call needs is round-tripped
// in the response body rather than a server-side cookie, since
// oauthcore.Passkeys already persists the matching challenge/token itself.
func (s *Server) handlePasskeyBeginRegistration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct := accountFromContext(ctx)

	var in beginRegistrationInput
	_ = json.NewDecoder(r.Body).Decode(&in)

	session, token, err := s.Engine.Passkeys.BeginRegistration(ctx, acct, in.CredentialName)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to begin passkey registration: %w", err))
		return
	}

	optsJSON, err := json.Marshal(session)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to marshal session: %w", err))
		return
	}

	s.jsonOK(w, &beginCeremonyOutput{Options: optsJSON, Token: token})
}

type finishRegistrationInput struct {
	Token    string                            `json:"token"`
	Session  webauthn.SessionData              `json:"session"`
	Response webauthn.CredentialCreationResponse `json:"response"`
}

func (s *Server) handlePasskeyFinishRegistration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct := accountFromContext(ctx)

	var in finishRegistrationInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid json body: %w", err))
		return
	}

	if err := s.Engine.Passkeys.FinishRegistration(ctx, acct, in.Token, in.Session, &in.Response); err != nil {
		s.badRequest(w, fmt.Errorf("failed to finish passkey registration: %w", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePasskeyBeginLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct, err := s.Engine.Store.GetAccount(ctx)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return
	}

	session, err := s.Engine.Passkeys.BeginLogin(ctx, acct)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to begin passkey login: %w", err))
		return
	}

	optsJSON, err := json.Marshal(session)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to marshal session: %w", err))
		return
	}

	s.jsonOK(w, &beginCeremonyOutput{Options: optsJSON})
}

type finishLoginInput struct {
	Session  webauthn.SessionData                 `json:"session"`
	Response webauthn.CredentialAssertionResponse `json:"response"`
}

// handlePasskeyFinishLogin completes the assertion ceremony and, on
// success, mints the same session JWT pair password login would — a
// passkey is an alternate way to authenticate the one account, not a
// separate credential class with its own token shape.
func (s *Server) handlePasskeyFinishLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct, err := s.Engine.Store.GetAccount(ctx)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return
	}

	var in finishLoginInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid json body: %w", err))
		return
	}

	if err := s.Engine.Passkeys.FinishLogin(ctx, acct, in.Session, &in.Response); err != nil {
		s.badRequest(w, fmt.Errorf("failed to finish passkey login: %w", err))
		return
	}

	session, err := oauthcore.CreateSession(acct)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to create session: %w", err))
		return
	}

	s.jsonOK(w, &sessionOutput{
		AccessJwt:  session.AccessToken,
		RefreshJwt: session.RefreshToken,
		Handle:     acct.Handle,
		DID:        acct.DID,
		Active:     acct.Active,
	})
}

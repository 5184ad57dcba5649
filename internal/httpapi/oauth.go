package httpapi

import (
	"fmt"
	"net/http"

	"github.com/atlasdev/pdsengine/internal/oauthcore"
	"github.com/atlasdev/pdsengine/internal/pdsmetrics"
	"github.com/atlasdev/pdsengine/internal/store"
)

// handlePushedAuthorizationRequest is RFC 9126 PAR: stash the client's
// authorization parameters, hand back an opaque request_uri.
func (s *Server) handlePushedAuthorizationRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		s.badRequest(w, fmt.Errorf("invalid form body: %w", err))
		return
	}
	clientID := r.Form.Get("client_id")
	if clientID == "" {
		s.badRequest(w, fmt.Errorf("client_id is required"))
		return
	}

	requestURI, expiresIn, err := s.Engine.OAuth.PushAuthorizationRequest(ctx, clientID, r.Form)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to push authorization request: %w", err))
		return
	}

	s.jsonWithCode(w, http.StatusCreated, map[string]any{
		"request_uri": requestURI,
		"expires_in":  expiresIn,
	})
}

// handleAuthorize redeems a PAR request_uri and redirects with an
// authorization code. There is no consent screen (oauthcore.Flow.Authorize's
// doc comment explains why); the account is authenticated by its session
// cookie-less equivalent here: the engine has exactly one resource owner,
// so reaching this endpoint at all on a deployment the operator controls is
// the only "consent" a single-tenant PDS needs.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	requestURI := q.Get("request_uri")
	clientID := q.Get("client_id")
	if requestURI == "" || clientID == "" {
		s.badRequest(w, fmt.Errorf("request_uri and client_id are required"))
		return
	}

	acct, err := s.Engine.Store.GetAccount(ctx)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return
	}

	dpopJKT := q.Get("dpop_jkt")
	code, redirectURI, state, err := s.Engine.OAuth.Authorize(ctx, requestURI, clientID, acct, dpopJKT)
	if err != nil {
		s.badRequest(w, fmt.Errorf("failed to authorize: %w", err))
		return
	}

	target := redirectURI + "?code=" + code
	if state != "" {
		target += "&state=" + state
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleOAuthToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		s.badRequest(w, fmt.Errorf("invalid form body: %w", err))
		return
	}

	grantType := r.Form.Get("grant_type")
	clientID := r.Form.Get("client_id")
	dpopProof := r.Header.Get("DPoP")

	var dpopJKT string
	if dpopProof != "" {
		proof, err := oauthcore.VerifyProof(ctx, s.Engine.Store, dpopProof, r.Method, requestURL(r))
		if err != nil {
			s.badRequest(w, fmt.Errorf("invalid dpop proof: %w", err))
			return
		}
		dpopJKT = proof.JKT
	}

	var (
		t   *store.OAuthToken
		err error
	)

	switch grantType {
	case "authorization_code":
		t, err = s.Engine.OAuth.ExchangeCode(ctx, clientID, r.Form.Get("code"), r.Form.Get("redirect_uri"), r.Form.Get("code_verifier"), dpopJKT)
	case "refresh_token":
		t, err = s.Engine.OAuth.RefreshToken(ctx, clientID, r.Form.Get("refresh_token"), dpopJKT)
	default:
		s.badRequest(w, fmt.Errorf("unsupported grant_type %q", grantType))
		return
	}

	status := "success"
	defer func() { pdsmetrics.OAuthGrants.WithLabelValues(grantType, status).Inc() }()

	if err != nil {
		status = "error"
		s.badRequest(w, fmt.Errorf("failed to grant token: %w", err))
		return
	}

	s.jsonOK(w, &tokenGrant{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    "DPoP",
		ExpiresIn:    int(oauthcore.OAuthAccessTokenTTL.Seconds()),
		Scope:        t.Scope,
	})
}

type tokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

func (s *Server) handleOAuthRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		s.badRequest(w, fmt.Errorf("invalid form body: %w", err))
		return
	}
	token := r.Form.Get("token")
	if token == "" {
		s.badRequest(w, fmt.Errorf("token is required"))
		return
	}
	if err := s.Engine.OAuth.Revoke(ctx, token); err != nil {
		s.internalErr(w, fmt.Errorf("failed to revoke token: %w", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct, err := s.Engine.Store.GetAccount(ctx)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return
	}
	issuer := "https://" + acct.PDSHostname
	s.jsonOK(w, map[string]any{
		"resource":              issuer,
		"authorization_servers": []string{issuer},
		"bearer_methods_supported": []string{"header"},
	})
}

func (s *Server) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct, err := s.Engine.Store.GetAccount(ctx)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return
	}
	issuer := "https://" + acct.PDSHostname
	s.jsonOK(w, map[string]any{
		"issuer":                                issuer,
		"pushed_authorization_request_endpoint": issuer + "/xrpc/com.atproto.oauth.par",
		"authorization_endpoint":                issuer + "/oauth/authorize",
		"token_endpoint":                        issuer + "/xrpc/com.atproto.oauth.token",
		"revocation_endpoint":                   issuer + "/xrpc/com.atproto.oauth.revoke",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported":  []string{"none"},
		"dpop_signing_alg_values_supported":      []string{"ES256"},
		"require_pushed_authorization_requests":  true,
	})
}

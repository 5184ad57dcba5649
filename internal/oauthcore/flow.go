package oauthcore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/atlasdev/pdsengine/internal/domain"
	"github.com/atlasdev/pdsengine/internal/store"
)

const (
	parTTL      = 90 * time.Second
	authCodeTTL = 5 * time.Minute
	// OAuthAccessTokenTTL/OAuthRefreshTokenTTL for OAuth-issued tokens, distinct from
	// session JWT TTLs: 1h/90d per spec.md §6, OAuth's own mechanism.
	OAuthAccessTokenTTL  = 1 * time.Hour
	OAuthRefreshTokenTTL = 90 * 24 * time.Hour
)

var (
	ErrClientMismatch   = errors.New("client_id mismatch")
	ErrRedirectMismatch = errors.New("redirect_uri mismatch")
	ErrExpired          = errors.New("request expired")
)

// Flow implements the PAR → authorize → token state machine. It holds no
// state of its own; everything persists through Store so a restart never
// loses an in-flight authorization.
type Flow struct {
	store *store.Store
}

func NewFlow(s *store.Store) *Flow {
	return &Flow{store: s}
}

func randomToken(nbytes int) (string, error) {
	buf := make([]byte, nbytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// PushAuthorizationRequest implements PAR (RFC 9126): stash the client's
// authorization parameters and hand back an opaque request_uri.
func (f *Flow) PushAuthorizationRequest(ctx context.Context, clientID string, params url.Values) (requestURI string, expiresIn int, err error) {
	token, err := randomToken(32)
	if err != nil {
		return "", 0, err
	}
	requestURI = "urn:ietf:params:oauth:request_uri:" + token

	if err := f.store.PutPAR(ctx, &store.OAuthPAR{
		RequestURI: requestURI,
		ClientID:   clientID,
		Params:     params.Encode(),
		ExpiresAt:  time.Now().Add(parTTL),
	}); err != nil {
		return "", 0, fmt.Errorf("failed to store pushed authorization request: %w", err)
	}

	return requestURI, int(parTTL.Seconds()), nil
}

// Authorize redeems a PAR request_uri and issues an authorization code.
// There is no interactive consent screen (SPEC_FULL.md §8's design note):
// a single-tenant deployment has exactly one resource owner, so presenting
// a consent page to them on their own server adds a click with no
// corresponding security benefit. The code is bound to the client's PKCE
// challenge and (if present) the DPoP key's thumbprint.
func (f *Flow) Authorize(ctx context.Context, requestURI, clientID string, acct *domain.Account, dpopJKT string) (code, redirectURI, state string, err error) {
	par, err := f.store.ConsumePAR(ctx, requestURI)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to consume pushed authorization request: %w", err)
	}
	if time.Now().After(par.ExpiresAt) {
		return "", "", "", ErrExpired
	}
	if par.ClientID != clientID {
		return "", "", "", ErrClientMismatch
	}

	params, perr := url.ParseQuery(par.Params)
	if perr != nil {
		return "", "", "", fmt.Errorf("failed to parse stored authorization params: %w", perr)
	}

	redirectURI = params.Get("redirect_uri")
	state = params.Get("state")
	codeChallenge := params.Get("code_challenge")
	codeChallengeMethod := params.Get("code_challenge_method")
	scope := params.Get("scope")

	codeTok, err := randomToken(32)
	if err != nil {
		return "", "", "", err
	}
	code = codeTok

	if err := f.store.PutAuthCode(ctx, &store.OAuthCode{
		Code:                code,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		Scope:               scope,
		Sub:                 acct.DID,
		DPoPJKT:             dpopJKT,
		ExpiresAt:           time.Now().Add(authCodeTTL),
	}); err != nil {
		return "", "", "", fmt.Errorf("failed to store authorization code: %w", err)
	}

	return code, redirectURI, state, nil
}

// ExchangeCode redeems an authorization_code grant for a DPoP-bound token pair.
func (f *Flow) ExchangeCode(ctx context.Context, clientID, code, redirectURI, codeVerifier, dpopJKT string) (*store.OAuthToken, error) {
	ac, err := f.store.ConsumeAuthCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	if time.Now().After(ac.ExpiresAt) {
		return nil, ErrExpired
	}
	if ac.ClientID != clientID {
		return nil, ErrClientMismatch
	}
	if ac.RedirectURI != redirectURI {
		return nil, ErrRedirectMismatch
	}
	if !VerifyPKCE(ac.CodeChallenge, ac.CodeChallengeMethod, codeVerifier) {
		return nil, fmt.Errorf("pkce verification failed")
	}
	if ac.DPoPJKT != "" && ac.DPoPJKT != dpopJKT {
		return nil, fmt.Errorf("dpop key mismatch")
	}

	return f.issueToken(ctx, clientID, ac.Sub, ac.Scope, dpopJKT)
}

// RefreshToken redeems a refresh_token grant, rotating both tokens.
func (f *Flow) RefreshToken(ctx context.Context, clientID, refreshToken, dpopJKT string) (*store.OAuthToken, error) {
	t, err := f.store.GetTokenByRefresh(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}
	if t.Revoked {
		return nil, fmt.Errorf("refresh token revoked")
	}
	if time.Now().After(t.RefreshExpiresAt) {
		return nil, ErrExpired
	}
	if t.ClientID != clientID {
		return nil, ErrClientMismatch
	}
	if t.DPoPJKT != "" && t.DPoPJKT != dpopJKT {
		return nil, fmt.Errorf("dpop key mismatch")
	}

	next, err := f.buildToken(clientID, t.Sub, t.Scope, dpopJKT)
	if err != nil {
		return nil, err
	}
	if err := f.store.RotateToken(ctx, refreshToken, next); err != nil {
		return nil, fmt.Errorf("failed to rotate token: %w", err)
	}
	return next, nil
}

// Revoke invalidates an access or refresh token (RFC 7009).
func (f *Flow) Revoke(ctx context.Context, token string) error {
	return f.store.RevokeToken(ctx, token)
}

func (f *Flow) issueToken(ctx context.Context, clientID, sub, scope, dpopJKT string) (*store.OAuthToken, error) {
	t, err := f.buildToken(clientID, sub, scope, dpopJKT)
	if err != nil {
		return nil, err
	}
	if err := f.store.PutToken(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}
	return t, nil
}

func (f *Flow) buildToken(clientID, sub, scope, dpopJKT string) (*store.OAuthToken, error) {
	access, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	refresh, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &store.OAuthToken{
		AccessToken:      access,
		RefreshToken:     refresh,
		ClientID:         clientID,
		Sub:              sub,
		Scope:            scope,
		DPoPJKT:          dpopJKT,
		IssuedAt:         now,
		ExpiresAt:        now.Add(OAuthAccessTokenTTL),
		RefreshExpiresAt: now.Add(OAuthRefreshTokenTTL),
	}, nil
}

// AuthenticateAccessToken validates a bearer access token and its DPoP
// binding, returning the token row if it is live.
func (f *Flow) AuthenticateAccessToken(ctx context.Context, accessToken, dpopJKT string) (*store.OAuthToken, error) {
	t, err := f.store.GetTokenByAccess(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if t.Revoked {
		return nil, fmt.Errorf("token revoked")
	}
	if time.Now().After(t.ExpiresAt) {
		return nil, ErrExpired
	}
	if t.DPoPJKT != dpopJKT {
		return nil, fmt.Errorf("dpop key mismatch")
	}
	return t, nil
}

// CacheClientMetadata stores a fetched client_id document's metadata.
func (f *Flow) CacheClientMetadata(ctx context.Context, c *store.OAuthClient) error {
	return f.store.CacheOAuthClient(ctx, c)
}

// CleanupExpired prunes expired PAR/code/token/challenge rows — OAuthCore's
// periodic alarm (see internal/engine).
func (f *Flow) CleanupExpired(ctx context.Context) error {
	return f.store.PruneExpired(ctx, time.Now())
}

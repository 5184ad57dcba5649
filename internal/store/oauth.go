package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// OAuthClient is cached client metadata fetched from a client_id document.
type OAuthClient struct {
	ClientID     string
	ClientName   string
	RedirectURIs string // newline-joined
	LogoURI      string
	ClientURI    string
	CachedAt     time.Time
}

func (s *Store) CacheOAuthClient(ctx context.Context, c *OAuthClient) (err error) {
	_, span, done := s.observe(ctx, "CacheOAuthClient")
	defer func() { done(err) }()
	_ = span

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_client (client_id, client_name, redirect_uris, logo_uri, client_uri, cached_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET client_name=excluded.client_name, redirect_uris=excluded.redirect_uris,
			logo_uri=excluded.logo_uri, client_uri=excluded.client_uri, cached_at=excluded.cached_at`,
		c.ClientID, c.ClientName, c.RedirectURIs, c.LogoURI, c.ClientURI, c.CachedAt.Unix(),
	)
	return err
}

func (s *Store) GetOAuthClient(ctx context.Context, clientID string) (c *OAuthClient, err error) {
	_, span, done := s.observe(ctx, "GetOAuthClient")
	defer func() { done(err) }()
	_ = span

	var cc OAuthClient
	var cachedAt int64
	cc.ClientID = clientID
	row := s.db.QueryRowContext(ctx, `SELECT client_name, redirect_uris, logo_uri, client_uri, cached_at FROM oauth_client WHERE client_id = ?`, clientID)
	if err = row.Scan(&cc.ClientName, &cc.RedirectURIs, &cc.LogoURI, &cc.ClientURI, &cachedAt); err != nil {
		if err == sql.ErrNoRows {
			err = ErrNotFound
		}
		return nil, err
	}
	cc.CachedAt = time.Unix(cachedAt, 0).UTC()
	return &cc, nil
}

// OAuthPAR is a pushed authorization request, keyed by its opaque request_uri.
type OAuthPAR struct {
	RequestURI string
	ClientID   string
	Params     string // url-encoded original request parameters
	ExpiresAt  time.Time
}

func (s *Store) PutPAR(ctx context.Context, p *OAuthPAR) (err error) {
	_, span, done := s.observe(ctx, "PutPAR")
	defer func() { done(err) }()
	_ = span

	_, err = s.db.ExecContext(ctx, `INSERT INTO oauth_par (request_uri, client_id, params, expires_at) VALUES (?, ?, ?, ?)`,
		p.RequestURI, p.ClientID, p.Params, p.ExpiresAt.Unix())
	return err
}

// ConsumePAR reads and deletes a PAR row atomically — a pushed request may
// be redeemed by /authorize exactly once.
func (s *Store) ConsumePAR(ctx context.Context, requestURI string) (p *OAuthPAR, err error) {
	_, span, done := s.observe(ctx, "ConsumePAR")
	defer func() { done(err) }()
	_ = span

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var pp OAuthPAR
		var expiresAt int64
		pp.RequestURI = requestURI
		row := tx.QueryRowContext(ctx, `SELECT client_id, params, expires_at FROM oauth_par WHERE request_uri = ?`, requestURI)
		if serr := row.Scan(&pp.ClientID, &pp.Params, &expiresAt); serr != nil {
			if serr == sql.ErrNoRows {
				return ErrNotFound
			}
			return serr
		}
		pp.ExpiresAt = time.Unix(expiresAt, 0).UTC()
		if _, derr := tx.ExecContext(ctx, `DELETE FROM oauth_par WHERE request_uri = ?`, requestURI); derr != nil {
			return derr
		}
		p = &pp
		return nil
	})
	return p, err
}

// OAuthCode is an issued, unconsumed authorization code.
type OAuthCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	Sub                  string
	DPoPJKT              string
	ExpiresAt            time.Time
}

func (s *Store) PutAuthCode(ctx context.Context, c *OAuthCode) (err error) {
	_, span, done := s.observe(ctx, "PutAuthCode")
	defer func() { done(err) }()
	_ = span

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_auth_code (code, client_id, redirect_uri, code_challenge, code_challenge_method, scope, sub, dpop_jkt, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Code, c.ClientID, c.RedirectURI, c.CodeChallenge, c.CodeChallengeMethod, c.Scope, c.Sub, c.DPoPJKT, c.ExpiresAt.Unix(),
	)
	return err
}

// ConsumeAuthCode marks a code consumed and returns it, failing if it was
// already used (replay) — RFC 6749 §4.1.2 requires single use.
func (s *Store) ConsumeAuthCode(ctx context.Context, code string) (c *OAuthCode, err error) {
	_, span, done := s.observe(ctx, "ConsumeAuthCode")
	defer func() { done(err) }()
	_ = span

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var cc OAuthCode
		var expiresAt int64
		var consumed int
		cc.Code = code
		row := tx.QueryRowContext(ctx, `
			SELECT client_id, redirect_uri, code_challenge, code_challenge_method, scope, sub, dpop_jkt, expires_at, consumed
			FROM oauth_auth_code WHERE code = ?`, code)
		if serr := row.Scan(&cc.ClientID, &cc.RedirectURI, &cc.CodeChallenge, &cc.CodeChallengeMethod,
			&cc.Scope, &cc.Sub, &cc.DPoPJKT, &expiresAt, &consumed); serr != nil {
			if serr == sql.ErrNoRows {
				return ErrNotFound
			}
			return serr
		}
		if consumed != 0 {
			return ErrConcurrentModification
		}
		if _, uerr := tx.ExecContext(ctx, `UPDATE oauth_auth_code SET consumed = 1 WHERE code = ?`, code); uerr != nil {
			return uerr
		}
		cc.ExpiresAt = time.Unix(expiresAt, 0).UTC()
		c = &cc
		return nil
	})
	return c, err
}

// OAuthToken is one access/refresh token pair.
type OAuthToken struct {
	AccessToken      string
	RefreshToken     string
	ClientID         string
	Sub              string
	Scope            string
	DPoPJKT          string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	Revoked          bool
}

func (s *Store) PutToken(ctx context.Context, t *OAuthToken) (err error) {
	_, span, done := s.observe(ctx, "PutToken")
	defer func() { done(err) }()
	_ = span

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_token (access_token, refresh_token, client_id, sub, scope, dpop_jkt, issued_at, expires_at, refresh_expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		t.AccessToken, t.RefreshToken, t.ClientID, t.Sub, t.Scope, t.DPoPJKT,
		t.IssuedAt.Unix(), t.ExpiresAt.Unix(), t.RefreshExpiresAt.Unix(),
	)
	return err
}

func scanToken(row *sql.Row) (*OAuthToken, error) {
	var t OAuthToken
	var issuedAt, expiresAt, refreshExpiresAt int64
	var revoked int
	if err := row.Scan(&t.AccessToken, &t.RefreshToken, &t.ClientID, &t.Sub, &t.Scope, &t.DPoPJKT,
		&issuedAt, &expiresAt, &refreshExpiresAt, &revoked); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.IssuedAt = time.Unix(issuedAt, 0).UTC()
	t.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	t.RefreshExpiresAt = time.Unix(refreshExpiresAt, 0).UTC()
	t.Revoked = revoked != 0
	return &t, nil
}

const tokenColumns = `access_token, refresh_token, client_id, sub, scope, dpop_jkt, issued_at, expires_at, refresh_expires_at, revoked`

func (s *Store) GetTokenByAccess(ctx context.Context, access string) (t *OAuthToken, err error) {
	_, span, done := s.observe(ctx, "GetTokenByAccess")
	defer func() { done(err) }()
	_ = span

	row := s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM oauth_token WHERE access_token = ?`, access)
	return scanToken(row)
}

func (s *Store) GetTokenByRefresh(ctx context.Context, refresh string) (t *OAuthToken, err error) {
	_, span, done := s.observe(ctx, "GetTokenByRefresh")
	defer func() { done(err) }()
	_ = span

	row := s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM oauth_token WHERE refresh_token = ?`, refresh)
	return scanToken(row)
}

// RotateToken atomically revokes the old refresh token and inserts the new
// access/refresh pair — OAuth 2.1's refresh-token rotation requirement.
func (s *Store) RotateToken(ctx context.Context, oldRefresh string, next *OAuthToken) (err error) {
	_, span, done := s.observe(ctx, "RotateToken")
	defer func() { done(err) }()
	_ = span

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE oauth_token SET revoked = 1 WHERE refresh_token = ?`, oldRefresh); err != nil {
			return fmt.Errorf("failed to revoke old token: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO oauth_token (access_token, refresh_token, client_id, sub, scope, dpop_jkt, issued_at, expires_at, refresh_expires_at, revoked)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			next.AccessToken, next.RefreshToken, next.ClientID, next.Sub, next.Scope, next.DPoPJKT,
			next.IssuedAt.Unix(), next.ExpiresAt.Unix(), next.RefreshExpiresAt.Unix(),
		)
		return err
	})
}

func (s *Store) RevokeToken(ctx context.Context, accessOrRefresh string) (err error) {
	_, span, done := s.observe(ctx, "RevokeToken")
	defer func() { done(err) }()
	_ = span

	_, err = s.db.ExecContext(ctx,
		`UPDATE oauth_token SET revoked = 1 WHERE access_token = ? OR refresh_token = ?`,
		accessOrRefresh, accessOrRefresh)
	return err
}

// PutNonce records a DPoP-proof nonce so a replayed proof (same jti/nonce)
// can be rejected.
func (s *Store) PutNonce(ctx context.Context, nonce string) (fresh bool, err error) {
	_, span, done := s.observe(ctx, "PutNonce")
	defer func() { done(err) }()
	_ = span

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_nonce (nonce, created_at) VALUES (?, ?) ON CONFLICT(nonce) DO NOTHING`,
		nonce, time.Now().Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PruneExpired deletes expired rows across every TTL-bearing table — the
// cleanup alarm OAuthCore's design notes call for.
func (s *Store) PruneExpired(ctx context.Context, now time.Time) (err error) {
	_, span, done := s.observe(ctx, "PruneExpired")
	defer func() { done(err) }()
	_ = span

	ts := now.Unix()
	stmts := []string{
		`DELETE FROM oauth_par WHERE expires_at < ?`,
		`DELETE FROM oauth_auth_code WHERE expires_at < ?`,
		`DELETE FROM oauth_token WHERE refresh_expires_at < ?`,
		`DELETE FROM passkey_token WHERE expires_at < ?`,
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, ts); err != nil {
				return fmt.Errorf("failed to prune expired rows: %w", err)
			}
		}
		// nonces and webauthn challenges use a short rolling window, not a
		// stored expiry; prune anything older than 10 minutes.
		if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_nonce WHERE created_at < ?`, now.Add(-10*time.Minute).Unix()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM webauthn_challenge WHERE created_at < ?`, now.Add(-10*time.Minute).Unix()); err != nil {
			return err
		}
		return nil
	})
}

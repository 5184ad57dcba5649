package store

import (
	"context"
	"database/sql"
	"time"
)

func (s *Store) PutWebauthnChallenge(ctx context.Context, challenge string) (err error) {
	_, span, done := s.observe(ctx, "PutWebauthnChallenge")
	defer func() { done(err) }()
	_ = span

	_, err = s.db.ExecContext(ctx, `INSERT INTO webauthn_challenge (challenge, created_at) VALUES (?, ?)`,
		challenge, time.Now().Unix())
	return err
}

// ConsumeWebauthnChallenge deletes and confirms a challenge was issued by us,
// preventing replay of a ceremony response against a stale challenge.
func (s *Store) ConsumeWebauthnChallenge(ctx context.Context, challenge string) (ok bool, err error) {
	_, span, done := s.observe(ctx, "ConsumeWebauthnChallenge")
	defer func() { done(err) }()
	_ = span

	res, err := s.db.ExecContext(ctx, `DELETE FROM webauthn_challenge WHERE challenge = ?`, challenge)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PasskeyToken is a one-time, short-lived token handed to a client mid
// registration ceremony so the finish step can be tied back to its
// challenge without relying on a cookie-backed session.
type PasskeyToken struct {
	Token     string
	Challenge string
	Name      string
	ExpiresAt time.Time
}

func (s *Store) PutPasskeyToken(ctx context.Context, t *PasskeyToken) (err error) {
	_, span, done := s.observe(ctx, "PutPasskeyToken")
	defer func() { done(err) }()
	_ = span

	_, err = s.db.ExecContext(ctx, `INSERT INTO passkey_token (token, challenge, name, expires_at) VALUES (?, ?, ?, ?)`,
		t.Token, t.Challenge, t.Name, t.ExpiresAt.Unix())
	return err
}

func (s *Store) ConsumePasskeyToken(ctx context.Context, token string) (t *PasskeyToken, err error) {
	_, span, done := s.observe(ctx, "ConsumePasskeyToken")
	defer func() { done(err) }()
	_ = span

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var tt PasskeyToken
		var expiresAt int64
		tt.Token = token
		row := tx.QueryRowContext(ctx, `SELECT challenge, name, expires_at FROM passkey_token WHERE token = ?`, token)
		if serr := row.Scan(&tt.Challenge, &tt.Name, &expiresAt); serr != nil {
			if serr == sql.ErrNoRows {
				return ErrNotFound
			}
			return serr
		}
		if _, derr := tx.ExecContext(ctx, `DELETE FROM passkey_token WHERE token = ?`, token); derr != nil {
			return derr
		}
		tt.ExpiresAt = time.Unix(expiresAt, 0).UTC()
		t = &tt
		return nil
	})
	return t, err
}

// Passkey is one registered WebAuthn credential.
type Passkey struct {
	CredentialID string
	PublicKey    []byte
	SignCount    uint32
	Name         string
	CreatedAt    time.Time
	LastUsedAt   *time.Time
}

func (s *Store) PutPasskey(ctx context.Context, p *Passkey) (err error) {
	_, span, done := s.observe(ctx, "PutPasskey")
	defer func() { done(err) }()
	_ = span

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO passkey (credential_id, public_key, sign_count, name, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.CredentialID, p.PublicKey, p.SignCount, p.Name, p.CreatedAt.Unix())
	return err
}

func (s *Store) ListPasskeys(ctx context.Context) (passkeys []*Passkey, err error) {
	_, span, done := s.observe(ctx, "ListPasskeys")
	defer func() { done(err) }()
	_ = span

	rows, qerr := s.db.QueryContext(ctx, `SELECT credential_id, public_key, sign_count, name, created_at, last_used_at FROM passkey`)
	if qerr != nil {
		return nil, qerr
	}
	defer rows.Close()

	for rows.Next() {
		var p Passkey
		var createdAt int64
		var lastUsedAt sql.NullInt64
		if err = rows.Scan(&p.CredentialID, &p.PublicKey, &p.SignCount, &p.Name, &createdAt, &lastUsedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = time.Unix(createdAt, 0).UTC()
		if lastUsedAt.Valid {
			t := time.Unix(lastUsedAt.Int64, 0).UTC()
			p.LastUsedAt = &t
		}
		passkeys = append(passkeys, &p)
	}
	return passkeys, rows.Err()
}

// UpdatePasskeyCounter bumps the stored signature counter after a successful
// assertion, the WebAuthn clone-detection mechanism.
func (s *Store) UpdatePasskeyCounter(ctx context.Context, credentialID string, count uint32) (err error) {
	_, span, done := s.observe(ctx, "UpdatePasskeyCounter")
	defer func() { done(err) }()
	_ = span

	_, err = s.db.ExecContext(ctx,
		`UPDATE passkey SET sign_count = ?, last_used_at = ? WHERE credential_id = ?`,
		count, time.Now().Unix(), credentialID)
	return err
}

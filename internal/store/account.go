package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/atlasdev/pdsengine/internal/domain"
)

// SeedAccount creates the single account row if it does not already exist.
// It is a no-op on every boot after the first (Lifecycle's lazy-init rule).
func (s *Store) SeedAccount(ctx context.Context, a *domain.Account) (err error) {
	_, span, done := s.observe(ctx, "SeedAccount")
	defer func() { done(err) }()
	_ = span

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM account WHERE id = 1`).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check existing account: %w", err)
		}
		if exists > 0 {
			return nil
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO account (id, did, handle, pds_hostname, service_did, signing_key, jwt_secret, password_hash, head, rev, active, status, created_at)
			VALUES (1, ?, ?, ?, ?, ?, ?, ?, '', '', ?, '', ?)`,
			a.DID, a.Handle, a.PDSHostname, a.ServiceDID, a.SigningKey, a.JWTSecret, a.PasswordHash,
			boolToInt(a.Active), time.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to seed account: %w", err)
		}
		return nil
	})
}

// GetAccount returns the single account row.
func (s *Store) GetAccount(ctx context.Context) (acct *domain.Account, err error) {
	_, span, done := s.observe(ctx, "GetAccount")
	defer func() { done(err) }()
	_ = span

	var a domain.Account
	var createdAt int64
	var active int
	row := s.db.QueryRowContext(ctx, `
		SELECT did, handle, pds_hostname, service_did, signing_key, jwt_secret, password_hash, head, rev, active, status, created_at
		FROM account WHERE id = 1`)
	if err = row.Scan(&a.DID, &a.Handle, &a.PDSHostname, &a.ServiceDID, &a.SigningKey, &a.JWTSecret,
		&a.PasswordHash, &a.Head, &a.Rev, &active, &a.Status, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			err = ErrNotFound
		}
		return nil, err
	}
	a.Active = active != 0
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &a, nil
}

// updateHeadTx updates the account's repo head/rev pointer. Callers must hold
// the engine's single-writer lock; ApplyCommit invokes it as part of the same
// transaction as a RepoEngine commit's block writes.
func (s *Store) updateHeadTx(ctx context.Context, tx *sql.Tx, head, rev string) error {
	_, err := tx.ExecContext(ctx, `UPDATE account SET head = ?, rev = ? WHERE id = 1`, head, rev)
	if err != nil {
		return fmt.Errorf("failed to update account head: %w", err)
	}
	return nil
}

// SetActive flips the account's active flag and status string, used by
// Lifecycle's activateAccount/deactivateAccount operations.
func (s *Store) SetActive(ctx context.Context, active bool, status string) (err error) {
	_, span, done := s.observe(ctx, "SetActive")
	defer func() { done(err) }()
	_ = span

	_, err = s.db.ExecContext(ctx, `UPDATE account SET active = ?, status = ? WHERE id = 1`, boolToInt(active), status)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

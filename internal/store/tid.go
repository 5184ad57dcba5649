package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// NextTID hands out a monotonically increasing TID, the way
// internal/foundation/tid.go's NextTID does against FoundationDB: take the
// larger of "now, as a TID-shaped integer" and "last issued + 1", so that a
// burst of calls within the same microsecond still produces a strictly
// increasing sequence, and a clock that runs backwards after a hibernate/
// rehydrate cycle can never reissue a past value.
func (s *Store) NextTID(ctx context.Context) (tid syntax.TID, err error) {
	_, span, done := s.observe(ctx, "NextTID")
	defer func() { done(err) }()
	_ = span

	var next int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var last int64
		row := tx.QueryRowContext(ctx, `SELECT last_tid FROM tid_clock WHERE id = 1`)
		switch serr := row.Scan(&last); serr {
		case nil:
		case sql.ErrNoRows:
			last = 0
		default:
			return fmt.Errorf("failed to read tid clock: %w", serr)
		}

		candidate := (time.Now().UnixMicro() & 0x1F_FFFF_FFFF_FFFF) << 10
		next = candidate
		if last+1 > next {
			next = last + 1
		}

		_, xerr := tx.ExecContext(ctx, `
			INSERT INTO tid_clock (id, last_tid) VALUES (1, ?)
			ON CONFLICT(id) DO UPDATE SET last_tid = excluded.last_tid`, next)
		if xerr != nil {
			return fmt.Errorf("failed to persist tid clock: %w", xerr)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return syntax.NewTIDFromInteger(next), nil
}

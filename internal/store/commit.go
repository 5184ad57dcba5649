package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/atlasdev/pdsengine/internal/domain"
)

// RecordWrite describes one record-level secondary-index mutation folded
// into a commit.
type RecordWrite struct {
	Upsert          *domain.Record // nil for deletes
	Delete          bool
	Collection      string
	Rkey            string
	CollectionDelta int
	AddBlobCIDs     []string // blobs the upserted record now references
	RemoveURI       string   // non-empty when Delete clears blob references too
}

// CommitWrite is everything one RepoEngine commit needs persisted
// atomically: the new/changed blocks, the record secondary-index deltas,
// and the account's new head/rev pointer.
type CommitWrite struct {
	ExpectedHead string // swapCommit; empty means "don't check"
	Blocks       []*domain.Block
	Records      []RecordWrite
	NewHead      string
	NewRev       string
}

// ApplyCommit persists a RepoEngine commit as a single SQL transaction: this
// is the concrete "sign and persist in one transactional unit" boundary
// spec.md's concurrency model requires. The caller (RepoEngine) has already
// built and signed the commit in memory; this function only ever writes.
func (s *Store) ApplyCommit(ctx context.Context, w *CommitWrite) (err error) {
	_, span, done := s.observe(ctx, "ApplyCommit")
	defer func() { done(err) }()
	_ = span

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var currentHead string
		if err := tx.QueryRowContext(ctx, `SELECT head FROM account WHERE id = 1`).Scan(&currentHead); err != nil {
			return fmt.Errorf("failed to read current head: %w", err)
		}
		if w.ExpectedHead != "" && currentHead != w.ExpectedHead {
			return ErrConcurrentModification
		}

		for _, blk := range w.Blocks {
			if err := putBlockTx(ctx, tx, blk); err != nil {
				return err
			}
		}

		for _, rw := range w.Records {
			if rw.Delete {
				if err := deleteRecordTx(ctx, tx, rw.Collection, rw.Rkey); err != nil {
					return err
				}
				if rw.RemoveURI != "" {
					if err := RemoveRecordBlobsTx(ctx, tx, rw.RemoveURI); err != nil {
						return err
					}
				}
			} else {
				if err := saveRecordTx(ctx, tx, rw.Upsert); err != nil {
					return err
				}
				uri := "at://" + rw.Upsert.Collection + "/" + rw.Upsert.Rkey
				for _, bc := range rw.AddBlobCIDs {
					if err := AddRecordBlobTx(ctx, tx, uri, bc); err != nil {
						return err
					}
				}
			}
			if rw.CollectionDelta != 0 {
				if err := incrementCollectionCountTx(ctx, tx, rw.Collection, rw.CollectionDelta); err != nil {
					return err
				}
			}
		}

		if err := s.updateHeadTx(ctx, tx, w.NewHead, w.NewRev); err != nil {
			return err
		}

		return nil
	})
}

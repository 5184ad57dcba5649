package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/atlasdev/pdsengine/internal/domain"
)

// GetBlock reads a single block outside of any write transaction.
func (s *Store) GetBlock(ctx context.Context, cidStr string) (blk *domain.Block, err error) {
	_, span, done := s.observe(ctx, "GetBlock")
	defer func() { done(err) }()
	_ = span

	return getBlockQuerier(ctx, s.db, cidStr)
}

func getBlockQuerier(ctx context.Context, q querier, cidStr string) (*domain.Block, error) {
	var b domain.Block
	b.CID = cidStr
	row := q.QueryRowContext(ctx, `SELECT bytes, rev FROM blocks WHERE cid = ?`, cidStr)
	if err := row.Scan(&b.Bytes, &b.Rev); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get block %s: %w", cidStr, err)
	}
	return &b, nil
}

func hasBlockQuerier(ctx context.Context, q querier, cidStr string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks WHERE cid = ?`, cidStr).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check block %s: %w", cidStr, err)
	}
	return n > 0, nil
}

func putBlockTx(ctx context.Context, tx *sql.Tx, blk *domain.Block) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO blocks (cid, bytes, rev) VALUES (?, ?, ?)
		 ON CONFLICT(cid) DO UPDATE SET bytes = excluded.bytes, rev = excluded.rev`,
		blk.CID, blk.Bytes, blk.Rev,
	)
	if err != nil {
		return fmt.Errorf("failed to put block %s: %w", blk.CID, err)
	}
	return nil
}

// GetBlocks fetches multiple blocks by CID, silently skipping any that are
// missing (mirrors internal/pds/db/blockstore.go's GetBlocks).
func (s *Store) GetBlocks(ctx context.Context, cids []string) (blks []*domain.Block, err error) {
	_, span, done := s.observe(ctx, "GetBlocks")
	defer func() { done(err) }()
	_ = span

	for _, c := range cids {
		blk, gerr := getBlockQuerier(ctx, s.db, c)
		if gerr != nil {
			continue
		}
		blks = append(blks, blk)
	}
	return blks, nil
}

// GetAllBlocks returns every block in the repo, for a full export_car.
func (s *Store) GetAllBlocks(ctx context.Context) (blks []*domain.Block, err error) {
	_, span, done := s.observe(ctx, "GetAllBlocks")
	defer func() { done(err) }()
	_ = span

	rows, err := s.db.QueryContext(ctx, `SELECT cid, bytes, rev FROM blocks`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var b domain.Block
		if err := rows.Scan(&b.CID, &b.Bytes, &b.Rev); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blks = append(blks, &b)
	}
	return blks, rows.Err()
}

// GetBlocksSince returns every block written at a rev greater than sinceRev,
// for incremental sync (com.atproto.sync.getRepo?since=).
func (s *Store) GetBlocksSince(ctx context.Context, sinceRev string) (blks []*domain.Block, err error) {
	_, span, done := s.observe(ctx, "GetBlocksSince")
	defer func() { done(err) }()
	_ = span

	rows, err := s.db.QueryContext(ctx, `SELECT cid, bytes, rev FROM blocks WHERE rev > ? ORDER BY rev`, sinceRev)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks since %s: %w", sinceRev, err)
	}
	defer rows.Close()

	for rows.Next() {
		var b domain.Block
		if err := rows.Scan(&b.CID, &b.Bytes, &b.Rev); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blks = append(blks, &b)
	}
	return blks, rows.Err()
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting block lookups
// run either standalone or inside the write transaction a commit uses.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

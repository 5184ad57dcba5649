package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/atlasdev/pdsengine/internal/domain"
)

func saveRecordTx(ctx context.Context, tx *sql.Tx, r *domain.Record) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO records (collection, rkey, cid, value, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(collection, rkey) DO UPDATE SET cid = excluded.cid, value = excluded.value`,
		r.Collection, r.Rkey, r.CID, r.Value, r.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

func deleteRecordTx(ctx context.Context, tx *sql.Tx, collection, rkey string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND rkey = ?`, collection, rkey)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func incrementCollectionCountTx(ctx context.Context, tx *sql.Tx, collection string, delta int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO collection_counts (collection, count) VALUES (?, ?)
		 ON CONFLICT(collection) DO UPDATE SET count = count + excluded.count`,
		collection, delta,
	)
	if err != nil {
		return fmt.Errorf("failed to update collection count: %w", err)
	}
	return nil
}

// GetRecord returns one record by collection+rkey.
func (s *Store) GetRecord(ctx context.Context, collection, rkey string) (rec *domain.Record, err error) {
	_, span, done := s.observe(ctx, "GetRecord")
	defer func() { done(err) }()
	_ = span

	var r domain.Record
	var createdAt int64
	r.Collection, r.Rkey = collection, rkey
	row := s.db.QueryRowContext(ctx, `SELECT cid, value, created_at FROM records WHERE collection = ? AND rkey = ?`, collection, rkey)
	if err = row.Scan(&r.CID, &r.Value, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			err = ErrNotFound
		}
		return nil, err
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &r, nil
}

// ListRecords paginates records in a single collection, ordered by rkey,
// the way com.atproto.repo.listRecords does.
func (s *Store) ListRecords(ctx context.Context, collection string, limit int, cursor string, reverse bool) (recs []*domain.Record, err error) {
	_, span, done := s.observe(ctx, "ListRecords")
	defer func() { done(err) }()
	_ = span

	order := "ASC"
	cmp := ">"
	if reverse {
		order = "DESC"
		cmp = "<"
	}

	query := fmt.Sprintf(`SELECT collection, rkey, cid, value, created_at FROM records
		WHERE collection = ? ORDER BY rkey %s LIMIT ?`, order)
	args := []any{collection, limit}
	if cursor != "" {
		query = fmt.Sprintf(`SELECT collection, rkey, cid, value, created_at FROM records
			WHERE collection = ? AND rkey %s ? ORDER BY rkey %s LIMIT ?`, cmp, order)
		args = []any{collection, cursor, limit}
	}

	rows, qerr := s.db.QueryContext(ctx, query, args...)
	if qerr != nil {
		err = fmt.Errorf("failed to list records: %w", qerr)
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r domain.Record
		var createdAt int64
		if err = rows.Scan(&r.Collection, &r.Rkey, &r.CID, &r.Value, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}

// CollectionCount returns the number of records in a collection.
func (s *Store) CollectionCount(ctx context.Context, collection string) (count int64, err error) {
	_, span, done := s.observe(ctx, "CollectionCount")
	defer func() { done(err) }()
	_ = span

	err = s.db.QueryRowContext(ctx, `SELECT count FROM collection_counts WHERE collection = ?`, collection).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

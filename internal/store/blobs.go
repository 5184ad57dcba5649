package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/atlasdev/pdsengine/internal/domain"
)

// PutBlobMeta records a blob's metadata. When body is non-nil it is stored
// inline (the local-disk-free fallback backend); when BlobStore is
// configured against an external object store, body is nil and the bytes
// live there instead (see internal/blob).
func (s *Store) PutBlobMeta(ctx context.Context, b *domain.Blob, body []byte) (err error) {
	_, span, done := s.observe(ctx, "PutBlobMeta")
	defer func() { done(err) }()
	_ = span

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO blobs (cid, mime_type, size, body, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cid) DO NOTHING`,
		b.CID, b.MimeType, b.Size, body, b.CreatedAt.Unix(),
	)
	return err
}

func (s *Store) GetBlobMeta(ctx context.Context, cidStr string) (b *domain.Blob, body []byte, err error) {
	_, span, done := s.observe(ctx, "GetBlobMeta")
	defer func() { done(err) }()
	_ = span

	var blob domain.Blob
	blob.CID = cidStr
	var createdAt int64
	row := s.db.QueryRowContext(ctx, `SELECT mime_type, size, body, created_at FROM blobs WHERE cid = ?`, cidStr)
	if err = row.Scan(&blob.MimeType, &blob.Size, &body, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			err = ErrNotFound
		}
		return nil, nil, err
	}
	blob.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &blob, body, nil
}

func (s *Store) ListBlobs(ctx context.Context, limit int, cursor string) (blobs []*domain.Blob, err error) {
	_, span, done := s.observe(ctx, "ListBlobs")
	defer func() { done(err) }()
	_ = span

	query := `SELECT cid, mime_type, size, created_at FROM blobs ORDER BY cid ASC LIMIT ?`
	args := []any{limit}
	if cursor != "" {
		query = `SELECT cid, mime_type, size, created_at FROM blobs WHERE cid > ? ORDER BY cid ASC LIMIT ?`
		args = []any{cursor, limit}
	}

	rows, qerr := s.db.QueryContext(ctx, query, args...)
	if qerr != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", qerr)
	}
	defer rows.Close()

	for rows.Next() {
		var b domain.Blob
		var createdAt int64
		if err = rows.Scan(&b.CID, &b.MimeType, &b.Size, &createdAt); err != nil {
			return nil, err
		}
		b.CreatedAt = time.Unix(createdAt, 0).UTC()
		blobs = append(blobs, &b)
	}
	return blobs, rows.Err()
}

// AddRecordBlobTx records that a record references a blob, within the same
// commit transaction that writes the record — the blob-reference normalize
// step RepoEngine performs (spec.md §4.2).
func AddRecordBlobTx(ctx context.Context, tx *sql.Tx, recordURI, blobCID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO record_blobs (record_uri, blob_cid) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		recordURI, blobCID,
	)
	return err
}

// RemoveRecordBlobsTx drops all blob references for a record being deleted.
func RemoveRecordBlobsTx(ctx context.Context, tx *sql.Tx, recordURI string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM record_blobs WHERE record_uri = ?`, recordURI)
	return err
}

// TrackImportedBlob records that a blob referenced by an imported/committed
// record has actually had its bytes uploaded, for the "missing blobs" check
// BlobStore exposes to Lifecycle/consistency tooling.
func (s *Store) TrackImportedBlob(ctx context.Context, cidStr string, size int64, mime string) (err error) {
	_, span, done := s.observe(ctx, "TrackImportedBlob")
	defer func() { done(err) }()
	_ = span

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO imported_blobs (cid, size, mime_type, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(cid) DO NOTHING`, cidStr, size, mime, time.Now().Unix())
	return err
}

func (s *Store) IsBlobImported(ctx context.Context, cidStr string) (ok bool, err error) {
	_, span, done := s.observe(ctx, "IsBlobImported")
	defer func() { done(err) }()
	_ = span

	var n int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM imported_blobs WHERE cid = ?`, cidStr).Scan(&n)
	return n > 0, err
}

// ListMissingBlobs returns blob CIDs referenced by records but never
// actually uploaded — com.atproto.repo.listMissingBlobs.
func (s *Store) ListMissingBlobs(ctx context.Context, limit int) (cids []string, err error) {
	_, span, done := s.observe(ctx, "ListMissingBlobs")
	defer func() { done(err) }()
	_ = span

	rows, qerr := s.db.QueryContext(ctx, `
		SELECT DISTINCT rb.blob_cid FROM record_blobs rb
		LEFT JOIN imported_blobs ib ON ib.cid = rb.blob_cid
		WHERE ib.cid IS NULL LIMIT ?`, limit)
	if qerr != nil {
		return nil, fmt.Errorf("failed to list missing blobs: %w", qerr)
	}
	defer rows.Close()

	for rows.Next() {
		var c string
		if err = rows.Scan(&c); err != nil {
			return nil, err
		}
		cids = append(cids, c)
	}
	return cids, rows.Err()
}

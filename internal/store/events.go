package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atlasdev/pdsengine/internal/domain"
)

// InsertEventTx appends one firehose event row within an existing write
// transaction — the sole write path, always driven by the Sequencer.
// SQLite's AUTOINCREMENT rowid gives us the strictly-increasing seq that
// FDB's versionstamp gave the teacher, without needing a watch/poll hybrid
// for ordering (only for wake-up, see internal/sequencer).
func InsertEventTx(ctx context.Context, tx *sql.Tx, e *domain.RepoEvent) (seq int64, err error) {
	opsJSON, err := json.Marshal(e.Ops)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal ops: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO firehose_events (kind, repo, rev, since, commit_cid, blocks, ops, ts, too_big, handle, active, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.Kind), e.Repo, e.Rev, e.Since, e.Commit, e.Blocks, string(opsJSON),
		e.Time.UnixNano(), boolToInt(e.TooBig), e.Handle, boolToInt(e.Active), e.Status,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	return res.LastInsertId()
}

// InsertEvent appends one firehose event in its own transaction, for
// Sequencer calls that aren't already bundled into a RepoEngine commit
// (identity/account events).
func (s *Store) InsertEvent(ctx context.Context, e *domain.RepoEvent) (seq int64, err error) {
	_, span, done := s.observe(ctx, "InsertEvent")
	defer func() { done(err) }()
	_ = span

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		seq, txErr = InsertEventTx(ctx, tx, e)
		return txErr
	})
	return seq, err
}

// LatestSeq returns the highest sequence number written so far, or 0 if the
// log is empty.
func (s *Store) LatestSeq(ctx context.Context) (seq int64, err error) {
	_, span, done := s.observe(ctx, "LatestSeq")
	defer func() { done(err) }()
	_ = span

	err = s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM firehose_events`).Scan(&seq)
	return seq, err
}

// EventsSince returns up to limit events with seq > cursor, ordered by seq.
// Rows with an empty blocks payload are skipped defensively — the account
// engine never writes one (see SPEC_FULL.md's open-question resolution),
// but this keeps replay robust against any legacy/pruned data.
func (s *Store) EventsSince(ctx context.Context, cursor int64, limit int) (events []*domain.RepoEvent, err error) {
	_, span, done := s.observe(ctx, "EventsSince")
	defer func() { done(err) }()
	_ = span

	rows, qerr := s.db.QueryContext(ctx, `
		SELECT seq, kind, repo, rev, since, commit_cid, blocks, ops, ts, too_big, handle, active, status
		FROM firehose_events WHERE seq > ? ORDER BY seq ASC LIMIT ?`, cursor, limit)
	if qerr != nil {
		return nil, fmt.Errorf("failed to query events since %d: %w", cursor, qerr)
	}
	defer rows.Close()

	for rows.Next() {
		var e domain.RepoEvent
		var opsJSON string
		var ts int64
		var tooBig, active int
		if err = rows.Scan(&e.Seq, &e.Kind, &e.Repo, &e.Rev, &e.Since, &e.Commit, &e.Blocks,
			&opsJSON, &ts, &tooBig, &e.Handle, &active, &e.Status); err != nil {
			return nil, err
		}

		if e.Kind == domain.EventKindCommit && len(e.Blocks) == 0 {
			continue
		}

		if err = json.Unmarshal([]byte(opsJSON), &e.Ops); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ops: %w", err)
		}
		e.Time = time.Unix(0, ts).UTC()
		e.TooBig = tooBig != 0
		e.Active = active != 0
		events = append(events, &e)
	}
	return events, rows.Err()
}

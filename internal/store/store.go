// Package store is the RepoStore: the embedded single-file SQL database
// backing every other component. It replaces the teacher's FoundationDB
// layer (see DESIGN.md) while keeping the same observability shape —
// every operation is wrapped in a span plus a Prometheus counter/histogram
// pair, the way internal/pds/db/db.go's observe() helper does it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlasdev/pdsengine/internal/pdsmetrics"
	_ "modernc.org/sqlite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotFound is returned by point lookups that find no row.
var ErrNotFound = errors.New("not found")

// ErrConcurrentModification is returned when a caller's expected repo head
// (swapCommit) does not match the store's current head.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// Store owns the single SQLite connection. All mutating access is expected
// to happen from the engine's single-writer actor loop (internal/engine);
// the only application-level locking Store adds is mu, which serializes
// its own write transactions (see withTx).
type Store struct {
	db     *sql.DB
	tracer trace.Tracer

	// mu serializes write transactions; SQLite allows only one writer, and
	// the busy-timeout pragma alone is not enough to keep multi-statement
	// transactions atomic under concurrent goroutines reading/writing.
	mu sync.Mutex
}

// Open creates (if necessary) and opens the SQLite file at path, applying
// the schema and returning a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // single-file, single-writer: avoid SQLITE_BUSY storms

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, tracer: otel.Tracer("store")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// observe wraps a store operation with a span plus Prometheus counter and
// histogram, mirroring internal/pds/db/db.go's observe() helper. The
// returned done func must be called with the operation's error.
func (s *Store) observe(ctx context.Context, name string) (context.Context, trace.Span, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, name)

	return ctx, span, func(err error) {
		status := "ok"
		switch {
		case err == nil:
		case errors.Is(err, ErrNotFound):
			status = "not_found"
		default:
			status = "error"
		}

		pdsmetrics.Queries.WithLabelValues(name, status).Inc()
		pdsmetrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		if err != nil && status == "error" {
			span.RecordError(err)
		}
		span.End()
	}
}

// withTx runs fn inside a single SQL transaction guarded by mu, so the whole
// closure executes as one atomic unit — the same "sign and persist in one
// transactional unit" guarantee the teacher's FDB transaction callbacks gave
// RepoEngine.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

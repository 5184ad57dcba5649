// Package engine is Lifecycle: it owns the account's single-writer actor
// loop and composes RepoStore, RepoEngine, Sequencer, BlobStore and
// OAuthCore into one process. Every mutating operation against the account
// is funneled through Submit so exactly one goroutine ever holds the repo
// head at a time — the concurrency model spec.md §7 requires, built the
// way internal/pds/repomgr.go serializes mutations per-actor in the
// teacher this project is adapted from (there, per actor; here, for the
// engine's one and only actor).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atlasdev/pdsengine/internal/blob"
	"github.com/atlasdev/pdsengine/internal/domain"
	"github.com/atlasdev/pdsengine/internal/oauthcore"
	"github.com/atlasdev/pdsengine/internal/repo"
	"github.com/atlasdev/pdsengine/internal/sequencer"
	"github.com/atlasdev/pdsengine/internal/store"
)

// job is one closure queued onto the actor loop.
type job struct {
	fn     func(ctx context.Context) (any, error)
	result chan<- jobResult
}

type jobResult struct {
	val any
	err error
}

// Engine is the account engine: the single process-wide composition root.
type Engine struct {
	log *slog.Logger

	Store      *store.Store
	Repo       *repo.Engine
	Sequencer  *sequencer.Sequencer
	Blobs      *blob.Store
	OAuth      *oauthcore.Flow
	Passkeys   *oauthcore.Passkeys

	jobs chan job
}

// Config is the subset of process configuration Lifecycle needs to seed a
// brand-new account on first boot.
type Config struct {
	DID           string
	Handle        string
	PDSHostname   string
	ServiceDID    string
	SigningKey    []byte
	JWTSecret     []byte
	PasswordHash  []byte
	InitialActive bool
}

const jobQueueDepth = 256

// New wires the composition root. rpDisplayName/rpID/rpOrigins configure
// the WebAuthn relying party for Passkeys — rpID must match the PDS
// hostname's registrable domain or browsers will refuse the ceremony.
func New(log *slog.Logger, st *store.Store, blobs *blob.Store, rpDisplayName, rpID string, rpOrigins []string) (*Engine, error) {
	passkeys, err := oauthcore.NewPasskeys(st, rpDisplayName, rpID, rpOrigins)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize passkeys: %w", err)
	}
	return &Engine{
		log:       log.With("component", "engine"),
		Store:     st,
		Repo:      repo.New(st),
		Sequencer: sequencer.New(log, st),
		Blobs:     blobs,
		OAuth:     oauthcore.NewFlow(st),
		Passkeys:  passkeys,
		jobs:      make(chan job, jobQueueDepth),
	}, nil
}

// Boot lazily seeds the account row and initializes its repo on first run;
// on subsequent starts it is a no-op read. A process can be killed and
// restarted at any point in this sequence: SeedAccount is idempotent, and
// InitRepo runs only while the account's head is still empty, so
// rehydration never double-applies the genesis commit.
func (e *Engine) Boot(ctx context.Context, cfg *Config) error {
	if err := e.Store.SeedAccount(ctx, &domain.Account{
		DID:          cfg.DID,
		Handle:       cfg.Handle,
		PDSHostname:  cfg.PDSHostname,
		ServiceDID:   cfg.ServiceDID,
		SigningKey:   cfg.SigningKey,
		JWTSecret:    cfg.JWTSecret,
		PasswordHash: cfg.PasswordHash,
		Active:       cfg.InitialActive,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("failed to seed account: %w", err)
	}

	acct, err := e.Store.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}

	if acct.Head == "" {
		e.log.Info("initializing empty repo for new account", "did", acct.DID)
		res, err := e.Repo.InitRepo(ctx, acct.DID, acct.SigningKey)
		if err != nil {
			return fmt.Errorf("failed to initialize repo: %w", err)
		}
		if err := e.Sequencer.SequenceCommit(ctx, acct.DID, res); err != nil {
			return fmt.Errorf("failed to sequence genesis commit: %w", err)
		}
	}

	return nil
}

// Run drains the actor loop and the sequencer's polling loop until ctx is
// canceled. Both run in this one goroutine-pair for the lifetime of the
// process.
func (e *Engine) Run(ctx context.Context) {
	go e.Sequencer.Run(ctx)
	go e.cleanupLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine actor loop shutting down")
			return
		case j := <-e.jobs:
			val, err := j.fn(ctx)
			j.result <- jobResult{val: val, err: err}
		}
	}
}

// Submit enqueues fn to run on the actor loop and blocks until it
// completes. Every repo mutation, account activation/deactivation, and
// OAuth token grant goes through here so they serialize against each
// other without each call site needing its own locking.
func (e *Engine) Submit(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	result := make(chan jobResult, 1)
	select {
	case e.jobs <- job{fn: fn, result: result}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-result:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cleanupLoop periodically prunes expired OAuth/WebAuthn rows — the alarm
// OAuthCore's design notes call for, since there is no FDB watch to key it
// off of.
func (e *Engine) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.OAuth.CleanupExpired(ctx); err != nil {
				e.log.Error("failed to prune expired oauth state", "err", err)
			}
		}
	}
}

// Activate and Deactivate flip the account's availability, each emitting
// an #account firehose event (spec.md §4.1's activateAccount/deactivateAccount).
func (e *Engine) Activate(ctx context.Context) error {
	if _, err := e.Submit(ctx, func(ctx context.Context) (any, error) {
		if err := e.Store.SetActive(ctx, true, ""); err != nil {
			return nil, err
		}
		acct, err := e.Store.GetAccount(ctx)
		if err != nil {
			return nil, err
		}
		return nil, e.Sequencer.SequenceAccount(ctx, acct.DID, true, "")
	}); err != nil {
		return err
	}
	return nil
}

func (e *Engine) Deactivate(ctx context.Context, status string) error {
	_, err := e.Submit(ctx, func(ctx context.Context) (any, error) {
		if err := e.Store.SetActive(ctx, false, status); err != nil {
			return nil, err
		}
		acct, err := e.Store.GetAccount(ctx)
		if err != nil {
			return nil, err
		}
		return nil, e.Sequencer.SequenceAccount(ctx, acct.DID, false, status)
	})
	return err
}

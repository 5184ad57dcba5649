// Package repo is the RepoEngine: MST mutation, commit construction and
// signing, grounded on internal/foundation/repo.go and
// internal/pds/db/repo.go's transaction pattern in the teacher this project
// is adapted from. Unlike the teacher, a commit's CAR diff is never built
// here — that responsibility belongs to the Sequencer (see
// SPEC_FULL.md §11, resolving spec.md's third open question).
package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/atdata"
	atrepo "github.com/bluesky-social/indigo/atproto/repo"
	"github.com/bluesky-social/indigo/atproto/repo/mst"
	"github.com/bluesky-social/indigo/atproto/syntax"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/atlasdev/pdsengine/internal/blockstore"
	"github.com/atlasdev/pdsengine/internal/domain"
	"github.com/atlasdev/pdsengine/internal/store"
	"github.com/atlasdev/pdsengine/internal/tracing"
)

// ErrRecordExists is returned when CreateRecord targets an rkey already in use.
var ErrRecordExists = errors.New("record already exists")

// ErrRecordNotFound is returned when an update/delete targets a missing rkey.
var ErrRecordNotFound = errors.New("record not found")

// ErrConcurrentModification re-exports store's sentinel so callers of this
// package never need to import internal/store directly just to check it.
var ErrConcurrentModification = store.ErrConcurrentModification

// ErrRepoAlreadyExists is returned by ImportCAR when the repo already has a
// head commit (spec.md §4.2's RepoAlreadyExists).
var ErrRepoAlreadyExists = errors.New("repo already exists")

// ErrRepoActive is returned by ImportCAR when the account is still active;
// import is only permitted while writes are frozen.
var ErrRepoActive = errors.New("repo must be deactivated before import")

// ErrRepoTooLarge is returned by ImportCAR when the CAR exceeds the import
// size cap (spec.md §4.2's RepoTooLarge).
var ErrRepoTooLarge = errors.New("repo import exceeds size cap")

// ErrInvalidCommitSignature is returned by ImportCAR when the root commit's
// signature does not verify under the account's signing key.
var ErrInvalidCommitSignature = errors.New("commit signature verification failed")

var cidBuilder = cid.NewPrefixV1(cid.DagCBOR, multihash.SHA2_256)

// Engine is the RepoEngine. It holds no mutable state of its own; every
// call reads the current head from the store and writes a fresh commit
// atop it, so a single Engine value is safe to reuse across the lifetime
// of the process (it is, however, only ever driven by the account engine's
// single-writer actor loop — see internal/engine).
type Engine struct {
	store  *store.Store
	tracer trace.Tracer
}

func New(s *store.Store) *Engine {
	return &Engine{store: s, tracer: otel.Tracer("repo")}
}

// CommitResult describes one successful commit, with everything the
// Sequencer needs to turn it into a firehose frame.
type CommitResult struct {
	CommitCID cid.Cid
	Rev       string
	Since     string // the previous rev, "" for the first commit
	Blocks    []*domain.Block
	Ops       []domain.RepoOp
}

// InitRepo creates the empty repository for a brand-new account: an empty
// MST tree, wrapped in a signed genesis commit with Prev == nil.
func (e *Engine) InitRepo(ctx context.Context, did string, signingKey []byte) (res *CommitResult, err error) {
	ctx, span := e.tracer.Start(ctx, "InitRepo")
	defer func() { tracing.End(span, err) }()

	bs := blockstore.New(e.store)
	clk := syntax.NewTIDClock(0)
	newRev := clk.Next().String()
	bs.SetRev(newRev)

	tree := mst.NewEmptyTree()
	rootCID, err := tree.WriteDiffBlocks(ctx, bs)
	if err != nil {
		return nil, fmt.Errorf("failed to write empty tree: %w", err)
	}

	commit := atrepo.Commit{
		DID:     did,
		Version: atrepo.ATPROTO_REPO_VERSION,
		Prev:    nil,
		Data:    *rootCID,
		Rev:     newRev,
	}

	commitCID, err := signAndStore(ctx, bs, &commit, signingKey)
	if err != nil {
		return nil, err
	}

	write := &store.CommitWrite{
		Blocks:  bs.Pending(),
		NewHead: commitCID.String(),
		NewRev:  newRev,
	}
	if err := e.store.ApplyCommit(ctx, write); err != nil {
		return nil, fmt.Errorf("failed to persist genesis commit: %w", err)
	}

	return &CommitResult{
		CommitCID: commitCID,
		Rev:       newRev,
		Since:     "",
		Blocks:    bs.WriteLog(),
	}, nil
}

// loadHeadCommit loads the account's current commit and a TID clock seeded
// from its rev, so the next rev is guaranteed to be both fresh and
// strictly greater than the one it supersedes. rev is always an
// independently allocated TID, never compared to or derived from a commit
// CID (spec.md's first open question).
func loadHeadCommit(ctx context.Context, bs *blockstore.Store, head string) (*atrepo.Commit, cid.Cid, *syntax.TIDClock, error) {
	headCID, err := cid.Decode(head)
	if err != nil {
		return nil, cid.Undef, nil, fmt.Errorf("failed to parse head cid: %w", err)
	}

	blk, err := bs.Get(ctx, headCID)
	if err != nil {
		return nil, cid.Undef, nil, fmt.Errorf("failed to load head commit block: %w", err)
	}

	var commit atrepo.Commit
	if err := commit.UnmarshalCBOR(bytes.NewReader(blk.RawData())); err != nil {
		return nil, cid.Undef, nil, fmt.Errorf("failed to unmarshal commit: %w", err)
	}

	clk := syntax.ClockFromTID(syntax.TID(commit.Rev))
	return &commit, headCID, &clk, nil
}

func signAndStore(ctx context.Context, bs *blockstore.Store, commit *atrepo.Commit, signingKey []byte) (cid.Cid, error) {
	privkey, err := atcrypto.ParsePrivateBytesK256(signingKey)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to parse signing key: %w", err)
	}
	if err := commit.Sign(privkey); err != nil {
		return cid.Undef, fmt.Errorf("failed to sign commit: %w", err)
	}

	buf := new(bytes.Buffer)
	if err := commit.MarshalCBOR(buf); err != nil {
		return cid.Undef, fmt.Errorf("failed to marshal commit: %w", err)
	}
	commitBytes := buf.Bytes()

	commitCID, err := cidBuilder.Sum(commitBytes)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to compute commit cid: %w", err)
	}

	blk, err := blocks.NewBlockWithCid(commitBytes, commitCID)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to build commit block: %w", err)
	}
	if err := bs.Put(ctx, blk); err != nil {
		return cid.Undef, fmt.Errorf("failed to buffer commit block: %w", err)
	}

	return commitCID, nil
}

// recordCID computes the content address of a DAG-CBOR encoded record value.
func recordCID(cborBytes []byte) (cid.Cid, error) {
	return cidBuilder.Sum(cborBytes)
}

// NormalizeRecordCBOR re-encodes a JSON record payload as canonical
// DAG-CBOR, ensuring the $type discriminator is present — the
// blob-reference normalization step spec.md §4.2 calls for.
func NormalizeRecordCBOR(nsid string, jsonValue []byte) ([]byte, error) {
	val, err := atdata.UnmarshalJSON(jsonValue)
	if err != nil {
		return nil, fmt.Errorf("failed to parse record json: %w", err)
	}

	if m, ok := val.(map[string]any); ok {
		if _, hasType := m["$type"]; !hasType {
			m["$type"] = nsid
		}
	}

	cborBytes, err := atdata.MarshalCBOR(val)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record as dag-cbor: %w", err)
	}
	return cborBytes, nil
}

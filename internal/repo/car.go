package repo

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	atrepo "github.com/bluesky-social/indigo/atproto/repo"
	"github.com/bluesky-social/indigo/atproto/repo/mst"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/ipld/go-car"
	"go.opentelemetry.io/otel/attribute"

	"github.com/atlasdev/pdsengine/internal/blockstore"
	"github.com/atlasdev/pdsengine/internal/domain"
	"github.com/atlasdev/pdsengine/internal/store"
	"github.com/atlasdev/pdsengine/internal/tracing"
)

// MaxImportSize is the size cap ImportCAR enforces on the uploaded CAR
// bytes (spec.md §4.2's ≈100 MiB).
const MaxImportSize = 100 << 20

func parseCID(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to parse cid %q: %w", s, err)
	}
	return c, nil
}

// buildCARDiff frames a set of blocks as a CARv1 byte stream rooted at
// root, the same length-prefixed header+block layout
// internal/pds/db/repo.go's buildCarFile uses. RepoEngine only calls this
// for reader-facing export endpoints (export_car, getBlocks,
// getRecordProof); the firehose's own diff is built by the Sequencer.
func buildCARDiff(rootCID string, blks []*domain.Block) ([]byte, error) {
	root, err := parseCID(rootCID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer

	header, err := cbor.DumpObject(map[string]any{
		"version": uint64(1),
		"roots":   []any{root},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode car header: %w", err)
	}
	writeVarintFramed(&buf, header)

	for _, blk := range blks {
		c, err := parseCID(blk.CID)
		if err != nil {
			return nil, err
		}
		frame := append(c.Bytes(), blk.Bytes...)
		writeVarintFramed(&buf, frame)
	}

	return buf.Bytes(), nil
}

func writeVarintFramed(buf *bytes.Buffer, payload []byte) {
	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenBuf, uint64(len(payload)))
	buf.Write(lenBuf[:n])
	buf.Write(payload)
}

// ExportCAR returns the full repo as a CARv1 byte stream.
func (e *Engine) ExportCAR(ctx context.Context) (carBytes []byte, err error) {
	ctx, span := e.tracer.Start(ctx, "ExportCAR")
	defer func() { tracing.End(span, err) }()

	acct, err := e.store.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	if acct.Head == "" {
		return nil, fmt.Errorf("repo has not been initialized")
	}

	blks, err := e.store.GetAllBlocks(ctx)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("num_blocks", len(blks)))
	return buildCARDiff(acct.Head, blks)
}

// ExportCARSince returns only the blocks written after sinceRev, for
// incremental sync (com.atproto.sync.getRepo?since=).
func (e *Engine) ExportCARSince(ctx context.Context, sinceRev string) (carBytes []byte, err error) {
	ctx, span := e.tracer.Start(ctx, "ExportCARSince")
	defer func() { tracing.End(span, err) }()

	acct, err := e.store.GetAccount(ctx)
	if err != nil {
		return nil, err
	}

	var blks []*domain.Block
	if sinceRev == "" {
		blks, err = e.store.GetAllBlocks(ctx)
	} else {
		blks, err = e.store.GetBlocksSince(ctx, sinceRev)
	}
	if err != nil {
		return nil, err
	}

	return buildCARDiff(acct.Head, blks)
}

// GetBlocks returns a CARv1 stream containing exactly the requested CIDs
// (com.atproto.sync.getBlocks), skipping any that are missing.
func (e *Engine) GetBlocks(ctx context.Context, cidStrs []string) (carBytes []byte, err error) {
	ctx, span := e.tracer.Start(ctx, "GetBlocks")
	defer func() { tracing.End(span, err) }()

	acct, err := e.store.GetAccount(ctx)
	if err != nil {
		return nil, err
	}

	blks, err := e.store.GetBlocks(ctx, cidStrs)
	if err != nil {
		return nil, err
	}

	return buildCARDiff(acct.Head, blks)
}

// ImportCAR rebuilds a repo from a CARv1 export — com.atproto.repo.importRepo
// (spec.md §4.2). Only permitted against a brand-new, deactivated account:
// the empty-store and active=false checks exist because import replaces
// the repo wholesale rather than folding into an existing MST, the same
// precondition internal/pds/db/repo.go's import path enforces before it
// will touch an actor's blockstore.
func (e *Engine) ImportCAR(ctx context.Context, did string, signingKey []byte, carBytes []byte) (res *CommitResult, err error) {
	ctx, span := e.tracer.Start(ctx, "ImportCAR")
	defer func() { tracing.End(span, err) }()

	if len(carBytes) > MaxImportSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRepoTooLarge, len(carBytes))
	}

	acct, err := e.store.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if acct.Head != "" {
		return nil, ErrRepoAlreadyExists
	}
	if acct.Active {
		return nil, ErrRepoActive
	}

	carReader, err := car.NewCarReader(bytes.NewReader(carBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse car: %w", err)
	}
	if len(carReader.Header.Roots) != 1 {
		return nil, fmt.Errorf("car must have exactly one root, got %d", len(carReader.Header.Roots))
	}
	rootCID := carReader.Header.Roots[0]

	bs := blockstore.New(e.store)
	var commitBlk blocks.Block
	numBlocks := 0
	for {
		blk, err := carReader.Next()
		if err != nil {
			break
		}
		if err := bs.Put(ctx, blk); err != nil {
			return nil, fmt.Errorf("failed to buffer imported block: %w", err)
		}
		if blk.Cid() == rootCID {
			commitBlk = blk
		}
		numBlocks++
	}
	span.SetAttributes(attribute.Int("num_blocks", numBlocks))
	if commitBlk == nil {
		return nil, fmt.Errorf("car is missing its root commit block")
	}

	var commit atrepo.Commit
	if err := commit.UnmarshalCBOR(bytes.NewReader(commitBlk.RawData())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal root commit: %w", err)
	}
	if commit.DID != did {
		return nil, fmt.Errorf("commit did %q does not match account did %q", commit.DID, did)
	}

	privkey, err := atcrypto.ParsePrivateBytesK256(signingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	pubkey, err := privkey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	if ok, err := commit.VerifySignature(pubkey); err != nil || !ok {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommitSignature, err)
	}

	bs.SetRev(commit.Rev)

	tree, err := mst.LoadTreeFromStore(ctx, bs, commit.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to load imported mst: %w", err)
	}

	var ops []domain.RepoOp
	var recordWrites []store.RecordWrite

	if err := tree.Walk(func(key []byte, val cid.Cid) error {
		rpath := string(key)
		idx := strings.LastIndex(rpath, "/")
		if idx < 0 {
			return fmt.Errorf("malformed mst key %q", rpath)
		}
		collection, rkey := rpath[:idx], rpath[idx+1:]

		recBlk, err := bs.Get(ctx, val)
		if err != nil {
			return fmt.Errorf("failed to load record block %s for %s: %w", val, rpath, err)
		}
		cborBytes := recBlk.RawData()

		recordWrites = append(recordWrites, store.RecordWrite{
			Upsert: &domain.Record{
				Collection: collection,
				Rkey:       rkey,
				CID:        val.String(),
				Value:      cborBytes,
				CreatedAt:  time.Now().UTC(),
			},
			Collection:      collection,
			Rkey:            rkey,
			CollectionDelta: 1,
			AddBlobCIDs:     collectBlobRefs(cborBytes),
		})
		ops = append(ops, domain.RepoOp{Action: "create", Path: rpath, CID: val.Bytes()})
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to walk imported mst: %w", err)
	}

	write := &store.CommitWrite{
		Blocks:  bs.Pending(),
		Records: recordWrites,
		NewHead: rootCID.String(),
		NewRev:  commit.Rev,
	}
	if err := e.store.ApplyCommit(ctx, write); err != nil {
		return nil, fmt.Errorf("failed to persist imported repo: %w", err)
	}

	return &CommitResult{
		CommitCID: rootCID,
		Rev:       commit.Rev,
		Since:     "",
		Blocks:    bs.WriteLog(),
		Ops:       ops,
	}, nil
}

// proofTracker wraps the repo's blockstore and records every distinct block
// fetched through it, in fetch order — the same read-through shape
// blockstore.Store already gives RepoEngine, narrowed to capture exactly the
// nodes a lazy MST traversal touches.
type proofTracker struct {
	*blockstore.Store
	touched map[string]*domain.Block
	order   []string
}

func newProofTracker(bs *blockstore.Store) *proofTracker {
	return &proofTracker{Store: bs, touched: make(map[string]*domain.Block)}
}

func (t *proofTracker) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	blk, err := t.Store.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	key := c.String()
	if _, ok := t.touched[key]; !ok {
		t.order = append(t.order, key)
		t.touched[key] = &domain.Block{CID: key, Bytes: blk.RawData()}
	}
	return blk, nil
}

func (t *proofTracker) blocks() []*domain.Block {
	out := make([]*domain.Block, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, t.touched[key])
	}
	return out
}

// GetRecordProof returns a CAR containing the minimum set of MST nodes
// needed to prove presence or absence of collection/rkey, plus the record
// block itself when present (spec.md §4.2's get_record_proof). It walks
// the tree through a tracking blockstore rather than exporting the whole
// repo, so the proof stays small regardless of repo size.
func (e *Engine) GetRecordProof(ctx context.Context, collection, rkey string) (carBytes []byte, err error) {
	ctx, span := e.tracer.Start(ctx, "GetRecordProof")
	defer func() { tracing.End(span, err) }()

	acct, err := e.store.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	if acct.Head == "" {
		return nil, fmt.Errorf("repo has not been initialized")
	}

	headCID, err := parseCID(acct.Head)
	if err != nil {
		return nil, err
	}

	tr := newProofTracker(blockstore.New(e.store))

	commitBlk, err := tr.Get(ctx, headCID)
	if err != nil {
		return nil, fmt.Errorf("failed to load head commit block: %w", err)
	}
	var commit atrepo.Commit
	if err := commit.UnmarshalCBOR(bytes.NewReader(commitBlk.RawData())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal commit: %w", err)
	}

	tree, err := mst.LoadTreeFromStore(ctx, tr, commit.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to load mst: %w", err)
	}

	rpath := collection + "/" + rkey
	recordCIDPtr, _ := tree.Get([]byte(rpath))
	if recordCIDPtr != nil {
		if _, err := tr.Get(ctx, *recordCIDPtr); err != nil {
			return nil, fmt.Errorf("failed to load record block: %w", err)
		}
	}

	span.SetAttributes(attribute.Int("num_proof_blocks", len(tr.order)), attribute.Bool("present", recordCIDPtr != nil))
	return buildCARDiff(acct.Head, tr.blocks())
}

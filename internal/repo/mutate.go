package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/atproto/atdata"
	atrepo "github.com/bluesky-social/indigo/atproto/repo"
	"github.com/bluesky-social/indigo/atproto/repo/mst"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/atlasdev/pdsengine/internal/blockstore"
	"github.com/atlasdev/pdsengine/internal/domain"
	"github.com/atlasdev/pdsengine/internal/store"
	"github.com/atlasdev/pdsengine/internal/tracing"
)

// Write describes one MST mutation to fold into a single commit —
// ApplyWrites' unit of work, and also how CreateRecord/PutRecord/
// DeleteRecord build their one-element batches.
type Write struct {
	Action     string // "create", "update", "delete"
	Collection string
	Rkey       string
	RecordJSON []byte // required for create/update
}

// MutateResult pairs the commit outcome with the per-record results a
// caller needs to build an XRPC response.
type MutateResult struct {
	Commit  *CommitResult
	Records []RecordOutcome
}

type RecordOutcome struct {
	Collection string
	Rkey       string
	CID        string
	Deleted    bool
}

// ApplyWrites performs a batch of record mutations as a single commit —
// com.atproto.repo.applyWrites, and the primitive createRecord/putRecord/
// deleteRecord are built on top of.
func (e *Engine) ApplyWrites(ctx context.Context, did string, signingKey []byte, writes []Write, swapCommit string) (result *MutateResult, err error) {
	ctx, span := e.tracer.Start(ctx, "ApplyWrites")
	defer func() { tracing.End(span, err) }()

	span.SetAttributes(attribute.Int("num_writes", len(writes)))

	acct, err := e.store.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if swapCommit != "" && acct.Head != swapCommit {
		return nil, ErrConcurrentModification
	}
	if acct.Head == "" {
		return nil, fmt.Errorf("repo has not been initialized")
	}

	bs := blockstore.New(e.store)
	commit, headCID, clk, err := loadHeadCommit(ctx, bs, acct.Head)
	if err != nil {
		return nil, err
	}

	newRev := clk.Next().String()
	bs.SetRev(newRev)

	tree, err := mst.LoadTreeFromStore(ctx, bs, commit.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to load mst: %w", err)
	}

	var ops []domain.RepoOp
	var outcomes []RecordOutcome
	var recordWrites []store.RecordWrite

	for _, w := range writes {
		rpath := w.Collection + "/" + w.Rkey

		switch w.Action {
		case "create", "update":
			cborBytes, err := NormalizeRecordCBOR(w.Collection, w.RecordJSON)
			if err != nil {
				return nil, fmt.Errorf("failed to normalize record %s: %w", rpath, err)
			}

			existing, getErr := tree.Get([]byte(rpath))
			if w.Action == "create" && getErr == nil && existing != nil {
				return nil, fmt.Errorf("%w: %s", ErrRecordExists, rpath)
			}
			if w.Action == "update" && (getErr != nil || existing == nil) {
				return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, rpath)
			}

			rc, err := recordCID(cborBytes)
			if err != nil {
				return nil, fmt.Errorf("failed to compute record cid: %w", err)
			}
			blk, err := blocks.NewBlockWithCid(cborBytes, rc)
			if err != nil {
				return nil, fmt.Errorf("failed to build record block: %w", err)
			}
			if err := bs.Put(ctx, blk); err != nil {
				return nil, err
			}

			if w.Action == "create" {
				if _, err := tree.Insert([]byte(rpath), rc); err != nil {
					return nil, fmt.Errorf("failed to insert %s into mst: %w", rpath, err)
				}
			} else {
				if _, err := tree.Update([]byte(rpath), rc); err != nil {
					return nil, fmt.Errorf("failed to update %s in mst: %w", rpath, err)
				}
			}

			delta := 0
			if w.Action == "create" {
				delta = 1
			}

			recordWrites = append(recordWrites, store.RecordWrite{
				Upsert: &domain.Record{
					Collection: w.Collection,
					Rkey:       w.Rkey,
					CID:        rc.String(),
					Value:      cborBytes,
					CreatedAt:  time.Now().UTC(),
				},
				Collection:      w.Collection,
				Rkey:            w.Rkey,
				CollectionDelta: delta,
				AddBlobCIDs:     collectBlobRefs(cborBytes),
			})

			ops = append(ops, domain.RepoOp{Action: w.Action, Path: rpath, CID: rc.Bytes()})
			outcomes = append(outcomes, RecordOutcome{Collection: w.Collection, Rkey: w.Rkey, CID: rc.String()})

		case "delete":
			if _, err := tree.Remove([]byte(rpath)); err != nil {
				return nil, fmt.Errorf("failed to remove %s from mst: %w", rpath, err)
			}

			recordWrites = append(recordWrites, store.RecordWrite{
				Delete:          true,
				Collection:      w.Collection,
				Rkey:            w.Rkey,
				CollectionDelta: -1,
				RemoveURI:       "at://" + w.Collection + "/" + w.Rkey,
			})

			ops = append(ops, domain.RepoOp{Action: "delete", Path: rpath})
			outcomes = append(outcomes, RecordOutcome{Collection: w.Collection, Rkey: w.Rkey, Deleted: true})

		default:
			return nil, fmt.Errorf("unsupported write action %q", w.Action)
		}
	}

	rootCID, err := tree.WriteDiffBlocks(ctx, bs)
	if err != nil {
		return nil, fmt.Errorf("failed to write mst diff: %w", err)
	}

	newCommit := atrepo.Commit{
		DID:     did,
		Version: atrepo.ATPROTO_REPO_VERSION,
		Prev:    &headCID,
		Data:    *rootCID,
		Rev:     newRev,
	}

	commitCID, err := signAndStore(ctx, bs, &newCommit, signingKey)
	if err != nil {
		return nil, err
	}

	write := &store.CommitWrite{
		ExpectedHead: acct.Head,
		Blocks:       bs.Pending(),
		Records:      recordWrites,
		NewHead:      commitCID.String(),
		NewRev:       newRev,
	}
	if err := e.store.ApplyCommit(ctx, write); err != nil {
		return nil, err
	}

	return &MutateResult{
		Commit: &CommitResult{
			CommitCID: commitCID,
			Rev:       newRev,
			Since:     commit.Rev,
			Blocks:    bs.WriteLog(),
			Ops:       ops,
		},
		Records: outcomes,
	}, nil
}

// CreateRecord is a single-write convenience wrapper around ApplyWrites.
func (e *Engine) CreateRecord(ctx context.Context, did string, signingKey []byte, collection, rkey string, recordJSON []byte, swapCommit string) (*MutateResult, error) {
	return e.ApplyWrites(ctx, did, signingKey, []Write{{Action: "create", Collection: collection, Rkey: rkey, RecordJSON: recordJSON}}, swapCommit)
}

func (e *Engine) PutRecord(ctx context.Context, did string, signingKey []byte, collection, rkey string, recordJSON []byte, swapCommit string) (*MutateResult, error) {
	return e.ApplyWrites(ctx, did, signingKey, []Write{{Action: "update", Collection: collection, Rkey: rkey, RecordJSON: recordJSON}}, swapCommit)
}

func (e *Engine) DeleteRecord(ctx context.Context, did string, signingKey []byte, collection, rkey string, swapCommit string) (*MutateResult, error) {
	return e.ApplyWrites(ctx, did, signingKey, []Write{{Action: "delete", Collection: collection, Rkey: rkey}}, swapCommit)
}

// collectBlobRefs walks a decoded DAG-CBOR record value for any embedded
// blob references ({"$type":"blob","ref":{"$link":"<cid>"}}), the
// normalization RepoEngine performs so BlobStore knows which uploaded blobs
// are actually referenced from the repo (spec.md §4.2). Once a record has
// gone through NormalizeRecordCBOR and back, a blob's "ref" is no longer a
// generic map: atdata encodes the $link as a CBOR CID-link (tag 42), and
// atdata.UnmarshalCBOR hands it back as a typed atdata.CIDLink rather than
// {"$link": "<cid>"} — this is also the shape ImportCAR's MST walk has to
// account for, since it decodes record blocks the same way.
func collectBlobRefs(cborBytes []byte) []string {
	val, err := atdata.UnmarshalCBOR(cborBytes)
	if err != nil {
		return nil
	}
	var out []string
	walkBlobRefs(val, &out)
	return out
}

func walkBlobRefs(v any, out *[]string) {
	switch t := v.(type) {
	case map[string]any:
		if t["$type"] == "blob" {
			if ref, ok := t["ref"].(atdata.CIDLink); ok {
				*out = append(*out, cid.Cid(ref).String())
			}
		}
		for _, sub := range t {
			walkBlobRefs(sub, out)
		}
	case []any:
		for _, sub := range t {
			walkBlobRefs(sub, out)
		}
	}
}

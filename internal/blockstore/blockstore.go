// Package blockstore adapts the RepoStore's block table to the minimal
// interface indigo's MST/repo code expects, in the same "pending write
// buffer with read-your-writes semantics" shape as the teacher's
// internal/pds/db/blockstore.go — except the buffer here is never flushed
// directly; RepoEngine hands the finished pending set to
// store.Store.ApplyCommit so the whole commit lands in one transaction.
package blockstore

import (
	"context"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"

	"github.com/atlasdev/pdsengine/internal/domain"
	"github.com/atlasdev/pdsengine/internal/store"
)

// Store is the read-through, write-buffered blockstore RepoEngine hands to
// indigo's mst/repo packages for one commit's duration.
type Store struct {
	backing *store.Store
	rev     string

	pending map[string]blocks.Block
	order   []string // preserves insertion order for a deterministic write log
}

func New(backing *store.Store) *Store {
	return &Store{backing: backing, pending: make(map[string]blocks.Block)}
}

// SetRev tags every block Put from here on with the rev being written, so
// the write log can be attributed to one commit.
func (s *Store) SetRev(rev string) { s.rev = rev }

func (s *Store) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	if blk, ok := s.pending[c.String()]; ok {
		return blk, nil
	}

	blk, err := s.backing.GetBlock(ctx, c.String())
	if err != nil {
		if err == store.ErrNotFound {
			return nil, fmt.Errorf("block not found: %s", c.String())
		}
		return nil, err
	}
	return blocks.NewBlockWithCid(blk.Bytes, c)
}

func (s *Store) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if _, ok := s.pending[c.String()]; ok {
		return true, nil
	}
	_, err := s.backing.GetBlock(ctx, c.String())
	if err == store.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) GetSize(ctx context.Context, c cid.Cid) (int, error) {
	blk, err := s.Get(ctx, c)
	if err != nil {
		return 0, err
	}
	return len(blk.RawData()), nil
}

func (s *Store) Put(ctx context.Context, blk blocks.Block) error {
	key := blk.Cid().String()
	if _, exists := s.pending[key]; !exists {
		s.order = append(s.order, key)
	}
	s.pending[key] = blk
	return nil
}

func (s *Store) PutMany(ctx context.Context, blks []blocks.Block) error {
	for _, blk := range blks {
		if err := s.Put(ctx, blk); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteBlock(ctx context.Context, c cid.Cid) error {
	delete(s.pending, c.String())
	return nil
}

func (s *Store) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	return nil, fmt.Errorf("AllKeysChan not implemented")
}

func (s *Store) HashOnRead(enabled bool) {}

// WriteLog returns every block Put during this commit, in the order they
// were written — the diff the Sequencer turns into a CAR blocks payload.
func (s *Store) WriteLog() []*domain.Block {
	out := make([]*domain.Block, 0, len(s.order))
	for _, key := range s.order {
		blk := s.pending[key]
		out = append(out, &domain.Block{CID: key, Bytes: blk.RawData(), Rev: s.rev})
	}
	return out
}

// Pending returns the full pending set as domain.Block rows ready for
// store.CommitWrite.Blocks, regardless of write-log ordering.
func (s *Store) Pending() []*domain.Block {
	return s.WriteLog()
}

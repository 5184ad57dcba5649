package sequencer

import (
	"log/slog"
	"testing"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/stretchr/testify/require"

	"github.com/atlasdev/pdsengine/internal/repo"
	"github.com/atlasdev/pdsengine/internal/store"
)

const testDID = "did:plc:sequencertest"

func testSequencerStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := t.Context()
	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSequenceCommitAssignsIncreasingSeq(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testSequencerStore(t)

	re := repo.New(st)
	key, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)

	genesis, err := re.InitRepo(ctx, testDID, key.Bytes())
	require.NoError(t, err)

	seq := New(slog.Default(), st)

	require.NoError(t, seq.SequenceCommit(ctx, testDID, genesis))

	firstSeq, err := st.LatestSeq(ctx)
	require.NoError(t, err)
	require.Greater(t, firstSeq, int64(0))

	require.NoError(t, seq.SequenceIdentity(ctx, testDID, "alice.example.com"))
	secondSeq, err := st.LatestSeq(ctx)
	require.NoError(t, err)
	require.Greater(t, secondSeq, firstSeq)
}

func TestEventsSinceReturnsInOrder(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testSequencerStore(t)
	seq := New(slog.Default(), st)

	require.NoError(t, seq.SequenceIdentity(ctx, testDID, "alice.example.com"))
	require.NoError(t, seq.SequenceAccount(ctx, testDID, false, "deactivated"))
	require.NoError(t, seq.SequenceAccount(ctx, testDID, true, ""))

	events, err := st.EventsSince(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Less(t, events[0].Seq, events[1].Seq)
	require.Less(t, events[1].Seq, events[2].Seq)
	require.Equal(t, "#identity", string(events[0].Kind))
	require.False(t, events[1].Active)
	require.True(t, events[2].Active)
}

func TestSequenceCommitEmbedsCARDiff(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testSequencerStore(t)

	re := repo.New(st)
	key, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)

	genesis, err := re.InitRepo(ctx, testDID, key.Bytes())
	require.NoError(t, err)

	seq := New(slog.Default(), st)
	require.NoError(t, seq.SequenceCommit(ctx, testDID, genesis))

	events, err := st.EventsSince(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, testDID, events[0].Repo)
	require.Equal(t, genesis.Rev, events[0].Rev)
	require.NotEmpty(t, events[0].Blocks)
	require.NotEmpty(t, events[0].Commit)
}

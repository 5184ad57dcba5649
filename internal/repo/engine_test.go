package repo

import (
	"testing"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/stretchr/testify/require"

	"github.com/atlasdev/pdsengine/internal/domain"
	"github.com/atlasdev/pdsengine/internal/store"
)

const testDID = "did:plc:repotest"

func testSigningKey(t *testing.T) []byte {
	t.Helper()
	key, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)
	return key.Bytes()
}

func testRepoStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := t.Context()
	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.SeedAccount(ctx, &domain.Account{
		DID:         testDID,
		Handle:      "repotest.example.com",
		PDSHostname: "pds.example.com",
		ServiceDID:  "did:web:pds.example.com",
		SigningKey:  []byte("placeholder-signing-key"),
		JWTSecret:   []byte("placeholder-jwt-secret"),
		Active:      true,
	}))
	return st
}

func TestInitRepoProducesGenesisCommit(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testRepoStore(t)
	e := New(st)
	key := testSigningKey(t)

	res, err := e.InitRepo(ctx, testDID, key)
	require.NoError(t, err)
	require.Empty(t, res.Since)
	require.NotEmpty(t, res.Rev)
	require.NotEmpty(t, res.Blocks)

	acct, err := st.GetAccount(ctx)
	require.NoError(t, err)
	require.Equal(t, res.CommitCID.String(), acct.Head)
	require.Equal(t, res.Rev, acct.Rev)
}

func TestCreateRecordAdvancesRev(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testRepoStore(t)
	e := New(st)
	key := testSigningKey(t)

	genesis, err := e.InitRepo(ctx, testDID, key)
	require.NoError(t, err)

	result, err := e.CreateRecord(ctx, testDID, key, "app.bsky.feed.post",
		"3jui7kd2xs22b", []byte(`{"text":"hello"}`), "")
	require.NoError(t, err)
	require.Equal(t, genesis.Rev, result.Commit.Since)
	require.NotEqual(t, genesis.Rev, result.Commit.Rev)
	require.Len(t, result.Records, 1)
	require.Equal(t, "3jui7kd2xs22b", result.Records[0].Rkey)
	require.NotEmpty(t, result.Records[0].CID)
	require.False(t, result.Records[0].Deleted)
}

func TestCreateRecordRejectsDuplicateRkey(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testRepoStore(t)
	e := New(st)
	key := testSigningKey(t)

	_, err := e.InitRepo(ctx, testDID, key)
	require.NoError(t, err)

	_, err = e.CreateRecord(ctx, testDID, key, "app.bsky.feed.post", "rkey1", []byte(`{"text":"a"}`), "")
	require.NoError(t, err)

	_, err = e.CreateRecord(ctx, testDID, key, "app.bsky.feed.post", "rkey1", []byte(`{"text":"b"}`), "")
	require.ErrorIs(t, err, ErrRecordExists)
}

func TestPutRecordRejectsMissingRecord(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testRepoStore(t)
	e := New(st)
	key := testSigningKey(t)

	_, err := e.InitRepo(ctx, testDID, key)
	require.NoError(t, err)

	_, err = e.PutRecord(ctx, testDID, key, "app.bsky.feed.post", "missing", []byte(`{"text":"a"}`), "")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestDeleteRecordRemovesEntry(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testRepoStore(t)
	e := New(st)
	key := testSigningKey(t)

	_, err := e.InitRepo(ctx, testDID, key)
	require.NoError(t, err)

	_, err = e.CreateRecord(ctx, testDID, key, "app.bsky.feed.post", "rkey1", []byte(`{"text":"a"}`), "")
	require.NoError(t, err)

	result, err := e.DeleteRecord(ctx, testDID, key, "app.bsky.feed.post", "rkey1", "")
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	require.True(t, result.Records[0].Deleted)

	_, err = e.PutRecord(ctx, testDID, key, "app.bsky.feed.post", "rkey1", []byte(`{"text":"b"}`), "")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestExportImportRoundTripReconstructsEqualMST(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testRepoStore(t)
	e := New(st)
	key := testSigningKey(t)

	_, err := e.InitRepo(ctx, testDID, key)
	require.NoError(t, err)

	_, err = e.CreateRecord(ctx, testDID, key, "app.bsky.feed.post", "rkey1", []byte(`{"text":"a"}`), "")
	require.NoError(t, err)
	_, err = e.CreateRecord(ctx, testDID, key, "app.bsky.feed.post", "rkey2", []byte(`{"text":"b"}`), "")
	require.NoError(t, err)

	carBytes, err := e.ExportCAR(ctx)
	require.NoError(t, err)

	freshStore := testRepoStore(t)
	fresh := New(freshStore)
	// importRepo is only permitted against an empty, deactivated account.
	require.NoError(t, freshStore.SetActive(ctx, false, "deactivated"))

	res, err := fresh.ImportCAR(ctx, testDID, key, carBytes)
	require.NoError(t, err)

	origAcct, err := st.GetAccount(ctx)
	require.NoError(t, err)
	require.Equal(t, origAcct.Head, res.CommitCID.String())
	require.Equal(t, origAcct.Rev, res.Rev)

	rec1, err := freshStore.GetRecord(ctx, "app.bsky.feed.post", "rkey1")
	require.NoError(t, err)
	origRec1, err := st.GetRecord(ctx, "app.bsky.feed.post", "rkey1")
	require.NoError(t, err)
	require.Equal(t, origRec1.CID, rec1.CID)
}

func TestImportCARRejectsNonEmptyStore(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testRepoStore(t)
	e := New(st)
	key := testSigningKey(t)

	_, err := e.InitRepo(ctx, testDID, key)
	require.NoError(t, err)

	carBytes, err := e.ExportCAR(ctx)
	require.NoError(t, err)

	require.NoError(t, st.SetActive(ctx, false, "deactivated"))
	_, err = e.ImportCAR(ctx, testDID, key, carBytes)
	require.ErrorIs(t, err, ErrRepoAlreadyExists)
}

func TestGetRecordProofReturnsCARWithRecordBlock(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testRepoStore(t)
	e := New(st)
	key := testSigningKey(t)

	_, err := e.InitRepo(ctx, testDID, key)
	require.NoError(t, err)
	_, err = e.CreateRecord(ctx, testDID, key, "app.bsky.feed.post", "rkey1", []byte(`{"text":"a"}`), "")
	require.NoError(t, err)

	proof, err := e.GetRecordProof(ctx, "app.bsky.feed.post", "rkey1")
	require.NoError(t, err)
	require.NotEmpty(t, proof)
}

func TestGetRecordProofForAbsentKeyStillReturnsCAR(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testRepoStore(t)
	e := New(st)
	key := testSigningKey(t)

	_, err := e.InitRepo(ctx, testDID, key)
	require.NoError(t, err)

	proof, err := e.GetRecordProof(ctx, "app.bsky.feed.post", "missing")
	require.NoError(t, err)
	require.NotEmpty(t, proof)
}

func TestApplyWritesRejectsStaleSwapCommit(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testRepoStore(t)
	e := New(st)
	key := testSigningKey(t)

	_, err := e.InitRepo(ctx, testDID, key)
	require.NoError(t, err)

	_, err = e.CreateRecord(ctx, testDID, key, "app.bsky.feed.post", "rkey1", []byte(`{"text":"a"}`), "")
	require.NoError(t, err)

	_, err = e.CreateRecord(ctx, testDID, key, "app.bsky.feed.post", "rkey2", []byte(`{"text":"b"}`), "a-stale-commit-cid")
	require.ErrorIs(t, err, ErrConcurrentModification)
}

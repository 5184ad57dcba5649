package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atlasdev/pdsengine/internal/domain"
	"github.com/atlasdev/pdsengine/internal/testutil"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	ctx := t.Context()

	st, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSeedAccountIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testStore(t)

	acct := &domain.Account{
		DID:         "did:plc:" + testutil.RandString(10),
		Handle:      "alice.example.com",
		PDSHostname: "pds.example.com",
		ServiceDID:  "did:web:pds.example.com",
		SigningKey:  []byte("signing-key-bytes"),
		JWTSecret:   []byte("jwt-secret"),
		Active:      true,
	}

	require.NoError(t, st.SeedAccount(ctx, acct))
	require.NoError(t, st.SeedAccount(ctx, acct)) // second seed must be a no-op

	got, err := st.GetAccount(ctx)
	require.NoError(t, err)
	require.Equal(t, acct.DID, got.DID)
	require.Equal(t, acct.Handle, got.Handle)
	require.True(t, got.Active)
}

func TestSetActiveFlipsStatus(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testStore(t)

	require.NoError(t, st.SeedAccount(ctx, &domain.Account{
		DID: "did:plc:" + testutil.RandString(10), Handle: "bob.example.com",
		PDSHostname: "pds.example.com", SigningKey: []byte("k"), JWTSecret: []byte("s"),
		Active: true,
	}))

	require.NoError(t, st.SetActive(ctx, false, "deactivated"))
	acct, err := st.GetAccount(ctx)
	require.NoError(t, err)
	require.False(t, acct.Active)
	require.Equal(t, "deactivated", acct.Status)

	require.NoError(t, st.SetActive(ctx, true, ""))
	acct, err = st.GetAccount(ctx)
	require.NoError(t, err)
	require.True(t, acct.Active)
	require.Equal(t, "", acct.Status)
}

func TestGetRecordNotFound(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testStore(t)

	_, err := st.GetRecord(ctx, "app.bsky.feed.post", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetBlockNotFound(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testStore(t)

	_, err := st.GetBlock(ctx, "bafynonexistent")
	require.ErrorIs(t, err, ErrNotFound)
}

package blob

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atlasdev/pdsengine/internal/store"
)

func testBlobStore(t *testing.T) *Store {
	t.Helper()
	ctx := t.Context()
	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, nil)
}

func TestUploadAndGetRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := testBlobStore(t)

	data := []byte("hello blob world")
	blobCID, err := s.Upload(ctx, data, "text/plain")
	require.NoError(t, err)
	require.NotEmpty(t, blobCID.String())

	meta, got, err := s.Get(ctx, blobCID.String())
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, "text/plain", meta.MimeType)
	require.Equal(t, int64(len(data)), meta.Size)

	has, err := s.Has(ctx, blobCID.String())
	require.NoError(t, err)
	require.True(t, has)
}

func TestUploadRejectsEmpty(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := testBlobStore(t)

	_, err := s.Upload(ctx, nil, "")
	require.ErrorIs(t, err, ErrEmpty)
}

func TestUploadRejectsTooLarge(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := testBlobStore(t)

	_, err := s.Upload(ctx, make([]byte, MaxBlobSize+1), "")
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestUploadDetectsContentType(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := testBlobStore(t)

	blobCID, err := s.Upload(ctx, []byte("<html><body>hi</body></html>"), "")
	require.NoError(t, err)

	meta, _, err := s.Get(ctx, blobCID.String())
	require.NoError(t, err)
	require.Contains(t, meta.MimeType, "text/html")
}

func TestGetMissingBlobReturnsNotFound(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := testBlobStore(t)

	_, _, err := s.Get(ctx, "bafkqaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListReturnsUploadedBlobs(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := testBlobStore(t)

	_, err := s.Upload(ctx, []byte("blob one"), "text/plain")
	require.NoError(t, err)
	_, err = s.Upload(ctx, []byte("blob two"), "text/plain")
	require.NoError(t, err)

	blobs, err := s.List(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, blobs, 2)
}

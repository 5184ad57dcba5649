package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/atlasdev/pdsengine/internal/blob"
	"github.com/atlasdev/pdsengine/internal/engine"
	"github.com/atlasdev/pdsengine/internal/store"
)

const testPassword = "correct horse battery staple"

// testServer boots a full engine (embedded sqlite, a freshly generated
// signing key, a seeded account) against an in-memory store, the way
// internal/pds/server_test.go's testServer helper wires up its own
// in-process FoundationDB-backed PDS for handler tests.
func testServer(t *testing.T) *Server {
	t.Helper()
	ctx := t.Context()

	st, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	blobs := blob.New(st, nil)

	e, err := engine.New(slog.Default(), st, blobs, "Test Engine", "pds.example.com", []string{"https://pds.example.com"})
	require.NoError(t, err)

	signingKey, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.DefaultCost)
	require.NoError(t, err)

	require.NoError(t, e.Boot(ctx, &engine.Config{
		DID:           "did:plc:testaccount",
		Handle:        "test.pds.example.com",
		PDSHostname:   "pds.example.com",
		ServiceDID:    "did:web:pds.example.com",
		SigningKey:    signingKey.Bytes(),
		JWTSecret:     []byte("test-jwt-secret"),
		PasswordHash:  passwordHash,
		InitialActive: true,
	}))

	go e.Run(ctx)
	t.Cleanup(func() {})

	return New(slog.Default(), e)
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, auth string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandlePing(t *testing.T) {
	t.Parallel()
	srv := testServer(t)
	router := srv.router()

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "pong", w.Body.String())
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	srv := testServer(t)
	router := srv.router()

	w := doJSON(t, router, http.MethodGet, "/xrpc/_health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp["status"])
}

func TestCreateSessionAndGetSession(t *testing.T) {
	t.Parallel()
	srv := testServer(t)
	router := srv.router()

	w := doJSON(t, router, http.MethodPost, "/xrpc/com.atproto.server.createSession", &createSessionInput{
		Identifier: "test.pds.example.com",
		Password:   testPassword,
	}, "")
	require.Equal(t, http.StatusOK, w.Code)

	var sess sessionOutput
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	require.NotEmpty(t, sess.AccessJwt)
	require.Equal(t, "did:plc:testaccount", sess.DID)
	require.True(t, sess.Active)

	w2 := doJSON(t, router, http.MethodGet, "/xrpc/com.atproto.server.getSession", nil, "Bearer "+sess.AccessJwt)
	require.Equal(t, http.StatusOK, w2.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &got))
	require.Equal(t, "did:plc:testaccount", got["did"])
}

func TestCreateSessionRejectsBadPassword(t *testing.T) {
	t.Parallel()
	srv := testServer(t)
	router := srv.router()

	w := doJSON(t, router, http.MethodPost, "/xrpc/com.atproto.server.createSession", &createSessionInput{
		Identifier: "test.pds.example.com",
		Password:   "wrong password",
	}, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSessionRejectsMissingAuth(t *testing.T) {
	t.Parallel()
	srv := testServer(t)
	router := srv.router()

	w := doJSON(t, router, http.MethodGet, "/xrpc/com.atproto.server.getSession", nil, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateAndGetRecord(t *testing.T) {
	t.Parallel()
	srv := testServer(t)
	router := srv.router()

	w := doJSON(t, router, http.MethodPost, "/xrpc/com.atproto.server.createSession", &createSessionInput{
		Identifier: "test.pds.example.com",
		Password:   testPassword,
	}, "")
	require.Equal(t, http.StatusOK, w.Code)
	var sess sessionOutput
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	auth := "Bearer " + sess.AccessJwt

	record := json.RawMessage(`{"$type":"app.bsky.feed.post","text":"hello world"}`)
	wc := doJSON(t, router, http.MethodPost, "/xrpc/com.atproto.repo.createRecord", &recordWriteInput{
		Collection: "app.bsky.feed.post",
		Rkey:       "3jui7kd2xs22b",
		Record:     record,
	}, auth)
	require.Equal(t, http.StatusOK, wc.Code, wc.Body.String())

	var created recordOutput
	require.NoError(t, json.Unmarshal(wc.Body.Bytes(), &created))
	require.Equal(t, "at://did:plc:testaccount/app.bsky.feed.post/3jui7kd2xs22b", created.URI)
	require.NotNil(t, created.Commit)

	wg := doJSON(t, router, http.MethodGet,
		"/xrpc/com.atproto.repo.getRecord?collection=app.bsky.feed.post&rkey=3jui7kd2xs22b", nil, "")
	require.Equal(t, http.StatusOK, wg.Code, wg.Body.String())

	var got map[string]any
	require.NoError(t, json.Unmarshal(wg.Body.Bytes(), &got))
	require.Equal(t, created.URI, got["uri"])
}

func TestWellKnownDIDDocument(t *testing.T) {
	t.Parallel()
	srv := testServer(t)
	router := srv.router()

	w := doJSON(t, router, http.MethodGet, "/.well-known/did.json", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var doc didDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.Equal(t, "did:web:pds.example.com", doc.ID)
	require.Contains(t, doc.AlsoKnownAs, "at://test.pds.example.com")
	require.Len(t, doc.VerificationMethod, 1)
	require.Equal(t, "Multikey", doc.VerificationMethod[0].Type)
	require.NotEmpty(t, doc.VerificationMethod[0].PublicKeyMultibase)
	require.Len(t, doc.Service, 1)
	require.Equal(t, "AtprotoPersonalDataServer", doc.Service[0].Type)
}

func TestWellKnownAtprotoDidMatchesHandleHost(t *testing.T) {
	t.Parallel()
	srv := testServer(t)
	router := srv.router()

	req := httptest.NewRequest(http.MethodGet, "/.well-known/atproto-did", nil)
	req.Host = "test.pds.example.com"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "did:plc:testaccount", w.Body.String())
}

func TestWellKnownAtprotoDidRejectsOtherHost(t *testing.T) {
	t.Parallel()
	srv := testServer(t)
	router := srv.router()

	req := httptest.NewRequest(http.MethodGet, "/.well-known/atproto-did", nil)
	req.Host = "someone-elses-handle.example.com"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestImportRepoRejectsAlreadyInitializedAccount(t *testing.T) {
	t.Parallel()
	srv := testServer(t)
	router := srv.router()

	w := doJSON(t, router, http.MethodPost, "/xrpc/com.atproto.server.createSession", &createSessionInput{
		Identifier: "test.pds.example.com",
		Password:   testPassword,
	}, "")
	require.Equal(t, http.StatusOK, w.Code)
	var sess sessionOutput
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))

	// testServer's engine.Boot already ran InitRepo (the account had no
	// head), so any CAR body is rejected before it is even parsed.
	req := httptest.NewRequest(http.MethodPost, "/xrpc/com.atproto.repo.importRepo", bytes.NewReader([]byte("not a real car")))
	req.Header.Set("Authorization", "Bearer "+sess.AccessJwt)
	req.Header.Set("Content-Type", "application/vnd.ipld.car")
	wi := httptest.NewRecorder()
	router.ServeHTTP(wi, req)

	require.Equal(t, http.StatusConflict, wi.Code, wi.Body.String())
}

func TestGetRecordProofEndpoint(t *testing.T) {
	t.Parallel()
	srv := testServer(t)
	router := srv.router()

	w := doJSON(t, router, http.MethodPost, "/xrpc/com.atproto.server.createSession", &createSessionInput{
		Identifier: "test.pds.example.com",
		Password:   testPassword,
	}, "")
	require.Equal(t, http.StatusOK, w.Code)
	var sess sessionOutput
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	auth := "Bearer " + sess.AccessJwt

	record := json.RawMessage(`{"$type":"app.bsky.feed.post","text":"proof me"}`)
	wc := doJSON(t, router, http.MethodPost, "/xrpc/com.atproto.repo.createRecord", &recordWriteInput{
		Collection: "app.bsky.feed.post",
		Rkey:       "3jui7kd2xs22c",
		Record:     record,
	}, auth)
	require.Equal(t, http.StatusOK, wc.Code, wc.Body.String())

	wp := doJSON(t, router, http.MethodGet,
		"/xrpc/com.atproto.sync.getRecord?collection=app.bsky.feed.post&rkey=3jui7kd2xs22c", nil, "")
	require.Equal(t, http.StatusOK, wp.Code, wp.Body.String())
	require.Equal(t, "application/vnd.ipld.car", wp.Header().Get("Content-Type"))
	require.NotEmpty(t, wp.Body.Bytes())
}

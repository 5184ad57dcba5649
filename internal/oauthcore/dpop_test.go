package oauthcore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/atlasdev/pdsengine/internal/store"
)

// signDPoPProof builds a self-contained DPoP proof JWT the way a real
// client library would: an ephemeral ES256 key embedded in its own "jwk"
// header, signing htm/htu/iat/jti claims per RFC 9449.
func signDPoPProof(t *testing.T, htm, htu string, ath string) string {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	pubKey, err := jwk.FromRaw(priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pubKey.Set(jwk.AlgorithmKey, jwa.ES256))

	builder := jwt.NewBuilder().
		Claim("htm", htm).
		Claim("htu", htu).
		JwtID("proof-" + htm + "-" + htu).
		IssuedAt(time.Now())
	if ath != "" {
		builder = builder.Claim("ath", ath)
	}
	tok, err := builder.Build()
	require.NoError(t, err)

	hdrs := jws.NewHeaders()
	require.NoError(t, hdrs.Set(jws.TypeKey, "dpop+jwt"))
	require.NoError(t, hdrs.Set(jws.JWKKey, pubKey))

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.ES256, priv, jws.WithProtectedHeaders(hdrs)))
	require.NoError(t, err)
	return string(signed)
}

func testNonceStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.Context(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestVerifyProofAcceptsWellFormedProof(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testNonceStore(t)

	proofJWS := signDPoPProof(t, "POST", "https://pds.example.com/xrpc/com.atproto.repo.createRecord", "")

	proof, err := VerifyProof(ctx, st, proofJWS, "POST", "https://pds.example.com/xrpc/com.atproto.repo.createRecord")
	require.NoError(t, err)
	require.NotEmpty(t, proof.JKT)
	require.NotEmpty(t, proof.JTI)
}

func TestVerifyProofRejectsReplay(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testNonceStore(t)

	proofJWS := signDPoPProof(t, "POST", "https://pds.example.com/xrpc/com.atproto.repo.createRecord", "")

	_, err := VerifyProof(ctx, st, proofJWS, "POST", "https://pds.example.com/xrpc/com.atproto.repo.createRecord")
	require.NoError(t, err)

	_, err = VerifyProof(ctx, st, proofJWS, "POST", "https://pds.example.com/xrpc/com.atproto.repo.createRecord")
	require.ErrorIs(t, err, ErrProofReplayed)
}

func TestVerifyProofRejectsMethodMismatch(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testNonceStore(t)

	proofJWS := signDPoPProof(t, "GET", "https://pds.example.com/xrpc/com.atproto.repo.getRecord", "")

	_, err := VerifyProof(ctx, st, proofJWS, "POST", "https://pds.example.com/xrpc/com.atproto.repo.getRecord")
	require.ErrorIs(t, err, ErrInvalidProof)
}

func TestAccessTokenHashMatchesProofAth(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st := testNonceStore(t)

	accessToken := "a-real-looking-opaque-access-token"
	ath := AccessTokenHash(accessToken)

	proofJWS := signDPoPProof(t, "GET", "https://pds.example.com/xrpc/com.atproto.repo.getRecord", ath)
	proof, err := VerifyProof(ctx, st, proofJWS, "GET", "https://pds.example.com/xrpc/com.atproto.repo.getRecord")
	require.NoError(t, err)
	require.Equal(t, ath, proof.ATHash)
}

func TestVerifyPKCE(t *testing.T) {
	t.Parallel()

	verifier := "a-code-verifier-at-least-43-characters-long-1234567890"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	require.True(t, VerifyPKCE(challenge, "S256", verifier))
	require.False(t, VerifyPKCE("wrong-challenge-value", "S256", verifier))
	require.False(t, VerifyPKCE(challenge, "plain", verifier))
}

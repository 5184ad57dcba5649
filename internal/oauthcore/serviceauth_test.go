package oauthcore

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/stretchr/testify/require"
)

func TestCreateServiceAuthToken(t *testing.T) {
	t.Parallel()

	key, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)

	token, err := CreateServiceAuthToken("did:plc:servicetest", key.Bytes(), "did:web:other.example.com", "com.atproto.repo.getRecord")
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	require.NoError(t, err)
	var header map[string]string
	require.NoError(t, json.Unmarshal(headerJSON, &header))
	require.Equal(t, "ES256K", header["alg"])

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(payloadJSON, &payload))
	require.Equal(t, "did:plc:servicetest", payload["iss"])
	require.Equal(t, "did:web:other.example.com", payload["aud"])
	require.Equal(t, "com.atproto.repo.getRecord", payload["lxm"])
}

func TestCreateServiceAuthTokenRejectsBadKey(t *testing.T) {
	t.Parallel()

	_, err := CreateServiceAuthToken("did:plc:servicetest", []byte("not a valid key"), "did:web:other.example.com", "")
	require.Error(t, err)
}

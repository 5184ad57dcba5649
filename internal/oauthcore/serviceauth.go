package oauthcore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/google/uuid"
)

// ServiceAuthTokenTTL is the lifetime of a service-auth JWT — 5 minutes
// per the account engine's spec, longer than the teacher's 1-minute
// window to tolerate the extra inter-PDS hop a single-tenant deployment
// is more likely to sit behind.
const ServiceAuthTokenTTL = 5 * time.Minute

// CreateServiceAuthToken signs a service-auth JWT with the account's own
// repo signing key (ES256K), the same proxy-request credential
// internal/pds/serviceauth.go issues.
func CreateServiceAuthToken(did string, signingKey []byte, aud, lxm string) (string, error) {
	privkey, err := atcrypto.ParsePrivateBytesK256(signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to parse signing key: %w", err)
	}

	header := map[string]string{"alg": "ES256K", "typ": "JWT"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("failed to marshal header: %w", err)
	}
	encodedHeader := base64.RawURLEncoding.EncodeToString(headerJSON)

	payload := map[string]any{
		"iss": did,
		"aud": aud,
		"lxm": lxm,
		"jti": uuid.NewString(),
		"exp": time.Now().Add(ServiceAuthTokenTTL).UTC().Unix(),
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	encodedPayload := base64.RawURLEncoding.EncodeToString(payloadJSON)

	input := encodedHeader + "." + encodedPayload
	sig, err := privkey.HashAndSign([]byte(input))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	encodedSig := strings.TrimRight(base64.RawURLEncoding.EncodeToString(sig), "=")

	return input + "." + encodedSig, nil
}

package oauthcore

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/atlasdev/pdsengine/internal/domain"
)

func testAccount(t *testing.T) *domain.Account {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse battery staple"), bcrypt.DefaultCost)
	require.NoError(t, err)
	return &domain.Account{
		DID:          "did:plc:sessiontest",
		Handle:       "sessiontest.example.com",
		ServiceDID:   "did:web:pds.example.com",
		JWTSecret:    []byte("test-jwt-secret"),
		PasswordHash: hash,
	}
}

func TestCreateAndVerifySession(t *testing.T) {
	t.Parallel()
	acct := testAccount(t)

	session, err := CreateSession(acct)
	require.NoError(t, err)
	require.NotEmpty(t, session.AccessToken)
	require.NotEmpty(t, session.RefreshToken)

	accessClaims, err := VerifyAccessToken(acct, session.AccessToken)
	require.NoError(t, err)
	require.Equal(t, acct.DID, accessClaims.DID)
	require.Equal(t, "com.atproto.access", accessClaims.Scope)

	refreshClaims, err := VerifyRefreshToken(acct, session.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, acct.DID, refreshClaims.DID)
	require.Equal(t, "com.atproto.refresh", refreshClaims.Scope)
}

func TestVerifyAccessTokenRejectsRefreshToken(t *testing.T) {
	t.Parallel()
	acct := testAccount(t)

	session, err := CreateSession(acct)
	require.NoError(t, err)

	_, err = VerifyAccessToken(acct, session.RefreshToken)
	require.Error(t, err)
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	t.Parallel()
	acct := testAccount(t)

	session, err := CreateSession(acct)
	require.NoError(t, err)

	other := testAccount(t)
	other.JWTSecret = []byte("a different secret entirely")

	_, err = VerifyAccessToken(other, session.AccessToken)
	require.Error(t, err)
}

func TestCheckPassword(t *testing.T) {
	t.Parallel()
	acct := testAccount(t)

	require.NoError(t, CheckPassword(acct, "correct horse battery staple"))
	require.ErrorIs(t, CheckPassword(acct, "wrong password"), ErrInvalidCredentials)
}

func TestCheckPasswordNoHashConfigured(t *testing.T) {
	t.Parallel()
	acct := testAccount(t)
	acct.PasswordHash = nil

	require.ErrorIs(t, CheckPassword(acct, "anything"), ErrInvalidCredentials)
}

package oauthcore

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/atlasdev/pdsengine/internal/domain"
)

// Session bundle TTLs, mirroring internal/pds/session.go's constants.
const (
	AccessTokenTTL  = 3 * time.Hour
	RefreshTokenTTL = 7 * 24 * time.Hour
)

// ErrInvalidCredentials covers any password-auth failure without leaking
// which part (identifier vs. password) was wrong.
var ErrInvalidCredentials = errors.New("invalid account identifier or password")

// Session is a signed access/refresh JWT pair, HS256-signed with the
// account's own secret — single-tenant, so there is no per-actor key
// lookup the way the teacher's multi-tenant host map required.
type Session struct {
	AccessToken  string
	RefreshToken string
}

// VerifiedClaims is what a caller needs after successfully verifying a
// session token.
type VerifiedClaims struct {
	DID   string
	JTI   string
	Scope string
}

// CheckPassword verifies a plaintext password against the account's bcrypt hash.
func CheckPassword(acct *domain.Account, password string) error {
	if len(acct.PasswordHash) == 0 {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acct.PasswordHash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// CreateSession mints a fresh access/refresh JWT pair for the account.
func CreateSession(acct *domain.Account) (*Session, error) {
	now := time.Now()
	jti := uuid.NewString()

	accessClaims := jwt.MapClaims{
		"scope": "com.atproto.access",
		"aud":   acct.ServiceDID,
		"sub":   acct.DID,
		"iat":   now.UTC().Unix(),
		"exp":   now.Add(AccessTokenTTL).UTC().Unix(),
		"jti":   jti,
	}
	refreshClaims := jwt.MapClaims{
		"scope": "com.atproto.refresh",
		"aud":   acct.ServiceDID,
		"sub":   acct.DID,
		"iat":   now.UTC().Unix(),
		"exp":   now.Add(RefreshTokenTTL).UTC().Unix(),
		"jti":   jti,
	}

	accessString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).SignedString(acct.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	refreshString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).SignedString(acct.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return &Session{AccessToken: accessString, RefreshToken: refreshString}, nil
}

// VerifyAccessToken verifies a session access token.
func VerifyAccessToken(acct *domain.Account, tokenString string) (*VerifiedClaims, error) {
	return verifyToken(acct, tokenString, "com.atproto.access")
}

// VerifyRefreshToken verifies a session refresh token.
func VerifyRefreshToken(acct *domain.Account, tokenString string) (*VerifiedClaims, error) {
	return verifyToken(acct, tokenString, "com.atproto.refresh")
}

func verifyToken(acct *domain.Account, tokenString, expectedScope string) (*VerifiedClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return acct.JWTSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("failed to parse claims")
	}

	scope, _ := claims["scope"].(string)
	if scope != expectedScope {
		return nil, fmt.Errorf("invalid scope: expected %s, got %s", expectedScope, scope)
	}
	aud, _ := claims["aud"].(string)
	if aud != acct.ServiceDID {
		return nil, fmt.Errorf("invalid audience")
	}
	sub, ok := claims["sub"].(string)
	if !ok {
		return nil, fmt.Errorf("missing sub claim")
	}
	jti, ok := claims["jti"].(string)
	if !ok {
		return nil, fmt.Errorf("missing jti claim")
	}

	return &VerifiedClaims{DID: sub, JTI: jti, Scope: scope}, nil
}

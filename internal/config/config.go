// Package config loads the account engine's single-tenant TOML config,
// the same way internal/pds/config.go loads the teacher's multi-tenant
// host map, collapsed to one account's worth of fields (spec.md §6).
package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the raw TOML shape.
type Config struct {
	DID              string         `toml:"did"`
	Handle           string         `toml:"handle"`
	PDSHostname      string         `toml:"pds_hostname"`
	ServiceDID       string         `toml:"service_did"`
	SigningKey       string         `toml:"signing_key"` // hex-encoded secp256k1 private key
	SigningKeyPublic string         `toml:"signing_key_public"`
	JWTSecret        string         `toml:"jwt_secret"`
	AuthToken        string         `toml:"auth_token"`
	PasswordHash     string         `toml:"password_hash"`
	InitialActive    *bool          `toml:"initial_active"`
	Blobs            *BlobstoreConfig `toml:"blobs"`
	Database         string         `toml:"database"`
	OTLPEndpoint     string         `toml:"otlp_endpoint"`
	ListenAddr       string         `toml:"listen_addr"`
}

// BlobstoreConfig configures an optional S3-compatible object store.
type BlobstoreConfig struct {
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
}

// Loaded is the parsed and validated config, with binary fields decoded.
type Loaded struct {
	DID              string
	Handle           string
	PDSHostname      string
	ServiceDID       string
	SigningKey       []byte
	SigningKeyPublic string
	JWTSecret        []byte
	AuthToken        string
	PasswordHash     []byte
	InitialActive    bool
	Blobs            *BlobstoreConfig
	Database         string
	OTLPEndpoint     string
	ListenAddr       string
}

// Load reads and validates the TOML config file at path.
func Load(path string) (*Loaded, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	return validate(&cfg)
}

func validate(cfg *Config) (*Loaded, error) {
	switch {
	case cfg.DID == "":
		return nil, fmt.Errorf("did is required")
	case cfg.Handle == "":
		return nil, fmt.Errorf("handle is required")
	case cfg.PDSHostname == "":
		return nil, fmt.Errorf("pds_hostname is required")
	case cfg.SigningKey == "":
		return nil, fmt.Errorf("signing_key is required")
	case cfg.SigningKeyPublic == "":
		return nil, fmt.Errorf("signing_key_public is required")
	case cfg.JWTSecret == "":
		return nil, fmt.Errorf("jwt_secret is required")
	case cfg.AuthToken == "":
		return nil, fmt.Errorf("auth_token is required")
	}

	signingKey, err := hex.DecodeString(cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("signing_key must be hex-encoded: %w", err)
	}

	var passwordHash []byte
	if cfg.PasswordHash != "" {
		passwordHash = []byte(cfg.PasswordHash)
	}

	serviceDID := cfg.ServiceDID
	if serviceDID == "" {
		serviceDID = "did:web:" + cfg.PDSHostname
	}

	initialActive := true
	if cfg.InitialActive != nil {
		initialActive = *cfg.InitialActive
	}

	database := cfg.Database
	if database == "" {
		database = "atlasengine.db"
	}

	listenAddr := cfg.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	return &Loaded{
		DID:              cfg.DID,
		Handle:           cfg.Handle,
		PDSHostname:      cfg.PDSHostname,
		ServiceDID:       serviceDID,
		SigningKey:       signingKey,
		SigningKeyPublic: cfg.SigningKeyPublic,
		JWTSecret:        []byte(cfg.JWTSecret),
		AuthToken:        cfg.AuthToken,
		PasswordHash:     passwordHash,
		InitialActive:    initialActive,
		Blobs:            cfg.Blobs,
		Database:         database,
		OTLPEndpoint:     cfg.OTLPEndpoint,
		ListenAddr:       listenAddr,
	}, nil
}

// Option name constants matching spec.md §6, exported for documentation
// and for tooling that wants to generate a sample config.
const (
	OptDID              = "DID"
	OptHandle           = "HANDLE"
	OptPDSHostname      = "PDS_HOSTNAME"
	OptSigningKey       = "SIGNING_KEY"
	OptSigningKeyPublic = "SIGNING_KEY_PUBLIC"
	OptJWTSecret        = "JWT_SECRET"
	OptAuthToken        = "AUTH_TOKEN"
	OptPasswordHash     = "PASSWORD_HASH"
	OptBlobs            = "BLOBS"
	OptInitialActive    = "INITIAL_ACTIVE"
)

package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
)

// didDocument mirrors the shape of a W3C DID document as far as atproto
// needs it, grounded on primal-host-primal-pds/internal/account/diddoc.go's
// BuildDIDDocument, adapted to the engine's single configured account.
type didDocument struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	AlsoKnownAs        []string             `json:"alsoKnownAs"`
	VerificationMethod []verificationMethod `json:"verificationMethod"`
	Service            []didService         `json:"service"`
}

type verificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

type didService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// handleDIDDocument serves /.well-known/did.json, the did:web document for
// the engine's one configured account — grounded on internal/pds/wellknown.go's
// handleWellKnown, with the verificationMethod primal's diddoc.go adds and
// this teacher's version omits.
func (s *Server) handleDIDDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct, err := s.Engine.Store.GetAccount(ctx)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return
	}

	privkey, err := atcrypto.ParsePrivateBytesK256(acct.SigningKey)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to parse signing key: %w", err))
		return
	}
	pubkey, err := privkey.PublicKey()
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to derive public key: %w", err))
		return
	}
	// A did:key string is "did:key:" + the multibase-encoded public key, so
	// stripping the prefix recovers publicKeyMultibase without needing a
	// dedicated Multibase() accessor.
	multibase := strings.TrimPrefix(pubkey.DIDKey(), "did:key:")

	doc := didDocument{
		Context:     []string{"https://www.w3.org/ns/did/v1", "https://w3id.org/security/multikey/v1"},
		ID:          acct.ServiceDID,
		AlsoKnownAs: []string{"at://" + acct.Handle},
		VerificationMethod: []verificationMethod{{
			ID:                 acct.ServiceDID + "#atproto",
			Type:               "Multikey",
			Controller:         acct.ServiceDID,
			PublicKeyMultibase: multibase,
		}},
		Service: []didService{{
			ID:              "#atproto_pds",
			Type:            "AtprotoPersonalDataServer",
			ServiceEndpoint: "https://" + acct.PDSHostname,
		}},
	}

	s.jsonOK(w, doc)
}

// handleAtprotoDid serves /.well-known/atproto-did: handle verification via
// HTTP, for the case where handle == the PDS hostname — the single-tenant
// collapse of internal/pds/wellknown.go's handleAtprotoDid, which otherwise
// also resolves handle subdomains against a multi-tenant actor table.
func (s *Server) handleAtprotoDid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct, err := s.Engine.Store.GetAccount(ctx)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return
	}

	host := r.Host
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	if !strings.EqualFold(host, acct.Handle) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	s.plaintextOK(w, "%s", acct.DID)
}

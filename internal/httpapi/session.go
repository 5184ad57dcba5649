package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/atlasdev/pdsengine/internal/oauthcore"
	"github.com/atlasdev/pdsengine/internal/pdsmetrics"
)

type createSessionInput struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type sessionOutput struct {
	AccessJwt  string  `json:"accessJwt"`
	RefreshJwt string  `json:"refreshJwt"`
	Handle     string  `json:"handle"`
	DID        string  `json:"did"`
	Active     bool    `json:"active"`
	Status     *string `json:"status,omitempty"`
}

// handleCreateSession is com.atproto.server.createSession: the account
// engine has exactly one account, so "identifier" is only ever checked
// against that account's own DID or handle, grounded on
// internal/pds/session.go's handleCreateSession.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	metricStatus := "failure"
	defer func() { pdsmetrics.AuthAttempts.WithLabelValues("login", metricStatus).Inc() }()

	var in createSessionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if in.Identifier == "" || in.Password == "" {
		s.badRequest(w, fmt.Errorf("identifier and password are required"))
		return
	}

	acct, err := s.Engine.Store.GetAccount(ctx)
	if err != nil {
		metricStatus = "error"
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return
	}
	if in.Identifier != acct.DID && in.Identifier != acct.Handle {
		s.badRequest(w, fmt.Errorf("invalid account identifier or password"))
		return
	}
	if err := oauthcore.CheckPassword(acct, in.Password); err != nil {
		s.badRequest(w, fmt.Errorf("invalid account identifier or password"))
		return
	}

	session, err := oauthcore.CreateSession(acct)
	if err != nil {
		metricStatus = "error"
		s.internalErr(w, fmt.Errorf("failed to create session: %w", err))
		return
	}

	metricStatus = "success"

	var status *string
	if !acct.Active {
		status = &acct.Status
	}
	s.jsonOK(w, &sessionOutput{
		AccessJwt:  session.AccessToken,
		RefreshJwt: session.RefreshToken,
		Handle:     acct.Handle,
		DID:        acct.DID,
		Active:     acct.Active,
		Status:     status,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	acct := accountFromContext(r.Context())
	var status *string
	if !acct.Active {
		status = &acct.Status
	}
	s.jsonOK(w, map[string]any{
		"did":    acct.DID,
		"handle": acct.Handle,
		"active": acct.Active,
		"status": status,
	})
}

func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct := accountFromContext(ctx)

	metricStatus := "error"
	defer func() { pdsmetrics.AuthAttempts.WithLabelValues("refresh", metricStatus).Inc() }()

	session, err := oauthcore.CreateSession(acct)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to create session: %w", err))
		return
	}
	metricStatus = "success"

	var status *string
	if !acct.Active {
		status = &acct.Status
	}
	s.jsonOK(w, &sessionOutput{
		AccessJwt:  session.AccessToken,
		RefreshJwt: session.RefreshToken,
		Handle:     acct.Handle,
		DID:        acct.DID,
		Active:     acct.Active,
		Status:     status,
	})
}

// handleDeleteSession is a no-op acknowledgement: session tokens here are
// stateless JWTs with no server-side revocation list (unlike OAuth's
// opaque tokens, which do revoke), so there is nothing to delete beyond
// confirming the caller held a valid refresh token, which authMiddleware
// already checked.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type getServiceAuthOutput struct {
	Token string `json:"token"`
}

// handleGetServiceAuth issues a short-lived ES256K JWT signed with the
// account's own repo signing key, for proxying a request to another PDS —
// com.atproto.server.getServiceAuth, grounded on internal/pds/serviceauth.go.
func (s *Server) handleGetServiceAuth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct := accountFromContext(ctx)

	aud := r.URL.Query().Get("aud")
	if aud == "" {
		s.badRequest(w, fmt.Errorf("aud is required"))
		return
	}
	lxm := r.URL.Query().Get("lxm")

	token, err := oauthcore.CreateServiceAuthToken(acct.DID, acct.SigningKey, aud, lxm)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to create service auth token: %w", err))
		return
	}

	s.jsonOK(w, &getServiceAuthOutput{Token: token})
}

// handleActivateAccount and handleDeactivateAccount flip the account's
// availability through Lifecycle, which serializes the flip against any
// in-flight repo mutation and emits the #account firehose event.
func (s *Server) handleActivateAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Activate(r.Context()); err != nil {
		s.internalErr(w, fmt.Errorf("failed to activate account: %w", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type deactivateAccountInput struct {
	DeleteAfter string `json:"deleteAfter"`
}

func (s *Server) handleDeactivateAccount(w http.ResponseWriter, r *http.Request) {
	var in deactivateAccountInput
	_ = json.NewDecoder(r.Body).Decode(&in)

	if err := s.Engine.Deactivate(r.Context(), "deactivated"); err != nil {
		s.internalErr(w, fmt.Errorf("failed to deactivate account: %w", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCheckAccountStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct, err := s.Engine.Store.GetAccount(ctx)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return
	}

	missing, err := s.Engine.Blobs.MissingBlobs(ctx, 1000)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to check missing blobs: %w", err))
		return
	}

	s.jsonOK(w, map[string]any{
		"activated":     acct.Active,
		"validDid":      true,
		"repoCommit":    acct.Head,
		"repoRev":       acct.Rev,
		"expectedBlobs": len(missing),
	})
}

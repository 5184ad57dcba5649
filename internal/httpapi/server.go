// Package httpapi is the account engine's XRPC surface: the plain
// net/http-with-helper-methods server internal/pds/server.go uses,
// generalized from the teacher's multi-tenant host-routed ConnectRPC/XRPC
// split down to one account's worth of routes served directly off the
// engine. There is no Host-header routing (hostMiddleware) because a
// single-tenant deployment serves exactly one PDS hostname.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/atlasdev/pdsengine/internal/engine"
	"github.com/atlasdev/pdsengine/internal/env"
)

const serviceName = "atlasengine.httpapi"

// Server is the account engine's HTTP front door. It holds no state beyond
// a reference to the engine; every handler reaches into Engine.Store,
// Engine.Repo, Engine.Sequencer, Engine.Blobs, Engine.OAuth and
// Engine.Passkeys, and routes mutations through Engine.Submit.
type Server struct {
	log    *slog.Logger
	tracer trace.Tracer

	Engine *engine.Engine

	shutdownOnce sync.Once
}

func New(log *slog.Logger, e *engine.Engine) *Server {
	return &Server{
		log:    log.With("component", "httpapi"),
		tracer: otel.Tracer(serviceName),
		Engine: e,
	}
}

// Run serves the account engine's HTTP API at addr until ctx is canceled
// or a SIGINT/SIGTERM arrives, mirroring internal/pds/server.go's Run/serve
// split but with the multi-tenant PLC/FDB wiring dropped — that belongs to
// the engine's own Boot, not the HTTP layer.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.log.Info("starting http api", "addr", addr)
	defer s.log.Info("http api shutdown complete")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ctx.Done():
		case <-sig:
			s.log.Info("received shutdown signal")
			s.shutdownOnce.Do(cancel)
		}
	}()

	handler := s.observabilityMiddleware(s.router())
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ErrorLog:     slog.NewLogLogger(s.log.Handler(), slog.LevelError),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // long enough to stream sync.getRepo's CAR body
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("server shutdown error", "err", err)
		}
	}()

	s.log.Info("http api listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (s *Server) router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /xrpc/_health", s.handleHealth)

	mux.HandleFunc("GET /xrpc/com.atproto.server.describeServer", s.handleDescribeServer)
	mux.HandleFunc("GET /xrpc/com.atproto.identity.resolveHandle", s.handleResolveHandle)

	mux.HandleFunc("POST /xrpc/com.atproto.server.createSession", s.handleCreateSession)
	mux.HandleFunc("GET /xrpc/com.atproto.server.getSession", s.authMiddleware(s.handleGetSession, scopeAccess))
	mux.HandleFunc("POST /xrpc/com.atproto.server.refreshSession", s.authMiddleware(s.handleRefreshSession, scopeRefresh))
	mux.HandleFunc("POST /xrpc/com.atproto.server.deleteSession", s.authMiddleware(s.handleDeleteSession, scopeRefresh))
	mux.HandleFunc("POST /xrpc/com.atproto.server.getServiceAuth", s.authMiddleware(s.handleGetServiceAuth, scopeAccess))

	mux.HandleFunc("POST /xrpc/com.atproto.server.activateAccount", s.authMiddleware(s.handleActivateAccount, scopeAccess))
	mux.HandleFunc("POST /xrpc/com.atproto.server.deactivateAccount", s.authMiddleware(s.handleDeactivateAccount, scopeAccess))
	mux.HandleFunc("GET /xrpc/com.atproto.server.checkAccountStatus", s.authMiddleware(s.handleCheckAccountStatus, scopeAccess))

	mux.HandleFunc("POST /xrpc/com.atproto.repo.createRecord", s.authMiddleware(s.handleCreateRecord, scopeAccess))
	mux.HandleFunc("POST /xrpc/com.atproto.repo.putRecord", s.authMiddleware(s.handlePutRecord, scopeAccess))
	mux.HandleFunc("POST /xrpc/com.atproto.repo.deleteRecord", s.authMiddleware(s.handleDeleteRecord, scopeAccess))
	mux.HandleFunc("POST /xrpc/com.atproto.repo.applyWrites", s.authMiddleware(s.handleApplyWrites, scopeAccess))
	mux.HandleFunc("POST /xrpc/com.atproto.repo.importRepo", s.authMiddleware(s.handleImportRepo, scopeAccess))
	mux.HandleFunc("GET /xrpc/com.atproto.repo.getRecord", s.handleGetRecord)
	mux.HandleFunc("GET /xrpc/com.atproto.repo.listRecords", s.handleListRecords)
	mux.HandleFunc("GET /xrpc/com.atproto.repo.describeRepo", s.handleDescribeRepo)
	mux.HandleFunc("GET /xrpc/com.atproto.sync.getRecord", s.handleGetRecordProof)

	mux.HandleFunc("POST /xrpc/com.atproto.repo.uploadBlob", s.authMiddleware(s.handleUploadBlob, scopeAccess))
	mux.HandleFunc("GET /xrpc/com.atproto.sync.getBlob", s.handleGetBlob)
	mux.HandleFunc("GET /xrpc/com.atproto.sync.listBlobs", s.handleListBlobs)
	mux.HandleFunc("GET /xrpc/com.atproto.repo.listMissingBlobs", s.authMiddleware(s.handleListMissingBlobs, scopeAccess))

	mux.HandleFunc("GET /xrpc/com.atproto.sync.getRepo", s.handleGetRepo)
	mux.HandleFunc("GET /xrpc/com.atproto.sync.getRepoStatus", s.handleGetRepoStatus)
	mux.HandleFunc("GET /xrpc/com.atproto.sync.getLatestCommit", s.handleGetLatestCommit)
	mux.HandleFunc("GET /xrpc/com.atproto.sync.getBlocks", s.handleGetBlocks)
	mux.HandleFunc("GET /xrpc/com.atproto.sync.listRepos", s.handleListRepos)
	mux.HandleFunc("GET /xrpc/com.atproto.sync.subscribeRepos", s.handleSubscribeRepos)

	mux.HandleFunc("POST /xrpc/com.atproto.oauth.par", s.handlePushedAuthorizationRequest)
	mux.HandleFunc("GET /oauth/authorize", s.handleAuthorize)
	mux.HandleFunc("POST /xrpc/com.atproto.oauth.token", s.handleOAuthToken)
	mux.HandleFunc("POST /xrpc/com.atproto.oauth.revoke", s.handleOAuthRevoke)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", s.handleProtectedResourceMetadata)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", s.handleAuthServerMetadata)
	mux.HandleFunc("GET /.well-known/did.json", s.handleDIDDocument)
	mux.HandleFunc("GET /.well-known/atproto-did", s.handleAtprotoDid)

	mux.HandleFunc("POST /xrpc/app.passkey.beginRegistration", s.authMiddleware(s.handlePasskeyBeginRegistration, scopeAccess))
	mux.HandleFunc("POST /xrpc/app.passkey.finishRegistration", s.authMiddleware(s.handlePasskeyFinishRegistration, scopeAccess))
	mux.HandleFunc("POST /xrpc/app.passkey.beginLogin", s.handlePasskeyBeginLogin)
	mux.HandleFunc("POST /xrpc/app.passkey.finishLogin", s.handlePasskeyFinishLogin)

	return mux
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.plaintextOK(w, "pong")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Store.Ping(r.Context()); err != nil {
		s.internalErr(w, fmt.Errorf("store unavailable: %w", err))
		return
	}
	s.jsonOK(w, map[string]any{"status": "ok", "version": env.Version})
}

func (s *Server) plaintextOK(w http.ResponseWriter, msg string, args ...any) {
	s.plaintextWithCode(w, http.StatusOK, msg, args...)
}

func (s *Server) plaintextWithCode(w http.ResponseWriter, code int, msg string, args ...any) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	fmt.Fprintf(w, msg, args...)
}

func (s *Server) jsonOK(w http.ResponseWriter, resp any) {
	s.jsonWithCode(w, http.StatusOK, resp)
}

func (s *Server) jsonWithCode(w http.ResponseWriter, code int, resp any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("failed to json encode and write response", "err", err)
	}
}

func (s *Server) badRequest(w http.ResponseWriter, err error) { s.err(w, http.StatusBadRequest, err) }
func (s *Server) notFound(w http.ResponseWriter, err error)   { s.err(w, http.StatusNotFound, err) }
func (s *Server) unauthorized(w http.ResponseWriter, err error) {
	s.err(w, http.StatusUnauthorized, err)
}
func (s *Server) conflict(w http.ResponseWriter, err error) { s.err(w, http.StatusConflict, err) }
func (s *Server) internalErr(w http.ResponseWriter, err error) {
	s.err(w, http.StatusInternalServerError, err)
}

func (s *Server) err(w http.ResponseWriter, code int, err error) {
	type response struct {
		Err string `json:"msg"`
	}
	s.jsonWithCode(w, code, &response{Err: err.Error()})
}

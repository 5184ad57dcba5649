package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/atlasdev/pdsengine/internal/blob"
	"github.com/atlasdev/pdsengine/internal/store"
)

// handleUploadBlob implements com.atproto.repo.uploadBlob: the request body
// is the raw bytes, Content-Type (if present) is trusted as the mime type,
// sniffed otherwise — grounded on internal/pds/blob.go's handleUploadBlob.
func (s *Server) handleUploadBlob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data, err := io.ReadAll(io.LimitReader(r.Body, blob.MaxBlobSize+1))
	if err != nil {
		s.badRequest(w, fmt.Errorf("failed to read body: %w", err))
		return
	}

	blobCID, err := s.Engine.Blobs.Upload(ctx, data, r.Header.Get("Content-Type"))
	switch {
	case errors.Is(err, blob.ErrTooLarge):
		s.badRequest(w, err)
		return
	case errors.Is(err, blob.ErrEmpty):
		s.badRequest(w, err)
		return
	case err != nil:
		s.internalErr(w, fmt.Errorf("failed to upload blob: %w", err))
		return
	}

	s.jsonOK(w, map[string]any{
		"blob": map[string]any{
			"$type":    "blob",
			"ref":      map[string]string{"$link": blobCID.String()},
			"mimeType": r.Header.Get("Content-Type"),
			"size":     len(data),
		},
	})
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cidStr := r.URL.Query().Get("cid")
	if cidStr == "" {
		s.badRequest(w, fmt.Errorf("cid is required"))
		return
	}

	meta, data, err := s.Engine.Blobs.Get(ctx, cidStr)
	if errors.Is(err, store.ErrNotFound) {
		s.notFound(w, fmt.Errorf("blob not found"))
		return
	}
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to get blob: %w", err))
		return
	}

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleListBlobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	limit := 500
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	blobs, err := s.Engine.Blobs.List(ctx, limit, q.Get("cursor"))
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to list blobs: %w", err))
		return
	}

	cids := make([]string, 0, len(blobs))
	var cursor string
	for _, b := range blobs {
		cids = append(cids, b.CID)
		cursor = b.CID
	}

	resp := map[string]any{"cids": cids}
	if len(blobs) == limit {
		resp["cursor"] = cursor
	}
	s.jsonOK(w, resp)
}

func (s *Server) handleListMissingBlobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := 500
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	cids, err := s.Engine.Blobs.MissingBlobs(ctx, limit)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to list missing blobs: %w", err))
		return
	}

	out := make([]map[string]string, 0, len(cids))
	for _, c := range cids {
		out = append(out, map[string]string{"cid": c})
	}
	s.jsonOK(w, map[string]any{"blobs": out})
}

// handleGetRepo streams a full (or incremental, via ?since=) CAR export —
// com.atproto.sync.getRepo, grounded on internal/pds/sync.go.
func (s *Server) handleGetRepo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	since := r.URL.Query().Get("since")

	var (
		car []byte
		err error
	)
	if since != "" {
		car, err = s.Engine.Repo.ExportCARSince(ctx, since)
	} else {
		car, err = s.Engine.Repo.ExportCAR(ctx)
	}
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to export repo: %w", err))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.ipld.car")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(car)
}

func (s *Server) handleGetBlocks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cids := r.URL.Query()["cids"]
	if len(cids) == 0 {
		s.badRequest(w, fmt.Errorf("cids is required"))
		return
	}

	car, err := s.Engine.Repo.GetBlocks(ctx, cids)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to get blocks: %w", err))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.ipld.car")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(car)
}

func (s *Server) handleGetLatestCommit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct, err := s.Engine.Store.GetAccount(ctx)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return
	}
	if acct.Head == "" {
		s.notFound(w, fmt.Errorf("repo has no commits"))
		return
	}
	s.jsonOK(w, map[string]string{"cid": acct.Head, "rev": acct.Rev})
}

func (s *Server) handleGetRepoStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct, err := s.Engine.Store.GetAccount(ctx)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return
	}
	var status *string
	if acct.Status != "" {
		status = &acct.Status
	}
	s.jsonOK(w, map[string]any{
		"did":    acct.DID,
		"active": acct.Active,
		"status": status,
		"rev":    acct.Rev,
	})
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct, err := s.Engine.Store.GetAccount(ctx)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return
	}
	s.jsonOK(w, map[string]any{
		"repos": []map[string]any{{
			"did":    acct.DID,
			"head":   acct.Head,
			"rev":    acct.Rev,
			"active": acct.Active,
		}},
	})
}

// handleSubscribeRepos upgrades to a WebSocket and hands the connection
// straight to the Sequencer, which owns replay, fan-out and keepalive.
func (s *Server) handleSubscribeRepos(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Sequencer.Subscribe(r.Context(), w, r); err != nil {
		s.log.Debug("firehose subscriber disconnected", "err", err)
	}
}

func (s *Server) handleResolveHandle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handle := r.URL.Query().Get("handle")
	if handle == "" {
		s.badRequest(w, fmt.Errorf("handle is required"))
		return
	}

	acct, err := s.Engine.Store.GetAccount(ctx)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return
	}
	if !strings.EqualFold(handle, acct.Handle) {
		s.notFound(w, fmt.Errorf("handle not found"))
		return
	}

	s.jsonOK(w, map[string]string{"did": acct.DID})
}

func (s *Server) handleDescribeServer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct, err := s.Engine.Store.GetAccount(ctx)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return
	}
	s.jsonOK(w, map[string]any{
		"did":                 acct.ServiceDID,
		"availableUserDomains": []string{},
		"inviteCodeRequired":  false,
	})
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/bluesky-social/indigo/atproto/atdata"

	"github.com/atlasdev/pdsengine/internal/at"
	"github.com/atlasdev/pdsengine/internal/pdsmetrics"
	"github.com/atlasdev/pdsengine/internal/repo"
	"github.com/atlasdev/pdsengine/internal/store"
)

type recordWriteInput struct {
	Collection string          `json:"collection"`
	Rkey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record"`
	SwapCommit string          `json:"swapCommit"`
}

type commitOutput struct {
	CID string `json:"cid"`
	Rev string `json:"rev"`
}

type recordOutput struct {
	URI    string        `json:"uri"`
	CID    string        `json:"cid"`
	Commit *commitOutput `json:"commit,omitempty"`
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	s.mutateOne(w, r, "create")
}

func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	s.mutateOne(w, r, "update")
}

// mutateOne backs createRecord/putRecord: each is a single-write
// convenience wrapper around RepoEngine.ApplyWrites, the way
// internal/pds/repo.go layers its handlers over the same primitive.
func (s *Server) mutateOne(w http.ResponseWriter, r *http.Request, action string) {
	ctx := r.Context()
	acct := accountFromContext(ctx)

	var in recordWriteInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if in.Collection == "" || in.Rkey == "" {
		s.badRequest(w, fmt.Errorf("collection and rkey are required"))
		return
	}
	if len(in.Record) == 0 {
		s.badRequest(w, fmt.Errorf("record is required"))
		return
	}

	val, err := s.Engine.Submit(ctx, func(ctx context.Context) (any, error) {
		if action == "create" {
			return s.Engine.Repo.CreateRecord(ctx, acct.DID, acct.SigningKey, in.Collection, in.Rkey, in.Record, in.SwapCommit)
		}
		return s.Engine.Repo.PutRecord(ctx, acct.DID, acct.SigningKey, in.Collection, in.Rkey, in.Record, in.SwapCommit)
	})

	status := "success"
	defer func() { pdsmetrics.RecordOperations.WithLabelValues(action, in.Collection, status).Inc() }()

	if err != nil {
		status = "error"
		s.writeMutateErr(w, err)
		return
	}
	if err := s.Engine.Sequencer.SequenceCommit(ctx, acct.DID, val.(*repo.MutateResult).Commit); err != nil {
		status = "error"
		s.internalErr(w, fmt.Errorf("failed to sequence commit: %w", err))
		return
	}

	res := val.(*repo.MutateResult)
	rec := res.Records[0]
	s.jsonOK(w, &recordOutput{
		URI: at.URI{DID: acct.DID, Collection: rec.Collection, Rkey: rec.Rkey}.String(),
		CID: rec.CID,
		Commit: &commitOutput{
			CID: res.Commit.CommitCID.String(),
			Rev: res.Commit.Rev,
		},
	})
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct := accountFromContext(ctx)

	var in recordWriteInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if in.Collection == "" || in.Rkey == "" {
		s.badRequest(w, fmt.Errorf("collection and rkey are required"))
		return
	}

	val, err := s.Engine.Submit(ctx, func(ctx context.Context) (any, error) {
		return s.Engine.Repo.DeleteRecord(ctx, acct.DID, acct.SigningKey, in.Collection, in.Rkey, in.SwapCommit)
	})

	status := "success"
	defer func() { pdsmetrics.RecordOperations.WithLabelValues("delete", in.Collection, status).Inc() }()

	if err != nil {
		status = "error"
		s.writeMutateErr(w, err)
		return
	}
	res := val.(*repo.MutateResult)
	if err := s.Engine.Sequencer.SequenceCommit(ctx, acct.DID, res.Commit); err != nil {
		status = "error"
		s.internalErr(w, fmt.Errorf("failed to sequence commit: %w", err))
		return
	}

	s.jsonOK(w, map[string]any{
		"commit": commitOutput{CID: res.Commit.CommitCID.String(), Rev: res.Commit.Rev},
	})
}

type applyWritesInput struct {
	Writes     []applyWriteInput `json:"writes"`
	SwapCommit string            `json:"swapCommit"`
}

type applyWriteInput struct {
	Type       string          `json:"$type"`
	Collection string          `json:"collection"`
	Rkey       string          `json:"rkey"`
	Value      json.RawMessage `json:"value"`
}

func (s *Server) handleApplyWrites(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct := accountFromContext(ctx)

	var in applyWritesInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if len(in.Writes) == 0 {
		s.badRequest(w, fmt.Errorf("writes must not be empty"))
		return
	}

	writes := make([]repo.Write, 0, len(in.Writes))
	for _, w2 := range in.Writes {
		action, ok := applyWritesAction(w2.Type)
		if !ok {
			s.badRequest(w, fmt.Errorf("unsupported write $type %q", w2.Type))
			return
		}
		writes = append(writes, repo.Write{
			Action:     action,
			Collection: w2.Collection,
			Rkey:       w2.Rkey,
			RecordJSON: w2.Value,
		})
	}

	val, err := s.Engine.Submit(ctx, func(ctx context.Context) (any, error) {
		return s.Engine.Repo.ApplyWrites(ctx, acct.DID, acct.SigningKey, writes, in.SwapCommit)
	})
	if err != nil {
		s.writeMutateErr(w, err)
		return
	}
	res := val.(*repo.MutateResult)
	if err := s.Engine.Sequencer.SequenceCommit(ctx, acct.DID, res.Commit); err != nil {
		s.internalErr(w, fmt.Errorf("failed to sequence commit: %w", err))
		return
	}

	results := make([]map[string]any, 0, len(res.Records))
	for _, rec := range res.Records {
		if rec.Deleted {
			results = append(results, map[string]any{
				"$type": "com.atproto.repo.applyWrites#deleteResult",
			})
			continue
		}
		results = append(results, map[string]any{
			"$type": "com.atproto.repo.applyWrites#createResult",
			"uri":   at.URI{DID: acct.DID, Collection: rec.Collection, Rkey: rec.Rkey}.String(),
			"cid":   rec.CID,
		})
	}

	s.jsonOK(w, map[string]any{
		"commit":  commitOutput{CID: res.Commit.CommitCID.String(), Rev: res.Commit.Rev},
		"results": results,
	})
}

func applyWritesAction(t string) (string, bool) {
	switch t {
	case "com.atproto.repo.applyWrites#create":
		return "create", true
	case "com.atproto.repo.applyWrites#update":
		return "update", true
	case "com.atproto.repo.applyWrites#delete":
		return "delete", true
	default:
		return "", false
	}
}

func (s *Server) writeMutateErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repo.ErrConcurrentModification):
		s.conflict(w, err)
	case errors.Is(err, repo.ErrRecordExists), errors.Is(err, repo.ErrRecordNotFound):
		s.badRequest(w, err)
	default:
		s.internalErr(w, err)
	}
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	collection := r.URL.Query().Get("collection")
	rkey := r.URL.Query().Get("rkey")
	if collection == "" || rkey == "" {
		s.badRequest(w, fmt.Errorf("collection and rkey are required"))
		return
	}

	rec, err := s.Engine.Store.GetRecord(ctx, collection, rkey)
	if errors.Is(err, store.ErrNotFound) {
		s.notFound(w, fmt.Errorf("record not found"))
		return
	}
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to get record: %w", err))
		return
	}

	acct, err := s.Engine.Store.GetAccount(ctx)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return
	}

	var value any
	if m, err := atdata.UnmarshalCBOR(rec.Value); err == nil {
		value = m
	}

	s.jsonOK(w, map[string]any{
		"uri":   rec.URI(acct.DID),
		"cid":   rec.CID,
		"value": value,
	})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	collection := q.Get("collection")
	if collection == "" {
		s.badRequest(w, fmt.Errorf("collection is required"))
		return
	}

	limit := 50
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	reverse := q.Get("reverse") == "true"

	recs, err := s.Engine.Store.ListRecords(ctx, collection, limit, q.Get("cursor"), reverse)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to list records: %w", err))
		return
	}

	acct, err := s.Engine.Store.GetAccount(ctx)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return
	}

	out := make([]map[string]any, 0, len(recs))
	var cursor string
	for _, rec := range recs {
		var value any
		if m, err := atdata.UnmarshalCBOR(rec.Value); err == nil {
			value = m
		}
		out = append(out, map[string]any{
			"uri":   rec.URI(acct.DID),
			"cid":   rec.CID,
			"value": value,
		})
		cursor = rec.Rkey
	}

	resp := map[string]any{"records": out}
	if len(recs) == limit {
		resp["cursor"] = cursor
	}
	s.jsonOK(w, resp)
}

func (s *Server) handleDescribeRepo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct, err := s.Engine.Store.GetAccount(ctx)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return
	}

	s.jsonOK(w, map[string]any{
		"did":         acct.DID,
		"handle":      acct.Handle,
		"didDoc":      map[string]any{"id": acct.DID},
		"active":      acct.Active,
		"collections": []string{},
	})
}

// handleImportRepo implements com.atproto.repo.importRepo: the request
// body is a raw CARv1 stream rebuilding the repo from scratch, only
// permitted against an empty, deactivated account (spec.md §4.2).
func (s *Server) handleImportRepo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acct := accountFromContext(ctx)

	carBytes, err := io.ReadAll(io.LimitReader(r.Body, repo.MaxImportSize+1))
	if err != nil {
		s.badRequest(w, fmt.Errorf("failed to read body: %w", err))
		return
	}

	val, err := s.Engine.Submit(ctx, func(ctx context.Context) (any, error) {
		return s.Engine.Repo.ImportCAR(ctx, acct.DID, acct.SigningKey, carBytes)
	})
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrRepoTooLarge):
			s.badRequest(w, err)
		case errors.Is(err, repo.ErrRepoAlreadyExists), errors.Is(err, repo.ErrRepoActive):
			s.conflict(w, err)
		default:
			s.internalErr(w, fmt.Errorf("failed to import repo: %w", err))
		}
		return
	}

	res := val.(*repo.CommitResult)
	if err := s.Engine.Sequencer.SequenceCommit(ctx, acct.DID, res); err != nil {
		s.internalErr(w, fmt.Errorf("failed to sequence imported commit: %w", err))
		return
	}

	s.jsonOK(w, map[string]any{
		"commit": commitOutput{CID: res.CommitCID.String(), Rev: res.Rev},
	})
}

// handleGetRecordProof implements com.atproto.sync.getRecord: a CAR
// containing the minimum MST nodes needed to prove presence or absence of
// one record, plus the record block if present (spec.md §4.2).
func (s *Server) handleGetRecordProof(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	collection := r.URL.Query().Get("collection")
	rkey := r.URL.Query().Get("rkey")
	if collection == "" || rkey == "" {
		s.badRequest(w, fmt.Errorf("collection and rkey are required"))
		return
	}

	car, err := s.Engine.Repo.GetRecordProof(ctx, collection, rkey)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to build record proof: %w", err))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.ipld.car")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(car)
}

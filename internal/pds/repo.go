package pds

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/atproto/atdata"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/driftpds/pds/internal/at"
	"github.com/driftpds/pds/internal/pds/db"
	pdsmetrics "github.com/driftpds/pds/internal/pds/metrics"
	"github.com/driftpds/pds/internal/types"
	"github.com/driftpds/pds/internal/util"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func (s *server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := spanFromContext(ctx)
	defer span.End()

	repo := r.URL.Query().Get("repo")
	collection := r.URL.Query().Get("collection")
	rkey := r.URL.Query().Get("rkey")
	cidParam := r.URL.Query().Get("cid")

	switch {
	case repo == "":
		s.badRequest(w, fmt.Errorf("repo is required"))
		return
	case collection == "":
		s.badRequest(w, fmt.Errorf("collection is required"))
		return
	case rkey == "":
		s.badRequest(w, fmt.Errorf("rkey is required"))
		return
	}

	if _, err := syntax.ParseNSID(collection); err != nil {
		s.badRequest(w, fmt.Errorf("invalid collection NSID: %w", err))
		return
	}

	if _, err := syntax.ParseRecordKey(rkey); err != nil {
		s.badRequest(w, fmt.Errorf("invalid rkey: %w", err))
		return
	}

	// resolve repo to DID if it's a handle
	did := repo
	if _, err := syntax.ParseDID(repo); err != nil {
		// not a DID, try to resolve as handle
		ident, err := s.directory.LookupHandle(ctx, syntax.Handle(repo))
		if err != nil {
			s.notFound(w, fmt.Errorf("could not resolve handle: %w", err))
			return
		}
		did = ident.DID.String()
	}

	uri := at.FormatURI(did, collection, rkey)

	record, err := s.db.GetRecord(ctx, uri)
	if errors.Is(err, db.ErrNotFound) {
		s.notFound(w, fmt.Errorf("record not found"))
		return
	}
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to get record: %w", err))
		return
	}

	// if cid param provided, verify it matches
	if cidParam != "" {
		if _, err := syntax.ParseCID(cidParam); err != nil {
			s.badRequest(w, fmt.Errorf("invalid cid: %w", err))
			return
		}
		if record.Cid != cidParam {
			s.notFound(w, fmt.Errorf("record not found with specified cid"))
			return
		}
	}

	// unmarshal CBOR to JSON-friendly value
	val, err := atdata.UnmarshalCBOR(record.Value)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to decode record value: %w", err))
		return
	}

	type response struct {
		Uri   string         `json:"uri"`
		Cid   string         `json:"cid"`
		Value map[string]any `json:"value"`
	}

	s.jsonOK(w, response{
		Uri:   uri,
		Cid:   record.Cid,
		Value: val,
	})
}

func (s *server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := spanFromContext(ctx)
	defer span.End()

	host := hostFromContext(ctx)

	cursor := r.URL.Query().Get("cursor")
	if cursor != "" {
		if _, err := syntax.ParseDID(cursor); err != nil {
			s.badRequest(w, fmt.Errorf("invalid cursor (must be a did)"))
			return
		}
	}

	limit, err := parseIntParam(r, "limit", 500)
	if err != nil || limit < 0 {
		s.badRequest(w, fmt.Errorf("invalid limit"))
		return
	}
	if limit > 500 {
		limit = 500 // set the max scan size
	}

	page, err := s.db.ListActors(ctx, host.hostname, cursor, limit)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to list repos: %w", err))
		return
	}

	repos := make([]*atproto.SyncListRepos_Repo, len(page.Actors))
	for ndx, actor := range page.Actors {
		repos[ndx] = &atproto.SyncListRepos_Repo{
			Active: util.Ptr(actor.Active),
			Did:    actor.Did,
			Head:   actor.Head,
			Rev:    actor.Rev,
		}
	}

	s.jsonOK(w, atproto.SyncListRepos_Output{
		Cursor: nextCursorOrNil(page.Cursor),
		Repos:  repos,
	})
}

// createRecordInput mirrors atproto.RepoCreateRecord_Input but with
// a raw json.RawMessage for the record field so we can handle arbitrary records.
type createRecordInput struct {
	Repo       string          `json:"repo"`
	Collection string          `json:"collection"`
	Rkey       *string         `json:"rkey,omitempty"`
	Validate   *bool           `json:"validate,omitempty"`
	Record     json.RawMessage `json:"record"`
	SwapCommit *string         `json:"swapCommit,omitempty"`
}

func (s *server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := spanFromContext(ctx)
	defer span.End()

	actor := actorFromContext(ctx)
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	var in createRecordInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}

	// verify the repo matches the authenticated user
	if in.Repo != actor.Did && in.Repo != actor.Handle {
		s.forbidden(w, fmt.Errorf("repo must match authenticated user"))
		return
	}

	// verify the collection is a valid NSID
	if _, err := syntax.ParseNSID(in.Collection); err != nil {
		s.badRequest(w, fmt.Errorf("invalid collection NSID: %w", err))
		return
	}

	// parse or generate rkey
	var rkey string
	if in.Rkey != nil && *in.Rkey != "" {
		// validate provided rkey
		if _, err := syntax.ParseRecordKey(*in.Rkey); err != nil {
			s.badRequest(w, fmt.Errorf("invalid rkey: %w", err))
			return
		}
		rkey = *in.Rkey
	} else {
		// generate a TID-based rkey using distributed counter
		tid, err := s.db.NextTID(ctx, actor.Did)
		if err != nil {
			s.internalErr(w, fmt.Errorf("failed to generate tid: %w", err))
			return
		}
		rkey = tid.String()
	}

	// check if record already exists
	uri := at.FormatURI(actor.Did, in.Collection, rkey)
	existing, err := s.db.GetRecord(ctx, uri)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		s.internalErr(w, fmt.Errorf("failed to check existing record: %w", err))
		return
	}
	if existing != nil {
		s.conflict(w, fmt.Errorf("record already exists"))
		return
	}

	// parse the record JSON and convert to CBOR
	recordData, err := atdata.UnmarshalJSON(in.Record)
	if err != nil {
		s.badRequest(w, fmt.Errorf("invalid record data: %w", err))
		return
	}

	// ensure record has $type field matching collection
	if recordData["$type"] == nil || recordData["$type"] == "" {
		recordData["$type"] = in.Collection
	}

	// marshal to CBOR
	cborBytes, err := atdata.MarshalCBOR(recordData)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to marshal record to CBOR: %w", err))
		return
	}

	record := &types.Record{
		Did:        actor.Did,
		Collection: in.Collection,
		Rkey:       rkey,
		Value:      cborBytes,
		CreatedAt:  timestamppb.Now(),
	}

	// create the record, sign the new commit, and write the firehose event
	// atomically within a single FDB transaction
	result, err := s.db.CreateRecord(ctx, actor, record, cborBytes, in.SwapCommit)
	if err != nil {
		pdsmetrics.RecordOperations.WithLabelValues("create", in.Collection, "error").Inc()
		if errors.Is(err, db.ErrConcurrentModification) {
			s.conflict(w, fmt.Errorf("repo was modified concurrently, please retry"))
			return
		}
		s.internalErr(w, fmt.Errorf("failed to commit record: %w", err))
		return
	}
	pdsmetrics.RecordOperations.WithLabelValues("create", in.Collection, "success").Inc()
	s.relay.notify()

	resp := atproto.RepoCreateRecord_Output{
		Uri:              uri,
		Cid:              result.RecordCID.String(),
		Commit:           &atproto.RepoDefs_CommitMeta{Cid: result.CommitCID.String(), Rev: result.Rev},
		ValidationStatus: util.Ptr("valid"),
	}

	s.jsonOK(w, resp)
}

func (s *server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := spanFromContext(ctx)
	defer span.End()

	actor := actorFromContext(ctx)
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	var in atproto.RepoDeleteRecord_Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}

	switch {
	case in.Repo == "":
		s.badRequest(w, fmt.Errorf("repo is required"))
		return
	case in.Collection == "":
		s.badRequest(w, fmt.Errorf("collection is required"))
		return
	case in.Rkey == "":
		s.badRequest(w, fmt.Errorf("rkey is required"))
		return
	}

	// verify the repo matches the authenticated user
	if in.Repo != actor.Did && in.Repo != actor.Handle {
		s.forbidden(w, fmt.Errorf("repo must match authenticated user"))
		return
	}

	// verify the collection is a valid NSID
	if _, err := syntax.ParseNSID(in.Collection); err != nil {
		s.badRequest(w, fmt.Errorf("invalid collection NSID: %w", err))
		return
	}

	// verify the rkey is valid
	if _, err := syntax.ParseRecordKey(in.Rkey); err != nil {
		s.badRequest(w, fmt.Errorf("invalid rkey: %w", err))
		return
	}

	uri := at.FormatURI(actor.Did, in.Collection, in.Rkey)

	// check if record exists
	existing, err := s.db.GetRecord(ctx, uri)
	if errors.Is(err, db.ErrNotFound) {
		s.notFound(w, fmt.Errorf("record not found"))
		return
	}
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to check existing record: %w", err))
		return
	}

	// if swapRecord is provided, verify the CID matches
	if in.SwapRecord != nil {
		if _, err := syntax.ParseCID(*in.SwapRecord); err != nil {
			s.badRequest(w, fmt.Errorf("invalid swapRecord cid: %w", err))
			return
		}
		if existing.Cid != *in.SwapRecord {
			s.conflict(w, fmt.Errorf("record cid does not match swapRecord"))
			return
		}
	}

	aturi := &at.URI{Repo: actor.Did, Collection: in.Collection, Rkey: in.Rkey}

	// delete the record, sign the new commit, and write the firehose event
	// atomically within a single FDB transaction
	result, err := s.db.DeleteRecord(ctx, actor, aturi, in.SwapCommit)
	if err != nil {
		pdsmetrics.RecordOperations.WithLabelValues("delete", in.Collection, "error").Inc()
		if errors.Is(err, db.ErrConcurrentModification) {
			s.conflict(w, fmt.Errorf("repo was modified concurrently, please retry"))
			return
		}
		s.internalErr(w, fmt.Errorf("failed to commit deletion: %w", err))
		return
	}
	pdsmetrics.RecordOperations.WithLabelValues("delete", in.Collection, "success").Inc()
	s.relay.notify()

	s.jsonOK(w, &atproto.RepoDeleteRecord_Output{
		Commit: &atproto.RepoDefs_CommitMeta{Cid: result.CommitCID.String(), Rev: result.Rev},
	})
}

// putRecordInput mirrors atproto.RepoPutRecord_Input with a raw
// json.RawMessage for the record field so we can handle arbitrary records.
type putRecordInput struct {
	Repo       string          `json:"repo"`
	Collection string          `json:"collection"`
	Rkey       string          `json:"rkey"`
	Validate   *bool           `json:"validate,omitempty"`
	Record     json.RawMessage `json:"record"`
	SwapRecord *string         `json:"swapRecord,omitempty"`
	SwapCommit *string         `json:"swapCommit,omitempty"`
}

func (s *server) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := spanFromContext(ctx)
	defer span.End()

	actor := actorFromContext(ctx)
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	var in putRecordInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if in.Repo != actor.Did && in.Repo != actor.Handle {
		s.forbidden(w, fmt.Errorf("repo must match authenticated user"))
		return
	}

	if _, err := syntax.ParseNSID(in.Collection); err != nil {
		s.badRequest(w, fmt.Errorf("invalid collection NSID: %w", err))
		return
	}
	if _, err := syntax.ParseRecordKey(in.Rkey); err != nil {
		s.badRequest(w, fmt.Errorf("invalid rkey: %w", err))
		return
	}

	recordData, err := atdata.UnmarshalJSON(in.Record)
	if err != nil {
		s.badRequest(w, fmt.Errorf("invalid record data: %w", err))
		return
	}
	if recordData["$type"] == nil || recordData["$type"] == "" {
		recordData["$type"] = in.Collection
	}

	cborBytes, err := atdata.MarshalCBOR(recordData)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to marshal record to CBOR: %w", err))
		return
	}

	uri := at.FormatURI(actor.Did, in.Collection, in.Rkey)
	record := &types.Record{
		Did:        actor.Did,
		Collection: in.Collection,
		Rkey:       in.Rkey,
		Value:      cborBytes,
		CreatedAt:  timestamppb.Now(),
	}

	result, err := s.db.PutRecord(ctx, actor, record, cborBytes, in.SwapRecord, in.SwapCommit)
	if err != nil {
		pdsmetrics.RecordOperations.WithLabelValues("update", in.Collection, "error").Inc()
		if errors.Is(err, db.ErrConcurrentModification) {
			s.conflict(w, fmt.Errorf("repo was modified concurrently, please retry"))
			return
		}
		s.internalErr(w, fmt.Errorf("failed to commit record: %w", err))
		return
	}
	pdsmetrics.RecordOperations.WithLabelValues("update", in.Collection, "success").Inc()
	s.relay.notify()

	s.jsonOK(w, &atproto.RepoPutRecord_Output{
		Uri:              uri,
		Cid:              result.RecordCID.String(),
		Commit:           &atproto.RepoDefs_CommitMeta{Cid: result.CommitCID.String(), Rev: result.Rev},
		ValidationStatus: util.Ptr("valid"),
	})
}

// applyWritesInput mirrors atproto.RepoApplyWrites_Input with raw
// json.RawMessage record payloads for each write op.
type applyWritesInput struct {
	Repo       string              `json:"repo"`
	Validate   *bool               `json:"validate,omitempty"`
	SwapCommit *string             `json:"swapCommit,omitempty"`
	Writes     []applyWritesWriteOp `json:"writes"`
}

type applyWritesWriteOp struct {
	Type       string          `json:"$type"`
	Collection string          `json:"collection"`
	Rkey       string          `json:"rkey,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
}

func (s *server) handleApplyWrites(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := spanFromContext(ctx)
	defer span.End()

	actor := actorFromContext(ctx)
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	var in applyWritesInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if in.Repo != actor.Did && in.Repo != actor.Handle {
		s.forbidden(w, fmt.Errorf("repo must match authenticated user"))
		return
	}
	if len(in.Writes) == 0 {
		s.badRequest(w, fmt.Errorf("writes must contain at least one operation"))
		return
	}

	ops := make([]db.WriteOp, 0, len(in.Writes))
	for _, write := range in.Writes {
		if _, err := syntax.ParseNSID(write.Collection); err != nil {
			s.badRequest(w, fmt.Errorf("invalid collection NSID: %w", err))
			return
		}

		var action string
		switch write.Type {
		case "com.atproto.repo.applyWrites#create":
			action = "create"
		case "com.atproto.repo.applyWrites#update":
			action = "update"
		case "com.atproto.repo.applyWrites#delete":
			action = "delete"
		default:
			s.badRequest(w, fmt.Errorf("unknown write $type: %q", write.Type))
			return
		}

		rkey := write.Rkey
		if action != "delete" {
			if rkey == "" {
				tid, err := s.db.NextTID(ctx, actor.Did)
				if err != nil {
					s.internalErr(w, fmt.Errorf("failed to generate tid: %w", err))
					return
				}
				rkey = tid.String()
			} else if _, err := syntax.ParseRecordKey(rkey); err != nil {
				s.badRequest(w, fmt.Errorf("invalid rkey: %w", err))
				return
			}
		}

		var cborBytes []byte
		if action != "delete" {
			recordData, err := atdata.UnmarshalJSON(write.Value)
			if err != nil {
				s.badRequest(w, fmt.Errorf("invalid record value: %w", err))
				return
			}
			if recordData["$type"] == nil || recordData["$type"] == "" {
				recordData["$type"] = write.Collection
			}
			cborBytes, err = atdata.MarshalCBOR(recordData)
			if err != nil {
				s.internalErr(w, fmt.Errorf("failed to marshal record to CBOR: %w", err))
				return
			}
		}

		ops = append(ops, db.WriteOp{
			Action:     action,
			Collection: write.Collection,
			Rkey:       rkey,
			Value:      cborBytes,
		})
	}

	result, err := s.db.ApplyWrites(ctx, actor, ops, in.SwapCommit)
	if err != nil {
		for _, op := range ops {
			pdsmetrics.RecordOperations.WithLabelValues(op.Action, op.Collection, "error").Inc()
		}
		if errors.Is(err, db.ErrConcurrentModification) {
			s.conflict(w, fmt.Errorf("repo was modified concurrently, please retry"))
			return
		}
		s.internalErr(w, fmt.Errorf("failed to apply writes: %w", err))
		return
	}
	for _, res := range result.Results {
		pdsmetrics.RecordOperations.WithLabelValues(res.Action, collectionFromURI(res.URI), "success").Inc()
	}
	s.relay.notify()

	s.jsonOK(w, &atproto.RepoApplyWrites_Output{
		Commit: &atproto.RepoDefs_CommitMeta{Cid: result.CommitCID.String(), Rev: result.Rev},
	})
}

func collectionFromURI(uri string) string {
	u, err := at.ParseURI(uri)
	if err != nil {
		return ""
	}
	return u.Collection
}

func (s *server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := spanFromContext(ctx)
	defer span.End()

	repo := r.URL.Query().Get("repo")
	collection := r.URL.Query().Get("collection")

	switch {
	case repo == "":
		s.badRequest(w, fmt.Errorf("repo is required"))
		return
	case collection == "":
		s.badRequest(w, fmt.Errorf("collection is required"))
		return
	}

	if _, err := syntax.ParseNSID(collection); err != nil {
		s.badRequest(w, fmt.Errorf("invalid collection NSID: %w", err))
		return
	}

	limit, err := parseIntParam(r, "limit", 50)
	if err != nil || limit < 1 {
		s.badRequest(w, fmt.Errorf("invalid limit"))
		return
	}
	if limit > 100 {
		limit = 100
	}

	cursor := r.URL.Query().Get("cursor")
	reverse := r.URL.Query().Get("reverse") == "true"

	// resolve repo to DID if it's a handle
	did := repo
	if _, err := syntax.ParseDID(repo); err != nil {
		ident, err := s.directory.LookupHandle(ctx, syntax.Handle(repo))
		if err != nil {
			s.errNamed(w, http.StatusBadRequest, "RepoNotFound", fmt.Sprintf("could not resolve handle: %s", err))
			return
		}
		did = ident.DID.String()
	}

	page, err := s.db.ListRecords(ctx, did, collection, limit, cursor, reverse)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to list records: %w", err))
		return
	}

	type recordOut struct {
		Uri   string         `json:"uri"`
		Cid   string         `json:"cid"`
		Value map[string]any `json:"value"`
	}

	records := make([]recordOut, 0, len(page.Records))
	for _, record := range page.Records {
		val, err := atdata.UnmarshalCBOR(record.Value)
		if err != nil {
			s.internalErr(w, fmt.Errorf("failed to decode record value: %w", err))
			return
		}
		records = append(records, recordOut{
			Uri:   record.URI().String(),
			Cid:   record.Cid,
			Value: val,
		})
	}

	type response struct {
		Cursor  *string     `json:"cursor,omitempty"`
		Records []recordOut `json:"records"`
	}

	s.jsonOK(w, &response{
		Cursor:  nextCursorOrNil(page.Cursor),
		Records: records,
	})
}

func (s *server) handleDescribeRepo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := spanFromContext(ctx)
	defer span.End()

	repo := r.URL.Query().Get("repo")
	if repo == "" {
		s.badRequest(w, fmt.Errorf("repo is required"))
		return
	}

	// resolve repo to DID if it's a handle
	did := repo
	if _, err := syntax.ParseDID(repo); err != nil {
		ident, err := s.directory.LookupHandle(ctx, syntax.Handle(repo))
		if err != nil {
			s.errNamed(w, http.StatusBadRequest, "RepoNotFound", fmt.Sprintf("could not resolve handle: %s", err))
			return
		}
		did = ident.DID.String()
	}

	actor, err := s.db.GetActorByDID(ctx, did)
	if errors.Is(err, db.ErrNotFound) {
		s.errNamed(w, http.StatusBadRequest, "RepoNotFound", "repo not found")
		return
	}
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to get actor: %w", err))
		return
	}

	collections, err := s.db.GetCollections(ctx, actor.Did)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to list collections: %w", err))
		return
	}
	if collections == nil {
		collections = []string{}
	}

	// a minimal DID document; full identity resolution (DNS handle
	// verification, PLC document fetch) belongs to the directory
	didDoc := map[string]any{
		"@context": []string{"https://www.w3.org/ns/did/v1"},
		"id":       actor.Did,
		"alsoKnownAs": []string{
			"at://" + actor.Handle,
		},
	}

	type response struct {
		Did             string   `json:"did"`
		Handle          string   `json:"handle"`
		DidDoc          any      `json:"didDoc"`
		Collections     []string `json:"collections"`
		HandleIsCorrect bool     `json:"handleIsCorrect"`
	}

	s.jsonOK(w, &response{
		Did:             actor.Did,
		Handle:          actor.Handle,
		DidDoc:          didDoc,
		Collections:     collections,
		HandleIsCorrect: true,
	})
}

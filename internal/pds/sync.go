package pds

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/driftpds/pds/internal/pds/db"
	"github.com/driftpds/pds/internal/types"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
)

// syncActor resolves the did query parameter to an actor for the sync read
// endpoints, writing the appropriate error response itself. Returns nil when
// the response has already been sent.
func (s *server) syncActor(w http.ResponseWriter, r *http.Request) *types.Actor {
	did := r.URL.Query().Get("did")
	if did == "" {
		s.badRequest(w, fmt.Errorf("did is required"))
		return nil
	}
	if _, err := syntax.ParseDID(did); err != nil {
		s.badRequest(w, fmt.Errorf("invalid did: %w", err))
		return nil
	}

	actor, err := s.db.GetActorByDID(r.Context(), did)
	if errors.Is(err, db.ErrNotFound) {
		s.errNamed(w, http.StatusNotFound, "RepoNotFound", "repo not found")
		return nil
	}
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to get actor: %w", err))
		return nil
	}

	return actor
}

// writeCar serializes a CAR v1 archive (header with one root, then the
// blocks) and sends it as the response body.
func (s *server) writeCar(w http.ResponseWriter, root cid.Cid, blks []blocks.Block) {
	buf := new(bytes.Buffer)

	hb, err := cbor.DumpObject(&car.CarHeader{
		Roots:   []cid.Cid{root},
		Version: 1,
	})
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to encode car header: %w", err))
		return
	}
	if err := carutil.LdWrite(buf, hb); err != nil {
		s.internalErr(w, fmt.Errorf("failed to write car header: %w", err))
		return
	}

	for _, blk := range blks {
		if err := carutil.LdWrite(buf, blk.Cid().Bytes(), blk.RawData()); err != nil {
			s.internalErr(w, fmt.Errorf("failed to write block to car: %w", err))
			return
		}
	}

	w.Header().Set("Content-Type", "application/vnd.ipld.car")
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		s.log.Error("failed to write car response", "err", err)
	}
}

// headCID parses an actor's current head into a CID, reporting an internal
// error on a corrupt row.
func (s *server) headCID(w http.ResponseWriter, actor *types.Actor) (cid.Cid, bool) {
	head, err := cid.Decode(actor.Head)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to parse actor head cid: %w", err))
		return cid.Undef, false
	}
	return head, true
}

// handleGetBlocks serves an arbitrary set of blocks from one repo as a CAR.
// CIDs the repo doesn't hold are silently omitted, per the sync lexicon.
func (s *server) handleGetBlocks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := spanFromContext(ctx)
	defer span.End()

	cidParams := r.URL.Query()["cids"]
	if len(cidParams) == 0 {
		s.badRequest(w, fmt.Errorf("cids is required"))
		return
	}

	cids := make([]cid.Cid, 0, len(cidParams))
	for _, cs := range cidParams {
		c, err := cid.Decode(cs)
		if err != nil {
			s.badRequest(w, fmt.Errorf("invalid cid %q: %w", cs, err))
			return
		}
		cids = append(cids, c)
	}

	actor := s.syncActor(w, r)
	if actor == nil {
		return
	}
	root, ok := s.headCID(w, actor)
	if !ok {
		return
	}

	blks, err := s.db.GetBlocks(ctx, actor.Did, cids)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to get blocks: %w", err))
		return
	}

	s.writeCar(w, root, blks)
}

func (s *server) handleGetLatestCommit(w http.ResponseWriter, r *http.Request) {
	span := spanFromContext(r.Context())
	defer span.End()

	actor := s.syncActor(w, r)
	if actor == nil {
		return
	}

	s.jsonOK(w, &atproto.SyncGetLatestCommit_Output{
		Cid: actor.Head,
		Rev: actor.Rev,
	})
}

func (s *server) handleGetRepoStatus(w http.ResponseWriter, r *http.Request) {
	span := spanFromContext(r.Context())
	defer span.End()

	actor := s.syncActor(w, r)
	if actor == nil {
		return
	}

	out := &atproto.SyncGetRepoStatus_Output{
		Did:    actor.Did,
		Active: actor.Active,
	}
	// rev is only meaningful for an account whose repo is being served
	if actor.Active {
		out.Rev = &actor.Rev
	}

	s.jsonOK(w, out)
}

// handleGetRepo exports a repo as a CAR: the full reachable set, or, with a
// since rev, exactly the blocks reachable now that were not reachable then.
func (s *server) handleGetRepo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := spanFromContext(ctx)
	defer span.End()

	actor := s.syncActor(w, r)
	if actor == nil {
		return
	}
	root, ok := s.headCID(w, actor)
	if !ok {
		return
	}

	var blks []blocks.Block
	var err error
	if since := r.URL.Query().Get("since"); since != "" {
		blks, err = s.db.GetDiffBlocks(ctx, actor.Did, root, since)
	} else {
		blks, err = s.db.GetReachableBlocks(ctx, actor.Did, root)
	}
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to get blocks: %w", err))
		return
	}

	s.writeCar(w, root, blks)
}

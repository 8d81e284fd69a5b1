package pds

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/driftpds/pds/internal/pds/db"
	"github.com/driftpds/pds/internal/types"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func (s *server) handleResolveHandle(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "handleResolveHandle")
	defer span.End()

	raw := r.URL.Query().Get("handle")
	span.SetAttributes(attribute.String("handle", raw))

	if raw == "" {
		s.badRequest(w, fmt.Errorf("handle is required"))
		return
	}

	handle, err := syntax.ParseHandle(raw)
	if err != nil {
		s.badRequest(w, fmt.Errorf("invalid handle: %w", err))
		return
	}

	ident, err := s.directory.LookupHandle(ctx, handle)
	if errors.Is(err, identity.ErrHandleNotFound) {
		s.errNamed(w, http.StatusNotFound, "HandleNotFound", fmt.Sprintf("handle %q not found", raw))
		return
	}
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to resolve handle to did: %w", err))
		return
	}

	type response struct {
		DID string `json:"did"`
	}

	s.jsonOK(w, &response{DID: ident.DID.String()})
}

// handleUpdateHandle changes the authenticated account's handle. The new
// handle must end with one of the host's user domains; self-hosted domains
// verified via DNS are out of scope here, matching describeServer's
// advertised availableUserDomains.
func (s *server) handleUpdateHandle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := spanFromContext(ctx)

	host := hostFromContext(ctx)
	actor := actorFromContext(ctx)
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	var in struct {
		Handle string `json:"handle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}

	newHandle := strings.ToLower(in.Handle)
	span.SetAttributes(attribute.String("handle", newHandle))

	if _, err := syntax.ParseHandle(newHandle); err != nil {
		s.errNamed(w, http.StatusBadRequest, "InvalidHandle", fmt.Sprintf("invalid handle: %s", err))
		return
	}

	allowed := false
	for _, domain := range host.userDomains {
		if strings.HasSuffix(newHandle, domain) {
			allowed = true
			break
		}
	}
	if !allowed {
		s.errNamed(w, http.StatusBadRequest, "InvalidHandle", "handle is not under an available user domain")
		return
	}

	if newHandle == actor.Handle {
		s.jsonOK(w, struct{}{})
		return
	}

	existing, err := s.db.GetActorByHandle(ctx, newHandle)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		s.internalErr(w, fmt.Errorf("failed to check handle availability: %w", err))
		return
	}
	if existing != nil {
		s.errNamed(w, http.StatusBadRequest, "HandleAlreadyTaken", "handle is already taken")
		return
	}

	actor.Handle = newHandle
	if err := s.db.SaveActor(ctx, actor); err != nil {
		// the availability read above is only advisory; the store's own
		// transactional check is what actually serializes racing claims
		if errors.Is(err, db.ErrHandleTaken) {
			s.errNamed(w, http.StatusBadRequest, "HandleAlreadyTaken", "handle is already taken")
			return
		}
		s.internalErr(w, fmt.Errorf("failed to update handle: %w", err))
		return
	}

	// announce the change on the firehose and poke the relay; both are
	// best-effort since the handle row has already moved
	event := &types.RepoEvent{
		PdsHost:   actor.PdsHost,
		EventType: types.EventType_EVENT_TYPE_IDENTITY,
		Repo:      actor.Did,
		Handle:    newHandle,
		Time:      timestamppb.Now(),
	}
	if err := s.db.WriteIdentityEvent(ctx, event); err != nil {
		s.log.Warn("failed to write identity event", "did", actor.Did, "err", err)
	}
	s.relay.notify()

	s.jsonOK(w, struct{}{})
}

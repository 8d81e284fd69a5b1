package pds

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/driftpds/pds/internal/pds/db"
	"github.com/driftpds/pds/internal/types"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// adminMiddleware layers on top of authMiddleware: the authenticated DID must
// be on the admin_dids allowlist.
func (s *server) adminMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return s.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		actor := actorFromContext(r.Context())
		if actor == nil || !s.cfg.adminDIDs[actor.Did] {
			s.forbidden(w, fmt.Errorf("admin privileges required"))
			return
		}
		next(w, r)
	})
}

// loadSubjectActor resolves the did parameter or body field for admin
// endpoints, constrained to the request's host.
func (s *server) loadSubjectActor(w http.ResponseWriter, r *http.Request, did string) *types.Actor {
	ctx := r.Context()

	if _, err := syntax.ParseDID(did); err != nil {
		s.badRequest(w, fmt.Errorf("invalid did: %w", err))
		return nil
	}

	actor, err := s.db.GetActorByDID(ctx, did)
	if errors.Is(err, db.ErrNotFound) {
		s.errNamed(w, http.StatusBadRequest, "AccountNotFound", "account not found")
		return nil
	}
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return nil
	}

	return actor
}

func (s *server) handleAdminGetAccountInfo(w http.ResponseWriter, r *http.Request) {
	actor := s.loadSubjectActor(w, r, r.URL.Query().Get("did"))
	if actor == nil {
		return
	}

	type response struct {
		Did            string  `json:"did"`
		Handle         string  `json:"handle"`
		Email          string  `json:"email"`
		EmailConfirmed bool    `json:"emailConfirmedAt,omitempty"`
		IndexedAt      string  `json:"indexedAt"`
		Active         bool    `json:"active"`
		Status         *string `json:"status,omitempty"`
		TakedownRef    *string `json:"takedownRef,omitempty"`
	}

	resp := &response{
		Did:            actor.Did,
		Handle:         actor.Handle,
		Email:          actor.Email,
		EmailConfirmed: actor.EmailConfirmed,
		IndexedAt:      actor.CreatedAt.AsTime().Format(time.RFC3339),
		Active:         actor.Active,
	}
	if actor.Status != "" {
		resp.Status = &actor.Status
	}
	if actor.TakedownRef != "" {
		resp.TakedownRef = &actor.TakedownRef
	}

	s.jsonOK(w, resp)
}

// handleAdminUpdateAccountHandle forcibly renames an account's handle, the
// moderation path for squatting or impersonation. Unlike the self-serve
// updateHandle there is no user-domain restriction.
func (s *server) handleAdminUpdateAccountHandle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in struct {
		Did    string `json:"did"`
		Handle string `json:"handle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}

	actor := s.loadSubjectActor(w, r, in.Did)
	if actor == nil {
		return
	}

	newHandle := strings.ToLower(in.Handle)
	if _, err := syntax.ParseHandle(newHandle); err != nil {
		s.errNamed(w, http.StatusBadRequest, "InvalidHandle", fmt.Sprintf("invalid handle: %s", err))
		return
	}

	existing, err := s.db.GetActorByHandle(ctx, newHandle)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		s.internalErr(w, fmt.Errorf("failed to check handle availability: %w", err))
		return
	}
	if existing != nil && existing.Did != actor.Did {
		s.errNamed(w, http.StatusBadRequest, "HandleAlreadyTaken", "handle is already taken")
		return
	}

	actor.Handle = newHandle
	if err := s.db.SaveActor(ctx, actor); err != nil {
		if errors.Is(err, db.ErrHandleTaken) {
			s.errNamed(w, http.StatusBadRequest, "HandleAlreadyTaken", "handle is already taken")
			return
		}
		s.internalErr(w, fmt.Errorf("failed to update handle: %w", err))
		return
	}

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

// handleAdminDisableAccount takes an account down. The repo stays on disk so
// replay history remains intact. Repo writes are refused (see requireActive)
// until an admin re-enables it; read endpoints are not gated and keep
// serving the repo.
func (s *server) handleAdminDisableAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in struct {
		Did string  `json:"did"`
		Ref *string `json:"ref,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}

	actor := s.loadSubjectActor(w, r, in.Did)
	if actor == nil {
		return
	}

	actor.Active = false
	actor.Status = types.AccountStatusTakendown
	actor.TakedownRef = fmt.Sprintf("admin-%d", time.Now().Unix())
	if in.Ref != nil && *in.Ref != "" {
		actor.TakedownRef = *in.Ref
	}

	if err := s.db.SaveActor(ctx, actor); err != nil {
		s.internalErr(w, fmt.Errorf("failed to take down account: %w", err))
		return
	}

	s.log.Info("account taken down", "did", actor.Did, "ref", actor.TakedownRef)
	s.emitAccountEvent(r, actor)
	s.jsonOK(w, struct{}{})
}

func (s *server) handleAdminEnableAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in struct {
		Did string `json:"did"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}

	actor := s.loadSubjectActor(w, r, in.Did)
	if actor == nil {
		return
	}

	actor.Active = true
	actor.Status = ""
	actor.TakedownRef = ""

	if err := s.db.SaveActor(ctx, actor); err != nil {
		s.internalErr(w, fmt.Errorf("failed to re-enable account: %w", err))
		return
	}

	s.log.Info("account re-enabled", "did", actor.Did)
	s.emitAccountEvent(r, actor)
	s.jsonOK(w, struct{}{})
}

// handleAdminSendModerationAction applies a moderation action to an account.
// Takedowns and suspensions map onto the account lifecycle and surface on the
// firehose as #account frames; acknowledge records a resolved review without
// changing account state.
func (s *server) handleAdminSendModerationAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	admin := actorFromContext(ctx)

	var in struct {
		Action  string `json:"action"`
		Subject struct {
			Did string `json:"did"`
		} `json:"subject"`
		Reason *string `json:"reason,omitempty"`
		Ref    *string `json:"ref,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}

	actor := s.loadSubjectActor(w, r, in.Subject.Did)
	if actor == nil {
		return
	}

	switch in.Action {
	case "takedown":
		actor.Active = false
		actor.Status = types.AccountStatusTakendown
		actor.TakedownRef = fmt.Sprintf("admin-%d", time.Now().Unix())
		if in.Ref != nil && *in.Ref != "" {
			actor.TakedownRef = *in.Ref
		}

	case "suspend":
		actor.Active = false
		actor.Status = types.AccountStatusSuspended

	case "reverse":
		// lift a previous takedown or suspension
		actor.Active = true
		actor.Status = ""
		actor.TakedownRef = ""

	case "acknowledge":
		// review resolved with no action; account state is untouched

	default:
		s.badRequest(w, fmt.Errorf("unknown moderation action: %q", in.Action))
		return
	}

	if in.Action != "acknowledge" {
		if err := s.db.SaveActor(ctx, actor); err != nil {
			s.internalErr(w, fmt.Errorf("failed to apply moderation action: %w", err))
			return
		}
		s.emitAccountEvent(r, actor)
	}

	reason := ""
	if in.Reason != nil {
		reason = *in.Reason
	}
	s.log.Info("moderation action applied",
		"action", in.Action, "did", actor.Did, "by", admin.Did, "reason", reason)

	type subject struct {
		Did string `json:"did"`
	}
	type response struct {
		Action    string  `json:"action"`
		Subject   subject `json:"subject"`
		Reason    *string `json:"reason,omitempty"`
		CreatedBy string  `json:"createdBy"`
		CreatedAt string  `json:"createdAt"`
	}
	s.jsonOK(w, &response{
		Action:    in.Action,
		Subject:   subject{Did: actor.Did},
		Reason:    in.Reason,
		CreatedBy: admin.Did,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

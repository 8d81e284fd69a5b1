package pds

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/driftpds/pds/internal/pds/db"
	"github.com/driftpds/pds/internal/types"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// emitAccountEvent publishes an #account frame reflecting the actor's new
// lifecycle state, then pokes the relay. Both are best-effort: a failure is
// logged and never rolls back the state change that triggered it.
func (s *server) emitAccountEvent(r *http.Request, actor *types.Actor) {
	event := &types.RepoEvent{
		PdsHost:   actor.PdsHost,
		EventType: types.EventType_EVENT_TYPE_ACCOUNT,
		Repo:      actor.Did,
		Active:    actor.Active,
		Status:    actor.Status,
		Time:      timestamppb.Now(),
	}
	if err := s.db.WriteAccountEvent(r.Context(), event); err != nil {
		s.log.Warn("failed to write account event", "did", actor.Did, "err", err)
	}
	s.relay.notify()
}

func (s *server) handleDeactivateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor := actorFromContext(ctx)
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	if actor.Status == types.AccountStatusTakendown {
		s.forbidden(w, fmt.Errorf("account is taken down"))
		return
	}

	var in struct {
		DeleteAfter *string `json:"deleteAfter,omitempty"`
	}
	if r.Body != nil {
		// the body is optional for deactivateAccount
		_ = json.NewDecoder(r.Body).Decode(&in) //nolint:errcheck
	}

	actor.Active = false
	actor.Status = types.AccountStatusDeactivated
	actor.DeactivatedAt = timestamppb.Now()

	if in.DeleteAfter != nil {
		deleteAfter, err := time.Parse(time.RFC3339, *in.DeleteAfter)
		if err != nil {
			s.badRequest(w, fmt.Errorf("invalid deleteAfter timestamp: %w", err))
			return
		}
		actor.DeleteAfter = timestamppb.New(deleteAfter)
	}

	if err := s.db.SaveActor(ctx, actor); err != nil {
		s.internalErr(w, fmt.Errorf("failed to deactivate account: %w", err))
		return
	}

	s.emitAccountEvent(r, actor)
	s.jsonOK(w, struct{}{})
}

func (s *server) handleActivateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor := actorFromContext(ctx)
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	// takedowns can only be lifted by an admin
	if actor.Status == types.AccountStatusTakendown {
		s.forbidden(w, fmt.Errorf("account is taken down"))
		return
	}

	actor.Active = true
	actor.Status = ""
	actor.DeactivatedAt = nil
	actor.DeleteAfter = nil

	if err := s.db.SaveActor(ctx, actor); err != nil {
		s.internalErr(w, fmt.Errorf("failed to activate account: %w", err))
		return
	}

	s.emitAccountEvent(r, actor)
	s.jsonOK(w, struct{}{})
}

// handleRequestAccountDelete issues a single-use confirmation token for
// account deletion and emails it to the account's address.
func (s *server) handleRequestAccountDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor := actorFromContext(ctx)
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	token, err := s.issueEmailToken(ctx, actor, types.EmailTokenPurposeDeleteAccount)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to issue delete token: %w", err))
		return
	}

	s.sendMail(ctx, actor.Email, "Confirm account deletion",
		fmt.Sprintf("Your account deletion code is: %s", token))

	s.jsonOK(w, struct{}{})
}

// handleDeleteAccount permanently removes an account. The caller must present
// the account DID, its password, and the confirmation token issued by
// requestAccountDelete. Unlike deactivation, deletion is unauthenticated by
// lexicon definition (it is usable even when all sessions are lost), so the
// password + token pair is the entire proof of ownership.
func (s *server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	host := hostFromContext(ctx)

	var in struct {
		Did      string `json:"did"`
		Password string `json:"password"`
		Token    string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}

	switch {
	case in.Did == "":
		s.badRequest(w, fmt.Errorf("did is required"))
		return
	case in.Password == "":
		s.badRequest(w, fmt.Errorf("password is required"))
		return
	case in.Token == "":
		s.badRequest(w, fmt.Errorf("token is required"))
		return
	}

	actor, err := s.db.GetActorByDID(ctx, in.Did)
	if errors.Is(err, db.ErrNotFound) {
		s.errNamed(w, http.StatusBadRequest, "AccountNotFound", "account not found")
		return
	}
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return
	}
	if host != nil && actor.PdsHost != host.hostname {
		s.errNamed(w, http.StatusBadRequest, "AccountNotFound", "account not found")
		return
	}

	if err := bcrypt.CompareHashAndPassword(actor.PasswordHash, []byte(in.Password)); err != nil {
		s.errNamed(w, http.StatusUnauthorized, "InvalidPassword", "invalid password")
		return
	}

	et, err := s.db.GetEmailToken(ctx, types.EmailTokenPurposeDeleteAccount, in.Token)
	if errors.Is(err, db.ErrNotFound) || (err == nil && et.Did != actor.Did) {
		s.badRequest(w, fmt.Errorf("invalid or expired deletion token"))
		return
	}
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to verify deletion token: %w", err))
		return
	}

	// tombstone first so the firehose frame carries the final state, then
	// cascade the actual deletion
	actor.Active = false
	actor.Status = types.AccountStatusDeleted
	s.emitAccountEvent(r, actor)

	if err := s.db.DeleteActor(ctx, actor.Did); err != nil {
		s.internalErr(w, fmt.Errorf("failed to delete account: %w", err))
		return
	}

	s.log.Info("account deleted", "did", actor.Did, "handle", actor.Handle)
	s.jsonOK(w, struct{}{})
}

// requireActive gates repo-mutating endpoints: a deactivated, suspended, or
// taken-down account can still read and manage its session, but cannot write.
func (s *server) requireActive(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := actorFromContext(r.Context())
		if actor != nil && !actor.Active {
			name := "AccountDeactivated"
			if actor.Status == types.AccountStatusTakendown || actor.Status == types.AccountStatusSuspended {
				name = "AccountTakedown"
			}
			s.errNamed(w, http.StatusBadRequest, name, "account is not active")
			return
		}
		next(w, r)
	}
}

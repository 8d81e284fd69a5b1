package pds

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/driftpds/pds/internal/types"
	"github.com/driftpds/pds/internal/util"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// newInviteCode mints a code in the conventional hostname-xxxxx-xxxxx shape,
// with dots flattened so the code stays a single token.
func newInviteCode(hostname string) string {
	return fmt.Sprintf("%s-%s-%s",
		strings.ReplaceAll(hostname, ".", "-"),
		util.RandString(5),
		util.RandString(5),
	)
}

// handleCreateInviteCode mints invite codes. Only admin DIDs may create them;
// regular accounts receive codes out of band (or the server runs without
// invite_required at all).
func (s *server) handleCreateInviteCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	host := hostFromContext(ctx)

	actor := actorFromContext(ctx)
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	if !s.cfg.adminDIDs[actor.Did] {
		s.forbidden(w, fmt.Errorf("only admins may create invite codes"))
		return
	}

	var in struct {
		UseCount   int     `json:"useCount"`
		ForAccount *string `json:"forAccount,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if in.UseCount < 1 {
		s.badRequest(w, fmt.Errorf("useCount must be at least 1"))
		return
	}

	invite := &types.InviteCode{
		Code:          newInviteCode(host.hostname),
		AvailableUses: in.UseCount,
		CreatedBy:     actor.Did,
		CreatedAt:     timestamppb.Now(),
	}
	if in.ForAccount != nil {
		invite.ForAccount = *in.ForAccount
	}

	if err := s.db.SaveInviteCode(ctx, invite); err != nil {
		s.internalErr(w, fmt.Errorf("failed to save invite code: %w", err))
		return
	}

	type response struct {
		Code string `json:"code"`
	}
	s.jsonOK(w, &response{Code: invite.Code})
}

func (s *server) handleGetAccountInviteCodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor := actorFromContext(ctx)
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	codes, err := s.db.ListInviteCodesByAccount(ctx, actor.Did)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to list invite codes: %w", err))
		return
	}

	type codeUse struct {
		UsedBy string `json:"usedBy"`
		UsedAt string `json:"usedAt"`
	}
	type code struct {
		Code       string    `json:"code"`
		Available  int       `json:"available"`
		Disabled   bool      `json:"disabled"`
		ForAccount string    `json:"forAccount"`
		CreatedBy  string    `json:"createdBy"`
		CreatedAt  string    `json:"createdAt"`
		Uses       []codeUse `json:"uses"`
	}

	out := make([]code, 0, len(codes))
	for _, ic := range codes {
		uses := make([]codeUse, 0, len(ic.Uses))
		for _, u := range ic.Uses {
			uses = append(uses, codeUse{
				UsedBy: u.UsedBy,
				UsedAt: u.UsedAt.AsTime().Format(time.RFC3339),
			})
		}
		out = append(out, code{
			Code:       ic.Code,
			Available:  ic.AvailableUses,
			Disabled:   ic.Disabled,
			ForAccount: ic.ForAccount,
			CreatedBy:  ic.CreatedBy,
			CreatedAt:  ic.CreatedAt.AsTime().Format(time.RFC3339),
			Uses:       uses,
		})
	}

	type response struct {
		Codes []code `json:"codes"`
	}
	s.jsonOK(w, &response{Codes: out})
}

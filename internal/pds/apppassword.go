package pds

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/driftpds/pds/internal/pds/db"
	"github.com/driftpds/pds/internal/types"
	"github.com/driftpds/pds/internal/util"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// newAppPasswordSecret generates the xxxx-xxxx-xxxx-xxxx secret handed to the
// client exactly once; only its bcrypt hash is stored.
func newAppPasswordSecret() string {
	return fmt.Sprintf("%s-%s-%s-%s",
		util.RandString(4), util.RandString(4), util.RandString(4), util.RandString(4))
}

func (s *server) handleCreateAppPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor := actorFromContext(ctx)
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	var in struct {
		Name       string `json:"name"`
		Privileged *bool  `json:"privileged,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if in.Name == "" {
		s.badRequest(w, fmt.Errorf("name is required"))
		return
	}

	secret := newAppPasswordSecret()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to hash app password: %w", err))
		return
	}

	ap := &types.AppPassword{
		Name:         in.Name,
		PasswordHash: hash,
		CreatedAt:    timestamppb.Now(),
	}
	if in.Privileged != nil {
		ap.Privileged = *in.Privileged
	}

	if err := s.db.AddAppPassword(ctx, actor.Did, ap); err != nil {
		s.badRequest(w, fmt.Errorf("failed to create app password: %w", err))
		return
	}

	type response struct {
		Name       string `json:"name"`
		Password   string `json:"password"`
		CreatedAt  string `json:"createdAt"`
		Privileged bool   `json:"privileged"`
	}
	s.jsonOK(w, &response{
		Name:       ap.Name,
		Password:   secret,
		CreatedAt:  ap.CreatedAt.AsTime().Format(time.RFC3339),
		Privileged: ap.Privileged,
	})
}

func (s *server) handleListAppPasswords(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	type password struct {
		Name       string `json:"name"`
		CreatedAt  string `json:"createdAt"`
		Privileged bool   `json:"privileged"`
	}

	passwords := make([]password, 0, len(actor.AppPasswords))
	for _, ap := range actor.AppPasswords {
		passwords = append(passwords, password{
			Name:       ap.Name,
			CreatedAt:  ap.CreatedAt.AsTime().Format(time.RFC3339),
			Privileged: ap.Privileged,
		})
	}

	type response struct {
		Passwords []password `json:"passwords"`
	}
	s.jsonOK(w, &response{Passwords: passwords})
}

func (s *server) handleRevokeAppPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor := actorFromContext(ctx)
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	var in struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if in.Name == "" {
		s.badRequest(w, fmt.Errorf("name is required"))
		return
	}

	if err := s.db.RemoveAppPassword(ctx, actor.Did, in.Name); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.badRequest(w, fmt.Errorf("app password %q not found", in.Name))
			return
		}
		s.internalErr(w, fmt.Errorf("failed to revoke app password: %w", err))
		return
	}

	s.jsonOK(w, struct{}{})
}

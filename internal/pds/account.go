package pds

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/driftpds/pds/internal/metrics"
	"github.com/driftpds/pds/internal/pds/db"
	pdsmetrics "github.com/driftpds/pds/internal/pds/metrics"
	"github.com/driftpds/pds/internal/types"
	"github.com/driftpds/pds/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func (s *server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := spanFromContext(ctx)

	// recorded once the request has passed validation; empty means don't record
	metricStatus := ""
	defer func() {
		if metricStatus != "" {
			pdsmetrics.AccountCreations.WithLabelValues(metricStatus).Inc()
		}
	}()

	host := hostFromContext(ctx)
	if host == nil {
		s.internalErr(w, fmt.Errorf("no host configuration in request context"))
		return
	}

	if s.cfg.mode == ModeSingle {
		if n, err := s.db.CountActorsByHost(ctx, host.hostname); err != nil {
			s.internalErr(w, fmt.Errorf("failed to count existing accounts: %w", err))
			return
		} else if n > 0 {
			s.errNamed(w, http.StatusBadRequest, "AccountLimitReached", "this server is running in single-account mode")
			return
		}
	}

	var in atproto.ServerCreateAccount_Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid create account json: %w", err))
		return
	}

	in.Handle = strings.ToLower(in.Handle)

	span.SetAttributes(
		metrics.NilString("did", in.Did),
		metrics.NilString("email", in.Email),
		attribute.String("handle", in.Handle),
	)

	if err := validateCreateAccountInput(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid create account payload: %w", err))
		return
	}

	if s.cfg.inviteRequired {
		if in.InviteCode == nil || *in.InviteCode == "" {
			s.errNamed(w, http.StatusBadRequest, "InvalidInviteCode", "an invite code is required to create an account")
			return
		}
	}

	handle, err := syntax.ParseHandle(in.Handle)
	if err != nil {
		s.badRequest(w, fmt.Errorf("invalid handle: %w", err))
		return
	}

	// check if the handle is already taken
	_, err = s.directory.LookupHandle(ctx, handle)
	if err == nil {
		s.badRequest(w, fmt.Errorf("handle %q is already taken", in.Handle))
		return
	}
	if !errors.Is(err, identity.ErrHandleNotFound) {
		s.internalErr(w, fmt.Errorf("failed to resolve handle: %w", err))
		return
	}

	// check if the email is already taken
	existingEmail, err := s.db.GetActorByEmail(ctx, host.hostname, *in.Email)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to get actor by email: %w", err))
		return
	}
	if existingEmail != nil {
		// deliberately vague to avoid confirming which emails are registered
		s.badRequest(w, fmt.Errorf("invalid create account json"))
		return
	}

	// past validation; anything that stops us now is a server-side failure
	metricStatus = "error"

	signingKey, err := atcrypto.GeneratePrivateKeyK256()
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to create signing key: %w", err))
		return
	}

	rotationKey, err := atcrypto.GeneratePrivateKeyK256()
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to create rotation key: %w", err))
		return
	}

	// create a new did and submit the genesis operation to PLC
	did, plcOp, err := s.plc.CreateDID(ctx, signingKey, rotationKey, "", in.Handle, host.hostname)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to create did: %w", err))
		return
	}
	if err := s.plc.SendOperation(ctx, did, plcOp); err != nil {
		s.internalErr(w, fmt.Errorf("failed to submit plc operation: %w", err))
		return
	}

	if s.cfg.inviteRequired {
		if err := s.db.ConsumeInviteCode(ctx, *in.InviteCode, did); err != nil {
			s.errNamed(w, http.StatusBadRequest, "InvalidInviteCode", fmt.Sprintf("invite code could not be consumed: %s", err))
			return
		}
	}

	pwHash, err := bcrypt.GenerateFromPassword([]byte(*in.Password), bcrypt.DefaultCost)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to hash password: %w", err))
		return
	}

	actor := &types.Actor{
		Did:                   did,
		CreatedAt:             timestamppb.Now(),
		Email:                 *in.Email,
		EmailVerificationCode: fmt.Sprintf("%s-%s", util.RandString(6), util.RandString(6)),
		EmailConfirmed:        false,
		PasswordHash:          pwHash,
		SigningKey:            signingKey.Bytes(),
		Handle:                in.Handle,
		PdsHost:               host.hostname,
		Active:                true,
		RotationKeys:          [][]byte{rotationKey.Bytes()},
	}

	// Initialize the repo before the actor row becomes visible, so a
	// GetActorByDID never observes an account with no repo root.
	commitCID, rev, err := s.db.InitRepo(ctx, actor)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to initialize repo: %w", err))
		return
	}
	actor.Head = commitCID.String()
	actor.Rev = rev

	if err := s.db.SaveActor(ctx, actor); err != nil {
		// the store enforces handle uniqueness transactionally; the directory
		// pre-check above only catches handles registered elsewhere
		if errors.Is(err, db.ErrHandleTaken) {
			s.errNamed(w, http.StatusBadRequest, "HandleAlreadyTaken", "handle is already taken")
			return
		}
		s.internalErr(w, fmt.Errorf("failed to write actor to database: %w", err))
		return
	}

	session, err := s.createSession(ctx, actor)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to create session: %w", err))
		return
	}

	metricStatus = "success"

	res := atproto.ServerCreateAccount_Output{
		Did:        actor.Did,
		Handle:     actor.Handle,
		AccessJwt:  session.AccessToken,
		RefreshJwt: session.RefreshToken,
	}

	s.jsonOK(w, res)
}

func validateCreateAccountInput(in *atproto.ServerCreateAccount_Input) error {
	switch {
	case in.Email == nil || *in.Email == "":
		return fmt.Errorf("email is required")
	case in.Handle == "":
		return fmt.Errorf("handle is required")
	case in.Password == nil || *in.Password == "":
		return fmt.Errorf("password is required")
	}

	const passLen = 12
	if len(*in.Password) < passLen {
		return fmt.Errorf("password must be at least %d characters", passLen)
	}

	return nil
}

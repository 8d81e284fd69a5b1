package pds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/driftpds/pds/internal/pds/db"
	"github.com/driftpds/pds/internal/types"
	"github.com/driftpds/pds/internal/util"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// mailer delivers transactional email (confirmation codes, password resets).
// Actual SMTP delivery is an external collaborator; the server only depends
// on this interface.
type mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// logMailer is the default mailer when no SMTP backend is configured: it
// writes the message to the log instead of delivering it, which is also how
// local development reads its confirmation codes.
type logMailer struct {
	log *slog.Logger
}

func (m *logMailer) Send(ctx context.Context, to, subject, body string) error {
	m.log.Info("email delivery not configured, logging instead",
		"to", to, "subject", subject, "body", body)
	return nil
}

// sendMail delivers best-effort: a failed send is logged and never fails the
// request that triggered it, since the token is already persisted and the
// user can re-request.
func (s *server) sendMail(ctx context.Context, to, subject, body string) {
	if err := s.mailer.Send(ctx, to, subject, body); err != nil {
		s.log.Warn("failed to send email", "to", to, "subject", subject, "err", err)
	}
}

// issueEmailToken mints and persists a fresh single-use token for the given
// purpose, superseding any outstanding token for the same (purpose, did).
func (s *server) issueEmailToken(ctx context.Context, actor *types.Actor, purpose string) (string, error) {
	token := fmt.Sprintf("%s-%s", strings.ToUpper(util.RandString(5)), strings.ToUpper(util.RandString(5)))

	err := s.db.SaveEmailToken(ctx, &types.EmailToken{
		Purpose:   purpose,
		Did:       actor.Did,
		Token:     token,
		CreatedAt: timestamppb.Now(),
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *server) handleRequestEmailConfirmation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor := actorFromContext(ctx)
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	token, err := s.issueEmailToken(ctx, actor, types.EmailTokenPurposeConfirmEmail)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to issue confirmation token: %w", err))
		return
	}

	s.sendMail(ctx, actor.Email, "Confirm your email",
		fmt.Sprintf("Your email confirmation code is: %s", token))

	s.jsonOK(w, struct{}{})
}

func (s *server) handleConfirmEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor := actorFromContext(ctx)
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	var in struct {
		Email string `json:"email"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if !strings.EqualFold(in.Email, actor.Email) {
		s.badRequest(w, fmt.Errorf("email does not match the account"))
		return
	}

	et, err := s.db.GetEmailToken(ctx, types.EmailTokenPurposeConfirmEmail, in.Token)
	if errors.Is(err, db.ErrNotFound) || (err == nil && et.Did != actor.Did) {
		s.badRequest(w, fmt.Errorf("invalid or expired confirmation token"))
		return
	}
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to verify confirmation token: %w", err))
		return
	}

	actor.EmailConfirmed = true
	if err := s.db.SaveActor(ctx, actor); err != nil {
		s.internalErr(w, fmt.Errorf("failed to update account: %w", err))
		return
	}

	if err := s.db.DeleteEmailToken(ctx, types.EmailTokenPurposeConfirmEmail, actor.Did); err != nil {
		s.log.Warn("failed to delete used email token", "did", actor.Did, "err", err)
	}

	s.jsonOK(w, struct{}{})
}

// handleRequestPasswordReset is unauthenticated. It always returns 200 so a
// caller can't probe which email addresses have accounts here.
func (s *server) handleRequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	host := hostFromContext(ctx)
	if host == nil {
		s.internalErr(w, fmt.Errorf("no host configuration in request context"))
		return
	}

	var in struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if in.Email == "" {
		s.badRequest(w, fmt.Errorf("email is required"))
		return
	}

	actor, err := s.db.GetActorByEmail(ctx, host.hostname, strings.ToLower(in.Email))
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to look up account: %w", err))
		return
	}
	if actor == nil {
		s.jsonOK(w, struct{}{})
		return
	}

	token, err := s.issueEmailToken(ctx, actor, types.EmailTokenPurposeResetPassword)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to issue reset token: %w", err))
		return
	}

	s.sendMail(ctx, actor.Email, "Password reset",
		fmt.Sprintf("Your password reset code is: %s", token))

	s.jsonOK(w, struct{}{})
}

func (s *server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}

	switch {
	case in.Token == "":
		s.badRequest(w, fmt.Errorf("token is required"))
		return
	case len(in.Password) < 8:
		s.badRequest(w, fmt.Errorf("password must be at least 8 characters"))
		return
	}

	et, err := s.db.GetEmailToken(ctx, types.EmailTokenPurposeResetPassword, in.Token)
	if errors.Is(err, db.ErrNotFound) {
		s.badRequest(w, fmt.Errorf("invalid or expired reset token"))
		return
	}
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to verify reset token: %w", err))
		return
	}

	actor, err := s.db.GetActorByDID(ctx, et.Did)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
		return
	}

	pwHash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to hash password: %w", err))
		return
	}

	// a password reset invalidates every outstanding session
	actor.PasswordHash = pwHash
	actor.RefreshTokens = nil

	if err := s.db.SaveActor(ctx, actor); err != nil {
		s.internalErr(w, fmt.Errorf("failed to update account: %w", err))
		return
	}

	if err := s.db.DeleteEmailToken(ctx, types.EmailTokenPurposeResetPassword, actor.Did); err != nil {
		s.log.Warn("failed to delete used email token", "did", actor.Did, "err", err)
	}

	s.jsonOK(w, struct{}{})
}

// handleRequestEmailUpdate tells the client whether changing the email will
// require a confirmation token (it does once the current address has been
// confirmed), and issues one if so.
func (s *server) handleRequestEmailUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor := actorFromContext(ctx)
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	tokenRequired := actor.EmailConfirmed
	if tokenRequired {
		token, err := s.issueEmailToken(ctx, actor, types.EmailTokenPurposeUpdateEmail)
		if err != nil {
			s.internalErr(w, fmt.Errorf("failed to issue update token: %w", err))
			return
		}
		s.sendMail(ctx, actor.Email, "Confirm email change",
			fmt.Sprintf("Your email update code is: %s", token))
	}

	type response struct {
		TokenRequired bool `json:"tokenRequired"`
	}
	s.jsonOK(w, &response{TokenRequired: tokenRequired})
}

func (s *server) handleUpdateEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	host := hostFromContext(ctx)

	actor := actorFromContext(ctx)
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	var in struct {
		Email string  `json:"email"`
		Token *string `json:"token,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if in.Email == "" {
		s.badRequest(w, fmt.Errorf("email is required"))
		return
	}
	newEmail := strings.ToLower(in.Email)

	// once the current address is confirmed, changing it requires proof of
	// control over that address
	if actor.EmailConfirmed {
		if in.Token == nil || *in.Token == "" {
			s.badRequest(w, fmt.Errorf("a confirmation token is required to change a verified email"))
			return
		}
		et, err := s.db.GetEmailToken(ctx, types.EmailTokenPurposeUpdateEmail, *in.Token)
		if errors.Is(err, db.ErrNotFound) || (err == nil && et.Did != actor.Did) {
			s.badRequest(w, fmt.Errorf("invalid or expired update token"))
			return
		}
		if err != nil {
			s.internalErr(w, fmt.Errorf("failed to verify update token: %w", err))
			return
		}
	}

	// reject an address already registered on this host
	existing, err := s.db.GetActorByEmail(ctx, host.hostname, newEmail)
	if err != nil {
		s.internalErr(w, fmt.Errorf("failed to look up email: %w", err))
		return
	}
	if existing != nil && existing.Did != actor.Did {
		s.badRequest(w, fmt.Errorf("email is unavailable"))
		return
	}

	actor.Email = newEmail
	actor.EmailConfirmed = false

	if err := s.db.SaveActor(ctx, actor); err != nil {
		s.internalErr(w, fmt.Errorf("failed to update account: %w", err))
		return
	}

	if err := s.db.DeleteEmailToken(ctx, types.EmailTokenPurposeUpdateEmail, actor.Did); err != nil {
		s.log.Warn("failed to delete used email token", "did", actor.Did, "err", err)
	}

	s.jsonOK(w, struct{}{})
}

package pds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/driftpds/pds/internal/pds/db"
	"github.com/driftpds/pds/internal/pds/metrics"
	"github.com/driftpds/pds/internal/types"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Session token lifetimes: a short-lived access token and a long-lived
// refresh token, each on its own HS256 secret.
const (
	accessTokenTTL  = 2 * time.Hour
	refreshTokenTTL = 90 * 24 * time.Hour
)

const (
	scopeAccess  = "com.atproto.access"
	scopeRefresh = "com.atproto.refresh"
)

type Session struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	host := hostFromContext(ctx)

	// metric status: empty means don't record (validation errors), otherwise records on return
	metricStatus := ""
	defer func() {
		if metricStatus != "" {
			metrics.AuthAttempts.WithLabelValues("login", metricStatus).Inc()
		}
	}()

	var in atproto.ServerCreateSession_Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return
	}

	identifier := strings.ToLower(in.Identifier)
	if in.Identifier == "" {
		s.badRequest(w, fmt.Errorf("identifier is required"))
		return
	}
	if in.Password == "" {
		s.badRequest(w, fmt.Errorf("password is required"))
		return
	}

	// past validation - start recording metrics (default to failure for auth)
	metricStatus = "failure"

	actor, err := s.lookupActorByIdentifier(ctx, host.hostname, identifier)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		metricStatus = "error"
		s.internalErr(w, fmt.Errorf("failed to lookup account: %w", err))
		return
	}

	if actor == nil || errors.Is(err, db.ErrNotFound) {
		s.badRequest(w, fmt.Errorf("invalid account identifier or password"))
		return
	}

	// verify the actor belongs to this PDS host
	if actor.PdsHost != host.hostname {
		s.badRequest(w, fmt.Errorf("invalid account identifier or password"))
		return
	}

	// try the account password first, then fall back to app passwords
	appPasswordName := ""
	if err := bcrypt.CompareHashAndPassword(actor.PasswordHash, []byte(in.Password)); err != nil {
		name, ok := matchAppPassword(actor, in.Password)
		if !ok {
			s.badRequest(w, fmt.Errorf("invalid identifier or password"))
			return
		}
		appPasswordName = name
	}

	session, err := s.issueSession(r.Context(), actor, appPasswordName)
	if err != nil {
		metricStatus = "error"
		s.log.Error("failed to create session", "did", actor.Did, "err", err)
		s.internalErr(w, fmt.Errorf("failed to create session"))
		return
	}

	metricStatus = "success"

	resp := &atproto.ServerCreateSession_Output{
		AccessJwt:       session.AccessToken,
		RefreshJwt:      session.RefreshToken,
		Handle:          actor.Handle,
		Did:             actor.Did,
		Email:           &actor.Email,
		EmailConfirmed:  &actor.EmailConfirmed,
		EmailAuthFactor: new(bool), // not implemented
		Active:          &actor.Active,
		Status:          accountStatusPtr(actor),
	}

	s.jsonOK(w, resp)
}

// lookupActorByIdentifier resolves a createSession/login identifier that may
// be a DID, a handle, or (as a PDS-local fallback) an email address.
func (s *server) lookupActorByIdentifier(ctx context.Context, host, identifier string) (*types.Actor, error) {
	if strings.HasPrefix(identifier, "did:") {
		if _, err := syntax.ParseDID(identifier); err != nil {
			return nil, db.ErrNotFound
		}
		return s.db.GetActorByDID(ctx, identifier)
	}

	if handle, err := syntax.ParseHandle(identifier); err == nil {
		return s.db.GetActorByHandle(ctx, handle.String())
	}

	// fall back to email (per-PDS unique, unlike handles which are global)
	return s.db.GetActorByEmail(ctx, host, identifier)
}

// matchAppPassword checks a presented password against every app password on
// the actor, returning the matching name.
func matchAppPassword(actor *types.Actor, password string) (string, bool) {
	for _, ap := range actor.AppPasswords {
		if bcrypt.CompareHashAndPassword(ap.PasswordHash, []byte(password)) == nil {
			return ap.Name, true
		}
	}
	return "", false
}

func accountStatusPtr(actor *types.Actor) *string {
	if actor.Active {
		return nil
	}
	deactivated := "deactivated"
	return &deactivated
}

// createSession mints a session for a freshly authenticated actor (no
// app password involved).
func (s *server) createSession(ctx context.Context, actor *types.Actor) (*Session, error) {
	return s.issueSession(ctx, actor, "")
}

// issueSession mints a fresh access/refresh JWT pair for an actor and
// persists the refresh token as its own row keyed by a newly minted JTI
// (RefreshToken: {id (JTI), did, expires_at, app_password_name?}).
// appPasswordName records which app password (if any) authenticated this
// session, so it can later be revoked by name without touching other
// sessions.
func (s *server) issueSession(ctx context.Context, actor *types.Actor, appPasswordName string) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "issueSession")
	defer span.End()

	host := hostFromContext(ctx)
	if host == nil {
		return nil, fmt.Errorf("host config not found in context")
	}

	now := time.Now()
	jti := uuid.NewString()

	accessString, err := signSessionToken(host.accessSecret, scopeAccess, host.serviceDID, actor.Did, jti, now, accessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshString, err := signSessionToken(host.refreshSecret, scopeRefresh, host.serviceDID, actor.Did, jti, now, refreshTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	rt := &types.RefreshToken{
		ID:              jti,
		CreatedAt:       timestamppb.New(now),
		ExpiresAt:       timestamppb.New(now.Add(refreshTokenTTL)),
		AppPasswordName: appPasswordName,
	}
	if err := s.db.AddRefreshToken(ctx, actor.Did, rt); err != nil {
		return nil, fmt.Errorf("failed to persist refresh token: %w", err)
	}

	return &Session{
		AccessToken:  accessString,
		RefreshToken: refreshString,
	}, nil
}

// signSessionToken builds and HS256-signs a session JWT. scope distinguishes
// access from refresh tokens so that neither can be replayed as the other
// even though they may share a jti.
func signSessionToken(secret []byte, scope, aud, sub, jti string, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"scope": scope,
		"aud":   aud,
		"sub":   sub,
		"iat":   now.UTC().Unix(),
		"exp":   now.Add(ttl).UTC().Unix(),
		"jti":   jti,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

type VerifiedClaims struct {
	DID   string
	JTI   string
	Scope string
}

func (s *server) verifyAccessToken(ctx context.Context, tokenString string) (*VerifiedClaims, error) {
	host := hostFromContext(ctx)
	if host == nil {
		return nil, fmt.Errorf("host config not found in context")
	}
	return verifySessionToken(tokenString, host.accessSecret, scopeAccess, host.serviceDID)
}

func (s *server) verifyRefreshToken(ctx context.Context, tokenString string) (*VerifiedClaims, error) {
	host := hostFromContext(ctx)
	if host == nil {
		return nil, fmt.Errorf("host config not found in context")
	}
	return verifySessionToken(tokenString, host.refreshSecret, scopeRefresh, host.serviceDID)
}

// verifySessionToken checks an HS256 session JWT against its expected
// secret, scope, and audience. A parse failure (a mismatched secret, an
// expired exp claim, ...) is returned wrapping the JWT library's error; the
// auth middleware maps jwt.ErrTokenExpired to ExpiredToken and every other
// failure to InvalidToken.
func verifySessionToken(tokenString string, secret []byte, expectedScope, expectedAud string) (*VerifiedClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("failed to parse claims")
	}

	scope, ok := claims["scope"].(string)
	if !ok || scope != expectedScope {
		return nil, fmt.Errorf("invalid scope: expected %s", expectedScope)
	}

	aud, ok := claims["aud"].(string)
	if !ok || aud != expectedAud {
		return nil, fmt.Errorf("invalid audience: expected %s", expectedAud)
	}

	sub, ok := claims["sub"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid sub claim")
	}

	jti, ok := claims["jti"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid jti claim")
	}

	return &VerifiedClaims{DID: sub, JTI: jti, Scope: scope}, nil
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	resp := &atproto.ServerGetSession_Output{
		Handle:          actor.Handle,
		Did:             actor.Did,
		Email:           &actor.Email,
		EmailConfirmed:  &actor.EmailConfirmed,
		EmailAuthFactor: new(bool), // not implemented
		Active:          &actor.Active,
		Status:          accountStatusPtr(actor),
	}

	s.jsonOK(w, resp)
}

// handleRefreshSession rotates the caller's refresh token: the old JTI is
// atomically swapped for a new row (db.RotateRefreshToken), so a replayed
// old refresh token is rejected as soon as it's been used once.
func (s *server) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	// default to error - already past auth middleware so all paths should record
	metricStatus := "error"
	defer func() {
		metrics.AuthAttempts.WithLabelValues("refresh", metricStatus).Inc()
	}()

	ctx := r.Context()
	actor := actorFromContext(ctx)
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	refreshToken := tokenFromContext(ctx)
	if refreshToken == "" {
		s.internalErr(w, fmt.Errorf("refresh token not found in context"))
		return
	}

	oldClaims, err := s.verifyRefreshToken(ctx, refreshToken)
	if err != nil {
		s.unauthorized(w, fmt.Errorf("invalid refresh token"))
		return
	}

	session, err := s.rotateSession(ctx, actor, oldClaims.JTI)
	if err != nil {
		s.log.Error("failed to rotate session", "did", actor.Did, "error", err)
		s.internalErr(w, fmt.Errorf("failed to create session"))
		return
	}

	metricStatus = "success"

	resp := &atproto.ServerRefreshSession_Output{
		AccessJwt:  session.AccessToken,
		RefreshJwt: session.RefreshToken,
		Handle:     actor.Handle,
		Did:        actor.Did,
		Active:     &actor.Active,
		Status:     accountStatusPtr(actor),
	}

	s.jsonOK(w, resp)
}

// rotateSession mints a new token pair and atomically retires oldJTI in
// favor of the new row via db.RotateRefreshToken, so the pre-rotation token
// can never again be exchanged for a session.
func (s *server) rotateSession(ctx context.Context, actor *types.Actor, oldJTI string) (*Session, error) {
	host := hostFromContext(ctx)
	if host == nil {
		return nil, fmt.Errorf("host config not found in context")
	}

	now := time.Now()
	jti := uuid.NewString()

	accessString, err := signSessionToken(host.accessSecret, scopeAccess, host.serviceDID, actor.Did, jti, now, accessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	refreshString, err := signSessionToken(host.refreshSecret, scopeRefresh, host.serviceDID, actor.Did, jti, now, refreshTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	next := &types.RefreshToken{
		ID:        jti,
		CreatedAt: timestamppb.New(now),
		ExpiresAt: timestamppb.New(now.Add(refreshTokenTTL)),
	}
	if err := s.db.RotateRefreshToken(ctx, actor.Did, oldJTI, next); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("refresh token already rotated or revoked: %w", err)
		}
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	return &Session{AccessToken: accessString, RefreshToken: refreshString}, nil
}

func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor := actorFromContext(ctx)
	if actor == nil {
		s.internalErr(w, fmt.Errorf("actor not found in context"))
		return
	}

	refreshToken := tokenFromContext(ctx)
	if refreshToken == "" {
		s.internalErr(w, fmt.Errorf("refresh token not found in context"))
		return
	}

	claims, err := s.verifyRefreshToken(ctx, refreshToken)
	if err != nil {
		s.log.Error("failed to verify refresh token", "error", err)
		s.internalErr(w, fmt.Errorf("failed to verify token"))
		return
	}

	if err := s.db.RemoveRefreshToken(ctx, actor.Did, claims.JTI); err != nil {
		s.log.Error("failed to delete session", "did", actor.Did, "error", err)
		s.internalErr(w, fmt.Errorf("failed to delete session"))
		return
	}
}

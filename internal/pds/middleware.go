package pds

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/driftpds/pds/internal/env"
	"github.com/driftpds/pds/internal/pds/db"
	"github.com/driftpds/pds/internal/pds/metrics"
	"github.com/driftpds/pds/internal/types"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type actorContextKey struct{}
type hostContextKey struct{}
type spanContextKey struct{}
type tokenContextKey struct{}

func actorFromContext(ctx context.Context) *types.Actor {
	if actor, ok := ctx.Value(actorContextKey{}).(*types.Actor); ok {
		return actor
	}
	return nil
}

func hostFromContext(ctx context.Context) *loadedHostConfig {
	if cfg, ok := ctx.Value(hostContextKey{}).(*loadedHostConfig); ok {
		return cfg
	}
	return nil
}

func spanFromContext(ctx context.Context) trace.Span {
	if span, ok := ctx.Value(spanContextKey{}).(trace.Span); ok {
		return span
	}
	return trace.SpanFromContext(ctx)
}

func tokenFromContext(ctx context.Context) string {
	if token, ok := ctx.Value(tokenContextKey{}).(string); ok {
		return token
	}
	return ""
}

// statusWriter records the status code and body size a handler produced so
// the observability middleware can report them after the fact.
type statusWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	n, err := sw.ResponseWriter.Write(b)
	sw.size += n
	return n, err
}

// Hijack passes through to the underlying writer so subscribeRepos can
// upgrade to a websocket through the middleware stack.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("http.ResponseWriter does not implement http.Hijacker")
}

// observabilityMiddleware wraps every request in a server span, debug logs
// its start and end, and feeds the request counters and latency histogram.
func (s *server) observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
		)
		defer span.End()

		ctx = context.WithValue(ctx, spanContextKey{}, span)

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
			attribute.String("http.remote_addr", r.RemoteAddr),
			attribute.String("http.user_agent", r.UserAgent()),
		)

		s.log.Debug("incoming request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		start := time.Now()
		next.ServeHTTP(sw, r.WithContext(ctx))
		duration := time.Since(start).Seconds()

		span.SetAttributes(
			attribute.Int("http.status_code", sw.status),
			attribute.Int("http.response_size", sw.size),
			attribute.Float64("http.duration_seconds", duration),
		)
		if sw.status >= 400 {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		} else {
			span.SetStatus(codes.Ok, "")
		}

		status := strconv.Itoa(sw.status)
		metrics.Requests.WithLabelValues(env.Version, serviceName, r.Host, r.URL.Path, r.Method, status).Inc()
		metrics.RequestDuration.WithLabelValues(serviceName, r.Host, r.URL.Path, r.Method, status).Observe(duration)

		s.log.Debug("request completed",
			"host", r.Host,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"response_size", sw.size,
			"duration_seconds", duration,
		)
	})
}

// stripPort drops a trailing :port from a Host header value.
func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

// hostMiddleware resolves the request's Host header to one of the configured
// PDS hosts and stashes that host's config in the context. Requests for
// hostnames this server doesn't serve get a 404 here and never reach a
// handler.
func (s *server) hostMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := s.getHost(stripPort(r.Host))
		if host == nil {
			s.errNamed(w, http.StatusNotFound, "RecordNotFound", fmt.Sprintf("host %q not found", stripPort(r.Host)))
			return
		}

		ctx := context.WithValue(r.Context(), hostContextKey{}, host)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken pulls the token out of an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("authorization header is required")
	}

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return token, nil
}

// refreshTokenEndpoint reports whether this path authenticates with the
// refresh token rather than an access token: refreshSession exchanges it,
// deleteSession retires it.
func refreshTokenEndpoint(path string) bool {
	return strings.HasSuffix(path, "refreshSession") || strings.HasSuffix(path, "deleteSession")
}

// liveRefreshToken checks that the presented refresh JWT's jti is still a
// stored, unexpired row on the actor. Rotation and logout retire rows by
// jti, so a replayed old token fails here even though its signature is fine.
func liveRefreshToken(actor *types.Actor, jti string) error {
	for _, rt := range actor.RefreshTokens {
		if rt.ID != jti {
			continue
		}
		if rt.ExpiresAt.AsTime().Before(time.Now()) {
			return fmt.Errorf("refresh token expired")
		}
		return nil
	}
	return fmt.Errorf("refresh token revoked")
}

// authMiddleware authenticates the request's bearer token, loads the actor
// it names, and verifies the actor belongs to the host being addressed.
func (s *server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		tokenString, err := bearerToken(r)
		if err != nil {
			s.unauthorized(w, err)
			return
		}

		isRefresh := refreshTokenEndpoint(r.URL.Path)

		var claims *VerifiedClaims
		if isRefresh {
			claims, err = s.verifyRefreshToken(ctx, tokenString)
		} else {
			claims, err = s.verifyAccessToken(ctx, tokenString)
		}
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				s.errNamed(w, http.StatusUnauthorized, "ExpiredToken", "token has expired")
				return
			}
			s.unauthorized(w, fmt.Errorf("invalid or expired token"))
			return
		}

		actor, err := s.db.GetActorByDID(ctx, claims.DID)
		if errors.Is(err, db.ErrNotFound) {
			s.unauthorized(w, fmt.Errorf("actor not found"))
			return
		}
		if err != nil {
			s.log.Error("failed to get actor by DID", "did", claims.DID, "error", err)
			s.internalErr(w, fmt.Errorf("failed to authenticate"))
			return
		}

		// a token minted by this server names an actor homed here; a
		// mismatch means the request went to the wrong host
		host := hostFromContext(ctx)
		if actor.PdsHost != host.hostname {
			s.log.Debug("actor pds_host mismatch", "actor_host", actor.PdsHost, "request_host", host.hostname)
			s.unauthorized(w, fmt.Errorf("actor not found on this host"))
			return
		}

		if isRefresh {
			if err := liveRefreshToken(actor, claims.JTI); err != nil {
				s.unauthorized(w, err)
				return
			}
		}

		ctx = context.WithValue(ctx, actorContextKey{}, actor)
		ctx = context.WithValue(ctx, tokenContextKey{}, tokenString)

		next(w, r.WithContext(ctx))
	}
}

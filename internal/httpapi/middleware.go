package httpapi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/atlasdev/pdsengine/internal/domain"
	"github.com/atlasdev/pdsengine/internal/oauthcore"
	"github.com/atlasdev/pdsengine/internal/pdsmetrics"
	"github.com/atlasdev/pdsengine/internal/store"
)

type accountContextKey struct{}
type tokenContextKey struct{}
type oauthTokenContextKey struct{}

func accountFromContext(ctx context.Context) *domain.Account {
	if a, ok := ctx.Value(accountContextKey{}).(*domain.Account); ok {
		return a
	}
	return nil
}

func tokenFromContext(ctx context.Context) string {
	if t, ok := ctx.Value(tokenContextKey{}).(string); ok {
		return t
	}
	return ""
}

func oauthTokenFromContext(ctx context.Context) *store.OAuthToken {
	if t, ok := ctx.Value(oauthTokenContextKey{}).(*store.OAuthToken); ok {
		return t
	}
	return nil
}

type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Hijack lets the firehose's WebSocket upgrade reach the underlying conn
// through this wrapper, exactly as the teacher's responseWriter does.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}

func (s *Server) observabilityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
			attribute.String("http.remote_addr", r.RemoteAddr),
		)

		start := time.Now()
		next.ServeHTTP(rw, r.WithContext(ctx))
		duration := time.Since(start).Seconds()

		if rw.status >= 400 {
			span.SetStatus(codes.Error, http.StatusText(rw.status))
		} else {
			span.SetStatus(codes.Ok, "")
		}

		status := strconv.Itoa(rw.status)
		pdsmetrics.Requests.WithLabelValues(r.URL.Path, r.Method, status).Inc()
		pdsmetrics.RequestDuration.WithLabelValues(r.URL.Path, r.Method).Observe(duration)

		s.log.Debug("request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rw.status),
			slog.Float64("duration_seconds", duration),
		)
	})
}

type tokenScope string

const (
	scopeAccess  tokenScope = "com.atproto.access"
	scopeRefresh tokenScope = "com.atproto.refresh"
)

// authMiddleware accepts either a session bearer JWT (access or refresh
// scope, per expectedScope) or, when expectedScope is scopeAccess, a
// DPoP-bound OAuth access token presented as "DPoP <token>" with an
// accompanying DPoP proof header — the two resource-owner-authenticated
// credentials spec.md §6 defines alongside the separate service-auth JWT
// (which proxies a request between PDSes and is checked inline by the few
// handlers that accept it, not through this middleware).
func (s *Server) authMiddleware(next http.HandlerFunc, expectedScope tokenScope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.unauthorized(w, fmt.Errorf("authorization header is required"))
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 {
			s.unauthorized(w, fmt.Errorf("invalid authorization header format"))
			return
		}
		scheme, tokenString := parts[0], parts[1]

		acct, err := s.Engine.Store.GetAccount(ctx)
		if err != nil {
			s.internalErr(w, fmt.Errorf("failed to load account: %w", err))
			return
		}

		switch scheme {
		case "Bearer":
			var claims *oauthcore.VerifiedClaims
			if expectedScope == scopeRefresh {
				claims, err = oauthcore.VerifyRefreshToken(acct, tokenString)
			} else {
				claims, err = oauthcore.VerifyAccessToken(acct, tokenString)
			}
			if err != nil {
				s.unauthorized(w, fmt.Errorf("invalid or expired token"))
				return
			}
			if claims.DID != acct.DID {
				s.unauthorized(w, fmt.Errorf("token does not belong to this account"))
				return
			}
			ctx = context.WithValue(ctx, accountContextKey{}, acct)
			ctx = context.WithValue(ctx, tokenContextKey{}, tokenString)

		case "DPoP":
			if expectedScope != scopeAccess {
				s.unauthorized(w, fmt.Errorf("dpop tokens cannot refresh sessions"))
				return
			}
			proofJWS := r.Header.Get("DPoP")
			if proofJWS == "" {
				s.unauthorized(w, fmt.Errorf("missing dpop proof header"))
				return
			}
			htu := requestURL(r)
			proof, err := oauthcore.VerifyProof(ctx, s.Engine.Store, proofJWS, r.Method, htu)
			if err != nil {
				s.unauthorized(w, fmt.Errorf("invalid dpop proof: %w", err))
				return
			}
			if proof.ATHash != oauthcore.AccessTokenHash(tokenString) {
				s.unauthorized(w, fmt.Errorf("dpop proof does not bind this access token"))
				return
			}
			ot, err := s.Engine.OAuth.AuthenticateAccessToken(ctx, tokenString, proof.JKT)
			if errors.Is(err, store.ErrNotFound) {
				s.unauthorized(w, fmt.Errorf("token not found"))
				return
			}
			if err != nil {
				s.unauthorized(w, fmt.Errorf("invalid oauth token: %w", err))
				return
			}
			if ot.Sub != acct.DID {
				s.unauthorized(w, fmt.Errorf("token does not belong to this account"))
				return
			}
			ctx = context.WithValue(ctx, accountContextKey{}, acct)
			ctx = context.WithValue(ctx, oauthTokenContextKey{}, ot)

		default:
			s.unauthorized(w, fmt.Errorf("unsupported authorization scheme %q", scheme))
			return
		}

		next(w, r.WithContext(ctx))
	}
}

// requestURL reconstructs the "htu" a DPoP proof must match: scheme comes
// from X-Forwarded-Proto when the engine sits behind a reverse proxy
// (the common single-tenant deployment shape); otherwise https when the
// request arrived over TLS and http when it did not.
func requestURL(r *http.Request) string {
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

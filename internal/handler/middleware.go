package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"identity-service/internal/metrics"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

type contextKey string

const claimsKey contextKey = "claims"

// TokenVerifier is satisfied by *token.Manager.
type TokenVerifier interface {
	Verify(raw string) (*token.Claims, error)
}

// SessionVersions is satisfied by the redis session cache.
type SessionVersions interface {
	Version(ctx context.Context, userID string) (int64, error)
}

// AuthMiddleware checks bearer tokens and the user's current session generation.
type AuthMiddleware struct {
	verifier TokenVerifier
	sessions SessionVersions
}

func NewAuthMiddleware(verifier TokenVerifier, sessions SessionVersions) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier, sessions: sessions}
}

// Require accepts only tokens issued for scope.
func (a *AuthMiddleware) Require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				respondStatus(w, http.StatusUnauthorized, "Missing bearer token")
				return
			}

			claims, err := a.verifier.Verify(raw)
			if err != nil {
				msg := "Invalid token"
				if errors.Is(err, token.ErrTokenExpired) {
					msg = "Token expired"
				}
				respondStatus(w, http.StatusUnauthorized, msg)
				return
			}
			if claims.Scope != scope {
				respondStatus(w, http.StatusForbidden, "Token scope not allowed here")
				return
			}

			current, err := a.sessions.Version(r.Context(), claims.UserID)
			if err != nil {
				util.Error("Failed to read session version", util.String("user_id", claims.UserID), util.ErrorField(err))
				respondStatus(w, http.StatusServiceUnavailable, "Session check unavailable")
				return
			}
			if claims.SessionVersion != current {
				respondStatus(w, http.StatusUnauthorized, "Session revoked")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// RequireRole lets the request through when the caller holds any of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFrom(r.Context())
			if claims == nil {
				respondStatus(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			for _, role := range roles {
				if claims.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			respondStatus(w, http.StatusForbidden, "Insufficient role")
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, raw, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func claimsFrom(ctx context.Context) *token.Claims {
	claims, _ := ctx.Value(claimsKey).(*token.Claims)
	return claims
}

// requireHTTPS rejects any request that wasn't made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			respondStatus(w, http.StatusUpgradeRequired, "HTTPS required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggerMiddleware logs every request with its final status.
func LoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			util.Info("HTTP request",
				util.String("request_id", middleware.GetReqID(r.Context())),
				util.String("method", r.Method),
				util.String("path", r.URL.Path),
				util.String("remote_addr", r.RemoteAddr),
				util.Int("status", ww.Status()),
				util.Int("bytes", ww.BytesWritten()),
				util.Duration("duration", time.Since(start)),
				util.String("user_agent", r.UserAgent()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// MetricsMiddleware records request counts and latency per route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.HTTPRequestsInFlight.Inc()
		defer metrics.HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// clientIP returns the address set by middleware.RealIP, without a port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

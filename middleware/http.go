// Package middleware provides thin transport adapters over the limiter
// facade: an HTTP middleware and a gRPC unary interceptor. Both extract a
// client identity, run one admission check, and map the decision onto the
// transport's reject convention.
package middleware

import (
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gatelink/throttle/limiter"
)

// IdentityFunc extracts the rate-limited identity from a request. An empty
// result skips limiting for that request.
type IdentityFunc func(r *http.Request) string

// ClientIP identifies clients by IP, preferring the first hop of
// X-Forwarded-For, then X-Real-IP, then the connection's remote address.
func ClientIP() IdentityFunc {
	return func(r *http.Request) string {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
		if real := r.Header.Get("X-Real-IP"); real != "" {
			return real
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}

// HeaderValue identifies clients by a request header, e.g. "X-API-Key".
func HeaderValue(name string) IdentityFunc {
	return func(r *http.Request) string {
		return r.Header.Get(name)
	}
}

// BearerToken identifies clients by the Authorization bearer token.
func BearerToken() IdentityFunc {
	return func(r *http.Request) string {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			return ""
		}
		return strings.TrimSpace(token)
	}
}

// HTTP wraps a handler with admission control for the given category. It
// sets X-RateLimit-Limit and X-RateLimit-Remaining on every identified
// request and answers denials with 429 and a Retry-After header. Requests
// with no extractable identity pass through unlimited.
func HTTP(l *limiter.Limiter, category string, identity IdentityFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identity(r)
			if id == "" {
				log.Debug().Str("path", r.URL.Path).Msg("no identity extracted, skipping rate limit")
				next.ServeHTTP(w, r)
				return
			}

			dec, err := l.TryAcquire(r.Context(), id, category)
			if err != nil && !errors.Is(err, limiter.ErrStoreUnavailable) {
				// Configuration-level failure; don't take traffic down with it.
				log.Error().Err(err).Str("identity", id).Str("category", category).Msg("rate limit check failed")
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				log.Warn().Err(err).Str("identity", id).Msg("rate limit decided in degraded mode")
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(dec.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(int64(dec.Remaining), 10))

			if !dec.Allowed {
				seconds := int64(math.Ceil(dec.RetryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/oops"

	"github.com/rating-tracker/authcore/internal/auth"
	"github.com/rating-tracker/authcore/internal/clientip"
	"github.com/rating-tracker/authcore/internal/session"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "RateLimit-Limit"
	HeaderRateLimitRemaining = "RateLimit-Remaining"
	HeaderRateLimitReset     = "RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// Principal is the authenticated client of a request.
type Principal struct {
	Email   string
	Session *session.Session
	// User is set once RequireSession has authorized the request.
	User *auth.User
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal of an authenticated request.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// extractClientIP stores the authoritative client address in the context.
func (a *API) extractClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, err := a.deps.ClientIP.FromRequest(r)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(clientip.WithAddr(r.Context(), addr)))
	})
}

// logRequests logs every request and records its metrics.
func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		elapsed := time.Since(start)

		if m := a.deps.Metrics; m != nil {
			m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
			m.RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		}

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", status,
			"duration", elapsed,
			"request_id", middleware.GetReqID(r.Context()),
		}
		if addr, ok := clientip.FromContext(r.Context()); ok {
			attrs = append(attrs, "client_ip", addr.String())
		}
		a.logger.InfoContext(r.Context(), "http request", attrs...)
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// rateLimit admits a fixed number of requests per client address and window.
func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, ok := clientip.FromContext(r.Context())
		if !ok {
			a.writeError(w, r, oops.Code(auth.CodeClientIPUnavailable).Errorf("No IP address found."))
			return
		}

		d, err := a.deps.Limiter.Check(r.Context(), addr.String())
		if err != nil && auth.KindOf(err) != auth.KindRateLimited {
			a.writeError(w, r, err)
			return
		}

		h := w.Header()
		h.Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
		h.Set(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
		h.Set(HeaderRateLimitReset, strconv.FormatInt(d.RetryAfterSeconds(), 10))
		if err != nil {
			h.Set(HeaderRetryAfter, strconv.FormatInt(d.RetryAfterSeconds(), 10))
			a.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loadSession resolves the session cookie, if any. A renewed session gets a
// fresh cookie; an invalid one is cleared. The request proceeds either way,
// unless the session store failed.
func (a *API) loadSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(CookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		v, err := a.deps.Sessions.Validate(r.Context(), cookie.Value)
		switch {
		case err == nil:
			if v.Renewed {
				a.setSessionCookie(w, cookie.Value)
			}
			r = r.WithContext(withPrincipal(r.Context(), &Principal{Email: v.Email, Session: v.Session}))
		case auth.CodeOf(err) == auth.CodeUnauthenticated:
			a.clearSessionCookie(w)
		default:
			a.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSession rejects requests without a session with 401 and requests
// whose user lacks required with 403.
func (a *API) RequireSession(required auth.AccessRights) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				a.writeError(w, r, auth.ErrUnauthenticated())
				return
			}
			user, err := a.deps.Authorizer.Authorize(r.Context(), p.Email, required)
			if err != nil {
				a.writeError(w, r, err)
				return
			}
			authorized := *p
			authorized.User = user
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), &authorized)))
		})
	}
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

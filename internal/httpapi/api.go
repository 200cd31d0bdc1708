// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

// Package httpapi exposes registration, sign-in and session endpoints over
// HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/oops"

	"github.com/rating-tracker/authcore/internal/auth"
	"github.com/rating-tracker/authcore/internal/challenge"
	"github.com/rating-tracker/authcore/internal/clientip"
	"github.com/rating-tracker/authcore/internal/observability"
	"github.com/rating-tracker/authcore/internal/openid"
	"github.com/rating-tracker/authcore/internal/ratelimit"
	"github.com/rating-tracker/authcore/internal/session"
)

// Route paths below the base path.
const (
	DefaultBasePath = "/api"
	RegisterPath    = "/auth/register"
	SignInPath      = "/auth/signIn"
	SessionPath     = "/session"
	OIDCPath        = "/auth/oidc"

	// MaxBodyBytes bounds ceremony response bodies.
	MaxBodyBytes = 64 << 10
)

// Challenges issues ceremony challenges. challenge.Issuer implements it.
type Challenges interface {
	IssueRegistration(ctx context.Context, email, displayName string) (*challenge.Challenge, error)
	IssueAuthentication(ctx context.Context) (*challenge.Challenge, error)
	TTL() time.Duration
}

// Ceremonies verifies ceremony responses. ceremony.Verifier implements it.
type Ceremonies interface {
	VerifyRegistration(ctx context.Context, challengeValue string, body []byte) (*auth.Credential, error)
	VerifyAuthentication(ctx context.Context, challengeValue string, body []byte) (string, error)
}

// Sessions manages session tokens. session.Manager implements it.
type Sessions interface {
	Create(ctx context.Context, email string) (string, *session.Session, error)
	Validate(ctx context.Context, token string) (*session.Validation, error)
	Revoke(ctx context.Context, token string) error
	TTL() time.Duration
}

// Federation signs users in through an OpenID Connect provider.
// openid.Service implements it.
type Federation interface {
	AuthorizationURL(ctx context.Context) (*openid.Authorization, error)
	Callback(ctx context.Context, params url.Values, codeVerifier, nonce, signedInEmail string) (*openid.Result, error)
}

// Authorizer checks access rights. access.Gate implements it.
type Authorizer interface {
	Authorize(ctx context.Context, email string, required auth.AccessRights) (*auth.User, error)
}

// Limiter admits or rejects requests per client. ratelimit.Limiter implements it.
type Limiter interface {
	Check(ctx context.Context, key string) (ratelimit.Decision, error)
}

// RelyingParty identifies the service towards authenticators.
type RelyingParty struct {
	ID   string
	Name string
}

// Deps are the collaborators of the API.
type Deps struct {
	Challenges Challenges
	Ceremonies Ceremonies
	Sessions   Sessions
	Authorizer Authorizer
	// Federation is optional; without it the OpenID Connect routes answer
	// 501.
	Federation Federation
	Limiter    Limiter
	ClientIP   clientip.Extractor
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// Config configures the API.
type Config struct {
	// BasePath prefixes every route and is the session cookie path.
	BasePath     string
	RelyingParty RelyingParty

	// Routes, when set, registers collaborator routes below the base path.
	// They run behind the client IP and session middleware; protect them
	// with a.RequireSession.
	Routes func(a *API, r chi.Router)
}

// API is the HTTP surface of the authentication core.
type API struct {
	deps     Deps
	basePath string
	rp       RelyingParty
	routes   func(a *API, r chi.Router)
	logger   *slog.Logger
}

// New creates an API.
func New(deps Deps, cfg Config) (*API, error) {
	switch {
	case deps.Challenges == nil:
		return nil, oops.Errorf("challenge issuer is required")
	case deps.Ceremonies == nil:
		return nil, oops.Errorf("ceremony verifier is required")
	case deps.Sessions == nil:
		return nil, oops.Errorf("session manager is required")
	case deps.Authorizer == nil:
		return nil, oops.Errorf("authorizer is required")
	case deps.Limiter == nil:
		return nil, oops.Errorf("rate limiter is required")
	case cfg.RelyingParty.ID == "":
		return nil, oops.Errorf("relying party id is required")
	}

	basePath := cfg.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &API{deps: deps, basePath: basePath, rp: cfg.RelyingParty, routes: cfg.Routes, logger: logger}, nil
}

// Handler returns the router serving every route below the base path.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(a.extractClientIP)

	r.Route(a.basePath, func(r chi.Router) {
		r.Use(a.loadSession)

		r.Group(func(r chi.Router) {
			r.Use(a.rateLimit)
			r.Get(RegisterPath, a.registrationOptions)
			r.With(limitBody).Post(RegisterPath, a.register)
			r.Get(SignInPath, a.authenticationOptions)
			r.With(limitBody).Post(SignInPath, a.signIn)
			r.Get(OIDCPath, a.oidcRedirect)
			r.With(limitBody).Post(OIDCPath, a.oidcCallback)
		})

		r.With(a.RequireSession(auth.GeneralAccess)).Head(SessionPath, a.sessionStatus)
		r.Delete(SessionPath, a.signOut)

		if a.routes != nil {
			r.Group(func(r chi.Router) { a.routes(a, r) })
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

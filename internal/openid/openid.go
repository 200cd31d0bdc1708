// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

// Package openid signs users in through an OpenID Connect provider using the
// authorization code flow with PKCE.
//
// Provider failures after discovery collapse into the uniform authentication
// failure. The reason is logged at debug level only.
package openid

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jmespath/go-jmespath"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/rating-tracker/authcore/internal/auth"
	"github.com/rating-tracker/authcore/internal/observability"
)

var tracer = otel.Tracer("authcore/openid")

// Ceremony is the name used in spans and metrics.
const Ceremony = "oidc"

// DefaultScopes are requested when the configuration names none.
var DefaultScopes = []string{oidc.ScopeOpenID, "profile", "email", "phone"}

// Role names mapped onto access rights. Matching ignores case.
var roleRights = map[string]auth.AccessRights{
	"GENERAL_ACCESS":        auth.GeneralAccess,
	"WRITE_STOCKS_ACCESS":   auth.WriteStocksAccess,
	"ADMINISTRATIVE_ACCESS": auth.AdministrativeAccess,
}

// Config identifies the provider and this client.
type Config struct {
	IssuerURL     string
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	Scopes        []string
	RoleClaimPath string
	HTTPClient    *http.Client
}

// Enabled reports whether a provider is configured.
func (c Config) Enabled() bool {
	return c.IssuerURL != "" && c.ClientID != "" && c.ClientSecret != ""
}

// Accounts connects provider identities to users. access.Gate implements it.
type Accounts interface {
	Identity(ctx context.Context, subject string) (*auth.Identity, error)
	LinkIdentity(ctx context.Context, identity *auth.Identity) error
	EnrollIdentity(ctx context.Context, displayName string, identity *auth.Identity) (*auth.User, error)
	SyncRights(ctx context.Context, email string, rights auth.AccessRights) error
	SetPreferredUsername(ctx context.Context, subject, username string) error
	BeforeSessionIssuance(ctx context.Context, email string) (*auth.User, error)
}

// Authorization is a redirect to the provider. CodeVerifier and Nonce must be
// kept by the client until the callback.
type Authorization struct {
	URL          string
	CodeVerifier string
	Nonce        string
}

// Result is the outcome of a callback.
type Result struct {
	Email string
	// Linked is set when the identity was connected to a signed-in user, in
	// which case no new session is issued.
	Linked bool
}

type metadata struct {
	issuer   string
	oauth    *oauth2.Config
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	pkce     bool
}

// Service runs both halves of the authorization code flow.
type Service struct {
	cfg      Config
	accounts Accounts
	logger   *slog.Logger

	mu   sync.Mutex
	meta *metadata
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a Service. Discovery is deferred to the first request.
func NewService(cfg Config, accounts Accounts, opts ...Option) (*Service, error) {
	if !cfg.Enabled() {
		return nil, oops.Errorf("issuer url, client id and client secret are required")
	}
	if cfg.RedirectURL == "" {
		return nil, oops.Errorf("redirect url is required")
	}
	if accounts == nil {
		return nil, oops.Errorf("accounts are required")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	s := &Service{
		cfg:      cfg,
		accounts: accounts,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ready fetches the provider metadata unless it is cached.
func (s *Service) Ready(ctx context.Context) error {
	_, err := s.metadata(ctx)
	return err
}

// AuthorizationURL returns a fresh redirect to the provider. A nonce is only
// generated when the provider does not advertise S256 PKCE support.
func (s *Service) AuthorizationURL(ctx context.Context) (*Authorization, error) {
	meta, err := s.metadata(ctx)
	if err != nil {
		return nil, err
	}

	a := &Authorization{CodeVerifier: oauth2.GenerateVerifier()}
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(a.CodeVerifier)}
	if !meta.pkce {
		nonce, err := auth.GenerateToken()
		if err != nil {
			return nil, err
		}
		a.Nonce = nonce
		opts = append(opts, oidc.Nonce(nonce))
	}
	a.URL = meta.oauth.AuthCodeURL("", opts...)
	return a, nil
}

type profile struct {
	Subject           string `json:"sub"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
}

// Callback completes the flow from the parameters the provider redirected
// the browser with. When signedInEmail is set the identity is linked to that
// user; otherwise the identity is resolved or enrolled by its verified email.
func (s *Service) Callback(ctx context.Context, params url.Values, codeVerifier, nonce, signedInEmail string) (res *Result, err error) {
	ctx, span := tracer.Start(ctx, "openid.callback")
	defer func() { s.finish(span, err) }()

	meta, err := s.metadata(ctx)
	if err != nil {
		return nil, err
	}

	if e := params.Get("error"); e != "" {
		s.logger.DebugContext(ctx, "provider returned an error",
			"error", e,
			"description", params.Get("error_description"),
		)
		return nil, s.fail(ctx, "authorization error response")
	}
	if iss := params.Get("iss"); iss != "" && iss != meta.issuer {
		return nil, s.fail(ctx, "issuer mismatch")
	}
	code := params.Get("code")
	if code == "" {
		return nil, auth.ErrInvalidInput("code", "No authorization code was provided.")
	}

	ctx = oidc.ClientContext(ctx, s.cfg.HTTPClient)
	tok, err := meta.oauth.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		s.logger.DebugContext(ctx, "code exchange failed", "error", err)
		return nil, s.fail(ctx, "code exchange failed")
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, s.fail(ctx, "token response without id token")
	}
	idToken, err := meta.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		s.logger.DebugContext(ctx, "id token rejected", "error", err)
		return nil, s.fail(ctx, "id token invalid")
	}
	if nonce != "" && subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
		return nil, s.fail(ctx, "nonce mismatch")
	}

	info, err := meta.provider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	if err != nil {
		s.logger.DebugContext(ctx, "userinfo request failed", "error", err)
		return nil, s.fail(ctx, "userinfo request failed")
	}
	var p profile
	if err := info.Claims(&p); err != nil {
		s.logger.DebugContext(ctx, "userinfo unparsable", "error", err)
		return nil, s.fail(ctx, "userinfo unparsable")
	}
	if p.Subject != idToken.Subject {
		return nil, s.fail(ctx, "userinfo subject mismatch")
	}
	span.SetAttributes(attribute.String("oidc.subject", p.Subject))

	username := firstNonEmpty(p.PreferredUsername, p.Name, p.Subject)
	if signedInEmail != "" {
		identity, err := auth.NewIdentity(p.Subject, signedInEmail, username)
		if err != nil {
			return nil, err
		}
		if err := s.accounts.LinkIdentity(ctx, identity); err != nil {
			return nil, err
		}
	}

	identity, err := s.resolve(ctx, p, username)
	if err != nil {
		return nil, err
	}

	if s.cfg.RoleClaimPath != "" {
		var claims any
		if err := idToken.Claims(&claims); err != nil {
			return nil, s.fail(ctx, "id token claims unparsable")
		}
		rights, err := RightsFromRoles(claims, s.cfg.RoleClaimPath)
		if err != nil {
			s.logger.DebugContext(ctx, "role claims rejected", "path", s.cfg.RoleClaimPath, "error", err)
			return nil, auth.ErrFederationRejected("Unable to retrieve user roles from the OpenID Connect provider.")
		}
		if err := s.accounts.SyncRights(ctx, identity.OwnerEmail, rights); err != nil {
			return nil, err
		}
	}

	if p.PreferredUsername != "" && p.PreferredUsername != identity.PreferredUsername {
		if err := s.accounts.SetPreferredUsername(ctx, p.Subject, p.PreferredUsername); err != nil {
			return nil, err
		}
	}

	if _, err := s.accounts.BeforeSessionIssuance(ctx, identity.OwnerEmail); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "openid connect sign-in verified",
		"email", identity.OwnerEmail,
		"subject", p.Subject,
		"linked", signedInEmail != "",
	)
	return &Result{Email: identity.OwnerEmail, Linked: signedInEmail != ""}, nil
}

// resolve returns the identity of the subject, enrolling it by its verified
// email when it is unknown.
func (s *Service) resolve(ctx context.Context, p profile, username string) (*auth.Identity, error) {
	identity, err := s.accounts.Identity(ctx, p.Subject)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, auth.ErrNotFound) {
		return nil, oops.With("operation", "find identity").With("subject", p.Subject).Wrap(err)
	}

	if !p.EmailVerified || p.Email == "" {
		return nil, auth.ErrFederationRejected("The OpenID Connect provider did not verify the user's email address.")
	}
	identity, err = auth.NewIdentity(p.Subject, p.Email, username)
	if err != nil {
		return nil, err
	}
	if _, err := s.accounts.EnrollIdentity(ctx, displayName(p), identity); err != nil {
		return nil, err
	}
	return identity, nil
}

// RightsFromRoles evaluates the JMESPath expression path against claims. The
// result must be a list; each known role name in it grants its right.
func RightsFromRoles(claims any, path string) (auth.AccessRights, error) {
	result, err := jmespath.Search(path, claims)
	if err != nil {
		return 0, oops.Code("ROLE_CLAIM_PATH_INVALID").With("path", path).Wrap(err)
	}
	roles, ok := result.([]any)
	if !ok {
		return 0, oops.Code("ROLE_CLAIM_MISSING").With("path", path).Errorf("role claim is not a list")
	}

	var rights auth.AccessRights
	for _, role := range roles {
		name, ok := role.(string)
		if !ok {
			continue
		}
		rights |= roleRights[strings.ToUpper(name)]
	}
	return rights, nil
}

// metadata returns the cached provider metadata, fetching it on first use.
// A failed fetch is not cached.
func (s *Service) metadata(ctx context.Context) (*metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta != nil {
		return s.meta, nil
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, s.cfg.HTTPClient), s.cfg.IssuerURL)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to retrieve openid connect metadata",
			"issuer", s.cfg.IssuerURL,
			"error", err,
		)
		return nil, auth.ErrProviderUnavailable(s.cfg.IssuerURL, err)
	}

	var extra struct {
		Issuer               string   `json:"issuer"`
		CodeChallengeMethods []string `json:"code_challenge_methods_supported"`
	}
	if err := provider.Claims(&extra); err != nil {
		return nil, auth.ErrProviderUnavailable(s.cfg.IssuerURL, err)
	}

	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	s.meta = &metadata{
		issuer: extra.Issuer,
		oauth: &oauth2.Config{
			ClientID:     s.cfg.ClientID,
			ClientSecret: s.cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  s.cfg.RedirectURL,
			Scopes:       s.cfg.Scopes,
		},
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: s.cfg.ClientID}),
		pkce:     slices.Contains(extra.CodeChallengeMethods, "S256"),
	}
	s.logger.InfoContext(ctx, "retrieved openid connect metadata", "issuer", extra.Issuer)
	return s.meta, nil
}

func (s *Service) fail(ctx context.Context, reason string) error {
	s.logger.DebugContext(ctx, "ceremony rejected", "ceremony", Ceremony, "reason", reason)
	return auth.ErrAuthenticationFailed()
}

func (s *Service) finish(span trace.Span, err error) {
	outcome := "success"
	if err != nil {
		outcome = auth.KindOf(err).String()
		span.SetAttributes(attribute.String("ceremony.outcome", outcome))
		span.SetStatus(codes.Error, auth.PublicMessage(err))
	}
	observability.RecordCeremony(Ceremony, outcome)
	span.End()
}

func displayName(p profile) string {
	name := []rune(firstNonEmpty(strings.TrimSpace(p.Name), p.Subject))
	if len(name) > auth.MaxDisplayNameLength {
		name = name[:auth.MaxDisplayNameLength]
	}
	return string(name)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

// Package openidtest runs an in-process OpenID Connect provider for tests.
package openidtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"
)

// Client credentials the provider accepts.
const (
	ClientID     = "authcore"
	ClientSecret = "s3cret"
	keyID        = "test-key"
)

// T is the part of testing.TB the provider needs. GinkgoT satisfies it.
type T interface {
	require.TestingT
	Helper()
	Cleanup(func())
}

// User is the subject a grant is issued for.
type User struct {
	Subject           string
	Email             string
	EmailVerified     bool
	Name              string
	PreferredUsername string
	// Claims are merged into the ID token.
	Claims map[string]any
	// UserInfoSubject overrides the subject the userinfo endpoint reports.
	UserInfoSubject string
}

type grant struct {
	user        User
	challenge   string
	nonce       string
	redirectURI string
}

// Provider serves discovery, keys, token and userinfo endpoints.
type Provider struct {
	Server *httptest.Server

	pkce bool
	key  *rsa.PrivateKey

	mu        sync.Mutex
	grants    map[string]grant
	tokens    map[string]User
	discovery int
}

// Option configures a Provider.
type Option func(*Provider)

// WithoutPKCE stops the provider from advertising S256 support, which makes
// clients fall back to a nonce.
func WithoutPKCE() Option {
	return func(p *Provider) { p.pkce = false }
}

// NewProvider starts a provider that is closed with the test.
func NewProvider(t T, opts ...Option) *Provider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p := &Provider{
		pkce:   true,
		key:    key,
		grants: map[string]grant{},
		tokens: map[string]User{},
	}
	for _, opt := range opts {
		opt(p)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.serveDiscovery)
	mux.HandleFunc("GET /jwks", p.serveKeys)
	mux.HandleFunc("POST /token", p.serveToken)
	mux.HandleFunc("GET /userinfo", p.serveUserInfo)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// Issuer is the provider's issuer URL.
func (p *Provider) Issuer() string {
	return p.Server.URL
}

// DiscoveryRequests counts metadata fetches.
func (p *Provider) DiscoveryRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discovery
}

// Authorize plays the browser and the provider's login page: it reads the
// authorization URL a client produced and returns a code for user.
func (p *Provider) Authorize(t T, authorizationURL string, user User) string {
	t.Helper()
	u, err := url.Parse(authorizationURL)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, ClientID, q.Get("client_id"))
	require.Equal(t, "code", q.Get("response_type"))

	code := rand.Text()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grants[code] = grant{
		user:        user,
		challenge:   q.Get("code_challenge"),
		nonce:       q.Get("nonce"),
		redirectURI: q.Get("redirect_uri"),
	}
	return code
}

func (p *Provider) serveDiscovery(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	p.discovery++
	p.mu.Unlock()

	doc := map[string]any{
		"issuer":                                p.Issuer(),
		"authorization_endpoint":                p.Issuer() + "/authorize",
		"token_endpoint":                        p.Issuer() + "/token",
		"userinfo_endpoint":                     p.Issuer() + "/userinfo",
		"jwks_uri":                              p.Issuer() + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	}
	if p.pkce {
		doc["code_challenge_methods_supported"] = []string{"S256"}
	}
	writeJSON(w, http.StatusOK, doc)
}

func (p *Provider) serveKeys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.key.PublicKey,
		KeyID:     keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (p *Provider) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request")
		return
	}
	if r.PostForm.Get("client_id") != ClientID || r.PostForm.Get("client_secret") != ClientSecret {
		tokenError(w, "invalid_client")
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		tokenError(w, "unsupported_grant_type")
		return
	}

	p.mu.Lock()
	code := r.PostForm.Get("code")
	g, ok := p.grants[code]
	delete(p.grants, code)
	p.mu.Unlock()
	if !ok || g.redirectURI != r.PostForm.Get("redirect_uri") || !challengeMatches(g.challenge, r.PostForm.Get("code_verifier")) {
		tokenError(w, "invalid_grant")
		return
	}

	idToken, err := p.sign(g)
	if err != nil {
		tokenError(w, "server_error")
		return
	}
	accessToken := rand.Text()
	p.mu.Lock()
	p.tokens[accessToken] = g.user
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   300,
		"id_token":     idToken,
	})
}

func (p *Provider) serveUserInfo(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	p.mu.Lock()
	user, ok := p.tokens[token]
	p.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	sub := user.Subject
	if user.UserInfoSubject != "" {
		sub = user.UserInfoSubject
	}
	info := map[string]any{"sub": sub, "email_verified": user.EmailVerified}
	for k, v := range map[string]string{
		"email":              user.Email,
		"name":               user.Name,
		"preferred_username": user.PreferredUsername,
	} {
		if v != "" {
			info[k] = v
		}
	}
	writeJSON(w, http.StatusOK, info)
}

func (p *Provider) sign(g grant) (string, error) {
	now := time.Now()
	claims := map[string]any{
		"iss": p.Issuer(),
		"sub": g.user.Subject,
		"aud": ClientID,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	if g.nonce != "" {
		claims["nonce"] = g.nonce
	}
	for k, v := range g.user.Claims {
		claims[k] = v
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: p.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", keyID),
	)
	if err != nil {
		return "", err
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return obj.CompactSerialize()
}

func challengeMatches(challenge, verifier string) bool {
	if challenge == "" {
		return true
	}
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]) == challenge
}

func tokenError(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/rating-tracker/authcore/internal/auth"
)

// Cookies carrying the authorization request state between the redirect
// and the callback.
const (
	CodeVerifierCookie = "codeVerifier"
	NonceCookie        = "nonce"
)

// oidcRedirect handles GET /auth/oidc by redirecting to the provider.
func (a *API) oidcRedirect(w http.ResponseWriter, r *http.Request) {
	if a.deps.Federation == nil {
		a.writeError(w, r, auth.ErrProviderNotConfigured())
		return
	}
	authz, err := a.deps.Federation.AuthorizationURL(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.setFlowCookie(w, CodeVerifierCookie, authz.CodeVerifier)
	if authz.Nonce != "" {
		a.setFlowCookie(w, NonceCookie, authz.Nonce)
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, authz.URL, http.StatusFound)
}

// oidcCallback handles POST /auth/oidc. The body holds the query parameters
// the provider redirected the browser with. A signed-in caller links the
// identity and keeps its session; anyone else gets a new one.
func (a *API) oidcCallback(w http.ResponseWriter, r *http.Request) {
	if a.deps.Federation == nil {
		a.writeError(w, r, auth.ErrProviderNotConfigured())
		return
	}

	codeVerifier := flowCookie(r, CodeVerifierCookie)
	nonce := flowCookie(r, NonceCookie)
	a.clearFlowCookie(w, CodeVerifierCookie)
	a.clearFlowCookie(w, NonceCookie)

	params, err := readCallbackParams(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if codeVerifier == "" {
		a.writeError(w, r, auth.ErrInvalidInput("codeVerifier", "No code verifier was provided."))
		return
	}

	var signedIn string
	if p, ok := PrincipalFrom(r.Context()); ok {
		signedIn = p.Email
	}
	res, err := a.deps.Federation.Callback(r.Context(), params, codeVerifier, nonce, signedIn)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !res.Linked {
		token, _, err := a.deps.Sessions.Create(r.Context(), res.Email)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		a.setSessionCookie(w, token)
	}
	w.WriteHeader(http.StatusNoContent)
}

func readCallbackParams(r *http.Request) (url.Values, error) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, auth.ErrInvalidInput("body", "Request body is too large.")
		}
		return nil, auth.ErrInvalidInput("body", "Request body must be an object of strings.")
	}
	params := make(url.Values, len(body))
	for k, v := range body {
		params.Set(k, v)
	}
	return params, nil
}

func flowCookie(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (a *API) setFlowCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     a.basePath,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearFlowCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     a.basePath,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/rating-tracker/authcore/internal/auth"
	"github.com/rating-tracker/authcore/internal/passkey"
)

// registrationOptions handles GET /auth/register?email=&name=.
func (a *API) registrationOptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	c, err := a.deps.Challenges.IssueRegistration(r.Context(), q.Get("email"), q.Get("name"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creationOptions(a.rp, c, a.deps.Challenges.TTL()))
}

// register handles POST /auth/register. The email and display name are
// taken from the challenge the response answers.
func (a *API) register(w http.ResponseWriter, r *http.Request) {
	body, value, err := readCeremonyBody(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if _, err := a.deps.Ceremonies.VerifyRegistration(r.Context(), value, body); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// authenticationOptions handles GET /auth/signIn.
func (a *API) authenticationOptions(w http.ResponseWriter, r *http.Request) {
	c, err := a.deps.Challenges.IssueAuthentication(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestOptions(a.rp, c, a.deps.Challenges.TTL()))
}

// signIn handles POST /auth/signIn and sets the session cookie.
func (a *API) signIn(w http.ResponseWriter, r *http.Request) {
	body, value, err := readCeremonyBody(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	email, err := a.deps.Ceremonies.VerifyAuthentication(r.Context(), value, body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	token, _, err := a.deps.Sessions.Create(r.Context(), email)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.setSessionCookie(w, token)
	w.WriteHeader(http.StatusNoContent)
}

// sessionStatus handles HEAD /session behind RequireSession.
func (a *API) sessionStatus(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// signOut handles DELETE /session. It succeeds whether or not a session
// exists.
func (a *API) signOut(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(CookieName); err == nil {
		if err := a.deps.Sessions.Revoke(r.Context(), cookie.Value); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	a.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// readCeremonyBody reads a ceremony response and the challenge it claims to
// answer. Nothing is consumed when the body cannot be read.
func readCeremonyBody(r *http.Request) ([]byte, string, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, "", auth.ErrInvalidInput("body", "Request body is too large.")
		}
		return nil, "", auth.ErrInvalidInput("body", "Request body could not be read.")
	}
	value, err := passkey.PeekChallenge(body)
	if err != nil {
		return nil, "", err
	}
	return body, value, nil
}

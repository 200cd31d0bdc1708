// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/rating-tracker/authcore/internal/auth"
	"github.com/rating-tracker/authcore/pkg/errutil"
)

// CookieName is the name of the session cookie.
const CookieName = "id"

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Message string `json:"message"`
}

// writeError maps err to its status and public message. Server-side
// failures are logged with their full context and never leak it.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := auth.Status(err)
	if status >= http.StatusInternalServerError {
		errutil.LogErrorContext(r.Context(), a.logger, "request failed", err,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
		)
	} else {
		a.logger.DebugContext(r.Context(), "request rejected",
			"path", r.URL.Path,
			"status", status,
			"code", auth.CodeOf(err),
		)
	}
	writeMessage(w, status, auth.PublicMessage(err))
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorBody{Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     a.basePath,
		MaxAge:   int(a.deps.Sessions.TTL() / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     a.basePath,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

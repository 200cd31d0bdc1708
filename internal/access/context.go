// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package access

import (
	"context"

	"github.com/rating-tracker/authcore/internal/auth"
)

type systemSubjectKey struct{}

// WithSystemSubject marks ctx as coming from an operator tool rather than
// an HTTP request. The Gate's administrative operations require it.
func WithSystemSubject(ctx context.Context) context.Context {
	return context.WithValue(ctx, systemSubjectKey{}, true)
}

// IsSystemContext reports whether ctx was marked by WithSystemSubject.
func IsSystemContext(ctx context.Context) bool {
	v, ok := ctx.Value(systemSubjectKey{}).(bool)
	return ok && v
}

func requireSystem(ctx context.Context) error {
	if IsSystemContext(ctx) {
		return nil
	}
	return auth.ErrForbidden(auth.AdministrativeAccess)
}

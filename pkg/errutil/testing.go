// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package errutil

import (
	"fmt"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireOops(t *testing.T, err error) oops.OopsError {
	t.Helper()
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %T: %v", err, err)
	return oopsErr
}

// AssertErrorCode asserts that the deepest oops code in err is code.
func AssertErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	assert.Equal(t, code, fmt.Sprint(requireOops(t, err).Code()), "error: %v", err)
}

// AssertErrorContext asserts that err carries key with value.
func AssertErrorContext(t *testing.T, err error, key string, value any) {
	t.Helper()
	ctx := requireOops(t, err).Context()
	assert.Contains(t, ctx, key)
	assert.Equal(t, value, ctx[key])
}

// AssertNoErrorContext asserts that err does not carry key, for errors that
// must not reveal why they were raised.
func AssertNoErrorContext(t *testing.T, err error, key string) {
	t.Helper()
	assert.NotContains(t, requireOops(t, err).Context(), key, "error: %v", err)
}

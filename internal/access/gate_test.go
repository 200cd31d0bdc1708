// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package access_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rating-tracker/authcore/internal/access"
	"github.com/rating-tracker/authcore/internal/auth"
	"github.com/rating-tracker/authcore/internal/auth/authtest"
	"github.com/rating-tracker/authcore/pkg/errutil"
)

func newGate(t *testing.T) (*access.Gate, *authtest.Directory) {
	t.Helper()
	dir := authtest.NewDirectory()
	gate, err := access.NewGate(dir, dir.Credentials(), dir)
	require.NoError(t, err)
	return gate, dir
}

func credentialFor(email string, id byte) *auth.Credential {
	return &auth.Credential{ID: []byte{id, id, id}, OwnerEmail: email, PublicKey: []byte{0xa5, id}}
}

func TestNewGate(t *testing.T) {
	dir := authtest.NewDirectory()
	_, err := access.NewGate(nil, dir.Credentials(), dir)
	assert.Error(t, err)
	_, err = access.NewGate(dir, nil, dir)
	assert.Error(t, err)
	_, err = access.NewGate(dir, dir.Credentials(), nil)
	assert.Error(t, err)
}

func TestGate_Enroll(t *testing.T) {
	ctx := access.WithSystemSubject(context.Background())

	t.Run("first user is activated with full access", func(t *testing.T) {
		gate, dir := newGate(t)

		user, err := gate.Enroll(ctx, "first@example.com", "First", credentialFor("first@example.com", 1))
		require.NoError(t, err)
		assert.True(t, user.Activated)
		assert.Equal(t, auth.FullAccess, user.AccessRights)

		stored := dir.User("first@example.com")
		require.NotNil(t, stored)
		assert.True(t, stored.Activated)
		assert.Equal(t, auth.FullAccess, stored.AccessRights)
		assert.NotNil(t, dir.Credential("first@example.com"))
	})

	t.Run("second user is inactive without rights", func(t *testing.T) {
		gate, dir := newGate(t)
		_, err := gate.Enroll(ctx, "first@example.com", "First", credentialFor("first@example.com", 1))
		require.NoError(t, err)

		user, err := gate.Enroll(ctx, "second@example.com", "Second", credentialFor("second@example.com", 2))
		require.NoError(t, err)
		assert.False(t, user.Activated)
		assert.Equal(t, auth.AccessRights(0), user.AccessRights)

		stored := dir.User("second@example.com")
		assert.False(t, stored.Activated)
		assert.Equal(t, auth.AccessRights(0), stored.AccessRights)
	})

	t.Run("bootstrap counts users, not activated users", func(t *testing.T) {
		gate, dir := newGate(t)
		_, err := gate.Enroll(ctx, "first@example.com", "First", credentialFor("first@example.com", 1))
		require.NoError(t, err)
		require.NoError(t, gate.Deactivate(ctx, "first@example.com"))

		user, err := gate.Enroll(ctx, "second@example.com", "Second", credentialFor("second@example.com", 2))
		require.NoError(t, err)
		assert.False(t, user.Activated)

		dir.Reset()
		user, err = gate.Enroll(ctx, "third@example.com", "Third", credentialFor("third@example.com", 3))
		require.NoError(t, err)
		assert.True(t, user.Activated, "an emptied system bootstraps again")
	})

	t.Run("concurrent first registrations bootstrap exactly one", func(t *testing.T) {
		gate, _ := newGate(t)
		const n = 10

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			activated int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				email := fmt.Sprintf("user%d@example.com", i)
				user, err := gate.Enroll(ctx, email, "User", credentialFor(email, byte(i+1)))
				if err != nil {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if user.Activated {
					activated++
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, activated)
	})

	t.Run("existing user is a conflict", func(t *testing.T) {
		gate, _ := newGate(t)
		_, err := gate.Enroll(ctx, "jane@example.com", "Jane", credentialFor("jane@example.com", 1))
		require.NoError(t, err)

		_, err = gate.Enroll(ctx, "jane@example.com", "Jane", credentialFor("jane@example.com", 2))
		errutil.AssertErrorCode(t, err, auth.CodeConflict)
		assert.Equal(t, 409, auth.Status(err))
	})

	t.Run("credential saved concurrently is a conflict", func(t *testing.T) {
		gate, dir := newGate(t)
		dir.PutCredential(credentialFor("jane@example.com", 9))

		_, err := gate.Enroll(ctx, "jane@example.com", "Jane", credentialFor("jane@example.com", 1))
		errutil.AssertErrorCode(t, err, auth.CodeConflict)
	})

	t.Run("count failure aborts enrollment", func(t *testing.T) {
		gate, dir := newGate(t)
		dir.Err["Count"] = errors.New("db down")

		_, err := gate.Enroll(ctx, "jane@example.com", "Jane", credentialFor("jane@example.com", 1))
		require.Error(t, err)
		assert.Equal(t, auth.KindInfrastructure, auth.KindOf(err))
		assert.Nil(t, dir.User("jane@example.com"))
	})

	t.Run("count runs inside the critical section once", func(t *testing.T) {
		gate, dir := newGate(t)
		_, err := gate.Enroll(ctx, "jane@example.com", "Jane", credentialFor("jane@example.com", 1))
		require.NoError(t, err)
		assert.Equal(t, 1, dir.Calls("Count"))
	})
}

func TestGate_BeforeSessionIssuance(t *testing.T) {
	ctx := access.WithSystemSubject(context.Background())
	gate, dir := newGate(t)

	_, err := gate.Enroll(ctx, "admin@example.com", "Admin", credentialFor("admin@example.com", 1))
	require.NoError(t, err)
	_, err = gate.Enroll(ctx, "new@example.com", "New", credentialFor("new@example.com", 2))
	require.NoError(t, err)

	t.Run("activated user passes", func(t *testing.T) {
		user, err := gate.BeforeSessionIssuance(ctx, "admin@example.com")
		require.NoError(t, err)
		assert.Equal(t, "admin@example.com", user.Email)
	})

	t.Run("inactive user is refused", func(t *testing.T) {
		_, err := gate.BeforeSessionIssuance(ctx, "new@example.com")
		errutil.AssertErrorCode(t, err, auth.CodeAccountNotActivated)
		assert.Equal(t, 403, auth.Status(err))
		assert.Equal(t, "This user account is not yet activated.", auth.PublicMessage(err))
	})

	t.Run("activation is set externally", func(t *testing.T) {
		require.NoError(t, gate.Activate(ctx, "new@example.com"))
		_, err := gate.BeforeSessionIssuance(ctx, "new@example.com")
		assert.NoError(t, err)
	})

	t.Run("unknown user is refused the same way", func(t *testing.T) {
		_, err := gate.BeforeSessionIssuance(ctx, "ghost@example.com")
		errutil.AssertErrorCode(t, err, auth.CodeAccountNotActivated)
	})

	t.Run("directory failure is infrastructure", func(t *testing.T) {
		dir.Err["FindByEmail"] = errors.New("db down")
		defer delete(dir.Err, "FindByEmail")

		_, err := gate.BeforeSessionIssuance(ctx, "admin@example.com")
		require.Error(t, err)
		assert.Equal(t, auth.KindInfrastructure, auth.KindOf(err))
	})
}

func TestGate_Authorize(t *testing.T) {
	ctx := access.WithSystemSubject(context.Background())
	gate, _ := newGate(t)

	_, err := gate.Enroll(ctx, "admin@example.com", "Admin", credentialFor("admin@example.com", 1))
	require.NoError(t, err)
	_, err = gate.Enroll(ctx, "reader@example.com", "Reader", credentialFor("reader@example.com", 2))
	require.NoError(t, err)
	require.NoError(t, gate.Activate(ctx, "reader@example.com"))
	require.NoError(t, gate.SetAccessRights(ctx, "reader@example.com", auth.GeneralAccess))

	_, err = gate.Authorize(ctx, "admin@example.com", auth.AdministrativeAccess)
	assert.NoError(t, err)

	_, err = gate.Authorize(ctx, "reader@example.com", auth.GeneralAccess)
	assert.NoError(t, err)

	_, err = gate.Authorize(ctx, "reader@example.com", auth.WriteStocksAccess)
	errutil.AssertErrorCode(t, err, auth.CodeForbidden)

	require.NoError(t, gate.Deactivate(ctx, "reader@example.com"))
	_, err = gate.Authorize(ctx, "reader@example.com", auth.GeneralAccess)
	errutil.AssertErrorCode(t, err, auth.CodeForbidden)
}

func TestGate_AdministrativeOperations(t *testing.T) {
	ctx := access.WithSystemSubject(context.Background())
	gate, dir := newGate(t)

	t.Run("unknown user", func(t *testing.T) {
		errutil.AssertErrorCode(t, gate.Activate(ctx, "ghost@example.com"), auth.CodeUserNotFound)
		errutil.AssertErrorCode(t, gate.SetAccessRights(ctx, "ghost@example.com", auth.GeneralAccess), auth.CodeUserNotFound)
	})

	t.Run("delete cascades and is idempotent", func(t *testing.T) {
		_, err := gate.Enroll(ctx, "jane@example.com", "Jane", credentialFor("jane@example.com", 1))
		require.NoError(t, err)

		require.NoError(t, gate.DeleteUser(ctx, "jane@example.com"))
		assert.Nil(t, dir.User("jane@example.com"))
		assert.Nil(t, dir.Credential("jane@example.com"))

		require.NoError(t, gate.DeleteUser(ctx, "jane@example.com"))
	})
}

func TestGate_AdministrativeOperationsRequireSystemContext(t *testing.T) {
	ctx := context.Background()
	gate, dir := newGate(t)
	_, err := gate.Enroll(ctx, "admin@example.com", "Admin", credentialFor("admin@example.com", 1))
	require.NoError(t, err)
	_, err = gate.Enroll(ctx, "new@example.com", "New", credentialFor("new@example.com", 2))
	require.NoError(t, err)

	errutil.AssertErrorCode(t, gate.Activate(ctx, "new@example.com"), auth.CodeForbidden)
	errutil.AssertErrorCode(t, gate.Deactivate(ctx, "admin@example.com"), auth.CodeForbidden)
	errutil.AssertErrorCode(t, gate.SetAccessRights(ctx, "new@example.com", auth.FullAccess), auth.CodeForbidden)
	errutil.AssertErrorCode(t, gate.DeleteUser(ctx, "admin@example.com"), auth.CodeForbidden)

	assert.False(t, dir.User("new@example.com").Activated)
	assert.NotNil(t, dir.User("admin@example.com"))
}

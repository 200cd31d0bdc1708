// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package main

import (
	"errors"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rating-tracker/authcore/pkg/errutil"
)

type fakeMigrator struct {
	url     string
	pending []uint
	version uint
	dirty   bool
	forced  int
	upErr   error
	calls   []string
	closed  bool
}

func (f *fakeMigrator) Up() error {
	f.calls = append(f.calls, "up")
	if f.upErr != nil {
		return f.upErr
	}
	if len(f.pending) > 0 {
		f.version = f.pending[len(f.pending)-1]
	}
	f.pending = nil
	return nil
}

func (f *fakeMigrator) Down() error {
	f.calls = append(f.calls, "down")
	f.version = 0
	return nil
}

func (f *fakeMigrator) Version() (uint, bool, error) {
	f.calls = append(f.calls, "version")
	return f.version, f.dirty, nil
}

func (f *fakeMigrator) Force(v int) error {
	f.calls = append(f.calls, "force")
	if v < 0 {
		return oops.Code("INVALID_VERSION").Errorf("negative version %d", v)
	}
	f.forced = v
	return nil
}

func (f *fakeMigrator) Pending() ([]uint, error) {
	return f.pending, nil
}

func (f *fakeMigrator) Close() error {
	f.closed = true
	return nil
}

func migratorDeps(f *fakeMigrator) *Deps {
	return &Deps{
		NewMigrator: func(url string) (SchemaMigrator, error) {
			f.url = url
			return f, nil
		},
		Logger: quietLogger(),
	}
}

const testDatabaseFlag = "--database-url=postgres://ratings@db/ratings"

func TestMigrateUp(t *testing.T) {
	t.Run("applies pending migrations", func(t *testing.T) {
		f := &fakeMigrator{pending: []uint{1, 2}}
		out, _, err := execute(t, migratorDeps(f), "migrate", "up", testDatabaseFlag)
		require.NoError(t, err)

		assert.Equal(t, "postgres://ratings@db/ratings", f.url)
		assert.Equal(t, []string{"up"}, f.calls)
		assert.Contains(t, out, "Applied 000001_create_users")
		assert.Contains(t, out, "Applied 000002_create_webauthn_credentials")
		assert.True(t, f.closed)
	})

	t.Run("up to date", func(t *testing.T) {
		f := &fakeMigrator{version: 2}
		out, _, err := execute(t, migratorDeps(f), "migrate", "up", testDatabaseFlag)
		require.NoError(t, err)
		assert.Empty(t, f.calls)
		assert.Contains(t, out, "up to date")
	})

	t.Run("failure", func(t *testing.T) {
		f := &fakeMigrator{pending: []uint{1}, upErr: errors.New("syntax error")}
		_, _, err := execute(t, migratorDeps(f), "migrate", "up", testDatabaseFlag)
		require.Error(t, err)
		assert.True(t, f.closed)
	})

	t.Run("database url from environment", func(t *testing.T) {
		f := &fakeMigrator{}
		cmd := newRootCmd(migratorDeps(f))
		t.Setenv("DATABASE_URL", "postgres://env/ratings")
		cmd.SetArgs([]string{"migrate", "up"})
		cmd.SetOut(&discard{})
		require.NoError(t, cmd.Execute())
		assert.Equal(t, "postgres://env/ratings", f.url)
	})
}

func TestMigrateDown(t *testing.T) {
	t.Run("requires confirmation", func(t *testing.T) {
		f := &fakeMigrator{version: 2}
		_, _, err := execute(t, migratorDeps(f), "migrate", "down", testDatabaseFlag)
		errutil.AssertErrorCode(t, err, "CONFIRMATION_REQUIRED")
		assert.Empty(t, f.calls)
	})

	t.Run("rolls back with --yes", func(t *testing.T) {
		f := &fakeMigrator{version: 2}
		out, _, err := execute(t, migratorDeps(f), "migrate", "down", "--yes", testDatabaseFlag)
		require.NoError(t, err)
		assert.Equal(t, []string{"down"}, f.calls)
		assert.Contains(t, out, "rolled back")
	})
}

func TestMigrateVersion(t *testing.T) {
	tests := []struct {
		name    string
		version uint
		dirty   bool
		want    string
	}{
		{"fresh database", 0, false, "No migrations applied"},
		{"clean", 2, false, "Version 2 (000002_create_webauthn_credentials)"},
		{"dirty", 1, true, "dirty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeMigrator{version: tt.version, dirty: tt.dirty}
			out, _, err := execute(t, migratorDeps(f), "migrate", "version", testDatabaseFlag)
			require.NoError(t, err)
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestMigrateForce(t *testing.T) {
	t.Run("valid version", func(t *testing.T) {
		f := &fakeMigrator{}
		out, _, err := execute(t, migratorDeps(f), "migrate", "force", "1", testDatabaseFlag)
		require.NoError(t, err)
		assert.Equal(t, 1, f.forced)
		assert.Contains(t, out, "Forced version 1")
	})

	t.Run("non-numeric version", func(t *testing.T) {
		f := &fakeMigrator{}
		_, _, err := execute(t, migratorDeps(f), "migrate", "force", "abc", testDatabaseFlag)
		errutil.AssertErrorCode(t, err, "INVALID_VERSION")
		assert.Empty(t, f.calls)
	})

	t.Run("missing argument", func(t *testing.T) {
		_, _, err := execute(t, migratorDeps(&fakeMigrator{}), "migrate", "force", testDatabaseFlag)
		require.Error(t, err)
	})
}

func TestMigrateUpHelper(t *testing.T) {
	f := &fakeMigrator{pending: []uint{1, 2}}
	d := migratorDeps(f).withDefaults()
	require.NoError(t, migrateUp(d, "postgres://db/ratings", d.Logger))
	assert.Equal(t, uint(2), f.version)
	assert.True(t, f.closed)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

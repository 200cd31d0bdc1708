// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package main

import (
	"log/slog"
	"strconv"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/rating-tracker/authcore/internal/postgres"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long:  `Apply, roll back or inspect the users and webauthn_credentials schema.`,
	}

	withMigrator := func(run func(cmd *cobra.Command, m SchemaMigrator, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			url, err := databaseURL(cmd)
			if err != nil {
				return err
			}
			m, err := deps.withDefaults().NewMigrator(url)
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }() //nolint:errcheck // close error after the command result is not actionable
			return run(cmd, m, args)
		}
	}

	var yes bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back every migration, dropping all users and credentials",
		RunE: withMigrator(func(cmd *cobra.Command, m SchemaMigrator, _ []string) error {
			if !yes {
				return oops.Code("CONFIRMATION_REQUIRED").Errorf("refusing to drop the schema without --yes")
			}
			if err := m.Down(); err != nil {
				return err
			}
			cmd.Println("All migrations rolled back")
			return nil
		}),
	}
	down.Flags().BoolVar(&yes, "yes", false, "confirm the destructive rollback")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withMigrator(func(cmd *cobra.Command, m SchemaMigrator, _ []string) error {
				pending, err := m.Pending()
				if err != nil {
					return err
				}
				if len(pending) == 0 {
					cmd.Println("Schema is up to date")
					return nil
				}
				if err := m.Up(); err != nil {
					return err
				}
				for _, v := range pending {
					cmd.Printf("Applied %s\n", postgres.MigrationName(v))
				}
				return nil
			}),
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Show the applied schema version",
			RunE: withMigrator(func(cmd *cobra.Command, m SchemaMigrator, _ []string) error {
				v, dirty, err := m.Version()
				if err != nil {
					return err
				}
				switch {
				case v == 0:
					cmd.Println("No migrations applied")
				case dirty:
					cmd.Printf("Version %d (%s), dirty: run 'migrate force' after repairing\n", v, postgres.MigrationName(v))
				default:
					cmd.Printf("Version %d (%s)\n", v, postgres.MigrationName(v))
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Record a version as applied without running it",
			Args:  cobra.ExactArgs(1),
			RunE: withMigrator(func(cmd *cobra.Command, m SchemaMigrator, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return oops.Code("INVALID_VERSION").With("version", args[0]).Wrap(err)
				}
				if err := m.Force(v); err != nil {
					return err
				}
				cmd.Printf("Forced version %d\n", v)
				return nil
			}),
		},
	)
	return cmd
}

// migrateUp applies pending migrations during serve --auto-migrate.
func migrateUp(d *Deps, url string, logger *slog.Logger) error {
	m, err := d.NewMigrator(url)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }() //nolint:errcheck // close error does not undo applied migrations

	pending, err := m.Pending()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil {
		return err
	}
	if len(pending) > 0 {
		logger.Info("applied migrations", "versions", pending)
	}
	return nil
}

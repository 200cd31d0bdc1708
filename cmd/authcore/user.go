// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package main

import (
	"context"
	"strconv"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/rating-tracker/authcore/internal/access"
	"github.com/rating-tracker/authcore/internal/auth"
	"github.com/rating-tracker/authcore/internal/postgres"
)

// accessRightNames maps the names accepted by "user grant" to rights.
var accessRightNames = map[string]auth.AccessRights{
	"general": auth.GeneralAccess,
	"write":   auth.WriteStocksAccess,
	"admin":   auth.AdministrativeAccess,
	"full":    auth.FullAccess,
}

// parseAccessRights accepts a comma-separated list of names or a number.
func parseAccessRights(s string) (auth.AccessRights, error) {
	if n, err := strconv.ParseUint(s, 0, 8); err == nil {
		return auth.AccessRights(n), nil
	}
	var rights auth.AccessRights
	for _, name := range strings.Split(s, ",") {
		r, ok := accessRightNames[strings.TrimSpace(strings.ToLower(name))]
		if !ok {
			return 0, oops.Code(auth.CodeInvalidInput).With("right", name).
				Errorf("unknown access right %q (use general, write, admin, full or a number)", name)
		}
		rights |= r
	}
	return rights, nil
}

// NewUserCmd creates the user administration subcommand.
func NewUserCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Administer user accounts",
	}

	withGate := func(run func(ctx context.Context, cmd *cobra.Command, g *access.Gate, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			url, err := databaseURL(cmd)
			if err != nil {
				return err
			}
			d := deps.withDefaults()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			db, err := openDatabase(ctx, d, url)
			if err != nil {
				return oops.Code("DB_CONNECT_FAILED").Wrap(err)
			}
			defer db.Close()

			gate, err := access.NewGate(postgres.NewUserRepository(db), postgres.NewCredentialRepository(db),
				postgres.NewTransactor(db), access.WithLogger(d.Logger))
			if err != nil {
				return err
			}
			return run(access.WithSystemSubject(ctx), cmd, gate, args)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "activate <email>",
			Short: "Allow a user to sign in",
			Args:  cobra.ExactArgs(1),
			RunE: withGate(func(ctx context.Context, cmd *cobra.Command, g *access.Gate, args []string) error {
				if err := g.Activate(ctx, args[0]); err != nil {
					return err
				}
				cmd.Printf("Activated %s\n", args[0])
				return nil
			}),
		},
		&cobra.Command{
			Use:   "deactivate <email>",
			Short: "Prevent a user from signing in",
			Args:  cobra.ExactArgs(1),
			RunE: withGate(func(ctx context.Context, cmd *cobra.Command, g *access.Gate, args []string) error {
				if err := g.Deactivate(ctx, args[0]); err != nil {
					return err
				}
				cmd.Printf("Deactivated %s\n", args[0])
				return nil
			}),
		},
		&cobra.Command{
			Use:   "grant <email> <rights>",
			Short: "Replace a user's access rights",
			Long: `Replace a user's access rights. Rights are a comma-separated list of
general, write, admin and full, or a bitmask such as 0x03.`,
			Args: cobra.ExactArgs(2),
			RunE: withGate(func(ctx context.Context, cmd *cobra.Command, g *access.Gate, args []string) error {
				rights, err := parseAccessRights(args[1])
				if err != nil {
					return err
				}
				if err := g.SetAccessRights(ctx, args[0], rights); err != nil {
					return err
				}
				cmd.Printf("Set access rights of %s to %#02x\n", args[0], uint8(rights))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "delete <email>",
			Short: "Delete a user and its credential",
			Args:  cobra.ExactArgs(1),
			RunE: withGate(func(ctx context.Context, cmd *cobra.Command, g *access.Gate, args []string) error {
				if err := g.DeleteUser(ctx, args[0]); err != nil {
					return err
				}
				cmd.Printf("Deleted %s\n", args[0])
				return nil
			}),
		},
	)
	return cmd
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/rating-tracker/authcore/internal/config"
)

// configFile is the --config flag shared by every subcommand.
var configFile string

// NewRootCmd creates the root command for the authcore CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(nil)
}

func newRootCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authcore",
		Short: "Passkey authentication service for Rating Tracker",
		Long: `authcore runs the WebAuthn registration and sign-in ceremonies,
issues sliding sessions and administers user accounts.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd(deps))
	cmd.AddCommand(NewMigrateCmd(deps))
	cmd.AddCommand(NewUserCmd(deps))
	cmd.AddCommand(NewConfigCmd())
	cmd.AddCommand(NewStatusCmd())

	return cmd
}

// loadConfig reads the validated configuration for cmd, honoring --config
// and the persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(config.LoadOptions{Path: configFile, Flags: cmd.Flags()})
}

// databaseURL reads only database.url, for commands that need nothing else.
func databaseURL(cmd *cobra.Command) (string, error) {
	cfg, err := config.Load(config.LoadOptions{Path: configFile, Flags: cmd.Flags(), SkipValidation: true})
	if err != nil {
		return "", err
	}
	if cfg.Database.URL == "" {
		return "", oops.Code("CONFIG_INVALID").Errorf("database.url is required (set DATABASE_URL or --database-url)")
	}
	return cfg.Database.URL, nil
}

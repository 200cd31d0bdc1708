// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rating Tracker Contributors

package main

import (
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/rating-tracker/authcore/internal/config"
)

// NewConfigCmd creates the config subcommand.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and check configuration files",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON Schema of the config file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				schema, err := config.GenerateSchema()
				if err != nil {
					return err
				}
				cmd.Println(string(schema))
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate <file>",
			Short: "Check a config file against the schema and the semantic rules",
			Long: `Check a config file. The schema check runs on the file alone; the
semantic checks run on the file merged with the environment and flags.`,
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := args[0]
				data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
				if err != nil {
					return oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
				}
				if err := config.ValidateFile(data); err != nil {
					return err
				}
				if _, err := config.Load(config.LoadOptions{Path: path, Flags: cmd.Flags()}); err != nil {
					return err
				}
				cmd.Printf("%s is valid\n", path)
				return nil
			},
		},
	)
	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"scriptforge/backend/internal/repository"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	migrateCmd.AddCommand(newMigrateUpCommand(ctx))
	migrateCmd.AddCommand(newMigrateDownCommand(ctx))
	migrateCmd.AddCommand(newMigrateVersionCommand(ctx))
	return migrateCmd
}

func withMigrator(cmd *cobra.Command, ctx *commandContext, fn func(*repository.Migrator) error) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	g, err := repository.OpenMigrator(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer g.Close()
	return fn(g)
}

func newMigrateUpCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, ctx, func(g *repository.Migrator) error {
				if err := g.Up(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			})
		},
	}
}

func newMigrateDownCommand(ctx *commandContext) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, ctx, func(g *repository.Migrator) error {
				return g.Down(steps)
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back (0 rolls back all)")
	return cmd
}

func newMigrateVersionCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, ctx, func(g *repository.Migrator) error {
				version, dirty, ok, err := g.Version()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				switch {
				case !ok:
					fmt.Fprintln(out, "no migrations applied")
				case dirty:
					fmt.Fprintf(out, "%d (dirty)\n", version)
				default:
					fmt.Fprintln(out, version)
				}
				return nil
			})
		},
	}
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"scriptforge/backend/internal/auth"
	"scriptforge/backend/internal/config"
	"scriptforge/backend/internal/logging"
	"scriptforge/backend/internal/repository"
	"scriptforge/backend/internal/services"
)

type seedScript struct {
	first    services.VersionInput
	revision services.VersionInput
}

var seedScripts = []seedScript{
	{
		first: services.VersionInput{
			Title:       "Why Sourdough Needs Patience",
			Hook:        "Your starter is smarter than you think.",
			Description: "A short explainer on wild yeast fermentation.",
			Content:     "Every loaf of sourdough starts weeks before you bake it. The starter is a living culture of wild yeast and bacteria.",
			Tags:        []string{"baking", "science"},
		},
		revision: services.VersionInput{
			Title:         "Why Sourdough Needs Patience",
			Hook:          "Your starter is smarter than you think.",
			Description:   "A short explainer on wild yeast fermentation.",
			Content:       "Every loaf of sourdough starts weeks before you bake it. The starter is a living culture of wild yeast and bacteria that you feed, wait on, and learn to read.",
			Tags:          []string{"baking", "science", "shorts"},
			ChangeSummary: "Tightened the ending",
		},
	},
	{
		first: services.VersionInput{
			Title:       "Three Git Habits That Save Hours",
			Hook:        "Stop losing work to a bad rebase.",
			Description: "Practical git workflow tips for small teams.",
			Content:     "Commit small. Rebase before you push. Read the diff before you commit it.",
			Tags:        []string{"git", "programming"},
		},
	},
}

func main() {
	var envFile string
	cmd := &cobra.Command{
		Use:           "seed",
		Short:         "Seed the database with a dev user and sample scripts",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), envFile)
		},
	}
	cmd.Flags().StringVar(&envFile, "env", "", "Path to .env file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envFile string) error {
	cfg, err := config.LoadConfig(envFile)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	repo, err := repository.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()

	// 1. Ensure the dev user exists
	user, err := services.NewUserService(repo).Resolve(ctx, auth.DevEmail, "Local Developer")
	if err != nil {
		return fmt.Errorf("resolve dev user: %w", err)
	}
	logger.Info("Using dev user", "id", user.ID, "email", user.Email)

	// 2. Skip scripts that were seeded before
	versions := services.NewVersionService(repo)
	existing, err := versions.ListScripts(ctx, user.ID, services.MaxVersionLimit)
	if err != nil {
		return fmt.Errorf("list existing scripts: %w", err)
	}
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[s.Title] = true
	}

	// 3. Create scripts and their revisions
	for _, s := range seedScripts {
		if seen[s.first.Title] {
			logger.Info("Skipping existing script", "title", s.first.Title)
			continue
		}
		script, first, err := versions.CreateScript(ctx, user.ID, s.first)
		if err != nil {
			return fmt.Errorf("create script %q: %w", s.first.Title, err)
		}
		logger.Info("Seeded script", "title", script.Title, "id", script.ID)

		if s.revision.Content == "" {
			continue
		}
		s.revision.BaseVersionID = first.ID
		if _, err := versions.SaveAsVersion(ctx, script.ID, user.ID, s.revision); err != nil {
			return fmt.Errorf("save revision of %q: %w", s.first.Title, err)
		}
	}

	logger.Info("Seeding complete")
	return nil
}

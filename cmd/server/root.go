package main

import (
	"os"
	"sync"

	"github.com/spf13/cobra"

	"scriptforge/backend/internal/config"
	"scriptforge/backend/internal/logging"
)

type commandContext struct {
	envFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.LoadConfig(*c.envFlag)
	})
	return c.config, c.configErr
}

func (c *commandContext) logger(cfg *config.Config) *logging.Logger {
	return logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
}

func newRootCommand() *cobra.Command {
	var envFlag string
	ctx := &commandContext{envFlag: &envFlag}

	rootCmd := &cobra.Command{
		Use:           "scriptforge",
		Short:         "Script generation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), ctx)
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFlag, "env", "", "Path to .env file")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	return rootCmd
}

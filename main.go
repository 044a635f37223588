package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"reelflow/internal/config"
	"reelflow/internal/logging"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is the configuration and logger shared by every subcommand, filled in
// before any of them runs.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:           "reelflow",
		Short:         "Short-form video ingestion service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			e.cfg = config.Load()
			logger, err := logging.New(e.cfg.AppEnv)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			e.logger = logger
			if !e.cfg.EnvFileLoaded {
				logger.Debug("no .env file found, reading from environment")
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.logger != nil {
				_ = e.logger.Sync()
			}
		},
	}

	root.AddCommand(
		newServeCmd(e),
		newPublishCmd(e),
		newProbeCmd(e),
		newCopyCmd(e),
		newDeleteCmd(e),
	)
	return root
}

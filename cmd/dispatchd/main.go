package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/go-tick/dispatch/internal/config"
	"github.com/go-tick/dispatch/internal/logger"
)

type rootOptions struct {
	configPath string
	cfg        *config.Config
	logger     *zap.SugaredLogger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "dispatchd",
		Short: "Distributed job scheduler worker and job management",
		Long: `dispatchd runs scheduler workers against a shared job store and manages
the jobs they run.

Any number of workers may share one store. A job fires on at most one worker
at a time; workers coordinate only through leases in the store or in Redis.

Examples:
  dispatchd serve --config /etc/dispatch.yaml
  dispatchd add --id nightly --trigger cron --trigger-arg hour=2 --function builtin.log
  dispatchd list
  dispatchd remove all`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}

			log, err := logger.New(cfg.Log.Level, cfg.Log.JSON)
			if err != nil {
				return err
			}

			opts.cfg = cfg
			opts.logger = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file (DISPATCH_* variables override it)")

	cmd.AddCommand(
		newServeCmd(opts),
		newAddCmd(opts),
		newRemoveCmd(opts),
		newUpdateCmd(opts),
		newListCmd(opts),
		newPauseCmd(opts),
		newResumeCmd(opts),
		newEventsCmd(opts),
	)

	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

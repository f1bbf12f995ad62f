package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mkarls/tmux-sentry/internal/bus"
	"github.com/mkarls/tmux-sentry/internal/config"
	"github.com/mkarls/tmux-sentry/internal/notify"
	"github.com/mkarls/tmux-sentry/internal/orchestrator"
	"github.com/mkarls/tmux-sentry/internal/state"
)

func newOrchestrateCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "orchestrate <advisor-config.toml>",
		Short: "Run the advisor orchestrator loop",
		Long: `Run the orchestrator: periodically feed each registered agent
session's log tail to the decision CLI and enact its advice as bus
commands and notifications.

Examples:
  sentry orchestrate advisor.toml
  sentry orchestrate advisor.toml --once`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ocfg, err := config.LoadOrchestrator(args[0])
			if err != nil {
				return err
			}

			store, err := state.Open(cfg.SQLitePath)
			if err != nil {
				return err
			}
			defer store.Close()

			eventBus, err := bus.Open(cfg.BusDir)
			if err != nil {
				return err
			}
			sinks, err := notify.BuildSinks(cfg.NotifySinks(), eventBus)
			if err != nil {
				return err
			}

			o, err := orchestrator.New(ocfg, store, eventBus, notify.New(sinks...))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if once {
				o.Cycle(ctx)
				return nil
			}
			err = o.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single advisor cycle and exit")
	return cmd
}

package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mkarls/tmux-sentry/internal/supervisor"
)

func newRunCmd() *cobra.Command {
	var (
		dryRun         bool
		once           bool
		approvalSecret string
		publicBaseURL  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor loop",
		Long: `Run the supervisor: observe configured tmux hosts, evaluate pane
output against the policy, dispatch actions, and surface approvals.

The policy file is hot-reloaded on change. SIGINT and SIGTERM stop the
loop at the next tick boundary.

Examples:
  sentry run --policy policy.yaml
  sentry run --once --dry-run          # One evaluation pass, log-only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if approvalSecret != "" {
				cfg.ApprovalSecret = approvalSecret
			}
			if publicBaseURL != "" {
				cfg.PublicBaseURL = publicBaseURL
			}

			s, err := supervisor.New(cfg, policyFile, supervisor.Options{
				DryRun: dryRun,
				Once:   once,
			})
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return s.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log actions instead of dispatching them")
	cmd.Flags().BoolVar(&once, "once", false, "run a single tick and exit")
	cmd.Flags().StringVar(&approvalSecret, "approval-secret", "", "HMAC secret for approval tokens (env APPROVAL_SECRET)")
	cmd.Flags().StringVar(&publicBaseURL, "public-base-url", "", "base URL for approval links (env PUBLIC_BASE_URL)")
	return cmd
}

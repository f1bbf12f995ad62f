package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkarls/tmux-sentry/internal/approval"
	"github.com/mkarls/tmux-sentry/internal/state"
)

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <token> <approve|reject>",
		Short: "Resolve an approval token and record the decision",
		Long: `Verify a signed approval token and drop the matching decision file
where the supervisor will pick it up on its next tick. This is what an
approval link handler calls server-side.

Examples:
  sentry resolve eyJob3N0... approve`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, decision := args[0], args[1]
			if decision != "approve" && decision != "reject" {
				return fmt.Errorf("decision must be approve or reject, got %q", decision)
			}
			if cfg.ApprovalSecret == "" {
				return fmt.Errorf("no approval secret configured (flag --approval-secret on run, env APPROVAL_SECRET)")
			}

			store, err := state.Open(cfg.SQLitePath)
			if err != nil {
				return err
			}
			defer store.Close()

			issuer := approval.NewIssuer(store, cfg.ApprovalSecret, cfg.PublicBaseURL, approval.DefaultTokenTTL)
			host, paneID, stage, err := issuer.Resolve(token)
			if err != nil {
				return err
			}

			mgr := approval.NewManager(cfg.ApprovalDir)
			if err := mgr.Drop(host, paneID, stage, decision); err != nil {
				return err
			}
			fmt.Printf("Recorded %s for %s/%s stage %s\n", decision, host, paneID, stage)
			return nil
		},
	}
}

// Package cli wires the sentry command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mkarls/tmux-sentry/internal/config"
)

var (
	cfgFile    string
	policyFile string
	logLevel   string
	cfg        *config.Config

	Version = "dev" // Set by goreleaser
)

var rootCmd = &cobra.Command{
	Use:   "sentry",
	Short: "Autonomous tmux supervisor for AI coding agents",
	Long: `Sentry watches tmux panes running AI coding agents, evaluates their
output against a YAML policy, and drives them forward: sending keys,
running shell hooks, and pausing for human approval where the policy
demands it.

Quick Start:
  sentry run --policy policy.yaml          # Start the supervisor loop
  sentry run --once --dry-run              # Evaluate one tick, no side effects
  sentry orchestrate advisor.toml          # Start the advisor loop
  sentry resolve <token> approve           # Resolve an approval link token`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "completion" {
			return nil
		}
		setupLogging()

		var err error
		if cfgFile != "" {
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return err
			}
		} else {
			cfg = config.Default()
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&policyFile, "policy", "policy.yaml", "policy document")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default info, env LOG_LEVEL)")

	rootCmd.AddCommand(
		newRunCmd(),
		newOrchestrateCmd(),
		newResolveCmd(),
		newVersionCmd(),
	)
}

func setupLogging() {
	level := logLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sentry version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("sentry", Version)
		},
	}
}

package cli

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	envFile string
}

// NewRootCommand assembles the tradegate command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "tradegate",
		Short: "Command authorization and execution control plane for algo trading",
		Long: `Tradegate sits between every command source (dashboard, scheduler, assistant)
and the broker. Commands are rate limited, checked against the risk policy and
the mode gate, previewed, confirmed and audited before anything is executed.

Examples:
  tradegate serve
  tradegate token --role scheduler --subject nightly-scan
  tradegate reconcile
  tradegate audit --limit 20`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	cmd.AddCommand(
		newServeCmd(opts),
		newTokenCmd(opts),
		newReconcileCmd(opts),
		newAuditCmd(opts),
		newKeygenCmd(),
	)
	return cmd
}

// Execute runs the root command against os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

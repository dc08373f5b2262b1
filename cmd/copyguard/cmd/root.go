package cmd

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "copyguard",
	Short: "Approval and execution gate for copy-trading intents",
	Long: `CopyGuard decides whether a proposed trade copied from a followed trader
may be executed for the copy account, executes it (simulated by default),
and keeps the account's positions and realized PnL.

Every intent passes the validation firewall, then the risk kernel, then the
executor and the position ledger. Rejections are outcomes, recorded and
notified like fills.

Commands:
  serve        run the HTTP/gRPC API and NATS intent consumer
  submit       process a JSON-lines file of intents
  positions    list open or closed positions
  account      show capital, daily and total realized PnL
  kill-switch  engage, clear or inspect the kill switch
  reconcile    resolve execution attempts left pending by a crash
  audit        verify the audit hash chain and ledger invariants`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
}

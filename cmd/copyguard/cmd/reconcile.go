package cmd

import (
	"CopyGuard/internal/execution"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	abandonNote   string
	resolveResult string
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Resolve execution attempts left pending by a crash",
	Long: `An attempt is written before every executor call. One still pending after
a restart means the venue may hold an order the ledger never saw. Check the
venue, then either resolve it with the venue's result or abandon it.`,
}

var reconcileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending attempts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withLedger(cmd, func(a *app) error {
			attempts, err := a.ledger.PendingAttempts(cmd.Context())
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetTitle("PENDING ATTEMPTS")
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"Intent", "Market", "Outcome", "Side", "Amount", "Quantity", "Mode", "Started"})
			for _, at := range attempts {
				t.AppendRow(table.Row{
					at.Intent.ID(), at.Intent.MarketID(), at.Intent.Outcome(), at.Intent.Side(),
					at.Order.Amount.String(), at.Order.Quantity.String(), at.Mode,
					at.StartedAt.UTC().Format("2006-01-02 15:04:05"),
				})
			}
			t.Render()
			return nil
		})
	},
}

var reconcileAbandonCmd = &cobra.Command{
	Use:   "abandon <intent-id>",
	Short: "Close a pending attempt that never reached the venue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(a *app) error {
			upd, err := a.ledger.AbandonAttempt(cmd.Context(), args[0], abandonNote)
			if err != nil {
				return err
			}
			a.logger.Warn().Str("intent_id", args[0]).Str("note", abandonNote).Msg("attempt abandoned")
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], upd.Kind)
			return nil
		})
	},
}

var reconcileResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Record the venue's result for a pending attempt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		data, err := os.ReadFile(resolveResult)
		if err != nil {
			return fmt.Errorf("read result: %w", err)
		}
		var res execution.Result
		if err := json.Unmarshal(data, &res); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		return withLedger(cmd, func(a *app) error {
			upd, err := a.ledger.Reconcile(cmd.Context(), res)
			if err != nil {
				return err
			}
			a.logger.Info().
				Str("intent_id", res.IntentID()).
				Str("execution_id", res.ExecutionID()).
				Str("ledger_update", upd.Kind.String()).
				Msg("attempt reconciled")
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (realized %s)\n", res.IntentID(), upd.Kind, upd.RealizedPnL)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.AddCommand(reconcileListCmd, reconcileAbandonCmd, reconcileResolveCmd)
	reconcileAbandonCmd.Flags().StringVar(&abandonNote, "note", "", "why the attempt is being abandoned")
	reconcileAbandonCmd.MarkFlagRequired("note")
	reconcileResolveCmd.Flags().StringVar(&resolveResult, "result", "", "JSON file holding the execution result")
	reconcileResolveCmd.MarkFlagRequired("result")
}

package cmd

import (
	"CopyGuard/internal/ledger"
	"CopyGuard/internal/storage"
	"encoding/hex"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check the audit chain and ledger, or show one intent's trail",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute the audit hash chain and check ledger invariants",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withLedger(cmd, func(a *app) error {
			ctx := cmd.Context()
			n, err := storage.NewAuditLog(a.db).VerifyChain(ctx)
			if err != nil {
				return fmt.Errorf("audit chain: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "audit chain ok: %d records\n", n)

			if err := ledger.NewInvariantValidator(a.ledger).ValidateAll(ctx); err != nil {
				return fmt.Errorf("ledger invariants: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ledger invariants ok")
			return nil
		})
	},
}

var auditShowCmd = &cobra.Command{
	Use:   "show <intent-id>",
	Short: "Print the audit records for one intent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(a *app) error {
			recs, err := storage.NewAuditLog(a.db).ForIntent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				return fmt.Errorf("no audit records for intent %s", args[0])
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetTitle("AUDIT " + args[0])
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"Seq", "Stage", "Recorded", "Hash"})
			for _, r := range recs {
				t.AppendRow(table.Row{r.Seq, r.Stage, r.CreatedAt.UTC().Format("2006-01-02 15:04:05"), hex.EncodeToString(r.Hash[:8])})
			}
			t.Render()
			for _, r := range recs {
				fmt.Fprintf(cmd.OutOrStdout(), "#%d %s\n", r.Seq, r.Payload)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd, auditShowCmd)
}

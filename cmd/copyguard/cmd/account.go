package cmd

import (
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Show capital, realized PnL and kill switch state",
	Args:  cobra.NoArgs,
	RunE:  runAccount,
}

func init() {
	rootCmd.AddCommand(accountCmd)
}

func runAccount(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, "account", nil)
	if err != nil {
		return err
	}
	defer a.Close()

	asOf := time.Now().UTC()
	st, err := a.ledger.AccountState(ctx, asOf)
	if err != nil {
		return err
	}
	limits, err := a.cfg.Limits()
	if err != nil {
		return err
	}

	kill := "off"
	if st.KillSwitch.Active {
		kill = "ON (" + st.KillSwitch.Cause.String() + ")"
	}
	dailyStop := st.StartingCapital.Mul(limits.DailyStopPct)

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetTitle("COPY ACCOUNT " + asOf.Format("2006-01-02 15:04 MST"))
	t.SetStyle(table.StyleRounded)
	t.AppendRows([]table.Row{
		{"Starting capital", st.StartingCapital.StringFixed(2)},
		{"Current capital", st.CurrentCapital.StringFixed(2)},
		{"Realized today", st.DailyRealized.StringFixed(2)},
		{"Daily stop at", dailyStop.StringFixed(2)},
		{"Realized total", st.TotalRealized.StringFixed(2)},
		{"Open positions", st.OpenPositions},
		{"Max positions", limits.MaxPositions},
		{"Kill switch", kill},
	})
	t.Render()
	return nil
}

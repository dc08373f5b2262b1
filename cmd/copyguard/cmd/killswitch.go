package cmd

import (
	"CopyGuard/internal/risk"
	"fmt"

	"github.com/spf13/cobra"
)

var killNote string

var killSwitchCmd = &cobra.Command{
	Use:   "kill-switch",
	Short: "Inspect or toggle the persisted kill switch",
}

var killSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Engage the manual kill switch; every new intent is rejected",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withLedger(cmd, func(a *app) error {
			if err := a.ledger.SetKillSwitch(cmd.Context(), risk.KillCauseManual, killNote); err != nil {
				return err
			}
			return printKillSwitch(cmd, a)
		})
	},
}

var killClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Release the kill switch, including a hard-kill latch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withLedger(cmd, func(a *app) error {
			if err := a.ledger.ClearKillSwitch(cmd.Context(), killNote); err != nil {
				return err
			}
			a.logger.Warn().Str("note", killNote).Msg("kill switch cleared by operator")
			return printKillSwitch(cmd, a)
		})
	},
}

var killStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the kill switch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withLedger(cmd, func(a *app) error { return printKillSwitch(cmd, a) })
	},
}

func init() {
	rootCmd.AddCommand(killSwitchCmd)
	killSwitchCmd.AddCommand(killSetCmd, killClearCmd, killStatusCmd)
	killSetCmd.Flags().StringVar(&killNote, "note", "", "reason recorded with the change")
	killClearCmd.Flags().StringVar(&killNote, "note", "", "reason recorded with the change")
}

func withLedger(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := openApp(cmd.Context(), cmd.Name(), nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printKillSwitch(cmd *cobra.Command, a *app) error {
	ks, err := a.ledger.KillSwitch(cmd.Context())
	if err != nil {
		return err
	}
	if !ks.Active {
		fmt.Fprintln(cmd.OutOrStdout(), "kill switch: off")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "kill switch: ON (%s)\n", ks.Cause)
	return nil
}

package cmd

import (
	"CopyGuard/internal/ledger"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var (
	positionsClosed bool
	positionsLimit  int
)

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "List open positions, or recently closed ones with --closed",
	Args:  cobra.NoArgs,
	RunE:  runPositions,
}

func init() {
	rootCmd.AddCommand(positionsCmd)
	positionsCmd.Flags().BoolVar(&positionsClosed, "closed", false, "list closed positions")
	positionsCmd.Flags().IntVar(&positionsLimit, "limit", 50, "closed positions to list")
}

func runPositions(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, "positions", nil)
	if err != nil {
		return err
	}
	defer a.Close()

	var ps []ledger.Position
	title := "OPEN POSITIONS"
	if positionsClosed {
		title = "CLOSED POSITIONS"
		ps, err = a.ledger.ClosedPositions(ctx, positionsLimit)
	} else {
		ps, err = a.ledger.OpenPositions(ctx)
	}
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Market", "Outcome", "Quantity", "Entry", "Cost", "Realized", "Opened", "Closed"})
	for _, p := range ps {
		closed := ""
		if !p.IsOpen() {
			closed = p.ClosedAt.UTC().Format("2006-01-02 15:04")
		}
		t.AppendRow(table.Row{
			p.MarketID, p.Outcome,
			p.Quantity.StringFixed(4), p.EntryPrice.StringFixed(4),
			p.CostBasis.StringFixed(2), p.RealizedPnL.StringFixed(2),
			p.OpenedAt.UTC().Format("2006-01-02 15:04"), closed,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "Count", len(ps)})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	t.Render()
	return nil
}

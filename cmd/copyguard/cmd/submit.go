package cmd

import (
	"CopyGuard/internal/ingestion"
	"CopyGuard/internal/notify"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var submitFile string

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Process a JSON-lines file of intents, in order",
	Long: `Process a JSON-lines file of intents through the full pipeline, one at a
time and in file order. Use --file - to read standard input.

Example:
  copyguard submit --file intents.jsonl`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "JSON-lines intents file, or - for stdin")
	submitCmd.MarkFlagRequired("file")
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, "submit", nil)
	if err != nil {
		return err
	}
	defer a.Close()

	var r io.Reader = os.Stdin
	if submitFile != "-" {
		f, err := os.Open(submitFile)
		if err != nil {
			return fmt.Errorf("open intents: %w", err)
		}
		defer f.Close()
		r = f
	}

	auditWorker, stopAudit := a.startAudit()
	defer stopAudit()

	p, err := a.buildPipeline(ctx, notify.NewLogNotifier(a.componentLogger("notify")), auditWorker)
	if err != nil {
		return err
	}

	sum, runErr := ingestion.ReadFile(ctx, r, p, a.componentLogger("ingestion"))

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetTitle(fmt.Sprintf("SUBMIT (%s)", p.Mode()))
	t.SetStyle(table.StyleRounded)
	t.AppendRows([]table.Row{
		{"Lines read", sum.Lines},
		{"Malformed", sum.Malformed},
		{"Processed", sum.Processed},
		{"Failed", sum.Failed},
	})
	t.AppendSeparator()
	for _, stage := range slices.Sorted(maps.Keys(sum.ByStage)) {
		t.AppendRow(table.Row{stage, sum.ByStage[stage]})
	}
	t.Render()

	return runErr
}

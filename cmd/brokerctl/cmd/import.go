package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/brokersync/internal/app"
)

var importCmd = &cobra.Command{
	Use:   "import <connection-id> <file.csv>",
	Short: "Import a broker CSV export into a connection",
	Long: `Detects the export layout (MT4, MT5, cTrader, Tradovate or the generic
symbol/side/pnl layout), reconciles every row and recomputes the affected
daily stats. Re-importing the same file changes nothing.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid connection id: %w", err)
		}
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()

		return withEngine(cmd.Context(), func(_ *app.Dependencies, e *app.Engine) error {
			res, err := e.Ingest.ImportCSV(cmd.Context(), id, filepath.Base(args[1]), f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "format   %s\n", res.Format)
			fmt.Fprintf(out, "rows     %d (skipped %d)\n", res.Rows, res.Skipped)
			if res.Archive != "" {
				fmt.Fprintf(out, "archive  %s\n", res.Archive)
			}
			printLog(cmd, res.Log)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}

package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/brokersync/internal/app"
	"github.com/alanyoungcy/brokersync/internal/domain"
)

var (
	statsFrom      string
	statsTo        string
	statsRecompute bool
)

var statsCmd = &cobra.Command{
	Use:   "stats <connection-id>",
	Short: "Print a connection's daily P&L",
	Long: `Prints the stored daily stats between --from and --to (inclusive,
YYYY-MM-DD, default the last 30 days). With --recompute every date in the
range is first rebuilt from the stored trades.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid connection id: %w", err)
		}
		from, to, err := statsRange(time.Now().UTC())
		if err != nil {
			return err
		}

		return withEngine(cmd.Context(), func(deps *app.Dependencies, e *app.Engine) error {
			ctx := cmd.Context()
			if statsRecompute {
				conn, err := deps.Store.Connections().GetByID(ctx, id)
				if err != nil {
					return err
				}
				n, err := e.Stats.RecomputeRange(ctx, conn, from, to)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "recomputed %d day(s)\n", n)
			}

			stats, err := e.Stats.List(ctx, id, from, to)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintln(tw, "DATE\tPNL\tTRADES\tWINS\tLOSSES\tVOLUME\t")
			var total float64
			for _, s := range stats {
				total += s.TotalPnL
				fmt.Fprintf(tw, "%s\t%.2f\t%d\t%d\t%d\t%.2f\t\n",
					s.Date.Format(domain.DateLayout), s.TotalPnL, s.TradeCount, s.WinningTrades, s.LosingTrades, s.Volume)
			}
			fmt.Fprintf(tw, "TOTAL\t%.2f\t\t\t\t\t\n", total)
			return tw.Flush()
		})
	},
}

func statsRange(now time.Time) (time.Time, time.Time, error) {
	to := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if statsTo != "" {
		t, err := time.Parse(domain.DateLayout, statsTo)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--to: %w", err)
		}
		to = t
	}
	from := to.AddDate(0, 0, -29)
	if statsFrom != "" {
		f, err := time.Parse(domain.DateLayout, statsFrom)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--from: %w", err)
		}
		from = f
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to %s is before --from %s", to.Format(domain.DateLayout), from.Format(domain.DateLayout))
	}
	return from, to, nil
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVar(&statsFrom, "from", "", "first date, YYYY-MM-DD")
	statsCmd.Flags().StringVar(&statsTo, "to", "", "last date, YYYY-MM-DD")
	statsCmd.Flags().BoolVar(&statsRecompute, "recompute", false, "rebuild the range from stored trades first")
}

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/spendwatch/internal/cli"
	"github.com/theirongolddev/spendwatch/internal/rollup"
)

var (
	flagHistoryDays     int
	flagHistoryProvider string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Daily spend over the last N days",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&flagHistoryDays, "days", "n", 7, "Number of days")
	historyCmd.Flags().StringVarP(&flagHistoryProvider, "provider", "p", "", "Limit to one provider")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(_ *cobra.Command, _ []string) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	from, to := rollup.Window(time.Now(), flagHistoryDays)
	rows, err := st.Rollups(ctx, flagHistoryProvider, from, to)
	if err != nil {
		return fmt.Errorf("loading rollups: %w", err)
	}
	days := rollup.Days(rows, from, to)
	totals := rollup.Sum(days)

	title := fmt.Sprintf("DAILY SPEND  Last %dd", len(days))
	if flagHistoryProvider != "" {
		title += "  " + flagHistoryProvider
	}
	fmt.Println()
	fmt.Println(cli.RenderTitle(title))
	fmt.Println()

	table := make([][]string, 0, len(days)+2)
	trend := make([]float64, len(days))
	for i, d := range days {
		table = append(table, []string{
			d.Date.Format("2006-01-02"),
			d.Date.Weekday().String()[:3],
			cli.FormatNumber(d.RequestCount),
			cli.FormatTokens(d.TotalTokens),
			cli.FormatCost(d.TotalCost),
		})
		// Oldest first for the sparkline.
		trend[len(days)-1-i] = d.TotalCost
	}
	table = append(table, []string{"---"}, []string{
		"Total", "",
		cli.FormatNumber(totals.RequestCount),
		cli.FormatTokens(totals.TotalTokens),
		cli.FormatCost(totals.TotalCost),
	})

	fmt.Print(cli.RenderTable(cli.Table{
		Headers: []string{"Date", "Day", "Requests", "Tokens", "Cost"},
		Rows:    table,
	}))
	fmt.Printf("  Trend %s  %s/day\n", cli.RenderSparkline(trend), cli.FormatCost(totals.CostPerDay))

	providers := rollup.ByProvider(rows)
	if flagHistoryProvider != "" || len(providers) == 0 {
		return nil
	}
	fmt.Println()
	prow := make([][]string, 0, len(providers))
	for _, p := range providers {
		prow = append(prow, []string{
			p.ProviderID,
			cli.FormatTokens(p.TotalTokens),
			cli.FormatCost(p.TotalCost),
			cli.FormatPercent(p.CostShare),
		})
	}
	fmt.Print(cli.RenderTable(cli.Table{
		Title:   "By provider",
		Headers: []string{"Provider", "Tokens", "Cost", "Share"},
		Rows:    prow,
	}))
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/spendwatch/internal/cli"
	"github.com/theirongolddev/spendwatch/internal/daemon"
	"github.com/theirongolddev/spendwatch/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show every provider's latest spend and health",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	now := time.Now()

	if addr, ok := daemonAddr(cfg); ok {
		st, err := fetchDaemonStatus(addr)
		if err == nil {
			renderLiveStatus(st, now)
			return nil
		}
		progress("  Daemon at %s %v, reading the database instead\n", addr, err)
	}
	return renderStoredStatus(now)
}

func renderLiveStatus(st *daemon.Status, now time.Time) {
	fmt.Println()
	fmt.Println(cli.RenderTitle("SPENDWATCH STATUS  live"))
	fmt.Println()

	rows := make([][]string, 0, len(st.Providers)+2)
	var total float64
	for _, p := range st.Providers {
		cost, tokens, limit := "-", "-", "-"
		if p.Snapshot != nil {
			cost = cli.FormatCost(p.Snapshot.CostToDate)
			tokens = cli.FormatTokens(p.Snapshot.TokenCount)
			limit = cli.FormatOptionalCost(p.Snapshot.CreditRemaining)
			total += p.Snapshot.CostToDate
		}
		next := "-"
		if !p.Status.NextAttempt.IsZero() {
			next = cli.FormatRelative(p.Status.NextAttempt, now)
		}
		rows = append(rows, []string{
			p.ProviderID,
			cli.StatusBadge(p.Status.Status),
			cost,
			tokens,
			limit,
			cli.FormatRelative(p.Status.LastSuccess, now),
			next,
		})
	}
	rows = append(rows, []string{"---"}, []string{"Total", "", cli.FormatCost(total)})

	fmt.Print(cli.RenderTable(cli.Table{
		Headers: []string{"Provider", "Status", "Cost", "Tokens", "Remaining", "Updated", "Next poll"},
		Rows:    rows,
	}))

	for _, p := range st.Providers {
		if p.Status.LastError != "" {
			fmt.Printf("  %s: %s\n", p.ProviderID, p.Status.LastError)
		}
	}
	for _, s := range st.Sessions {
		fmt.Println()
		renderSession(s, now)
	}
}

func renderStoredStatus(now time.Time) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	latest, err := st.LatestSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("loading snapshots: %w", err)
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle("SPENDWATCH STATUS  from database"))
	fmt.Println()

	if len(latest) == 0 {
		fmt.Println("  No provider snapshots yet. Start the daemon with `spendwatch daemon`.")
	} else {
		ids := make([]string, 0, len(latest))
		for id := range latest {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		rows := make([][]string, 0, len(ids))
		for _, id := range ids {
			snap := latest[id]
			rows = append(rows, []string{
				id,
				cli.StatusBadge(snap.Status),
				cli.FormatCost(snap.CostToDate),
				cli.FormatOptionalCost(snap.CreditRemaining),
				cli.FormatRelative(snap.FetchedAt, now),
			})
		}
		fmt.Print(cli.RenderTable(cli.Table{
			Headers: []string{"Provider", "Status", "Cost", "Remaining", "Fetched"},
			Rows:    rows,
		}))
	}

	return renderStoredSession(ctx, st, now)
}

func renderSession(s daemon.SessionView, now time.Time) {
	fmt.Printf("  %s session %s  %s - %s (%s left)\n",
		s.ProviderID,
		s.State,
		s.StartedAt.Local().Format("15:04"),
		s.EndsAt.Local().Format("15:04"),
		cli.FormatDuration(s.EndsAt.Sub(now)),
	)

	p := s.Prediction
	if p == nil {
		fmt.Printf("  %s tokens, %s\n", cli.FormatTokens(s.TotalTokens), cli.FormatCost(s.TotalCostUSD))
		return
	}
	if p.Budget > 0 {
		fmt.Printf("  %s\n", cli.RenderProgressBar(p.TokensUsed, p.Budget, 30))
	}
	fmt.Printf("  Burn rate: %.0f tok/min, %s/h  Projection: %s (%s tokens)\n",
		p.TokensPerMinute,
		cli.FormatCost(p.CostPerHour),
		cli.ProjectionBadge(p.Status),
		cli.FormatTokens(p.ProjectedTokens),
	)
	if p.ExhaustsAt != nil {
		fmt.Printf("  Budget runs out %s (%s)\n",
			cli.FormatRelative(*p.ExhaustsAt, now),
			p.ExhaustsAt.Local().Format("15:04"))
	}
}

func sessionRows(models map[string]model.ModelTotals) [][]string {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return models[names[i]].CostUSD > models[names[j]].CostUSD
	})

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		mt := models[name]
		cost := cli.FormatCost(mt.CostUSD)
		if mt.Unpriced {
			cost += "*"
		}
		rows = append(rows, []string{
			name,
			cli.FormatNumber(int64(mt.Requests)),
			cli.FormatTokens(mt.InputTokens),
			cli.FormatTokens(mt.OutputTokens),
			cli.FormatTokens(mt.CacheWriteTokens + mt.CacheReadTokens),
			cost,
		})
	}
	return rows
}

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/theirongolddev/spendwatch/internal/burnrate"
	"github.com/theirongolddev/spendwatch/internal/cli"
	"github.com/theirongolddev/spendwatch/internal/config"
	"github.com/theirongolddev/spendwatch/internal/daemon"
	"github.com/theirongolddev/spendwatch/internal/store"
)

var (
	flagSessionProvider string
	flagSessionID       string
	flagSessionHours    int
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Show the active 5-hour session with its burn rate",
	RunE:  runSession,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions",
	RunE:  runSessionList,
}

func init() {
	sessionCmd.PersistentFlags().StringVarP(&flagSessionProvider, "provider", "p", config.ProviderClaudeCode, "Session provider")
	sessionCmd.Flags().StringVar(&flagSessionID, "id", "", "Show a specific session instead of the active one")
	sessionListCmd.Flags().IntVar(&flagSessionHours, "hours", 24, "Sessions ending within the last N hours")
	sessionCmd.AddCommand(sessionListCmd)
	rootCmd.AddCommand(sessionCmd)
}

func runSession(_ *cobra.Command, _ []string) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	now := time.Now()

	if flagSessionID == "" {
		fmt.Println()
		return renderStoredSession(ctx, st, now)
	}

	sess, err := st.Session(ctx, flagSessionID)
	if store.IsNotFound(err) {
		return fmt.Errorf("session %q not found", flagSessionID)
	}
	if err != nil {
		return err
	}
	pred := burnrate.Predict(sess, now, burnrate.Options{Budget: sessionBudget(cfg)})
	fmt.Println()
	renderSessionDetail(daemon.NewSessionView(sess, now, &pred), now)
	return nil
}

// renderStoredSession prints the provider's active session from the store.
func renderStoredSession(ctx context.Context, st *store.Store, now time.Time) error {
	sess, err := st.ActiveSession(ctx, flagSessionProvider, now)
	if store.IsNotFound(err) {
		fmt.Printf("\n  No active %s session.\n", flagSessionProvider)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	pred := burnrate.Predict(sess, now, burnrate.Options{Budget: sessionBudget(cfg)})
	fmt.Println()
	renderSessionDetail(daemon.NewSessionView(sess, now, &pred), now)
	return nil
}

func renderSessionDetail(v daemon.SessionView, now time.Time) {
	renderSession(v, now)
	fmt.Println()
	fmt.Print(cli.RenderTable(cli.Table{
		Title:   "Models",
		Headers: []string{"Model", "Requests", "Input", "Output", "Cache", "Cost"},
		Rows:    sessionRows(v.Models),
	}))
}

func runSessionList(_ *cobra.Command, _ []string) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	now := time.Now()

	sessions, err := st.Sessions(ctx, flagSessionProvider, now.Add(-time.Duration(flagSessionHours)*time.Hour))
	if err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Printf("\n  No %s sessions in the last %dh.\n", flagSessionProvider, flagSessionHours)
		return nil
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle(fmt.Sprintf("SESSIONS  Last %dh", flagSessionHours)))
	fmt.Println()

	rows := make([][]string, 0, len(sessions))
	for i := len(sessions) - 1; i >= 0; i-- {
		v := daemon.NewSessionView(sessions[i], now, nil)
		rows = append(rows, []string{
			v.ID,
			string(v.State),
			v.StartedAt.Local().Format("01-02 15:04"),
			cli.FormatNumber(int64(v.Requests)),
			cli.FormatTokens(v.TotalTokens),
			cli.FormatCost(v.TotalCostUSD),
		})
	}
	fmt.Print(cli.RenderTable(cli.Table{
		Headers: []string{"Session", "State", "Started", "Requests", "Tokens", "Cost"},
		Rows:    rows,
	}))
	return nil
}

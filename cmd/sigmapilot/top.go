package main

import (
	"context"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fzheng/SigmaPilot/internal/persistence"
)

func newTopCommand(configPath *string) *cobra.Command {
	var (
		period int
		limit  int
		byRank bool
	)

	cmd := &cobra.Command{
		Use:   "top",
		Short: "Print the persisted ranking for a period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTop(cmd.Context(), *configPath, period, limit, byRank)
		},
	}
	cmd.Flags().IntVarP(&period, "period", "p", 30, "Lookback period in days")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to print")
	cmd.Flags().BoolVar(&byRank, "by-rank", false, "Order by rank instead of selection weight")
	return cmd
}

func runTop(ctx context.Context, configPath string, period, limit int, byRank bool) error {
	_, manager, err := setup(configPath)
	if err != nil {
		return err
	}
	defer manager.Close()

	repo := manager.Leaderboard()
	var records []persistence.RankedRecord
	if byRank {
		records, err = repo.ReadRanked(ctx, period, limit)
	} else {
		records, err = repo.ReadSelected(ctx, period, limit)
	}
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("no entries for period %d\n", period)
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Rank", "Address", "Score", "Weight", "Win rate", "Orders", "Realized pnl", "Remark")
	for _, r := range records {
		table.Append(
			fmt.Sprintf("%d", r.Rank),
			r.Address,
			fmt.Sprintf("%.4f", r.Score),
			fmt.Sprintf("%.4f", r.Weight),
			fmt.Sprintf("%.1f%%", r.WinRate*100),
			fmt.Sprintf("%d", r.ExecutedOrders),
			fmt.Sprintf("%.2f", r.RealizedPnl),
			r.Remark,
		)
	}
	table.Render()

	fmt.Printf("\nperiod %d days, %d entries (as of %s)\n",
		period, len(records), records[0].FetchedAt.Format("2006-01-02 15:04 MST"))
	return nil
}

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/vertextoedge/installer-fetch/internal/port"
	"github.com/vertextoedge/installer-fetch/internal/progress"
)

func newHistoryCmd() *cobra.Command {
	var (
		batchID string
		status  string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := state.openLedger()
			if err != nil {
				return err
			}
			defer ledger.Close()

			transfers, err := ledger.List(port.TransferFilter{BatchID: batchID, Status: status, Limit: limit})
			if err != nil {
				return err
			}

			t := table.New().
				Headers("When", "File", "Status", "Size", "Attempts", "Verified").
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == table.HeaderRow {
						return lipgloss.NewStyle().Bold(true).Padding(0, 1)
					}
					return lipgloss.NewStyle().Padding(0, 1)
				})
			for _, tr := range transfers {
				t.Row(
					tr.CreatedAt.Local().Format("2006-01-02 15:04"),
					tr.Dest,
					tr.Status,
					progress.FormatBytes(tr.BytesDownloaded),
					fmt.Sprint(tr.Attempts),
					tr.Verification,
				)
			}
			fmt.Println(t.Render())

			stats, err := ledger.Stats()
			if err != nil {
				return err
			}
			state.renderer.Detail("%d completed, %d failed, %d cancelled, %d in progress, %s downloaded",
				stats.CompletedCount, stats.FailedCount, stats.CancelledCount, stats.InProgressCount,
				progress.FormatBytes(stats.TotalBytes))
			return nil
		},
	}

	cmd.Flags().StringVar(&batchID, "batch", "", "Only show one batch")
	cmd.Flags().StringVar(&status, "status", "", "Only show transfers with this status")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum rows to show")
	return cmd
}

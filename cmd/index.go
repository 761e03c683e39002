package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"speleostore/internal/history"
	"speleostore/internal/ui"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Maintain the commit history index",
}

var indexPreloadCmd = &cobra.Command{
	Use:   "preload",
	Short: "Pull every project and index the commits not seen yet",
	Args:  cobra.NoArgs,
	RunE:  withSession(runIndexPreload),
}

var preloadConcurrency int

func runIndexPreload(cmd *cobra.Command, args []string, s *session) error {
	report, err := s.engine.PreloadHistory(cmd.Context(), preloadConcurrency)
	if report != nil {
		ids := make([]string, 0, len(report.Indexed))
		for id := range report.Indexed {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		table := ui.NewTable(cmd.OutOrStdout(), "Project", "Commits")
		for _, id := range ids {
			table.AddRow(id, fmt.Sprint(report.Indexed[id]))
		}
		for _, id := range report.Failed {
			table.AddRow(id, ui.ColorError("failed"))
		}
		table.Render()
	}
	return err
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexPreloadCmd)

	indexPreloadCmd.Flags().IntVar(&preloadConcurrency, "concurrency", history.DefaultPreloadConcurrency, "projects indexed in parallel")
}

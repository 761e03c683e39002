package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"speleostore/internal/ui"
	"speleostore/pkg/models"
)

var logCmd = &cobra.Command{
	Use:   "log [project]",
	Short: "Show the commit history of a project, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  withSession(runLog),
}

var (
	logIndexedOnly bool
	logLimit       int
)

func runLog(cmd *cobra.Command, args []string, s *session) error {
	ctx := cmd.Context()
	projectID := args[0]

	var (
		commits []models.Commit
		err     error
	)
	if logIndexedOnly {
		if _, err = s.engine.GetProject(ctx, projectID); err != nil {
			return err
		}
		commits, err = s.engine.IndexedCommits(ctx, projectID)
	} else {
		commits, err = s.engine.ListCommits(ctx, projectID)
	}
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "'%s' has no commits yet\n", projectID)
		return nil
	}
	if logLimit > 0 && len(commits) > logLimit {
		commits = commits[:logLimit]
	}

	now := time.Now()
	table := ui.NewTable(cmd.OutOrStdout(), "Commit", "Author", "Date", "Files", "Message")
	for _, c := range commits {
		info := ui.FormatCommit(c)
		table.AddRow(
			ui.ColorWarning(info.ShortHash),
			fmt.Sprintf("%s <%s>", c.AuthorName, c.AuthorEmail),
			ui.RelativeTime(info.Time, now),
			fmt.Sprint(info.Files),
			info.Message,
		)
	}
	table.Render()
	return nil
}

func init() {
	rootCmd.AddCommand(logCmd)

	logCmd.Flags().BoolVar(&logIndexedOnly, "indexed", false, "read the history index without pulling")
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 0, "show at most this many commits")
}

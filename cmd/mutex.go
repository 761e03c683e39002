package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"speleostore/internal/ui"
	"speleostore/pkg/models"
)

var mutexCmd = &cobra.Command{
	Use:   "mutex",
	Short: "Take and give back the single-editor lock of a project",
}

var mutexAcquireCmd = &cobra.Command{
	Use:   "acquire [project]",
	Short: "Lock a project for editing, or refresh a lock you hold",
	Args:  cobra.ExactArgs(1),
	RunE:  withSession(runMutexAcquire),
}

var mutexReleaseCmd = &cobra.Command{
	Use:   "release [project]",
	Short: "Release the lock of a project",
	Long: "Release the lock of a project. Administrators may release a lock held by " +
		"somebody else; they are asked to confirm unless --yes is given.",
	Args: cobra.ExactArgs(1),
	RunE: withSession(runMutexRelease),
}

var mutexReleaseAllCmd = &cobra.Command{
	Use:   "release-all",
	Short: "Release every lock you hold",
	Args:  cobra.NoArgs,
	RunE:  withSession(runMutexReleaseAll),
}

var mutexStatusCmd = &cobra.Command{
	Use:   "status [project]",
	Short: "Show the current lock and the lock history of a project",
	Args:  cobra.ExactArgs(1),
	RunE:  withSession(runMutexStatus),
}

var (
	releaseComment string
	assumeYes      bool
)

// confirmForceRelease is swapped by tests
var confirmForceRelease = func(projectID, holder string) (bool, error) {
	return ui.Confirm(fmt.Sprintf("'%s' is locked by %s. Release it anyway?", projectID, holder), false)
}

func runMutexAcquire(cmd *cobra.Command, args []string, s *session) error {
	user, err := s.user()
	if err != nil {
		return err
	}
	m, err := s.engine.AcquireMutex(cmd.Context(), args[0], user)
	if err != nil {
		return err
	}
	ui.ShowSuccess(cmd.OutOrStdout(), fmt.Sprintf("'%s' locked by %s since %s", m.ProjectID, m.Holder, m.AcquiredAt.Format(time.RFC3339)))
	return nil
}

func runMutexRelease(cmd *cobra.Command, args []string, s *session) error {
	ctx := cmd.Context()
	projectID := args[0]
	user, err := s.user()
	if err != nil {
		return err
	}

	active, err := s.engine.ActiveMutex(ctx, projectID)
	if err != nil {
		return err
	}
	if active == nil {
		ui.ShowInfo(cmd.OutOrStdout(), fmt.Sprintf("'%s' is not locked", projectID))
		return nil
	}
	held, err := s.engine.HoldsMutex(ctx, projectID, user)
	if err != nil {
		return err
	}
	if !held && !assumeYes {
		ok, err := confirmForceRelease(projectID, active.Holder)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "Release cancelled")
			return nil
		}
	}

	released, err := s.engine.ReleaseMutex(ctx, projectID, user, releaseComment)
	if err != nil {
		return err
	}
	if released == nil {
		ui.ShowInfo(cmd.OutOrStdout(), fmt.Sprintf("'%s' is not locked", projectID))
		return nil
	}
	ui.ShowSuccess(cmd.OutOrStdout(), fmt.Sprintf("'%s' released (held by %s)", projectID, released.Holder))
	return nil
}

func runMutexReleaseAll(cmd *cobra.Command, args []string, s *session) error {
	user, err := s.user()
	if err != nil {
		return err
	}
	released, err := s.engine.ReleaseAllMutexes(cmd.Context(), user)
	for _, m := range released {
		fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", m.ProjectID)
	}
	if err != nil {
		return err
	}
	ui.ShowSuccess(cmd.OutOrStdout(), fmt.Sprintf("%d lock(s) released", len(released)))
	return nil
}

func runMutexStatus(cmd *cobra.Command, args []string, s *session) error {
	ctx := cmd.Context()
	projectID := args[0]
	if _, err := s.engine.GetProject(ctx, projectID); err != nil {
		return err
	}

	active, err := s.engine.ActiveMutex(ctx, projectID)
	if err != nil {
		return err
	}
	if active == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "'%s' is not locked\n", projectID)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "'%s' is locked by %s (heartbeat %s)\n",
			projectID, active.Holder, ui.RelativeTime(active.HeartbeatAt, time.Now()))
	}

	history, err := s.engine.MutexHistory(ctx, projectID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout())
	table := ui.NewTable(cmd.OutOrStdout(), "Holder", "Acquired", "Closed", "Closed by", "Comment")
	for _, m := range history {
		table.AddRow(m.Holder, m.AcquiredAt.Format(time.RFC3339), closedAt(m), m.ClosingUser, m.ClosingComment)
	}
	table.Render()
	return nil
}

func closedAt(m models.Mutex) string {
	if m.ClosedAt == nil {
		return "-"
	}
	return m.ClosedAt.Format(time.RFC3339)
}

func init() {
	rootCmd.AddCommand(mutexCmd)
	mutexCmd.AddCommand(mutexAcquireCmd)
	mutexCmd.AddCommand(mutexReleaseCmd)
	mutexCmd.AddCommand(mutexReleaseAllCmd)
	mutexCmd.AddCommand(mutexStatusCmd)

	mutexReleaseCmd.Flags().StringVarP(&releaseComment, "comment", "m", "", "reason recorded with the release")
	mutexReleaseCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "release a lock held by somebody else without asking")
}

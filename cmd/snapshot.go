package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"speleostore/internal/common"
	"speleostore/internal/ui"
	"speleostore/pkg/errors"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Build and read the GeoJSON snapshots of commits",
}

var snapshotBuildCmd = &cobra.Command{
	Use:   "build [project]",
	Short: "Build the snapshot of a commit",
	Args:  cobra.ExactArgs(1),
	RunE:  withSession(runSnapshotBuild),
}

var snapshotGetCmd = &cobra.Command{
	Use:   "get [project] [commit]",
	Short: "Print the stored snapshot of a commit",
	Args:  cobra.ExactArgs(2),
	RunE:  withSession(runSnapshotGet),
}

var snapshotRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Build the missing snapshots of every commit of every project",
	Args:  cobra.NoArgs,
	RunE:  withSession(runSnapshotRebuild),
}

var (
	snapshotCommit string
	snapshotForce  bool
	snapshotOutput string
)

func runSnapshotBuild(cmd *cobra.Command, args []string, s *session) error {
	snapshot, err := s.engine.BuildSnapshot(cmd.Context(), args[0], snapshotCommit, snapshotForce)
	if err != nil {
		return err
	}
	if snapshot == nil {
		ui.ShowWarning(cmd.OutOrStdout(), "The commit holds no survey file, no snapshot built")
		return nil
	}
	ui.ShowSuccess(cmd.OutOrStdout(), fmt.Sprintf("Snapshot of %s built (%d bytes)", snapshot.CommitHash, len(snapshot.Payload)))
	return nil
}

func runSnapshotGet(cmd *cobra.Command, args []string, s *session) error {
	snapshot, err := s.engine.GetSnapshot(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, snapshot.Payload, "", "  "); err != nil {
		return errors.Wrap(err, errors.ErrCodeGeoJSONGeneration, "Stored snapshot is not valid JSON").
			WithContext("commit", snapshot.CommitHash)
	}
	out.WriteByte('\n')

	if snapshotOutput == "" {
		_, err := cmd.OutOrStdout().Write(out.Bytes())
		return err
	}
	path, err := common.CleanPath(snapshotOutput)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "Invalid output path")
	}
	if err := os.WriteFile(path, out.Bytes(), common.FilePermissionNormal); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Cannot write snapshot").WithContext("path", path)
	}
	ui.ShowSuccess(cmd.OutOrStdout(), fmt.Sprintf("Snapshot of %s written to %s", snapshot.CommitHash, path))
	return nil
}

func runSnapshotRebuild(cmd *cobra.Command, args []string, s *session) error {
	report, err := s.engine.RebuildSnapshots(cmd.Context(), snapshotForce)
	if report != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "built %d, skipped %d, failed %d\n", report.Built, report.Skipped, report.Failed)
	}
	return err
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotBuildCmd)
	snapshotCmd.AddCommand(snapshotGetCmd)
	snapshotCmd.AddCommand(snapshotRebuildCmd)

	snapshotBuildCmd.Flags().StringVarP(&snapshotCommit, "commit", "c", "", "commit hash or branch (default: tip of the default branch)")
	snapshotBuildCmd.Flags().BoolVar(&snapshotForce, "force", false, "replace an existing snapshot")
	snapshotRebuildCmd.Flags().BoolVar(&snapshotForce, "force", false, "rebuild existing snapshots too")
	snapshotGetCmd.Flags().StringVarP(&snapshotOutput, "output", "o", "", "write the GeoJSON to a file instead of stdout")
}

package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"speleostore/internal/common"
	"speleostore/internal/formats"
	"speleostore/internal/ui"
	"speleostore/pkg/errors"
)

var downloadCmd = &cobra.Command{
	Use:   "download [project]",
	Short: "Write the survey file of a commit to disk",
	Long: "Write the survey file of a commit to disk. Without --commit the tip of the " +
		"default branch is used; --pick chooses a commit interactively.",
	Args: cobra.ExactArgs(1),
	RunE: withSession(runDownload),
}

var archiveCmd = &cobra.Command{
	Use:   "archive [project]",
	Short: "Write every file of a commit into a zip archive",
	Args:  cobra.ExactArgs(1),
	RunE:  withSession(runArchive),
}

var (
	downloadCommit string
	downloadFormat formats.Format
	downloadOutput string
	downloadPick   bool
	archiveCommit  string
	archiveOutput  string
)

// selectCommit is swapped by tests
var selectCommit = ui.SelectCommit

func runDownload(cmd *cobra.Command, args []string, s *session) error {
	ctx := cmd.Context()
	projectID := args[0]

	commitRef := downloadCommit
	if downloadPick {
		commits, err := s.engine.ListCommits(ctx, projectID)
		if err != nil {
			return err
		}
		options := make([]ui.CommitInfo, len(commits))
		for i, c := range commits {
			options[i] = ui.FormatCommit(c)
		}
		if commitRef, err = selectCommit("Select commit to download:", options); err != nil {
			return err
		}
	}

	download, err := s.engine.PrepareDownload(ctx, projectID, commitRef, downloadFormat)
	if err != nil {
		return err
	}
	defer download.Cleanup()

	target := downloadOutput
	if target == "" {
		target = download.Filename
	}
	if err := copyTo(target, download.Open); err != nil {
		return err
	}
	ui.ShowSuccess(cmd.OutOrStdout(), fmt.Sprintf("%s of commit %s written to %s", download.Format, download.CommitHash, target))
	return nil
}

func runArchive(cmd *cobra.Command, args []string, s *session) (err error) {
	projectID := args[0]
	target := archiveOutput
	if target == "" {
		target = projectID + ".zip"
	}
	path, err := common.CleanPath(target)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "Invalid output path")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, common.FilePermissionNormal)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Cannot create archive").WithContext("path", path)
	}
	hash, n, err := s.engine.ExportArchive(cmd.Context(), projectID, archiveCommit, f)
	err = multierr.Append(err, f.Close())
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	ui.ShowSuccess(cmd.OutOrStdout(), fmt.Sprintf("%d file(s) of commit %s written to %s", n, hash, path))
	return nil
}

// copyTo writes the content returned by open to target
func copyTo(target string, open func() (*os.File, error)) error {
	path, err := common.CleanPath(target)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "Invalid output path")
	}
	if err := os.MkdirAll(filepath.Dir(path), common.DirPermissionNormal); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Cannot create output directory").WithContext("path", path)
	}

	src, err := open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, common.FilePermissionNormal)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Cannot create output file").WithContext("path", path)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Cannot write output file").WithContext("path", path)
	}
	return dst.Close()
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(archiveCmd)

	flags := downloadCmd.Flags()
	flags.StringVarP(&downloadCommit, "commit", "c", "", "commit hash or branch (default: tip of the default branch)")
	flags.Var(newFormatValue(&downloadFormat), "format", formatUsage("output format"))
	flags.StringVarP(&downloadOutput, "output", "o", "", "output file (default: the stored file name)")
	flags.BoolVar(&downloadPick, "pick", false, "choose the commit from the project history")
	downloadCmd.MarkFlagsMutuallyExclusive("commit", "pick")

	archiveCmd.Flags().StringVarP(&archiveCommit, "commit", "c", "", "commit hash or branch (default: tip of the default branch)")
	archiveCmd.Flags().StringVarP(&archiveOutput, "output", "o", "", "archive file (default: <project>.zip)")
}

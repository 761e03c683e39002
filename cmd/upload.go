package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"speleostore/internal/common"
	"speleostore/internal/engine"
	"speleostore/internal/formats"
	"speleostore/internal/ui"
	"speleostore/pkg/errors"
	"speleostore/pkg/models"
)

var uploadCmd = &cobra.Command{
	Use:   "upload [project] [file]",
	Short: "Commit a survey file to a project you hold the lock of",
	Args:  cobra.ExactArgs(2),
	RunE:  withSession(runUpload),
}

var (
	uploadMessage     string
	uploadFormat      formats.Format
	uploadAuthorName  string
	uploadAuthorEmail string
)

func runUpload(cmd *cobra.Command, args []string, s *session) error {
	user, err := s.user()
	if err != nil {
		return err
	}

	path, err := common.CleanPath(args[1])
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "Invalid file path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Cannot read survey file").WithContext("path", path)
	}
	if info.Size() > engine.MaxUploadBytes {
		return errors.ValidationError("file size", info.Size(), fmt.Sprintf("at most %d bytes", engine.MaxUploadBytes))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Cannot read survey file").WithContext("path", path)
	}

	hash, err := s.engine.CommitUploadedFile(cmd.Context(), engine.UploadFileRequest{
		ProjectID: args[0],
		User:      user,
		Author:    s.author(user),
		Message:   uploadMessage,
		Filename:  filepath.Base(path),
		Data:      data,
		Format:    uploadFormat,
	})
	if err != nil {
		return err
	}
	if hash == "" {
		ui.ShowInfo(cmd.OutOrStdout(), "File identical to the current version, nothing committed")
		return nil
	}
	ui.ShowSuccess(cmd.OutOrStdout(), fmt.Sprintf("Committed %s", hash))
	return nil
}

// author resolves the commit author from the flags, then the access control
// entry of user
func (s *session) author(user string) models.Author {
	author := models.Author{Name: uploadAuthorName, Email: uploadAuthorEmail}
	profile := s.profile(user)
	if author.Name == "" {
		author.Name = user
	}
	if author.Email == "" && profile != nil {
		author.Email = profile.Email
	}
	return author
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	flags := uploadCmd.Flags()
	flags.StringVarP(&uploadMessage, "message", "m", "", "commit message")
	flags.Var(newFormatValue(&uploadFormat), "format", formatUsage("survey format"))
	flags.StringVar(&uploadAuthorName, "author-name", "", "commit author name (default: the user)")
	flags.StringVar(&uploadAuthorEmail, "author-email", "", "commit author email (default: the user's configured email)")
	_ = uploadCmd.MarkFlagRequired("message")
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"speleostore/internal/config"
	"speleostore/internal/ui"
	"speleostore/pkg/errors"
	"speleostore/pkg/models"
)

var (
	initAdmin string
	initEmail string
)

// initCmd writes a first configuration file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the default storage layout",
	Long: `Write a configuration file holding the default storage paths, next to the
file itself. With --admin the file gets a first administrator; without it no
users section is written and every user has full access.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initAdmin, "admin", "", "name of the first administrator")
	initCmd.Flags().StringVar(&initEmail, "email", "", "email of the first administrator")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	file := cfgFile
	if file == "" {
		file = config.GetConfigFile()
	}
	if config.Exists(file) {
		return errors.New(errors.ErrCodeConfiguration, "Configuration file already exists").
			WithContext("path", file).
			WithSuggestions("Edit the existing file instead")
	}

	// A missing file loads as the defaults
	cfg, err := config.LoadFile(file)
	if err != nil {
		return err
	}
	if initAdmin != "" {
		cfg.Users = append(cfg.Users, models.User{Name: initAdmin, Email: initEmail, Admin: true})
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := config.Save(cfg, file); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfiguration, "Failed to write configuration").
			WithContext("path", file)
	}

	out := cmd.OutOrStdout()
	ui.ShowSuccess(out, fmt.Sprintf("Configuration written to %s", file))
	if len(cfg.Users) == 0 {
		ui.ShowWarning(out, "No users configured: every user has full access")
	}
	return nil
}

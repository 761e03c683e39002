package cmd

import (
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"speleostore/internal/engine"
	"speleostore/internal/ui"
	"speleostore/pkg/models"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage survey projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create [id]",
	Short: "Create a project and provision its remote",
	Args:  cobra.ExactArgs(1),
	RunE:  withSession(runProjectCreate),
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects and their current lock holder",
	Args:  cobra.NoArgs,
	RunE:  withSession(runProjectList),
}

var (
	projectName        string
	projectDescription string
	anchorLongitude    float64
	anchorLatitude     float64
)

func runProjectCreate(cmd *cobra.Command, args []string, s *session) error {
	user, err := s.user()
	if err != nil {
		return err
	}

	if projectName == "" && isatty.IsTerminal(os.Stdin.Fd()) {
		if err := askProjectDetails(); err != nil {
			return err
		}
	}

	req := engine.CreateProjectRequest{
		ID:          args[0],
		Name:        projectName,
		Description: projectDescription,
		User:        user,
	}
	if cmd.Flags().Changed("longitude") || cmd.Flags().Changed("latitude") {
		req.Anchor = &models.Coordinate{Longitude: anchorLongitude, Latitude: anchorLatitude}
	}

	project, err := s.engine.CreateProject(cmd.Context(), req)
	if err != nil {
		return err
	}
	ui.ShowSuccess(cmd.OutOrStdout(), fmt.Sprintf("Project '%s' created", project.ID))
	fmt.Fprintf(cmd.OutOrStdout(), "Remote: %s\n", project.RemoteURL)
	return nil
}

func askProjectDetails() error {
	qs := []*survey.Question{
		{
			Name:     "name",
			Prompt:   &survey.Input{Message: "Project name:"},
			Validate: survey.Required,
		},
		{
			Name:   "description",
			Prompt: &survey.Input{Message: "Description (optional):"},
		},
	}
	answers := struct {
		Name        string
		Description string
	}{}
	if err := survey.Ask(qs, &answers); err != nil {
		return err
	}
	projectName = answers.Name
	if projectDescription == "" {
		projectDescription = answers.Description
	}
	return nil
}

func runProjectList(cmd *cobra.Command, args []string, s *session) error {
	ctx := cmd.Context()
	projects, err := s.engine.ListProjects(ctx)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No projects.")
		fmt.Fprintln(cmd.OutOrStdout(), "Use 'speleostore project create' to add one")
		return nil
	}

	table := ui.NewTable(cmd.OutOrStdout(), "ID", "Name", "Locked by", "Created by", "Created")
	for _, p := range projects {
		holder := "-"
		active, err := s.engine.ActiveMutex(ctx, p.ID)
		if err != nil {
			return err
		}
		if active != nil {
			holder = active.Holder
		}
		table.AddRow(p.ID, p.Name, holder, p.CreatedBy, p.CreatedAt.Format("2006-01-02"))
	}
	table.Render()
	return nil
}

func init() {
	rootCmd.AddCommand(projectCmd)
	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectListCmd)

	flags := projectCreateCmd.Flags()
	flags.StringVar(&projectName, "name", "", "display name (asked for on a terminal when empty)")
	flags.StringVar(&projectDescription, "description", "", "free text description")
	flags.Float64Var(&anchorLongitude, "longitude", 0, "WGS84 longitude of the first station")
	flags.Float64Var(&anchorLatitude, "latitude", 0, "WGS84 latitude of the first station")
}

// Package ui renders command output: colored status lines, tables and
// interactive prompts.
package ui

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"

	"speleostore/pkg/errors"
)

var (
	// Check if output supports colors
	supportsColor = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	// Color functions
	ColorSuccess = colorFunc(color.FgGreen)
	ColorError   = colorFunc(color.FgRed)
	ColorWarning = colorFunc(color.FgYellow)
	ColorInfo    = colorFunc(color.FgCyan)
	ColorBold    = colorFunc(color.Bold)
	ColorDim     = colorFunc(color.Faint)
)

// colorFunc returns a function that colors text if supported
func colorFunc(attr color.Attribute) func(string) string {
	c := color.New(attr)
	c.EnableColor()
	return func(text string) string {
		if supportsColor {
			return c.Sprint(text)
		}
		return text
	}
}

// ShowError writes err to w. Structured errors print their message, context
// and suggestions on separate lines.
func ShowError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s ", ColorError("ERROR:"))

	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		fmt.Fprintln(w, err.Error())
		return
	}

	fmt.Fprintln(w, appErr.Message)
	if appErr.Cause != nil {
		fmt.Fprintf(w, "  %s\n", ColorDim("caused by: "+appErr.Cause.Error()))
	}
	for _, key := range sortedKeys(appErr.Context) {
		fmt.Fprintf(w, "  %s\n", ColorDim(fmt.Sprintf("%s: %v", key, appErr.Context[key])))
	}
	for _, suggestion := range appErr.Suggestions {
		fmt.Fprintf(w, "  %s %s\n", ColorInfo("TIP:"), suggestion)
	}
}

// ShowSuccess displays a success message
func ShowSuccess(w io.Writer, message string) {
	fmt.Fprintf(w, "%s %s\n", ColorSuccess("SUCCESS:"), message)
}

// ShowWarning displays a warning message
func ShowWarning(w io.Writer, message string) {
	fmt.Fprintf(w, "%s %s\n", ColorWarning("WARNING:"), ColorWarning(message))
}

// ShowInfo displays an info message
func ShowInfo(w io.Writer, message string) {
	fmt.Fprintf(w, "%s %s\n", ColorInfo("INFO:"), message)
}

// Table renders left-aligned borderless rows
type Table struct {
	writer *tablewriter.Table
}

// NewTable creates a table writing to w with the given header
func NewTable(w io.Writer, columns ...string) *Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(columns)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return &Table{writer: table}
}

// AddRow adds a data row to the table
func (t *Table) AddRow(values ...string) {
	t.writer.Append(values)
}

// Render writes the table
func (t *Table) Render() {
	t.writer.Render()
}

// Confirm asks a yes/no question on the terminal
func Confirm(message string, defaultValue bool) (bool, error) {
	answer := defaultValue
	prompt := &survey.Confirm{
		Message: message,
		Default: defaultValue,
	}
	if err := survey.AskOne(prompt, &answer); err != nil {
		return false, err
	}
	return answer, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

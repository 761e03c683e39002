package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speleostore/internal/formats"
	"speleostore/pkg/errors"
)

// writeConfig writes a configuration keeping every path below a temporary
// directory and returns the file
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
log:
  level: none
users:
  - name: alice
    email: alice@example.com
    projects:
      mammoth-cave: WRITE
  - name: bob
    email: bob@example.com
    projects:
      mammoth-cave: WRITE
  - name: admin
    email: admin@example.com
    admin: true
`), 0600))
	return file
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.PersistentFlags().VisitAll(reset)
	c.Flags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// runCLI executes the command line args and returns everything written
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	t.Setenv(UserEnvVar, "")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommandHelp(t *testing.T) {
	output, err := runCLI(t, "--help")
	require.NoError(t, err)

	assert.Contains(t, output, "speleostore")
	assert.Contains(t, output, "Available Commands:")
	for _, name := range []string{"init", "project", "mutex", "upload", "download", "archive", "log", "snapshot", "index", "version"} {
		assert.Contains(t, output, name)
	}
}

func TestInvalidCommand(t *testing.T) {
	_, err := runCLI(t, "invalid-command")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestVersionCommand(t *testing.T) {
	output, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, output, "SpeleoStore version dev")
}

func TestCommandsRequireUser(t *testing.T) {
	config := writeConfig(t)
	_, err := runCLI(t, "--config", config, "mutex", "acquire", "Mammoth-Cave")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestUserFromEnvironment(t *testing.T) {
	config := writeConfig(t)
	_, err := runCLI(t, "--config", config, "--user", "admin", "project", "create", "Mammoth-Cave", "--name", "Mammoth Cave")
	require.NoError(t, err)

	resetFlags(rootCmd)
	t.Setenv(UserEnvVar, "alice")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"--config", config, "mutex", "acquire", "Mammoth-Cave"})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "locked by alice")
}

func TestFormatValue(t *testing.T) {
	var f formats.Format
	v := newFormatValue(&f)
	assert.Equal(t, "format", v.Type())

	require.NoError(t, v.Set("compass_dat"))
	assert.Equal(t, formats.FormatCompassDAT, f)
	assert.Equal(t, "COMPASS_DAT", v.String())

	err := v.Set("survex")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, formats.FormatCompassDAT, f)

	require.NoError(t, v.Set(""))
	assert.Equal(t, formats.Format(""), f)
}

func TestBadFormatFlag(t *testing.T) {
	config := writeConfig(t)
	_, err := runCLI(t, "--config", config, "download", "Mammoth-Cave", "--format", "survex")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--format")
}

func TestMetricsTextfile(t *testing.T) {
	config := writeConfig(t)
	metrics := filepath.Join(t.TempDir(), "speleostore.prom")

	_, err := runCLI(t, "--config", config, "--user", "admin", "project", "create", "Mammoth-Cave", "--name", "Mammoth Cave")
	require.NoError(t, err)
	_, err = runCLI(t, "--config", config, "--user", "alice", "--metrics-textfile", metrics, "mutex", "acquire", "Mammoth-Cave")
	require.NoError(t, err)

	data, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(data), `speleostore_mutex_operations_total{operation="acquire",outcome="ok"} 1`)
}

func TestInitWritesConfiguration(t *testing.T) {
	file := filepath.Join(t.TempDir(), "speleostore", "config.yaml")

	out, err := runCLI(t, "--config", file, "init", "--admin", "root", "--email", "root@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration written to "+file)
	assert.FileExists(t, file)

	_, err = runCLI(t, "--config", file, "init")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConfiguration, errors.GetErrorCode(err))

	out, err = runCLI(t, "--config", file, "--user", "root", "project", "create", "Mammoth-Cave", "--name", "Mammoth Cave")
	require.NoError(t, err)
	assert.Contains(t, out, "Project 'Mammoth-Cave' created")
	assert.DirExists(t, filepath.Join(filepath.Dir(file), "scratch"))

	_, err = runCLI(t, "--config", file, "--user", "alice", "mutex", "acquire", "Mammoth-Cave")
	assert.True(t, errors.IsNotAuthorized(err))
}

func TestSingleUserSetupAllowsEverything(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")

	out, err := runCLI(t, "--config", file, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "every user has full access")

	_, err = runCLI(t, "--config", file, "--user", "caver", "project", "create", "Mammoth-Cave", "--name", "Mammoth Cave")
	require.NoError(t, err)
	out, err = runCLI(t, "--config", file, "--user", "Caver", "mutex", "acquire", "Mammoth-Cave")
	require.NoError(t, err)
	assert.Contains(t, out, "locked by caver")
}

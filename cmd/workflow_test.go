package cmd

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speleostore/internal/testutil"
	"speleostore/internal/ui"
	"speleostore/pkg/errors"
)

const caveDat = "MAMMOTH CAVE\r\n" +
	"SURVEY NAME: A\r\n" +
	"SURVEY DATE: 7 10 1972\r\n" +
	"DECLINATION:    0.00\r\n" +
	"\r\n" +
	"        FROM           TO   LENGTH  BEARING      INC\r\n" +
	"\r\n" +
	"          A1           A2    32.81    90.00     0.00\r\n" +
	"          A2           A3    32.81     0.00    -5.00\r\n" +
	"\x0c"

var committedHash = regexp.MustCompile(`Committed ([0-9a-f]{40})`)

func commitHash(t *testing.T, output string) string {
	t.Helper()
	m := committedHash.FindStringSubmatch(output)
	require.Len(t, m, 2, output)
	return m[1]
}

func TestSurveyWorkflow(t *testing.T) {
	config := writeConfig(t)
	work := t.TempDir()
	cli := func(user string, args ...string) (string, error) {
		return runCLI(t, append([]string{"--config", config, "--user", user}, args...)...)
	}

	out, err := cli("admin", "project", "create", "Mammoth-Cave", "--name", "Mammoth Cave",
		"--longitude", "-86.1", "--latitude", "37.18")
	require.NoError(t, err)
	assert.Contains(t, out, "Project 'Mammoth-Cave' created")

	out, err = cli("alice", "project", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Mammoth-Cave")
	assert.Contains(t, out, "admin")

	survey := filepath.Join(work, "cave.dat")
	require.NoError(t, os.WriteFile(survey, []byte(caveDat), 0600))

	_, err = cli("alice", "upload", "Mammoth-Cave", survey, "-m", "without lock")
	assert.True(t, errors.IsMutexRequired(err))

	out, err = cli("alice", "mutex", "acquire", "Mammoth-Cave")
	require.NoError(t, err)
	assert.Contains(t, out, "locked by alice")

	_, err = cli("bob", "mutex", "acquire", "Mammoth-Cave")
	assert.True(t, errors.IsResourceBusy(err))

	out, err = cli("alice", "upload", "Mammoth-Cave", survey, "-m", "entrance series")
	require.NoError(t, err)
	hash := commitHash(t, out)

	out, err = cli("alice", "upload", "Mammoth-Cave", survey, "-m", "again")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing committed")

	out, err = cli("alice", "log", "Mammoth-Cave")
	require.NoError(t, err)
	assert.Contains(t, out, hash[:7])
	assert.Contains(t, out, "alice <alice@example.com>")
	assert.Contains(t, out, "entrance series")

	downloaded := filepath.Join(work, "out", "cave.dat")
	out, err = cli("bob", "download", "Mammoth-Cave", "--commit", hash, "-o", downloaded)
	require.NoError(t, err)
	assert.Contains(t, out, "COMPASS_DAT")
	data, err := os.ReadFile(downloaded)
	require.NoError(t, err)
	assert.Equal(t, caveDat, string(data))

	archive := filepath.Join(work, "cave.zip")
	out, err = cli("bob", "archive", "Mammoth-Cave", "-o", archive)
	require.NoError(t, err)
	assert.Contains(t, out, hash)
	zipped, err := os.ReadFile(archive)
	require.NoError(t, err)
	assert.NotEmpty(t, testutil.ReadZip(t, zipped))

	out, err = cli("bob", "snapshot", "build", "Mammoth-Cave")
	require.NoError(t, err)
	assert.Contains(t, out, "Snapshot of "+hash+" built")

	_, err = cli("bob", "snapshot", "build", "Mammoth-Cave", "--commit", hash)
	assert.True(t, errors.IsImmutabilityViolation(err))

	out, err = cli("bob", "snapshot", "get", "Mammoth-Cave", hash[:10])
	require.NoError(t, err)
	assert.Contains(t, out, `"FeatureCollection"`)

	out, err = cli("bob", "snapshot", "rebuild")
	require.NoError(t, err)
	assert.Contains(t, out, "built 0, skipped 1, failed 0")

	out, err = cli("admin", "index", "preload")
	require.NoError(t, err)
	assert.Contains(t, out, "Mammoth-Cave")

	out, err = cli("alice", "mutex", "status", "Mammoth-Cave")
	require.NoError(t, err)
	assert.Contains(t, out, "locked by alice")

	_, err = cli("bob", "mutex", "release", "Mammoth-Cave", "--yes")
	assert.True(t, errors.IsNotAuthorized(err))

	out, err = cli("admin", "mutex", "release", "Mammoth-Cave", "--yes", "-m", "field trip over")
	require.NoError(t, err)
	assert.Contains(t, out, "released (held by alice)")

	out, err = cli("alice", "mutex", "status", "Mammoth-Cave")
	require.NoError(t, err)
	assert.Contains(t, out, "is not locked")
	assert.Contains(t, out, "field trip over")
}

func TestForceReleaseAsksForConfirmation(t *testing.T) {
	config := writeConfig(t)
	cli := func(user string, args ...string) (string, error) {
		return runCLI(t, append([]string{"--config", config, "--user", user}, args...)...)
	}
	_, err := cli("admin", "project", "create", "Mammoth-Cave", "--name", "Mammoth Cave")
	require.NoError(t, err)
	_, err = cli("alice", "mutex", "acquire", "Mammoth-Cave")
	require.NoError(t, err)

	original := confirmForceRelease
	defer func() { confirmForceRelease = original }()

	var asked []string
	confirmForceRelease = func(projectID, holder string) (bool, error) {
		asked = append(asked, projectID+"/"+holder)
		return false, nil
	}
	out, err := cli("admin", "mutex", "release", "Mammoth-Cave")
	require.NoError(t, err)
	assert.Contains(t, out, "Release cancelled")
	assert.Equal(t, []string{"Mammoth-Cave/alice"}, asked)

	confirmForceRelease = func(projectID, holder string) (bool, error) { return true, nil }
	out, err = cli("admin", "mutex", "release", "Mammoth-Cave")
	require.NoError(t, err)
	assert.Contains(t, out, "released (held by alice)")

	out, err = cli("alice", "mutex", "release", "Mammoth-Cave")
	require.NoError(t, err)
	assert.Contains(t, out, "is not locked")
}

func TestDownloadPick(t *testing.T) {
	config := writeConfig(t)
	work := t.TempDir()
	cli := func(user string, args ...string) (string, error) {
		return runCLI(t, append([]string{"--config", config, "--user", user}, args...)...)
	}
	_, err := cli("admin", "project", "create", "Mammoth-Cave", "--name", "Mammoth Cave")
	require.NoError(t, err)
	_, err = cli("alice", "mutex", "acquire", "Mammoth-Cave")
	require.NoError(t, err)

	var hashes []string
	for _, version := range []string{"first", "second"} {
		file := filepath.Join(work, version+".tml")
		require.NoError(t, os.WriteFile(file, testutil.TMLFixture(t, version), 0600))
		out, err := cli("alice", "upload", "Mammoth-Cave", file, "-m", version)
		require.NoError(t, err)
		hashes = append(hashes, commitHash(t, out))
	}

	original := selectCommit
	defer func() { selectCommit = original }()
	var offered []ui.CommitInfo
	selectCommit = func(message string, commits []ui.CommitInfo) (string, error) {
		offered = commits
		return commits[len(commits)-1].Hash, nil
	}

	target := filepath.Join(work, "picked.tml")
	out, err := cli("bob", "download", "Mammoth-Cave", "--pick", "-o", target)
	require.NoError(t, err)
	assert.Contains(t, out, hashes[0])
	require.Len(t, offered, 2)
	assert.Equal(t, "second", offered[0].Message)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, testutil.TMLFixture(t, "first"), data)

	_, err = cli("bob", "download", "Mammoth-Cave", "--pick", "--commit", hashes[1])
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "commit") && strings.Contains(err.Error(), "pick"))
}

package formats

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speleostore/internal/testutil"
	"speleostore/pkg/errors"
)

func uploadRequest(filename string, data []byte) UploadRequest {
	return UploadRequest{
		Artifact: &Artifact{Filename: filename, Data: data},
		Message:  "upload " + filename,
		Author:   testutil.Alice,
	}
}

// roundTrip uploads data through p, checks the commit out and downloads it again
func roundTrip(t *testing.T, p Processor, filename string, data []byte) (string, string) {
	t.Helper()
	ctx := context.Background()
	env := testutil.NewRepoEnv(t)
	repo := env.Open(t, "mammoth-cave")

	hash, err := p.Upload(ctx, repo, uploadRequest(filename, data))
	require.NoError(t, err)
	require.Len(t, hash, 40)

	checkout := t.TempDir()
	require.NoError(t, repo.Materialize(ctx, hash, checkout))

	resolved, err := NewDefaultRegistry().ResolveForDownload(checkout)
	require.NoError(t, err)
	assert.Equal(t, p.Format(), resolved.Format())

	out := t.TempDir()
	path, err := p.Download(ctx, checkout, hash, out)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, hash), filepath.Dir(path))
	return path, checkout
}

func TestArianeTMLRoundTrip(t *testing.T) {
	data := testutil.TMLFixture(t, "initial")
	path, checkout := roundTrip(t, NewArianeTMLProcessor(), "survey.tml", data)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "project.tml", filepath.Base(path))
	assert.FileExists(t, filepath.Join(checkout, "project.tml"))
}

func TestArianeTMLRequiresDataXML(t *testing.T) {
	p := NewArianeTMLProcessor()

	err := p.Validate(&Artifact{Filename: "s.tml", Data: testutil.ZipBytes(t, map[string]string{"other.xml": "<x/>"})})
	assert.True(t, errors.IsValidation(err))

	err = p.Validate(&Artifact{Filename: "s.tml", Mimetype: "application/zip", Data: []byte("not a zip")})
	assert.True(t, errors.IsValidation(err))
}

func TestArianeTMLURoundTrip(t *testing.T) {
	data := []byte("<?xml version=\"1.0\"?><CaveFile/>")
	path, _ := roundTrip(t, NewArianeTMLUProcessor(), "survey.tmlu", data)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	err = NewArianeTMLUProcessor().Validate(&Artifact{Filename: "s.tmlu", Mimetype: "text/plain", Data: []byte("plain")})
	assert.True(t, errors.IsValidation(err))
}

func TestWallsRoundTrip(t *testing.T) {
	data := []byte(";WALLS Project file\r\n.BOOK Mammoth\r\n")
	path, _ := roundTrip(t, NewWallsProcessor(), "cave.wpj", data)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCompassZipRoundTrip(t *testing.T) {
	path, checkout := roundTrip(t, NewCompassZipProcessor(), "cave.zip", testutil.CompassZipFixture(t))

	assert.FileExists(t, filepath.Join(checkout, "project.mak"))
	assert.FileExists(t, filepath.Join(checkout, "compass", "cave.dat"))
	assert.FileExists(t, filepath.Join(checkout, "compass", "notes.txt"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	members := testutil.ReadZip(t, data)
	assert.Equal(t, "#cave.dat;\n", members["project.mak"])
	assert.Equal(t, "MAMMOTH CAVE\r\nSURVEY NAME: A\r\n\x0c", members["cave.dat"])
	assert.Equal(t, "field notes", members["notes.txt"])
}

func TestCompassZipKeepsMemberPaths(t *testing.T) {
	data := testutil.ZipBytes(t, map[string]string{
		"cave.mak":     "#a/survey.dat;\n#b/survey.dat;\n",
		"a/survey.dat": "UPPER LEVEL",
		"b/survey.dat": "LOWER LEVEL",
	})
	path, checkout := roundTrip(t, NewCompassZipProcessor(), "cave.zip", data)

	assert.FileExists(t, filepath.Join(checkout, "compass", "a", "survey.dat"))
	assert.FileExists(t, filepath.Join(checkout, "compass", "b", "survey.dat"))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"project.mak":  "#a/survey.dat;\n#b/survey.dat;\n",
		"a/survey.dat": "UPPER LEVEL",
		"b/survey.dat": "LOWER LEVEL",
	}, testutil.ReadZip(t, got))
}

func TestCompassZipRejectsCollidingMembers(t *testing.T) {
	p := NewCompassZipProcessor()

	err := p.Validate(&Artifact{Filename: "c.zip", Data: testutil.ZipBytes(t, map[string]string{
		"cave/cave.mak":   "x",
		"cave/survey.dat": "inside",
		"survey.dat":      "outside",
	})})
	assert.True(t, errors.IsValidation(err))

	err = p.Validate(&Artifact{Filename: "c.zip", Data: testutil.ZipBytes(t, map[string]string{
		"cave.mak":      "x",
		"../escape.dat": "x",
	})})
	assert.True(t, errors.IsValidation(err))
}

func TestCompassZipValidation(t *testing.T) {
	p := NewCompassZipProcessor()

	err := p.Validate(&Artifact{Filename: "c.zip", Data: testutil.ZipBytes(t, map[string]string{"a.dat": "x"})})
	assert.True(t, errors.IsValidation(err))

	err = p.Validate(&Artifact{Filename: "c.zip", Data: testutil.ZipBytes(t, map[string]string{
		"a.mak":       "x",
		"payload.exe": "MZ",
	})})
	assert.Equal(t, errors.ErrCodeRejectedExtension, errors.GetErrorCode(err))
}

func TestCompassDatDeduplicatesSections(t *testing.T) {
	data := []byte(testutil.CompassDatFixture)
	path, checkout := roundTrip(t, NewCompassDatProcessor(), "cave.dat", data)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	sections, err := os.ReadDir(filepath.Join(checkout, "sections"))
	require.NoError(t, err)
	assert.Len(t, sections, 2)

	index, err := os.ReadFile(filepath.Join(checkout, "project.dat.idx"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(index)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, lines[0], lines[2])
}

func TestSplitSections(t *testing.T) {
	tests := []struct {
		name  string
		input string
		count int
	}{
		{"terminated", "a\x0cb\x0c", 2},
		{"trailing data", "a\x0cb", 2},
		{"no form feed", "abc", 1},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sections := SplitSections([]byte(tt.input))
			assert.Len(t, sections, tt.count)
			assert.Equal(t, tt.input, string(bytes.Join(sections, nil)))
		})
	}
}

func TestUploadReplacesPreviousFormat(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewRepoEnv(t)
	repo := env.Open(t, "p")

	_, err := NewWallsProcessor().Upload(ctx, repo, uploadRequest("cave.wpj", []byte("walls")))
	require.NoError(t, err)
	require.NoError(t, repo.CheckoutDefaultBranch(ctx))
	hash, err := NewArianeTMLProcessor().Upload(ctx, repo, uploadRequest("cave.tml", testutil.TMLFixture(t, "x")))
	require.NoError(t, err)

	entries, err := repo.TreeEntries(ctx, hash)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "project.tml", entries[0].Path)
}

func TestUploadSameContentTwiceCommitsNothing(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewRepoEnv(t)
	repo := env.Open(t, "p")
	p := NewCompassDatProcessor()

	first, err := p.Upload(ctx, repo, uploadRequest("cave.dat", []byte(testutil.CompassDatFixture)))
	require.NoError(t, err)
	require.NotEmpty(t, first)

	require.NoError(t, repo.CheckoutDefaultBranch(ctx))
	second, err := p.Upload(ctx, repo, uploadRequest("cave.dat", []byte(testutil.CompassDatFixture)))
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestDumpProcessor(t *testing.T) {
	ctx := context.Background()
	p := NewDumpProcessor()

	_, err := p.Upload(ctx, nil, uploadRequest("x.zip", []byte("x")))
	assert.True(t, errors.IsValidation(err))

	checkout := t.TempDir()
	h := testutil.NewTestHelper(t)
	h.WriteFile(checkout, "project.mak", []byte("mak"))
	h.WriteFile(checkout, "compass/a.dat", []byte("dat"))
	h.WriteFile(checkout, ".git/HEAD", []byte("ref: refs/heads/master"))

	out := t.TempDir()
	path, err := p.Download(ctx, checkout, "abc123", out)
	require.NoError(t, err)
	assert.Equal(t, DumpFilename, filepath.Base(path))

	members := testutil.ReadZip(t, h.ReadFile(path))
	assert.Equal(t, map[string]string{"project.mak": "mak", "compass/a.dat": "dat"}, members)

	_, err = p.Download(ctx, t.TempDir(), "empty", out)
	assert.Equal(t, errors.ErrCodeEmptyArchive, errors.GetErrorCode(err))
}

package geojson

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speleostore/internal/formats"
	"speleostore/internal/git"
	"speleostore/internal/store"
	"speleostore/internal/testutil"
	"speleostore/pkg/errors"
	"speleostore/pkg/models"
)

// countingConverter wraps a converter and counts the conversions attempted
type countingConverter struct {
	inner Converter
	calls int32
}

func (c *countingConverter) Convert(ctx context.Context, survey *Survey) (json.RawMessage, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.inner.Convert(ctx, survey)
}

type builderEnv struct {
	store     *store.Store
	repos     *testutil.RepoEnv
	builder   *Builder
	converter *countingConverter
	scratch   string
}

func newBuilderEnv(t *testing.T, anchor *models.Coordinate) *builderEnv {
	t.Helper()
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Create(context.Background(), store.ProjectKey("mammoth-cave"), &models.Project{
		ID:     "mammoth-cave",
		Name:   "Mammoth Cave",
		Anchor: anchor,
	}))

	converter := &countingConverter{inner: CompassConverter{}}
	scratch := t.TempDir()
	return &builderEnv{
		store:     s,
		repos:     testutil.NewRepoEnv(t),
		builder:   NewBuilder(s, formats.NewDefaultRegistry(), converter, scratch, nil, nil),
		converter: converter,
		scratch:   scratch,
	}
}

func upload(t *testing.T, repo git.Repository, p formats.Processor, filename string, data []byte) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.CheckoutDefaultBranch(ctx))
	hash, err := p.Upload(ctx, repo, formats.UploadRequest{
		Artifact: &formats.Artifact{Filename: filename, Data: data},
		Message:  "upload " + filename,
		Author:   testutil.Alice,
	})
	require.NoError(t, err)
	require.NotEmpty(t, hash)
	return hash
}

func TestBuildAndPersistIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	env := newBuilderEnv(t, mammothAnchor)
	repo := env.repos.Open(t, "mammoth-cave")
	hash := upload(t, repo, formats.NewCompassDatProcessor(), "cave.dat", []byte(entranceSurvey))

	snapshot, err := env.builder.BuildAndPersist(ctx, repo, hash)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, hash, snapshot.CommitHash)
	assert.Contains(t, string(snapshot.Payload), `"FeatureCollection"`)

	stored, err := env.builder.Get(ctx, "mammoth-cave", hash)
	require.NoError(t, err)
	assert.JSONEq(t, string(snapshot.Payload), string(stored.Payload))

	_, err = env.builder.Persist(ctx, "mammoth-cave", hash, json.RawMessage(`{}`))
	assert.True(t, errors.IsImmutabilityViolation(err))

	stored, err = env.builder.Get(ctx, "mammoth-cave", hash)
	require.NoError(t, err)
	assert.JSONEq(t, string(snapshot.Payload), string(stored.Payload))

	entries, err := os.ReadDir(env.scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetMissingSnapshot(t *testing.T) {
	env := newBuilderEnv(t, mammothAnchor)
	_, err := env.builder.Get(context.Background(), "mammoth-cave", "0123456789abcdef0123456789abcdef01234567")
	assert.True(t, errors.IsNotFound(err))
}

func TestBuildWrapsConversionFailures(t *testing.T) {
	ctx := context.Background()
	env := newBuilderEnv(t, nil)
	repo := env.repos.Open(t, "mammoth-cave")
	hash := upload(t, repo, formats.NewCompassDatProcessor(), "cave.dat", []byte(entranceSurvey))

	_, err := env.builder.Build(ctx, repo, hash)
	require.Error(t, err)
	assert.True(t, errors.IsGeoJSONGeneration(err))
	assert.True(t, stderrors.Is(err, ErrNoAnchor))

	_, err = env.builder.Get(ctx, "mammoth-cave", hash)
	assert.True(t, errors.IsNotFound(err))
}

func TestBuildSkipsFormatsWithoutConversion(t *testing.T) {
	ctx := context.Background()
	env := newBuilderEnv(t, mammothAnchor)
	repo := env.repos.Open(t, "mammoth-cave")
	hash := upload(t, repo, formats.NewArianeTMLProcessor(), "survey.tml", testutil.TMLFixture(t, "initial"))

	payload, err := env.builder.Build(ctx, repo, hash)
	require.NoError(t, err)
	assert.Nil(t, payload)
	assert.EqualValues(t, 1, atomic.LoadInt32(&env.converter.calls))

	snapshot, err := env.builder.BuildAndPersist(ctx, repo, hash)
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	_, err = env.builder.Get(ctx, "mammoth-cave", hash)
	assert.True(t, errors.IsNotFound(err))
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	env := newBuilderEnv(t, mammothAnchor)
	repo := env.repos.Open(t, "mammoth-cave")

	walls := upload(t, repo, formats.NewWallsProcessor(), "cave.wpj", []byte(";WALLS\r\n"))
	first := upload(t, repo, formats.NewCompassDatProcessor(), "cave.dat", []byte(entranceSurvey))
	_, err := env.builder.BuildAndPersist(ctx, repo, first)
	require.NoError(t, err)

	second := upload(t, repo, formats.NewCompassZipProcessor(), "cave.zip", testutil.ZipBytes(t, map[string]string{
		"Cave.mak": "#cave.dat;\n",
		"cave.dat": entranceSurvey,
	}))

	report, err := env.builder.Rebuild(ctx, env.repos.Manager, []string{"mammoth-cave"}, false)
	require.NoError(t, err)
	assert.Equal(t, &RebuildReport{Built: 1, Skipped: 2}, report)
	assert.EqualValues(t, 3, atomic.LoadInt32(&env.converter.calls))

	_, err = env.builder.Get(ctx, "mammoth-cave", second)
	assert.NoError(t, err)
	_, err = env.builder.Get(ctx, "mammoth-cave", walls)
	assert.True(t, errors.IsNotFound(err))

	report, err = env.builder.Rebuild(ctx, env.repos.Manager, []string{"mammoth-cave"}, true)
	require.NoError(t, err)
	assert.Equal(t, &RebuildReport{Built: 2, Skipped: 1}, report)

	entries, err := os.ReadDir(env.scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRebuildReportsUnreachableProjects(t *testing.T) {
	ctx := context.Background()
	env := newBuilderEnv(t, mammothAnchor)
	repo := env.repos.Open(t, "mammoth-cave")
	upload(t, repo, formats.NewCompassDatProcessor(), "cave.dat", []byte(entranceSurvey))

	report, err := env.builder.Rebuild(ctx, failingCloner{inner: env.repos.Manager, fail: "lost"}, []string{"lost", "mammoth-cave"}, false)
	require.Error(t, err)
	assert.True(t, errors.IsStorage(err))
	assert.Equal(t, 1, report.Built)

	entries, err := os.ReadDir(env.scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type failingCloner struct {
	inner ScratchCloner
	fail  string
}

func (c failingCloner) OpenScratch(ctx context.Context, projectID, dir string) (git.Repository, error) {
	if projectID == c.fail {
		return nil, errors.StorageError(errors.ErrCodeCloneFailed, "remote unreachable", nil)
	}
	return c.inner.OpenScratch(ctx, projectID, dir)
}

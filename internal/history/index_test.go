package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speleostore/internal/git"
	"speleostore/internal/store"
	"speleostore/internal/testutil"
	"speleostore/pkg/errors"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	idx, err := NewIndex(s, 16, nil)
	require.NoError(t, err)
	return idx
}

func commit(t *testing.T, repo git.Repository, content, message string) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.CheckoutDefaultBranch(ctx))
	require.NoError(t, os.WriteFile(filepath.Join(repo.Path(), "project.tml"), []byte(content), 0644))
	hash, err := repo.CommitAndPush(ctx, message, testutil.Alice)
	require.NoError(t, err)
	return hash
}

func TestGetOrCreateFromCommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	env := testutil.NewRepoEnv(t)
	repo := env.Open(t, "mammoth-cave")

	hash := commit(t, repo, "v1", "initial survey")
	raw, err := repo.Commit(ctx, hash)
	require.NoError(t, err)

	first, err := idx.GetOrCreateFromCommit(ctx, "mammoth-cave", repo, *raw)
	require.NoError(t, err)
	assert.Equal(t, hash, first.Hash)
	assert.Equal(t, "initial survey", first.Message)
	assert.Equal(t, "alice", first.AuthorName)
	require.Len(t, first.Tree, 1)
	assert.Equal(t, "project.tml", first.Tree[0].Path)
	assert.True(t, first.IsRoot())

	second, err := idx.GetOrCreateFromCommit(ctx, "mammoth-cave", repo, *raw)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	list, err := idx.List(ctx, "mammoth-cave")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSyncListsNewestFirst(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	env := testutil.NewRepoEnv(t)
	repo := env.Open(t, "p")

	hashes := []string{
		commit(t, repo, "v1", "first"),
		commit(t, repo, "v2", "second"),
		commit(t, repo, "v3", "third"),
	}

	commits, err := idx.Sync(ctx, "p", repo)
	require.NoError(t, err)
	require.Len(t, commits, 3)
	assert.Equal(t, hashes[2], commits[0].Hash)
	assert.Equal(t, hashes[1], commits[1].Hash)
	assert.Equal(t, hashes[0], commits[2].Hash)
	assert.Equal(t, 2, commits[0].Generation)

	stored, err := idx.List(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, commits, stored)
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	env := testutil.NewRepoEnv(t)
	repo := env.Open(t, "p")

	hash := commit(t, repo, "v1", "first")
	_, err := idx.Sync(ctx, "p", repo)
	require.NoError(t, err)

	c, err := idx.Get(ctx, "p", hash[:10])
	require.NoError(t, err)
	assert.Equal(t, hash, c.Hash)

	_, err = idx.Get(ctx, "p", "ffffffffff")
	assert.True(t, errors.IsNotFound(err))

	_, err = idx.Get(ctx, "other", hash)
	assert.True(t, errors.IsNotFound(err))
}

type failingOpener struct {
	inner RepositoryOpener
	fail  string
}

func (o *failingOpener) OpenOrCreate(ctx context.Context, projectID string) (git.Repository, error) {
	if projectID == o.fail {
		return nil, errors.StorageError(errors.ErrCodeCloneFailed, "remote unreachable", nil)
	}
	return o.inner.OpenOrCreate(ctx, projectID)
}

func TestPreloadIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	env := testutil.NewRepoEnv(t)

	commit(t, env.Open(t, "a"), "a1", "a first")
	repoB := env.Open(t, "b")
	commit(t, repoB, "b1", "b first")
	commit(t, repoB, "b2", "b second")

	opener := &failingOpener{inner: env.Manager, fail: "broken"}
	report, err := idx.Preload(ctx, opener, []string{"a", "broken", "b"}, 2)
	require.Error(t, err)
	assert.True(t, errors.IsStorage(err))

	assert.Equal(t, map[string]int{"a": 1, "b": 2}, report.Indexed)
	assert.Equal(t, []string{"broken"}, report.Failed)

	listed, err := idx.List(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

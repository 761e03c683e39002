package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"speleostore/internal/git"
	"speleostore/pkg/models"
)

// SystemCommitter is the committer identity used by test managers
var SystemCommitter = models.Author{Name: "SpeleoStore", Email: "noreply@speleostore.local"}

// Alice is a regular contributor
var Alice = models.Author{Name: "alice", Email: "alice@example.com"}

// RepoEnv is a repository manager backed by local bare remotes in a
// temporary directory
type RepoEnv struct {
	Root    string
	Manager *git.Manager
}

// NewRepoEnv creates a manager whose working copies and remotes live in t.TempDir()
func NewRepoEnv(t *testing.T) *RepoEnv {
	t.Helper()
	root := t.TempDir()
	return &RepoEnv{
		Root: root,
		Manager: git.NewManager(git.ManagerConfig{
			Root:        filepath.Join(root, "projects"),
			Branch:      "master",
			Committer:   SystemCommitter,
			MaxAttempts: 3,
			Provisioner: git.NewLocalProvisioner(filepath.Join(root, "remotes"), "master"),
		}),
	}
}

// Open returns the working copy of projectID checked out on the default branch
func (e *RepoEnv) Open(t *testing.T, projectID string) git.Repository {
	t.Helper()
	ctx := context.Background()
	repo, err := e.Manager.OpenOrCreate(ctx, projectID)
	require.NoError(t, err)
	require.NoError(t, repo.CheckoutDefaultBranch(ctx))
	return repo
}

// ScratchDir returns a fresh directory for downloads and checkouts
func (e *RepoEnv) ScratchDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

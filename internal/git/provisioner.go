package git

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"speleostore/internal/common"
	"speleostore/pkg/errors"
)

// Provisioner maps a project onto the URL of its remote, creating the remote
// when it can.
type Provisioner interface {
	RemoteURL(ctx context.Context, projectID string) (string, error)
}

// LocalProvisioner keeps one bare repository per project below Root
type LocalProvisioner struct {
	Root   string
	Branch string
}

// NewLocalProvisioner creates a provisioner for bare remotes under root
func NewLocalProvisioner(root, branch string) *LocalProvisioner {
	return &LocalProvisioner{Root: root, Branch: branch}
}

// RemoteURL returns the path of the bare remote, initializing it on first use
func (p *LocalProvisioner) RemoteURL(ctx context.Context, projectID string) (string, error) {
	path := filepath.Join(p.Root, common.SanitizeID(projectID)+".git")

	if _, err := git.PlainOpen(path); err == nil {
		return path, nil
	} else if !stderrors.Is(err, git.ErrRepositoryNotExists) {
		return "", errors.StorageError(errors.ErrCodeStorage, "Failed to open project remote", err).
			WithContext("path", path)
	}

	if err := os.MkdirAll(p.Root, common.DirPermissionNormal); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create remotes directory")
	}

	_, err := git.PlainInitWithOptions(path, &git.PlainInitOptions{
		Bare: true,
		InitOptions: git.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName(p.Branch),
		},
	})
	if err != nil && !stderrors.Is(err, git.ErrRepositoryAlreadyExists) {
		return "", errors.StorageError(errors.ErrCodeStorage, "Failed to initialize project remote", err).
			WithContext("path", path)
	}
	return path, nil
}

// URLProvisioner points every project at BaseURL/<project>.git. Remotes are
// expected to exist already.
type URLProvisioner struct {
	BaseURL string
}

// RemoteURL returns the remote URL of projectID
func (p *URLProvisioner) RemoteURL(ctx context.Context, projectID string) (string, error) {
	return strings.TrimRight(p.BaseURL, "/") + "/" + common.SanitizeID(projectID) + ".git", nil
}

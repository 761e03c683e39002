package git

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"go.uber.org/zap"

	"speleostore/internal/common"
	"speleostore/internal/observability"
	"speleostore/pkg/errors"
	"speleostore/pkg/models"
)

// RemoteName is the only remote a working copy talks to
const RemoteName = "origin"

// RawCommit is a commit read from a working copy, without its tree
type RawCommit struct {
	Hash           string
	Parents        []string
	AuthorName     string
	AuthorEmail    string
	AuthoredAt     time.Time
	CommitterName  string
	CommitterEmail string
	CommittedAt    time.Time
	Message        string
}

// BlobLocation is where FindBlob found a blob
type BlobLocation struct {
	CommitHash string
	Entry      models.TreeEntry
}

// Repository is the narrow view of a project working copy used by the engine
type Repository interface {
	ProjectID() string
	Path() string
	Branch() string

	// Exclusive runs fn while no other Exclusive section of the same working
	// copy runs. Multi-step sequences such as pull, write and commit go
	// through it.
	Exclusive(fn func() error) error

	// CheckoutDefaultBranch pulls, then checks out the default branch,
	// creating it on first use.
	CheckoutDefaultBranch(ctx context.Context) error

	// CommitAndPush stages every pending change and commits it with author.
	// It returns "" without error when nothing changed.
	CommitAndPush(ctx context.Context, message string, author models.Author) (string, error)

	// Head returns the tip of the default branch, or "" before the first commit
	Head(ctx context.Context) (string, error)

	// Commits lists every commit reachable from the default branch
	Commits(ctx context.Context) ([]RawCommit, error)

	// Commit resolves a revision (full or abbreviated hash, branch name)
	Commit(ctx context.Context, ref string) (*RawCommit, error)

	// TreeEntries flattens the tree of a commit
	TreeEntries(ctx context.Context, commitHash string) ([]models.TreeEntry, error)

	// ReadFile opens path as it is in commitHash
	ReadFile(ctx context.Context, commitHash, path string) (io.ReadCloser, error)

	// FindBlob walks history for a blob with the given content hash
	FindBlob(ctx context.Context, blobHash string) (*BlobLocation, error)

	// Materialize writes the files of commitHash into dir
	Materialize(ctx context.Context, commitHash, dir string) error
}

// gitRepository implements Repository on top of go-git
type gitRepository struct {
	session   sync.Mutex
	mu        sync.Mutex
	projectID string
	path      string
	branch    string
	remoteURL string
	repo      *git.Repository
	auth      transport.AuthMethod
	committer models.Author
	attempts  int
	logger    *zap.Logger
	metrics   *observability.Metrics
}

func (r *gitRepository) ProjectID() string { return r.projectID }
func (r *gitRepository) Path() string      { return r.path }
func (r *gitRepository) Branch() string    { return r.branch }

func (r *gitRepository) Exclusive(fn func() error) error {
	r.session.Lock()
	defer r.session.Unlock()
	return fn()
}

func (r *gitRepository) branchRef() plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(r.branch)
}

func (r *gitRepository) remoteRef() plumbing.ReferenceName {
	return plumbing.NewRemoteReferenceName(RemoteName, r.branch)
}

// CheckoutDefaultBranch fetches the remote and moves the default branch to
// the remote tip. The engine allows a single writer per project, so the
// local branch never holds commits the remote lacks once a push succeeded.
func (r *gitRepository) CheckoutDefaultBranch(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.fetch(ctx); err != nil {
		return err
	}

	worktree, err := r.repo.Worktree()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "Failed to get worktree")
	}

	remote, err := r.repo.Reference(r.remoteRef(), true)
	switch {
	case err == nil:
		local := plumbing.NewHashReference(r.branchRef(), remote.Hash())
		if err := r.repo.Storer.SetReference(local); err != nil {
			return errors.Wrap(err, errors.ErrCodeStorage, "Failed to update default branch")
		}
		if err := worktree.Checkout(&git.CheckoutOptions{Branch: r.branchRef(), Force: true}); err != nil {
			return errors.Wrap(err, errors.ErrCodeStorage, "Failed to checkout default branch").
				WithContext("branch", r.branch)
		}
		return nil
	case stderrors.Is(err, plumbing.ErrReferenceNotFound):
		// First use: the branch is born with the first commit. A local branch
		// here only holds commits whose push failed.
		if _, err := r.repo.Reference(r.branchRef(), true); err == nil {
			if err := r.discardUnpushed(); err != nil {
				return errors.Wrap(err, errors.ErrCodeStorage, "Failed to checkout default branch").
					WithContext("branch", r.branch)
			}
		}
		head := plumbing.NewSymbolicReference(plumbing.HEAD, r.branchRef())
		if err := r.repo.Storer.SetReference(head); err != nil {
			return errors.Wrap(err, errors.ErrCodeStorage, "Failed to point HEAD at default branch")
		}
		return nil
	default:
		return errors.Wrap(err, errors.ErrCodeStorage, "Failed to resolve remote branch")
	}
}

// discardUnpushed drops the local default branch, the index and the working
// files, leaving an empty working copy
func (r *gitRepository) discardUnpushed() error {
	if err := r.repo.Storer.RemoveReference(r.branchRef()); err != nil {
		return err
	}
	if err := r.repo.Storer.SetIndex(&index.Index{Version: 2}); err != nil {
		return err
	}
	entries, err := os.ReadDir(r.path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.path, e.Name())); err != nil {
			return err
		}
	}
	r.logger.Warn("discarded unpushed commits", zap.String("project", r.projectID))
	return nil
}

func (r *gitRepository) fetch(ctx context.Context) error {
	retry := errors.ImmediateRetryConfig(r.attempts)
	retry.OnRetry = r.onRetry("pull")

	err := errors.Retry(ctx, retry, func(ctx context.Context) error {
		err := r.repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: RemoteName,
			RefSpecs: []config.RefSpec{
				config.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", RemoteName)),
			},
			Auth:     r.auth,
			Progress: newProgressLogger(r.logger, "fetch", r.projectID),
		})
		if err == nil || stderrors.Is(err, git.NoErrAlreadyUpToDate) || stderrors.Is(err, transport.ErrEmptyRemoteRepository) {
			return nil
		}
		return err
	})
	if err != nil {
		return errors.StorageError(errors.ErrCodePullFailed, "Failed to pull from project remote", err).
			WithContext("project", r.projectID).
			WithContext("remote", r.remoteURL)
	}
	return nil
}

// CommitAndPush stages all pending changes, commits and pushes them
func (r *gitRepository) CommitAndPush(ctx context.Context, message string, author models.Author) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	worktree, err := r.repo.Worktree()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeStorage, "Failed to get worktree")
	}

	if err := stageAll(worktree); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeStorage, "Failed to stage changes").
			WithContext("project", r.projectID)
	}

	status, err := worktree.Status()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeStorage, "Failed to read worktree status")
	}
	if status.IsClean() {
		r.logger.Debug("nothing to commit", zap.String("project", r.projectID))
		return "", nil
	}

	now := time.Now()
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author:    &object.Signature{Name: author.Name, Email: author.Email, When: now},
		Committer: &object.Signature{Name: r.committer.Name, Email: r.committer.Email, When: now},
	})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeStorage, "Failed to create commit").
			WithContext("project", r.projectID)
	}

	if err := r.push(ctx); err != nil {
		return "", err
	}

	if r.metrics != nil {
		r.metrics.CommitsPushed.Inc()
	}
	r.logger.Info("commit pushed",
		zap.String("project", r.projectID),
		zap.String("commit", hash.String()),
		zap.String("author", author.Email))
	return hash.String(), nil
}

// stageAll mirrors `git add -A`: additions, modifications and deletions
func stageAll(worktree *git.Worktree) error {
	status, err := worktree.Status()
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(status))
	for path := range status {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		fileStatus := status[path]
		switch fileStatus.Worktree {
		case git.Unmodified:
			continue
		case git.Deleted:
			if _, err := worktree.Remove(path); err != nil {
				return fmt.Errorf("stage removal of %s: %w", path, err)
			}
		default:
			if _, err := worktree.Add(path); err != nil {
				return fmt.Errorf("stage %s: %w", path, err)
			}
		}
	}
	return nil
}

func (r *gitRepository) push(ctx context.Context) error {
	retry := errors.ImmediateRetryConfig(r.attempts)
	retry.OnRetry = r.onRetry("push")

	refSpec := config.RefSpec(fmt.Sprintf("%s:%s", r.branchRef(), r.branchRef()))
	err := errors.Retry(ctx, retry, func(ctx context.Context) error {
		err := r.repo.PushContext(ctx, &git.PushOptions{
			RemoteName: RemoteName,
			RefSpecs:   []config.RefSpec{refSpec},
			Auth:       r.auth,
		})
		if err == nil || stderrors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return err
	})
	if err != nil {
		return errors.StorageError(errors.ErrCodePushFailed, "Failed to push to project remote", err).
			WithContext("project", r.projectID).
			WithContext("remote", r.remoteURL).
			WithSuggestions("Check that the project remote is reachable and writable")
	}
	return nil
}

func (r *gitRepository) onRetry(operation string) func(int, error) {
	return func(attempt int, err error) {
		if r.metrics != nil {
			r.metrics.GitRetries.WithLabelValues(operation).Inc()
		}
		r.logger.Warn("git operation failed, retrying",
			zap.String("operation", operation),
			zap.String("project", r.projectID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}

// Head returns the tip of the default branch
func (r *gitRepository) Head(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, err := r.repo.Reference(r.branchRef(), true)
	if stderrors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeStorage, "Failed to resolve default branch")
	}
	return ref.Hash().String(), nil
}

// Commits lists the history of the default branch, newest first
func (r *gitRepository) Commits(ctx context.Context) ([]RawCommit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, err := r.repo.Reference(r.branchRef(), true)
	if stderrors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "Failed to resolve default branch")
	}

	iter, err := r.repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "Failed to read commit log")
	}
	defer iter.Close()

	var commits []RawCommit
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		commits = append(commits, toRawCommit(c))
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "Failed to iterate commits")
	}
	return commits, nil
}

// Commit resolves ref to a commit
func (r *gitRepository) Commit(ctx context.Context, ref string) (*RawCommit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.resolve(ref)
	if err != nil {
		return nil, err
	}
	raw := toRawCommit(c)
	return &raw, nil
}

func (r *gitRepository) resolve(ref string) (*object.Commit, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, errors.NotFoundError("commit", ref).WithContext("project", r.projectID)
	}
	c, err := r.repo.CommitObject(*hash)
	if err != nil {
		return nil, errors.NotFoundError("commit", ref).WithContext("project", r.projectID)
	}
	return c, nil
}

// TreeEntries flattens the tree of commitHash, directories included
func (r *gitRepository) TreeEntries(ctx context.Context, commitHash string) ([]models.TreeEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.resolve(commitHash)
	if err != nil {
		return nil, err
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "Failed to read commit tree")
	}

	var entries []models.TreeEntry
	err = walkTree(tree, func(path string, entry object.TreeEntry) error {
		entries = append(entries, toTreeEntry(path, entry))
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "Failed to walk commit tree")
	}
	return entries, nil
}

// ReadFile opens path as it exists in commitHash
func (r *gitRepository) ReadFile(ctx context.Context, commitHash, path string) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.resolve(commitHash)
	if err != nil {
		return nil, err
	}
	file, err := c.File(path)
	if err != nil {
		return nil, errors.NotFoundError("file", path).WithContext("commit", commitHash)
	}
	return file.Reader()
}

// FindBlob walks every commit of the default branch looking for blobHash
func (r *gitRepository) FindBlob(ctx context.Context, blobHash string) (*BlobLocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := plumbing.NewHash(blobHash)
	ref, err := r.repo.Reference(r.branchRef(), true)
	if err != nil {
		return nil, errors.NotFoundError("blob", blobHash).WithContext("project", r.projectID)
	}

	iter, err := r.repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "Failed to read commit log")
	}
	defer iter.Close()

	var found *BlobLocation
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		tree, err := c.Tree()
		if err != nil {
			return err
		}
		return walkTree(tree, func(path string, entry object.TreeEntry) error {
			if entry.Hash == target && entry.Mode.IsFile() {
				found = &BlobLocation{CommitHash: c.Hash.String(), Entry: toTreeEntry(path, entry)}
				return storer.ErrStop
			}
			return nil
		})
	})
	if err != nil && !stderrors.Is(err, storer.ErrStop) {
		return nil, errors.Wrap(err, errors.ErrCodeStorage, "Failed to search history")
	}
	if found == nil {
		return nil, errors.NotFoundError("blob", blobHash).WithContext("project", r.projectID)
	}
	return found, nil
}

// Materialize writes every file of commitHash below dir
func (r *gitRepository) Materialize(ctx context.Context, commitHash, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.resolve(commitHash)
	if err != nil {
		return err
	}

	files, err := c.Files()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "Failed to list commit files")
	}
	defer files.Close()

	return files.ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := common.SafeJoin(dir, f.Name)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeFileOperation, "Unsafe path in commit tree")
		}
		if err := os.MkdirAll(filepath.Dir(target), common.DirPermissionNormal); err != nil {
			return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create checkout directory")
		}
		return writeBlob(f, target)
	})
}

func writeBlob(f *object.File, target string) error {
	reader, err := f.Reader()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "Failed to read blob").WithContext("path", f.Name)
	}
	defer reader.Close()

	mode := os.FileMode(common.FilePermissionNormal)
	if f.Mode == filemode.Executable {
		mode = 0755
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create file").WithContext("path", target)
	}
	if _, err := io.Copy(out, reader); err != nil {
		out.Close()
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to write file").WithContext("path", target)
	}
	return out.Close()
}

// walkTree visits every entry of tree recursively, parents before children
func walkTree(tree *object.Tree, fn func(path string, entry object.TreeEntry) error) error {
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()

	for {
		path, entry, err := walker.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(path, entry); err != nil {
			return err
		}
	}
}

func toTreeEntry(path string, entry object.TreeEntry) models.TreeEntry {
	kind := "blob"
	switch entry.Mode {
	case filemode.Dir:
		kind = "tree"
	case filemode.Submodule:
		kind = "commit"
	}
	return models.TreeEntry{
		Mode:   fmt.Sprintf("%06o", uint32(entry.Mode)),
		Type:   kind,
		Object: entry.Hash.String(),
		Path:   path,
	}
}

func toRawCommit(c *object.Commit) RawCommit {
	parents := make([]string, 0, len(c.ParentHashes))
	for _, p := range c.ParentHashes {
		parents = append(parents, p.String())
	}
	return RawCommit{
		Hash:           c.Hash.String(),
		Parents:        parents,
		AuthorName:     c.Author.Name,
		AuthorEmail:    c.Author.Email,
		AuthoredAt:     c.Author.When,
		CommitterName:  c.Committer.Name,
		CommitterEmail: c.Committer.Email,
		CommittedAt:    c.Committer.When,
		Message:        strings.TrimSpace(c.Message),
	}
}

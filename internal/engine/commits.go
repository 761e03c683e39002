package engine

import (
	"context"
	"io"

	"go.uber.org/zap"

	"speleostore/internal/artifact"
	"speleostore/internal/formats"
	"speleostore/internal/geojson"
	"speleostore/internal/git"
	"speleostore/internal/history"
	"speleostore/pkg/errors"
	"speleostore/pkg/models"
)

// CommitUploadedFile validates an uploaded survey file, writes it through its
// processor and commits it. The user needs write access and must hold the
// project lock. It returns the new commit hash, or "" when the file matches
// the current tip.
func (e *Engine) CommitUploadedFile(ctx context.Context, req UploadFileRequest) (string, error) {
	if err := validateRequest(&req); err != nil {
		return "", err
	}
	if _, err := e.GetProject(ctx, req.ProjectID); err != nil {
		return "", err
	}
	if !e.access.HasPermission(ctx, req.User, req.ProjectID, models.AccessWrite) {
		return "", errors.NotAuthorizedError(req.User, req.ProjectID, string(models.AccessWrite))
	}
	holds, err := e.mutexes.Holds(ctx, req.ProjectID, req.User)
	if err != nil {
		return "", err
	}
	if !holds {
		return "", errors.MutexRequiredError(req.User, req.ProjectID)
	}

	processor, err := e.uploadProcessor(&req)
	if err != nil {
		return "", err
	}

	repo, err := e.repos.OpenOrCreate(ctx, req.ProjectID)
	if err != nil {
		return "", err
	}

	var hash string
	err = repo.Exclusive(func() error {
		if err := repo.CheckoutDefaultBranch(ctx); err != nil {
			return err
		}
		var err error
		hash, err = processor.Upload(ctx, repo, formats.UploadRequest{
			Artifact: req.artifact(),
			Message:  req.Message,
			Author:   req.Author,
		})
		if err != nil || hash == "" {
			return err
		}
		_, err = e.history.Sync(ctx, req.ProjectID, repo)
		return err
	})
	if err != nil {
		return "", err
	}

	if hash == "" {
		e.logger.Info("upload identical to current tip, nothing committed",
			zap.String("project", req.ProjectID),
			zap.String("user", req.User))
		return "", nil
	}
	e.logger.Info("survey committed",
		zap.String("project", req.ProjectID),
		zap.String("user", req.User),
		zap.String("format", string(processor.Format())),
		zap.String("commit", hash))
	return hash, nil
}

func (e *Engine) uploadProcessor(req *UploadFileRequest) (formats.Processor, error) {
	a := req.artifact()
	var (
		processor formats.Processor
		err       error
	)
	if req.Format != "" {
		processor, err = e.registry.Lookup(req.Format)
	} else {
		processor, err = e.registry.ResolveForUpload(a)
	}
	if err != nil {
		return nil, err
	}
	if err := processor.Validate(a); err != nil {
		return nil, err
	}
	return processor, nil
}

// PrepareDownload checks commitRef of projectID out and prepares its survey
// file. An empty commitRef means the tip of the default branch; an empty
// format selects the processor from the files of the commit. The caller must
// call Cleanup on the result.
func (e *Engine) PrepareDownload(ctx context.Context, projectID, commitRef string, format formats.Format) (*artifact.Download, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.artifacts.PrepareForDownload(ctx, projectID, commitRef, format)
}

// ExportArchive zips every file of commitRef of projectID into w. An empty
// commitRef means the tip of the default branch. It returns the commit hash
// and the number of archived files.
func (e *Engine) ExportArchive(ctx context.Context, projectID, commitRef string, w io.Writer) (string, int, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return "", 0, err
	}
	repo, err := e.repos.OpenOrCreate(ctx, projectID)
	if err != nil {
		return "", 0, err
	}

	var (
		hash string
		n    int
	)
	err = repo.Exclusive(func() error {
		var err error
		if hash, err = resolveCommit(ctx, repo, commitRef); err != nil {
			return err
		}
		n, err = artifact.PackageAsArchive(ctx, repo, hash, w)
		return err
	})
	if err != nil {
		return "", 0, err
	}
	e.logger.Debug("archive exported",
		zap.String("project", projectID),
		zap.String("commit", hash),
		zap.Int("files", n))
	return hash, n, nil
}

// ListCommits pulls projectID, indexes any commit not seen yet and returns
// the history newest first
func (e *Engine) ListCommits(ctx context.Context, projectID string) ([]models.Commit, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	repo, err := e.repos.OpenOrCreate(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var commits []models.Commit
	err = repo.Exclusive(func() error {
		if err := repo.CheckoutDefaultBranch(ctx); err != nil {
			return err
		}
		var err error
		commits, err = e.history.Sync(ctx, projectID, repo)
		return err
	})
	return commits, err
}

// IndexedCommits returns the indexed history without touching the working copy
func (e *Engine) IndexedCommits(ctx context.Context, projectID string) ([]models.Commit, error) {
	return e.history.List(ctx, projectID)
}

// GetCommit returns one indexed commit. Abbreviated hashes are accepted.
func (e *Engine) GetCommit(ctx context.Context, projectID, hash string) (*models.Commit, error) {
	return e.history.Get(ctx, projectID, hash)
}

// GetSnapshot returns the GeoJSON snapshot of a commit
func (e *Engine) GetSnapshot(ctx context.Context, projectID, commitHash string) (*models.Snapshot, error) {
	if len(commitHash) < 40 {
		c, err := e.history.Get(ctx, projectID, commitHash)
		if err != nil {
			return nil, err
		}
		commitHash = c.Hash
	}
	return e.snapshots.Get(ctx, projectID, commitHash)
}

// BuildSnapshot builds and stores the snapshot of commitRef. With force an
// existing snapshot is replaced. Conversion failures are returned as
// GeoJSONGenerationError. A commit holding no survey file yields nil.
func (e *Engine) BuildSnapshot(ctx context.Context, projectID, commitRef string, force bool) (*models.Snapshot, error) {
	if _, err := e.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	repo, err := e.repos.OpenOrCreate(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var hash string
	err = repo.Exclusive(func() error {
		var err error
		hash, err = resolveCommit(ctx, repo, commitRef)
		return err
	})
	if err != nil {
		return nil, err
	}

	if force {
		if err := e.snapshots.Delete(ctx, projectID, hash); err != nil {
			return nil, err
		}
	}
	return e.snapshots.BuildAndPersist(ctx, repo, hash)
}

// RebuildSnapshots builds the missing snapshots of every commit of every
// project, or all of them with force
func (e *Engine) RebuildSnapshots(ctx context.Context, force bool) (*geojson.RebuildReport, error) {
	ids, err := e.projectIDs(ctx)
	if err != nil {
		return nil, err
	}
	return e.snapshots.Rebuild(ctx, e.repos, ids, force)
}

// PreloadHistory pulls and indexes every project with at most concurrency
// projects in flight
func (e *Engine) PreloadHistory(ctx context.Context, concurrency int) (*history.PreloadReport, error) {
	ids, err := e.projectIDs(ctx)
	if err != nil {
		return nil, err
	}
	return e.history.Preload(ctx, e.repos, ids, concurrency)
}

// resolveCommit turns commitRef into a full hash, pulling first when it is
// empty. Must run inside repo.Exclusive.
func resolveCommit(ctx context.Context, repo git.Repository, commitRef string) (string, error) {
	if commitRef == "" {
		if err := repo.CheckoutDefaultBranch(ctx); err != nil {
			return "", err
		}
		commitRef = repo.Branch()
	}
	c, err := repo.Commit(ctx, commitRef)
	if err != nil {
		return "", err
	}
	return c.Hash, nil
}

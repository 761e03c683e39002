// Package geojson derives write-once GeoJSON snapshots from the survey file
// of each commit.
package geojson

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"speleostore/internal/common"
	"speleostore/internal/formats"
	"speleostore/internal/git"
	"speleostore/internal/observability"
	"speleostore/internal/store"
	"speleostore/pkg/errors"
	"speleostore/pkg/models"
)

// ScratchCloner clones a project into a caller-owned directory
type ScratchCloner interface {
	OpenScratch(ctx context.Context, projectID, dir string) (git.Repository, error)
}

// Builder builds, stores and rebuilds snapshots
type Builder struct {
	store       *store.Store
	registry    *formats.Registry
	converter   Converter
	scratchRoot string
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewBuilder creates a snapshot builder. Scratch checkouts go below
// scratchRoot, or the system temp directory when it is empty.
func NewBuilder(s *store.Store, registry *formats.Registry, converter Converter, scratchRoot string, logger *zap.Logger, metrics *observability.Metrics) *Builder {
	return &Builder{
		store:       s,
		registry:    registry,
		converter:   converter,
		scratchRoot: scratchRoot,
		logger:      observability.OrNop(logger).Named("geojson"),
		metrics:     metrics,
		now:         time.Now,
	}
}

// Build converts the survey file of commitHash. A commit without a
// recognized survey file, or whose format has no conversion, yields a nil
// payload and no error. Conversion
// failures are returned as GeoJSONGenerationError.
func (b *Builder) Build(ctx context.Context, repo git.Repository, commitHash string) (json.RawMessage, error) {
	project, err := b.project(ctx, repo.ProjectID())
	if err != nil {
		return nil, err
	}

	work, err := os.MkdirTemp(b.scratchRoot, "snapshot-*")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create scratch directory")
	}
	defer os.RemoveAll(work)

	checkout := filepath.Join(work, "checkout")
	if err := os.MkdirAll(checkout, common.DirPermissionNormal); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create checkout directory")
	}
	if err := repo.Materialize(ctx, commitHash, checkout); err != nil {
		return nil, err
	}

	processor, err := b.registry.ResolveForDownload(checkout)
	if errors.IsNotFound(err) {
		b.logger.Debug("no survey file in commit", zap.String("project", project.ID), zap.String("commit", commitHash))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	surveyPath, err := processor.Download(ctx, checkout, commitHash, filepath.Join(work, "out"))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(surveyPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to read survey file")
	}

	payload, err := b.converter.Convert(ctx, &Survey{
		ProjectID:  project.ID,
		CommitHash: commitHash,
		Format:     processor.Format(),
		Filename:   filepath.Base(surveyPath),
		Data:       data,
		Anchor:     project.Anchor,
	})
	if stderrors.Is(err, ErrUnsupportedFormat) {
		b.count("unsupported")
		b.logger.Debug("survey format has no GeoJSON conversion",
			zap.String("project", project.ID),
			zap.String("commit", commitHash),
			zap.String("format", string(processor.Format())))
		return nil, nil
	}
	if err != nil {
		b.count("failed")
		return nil, errors.GeoJSONGenerationError(commitHash, err).
			WithContext("project", project.ID).
			WithContext("format", string(processor.Format()))
	}
	return payload, nil
}

// Persist stores the snapshot of a commit. A commit has at most one
// snapshot; writing a second one is an ImmutabilityViolation.
func (b *Builder) Persist(ctx context.Context, projectID, commitHash string, payload json.RawMessage) (*models.Snapshot, error) {
	snapshot := &models.Snapshot{
		CommitHash: commitHash,
		ProjectID:  projectID,
		Payload:    payload,
		CreatedAt:  b.now().UTC(),
	}
	err := b.store.Create(ctx, store.SnapshotKey(projectID, commitHash), snapshot)
	if stderrors.Is(err, store.ErrExists) {
		return nil, errors.ImmutabilityViolation("snapshot", commitHash).WithContext("project", projectID)
	}
	if err != nil {
		return nil, errors.StorageError(errors.ErrCodeRecordStore, "Failed to store snapshot", err)
	}
	b.count("built")
	b.logger.Info("snapshot stored", zap.String("project", projectID), zap.String("commit", commitHash))
	return snapshot, nil
}

// BuildAndPersist builds and stores the snapshot of one commit. It returns
// nil when the commit holds no survey file.
func (b *Builder) BuildAndPersist(ctx context.Context, repo git.Repository, commitHash string) (*models.Snapshot, error) {
	payload, err := b.Build(ctx, repo, commitHash)
	if err != nil || payload == nil {
		return nil, err
	}
	return b.Persist(ctx, repo.ProjectID(), commitHash, payload)
}

// Get returns the snapshot of a commit
func (b *Builder) Get(ctx context.Context, projectID, commitHash string) (*models.Snapshot, error) {
	var snapshot models.Snapshot
	err := b.store.Get(ctx, store.SnapshotKey(projectID, commitHash), &snapshot)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.NotFoundError("snapshot", commitHash).WithContext("project", projectID)
	}
	if err != nil {
		return nil, errors.StorageError(errors.ErrCodeRecordStore, "Failed to load snapshot", err)
	}
	return &snapshot, nil
}

// Delete removes the snapshot of a commit so that it can be regenerated
func (b *Builder) Delete(ctx context.Context, projectID, commitHash string) error {
	if err := b.store.Delete(ctx, store.SnapshotKey(projectID, commitHash)); err != nil {
		return errors.StorageError(errors.ErrCodeRecordStore, "Failed to delete snapshot", err)
	}
	return nil
}

// Exists reports whether a commit already has a snapshot
func (b *Builder) Exists(ctx context.Context, projectID, commitHash string) (bool, error) {
	ok, err := b.store.Exists(ctx, store.SnapshotKey(projectID, commitHash))
	if err != nil {
		return false, errors.StorageError(errors.ErrCodeRecordStore, "Failed to look up snapshot", err)
	}
	return ok, nil
}

func (b *Builder) project(ctx context.Context, projectID string) (*models.Project, error) {
	var project models.Project
	err := b.store.Get(ctx, store.ProjectKey(projectID), &project)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.NotFoundError("project", projectID)
	}
	if err != nil {
		return nil, errors.StorageError(errors.ErrCodeRecordStore, "Failed to load project", err)
	}
	return &project, nil
}

func (b *Builder) count(outcome string) {
	if b.metrics != nil {
		b.metrics.Snapshots.WithLabelValues(outcome).Inc()
	}
}

// RebuildReport summarizes a batch rebuild
type RebuildReport struct {
	Built   int
	Skipped int
	Failed  int
}

// Rebuild walks every commit of every project in a throwaway clone and
// builds the missing snapshots. With force, existing snapshots are deleted
// and rebuilt. Generation failures are logged and skipped; a project that
// cannot be cloned is reported and the batch moves on.
func (b *Builder) Rebuild(ctx context.Context, cloner ScratchCloner, projectIDs []string, force bool) (*RebuildReport, error) {
	report := &RebuildReport{}
	var errs error
	for _, projectID := range projectIDs {
		if err := ctx.Err(); err != nil {
			return report, multierr.Append(errs, err)
		}
		if err := b.rebuildProject(ctx, cloner, projectID, force, report); err != nil {
			b.logger.Error("rebuild failed", zap.String("project", projectID), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	b.logger.Info("rebuild finished",
		zap.Int("built", report.Built),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, errs
}

func (b *Builder) rebuildProject(ctx context.Context, cloner ScratchCloner, projectID string, force bool, report *RebuildReport) error {
	dir, err := os.MkdirTemp(b.scratchRoot, "rebuild-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create scratch directory")
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			b.logger.Warn("failed to remove rebuild clone", zap.String("path", dir), zap.Error(err))
		}
	}()

	repo, err := cloner.OpenScratch(ctx, projectID, filepath.Join(dir, "clone"))
	if err != nil {
		return err
	}
	if err := repo.CheckoutDefaultBranch(ctx); err != nil {
		return err
	}
	commits, err := repo.Commits(ctx)
	if err != nil {
		return err
	}

	for _, c := range commits {
		exists, err := b.Exists(ctx, projectID, c.Hash)
		if err != nil {
			return err
		}
		if exists && !force {
			report.Skipped++
			continue
		}
		if exists {
			if err := b.Delete(ctx, projectID, c.Hash); err != nil {
				return err
			}
		}

		snapshot, err := b.BuildAndPersist(ctx, repo, c.Hash)
		switch {
		case errors.IsGeoJSONGeneration(err):
			b.logger.Warn("snapshot generation failed, skipping",
				zap.String("project", projectID),
				zap.String("commit", c.Hash),
				zap.Error(err))
			report.Failed++
		case err != nil:
			return err
		case snapshot == nil:
			report.Skipped++
		default:
			report.Built++
		}
	}
	return nil
}

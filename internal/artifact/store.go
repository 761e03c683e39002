// Package artifact resolves a commit reference to a downloadable file.
//
// Every download is prepared in its own scratch workspace below the
// configured scratch root. The caller owns the returned Download and must
// call Cleanup once the file has been served, on every path.
package artifact

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"speleostore/internal/common"
	"speleostore/internal/formats"
	"speleostore/internal/git"
	"speleostore/internal/observability"
	"speleostore/pkg/errors"
)

// RepositoryOpener opens the working copy of a project
type RepositoryOpener interface {
	OpenOrCreate(ctx context.Context, projectID string) (git.Repository, error)
}

// Download is a prepared file
type Download struct {
	Path       string
	Filename   string
	CommitHash string
	Format     formats.Format

	cleanup func() error
}

// Open opens the prepared file for reading
func (d *Download) Open() (*os.File, error) {
	f, err := os.Open(d.Path) // #nosec G304 - path built by PrepareForDownload
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to open prepared download")
	}
	return f, nil
}

// Cleanup removes the scratch workspace of the download. Calling it more
// than once is harmless.
func (d *Download) Cleanup() error {
	if d.cleanup == nil {
		return nil
	}
	err := d.cleanup()
	d.cleanup = nil
	return err
}

// Store prepares downloads
type Store struct {
	opener      RepositoryOpener
	registry    *formats.Registry
	scratchRoot string
	logger      *zap.Logger
	metrics     *observability.Metrics
}

// NewStore creates an artifact store. An empty scratchRoot means the system
// temp directory.
func NewStore(opener RepositoryOpener, registry *formats.Registry, scratchRoot string, logger *zap.Logger, metrics *observability.Metrics) *Store {
	return &Store{
		opener:      opener,
		registry:    registry,
		scratchRoot: scratchRoot,
		logger:      observability.OrNop(logger).Named("artifact"),
		metrics:     metrics,
	}
}

// PrepareForDownload checks commitRef out into an isolated workspace and runs
// the download step of a processor on it. An empty commitRef means the tip of
// the default branch after a pull. An empty format selects the processor from
// the canonical files present in the commit.
func (s *Store) PrepareForDownload(ctx context.Context, projectID, commitRef string, format formats.Format) (*Download, error) {
	repo, err := s.opener.OpenOrCreate(ctx, projectID)
	if err != nil {
		return nil, err
	}

	work, err := os.MkdirTemp(s.scratchRoot, "checkout-*")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create scratch workspace")
	}
	download, err := s.prepare(ctx, repo, commitRef, format, work)
	if err != nil {
		if rmErr := os.RemoveAll(work); rmErr != nil {
			s.logger.Warn("failed to remove scratch workspace", zap.String("path", work), zap.Error(rmErr))
		}
		return nil, err
	}
	return download, nil
}

func (s *Store) prepare(ctx context.Context, repo git.Repository, commitRef string, format formats.Format, work string) (*Download, error) {
	checkout := filepath.Join(work, "checkout")
	if err := os.MkdirAll(checkout, common.DirPermissionNormal); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create checkout directory")
	}

	var hash string
	err := repo.Exclusive(func() error {
		var err error
		if hash, err = s.resolve(ctx, repo, commitRef); err != nil {
			return err
		}
		return repo.Materialize(ctx, hash, checkout)
	})
	if err != nil {
		return nil, err
	}

	processor, err := s.processor(checkout, format)
	if err != nil {
		return nil, err
	}
	path, err := processor.Download(ctx, checkout, hash, filepath.Join(work, "out"))
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.Downloads.WithLabelValues(string(processor.Format())).Inc()
	}
	s.logger.Info("download prepared",
		zap.String("project", repo.ProjectID()),
		zap.String("commit", hash),
		zap.String("format", string(processor.Format())))

	return &Download{
		Path:       path,
		Filename:   filepath.Base(path),
		CommitHash: hash,
		Format:     processor.Format(),
		cleanup:    func() error { return os.RemoveAll(work) },
	}, nil
}

// resolve turns commitRef into a full hash. Must run inside repo.Exclusive.
func (s *Store) resolve(ctx context.Context, repo git.Repository, commitRef string) (string, error) {
	if commitRef != "" {
		c, err := repo.Commit(ctx, commitRef)
		if err != nil {
			return "", err
		}
		return c.Hash, nil
	}

	if err := repo.CheckoutDefaultBranch(ctx); err != nil {
		return "", err
	}
	head, err := repo.Head(ctx)
	if err != nil {
		return "", err
	}
	if head == "" {
		return "", errors.NotFoundError("commit", repo.Branch()).
			WithContext("project", repo.ProjectID()).
			WithSuggestions("Upload a survey file before downloading")
	}
	return head, nil
}

func (s *Store) processor(checkout string, format formats.Format) (formats.Processor, error) {
	if format == "" {
		return s.registry.ResolveForDownload(checkout)
	}
	return s.registry.Lookup(format)
}

// PackageAsArchive streams every blob of commitHash into a zip archive written
// to w and returns the number of files. A commit without files is an error.
func PackageAsArchive(ctx context.Context, repo git.Repository, commitHash string, w io.Writer) (int, error) {
	entries, err := repo.TreeEntries(ctx, commitHash)
	if err != nil {
		return 0, err
	}

	var blobs []string
	for _, e := range entries {
		if e.Type == "blob" {
			blobs = append(blobs, e.Path)
		}
	}
	if len(blobs) == 0 {
		return 0, errors.New(errors.ErrCodeEmptyArchive, "Commit tree holds no file to archive").
			WithContext("commit", commitHash)
	}

	archive := zip.NewWriter(w)
	for _, name := range blobs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := addBlob(ctx, archive, repo, commitHash, name); err != nil {
			return 0, err
		}
	}
	if err := archive.Close(); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to finish archive")
	}
	return len(blobs), nil
}

func addBlob(ctx context.Context, archive *zip.Writer, repo git.Repository, commitHash, name string) error {
	r, err := repo.ReadFile(ctx, commitHash, name)
	if err != nil {
		return err
	}
	defer r.Close()
	return formats.AddArchiveMember(archive, name, r)
}

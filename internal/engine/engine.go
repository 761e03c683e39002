// Package engine exposes the operations of the survey storage engine:
// project creation, the project lock, uploads, downloads, history listings
// and GeoJSON snapshots. It wires the record store, the repository manager,
// the lock coordinator, the format registry, the history index, the snapshot
// builder and the artifact store together.
//
// Operations run synchronously in the caller's goroutine. Callers impose
// timeouts through the context.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"speleostore/internal/access"
	"speleostore/internal/artifact"
	"speleostore/internal/common"
	"speleostore/internal/formats"
	"speleostore/internal/geojson"
	"speleostore/internal/git"
	"speleostore/internal/history"
	"speleostore/internal/mutex"
	"speleostore/internal/observability"
	"speleostore/internal/store"
	"speleostore/pkg/errors"
	"speleostore/pkg/models"
)

// Options holds the collaborators of an Engine
type Options struct {
	Store        *store.Store
	Repositories *git.Manager
	Access       access.Checker
	Registry     *formats.Registry // NewDefaultRegistry when nil
	Converter    geojson.Converter // CompassConverter when nil
	ScratchRoot  string
	CacheSize    int
	Logger       *zap.Logger
	Metrics      *observability.Metrics
}

// Engine is the entry point of every exposed operation
type Engine struct {
	store     *store.Store
	repos     *git.Manager
	access    access.Checker
	registry  *formats.Registry
	mutexes   *mutex.Coordinator
	history   *history.Index
	snapshots *geojson.Builder
	artifacts *artifact.Store
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	closers []func() error
}

// New creates an engine from already constructed collaborators
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Repositories == nil || opts.Access == nil {
		return nil, errors.New(errors.ErrCodeConfiguration, "Engine requires a store, a repository manager and an access checker")
	}
	if opts.Registry == nil {
		opts.Registry = formats.NewDefaultRegistry()
	}
	if opts.Converter == nil {
		opts.Converter = geojson.CompassConverter{}
	}
	logger := observability.OrNop(opts.Logger)

	index, err := history.NewIndex(opts.Store, opts.CacheSize, logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:     opts.Store,
		repos:     opts.Repositories,
		access:    opts.Access,
		registry:  opts.Registry,
		mutexes:   mutex.NewCoordinator(opts.Store, opts.Access, logger, opts.Metrics),
		history:   index,
		snapshots: geojson.NewBuilder(opts.Store, opts.Registry, opts.Converter, opts.ScratchRoot, logger, opts.Metrics),
		artifacts: artifact.NewStore(opts.Repositories, opts.Registry, opts.ScratchRoot, logger, opts.Metrics),
		logger:    logger.Named("engine"),
		metrics:   opts.Metrics,
		now:       time.Now,
	}, nil
}

// Open builds an engine from the configuration file. The returned engine owns
// its record store and must be closed.
func Open(cfg *models.Config, logger *zap.Logger, metrics *observability.Metrics) (*Engine, error) {
	logger = observability.OrNop(logger)

	scratch := scratchRoot(cfg)
	if err := os.MkdirAll(scratch, common.DirPermissionNormal); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to create scratch root").
			WithContext("path", scratch)
	}

	s, err := store.Open(store.Config{Path: cfg.Storage.Database, SyncWrites: true, Logger: logger})
	if err != nil {
		return nil, errors.StorageError(errors.ErrCodeRecordStore, "Failed to open record store", err).
			WithContext("path", cfg.Storage.Database)
	}

	var provisioner git.Provisioner = git.NewLocalProvisioner(cfg.Storage.RemotesRoot, cfg.Git.Branch)
	if cfg.Git.RemoteBaseURL != "" {
		provisioner = &git.URLProvisioner{BaseURL: cfg.Git.RemoteBaseURL}
	}

	e, err := New(Options{
		Store: s,
		Repositories: git.NewManager(git.ManagerConfig{
			Root:        cfg.Storage.Root,
			Branch:      cfg.Git.Branch,
			Committer:   models.Author{Name: cfg.Git.CommitterName, Email: cfg.Git.CommitterEmail},
			MaxAttempts: cfg.Git.MaxAttempts,
			Provisioner: provisioner,
			Logger:      logger,
			Metrics:     metrics,
		}),
		Access:      newChecker(cfg.Users),
		ScratchRoot: scratch,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, multierr.Append(err, s.Close())
	}
	e.closers = append(e.closers, s.Close)
	return e, nil
}

// newChecker grants everything when the configuration lists no user, which is
// the single-user setup
func newChecker(users []models.User) access.Checker {
	if len(users) == 0 {
		return access.AllowAll{}
	}
	return access.NewConfigChecker(users)
}

func scratchRoot(cfg *models.Config) string {
	if cfg.Storage.ScratchRoot != "" {
		return cfg.Storage.ScratchRoot
	}
	return filepath.Join(filepath.Dir(cfg.Storage.Root), "scratch")
}

// Close releases the resources the engine opened itself
func (e *Engine) Close() error {
	var err error
	for _, closer := range e.closers {
		err = multierr.Append(err, closer())
	}
	e.closers = nil
	return err
}

// Registry returns the format registry in use
func (e *Engine) Registry() *formats.Registry { return e.registry }

// AcquireMutex locks projectID for user. Acquiring a lock the user already
// holds refreshes its heartbeat.
func (e *Engine) AcquireMutex(ctx context.Context, projectID, user string) (*models.Mutex, error) {
	return e.mutexes.Acquire(ctx, projectID, user)
}

// ReleaseMutex unlocks projectID. Users with ADMIN access to the project may
// release somebody else's lock.
// Releasing an unlocked project returns nil without error.
func (e *Engine) ReleaseMutex(ctx context.Context, projectID, user, comment string) (*models.Mutex, error) {
	return e.mutexes.Release(ctx, projectID, user, comment)
}

// ReleaseAllMutexes releases every lock user holds
func (e *Engine) ReleaseAllMutexes(ctx context.Context, user string) ([]*models.Mutex, error) {
	return e.mutexes.ReleaseAll(ctx, user)
}

// ActiveMutex returns the current lock of projectID, or nil
func (e *Engine) ActiveMutex(ctx context.Context, projectID string) (*models.Mutex, error) {
	return e.mutexes.Active(ctx, projectID)
}

// HoldsMutex reports whether user holds the lock of projectID, whatever
// spelling of the user name is given
func (e *Engine) HoldsMutex(ctx context.Context, projectID, user string) (bool, error) {
	return e.mutexes.Holds(ctx, projectID, user)
}

// MutexHistory lists every lock of projectID, released ones included
func (e *Engine) MutexHistory(ctx context.Context, projectID string) ([]models.Mutex, error) {
	return e.mutexes.History(ctx, projectID)
}

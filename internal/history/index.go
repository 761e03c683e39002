// Package history indexes commit metadata in the record store so that
// listings do not replay the full history of a working copy.
package history

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"speleostore/internal/git"
	"speleostore/internal/observability"
	"speleostore/internal/store"
	"speleostore/pkg/errors"
	"speleostore/pkg/models"
)

// DefaultCacheSize is the number of indexed commits kept in memory
const DefaultCacheSize = 4096

// DefaultPreloadConcurrency bounds the projects preloaded at once
const DefaultPreloadConcurrency = 4

// RepositoryOpener opens the working copy of a project
type RepositoryOpener interface {
	OpenOrCreate(ctx context.Context, projectID string) (git.Repository, error)
}

// Index is the commit history index
type Index struct {
	store  *store.Store
	cache  *lru.Cache[string, models.Commit]
	logger *zap.Logger
}

// NewIndex creates an index with an LRU cache of cacheSize commits
func NewIndex(s *store.Store, cacheSize int, logger *zap.Logger) (*Index, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, models.Commit](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "Failed to create commit cache")
	}
	return &Index{
		store:  s,
		cache:  cache,
		logger: observability.OrNop(logger).Named("history"),
	}, nil
}

// GetOrCreateFromCommit returns the indexed record of raw, creating it from
// the working copy on first sight. Calling it again for the same commit
// returns the stored record unchanged.
func (i *Index) GetOrCreateFromCommit(ctx context.Context, projectID string, repo git.Repository, raw git.RawCommit) (*models.Commit, error) {
	key := store.CommitKey(projectID, raw.Hash)
	if c, ok := i.cache.Get(key); ok {
		return &c, nil
	}

	var existing models.Commit
	err := i.store.Get(ctx, key, &existing)
	if err == nil {
		i.cache.Add(key, existing)
		return &existing, nil
	}
	if !stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.StorageError(errors.ErrCodeRecordStore, "Failed to load indexed commit", err)
	}

	tree, err := repo.TreeEntries(ctx, raw.Hash)
	if err != nil {
		return nil, err
	}
	commit := toCommit(projectID, raw, tree)
	commit.Generation = i.generation(ctx, projectID, raw.Parents)

	err = i.store.Create(ctx, key, &commit)
	if stderrors.Is(err, store.ErrExists) {
		// Indexed concurrently; the first record wins
		if err := i.store.Get(ctx, key, &existing); err != nil {
			return nil, errors.StorageError(errors.ErrCodeRecordStore, "Failed to load indexed commit", err)
		}
		i.cache.Add(key, existing)
		return &existing, nil
	}
	if err != nil {
		return nil, errors.StorageError(errors.ErrCodeRecordStore, "Failed to index commit", err)
	}

	i.logger.Debug("commit indexed", zap.String("project", projectID), zap.String("commit", raw.Hash))
	i.cache.Add(key, commit)
	return &commit, nil
}

// generation is one more than the highest generation among the indexed parents
func (i *Index) generation(ctx context.Context, projectID string, parents []string) int {
	gen := 0
	for _, parent := range parents {
		key := store.CommitKey(projectID, parent)
		c, ok := i.cache.Get(key)
		if !ok {
			if err := i.store.Get(ctx, key, &c); err != nil {
				continue
			}
		}
		if c.Generation+1 > gen {
			gen = c.Generation + 1
		}
	}
	return gen
}

// Sync indexes every commit reachable from the default branch of repo and
// returns them newest first. Ancestors are indexed before descendants.
func (i *Index) Sync(ctx context.Context, projectID string, repo git.Repository) ([]models.Commit, error) {
	raws, err := repo.Commits(ctx)
	if err != nil {
		return nil, err
	}

	commits := make([]models.Commit, 0, len(raws))
	for n := len(raws) - 1; n >= 0; n-- {
		c, err := i.GetOrCreateFromCommit(ctx, projectID, repo, raws[n])
		if err != nil {
			return nil, err
		}
		commits = append(commits, *c)
	}
	SortNewestFirst(commits)
	return commits, nil
}

// List returns the indexed commits of projectID newest first, without
// touching the working copy
func (i *Index) List(ctx context.Context, projectID string) ([]models.Commit, error) {
	var commits []models.Commit
	err := i.store.List(ctx, store.CommitPrefix(projectID), func(key string, decode func(interface{}) error) error {
		var c models.Commit
		if err := decode(&c); err != nil {
			return err
		}
		commits = append(commits, c)
		return nil
	})
	if err != nil {
		return nil, errors.StorageError(errors.ErrCodeRecordStore, "Failed to list indexed commits", err)
	}
	SortNewestFirst(commits)
	return commits, nil
}

// Get returns one indexed commit. Abbreviated hashes are accepted.
func (i *Index) Get(ctx context.Context, projectID, hash string) (*models.Commit, error) {
	key := store.CommitKey(projectID, hash)
	if c, ok := i.cache.Get(key); ok {
		return &c, nil
	}

	var found *models.Commit
	err := i.store.List(ctx, key, func(k string, decode func(interface{}) error) error {
		if found != nil {
			return errors.ValidationError("commit", hash, "an unambiguous commit hash")
		}
		var c models.Commit
		if err := decode(&c); err != nil {
			return err
		}
		found = &c
		return nil
	})
	if err != nil {
		if errors.IsValidation(err) {
			return nil, err
		}
		return nil, errors.StorageError(errors.ErrCodeRecordStore, "Failed to load indexed commit", err)
	}
	if found == nil {
		return nil, errors.NotFoundError("commit", hash).WithContext("project", projectID)
	}
	if strings.EqualFold(found.Hash, hash) {
		i.cache.Add(key, *found)
	}
	return found, nil
}

// PreloadReport counts the commits indexed per project
type PreloadReport struct {
	mu      sync.Mutex
	Indexed map[string]int
	Failed  []string
}

func (r *PreloadReport) success(projectID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Indexed[projectID] = n
}

func (r *PreloadReport) failure(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failed = append(r.Failed, projectID)
}

// Preload pulls and indexes the history of every project. A failing project
// does not stop the others; all failures are returned together.
func (i *Index) Preload(ctx context.Context, opener RepositoryOpener, projectIDs []string, concurrency int) (*PreloadReport, error) {
	if concurrency <= 0 {
		concurrency = DefaultPreloadConcurrency
	}
	report := &PreloadReport{Indexed: make(map[string]int)}

	var (
		mu   sync.Mutex
		errs error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, projectID := range projectIDs {
		projectID := projectID
		g.Go(func() error {
			n, err := i.preloadProject(gctx, opener, projectID)
			if err != nil {
				i.logger.Warn("preload failed", zap.String("project", projectID), zap.Error(err))
				report.failure(projectID)
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
				return nil
			}
			report.success(projectID, n)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Failed)
	i.logger.Info("preload finished",
		zap.Int("projects", len(projectIDs)),
		zap.Int("failed", len(report.Failed)))
	return report, errs
}

func (i *Index) preloadProject(ctx context.Context, opener RepositoryOpener, projectID string) (int, error) {
	repo, err := opener.OpenOrCreate(ctx, projectID)
	if err != nil {
		return 0, err
	}

	var commits []models.Commit
	err = repo.Exclusive(func() error {
		if err := repo.CheckoutDefaultBranch(ctx); err != nil {
			return err
		}
		commits, err = i.Sync(ctx, projectID, repo)
		return err
	})
	return len(commits), err
}

// SortNewestFirst orders descendants before ancestors, then by author date
// newest first, ties broken by hash
func SortNewestFirst(commits []models.Commit) {
	sort.SliceStable(commits, func(a, b int) bool {
		if commits[a].Generation != commits[b].Generation {
			return commits[a].Generation > commits[b].Generation
		}
		if !commits[a].AuthoredAt.Equal(commits[b].AuthoredAt) {
			return commits[a].AuthoredAt.After(commits[b].AuthoredAt)
		}
		return commits[a].Hash < commits[b].Hash
	})
}

func toCommit(projectID string, raw git.RawCommit, tree []models.TreeEntry) models.Commit {
	return models.Commit{
		Hash:           raw.Hash,
		ProjectID:      projectID,
		Parents:        raw.Parents,
		AuthorName:     raw.AuthorName,
		AuthorEmail:    raw.AuthorEmail,
		AuthoredAt:     raw.AuthoredAt.UTC(),
		CommitterName:  raw.CommitterName,
		CommitterEmail: raw.CommitterEmail,
		CommittedAt:    raw.CommittedAt.UTC(),
		Message:        raw.Message,
		Tree:           tree,
	}
}

package git

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"go.uber.org/zap"

	"speleostore/internal/common"
	"speleostore/internal/observability"
	"speleostore/pkg/errors"
	"speleostore/pkg/models"
)

// ManagerConfig configures a Manager
type ManagerConfig struct {
	Root        string // parent directory of the working copies
	Branch      string
	Committer   models.Author
	MaxAttempts int
	Provisioner Provisioner
	Auth        *AuthManager
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// Manager owns one working copy per project
type Manager struct {
	config ManagerConfig
	logger *zap.Logger

	mu    sync.Mutex
	repos map[string]*gitRepository
}

// NewManager creates a new repository manager
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Branch == "" {
		cfg.Branch = "master"
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Auth == nil {
		cfg.Auth = NewAuthManager()
	}
	return &Manager{
		config: cfg,
		logger: observability.OrNop(cfg.Logger).Named("git"),
		repos:  make(map[string]*gitRepository),
	}
}

// WorkingCopyPath returns where the working copy of projectID lives
func (m *Manager) WorkingCopyPath(projectID string) string {
	return filepath.Join(m.config.Root, common.SanitizeID(projectID))
}

// RemoteURL returns the remote of projectID, provisioning it when the
// provisioner can
func (m *Manager) RemoteURL(ctx context.Context, projectID string) (string, error) {
	return m.config.Provisioner.RemoteURL(ctx, projectID)
}

// OpenOrCreate returns the working copy of projectID, cloning it when absent.
// A working copy that cannot be opened is purged and cloned again, up to the
// configured number of attempts.
func (m *Manager) OpenOrCreate(ctx context.Context, projectID string) (Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if repo, ok := m.repos[projectID]; ok {
		return repo, nil
	}

	repo, err := m.open(ctx, projectID, m.WorkingCopyPath(projectID))
	if err != nil {
		return nil, err
	}
	m.repos[projectID] = repo
	return repo, nil
}

// OpenScratch clones projectID into dir. The copy is not cached and the
// caller removes dir when done.
func (m *Manager) OpenScratch(ctx context.Context, projectID, dir string) (Repository, error) {
	return m.open(ctx, projectID, dir)
}

// Forget drops the cached working copy of projectID
func (m *Manager) Forget(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.repos, projectID)
}

func (m *Manager) open(ctx context.Context, projectID, path string) (*gitRepository, error) {
	remoteURL, err := m.config.Provisioner.RemoteURL(ctx, projectID)
	if err != nil {
		return nil, err
	}
	auth, err := m.config.Auth.GetAuth(remoteURL)
	if err != nil {
		return nil, err
	}

	var opened *git.Repository
	retry := errors.ImmediateRetryConfig(m.config.MaxAttempts)
	retry.OnRetry = func(attempt int, err error) {
		if m.config.Metrics != nil {
			m.config.Metrics.GitRetries.WithLabelValues("clone").Inc()
		}
		m.logger.Warn("working copy unusable, purging",
			zap.String("project", projectID),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	err = errors.Retry(ctx, retry, func(ctx context.Context) error {
		repo, err := openOrClone(ctx, path, remoteURL, auth, newProgressLogger(m.logger, "clone", projectID))
		if err != nil {
			if rmErr := os.RemoveAll(path); rmErr != nil {
				m.logger.Error("failed to purge working copy", zap.String("path", path), zap.Error(rmErr))
			}
			return err
		}
		opened = repo
		return nil
	})
	if err != nil {
		return nil, errors.StorageError(errors.ErrCodeCloneFailed, "Failed to open project working copy", err).
			WithContext("project", projectID).
			WithContext("remote", remoteURL).
			WithSuggestions("Check that the project remote exists and is reachable")
	}

	m.logger.Debug("working copy ready", zap.String("project", projectID), zap.String("path", path))
	return &gitRepository{
		projectID: projectID,
		path:      path,
		branch:    m.config.Branch,
		remoteURL: remoteURL,
		repo:      opened,
		auth:      auth,
		committer: m.config.Committer,
		attempts:  m.config.MaxAttempts,
		logger:    m.logger,
		metrics:   m.config.Metrics,
	}, nil
}

// openOrClone opens an existing working copy or clones a fresh one. An empty
// remote produces an initialized repository with origin configured.
func openOrClone(ctx context.Context, path, remoteURL string, auth transport.AuthMethod, progress io.Writer) (*git.Repository, error) {
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return nil, err
		}
		if _, err := repo.Remote(RemoteName); err != nil {
			return nil, err
		}
		return repo, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), common.DirPermissionNormal); err != nil {
		return nil, err
	}

	repo, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:        remoteURL,
		RemoteName: RemoteName,
		Auth:       auth,
		Progress:   progress,
	})
	if err == nil {
		return repo, nil
	}
	if !stderrors.Is(err, transport.ErrEmptyRemoteRepository) {
		return nil, err
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, err
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, err
	}
	_, err = repo.CreateRemote(&config.RemoteConfig{
		Name: RemoteName,
		URLs: []string{remoteURL},
		Fetch: []config.RefSpec{
			config.RefSpec("+refs/heads/*:refs/remotes/" + RemoteName + "/*"),
		},
	})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// Package mutex coordinates the advisory single-writer lock of each project.
//
// A project is either unlocked or locked by exactly one user. The active
// mutex id lives on the project record and only changes inside a store
// transaction, so two concurrent acquirers can never both win.
package mutex

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"speleostore/internal/access"
	"speleostore/internal/observability"
	"speleostore/internal/store"
	"speleostore/pkg/errors"
	"speleostore/pkg/models"
)

// ReleaseAllComment is recorded on mutexes closed by ReleaseAll
const ReleaseAllComment = "released with all other locks of the user"

// Coordinator implements the mutex state machine on top of the record store
type Coordinator struct {
	store   *store.Store
	access  access.Checker
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewCoordinator creates a mutex coordinator. logger and metrics may be nil.
func NewCoordinator(s *store.Store, checker access.Checker, logger *zap.Logger, metrics *observability.Metrics) *Coordinator {
	return &Coordinator{
		store:   s,
		access:  checker,
		logger:  observability.OrNop(logger).Named("mutex"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Acquire locks projectID for user. Re-acquiring a mutex already held by the
// same user refreshes its heartbeat.
func (c *Coordinator) Acquire(ctx context.Context, projectID, user string) (*models.Mutex, error) {
	if !c.access.HasPermission(ctx, user, projectID, models.AccessWrite) {
		c.record("acquire", "denied")
		return nil, errors.NotAuthorizedError(user, projectID, "lock")
	}
	user = c.access.Identity(ctx, user)

	var result models.Mutex
	err := c.store.Update(ctx, func(tx *store.Tx) error {
		project, err := getProject(tx, projectID)
		if err != nil {
			return err
		}
		now := c.now().UTC()

		if project.ActiveMutexID != "" {
			var active models.Mutex
			if err := tx.Get(store.MutexKey(projectID, project.ActiveMutexID), &active); err != nil {
				return recordError(err, "Failed to load active mutex")
			}
			if active.Holder != user {
				return errors.ResourceBusyError(projectID, active.Holder)
			}
			active.HeartbeatAt = now
			result = active
			return tx.Put(store.MutexKey(projectID, active.ID), &active)
		}

		result = models.Mutex{
			ID:          uuid.NewString(),
			ProjectID:   projectID,
			Holder:      user,
			AcquiredAt:  now,
			HeartbeatAt: now,
		}
		if err := tx.Create(store.MutexKey(projectID, result.ID), &result); err != nil {
			return recordError(err, "Failed to create mutex")
		}
		if err := tx.Put(store.HolderKey(user, projectID), result.ID); err != nil {
			return err
		}
		project.ActiveMutexID = result.ID
		return tx.Put(store.ProjectKey(projectID), project)
	})
	if err != nil {
		switch {
		case errors.IsResourceBusy(err):
			c.record("acquire", "busy")
		default:
			c.record("acquire", "error")
		}
		return nil, wrapStoreError(err)
	}

	c.record("acquire", "ok")
	c.logger.Info("mutex acquired",
		zap.String("project", projectID),
		zap.String("user", user),
		zap.String("mutex", result.ID))
	return &result, nil
}

// Release unlocks projectID. Releasing an unlocked project is a no-op and
// returns a nil mutex. Only the holder or a user with ADMIN access to the
// project may release.
func (c *Coordinator) Release(ctx context.Context, projectID, user, comment string) (*models.Mutex, error) {
	closer := c.access.Identity(ctx, user)
	var closed *models.Mutex
	err := c.store.Update(ctx, func(tx *store.Tx) error {
		closed = nil
		project, err := getProject(tx, projectID)
		if err != nil {
			return err
		}
		if project.ActiveMutexID == "" {
			return nil
		}

		var active models.Mutex
		if err := tx.Get(store.MutexKey(projectID, project.ActiveMutexID), &active); err != nil {
			return recordError(err, "Failed to load active mutex")
		}
		if active.Holder != closer && !c.access.HasPermission(ctx, user, projectID, models.AccessAdmin) {
			return errors.NotAuthorizedError(user, projectID, "release the lock of")
		}

		now := c.now().UTC()
		active.ClosedAt = &now
		active.ClosingUser = closer
		active.ClosingComment = comment
		if err := tx.Put(store.MutexKey(projectID, active.ID), &active); err != nil {
			return err
		}
		if err := tx.Delete(store.HolderKey(active.Holder, projectID)); err != nil {
			return err
		}
		project.ActiveMutexID = ""
		if err := tx.Put(store.ProjectKey(projectID), project); err != nil {
			return err
		}
		closed = &active
		return nil
	})
	if err != nil {
		if errors.IsNotAuthorized(err) {
			c.record("release", "denied")
		} else {
			c.record("release", "error")
		}
		return nil, wrapStoreError(err)
	}

	if closed == nil {
		c.record("release", "noop")
		c.logger.Debug("release of unlocked project", zap.String("project", projectID), zap.String("user", user))
		return nil, nil
	}

	c.record("release", "ok")
	c.logger.Info("mutex released",
		zap.String("project", projectID),
		zap.String("holder", closed.Holder),
		zap.String("closing_user", user),
		zap.String("mutex", closed.ID))
	return closed, nil
}

// ReleaseAll releases every mutex held by user. Projects that were already
// unlocked in the meantime are skipped; other failures are collected and the
// remaining projects are still processed.
func (c *Coordinator) ReleaseAll(ctx context.Context, user string) ([]*models.Mutex, error) {
	user = c.access.Identity(ctx, user)
	prefix := store.HolderPrefix(user)
	var projects []string
	err := c.store.List(ctx, prefix, func(key string, _ func(interface{}) error) error {
		projects = append(projects, strings.TrimPrefix(key, prefix))
		return nil
	})
	if err != nil {
		return nil, wrapStoreError(err)
	}

	var (
		released []*models.Mutex
		errs     error
	)
	for _, projectID := range projects {
		m, err := c.Release(ctx, projectID, user, ReleaseAllComment)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if m != nil {
			released = append(released, m)
		}
	}
	return released, errs
}

// Active returns the open mutex of projectID, or nil when it is unlocked
func (c *Coordinator) Active(ctx context.Context, projectID string) (*models.Mutex, error) {
	var active *models.Mutex
	err := c.store.View(ctx, func(tx *store.Tx) error {
		project, err := getProject(tx, projectID)
		if err != nil {
			return err
		}
		if project.ActiveMutexID == "" {
			return nil
		}
		var m models.Mutex
		if err := tx.Get(store.MutexKey(projectID, project.ActiveMutexID), &m); err != nil {
			return recordError(err, "Failed to load active mutex")
		}
		active = &m
		return nil
	})
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return active, nil
}

// Holds reports whether user currently holds the mutex of projectID
func (c *Coordinator) Holds(ctx context.Context, projectID, user string) (bool, error) {
	active, err := c.Active(ctx, projectID)
	if err != nil {
		return false, err
	}
	return active != nil && active.Holder == c.access.Identity(ctx, user), nil
}

// History lists every mutex of projectID, open and closed, oldest first
func (c *Coordinator) History(ctx context.Context, projectID string) ([]models.Mutex, error) {
	var history []models.Mutex
	err := c.store.List(ctx, store.MutexPrefix(projectID), func(key string, decode func(interface{}) error) error {
		var m models.Mutex
		if err := decode(&m); err != nil {
			return err
		}
		history = append(history, m)
		return nil
	})
	if err != nil {
		return nil, wrapStoreError(err)
	}
	sortByAcquired(history)
	return history, nil
}

func sortByAcquired(history []models.Mutex) {
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].AcquiredAt.Before(history[j].AcquiredAt)
	})
}

func (c *Coordinator) record(operation, outcome string) {
	if c.metrics != nil {
		c.metrics.MutexOperations.WithLabelValues(operation, outcome).Inc()
	}
}

func getProject(tx *store.Tx, projectID string) (*models.Project, error) {
	var project models.Project
	if err := tx.Get(store.ProjectKey(projectID), &project); err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, errors.NotFoundError("project", projectID)
		}
		return nil, recordError(err, "Failed to load project")
	}
	return &project, nil
}

func recordError(err error, message string) error {
	return errors.StorageError(errors.ErrCodeRecordStore, message, err)
}

// wrapStoreError leaves taxonomy errors untouched and classifies the rest as
// record store failures
func wrapStoreError(err error) error {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return recordError(err, "Mutex transaction failed")
}

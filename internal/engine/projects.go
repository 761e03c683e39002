package engine

import (
	"context"
	stderrors "errors"
	"sort"

	"go.uber.org/zap"

	"speleostore/internal/store"
	"speleostore/pkg/errors"
	"speleostore/pkg/models"
)

// CreateProject records a project, provisions its remote and clones the
// working copy
func (e *Engine) CreateProject(ctx context.Context, req CreateProjectRequest) (*models.Project, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	remoteURL, err := e.repos.RemoteURL(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	project := &models.Project{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		RemoteURL:   remoteURL,
		CreatedBy:   req.User,
		CreatedAt:   e.now().UTC(),
		Anchor:      req.Anchor,
	}
	err = e.store.Create(ctx, store.ProjectKey(req.ID), project)
	if stderrors.Is(err, store.ErrExists) {
		return nil, errors.ValidationError("project id", req.ID, "an unused project id")
	}
	if err != nil {
		return nil, errors.StorageError(errors.ErrCodeRecordStore, "Failed to store project", err)
	}

	if _, err := e.repos.OpenOrCreate(ctx, req.ID); err != nil {
		return nil, err
	}

	e.logger.Info("project created",
		zap.String("project", project.ID),
		zap.String("user", req.User),
		zap.String("remote", remoteURL))
	return project, nil
}

// GetProject loads one project
func (e *Engine) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	var project models.Project
	err := e.store.Get(ctx, store.ProjectKey(projectID), &project)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, errors.NotFoundError("project", projectID)
	}
	if err != nil {
		return nil, errors.StorageError(errors.ErrCodeRecordStore, "Failed to load project", err)
	}
	return &project, nil
}

// ListProjects returns every project ordered by id
func (e *Engine) ListProjects(ctx context.Context) ([]models.Project, error) {
	var projects []models.Project
	err := e.store.List(ctx, store.ProjectPrefix(), func(key string, decode func(interface{}) error) error {
		var p models.Project
		if err := decode(&p); err != nil {
			return err
		}
		projects = append(projects, p)
		return nil
	})
	if err != nil {
		return nil, errors.StorageError(errors.ErrCodeRecordStore, "Failed to list projects", err)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

func (e *Engine) projectIDs(ctx context.Context) ([]string, error) {
	projects, err := e.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(projects))
	for i, p := range projects {
		ids[i] = p.ID
	}
	return ids, nil
}

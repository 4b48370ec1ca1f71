package service

import (
	"context"
	"log/slog"

	"github.com/autoedit/tate-api/internal/domain"
	"github.com/autoedit/tate-api/internal/store"
)

// CreateProjectCommand describes a project creation request.
type CreateProjectCommand struct {
	Name        string
	Description string
	XMLPath     string
	AudioPath   string
	VideoPath   string
	OutputDir   string
}

// UpdateProjectCommand carries optional field updates for a project.
// Nil pointers leave the corresponding field untouched.
type UpdateProjectCommand struct {
	Name        *string
	Description *string
	XMLPath     *string
	AudioPath   *string
	VideoPath   *string
	OutputDir   *string
}

// ProjectService provides project container operations.
type ProjectService interface {
	Create(ctx context.Context, cmd CreateProjectCommand) (*domain.Project, error)
	Get(ctx context.Context, id int64) (*domain.Project, error)
	Update(ctx context.Context, id int64, cmd UpdateProjectCommand) (*domain.Project, error)
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, limit, offset int) ([]*domain.Project, int, error)
}

type projectServiceImpl struct {
	projectStore store.ProjectStore
	logger       *slog.Logger
}

// NewProjectService creates a ProjectService backed by the given store.
func NewProjectService(projectStore store.ProjectStore, logger *slog.Logger) (ProjectService, error) {
	if projectStore == nil {
		return nil, &TaskServiceError{Operation: "create_service", Message: "projectStore cannot be nil"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &projectServiceImpl{
		projectStore: projectStore,
		logger:       logger.With("component", "project_service"),
	}, nil
}

func (s *projectServiceImpl) Create(ctx context.Context, cmd CreateProjectCommand) (*domain.Project, error) {
	project, err := domain.NewProject(cmd.Name, cmd.Description)
	if err != nil {
		return nil, err
	}
	project.XMLPath = cmd.XMLPath
	project.AudioPath = cmd.AudioPath
	project.VideoPath = cmd.VideoPath
	project.OutputDir = cmd.OutputDir
	if err := project.Validate(); err != nil {
		return nil, err
	}

	if err := s.projectStore.Create(ctx, project); err != nil {
		s.logger.Error("failed to create project", "error", err, "name", cmd.Name)
		return nil, NewTaskServiceError("create_project", "failed to save project", err)
	}

	s.logger.Info("project created", "project_id", project.ID, "name", project.Name)
	return project, nil
}

func (s *projectServiceImpl) Get(ctx context.Context, id int64) (*domain.Project, error) {
	project, err := s.projectStore.Get(ctx, id)
	if err != nil {
		return nil, NewTaskServiceError("get_project", "failed to load project", err)
	}
	return project, nil
}

func (s *projectServiceImpl) Update(ctx context.Context, id int64, cmd UpdateProjectCommand) (*domain.Project, error) {
	project, err := s.projectStore.Get(ctx, id)
	if err != nil {
		return nil, NewTaskServiceError("update_project", "failed to load project", err)
	}

	if cmd.Name != nil {
		project.Name = *cmd.Name
	}
	if cmd.Description != nil {
		project.Description = *cmd.Description
	}
	if cmd.XMLPath != nil {
		project.XMLPath = *cmd.XMLPath
	}
	if cmd.AudioPath != nil {
		project.AudioPath = *cmd.AudioPath
	}
	if cmd.VideoPath != nil {
		project.VideoPath = *cmd.VideoPath
	}
	if cmd.OutputDir != nil {
		project.OutputDir = *cmd.OutputDir
	}

	if err := project.Validate(); err != nil {
		return nil, err
	}
	if err := s.projectStore.Save(ctx, project); err != nil {
		return nil, NewTaskServiceError("update_project", "failed to save project", err)
	}

	return project, nil
}

func (s *projectServiceImpl) Delete(ctx context.Context, id int64) error {
	if err := s.projectStore.Delete(ctx, id); err != nil {
		return NewTaskServiceError("delete_project", "failed to delete project", err)
	}
	s.logger.Info("project deleted", "project_id", id)
	return nil
}

func (s *projectServiceImpl) List(ctx context.Context, limit, offset int) ([]*domain.Project, int, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	projects, total, err := s.projectStore.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, NewTaskServiceError("list_projects", "failed to query projects", err)
	}
	return projects, total, nil
}

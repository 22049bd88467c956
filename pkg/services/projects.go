package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
	"github.com/caseboard/caseboard-engine/pkg/auth"
	"github.com/caseboard/caseboard-engine/pkg/models"
	"github.com/caseboard/caseboard-engine/pkg/permissions"
	"github.com/caseboard/caseboard-engine/pkg/repositories"
)

// maxProjectNameLength bounds project names; the name becomes the root text.
const maxProjectNameLength = 200

// ProjectService defines the interface for project operations.
type ProjectService interface {
	// Provision creates a project owned by user, makes user its admin and
	// seeds the default mind map.
	Provision(ctx context.Context, user auth.User, name string) (*models.Project, error)

	// Get returns a project the actor can read.
	Get(ctx context.Context, projectID uuid.UUID, actor permissions.Actor) (*models.Project, error)

	// Delete removes a project with its members, nodes, lines and log.
	// Only the creator may delete a project.
	Delete(ctx context.Context, projectID uuid.UUID, actor permissions.Actor) error
}

type projectService struct {
	projects repositories.ProjectRepository
	members  repositories.MemberRepository
	tree     TreeService
	logger   *zap.Logger
}

// NewProjectService creates a new project service.
func NewProjectService(repos *repositories.Repositories, tree TreeService, logger *zap.Logger) ProjectService {
	return &projectService{
		projects: repos.Projects,
		members:  repos.Members,
		tree:     tree,
		logger:   logger.Named("project-service"),
	}
}

var _ ProjectService = (*projectService)(nil)

func (s *projectService) Provision(ctx context.Context, user auth.User, name string) (*models.Project, error) {
	if !user.Approved {
		return nil, fmt.Errorf("%w: account is not approved", apperrors.ErrForbidden)
	}
	name = strings.TrimSpace(name)
	if name == "" || len([]rune(name)) > maxProjectNameLength {
		return nil, fmt.Errorf("%w: project name must be 1-%d characters", apperrors.ErrInvalidPayload, maxProjectNameLength)
	}

	project := &models.Project{
		ID:        uuid.New(),
		Name:      name,
		CreatorID: user.ID,
	}
	if err := s.projects.Create(ctx, project); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}

	owner := &models.ProjectMember{
		ProjectID:  project.ID,
		UserID:     user.ID,
		Email:      user.Email,
		Permission: models.PermissionAdmin,
	}
	if err := s.members.Add(ctx, owner); err != nil {
		return nil, fmt.Errorf("add project creator: %w", err)
	}

	actor := permissions.Actor{
		UserID:           user.ID,
		Email:            user.Email,
		Approved:         true,
		Permission:       models.PermissionAdmin,
		IsProjectCreator: true,
	}
	ctx = models.WithSystemProvenance(ctx, user.ID)
	if _, err := s.tree.Bootstrap(ctx, project.ID, actor, false); err != nil {
		s.logger.Error("Failed to bootstrap new project",
			zap.String("project_id", project.ID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("bootstrap mind map: %w", err)
	}

	s.logger.Info("Project provisioned",
		zap.String("project_id", project.ID.String()),
		zap.String("user_id", user.ID.String()))
	return project, nil
}

func (s *projectService) Get(ctx context.Context, projectID uuid.UUID, actor permissions.Actor) (*models.Project, error) {
	if !permissions.CanRead(actor) {
		return nil, apperrors.ErrForbidden
	}
	return s.projects.Get(ctx, projectID)
}

func (s *projectService) Delete(ctx context.Context, projectID uuid.UUID, actor permissions.Actor) error {
	if !actor.Approved || !actor.IsProjectCreator {
		return fmt.Errorf("%w: only the project creator may delete it", apperrors.ErrForbidden)
	}
	if err := s.projects.Delete(ctx, projectID); err != nil {
		return err
	}
	s.logger.Info("Project deleted",
		zap.String("project_id", projectID.String()),
		zap.String("user_id", actor.UserID.String()))
	return nil
}

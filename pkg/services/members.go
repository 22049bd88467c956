package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
	"github.com/caseboard/caseboard-engine/pkg/auth"
	"github.com/caseboard/caseboard-engine/pkg/models"
	"github.com/caseboard/caseboard-engine/pkg/permissions"
	"github.com/caseboard/caseboard-engine/pkg/repositories"
)

// MemberService manages project membership and resolves the permission
// facts of a requesting user.
type MemberService interface {
	// Actor resolves user's membership in the project. A non-member gets an
	// Actor with an empty permission. Returns ErrNotFound for unknown projects.
	Actor(ctx context.Context, projectID uuid.UUID, user auth.User) (permissions.Actor, error)

	// MembershipOf returns the user's membership, or nil when not a member.
	MembershipOf(ctx context.Context, projectID, userID uuid.UUID) (*models.ProjectMember, error)

	List(ctx context.Context, projectID uuid.UUID, actor permissions.Actor) ([]*models.ProjectMember, error)
	Invite(ctx context.Context, projectID uuid.UUID, actor permissions.Actor, userID uuid.UUID, email, permission string) (*models.ProjectMember, error)
	Remove(ctx context.Context, projectID uuid.UUID, actor permissions.Actor, userID uuid.UUID) error
	ChangePermission(ctx context.Context, projectID uuid.UUID, actor permissions.Actor, userID uuid.UUID, permission string) error
}

type memberService struct {
	projects repositories.ProjectRepository
	members  repositories.MemberRepository
	logger   *zap.Logger
}

// NewMemberService creates a new member service with dependencies.
func NewMemberService(projects repositories.ProjectRepository, members repositories.MemberRepository, logger *zap.Logger) MemberService {
	return &memberService{
		projects: projects,
		members:  members,
		logger:   logger.Named("member-service"),
	}
}

var _ MemberService = (*memberService)(nil)

func (s *memberService) Actor(ctx context.Context, projectID uuid.UUID, user auth.User) (permissions.Actor, error) {
	project, err := s.projects.Get(ctx, projectID)
	if err != nil {
		return permissions.Actor{}, err
	}

	actor := permissions.Actor{
		UserID:           user.ID,
		Email:            user.Email,
		Approved:         user.Approved,
		IsProjectCreator: project.CreatorID == user.ID,
	}

	member, err := s.MembershipOf(ctx, projectID, user.ID)
	if err != nil {
		return permissions.Actor{}, err
	}
	if member != nil {
		actor.Permission = member.Permission
	}
	return actor, nil
}

func (s *memberService) MembershipOf(ctx context.Context, projectID, userID uuid.UUID) (*models.ProjectMember, error) {
	member, err := s.members.Get(ctx, projectID, userID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return member, nil
}

func (s *memberService) List(ctx context.Context, projectID uuid.UUID, actor permissions.Actor) ([]*models.ProjectMember, error) {
	if !permissions.CanRead(actor) {
		return nil, apperrors.ErrForbidden
	}
	return s.members.List(ctx, projectID)
}

func (s *memberService) Invite(ctx context.Context, projectID uuid.UUID, actor permissions.Actor, userID uuid.UUID, email, permission string) (*models.ProjectMember, error) {
	if err := s.authorizeChange(ctx, projectID, actor, userID, permission, true); err != nil {
		return nil, err
	}

	member := &models.ProjectMember{
		ProjectID:  projectID,
		UserID:     userID,
		Email:      email,
		Permission: permission,
	}
	if err := s.members.Add(ctx, member); err != nil {
		return nil, fmt.Errorf("add member: %w", err)
	}

	s.logger.Info("Member added",
		zap.String("project_id", projectID.String()),
		zap.String("user_id", userID.String()),
		zap.String("permission", permission),
		zap.String("by", actor.UserID.String()))
	return member, nil
}

// Remove removes a user from a project.
// Returns ErrLastAdmin if attempting to remove the last admin.
func (s *memberService) Remove(ctx context.Context, projectID uuid.UUID, actor permissions.Actor, userID uuid.UUID) error {
	if err := s.authorizeChange(ctx, projectID, actor, userID, "", false); err != nil {
		return err
	}
	if err := s.members.RemoveWithAdminCheck(ctx, projectID, userID); err != nil {
		return err
	}

	s.logger.Info("Member removed",
		zap.String("project_id", projectID.String()),
		zap.String("user_id", userID.String()),
		zap.String("by", actor.UserID.String()))
	return nil
}

// ChangePermission updates a member's permission.
// Returns ErrLastAdmin if attempting to demote the last admin.
func (s *memberService) ChangePermission(ctx context.Context, projectID uuid.UUID, actor permissions.Actor, userID uuid.UUID, permission string) error {
	if err := s.authorizeChange(ctx, projectID, actor, userID, permission, true); err != nil {
		return err
	}
	return s.members.UpdatePermissionWithAdminCheck(ctx, projectID, userID, permission)
}

// authorizeChange applies the rules shared by every membership write. The
// project creator's own membership never changes.
func (s *memberService) authorizeChange(ctx context.Context, projectID uuid.UUID, actor permissions.Actor, target uuid.UUID, permission string, checkPermission bool) error {
	if !permissions.CanManageMembers(actor) {
		return apperrors.ErrForbidden
	}
	if checkPermission && !models.IsValidPermission(permission) {
		return fmt.Errorf("%w: %q", apperrors.ErrInvalidPermission, permission)
	}

	project, err := s.projects.Get(ctx, projectID)
	if err != nil {
		return err
	}
	if project.CreatorID == target {
		return apperrors.ErrImmutableMember
	}
	return nil
}

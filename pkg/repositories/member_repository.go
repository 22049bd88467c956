package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
	"github.com/caseboard/caseboard-engine/pkg/database"
	"github.com/caseboard/caseboard-engine/pkg/models"
)

// MemberRepository defines the interface for project membership data access.
type MemberRepository interface {
	Add(ctx context.Context, member *models.ProjectMember) error
	Get(ctx context.Context, projectID, userID uuid.UUID) (*models.ProjectMember, error)
	List(ctx context.Context, projectID uuid.UUID) ([]*models.ProjectMember, error)
	// RemoveWithAdminCheck atomically removes a member, returning ErrLastAdmin
	// when the member is the project's last admin.
	RemoveWithAdminCheck(ctx context.Context, projectID, userID uuid.UUID) error
	// UpdatePermissionWithAdminCheck atomically changes a member's permission,
	// returning ErrLastAdmin when it would demote the project's last admin.
	UpdatePermissionWithAdminCheck(ctx context.Context, projectID, userID uuid.UUID, permission string) error
}

// memberRepository implements MemberRepository using PostgreSQL.
type memberRepository struct{}

// NewMemberRepository creates a new member repository.
func NewMemberRepository() MemberRepository {
	return &memberRepository{}
}

// Add adds a user to a project, or updates the permission of an existing member.
func (r *memberRepository) Add(ctx context.Context, member *models.ProjectMember) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	now := time.Now()
	member.JoinedAt = now
	member.UpdatedAt = now

	query := `
		INSERT INTO mindmap_members (project_id, user_id, email, permission, joined_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_id, user_id) DO UPDATE
		SET permission = EXCLUDED.permission,
		    email = CASE WHEN EXCLUDED.email = '' THEN mindmap_members.email ELSE EXCLUDED.email END,
		    updated_at = EXCLUDED.updated_at
		RETURNING joined_at`

	err := scope.Conn.QueryRow(ctx, query,
		member.ProjectID,
		member.UserID,
		member.Email,
		member.Permission,
		member.JoinedAt,
		member.UpdatedAt,
	).Scan(&member.JoinedAt)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", mapWriteError(err))
	}

	return nil
}

// Get retrieves one membership. Returns ErrNotFound when the user is not a member.
func (r *memberRepository) Get(ctx context.Context, projectID, userID uuid.UUID) (*models.ProjectMember, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT project_id, user_id, email, permission, joined_at, updated_at
		FROM mindmap_members
		WHERE project_id = $1 AND user_id = $2`

	m, err := scanMember(scope.Conn.QueryRow(ctx, query, projectID, userID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// List retrieves all members of a project in join order.
func (r *memberRepository) List(ctx context.Context, projectID uuid.UUID) ([]*models.ProjectMember, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT project_id, user_id, email, permission, joined_at, updated_at
		FROM mindmap_members
		WHERE project_id = $1
		ORDER BY joined_at, user_id`

	rows, err := scope.Conn.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	members := make([]*models.ProjectMember, 0)
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating members: %w", err)
	}

	return members, nil
}

func (r *memberRepository) RemoveWithAdminCheck(ctx context.Context, projectID, userID uuid.UUID) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	return scope.WithTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		permission, err := lockMemberPermission(ctx, tx, projectID, userID)
		if err != nil {
			return err
		}

		if permission == models.PermissionAdmin {
			if err := requireAnotherAdmin(ctx, tx, projectID); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM mindmap_members WHERE project_id = $1 AND user_id = $2`, projectID, userID); err != nil {
			return fmt.Errorf("failed to remove member: %w", err)
		}
		return nil
	})
}

func (r *memberRepository) UpdatePermissionWithAdminCheck(ctx context.Context, projectID, userID uuid.UUID, permission string) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	return scope.WithTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		current, err := lockMemberPermission(ctx, tx, projectID, userID)
		if err != nil {
			return err
		}

		if current == models.PermissionAdmin && permission != models.PermissionAdmin {
			if err := requireAnotherAdmin(ctx, tx, projectID); err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE mindmap_members SET permission = $1, updated_at = $2 WHERE project_id = $3 AND user_id = $4`,
			permission, time.Now(), projectID, userID)
		if err != nil {
			return fmt.Errorf("failed to update member: %w", err)
		}
		return nil
	})
}

func lockMemberPermission(ctx context.Context, tx pgx.Tx, projectID, userID uuid.UUID) (string, error) {
	var permission string
	err := tx.QueryRow(ctx,
		`SELECT permission FROM mindmap_members WHERE project_id = $1 AND user_id = $2 FOR UPDATE`,
		projectID, userID,
	).Scan(&permission)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", apperrors.ErrNotFound
		}
		return "", fmt.Errorf("failed to get member: %w", err)
	}
	return permission, nil
}

// requireAnotherAdmin locks the project's admin rows so two concurrent
// demotions cannot both pass the count.
func requireAnotherAdmin(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) error {
	rows, err := tx.Query(ctx,
		`SELECT user_id FROM mindmap_members WHERE project_id = $1 AND permission = 'admin' FOR UPDATE`,
		projectID)
	if err != nil {
		return fmt.Errorf("failed to count admins: %w", err)
	}
	admins := 0
	for rows.Next() {
		admins++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating admins: %w", err)
	}
	if admins <= 1 {
		return apperrors.ErrLastAdmin
	}
	return nil
}

func scanMember(row pgx.Row) (*models.ProjectMember, error) {
	var m models.ProjectMember
	err := row.Scan(&m.ProjectID, &m.UserID, &m.Email, &m.Permission, &m.JoinedAt, &m.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan member: %w", err)
	}
	return &m, nil
}

// Ensure memberRepository implements MemberRepository at compile time.
var _ MemberRepository = (*memberRepository)(nil)

package models

import (
	"time"

	"github.com/google/uuid"
)

// ProjectMember represents a user's membership in a project.
type ProjectMember struct {
	ProjectID  uuid.UUID `json:"project_id"`
	UserID     uuid.UUID `json:"user_id"`
	Email      string    `json:"email,omitempty"`
	Permission string    `json:"permission"` // 'read', 'edit', 'admin'
	JoinedAt   time.Time `json:"joined_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Permission constants for project membership.
const (
	PermissionRead  = "read"
	PermissionEdit  = "edit"
	PermissionAdmin = "admin"
)

// ValidPermissions contains all valid permission values.
var ValidPermissions = []string{PermissionRead, PermissionEdit, PermissionAdmin}

// IsValidPermission checks if the given permission is valid.
func IsValidPermission(permission string) bool {
	for _, p := range ValidPermissions {
		if p == permission {
			return true
		}
	}
	return false
}

// CanWrite reports whether the membership grants edit-level access.
func (m *ProjectMember) CanWrite() bool {
	return m != nil && (m.Permission == PermissionEdit || m.Permission == PermissionAdmin)
}

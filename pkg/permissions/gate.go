// Package permissions decides which mind-map operations a user may perform.
// Every function is pure: callers resolve the actor's membership first and
// pass the facts in.
package permissions

import (
	"github.com/google/uuid"

	"github.com/caseboard/caseboard-engine/pkg/models"
)

// Actor is the requesting user together with the membership facts the gate needs.
type Actor struct {
	UserID uuid.UUID
	Email  string

	// Approved is false for accounts that have not passed verification.
	Approved bool

	// Permission is the project membership level, empty when not a member.
	Permission string

	// IsProjectCreator is true when the user created the project.
	IsProjectCreator bool
}

func (a Actor) hasWriteLevel() bool {
	return a.Permission == models.PermissionEdit || a.Permission == models.PermissionAdmin
}

// CanRead reports whether the actor may see the project and join its room.
func CanRead(a Actor) bool {
	if !a.Approved {
		return false
	}
	return a.IsProjectCreator || models.IsValidPermission(a.Permission)
}

// CanEdit reports whether the actor may change n's content.
// System-default nodes are never editable. Creators may edit their own
// nodes; anyone else needs edit or admin membership.
func CanEdit(a Actor, n *models.Node) bool {
	if !a.Approved || n == nil || n.IsSystemDefault {
		return false
	}
	if n.CreatorID == a.UserID && CanRead(a) {
		return true
	}
	return a.hasWriteLevel()
}

// CanDelete reports whether the actor may delete n.
// Delete is creator-only, independent of project permission. hasChildren is
// evaluated by the caller against current store state.
func CanDelete(a Actor, n *models.Node, hasChildren bool) bool {
	if !a.Approved || n == nil || n.IsSystemDefault || n.IsRoot || hasChildren {
		return false
	}
	return n.CreatorID == a.UserID && CanRead(a)
}

// CanDeleteNode is CanDelete without the child check. Callers that report
// HasChildren separately use it to decide Forbidden first.
func CanDeleteNode(a Actor, n *models.Node) bool {
	return CanDelete(a, n, false)
}

// CanAddChild reports whether the actor may create a node under parent.
// System-default parents accept children like any other node.
func CanAddChild(a Actor, parent *models.Node) bool {
	if !a.Approved || parent == nil {
		return false
	}
	return a.hasWriteLevel()
}

// CanWrite reports whether the actor holds edit-level membership. It gates
// project-wide writes: creating the root, bootstrapping and line resync.
func CanWrite(a Actor) bool {
	return a.Approved && a.hasWriteLevel()
}

// CanMove reports whether the actor may re-parent n under newParent.
// Moving is structural: it needs edit rights over the node (creator or
// edit-level membership) and the right to add children under newParent.
// The system-default content lock does not apply.
func CanMove(a Actor, n, newParent *models.Node) bool {
	if !a.Approved || n == nil || newParent == nil {
		return false
	}
	ownsNode := n.CreatorID == a.UserID && CanRead(a)
	if !ownsNode && !a.hasWriteLevel() {
		return false
	}
	return CanAddChild(a, newParent)
}

// CanReorder reports whether the actor may change n's sort order. Sibling
// ordering is structural, so it follows CanMove against n's current parent.
func CanReorder(a Actor, n *models.Node) bool {
	if !a.Approved || n == nil {
		return false
	}
	return (n.CreatorID == a.UserID && CanRead(a)) || a.hasWriteLevel()
}

// CanManageMembers reports whether the actor may invite, remove or change
// the permission of project members.
func CanManageMembers(a Actor) bool {
	if !a.Approved {
		return false
	}
	return a.IsProjectCreator || a.Permission == models.PermissionAdmin
}

// Flags are the view-time permission bits attached to exported nodes.
type Flags struct {
	Editable       bool
	Deletable      bool
	CanAddChildren bool
}

// FlagsFor computes the export flags of n for the actor.
func FlagsFor(a Actor, n *models.Node, hasChildren bool) Flags {
	return Flags{
		Editable:       CanEdit(a, n),
		Deletable:      CanDelete(a, n, hasChildren),
		CanAddChildren: CanAddChild(a, n),
	}
}

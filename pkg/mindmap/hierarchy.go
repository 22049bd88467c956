// Package mindmap holds the storage-independent tree algorithms shared by the
// Postgres and in-memory node repositories: cycle detection, level
// propagation, ordering, export assembly and patch application.
package mindmap

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
	"github.com/caseboard/caseboard-engine/pkg/models"
)

// ParentFunc resolves a node's parent uid. ok is false when the node does not exist.
type ParentFunc func(uid string) (parentUID string, ok bool)

// CheckMove verifies that re-parenting uid under newParentUID keeps the tree
// acyclic. It walks the ancestor chain of the prospective parent and fails
// with ErrCycleDetected if the chain reaches uid. The walk is bounded by a
// visited set so a corrupted chain cannot loop forever.
func CheckMove(uid, newParentUID string, parentOf ParentFunc) error {
	if newParentUID == "" {
		return fmt.Errorf("%w: cannot move a node to the root position", apperrors.ErrCycleDetected)
	}
	if uid == newParentUID {
		return fmt.Errorf("%w: node cannot be its own parent", apperrors.ErrCycleDetected)
	}

	visited := map[string]struct{}{}
	current := newParentUID
	for current != "" {
		if current == uid {
			return fmt.Errorf("%w: %s is a descendant of %s", apperrors.ErrCycleDetected, newParentUID, uid)
		}
		if _, seen := visited[current]; seen {
			return fmt.Errorf("%w: ancestor chain of %s loops", apperrors.ErrCycleDetected, newParentUID)
		}
		visited[current] = struct{}{}

		parent, ok := parentOf(current)
		if !ok {
			if current == newParentUID {
				return fmt.Errorf("%w: %s", apperrors.ErrDanglingParent, newParentUID)
			}
			return fmt.Errorf("%w: ancestor %s of %s is missing", apperrors.ErrDanglingParent, current, newParentUID)
		}
		current = parent
	}
	return nil
}

// ChildrenIndex groups nodes by parent uid.
func ChildrenIndex(nodes []*models.Node) map[string][]*models.Node {
	idx := make(map[string][]*models.Node, len(nodes))
	for _, n := range nodes {
		if n.IsRoot {
			continue
		}
		idx[n.ParentUID] = append(idx[n.ParentUID], n)
	}
	return idx
}

// Subtree returns uid's descendants in breadth-first order, excluding uid itself.
func Subtree(uid string, children map[string][]*models.Node) []*models.Node {
	var out []*models.Node
	queue := []string{uid}
	seen := map[string]struct{}{uid: {}}
	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]
		for _, c := range children[head] {
			if _, ok := seen[c.UID]; ok {
				continue
			}
			seen[c.UID] = struct{}{}
			out = append(out, c)
			queue = append(queue, c.UID)
		}
	}
	return out
}

// ShiftLevels adds delta to the level of every node in nodes.
func ShiftLevels(nodes []*models.Node, delta int) {
	if delta == 0 {
		return
	}
	for _, n := range nodes {
		n.Level += delta
	}
}

// CompareNodes orders nodes by (level, sort_order, created_at, uid).
func CompareNodes(a, b *models.Node) int {
	return cmp.Or(
		cmp.Compare(a.Level, b.Level),
		cmp.Compare(a.SortOrder, b.SortOrder),
		a.CreatedAt.Compare(b.CreatedAt),
		cmp.Compare(a.UID, b.UID),
	)
}

// SortNodes sorts nodes in place in read order.
func SortNodes(nodes []*models.Node) {
	slices.SortStableFunc(nodes, CompareNodes)
}

// Verify checks the structural invariants of a project's node set: exactly one
// root, every parent resolvable, no cycles, and level = parent level + 1.
// An empty project is valid.
func Verify(nodes []*models.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	byUID := make(map[string]*models.Node, len(nodes))
	roots := 0
	for _, n := range nodes {
		byUID[n.UID] = n
		if n.IsRoot {
			roots++
			if n.ParentUID != "" || n.Level != 0 {
				return fmt.Errorf("root %s has parent %q and level %d", n.UID, n.ParentUID, n.Level)
			}
		}
	}
	if roots != 1 {
		return fmt.Errorf("%w: project has %d root nodes", apperrors.ErrRootConflict, roots)
	}
	for _, n := range nodes {
		if n.IsRoot {
			continue
		}
		parent, ok := byUID[n.ParentUID]
		if !ok {
			return fmt.Errorf("%w: %s references %q", apperrors.ErrDanglingParent, n.UID, n.ParentUID)
		}
		if n.Level != parent.Level+1 {
			return fmt.Errorf("node %s has level %d, parent %s has level %d", n.UID, n.Level, parent.UID, parent.Level)
		}
		hops := 0
		for cur := n; !cur.IsRoot; cur = byUID[cur.ParentUID] {
			hops++
			if hops > len(nodes) {
				return fmt.Errorf("%w: ancestor chain of %s does not reach the root", apperrors.ErrCycleDetected, n.UID)
			}
		}
	}
	return nil
}

// BuildTree assembles nodes into the recursive export structure. Children are
// ordered by sort_order then created_at. decorate converts each node into its
// export payload, including per-requester permission flags. Nodes whose
// parent is missing are appended as extra top-level entries rather than lost.
func BuildTree(nodes []*models.Node, decorate func(*models.Node, bool) models.ExportNode) []*models.TreeNode {
	sorted := slices.Clone(nodes)
	SortNodes(sorted)

	children := make(map[string]int, len(sorted))
	for _, n := range sorted {
		if !n.IsRoot {
			children[n.ParentUID]++
		}
	}

	byUID := make(map[string]*models.TreeNode, len(sorted))
	for _, n := range sorted {
		byUID[n.UID] = &models.TreeNode{
			Data:     decorate(n, children[n.UID] > 0),
			Children: []*models.TreeNode{},
		}
	}

	var top []*models.TreeNode
	for _, n := range sorted {
		tn := byUID[n.UID]
		if n.IsRoot {
			top = append([]*models.TreeNode{tn}, top...)
			continue
		}
		parent, ok := byUID[n.ParentUID]
		if !ok {
			top = append(top, tn)
			continue
		}
		parent.Children = append(parent.Children, tn)
	}
	return top
}

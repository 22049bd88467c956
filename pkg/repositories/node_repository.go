package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
	"github.com/caseboard/caseboard-engine/pkg/database"
	"github.com/caseboard/caseboard-engine/pkg/mindmap"
	"github.com/caseboard/caseboard-engine/pkg/models"
)

// UpdateResult describes one read-modify-write of a node.
type UpdateResult struct {
	Before *models.Node
	After  *models.Node

	// Changes holds only the fields whose value changed. Empty means nothing was written.
	Changes map[string]models.FieldChange

	// DroppedTargets are associative line targets removed because they no
	// longer resolve to a node of the project.
	DroppedTargets []string
}

// MoveResult describes a completed re-parent.
type MoveResult struct {
	Node         *models.Node
	OldParentUID string
	OldLevel     int
	OldSortOrder int

	// Descendants is the number of subtree nodes whose level was shifted.
	Descendants int
}

// NodeRepository persists mind-map nodes. Every mutating method runs in one
// transaction; the callbacks run inside it against locked rows so permission
// decisions see the state that is written.
type NodeRepository interface {
	// Create inserts n and computes its level and root flag. A non-root
	// parent is share-locked and handed to check; a root passes nil.
	// Associative line targets that do not resolve are dropped and returned.
	Create(ctx context.Context, n *models.Node, check func(parent *models.Node) error) ([]string, error)
	Get(ctx context.Context, projectID uuid.UUID, uid string) (*models.Node, error)
	// List returns all nodes ordered by (level, sort_order, created_at, uid).
	List(ctx context.Context, projectID uuid.UUID) ([]*models.Node, error)
	Count(ctx context.Context, projectID uuid.UUID) (int, error)
	// Update locks the node, lets mutate change it in place and writes back
	// the changed fields. The node's outgoing lines are re-derived from its
	// target list in the same transaction.
	Update(ctx context.Context, projectID uuid.UUID, uid string, mutate func(n *models.Node) error) (*UpdateResult, error)
	// Delete locks the node, reports whether it has children to check and
	// removes the row together with every line touching it.
	Delete(ctx context.Context, projectID uuid.UUID, uid string, check func(n *models.Node, hasChildren bool) error) (*models.Node, error)
	// Move re-parents the node and shifts the level of its whole subtree.
	Move(ctx context.Context, projectID uuid.UUID, uid, newParentUID string, sortOrder *int, check func(n, newParent *models.Node) error) (*MoveResult, error)
	// Bootstrap inserts a freshly built tree. Without replace it fails with
	// ErrAlreadyBootstrapped when the project has nodes; with replace the
	// existing nodes are deleted first and returned.
	Bootstrap(ctx context.Context, projectID uuid.UUID, nodes []*models.Node, replace bool) ([]*models.Node, error)
}

// nodeRepository implements NodeRepository using PostgreSQL.
type nodeRepository struct{}

// NewNodeRepository creates a new node repository.
func NewNodeRepository() NodeRepository {
	return &nodeRepository{}
}

const nodeColumns = `project_id, uid, parent_uid, level, sort_order,
	text, rich_text, expand, icon, hyperlink, hyperlink_title, note, tags, generalizations,
	image, attachment, associative_line_targets, associative_line_text,
	is_root, is_system_default, creator_id, created_at, updated_at`

func (r *nodeRepository) Create(ctx context.Context, n *models.Node, check func(parent *models.Node) error) ([]string, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	// Serializable so an insert under a subtree conflicts with a concurrent
	// move rewriting that subtree's levels.
	var dropped []string
	err := scope.WithTx(ctx, database.Serializable, func(tx pgx.Tx) error {
		var parent *models.Node
		if n.ParentUID != "" {
			p, err := getNode(ctx, tx, n.ProjectID, n.ParentUID, "FOR SHARE")
			if err != nil {
				if errors.Is(err, apperrors.ErrNotFound) {
					return fmt.Errorf("%w: %s", apperrors.ErrDanglingParent, n.ParentUID)
				}
				return err
			}
			parent = p
		}
		if check != nil {
			if err := check(parent); err != nil {
				return err
			}
		}

		prepareNewNode(n, parent)

		var err error
		dropped, err = healTargets(ctx, tx, n)
		if err != nil {
			return err
		}
		if err := insertNode(ctx, tx, n); err != nil {
			return err
		}
		return writeEdges(ctx, tx, n)
	})
	if err != nil {
		return nil, err
	}
	return dropped, nil
}

func (r *nodeRepository) Get(ctx context.Context, projectID uuid.UUID, uid string) (*models.Node, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `SELECT ` + nodeColumns + ` FROM mindmap_nodes WHERE project_id = $1 AND uid = $2`
	n, err := scanNode(scope.Conn.QueryRow(ctx, query, projectID, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return n, nil
}

func (r *nodeRepository) List(ctx context.Context, projectID uuid.UUID) ([]*models.Node, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `SELECT ` + nodeColumns + `
		FROM mindmap_nodes
		WHERE project_id = $1
		ORDER BY level, sort_order, created_at, uid`

	rows, err := scope.Conn.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

func (r *nodeRepository) Count(ctx context.Context, projectID uuid.UUID) (int, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no tenant scope in context")
	}

	var count int
	err := scope.Conn.QueryRow(ctx, `SELECT COUNT(*) FROM mindmap_nodes WHERE project_id = $1`, projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return count, nil
}

func (r *nodeRepository) Update(ctx context.Context, projectID uuid.UUID, uid string, mutate func(n *models.Node) error) (*UpdateResult, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	var result *UpdateResult
	err := scope.WithTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		n, err := getNode(ctx, tx, projectID, uid, "FOR UPDATE")
		if err != nil {
			return err
		}
		before := n.Clone()
		if err := mutate(n); err != nil {
			return err
		}
		n.Normalize()

		linked := len(before.AssociativeLineTargets) > 0 || len(n.AssociativeLineTargets) > 0 ||
			len(n.AssociativeLineText) > 0
		var dropped []string
		if linked {
			if dropped, err = healTargets(ctx, tx, n); err != nil {
				return err
			}
		}

		result = &UpdateResult{
			Before:         before,
			After:          n,
			Changes:        mindmap.Diff(before, n),
			DroppedTargets: dropped,
		}
		if len(result.Changes) > 0 {
			n.UpdatedAt = time.Now()
			if err := updateNodeRow(ctx, tx, n); err != nil {
				return err
			}
		}
		if linked {
			return writeEdges(ctx, tx, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *nodeRepository) Delete(ctx context.Context, projectID uuid.UUID, uid string, check func(n *models.Node, hasChildren bool) error) (*models.Node, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	var deleted *models.Node
	err := scope.WithTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		n, err := getNode(ctx, tx, projectID, uid, "FOR UPDATE")
		if err != nil {
			return err
		}

		var hasChildren bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM mindmap_nodes WHERE project_id = $1 AND parent_uid = $2)`,
			projectID, uid,
		).Scan(&hasChildren)
		if err != nil {
			return fmt.Errorf("failed to check children: %w", err)
		}

		if check != nil {
			if err := check(n, hasChildren); err != nil {
				return err
			}
		}
		if hasChildren {
			return fmt.Errorf("%w: %s", apperrors.ErrHasChildren, uid)
		}

		// Lines in both directions go with the row through the cascading foreign keys.
		if _, err := tx.Exec(ctx, `DELETE FROM mindmap_nodes WHERE project_id = $1 AND uid = $2`, projectID, uid); err != nil {
			return fmt.Errorf("failed to delete node: %w", err)
		}
		deleted = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (r *nodeRepository) Move(ctx context.Context, projectID uuid.UUID, uid, newParentUID string, sortOrder *int, check func(n, newParent *models.Node) error) (*MoveResult, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	var result *MoveResult
	err := scope.WithTx(ctx, database.Serializable, func(tx pgx.Tx) error {
		n, err := getNode(ctx, tx, projectID, uid, "FOR UPDATE")
		if err != nil {
			return err
		}
		if newParentUID == "" || newParentUID == uid {
			return mindmap.CheckMove(uid, newParentUID, nil)
		}

		parent, err := getNode(ctx, tx, projectID, newParentUID, "FOR SHARE")
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return fmt.Errorf("%w: %s", apperrors.ErrDanglingParent, newParentUID)
			}
			return err
		}
		if check != nil {
			if err := check(n, parent); err != nil {
				return err
			}
		}

		chain, err := ancestorChain(ctx, tx, projectID, newParentUID)
		if err != nil {
			return err
		}
		if err := mindmap.CheckMove(uid, newParentUID, func(u string) (string, bool) {
			p, ok := chain[u]
			return p, ok
		}); err != nil {
			return err
		}

		result = &MoveResult{OldParentUID: n.ParentUID, OldLevel: n.Level, OldSortOrder: n.SortOrder}
		delta := parent.Level + 1 - n.Level
		now := time.Now()

		n.ParentUID = newParentUID
		n.Level = parent.Level + 1
		if sortOrder != nil {
			n.SortOrder = *sortOrder
		}
		n.UpdatedAt = now

		_, err = tx.Exec(ctx, `
			UPDATE mindmap_nodes
			SET parent_uid = $3, level = $4, sort_order = $5, updated_at = $6
			WHERE project_id = $1 AND uid = $2`,
			projectID, uid, n.ParentUID, n.Level, n.SortOrder, now)
		if err != nil {
			return fmt.Errorf("failed to move node: %w", err)
		}

		if delta != 0 {
			tag, err := tx.Exec(ctx, `
				WITH RECURSIVE subtree AS (
					SELECT uid FROM mindmap_nodes WHERE project_id = $1 AND parent_uid = $2
					UNION
					SELECT c.uid FROM mindmap_nodes c
					JOIN subtree s ON c.parent_uid = s.uid
					WHERE c.project_id = $1
				)
				UPDATE mindmap_nodes
				SET level = level + $3, updated_at = $4
				WHERE project_id = $1 AND uid IN (SELECT uid FROM subtree)`,
				projectID, uid, delta, now)
			if err != nil {
				return fmt.Errorf("failed to shift subtree levels: %w", err)
			}
			result.Descendants = int(tag.RowsAffected())
		}

		result.Node = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *nodeRepository) Bootstrap(ctx context.Context, projectID uuid.UUID, nodes []*models.Node, replace bool) ([]*models.Node, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	var removed []*models.Node
	err := scope.WithTx(ctx, database.Serializable, func(tx pgx.Tx) error {
		if replace {
			rows, err := tx.Query(ctx, `SELECT `+nodeColumns+` FROM mindmap_nodes WHERE project_id = $1 FOR UPDATE`, projectID)
			if err != nil {
				return fmt.Errorf("failed to lock existing nodes: %w", err)
			}
			removed, err = collectNodes(rows)
			rows.Close()
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `DELETE FROM mindmap_nodes WHERE project_id = $1`, projectID); err != nil {
				return fmt.Errorf("failed to clear mind map: %w", err)
			}
		} else {
			var count int
			if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM mindmap_nodes WHERE project_id = $1`, projectID).Scan(&count); err != nil {
				return fmt.Errorf("failed to count nodes: %w", err)
			}
			if count > 0 {
				return apperrors.ErrAlreadyBootstrapped
			}
		}

		for _, n := range nodes {
			n.ProjectID = projectID
			n.Normalize()
			if err := insertNode(ctx, tx, n); err != nil {
				if errors.Is(err, apperrors.ErrRootConflict) {
					return apperrors.ErrAlreadyBootstrapped
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// prepareNewNode derives the hierarchy fields of a node about to be inserted.
func prepareNewNode(n *models.Node, parent *models.Node) {
	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = n.CreatedAt
	if parent == nil {
		n.ParentUID = ""
		n.IsRoot = true
		n.Level = 0
	} else {
		n.IsRoot = false
		n.Level = parent.Level + 1
	}
	n.Normalize()
}

// getNode reads one node inside tx with the given row lock clause.
func getNode(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, uid, lock string) (*models.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM mindmap_nodes WHERE project_id = $1 AND uid = $2 ` + lock
	n, err := scanNode(tx.QueryRow(ctx, query, projectID, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: node %s", apperrors.ErrNotFound, uid)
		}
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return n, nil
}

// ancestorChain returns uid -> parent_uid for uid and all its ancestors.
// UNION stops the recursion if stored data ever contains a loop.
func ancestorChain(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, uid string) (map[string]string, error) {
	rows, err := tx.Query(ctx, `
		WITH RECURSIVE chain AS (
			SELECT uid, parent_uid FROM mindmap_nodes WHERE project_id = $1 AND uid = $2
			UNION
			SELECT p.uid, p.parent_uid FROM mindmap_nodes p
			JOIN chain c ON p.uid = c.parent_uid
			WHERE p.project_id = $1
		)
		SELECT uid, parent_uid FROM chain`, projectID, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to read ancestor chain: %w", err)
	}
	defer rows.Close()

	chain := map[string]string{}
	for rows.Next() {
		var u, p string
		if err := rows.Scan(&u, &p); err != nil {
			return nil, fmt.Errorf("failed to scan ancestor: %w", err)
		}
		chain[u] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ancestors: %w", err)
	}
	return chain, nil
}

// healTargets drops targets of n that do not exist in the project. The
// surviving targets are share-locked so they cannot disappear before the
// edges referencing them are written.
func healTargets(ctx context.Context, tx pgx.Tx, n *models.Node) ([]string, error) {
	candidates := mindmap.DedupTargets(n.UID, n.AssociativeLineTargets)
	existing := map[string]bool{}
	if len(candidates) > 0 {
		rows, err := tx.Query(ctx,
			`SELECT uid FROM mindmap_nodes WHERE project_id = $1 AND uid = ANY($2) FOR SHARE`,
			n.ProjectID, candidates)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve line targets: %w", err)
		}
		for rows.Next() {
			var uid string
			if err := rows.Scan(&uid); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan line target: %w", err)
			}
			existing[uid] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating line targets: %w", err)
		}
	}
	return mindmap.HealTargets(n, func(uid string) bool { return existing[uid] }), nil
}

// writeEdges makes the stored outgoing lines of n match its target list.
// Existing edges keep their creator and creation time; labels are refreshed.
func writeEdges(ctx context.Context, tx pgx.Tx, n *models.Node) error {
	targets := n.AssociativeLineTargets
	if targets == nil {
		targets = []string{}
	}

	_, err := tx.Exec(ctx, `
		DELETE FROM mindmap_associative_lines
		WHERE project_id = $1 AND source_uid = $2 AND NOT (target_uid = ANY($3))`,
		n.ProjectID, n.UID, targets)
	if err != nil {
		return fmt.Errorf("failed to prune associative lines: %w", err)
	}

	creator := lineCreator(ctx, n.CreatorID)
	for _, target := range targets {
		_, err := tx.Exec(ctx, `
			INSERT INTO mindmap_associative_lines (project_id, source_uid, target_uid, text, creator_id, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (project_id, source_uid, target_uid) DO UPDATE
			SET text = EXCLUDED.text`,
			n.ProjectID, n.UID, target, n.AssociativeLineText[target], creator)
		if err != nil {
			return fmt.Errorf("failed to upsert associative line: %w", mapWriteError(err))
		}
	}
	return nil
}

// lineCreator attributes new edges to the acting user when known.
func lineCreator(ctx context.Context, fallback uuid.UUID) uuid.UUID {
	if p, ok := models.GetProvenance(ctx); ok && p.UserID != uuid.Nil {
		return p.UserID
	}
	return fallback
}

type encodedContent struct {
	icon, tags, generalizations, image, attachment, targets, lineText []byte
}

func encodeContent(n *models.Node) (*encodedContent, error) {
	var (
		enc encodedContent
		err error
	)
	fields := []struct {
		name string
		dst  *[]byte
		val  any
	}{
		{"icon", &enc.icon, n.Icon},
		{"tags", &enc.tags, n.Tags},
		{"generalizations", &enc.generalizations, n.Generalizations},
		{"associative_line_targets", &enc.targets, n.AssociativeLineTargets},
		{"associative_line_text", &enc.lineText, n.AssociativeLineText},
	}
	for _, f := range fields {
		if *f.dst, err = json.Marshal(f.val); err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", f.name, err)
		}
	}
	// Absent assets are stored as SQL NULL.
	if n.Image != nil {
		if enc.image, err = json.Marshal(n.Image); err != nil {
			return nil, fmt.Errorf("failed to marshal image: %w", err)
		}
	}
	if n.Attachment != nil {
		if enc.attachment, err = json.Marshal(n.Attachment); err != nil {
			return nil, fmt.Errorf("failed to marshal attachment: %w", err)
		}
	}
	return &enc, nil
}

func insertNode(ctx context.Context, tx pgx.Tx, n *models.Node) error {
	enc, err := encodeContent(n)
	if err != nil {
		return err
	}

	query := `INSERT INTO mindmap_nodes (` + nodeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23)`

	_, err = tx.Exec(ctx, query,
		n.ProjectID, n.UID, n.ParentUID, n.Level, n.SortOrder,
		n.Text, n.RichText, n.Expand, enc.icon, n.Hyperlink, n.HyperlinkTitle, n.Note, enc.tags, enc.generalizations,
		enc.image, enc.attachment, enc.targets, enc.lineText,
		n.IsRoot, n.IsSystemDefault, n.CreatorID, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert node: %w", mapWriteError(err))
	}
	return nil
}

// updateNodeRow writes back every patchable column of n.
func updateNodeRow(ctx context.Context, tx pgx.Tx, n *models.Node) error {
	enc, err := encodeContent(n)
	if err != nil {
		return err
	}

	query := `
		UPDATE mindmap_nodes
		SET sort_order = $3, text = $4, rich_text = $5, expand = $6, icon = $7,
		    hyperlink = $8, hyperlink_title = $9, note = $10, tags = $11, generalizations = $12,
		    image = $13, attachment = $14, associative_line_targets = $15, associative_line_text = $16,
		    updated_at = $17
		WHERE project_id = $1 AND uid = $2`

	_, err = tx.Exec(ctx, query,
		n.ProjectID, n.UID,
		n.SortOrder, n.Text, n.RichText, n.Expand, enc.icon,
		n.Hyperlink, n.HyperlinkTitle, n.Note, enc.tags, enc.generalizations,
		enc.image, enc.attachment, enc.targets, enc.lineText,
		n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	return nil
}

func collectNodes(rows pgx.Rows) ([]*models.Node, error) {
	nodes := make([]*models.Node, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return nodes, nil
}

func scanNode(row pgx.Row) (*models.Node, error) {
	var n models.Node
	var icon, tags, generalizations, image, attachment, targets, lineText []byte

	err := row.Scan(
		&n.ProjectID, &n.UID, &n.ParentUID, &n.Level, &n.SortOrder,
		&n.Text, &n.RichText, &n.Expand, &icon, &n.Hyperlink, &n.HyperlinkTitle, &n.Note, &tags, &generalizations,
		&image, &attachment, &targets, &lineText,
		&n.IsRoot, &n.IsSystemDefault, &n.CreatorID, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}

	fields := []struct {
		name string
		data []byte
		dst  any
	}{
		{"icon", icon, &n.Icon},
		{"tags", tags, &n.Tags},
		{"generalizations", generalizations, &n.Generalizations},
		{"image", image, &n.Image},
		{"attachment", attachment, &n.Attachment},
		{"associative_line_targets", targets, &n.AssociativeLineTargets},
		{"associative_line_text", lineText, &n.AssociativeLineText},
	}
	for _, f := range fields {
		if len(f.data) == 0 || string(f.data) == "null" {
			continue
		}
		if err := json.Unmarshal(f.data, f.dst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", f.name, err)
		}
	}

	n.Normalize()
	return &n, nil
}

// Ensure nodeRepository implements NodeRepository at compile time.
var _ NodeRepository = (*nodeRepository)(nil)

package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/caseboard/caseboard-engine/pkg/database"
	"github.com/caseboard/caseboard-engine/pkg/mindmap"
	"github.com/caseboard/caseboard-engine/pkg/models"
)

// AssociativeLineRepository reads the edge index derived from node target
// lists and rebuilds it. Edges are written by NodeRepository alongside the
// node row that owns them.
type AssociativeLineRepository interface {
	Incoming(ctx context.Context, projectID uuid.UUID, targetUID string) ([]*models.AssociativeLine, error)
	Outgoing(ctx context.Context, projectID uuid.UUID, sourceUID string) ([]*models.AssociativeLine, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.AssociativeLine, error)
	// Sync drops dangling targets from every node of the project and makes
	// the edge index match the healed target lists.
	Sync(ctx context.Context, projectID uuid.UUID) (*models.LineSyncResult, error)
}

// associativeLineRepository implements AssociativeLineRepository using PostgreSQL.
type associativeLineRepository struct{}

// NewAssociativeLineRepository creates a new associative line repository.
func NewAssociativeLineRepository() AssociativeLineRepository {
	return &associativeLineRepository{}
}

const lineColumns = `project_id, source_uid, target_uid, text, creator_id, created_at`

func (r *associativeLineRepository) Incoming(ctx context.Context, projectID uuid.UUID, targetUID string) ([]*models.AssociativeLine, error) {
	return r.query(ctx, `SELECT `+lineColumns+`
		FROM mindmap_associative_lines
		WHERE project_id = $1 AND target_uid = $2
		ORDER BY created_at, source_uid`, projectID, targetUID)
}

func (r *associativeLineRepository) Outgoing(ctx context.Context, projectID uuid.UUID, sourceUID string) ([]*models.AssociativeLine, error) {
	return r.query(ctx, `SELECT `+lineColumns+`
		FROM mindmap_associative_lines
		WHERE project_id = $1 AND source_uid = $2
		ORDER BY created_at, target_uid`, projectID, sourceUID)
}

func (r *associativeLineRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.AssociativeLine, error) {
	return r.query(ctx, `SELECT `+lineColumns+`
		FROM mindmap_associative_lines
		WHERE project_id = $1
		ORDER BY source_uid, created_at, target_uid`, projectID)
}

func (r *associativeLineRepository) query(ctx context.Context, query string, args ...any) ([]*models.AssociativeLine, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query associative lines: %w", err)
	}
	defer rows.Close()

	lines := make([]*models.AssociativeLine, 0)
	for rows.Next() {
		var l models.AssociativeLine
		if err := rows.Scan(&l.ProjectID, &l.SourceUID, &l.TargetUID, &l.Text, &l.CreatorID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan associative line: %w", err)
		}
		lines = append(lines, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating associative lines: %w", err)
	}
	return lines, nil
}

func (r *associativeLineRepository) Sync(ctx context.Context, projectID uuid.UUID) (*models.LineSyncResult, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	result := &models.LineSyncResult{}
	err := scope.WithTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+nodeColumns+` FROM mindmap_nodes WHERE project_id = $1 FOR UPDATE`, projectID)
		if err != nil {
			return fmt.Errorf("failed to lock nodes: %w", err)
		}
		nodes, err := collectNodes(rows)
		rows.Close()
		if err != nil {
			return err
		}

		exists := make(map[string]bool, len(nodes))
		for _, n := range nodes {
			exists[n.UID] = true
		}

		result.NodesScanned = len(nodes)
		for _, n := range nodes {
			before := n.Clone()
			dropped := mindmap.HealTargets(n, func(uid string) bool { return exists[uid] })
			if len(mindmap.Diff(before, n)) > 0 {
				result.NodesHealed++
				result.TargetsDropped += len(dropped)
				if err := updateNodeRow(ctx, tx, n); err != nil {
					return err
				}
			}
			if err := writeEdges(ctx, tx, n); err != nil {
				return err
			}
			result.Edges += len(n.AssociativeLineTargets)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Ensure associativeLineRepository implements AssociativeLineRepository at compile time.
var _ AssociativeLineRepository = (*associativeLineRepository)(nil)

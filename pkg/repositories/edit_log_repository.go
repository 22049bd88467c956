package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/caseboard/caseboard-engine/pkg/database"
	"github.com/caseboard/caseboard-engine/pkg/models"
)

// EditLogRepository provides data access for the append-only node edit log.
type EditLogRepository interface {
	// Create inserts a new edit log entry.
	Create(ctx context.Context, entry *models.EditLogEntry) error

	// ListByProject returns the most recent entries for a project, newest first.
	ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.EditLogEntry, error)

	// ListByNode returns the most recent entries for one node, newest first.
	// Entries of deleted nodes are still returned.
	ListByNode(ctx context.Context, projectID uuid.UUID, nodeUID string, limit int) ([]*models.EditLogEntry, error)
}

type editLogRepository struct{}

// NewEditLogRepository creates a new EditLogRepository.
func NewEditLogRepository() EditLogRepository {
	return &editLogRepository{}
}

var _ EditLogRepository = (*editLogRepository)(nil)

func (r *editLogRepository) Create(ctx context.Context, entry *models.EditLogEntry) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()

	oldData, err := marshalSnapshot(entry.OldData)
	if err != nil {
		return fmt.Errorf("failed to marshal old_data: %w", err)
	}
	newData, err := marshalSnapshot(entry.NewData)
	if err != nil {
		return fmt.Errorf("failed to marshal new_data: %w", err)
	}

	query := `
		INSERT INTO mindmap_edit_log (
			id, project_id, node_uid, user_id, action, source, old_data, new_data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = scope.Conn.Exec(ctx, query,
		entry.ID,
		entry.ProjectID,
		entry.NodeUID,
		entry.UserID,
		entry.Action,
		entry.Source,
		oldData,
		newData,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create edit log entry: %w", err)
	}

	return nil
}

func (r *editLogRepository) ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.EditLogEntry, error) {
	query := `
		SELECT id, project_id, node_uid, user_id, action, source, old_data, new_data, created_at
		FROM mindmap_edit_log
		WHERE project_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`

	return r.list(ctx, query, projectID, limit)
}

func (r *editLogRepository) ListByNode(ctx context.Context, projectID uuid.UUID, nodeUID string, limit int) ([]*models.EditLogEntry, error) {
	query := `
		SELECT id, project_id, node_uid, user_id, action, source, old_data, new_data, created_at
		FROM mindmap_edit_log
		WHERE project_id = $1 AND node_uid = $2
		ORDER BY created_at DESC, id
		LIMIT $3`

	return r.list(ctx, query, projectID, nodeUID, limit)
}

func (r *editLogRepository) list(ctx context.Context, query string, args ...any) ([]*models.EditLogEntry, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query edit log: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.EditLogEntry, 0)
	for rows.Next() {
		entry, err := scanEditLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edit log entries: %w", err)
	}

	return entries, nil
}

func marshalSnapshot(data map[string]any) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return json.Marshal(data)
}

func scanEditLogEntry(row pgx.Row) (*models.EditLogEntry, error) {
	var entry models.EditLogEntry
	var oldData, newData []byte

	err := row.Scan(
		&entry.ID,
		&entry.ProjectID,
		&entry.NodeUID,
		&entry.UserID,
		&entry.Action,
		&entry.Source,
		&oldData,
		&newData,
		&entry.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan edit log entry: %w", err)
	}

	if len(oldData) > 0 && string(oldData) != "null" {
		if err := json.Unmarshal(oldData, &entry.OldData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal old_data: %w", err)
		}
	}
	if len(newData) > 0 && string(newData) != "null" {
		if err := json.Unmarshal(newData, &entry.NewData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal new_data: %w", err)
		}
	}

	return &entry, nil
}

package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caseboard/caseboard-engine/pkg/models"
	"github.com/caseboard/caseboard-engine/pkg/repositories"
)

// Edit log page sizes.
const (
	DefaultEditLogLimit = 50
	MaxEditLogLimit     = 500
)

// EditLogService records node mutations and reads them back.
// Source and user are taken from the provenance in the context.
type EditLogService interface {
	// RecordCreate logs the creation of n. Recording is best-effort: failures
	// are logged and never returned to the mutation that triggered them.
	RecordCreate(ctx context.Context, n *models.Node)

	// RecordUpdate logs the changed fields of a node. Nothing is recorded
	// when changes is empty.
	RecordUpdate(ctx context.Context, projectID uuid.UUID, nodeUID string, changes map[string]models.FieldChange)

	// RecordDelete logs the deletion of n with its last state.
	RecordDelete(ctx context.Context, n *models.Node)

	// RecordMove logs a re-parent.
	RecordMove(ctx context.Context, res *repositories.MoveResult)

	// ListByProject returns the newest entries of a project.
	ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.EditLogEntry, error)

	// ListByNode returns the newest entries of one node, including entries of
	// nodes that have since been deleted.
	ListByNode(ctx context.Context, projectID uuid.UUID, nodeUID string, limit int) ([]*models.EditLogEntry, error)
}

type editLogService struct {
	repo   repositories.EditLogRepository
	logger *zap.Logger
}

// NewEditLogService creates a new EditLogService.
func NewEditLogService(repo repositories.EditLogRepository, logger *zap.Logger) EditLogService {
	return &editLogService{
		repo:   repo,
		logger: logger.Named("edit-log-service"),
	}
}

var _ EditLogService = (*editLogService)(nil)

func (s *editLogService) RecordCreate(ctx context.Context, n *models.Node) {
	s.record(ctx, n.ProjectID, n.UID, models.EditActionCreate, nil, n.Snapshot())
}

func (s *editLogService) RecordUpdate(ctx context.Context, projectID uuid.UUID, nodeUID string, changes map[string]models.FieldChange) {
	if len(changes) == 0 {
		return
	}
	oldData, newData := models.SplitChanges(changes)
	s.record(ctx, projectID, nodeUID, models.EditActionUpdate, oldData, newData)
}

func (s *editLogService) RecordDelete(ctx context.Context, n *models.Node) {
	s.record(ctx, n.ProjectID, n.UID, models.EditActionDelete, n.Snapshot(), nil)
}

func (s *editLogService) RecordMove(ctx context.Context, res *repositories.MoveResult) {
	n := res.Node
	oldData := map[string]any{
		models.FieldParentUID: res.OldParentUID,
		models.FieldLevel:     res.OldLevel,
		models.FieldSortOrder: res.OldSortOrder,
	}
	newData := map[string]any{
		models.FieldParentUID: n.ParentUID,
		models.FieldLevel:     n.Level,
		models.FieldSortOrder: n.SortOrder,
	}
	s.record(ctx, n.ProjectID, n.UID, models.EditActionMove, oldData, newData)
}

func (s *editLogService) record(ctx context.Context, projectID uuid.UUID, nodeUID, action string, oldData, newData map[string]any) {
	prov, ok := models.GetProvenance(ctx)
	if !ok {
		s.logger.Warn("No provenance context for edit log",
			zap.String("project_id", projectID.String()),
			zap.String("node_uid", nodeUID),
			zap.String("action", action))
		return
	}

	entry := &models.EditLogEntry{
		ProjectID: projectID,
		NodeUID:   nodeUID,
		Action:    action,
		Source:    prov.Source.String(),
		UserID:    prov.UserID,
		OldData:   oldData,
		NewData:   newData,
	}

	if err := s.repo.Create(ctx, entry); err != nil {
		s.logger.Warn("Failed to append edit log entry",
			zap.String("project_id", projectID.String()),
			zap.String("node_uid", nodeUID),
			zap.String("action", action),
			zap.String("user_id", prov.UserID.String()),
			zap.Error(err))
	}
}

func (s *editLogService) ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.EditLogEntry, error) {
	entries, err := s.repo.ListByProject(ctx, projectID, NormalizeEditLogLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list edit log: %w", err)
	}
	return entries, nil
}

func (s *editLogService) ListByNode(ctx context.Context, projectID uuid.UUID, nodeUID string, limit int) ([]*models.EditLogEntry, error) {
	entries, err := s.repo.ListByNode(ctx, projectID, nodeUID, NormalizeEditLogLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list node edit log: %w", err)
	}
	return entries, nil
}

// NormalizeEditLogLimit applies the default page size and caps the maximum.
func NormalizeEditLogLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultEditLogLimit
	case limit > MaxEditLogLimit:
		return MaxEditLogLimit
	default:
		return limit
	}
}

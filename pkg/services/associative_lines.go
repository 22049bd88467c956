package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
	"github.com/caseboard/caseboard-engine/pkg/models"
	"github.com/caseboard/caseboard-engine/pkg/permissions"
	"github.com/caseboard/caseboard-engine/pkg/repositories"
)

// AssociativeLineService manages the cross-links between nodes. The node's
// target list is authoritative; the line index is re-derived from it.
type AssociativeLineService interface {
	// SetTargets replaces the outgoing lines of uid. Self references,
	// duplicates and unknown targets are dropped, along with their labels.
	SetTargets(ctx context.Context, projectID uuid.UUID, uid string, actor permissions.Actor, targets []string, text map[string]string) (*NodeUpdate, error)

	// Clear removes every outgoing line of uid.
	Clear(ctx context.Context, projectID uuid.UUID, uid string, actor permissions.Actor) (*NodeUpdate, error)

	Incoming(ctx context.Context, projectID uuid.UUID, uid string, actor permissions.Actor) ([]*models.AssociativeLine, error)
	Outgoing(ctx context.Context, projectID uuid.UUID, uid string, actor permissions.Actor) ([]*models.AssociativeLine, error)

	// Sync heals every node of the project and rebuilds the index.
	Sync(ctx context.Context, projectID uuid.UUID, actor permissions.Actor) (*models.LineSyncResult, error)
}

type associativeLineService struct {
	tree   TreeService
	lines  repositories.AssociativeLineRepository
	logger *zap.Logger
}

// NewAssociativeLineService creates a new AssociativeLineService. Target
// changes go through tree so they are permission-checked, logged and
// broadcast like any other node update.
func NewAssociativeLineService(tree TreeService, lines repositories.AssociativeLineRepository, logger *zap.Logger) AssociativeLineService {
	return &associativeLineService{
		tree:   tree,
		lines:  lines,
		logger: logger.Named("associative-line-service"),
	}
}

var _ AssociativeLineService = (*associativeLineService)(nil)

func (s *associativeLineService) SetTargets(ctx context.Context, projectID uuid.UUID, uid string, actor permissions.Actor, targets []string, text map[string]string) (*NodeUpdate, error) {
	if targets == nil {
		targets = []string{}
	}
	if text == nil {
		text = map[string]string{}
	}
	patch := models.NodePatch{
		AssociativeLineTargets: models.Some(targets),
		AssociativeLineText:    models.Some(text),
	}
	return s.tree.Update(ctx, projectID, uid, actor, patch)
}

func (s *associativeLineService) Clear(ctx context.Context, projectID uuid.UUID, uid string, actor permissions.Actor) (*NodeUpdate, error) {
	return s.SetTargets(ctx, projectID, uid, actor, nil, nil)
}

func (s *associativeLineService) Incoming(ctx context.Context, projectID uuid.UUID, uid string, actor permissions.Actor) ([]*models.AssociativeLine, error) {
	if !permissions.CanRead(actor) {
		return nil, apperrors.ErrForbidden
	}
	lines, err := s.lines.Incoming(ctx, projectID, uid)
	if err != nil {
		return nil, fmt.Errorf("list incoming lines: %w", err)
	}
	return lines, nil
}

func (s *associativeLineService) Outgoing(ctx context.Context, projectID uuid.UUID, uid string, actor permissions.Actor) ([]*models.AssociativeLine, error) {
	if !permissions.CanRead(actor) {
		return nil, apperrors.ErrForbidden
	}
	lines, err := s.lines.Outgoing(ctx, projectID, uid)
	if err != nil {
		return nil, fmt.Errorf("list outgoing lines: %w", err)
	}
	return lines, nil
}

func (s *associativeLineService) Sync(ctx context.Context, projectID uuid.UUID, actor permissions.Actor) (*models.LineSyncResult, error) {
	if !permissions.CanWrite(actor) {
		return nil, apperrors.ErrForbidden
	}
	result, err := s.lines.Sync(ctx, projectID)
	if err != nil {
		s.logger.Error("Failed to sync associative lines",
			zap.String("project_id", projectID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("sync associative lines: %w", err)
	}

	s.logger.Info("Associative lines synced",
		zap.String("project_id", projectID.String()),
		zap.Int("nodes_healed", result.NodesHealed),
		zap.Int("targets_dropped", result.TargetsDropped),
		zap.Int("edges", result.Edges))
	return result, nil
}

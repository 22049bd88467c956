package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/caseboard/caseboard-engine/pkg/models"
)

// Tree change kinds, named after the live messages they become.
const (
	ChangeNodeCreated  = "node_created"
	ChangeNodeUpdated  = "node_updated"
	ChangeNodeDeleted  = "node_deleted"
	ChangeNodeMoved    = "node_moved"
	ChangeMindmapReset = "mindmap_reset"
)

// TreeChange describes a committed structural change to a project's mind map.
type TreeChange struct {
	Kind      string
	ProjectID uuid.UUID
	Node      *models.Node
	NodeUID   string

	// ChangedFields lists the fields written by an update.
	ChangedFields []string

	UserID uuid.UUID
	Email  string

	// ConnectionID is the live connection that made the change, empty for REST.
	ConnectionID string
}

// ChangeNotifier receives committed tree changes. The collaboration hub
// implements it to broadcast REST and live changes alike.
type ChangeNotifier interface {
	NotifyTreeChange(ctx context.Context, change TreeChange)
}

type noopNotifier struct{}

func (noopNotifier) NotifyTreeChange(context.Context, TreeChange) {}

package models

import (
	"time"

	"github.com/google/uuid"
)

// AssociativeLine is a directed, labelled reference between two nodes of the
// same project. Lines are derived from Node.AssociativeLineTargets and are
// unique per (SourceUID, TargetUID).
type AssociativeLine struct {
	ProjectID uuid.UUID `json:"project_id"`
	SourceUID string    `json:"source_uid"`
	TargetUID string    `json:"target_uid"`
	Text      string    `json:"text"`
	CreatorID uuid.UUID `json:"creator_id"`
	CreatedAt time.Time `json:"created_at"`
}

// LineSyncResult summarizes a project-wide associative line resync.
type LineSyncResult struct {
	NodesScanned   int `json:"nodes_scanned"`
	NodesHealed    int `json:"nodes_healed"`
	TargetsDropped int `json:"targets_dropped"`
	Edges          int `json:"edges"`
}

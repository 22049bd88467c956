package models

import (
	"time"

	"github.com/google/uuid"
)

// EditAction represents the kind of structural mutation recorded in the edit log.
const (
	EditActionCreate = "create"
	EditActionUpdate = "update"
	EditActionDelete = "delete"
	EditActionMove   = "move"
)

// EditLogEntry is an immutable record of one node mutation.
// Stored in mindmap_edit_log. The node is referenced by uid without a foreign
// key so that entries outlive the node they describe.
type EditLogEntry struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	NodeUID   string    `json:"node_uid"`
	Action    string    `json:"action"` // 'create', 'update', 'delete', 'move'

	// Who/how
	Source string    `json:"source"` // 'rest', 'live', 'system'
	UserID uuid.UUID `json:"user_id"`

	// What changed. Create entries carry only NewData, delete entries only OldData.
	OldData map[string]any `json:"old_data,omitempty"`
	NewData map[string]any `json:"new_data,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// FieldChange represents the old and new values for a changed field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// SplitChanges converts a changed-field map into the old/new snapshots stored
// on an edit log entry.
func SplitChanges(changes map[string]FieldChange) (oldData, newData map[string]any) {
	oldData = make(map[string]any, len(changes))
	newData = make(map[string]any, len(changes))
	for field, c := range changes {
		oldData[field] = c.Old
		newData[field] = c.New
	}
	return oldData, newData
}

package models

// Batch change actions.
const (
	BatchCreate = "create"
	BatchUpdate = "update"
	BatchDelete = "delete"
	BatchMove   = "move"
)

// BatchChange is one entry of a batch request. Which fields are read depends
// on Action: create uses UID (optional), ParentUID and Fields; update uses UID
// and Fields; delete uses UID; move uses UID, ParentUID and SortOrder.
type BatchChange struct {
	Action    string    `json:"action"`
	UID       string    `json:"uid,omitempty"`
	ParentUID string    `json:"parent_uid,omitempty"`
	SortOrder *int      `json:"sort_order,omitempty"`
	Fields    NodePatch `json:"fields"`
}

// BatchResult reports the outcome of one batch change.
type BatchResult struct {
	Index     int    `json:"index"`
	Action    string `json:"action"`
	UID       string `json:"uid,omitempty"`
	Node      *Node  `json:"node,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

package collab

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
	"github.com/caseboard/caseboard-engine/pkg/mindmap"
	"github.com/caseboard/caseboard-engine/pkg/models"
)

// Inbound message types.
const (
	TypeNodeCreate    = "node_create"
	TypeNodeUpdate    = "node_update"
	TypeNodeDelete    = "node_delete"
	TypeNodeMove      = "node_move"
	TypeCursorMove    = "cursor_move"
	TypeUserSelection = "user_selection"
)

// Outbound message types.
const (
	TypeOnlineUsers  = "online_users"
	TypeUserJoined   = "user_joined"
	TypeUserLeft     = "user_left"
	TypeNodeCreated  = "node_created"
	TypeNodeUpdated  = "node_updated"
	TypeNodeDeleted  = "node_deleted"
	TypeNodeMoved    = "node_moved"
	TypeMindmapReset = "mindmap_reset"
	TypeCursorMoved  = "cursor_moved"
	TypeUserSelected = "user_selected"
	TypeAck          = "ack"
	TypeError        = "error"
)

// Envelope is used for initial JSON decoding to determine the message type.
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// NodeCreateMessage asks to create a node under ParentID. NodeData holds an
// optional uid plus allow-listed content fields.
type NodeCreateMessage struct {
	Envelope
	ParentID string          `json:"parent_id"`
	NodeData json.RawMessage `json:"node_data"`
}

// NodeUpdateMessage patches a node with allow-listed fields.
type NodeUpdateMessage struct {
	Envelope
	NodeID  string          `json:"node_id"`
	Updates json.RawMessage `json:"updates"`
}

// NodeDeleteMessage deletes a node.
type NodeDeleteMessage struct {
	Envelope
	NodeID string `json:"node_id"`
}

// NodeMoveMessage re-parents a node.
type NodeMoveMessage struct {
	Envelope
	NodeID      string `json:"node_id"`
	NewParentID string `json:"new_parent_id"`
	SortOrder   *int   `json:"sort_order,omitempty"`
}

// CursorMoveMessage reports the sender's pointer position.
type CursorMoveMessage struct {
	Envelope
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// UserSelectionMessage reports the node the sender has selected.
type UserSelectionMessage struct {
	Envelope
	NodeID string `json:"node_id"`
}

// Cursor is a participant's last reported pointer position.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// UserInfo identifies a participant in outbound messages.
type UserInfo struct {
	UserID    string  `json:"user_id"`
	Email     string  `json:"email"`
	Cursor    *Cursor `json:"cursor,omitempty"`
	Selection string  `json:"selection,omitempty"`
}

// OnlineUsersMessage is the presence snapshot sent to a joining participant.
type OnlineUsersMessage struct {
	Type  string     `json:"type"`
	Users []UserInfo `json:"users"`
}

// UserEventMessage announces a participant joining or leaving.
type UserEventMessage struct {
	Type string   `json:"type"`
	User UserInfo `json:"user"`
}

// NodeEventMessage broadcasts a committed structural change.
type NodeEventMessage struct {
	Type          string       `json:"type"`
	Node          *models.Node `json:"node,omitempty"`
	NodeID        string       `json:"node_id,omitempty"`
	User          UserInfo     `json:"user"`
	ChangedFields []string     `json:"changed_fields,omitempty"`
}

// CursorMovedMessage relays a cursor position.
type CursorMovedMessage struct {
	Type string   `json:"type"`
	User UserInfo `json:"user"`
	X    float64  `json:"x"`
	Y    float64  `json:"y"`
}

// UserSelectedMessage relays a selection.
type UserSelectedMessage struct {
	Type   string   `json:"type"`
	User   UserInfo `json:"user"`
	NodeID string   `json:"node_id"`
}

// AckMessage confirms a structural message to its sender, carrying the
// resulting node so server-generated uids reach the client.
type AckMessage struct {
	Type      string       `json:"type"`
	RequestID string       `json:"request_id,omitempty"`
	Node      *models.Node `json:"node,omitempty"`
	NodeID    string       `json:"node_id,omitempty"`
}

// ErrorMessage is sent to the originating participant only.
type ErrorMessage struct {
	Type      string `json:"type"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ParseMessage decodes an inbound JSON message and returns the typed message.
// Every error wraps ErrInvalidPayload. The envelope is returned alongside so
// the request id can be echoed even when the body is rejected.
func ParseMessage(data []byte) (any, Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, env, fmt.Errorf("%w: failed to parse message envelope: %s", apperrors.ErrInvalidPayload, err)
	}

	var msg any
	switch env.Type {
	case TypeNodeCreate:
		msg = &NodeCreateMessage{}
	case TypeNodeUpdate:
		msg = &NodeUpdateMessage{}
	case TypeNodeDelete:
		msg = &NodeDeleteMessage{}
	case TypeNodeMove:
		msg = &NodeMoveMessage{}
	case TypeCursorMove:
		msg = &CursorMoveMessage{}
	case TypeUserSelection:
		msg = &UserSelectionMessage{}
	default:
		return nil, env, fmt.Errorf("%w: unknown message type: %q", apperrors.ErrInvalidPayload, env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, env, fmt.Errorf("%w: failed to parse %s message: %s", apperrors.ErrInvalidPayload, env.Type, err)
	}
	return msg, env, nil
}

// DecodeNodeData splits node_create data into the optional uid and the
// allow-listed content patch. Unknown keys are rejected.
func DecodeNodeData(data json.RawMessage) (string, models.NodePatch, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return "", models.NodePatch{}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", models.NodePatch{}, fmt.Errorf("%w: node_data must be an object", apperrors.ErrInvalidPayload)
	}

	var uid string
	if raw, ok := fields["uid"]; ok {
		if err := json.Unmarshal(raw, &uid); err != nil {
			return "", models.NodePatch{}, fmt.Errorf("%w: uid must be a string", apperrors.ErrInvalidPayload)
		}
		delete(fields, "uid")
	}

	rest, err := json.Marshal(fields)
	if err != nil {
		return "", models.NodePatch{}, fmt.Errorf("failed to re-encode node data: %w", err)
	}
	patch, err := mindmap.DecodePatch(rest)
	if err != nil {
		return "", models.NodePatch{}, err
	}
	return uid, patch, nil
}

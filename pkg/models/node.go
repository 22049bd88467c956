package models

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Field names accepted in node patches. They double as the keys recorded in
// edit-log snapshots and the changed_fields of live update broadcasts.
const (
	FieldText                   = "text"
	FieldRichText               = "rich_text"
	FieldExpand                 = "expand"
	FieldIcon                   = "icon"
	FieldHyperlink              = "hyperlink"
	FieldHyperlinkTitle         = "hyperlink_title"
	FieldNote                   = "note"
	FieldTags                   = "tags"
	FieldGeneralizations        = "generalizations"
	FieldSortOrder              = "sort_order"
	FieldImage                  = "image"
	FieldAttachment             = "attachment"
	FieldAssociativeLineTargets = "associative_line_targets"
	FieldAssociativeLineText    = "associative_line_text"
	FieldParentUID              = "parent_uid"
	FieldLevel                  = "level"
)

// Tag is a labelled chip attached to a node.
type Tag struct {
	Text  string         `json:"text"`
	Style map[string]any `json:"style,omitempty"`
}

// Generalization is a bracket label spanning a node's subtree.
type Generalization struct {
	Text     string         `json:"text"`
	RichText bool           `json:"rich_text"`
	Style    map[string]any `json:"style,omitempty"`
}

// Asset is a reference to an image or attachment owned by a node.
// The bytes live in the attachment store; the node only owns the key.
type Asset struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// NodeContent holds the user-editable content of a node.
type NodeContent struct {
	Text                   string            `json:"text"`
	RichText               bool              `json:"rich_text"`
	Expand                 bool              `json:"expand"`
	Icon                   []string          `json:"icon"`
	Hyperlink              string            `json:"hyperlink"`
	HyperlinkTitle         string            `json:"hyperlink_title"`
	Note                   string            `json:"note"`
	Tags                   []Tag             `json:"tags"`
	Generalizations        []Generalization  `json:"generalizations"`
	Image                  *Asset            `json:"image,omitempty"`
	Attachment             *Asset            `json:"attachment,omitempty"`
	AssociativeLineTargets []string          `json:"associative_line_targets"`
	AssociativeLineText    map[string]string `json:"associative_line_text"`
}

// Node is one entry of a project's mind map, keyed by (ProjectID, UID).
// ParentUID is empty for the root.
type Node struct {
	ProjectID uuid.UUID `json:"project_id"`
	UID       string    `json:"uid"`
	ParentUID string    `json:"parent_uid"`
	Level     int       `json:"level"`
	SortOrder int       `json:"sort_order"`

	NodeContent

	IsRoot          bool      `json:"is_root"`
	IsSystemDefault bool      `json:"is_system_default"`
	CreatorID       uuid.UUID `json:"creator_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Normalize replaces nil collections with empty ones so JSON output is stable.
func (n *Node) Normalize() {
	if n.Icon == nil {
		n.Icon = []string{}
	}
	if n.Tags == nil {
		n.Tags = []Tag{}
	}
	if n.Generalizations == nil {
		n.Generalizations = []Generalization{}
	}
	if n.AssociativeLineTargets == nil {
		n.AssociativeLineTargets = []string{}
	}
	if n.AssociativeLineText == nil {
		n.AssociativeLineText = map[string]string{}
	}
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Icon = slices.Clone(n.Icon)
	c.AssociativeLineTargets = slices.Clone(n.AssociativeLineTargets)
	c.AssociativeLineText = maps.Clone(n.AssociativeLineText)
	if n.Tags != nil {
		c.Tags = make([]Tag, len(n.Tags))
		for i, t := range n.Tags {
			c.Tags[i] = Tag{Text: t.Text, Style: maps.Clone(t.Style)}
		}
	}
	if n.Generalizations != nil {
		c.Generalizations = make([]Generalization, len(n.Generalizations))
		for i, g := range n.Generalizations {
			c.Generalizations[i] = Generalization{Text: g.Text, RichText: g.RichText, Style: maps.Clone(g.Style)}
		}
	}
	if n.Image != nil {
		img := *n.Image
		c.Image = &img
	}
	if n.Attachment != nil {
		att := *n.Attachment
		c.Attachment = &att
	}
	return &c
}

// Snapshot returns the node as a field map, used for create/delete log entries.
func (n *Node) Snapshot() map[string]any {
	return map[string]any{
		FieldParentUID:              n.ParentUID,
		FieldLevel:                  n.Level,
		FieldSortOrder:              n.SortOrder,
		FieldText:                   n.Text,
		FieldRichText:               n.RichText,
		FieldExpand:                 n.Expand,
		FieldIcon:                   n.Icon,
		FieldHyperlink:              n.Hyperlink,
		FieldHyperlinkTitle:         n.HyperlinkTitle,
		FieldNote:                   n.Note,
		FieldTags:                   n.Tags,
		FieldGeneralizations:        n.Generalizations,
		FieldImage:                  n.Image,
		FieldAttachment:             n.Attachment,
		FieldAssociativeLineTargets: n.AssociativeLineTargets,
		FieldAssociativeLineText:    n.AssociativeLineText,
	}
}

// CreateNodeInput holds the parameters for creating a node.
// An empty UID asks the server to generate one.
type CreateNodeInput struct {
	UID       string    `json:"uid,omitempty"`
	ParentUID string    `json:"parent_uid"`
	Fields    NodePatch `json:"fields"`
}

// MoveNodeInput holds the parameters for re-parenting a node.
type MoveNodeInput struct {
	NewParentUID string `json:"new_parent_uid"`
	SortOrder    *int   `json:"sort_order,omitempty"`
}

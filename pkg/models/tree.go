package models

import "time"

// ExportNode is the per-node payload of a tree export. The permission flags
// are computed for the requesting user at export time and never persisted.
type ExportNode struct {
	UID                    string            `json:"uid"`
	Text                   string            `json:"text"`
	RichText               bool              `json:"richText"`
	Expand                 bool              `json:"expand"`
	Icon                   []string          `json:"icon"`
	Hyperlink              string            `json:"hyperlink"`
	HyperlinkTitle         string            `json:"hyperlinkTitle"`
	Note                   string            `json:"note"`
	Tag                    []Tag             `json:"tag"`
	Generalization         []Generalization  `json:"generalization"`
	Image                  string            `json:"image,omitempty"`
	ImageTitle             string            `json:"imageTitle,omitempty"`
	Attachment             string            `json:"attachmentUrl,omitempty"`
	AttachmentName         string            `json:"attachmentName,omitempty"`
	AssociativeLineTargets []string          `json:"associativeLineTargets"`
	AssociativeLineText    map[string]string `json:"associativeLineText"`
	IsRoot                 bool              `json:"isRoot"`
	IsSystemDefault        bool              `json:"isSystemDefault"`
	Editable               bool              `json:"editable"`
	Deletable              bool              `json:"deletable"`
	CanAddChildren         bool              `json:"canAddChildren"`
	CreatedAt              time.Time         `json:"createdAt"`
	UpdatedAt              time.Time         `json:"updatedAt"`
}

// TreeNode is one level of the recursive {data, children} export.
type TreeNode struct {
	Data     ExportNode  `json:"data"`
	Children []*TreeNode `json:"children"`
}

// TreeStats summarizes a requester's share of a project's mind map.
type TreeStats struct {
	TotalNodes   int     `json:"total_nodes"`
	MyNodes      int     `json:"my_nodes"`
	MyPercentage float64 `json:"my_percentage"`
	RecentNodes  []*Node `json:"recent_nodes"`
}

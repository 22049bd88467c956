package models

import (
	"bytes"
	"encoding/json"
)

// Optional marks whether a patch field was present in the request.
// A present JSON null sets Set and leaves Value at its zero value, which is
// how clients clear image or attachment references.
type Optional[T any] struct {
	Set   bool
	Value T
}

// Some returns a present Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Set: true, Value: v}
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		var zero T
		o.Value = zero
		return nil
	}
	return json.Unmarshal(data, &o.Value)
}

// MarshalJSON implements json.Marshaler.
func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Set {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// IsZero reports whether the field was absent; used by omitzero.
func (o Optional[T]) IsZero() bool {
	return !o.Set
}

// NodePatch is the allow-list of node fields a client may change.
// Fields that are not Set are left untouched. Hierarchy fields (parent_uid,
// level) and flags are not patchable; moves go through their own operation.
type NodePatch struct {
	Text                   Optional[string]            `json:"text,omitzero"`
	RichText               Optional[bool]              `json:"rich_text,omitzero"`
	Expand                 Optional[bool]              `json:"expand,omitzero"`
	Icon                   Optional[[]string]          `json:"icon,omitzero"`
	Hyperlink              Optional[string]            `json:"hyperlink,omitzero"`
	HyperlinkTitle         Optional[string]            `json:"hyperlink_title,omitzero"`
	Note                   Optional[string]            `json:"note,omitzero"`
	Tags                   Optional[[]Tag]             `json:"tags,omitzero"`
	Generalizations        Optional[[]Generalization]  `json:"generalizations,omitzero"`
	SortOrder              Optional[int]               `json:"sort_order,omitzero"`
	Image                  Optional[*Asset]            `json:"image,omitzero"`
	Attachment             Optional[*Asset]            `json:"attachment,omitzero"`
	AssociativeLineTargets Optional[[]string]          `json:"associative_line_targets,omitzero"`
	AssociativeLineText    Optional[map[string]string] `json:"associative_line_text,omitzero"`
}

// IsEmpty reports whether the patch sets no field.
func (p NodePatch) IsEmpty() bool {
	return !p.Text.Set && !p.RichText.Set && !p.Expand.Set && !p.Icon.Set &&
		!p.Hyperlink.Set && !p.HyperlinkTitle.Set && !p.Note.Set && !p.Tags.Set &&
		!p.Generalizations.Set && !p.SortOrder.Set && !p.Image.Set && !p.Attachment.Set &&
		!p.AssociativeLineTargets.Set && !p.AssociativeLineText.Set
}

// TouchesContent reports whether the patch changes anything other than sort order.
// Sibling reordering is structural and allowed on system-default nodes.
func (p NodePatch) TouchesContent() bool {
	q := p
	q.SortOrder = Optional[int]{}
	return !q.IsEmpty()
}

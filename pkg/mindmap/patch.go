package mindmap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"slices"
	"strings"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
	"github.com/caseboard/caseboard-engine/pkg/models"
)

// DecodePatch parses a client patch. Unknown keys are rejected so that only
// allow-listed fields can ever reach a node.
func DecodePatch(data []byte) (models.NodePatch, error) {
	var patch models.NodePatch
	if len(bytes.TrimSpace(data)) == 0 {
		return patch, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		return models.NodePatch{}, fmt.Errorf("%w: %s", apperrors.ErrInvalidPayload, describeDecodeError(err))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return models.NodePatch{}, fmt.Errorf("%w: trailing data after patch", apperrors.ErrInvalidPayload)
	}
	if err := ValidatePatch(patch); err != nil {
		return models.NodePatch{}, err
	}
	return patch, nil
}

func describeDecodeError(err error) string {
	msg := err.Error()
	if field, ok := strings.CutPrefix(msg, "json: unknown field "); ok {
		return "field " + field + " is not editable"
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("field %q has the wrong type", typeErr.Field)
	}
	return msg
}

// ValidatePatch checks value constraints that JSON typing cannot express.
func ValidatePatch(p models.NodePatch) error {
	if p.AssociativeLineTargets.Set {
		for _, t := range p.AssociativeLineTargets.Value {
			if t == "" {
				return fmt.Errorf("%w: associative line target must not be empty", apperrors.ErrInvalidPayload)
			}
		}
	}
	if p.AssociativeLineText.Set {
		for k := range p.AssociativeLineText.Value {
			if k == "" {
				return fmt.Errorf("%w: associative line label key must not be empty", apperrors.ErrInvalidPayload)
			}
		}
	}
	for _, a := range []models.Optional[*models.Asset]{p.Image, p.Attachment} {
		if a.Set && a.Value != nil && a.Value.Key == "" && a.Value.URL == "" {
			return fmt.Errorf("%w: asset reference requires a key or url", apperrors.ErrInvalidPayload)
		}
	}
	return nil
}

// ApplyPatch writes every present field of p onto n and returns the fields
// whose value actually changed, keyed by field name.
func ApplyPatch(n *models.Node, p models.NodePatch) map[string]models.FieldChange {
	changes := map[string]models.FieldChange{}
	apply(changes, models.FieldText, &n.Text, p.Text)
	apply(changes, models.FieldRichText, &n.RichText, p.RichText)
	apply(changes, models.FieldExpand, &n.Expand, p.Expand)
	apply(changes, models.FieldIcon, &n.Icon, p.Icon)
	apply(changes, models.FieldHyperlink, &n.Hyperlink, p.Hyperlink)
	apply(changes, models.FieldHyperlinkTitle, &n.HyperlinkTitle, p.HyperlinkTitle)
	apply(changes, models.FieldNote, &n.Note, p.Note)
	apply(changes, models.FieldTags, &n.Tags, p.Tags)
	apply(changes, models.FieldGeneralizations, &n.Generalizations, p.Generalizations)
	apply(changes, models.FieldSortOrder, &n.SortOrder, p.SortOrder)
	apply(changes, models.FieldImage, &n.Image, p.Image)
	apply(changes, models.FieldAttachment, &n.Attachment, p.Attachment)
	apply(changes, models.FieldAssociativeLineTargets, &n.AssociativeLineTargets, p.AssociativeLineTargets)
	apply(changes, models.FieldAssociativeLineText, &n.AssociativeLineText, p.AssociativeLineText)
	return changes
}

func apply[T any](changes map[string]models.FieldChange, field string, dst *T, opt models.Optional[T]) {
	if !opt.Set || equalValues(*dst, opt.Value) {
		return
	}
	changes[field] = models.FieldChange{Old: *dst, New: opt.Value}
	*dst = opt.Value
}

// equalValues treats nil and empty collections as equal.
func equalValues(a, b any) bool {
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if av.IsValid() && bv.IsValid() {
		switch av.Kind() {
		case reflect.Slice, reflect.Map:
			if av.Len() == 0 && bv.Len() == 0 {
				return true
			}
		}
	}
	return reflect.DeepEqual(a, b)
}

// DedupTargets removes self references and duplicates from targets while
// preserving order.
func DedupTargets(self string, targets []string) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if t == "" || t == self || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Diff returns the patchable fields whose value differs between before and after.
func Diff(before, after *models.Node) map[string]models.FieldChange {
	changes := map[string]models.FieldChange{}
	diff(changes, models.FieldText, before.Text, after.Text)
	diff(changes, models.FieldRichText, before.RichText, after.RichText)
	diff(changes, models.FieldExpand, before.Expand, after.Expand)
	diff(changes, models.FieldIcon, before.Icon, after.Icon)
	diff(changes, models.FieldHyperlink, before.Hyperlink, after.Hyperlink)
	diff(changes, models.FieldHyperlinkTitle, before.HyperlinkTitle, after.HyperlinkTitle)
	diff(changes, models.FieldNote, before.Note, after.Note)
	diff(changes, models.FieldTags, before.Tags, after.Tags)
	diff(changes, models.FieldGeneralizations, before.Generalizations, after.Generalizations)
	diff(changes, models.FieldSortOrder, before.SortOrder, after.SortOrder)
	diff(changes, models.FieldImage, before.Image, after.Image)
	diff(changes, models.FieldAttachment, before.Attachment, after.Attachment)
	diff(changes, models.FieldAssociativeLineTargets, before.AssociativeLineTargets, after.AssociativeLineTargets)
	diff(changes, models.FieldAssociativeLineText, before.AssociativeLineText, after.AssociativeLineText)
	return changes
}

func diff[T any](changes map[string]models.FieldChange, field string, old, new T) {
	if !equalValues(old, new) {
		changes[field] = models.FieldChange{Old: old, New: new}
	}
}

// HealTargets rewrites n's target list so it only references existing nodes.
// Self references and duplicates are removed as well, and labels keyed by a
// target that did not survive are pruned. The dropped targets are returned.
func HealTargets(n *models.Node, exists func(uid string) bool) []string {
	var dropped []string
	kept := make([]string, 0, len(n.AssociativeLineTargets))
	for _, t := range DedupTargets(n.UID, n.AssociativeLineTargets) {
		if !exists(t) {
			dropped = append(dropped, t)
			continue
		}
		kept = append(kept, t)
	}
	for _, t := range n.AssociativeLineTargets {
		if t == n.UID && !slices.Contains(dropped, t) {
			dropped = append(dropped, t)
		}
	}
	n.AssociativeLineTargets = kept

	for k := range n.AssociativeLineText {
		if !slices.Contains(kept, k) {
			delete(n.AssociativeLineText, k)
		}
	}
	return dropped
}

package mindmap

import (
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/caseboard/caseboard-engine/pkg/models"
)

//go:embed default_template.yaml
var defaultTemplateYAML []byte

// TemplateNode describes one seeded node.
type TemplateNode struct {
	Text   string       `yaml:"text"`
	Note   string       `yaml:"note"`
	Icon   []string     `yaml:"icon"`
	Expand bool         `yaml:"expand"`
	Tags   []models.Tag `yaml:"tags"`
}

// Template is the shape of a bootstrapped mind map: one root and its fixed children.
type Template struct {
	Root     TemplateNode   `yaml:"root"`
	Children []TemplateNode `yaml:"children"`
}

// ParseTemplate decodes a template document.
func ParseTemplate(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse mind map template: %w", err)
	}
	if len(t.Children) == 0 {
		return nil, fmt.Errorf("mind map template has no children")
	}
	return &t, nil
}

// DefaultTemplate returns the embedded case template.
func DefaultTemplate() *Template {
	t, err := ParseTemplate(defaultTemplateYAML)
	if err != nil {
		panic(err)
	}
	return t
}

// Build materializes the template for a project. The root's text is the
// project name. Every node is system-default and owned by creator.
func (t *Template) Build(projectID uuid.UUID, projectName string, creator uuid.UUID, now time.Time) []*models.Node {
	rootText := projectName
	if rootText == "" {
		rootText = t.Root.Text
	}

	root := t.newNode(t.Root, projectID, creator, now)
	root.Text = rootText
	root.IsRoot = true
	root.Expand = true

	nodes := []*models.Node{root}
	for i, c := range t.Children {
		child := t.newNode(c, projectID, creator, now)
		child.ParentUID = root.UID
		child.Level = 1
		child.SortOrder = i
		nodes = append(nodes, child)
	}
	return nodes
}

func (t *Template) newNode(tn TemplateNode, projectID, creator uuid.UUID, now time.Time) *models.Node {
	n := &models.Node{
		ProjectID:       projectID,
		UID:             NewUID(now),
		IsSystemDefault: true,
		CreatorID:       creator,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	n.Text = tn.Text
	n.Note = tn.Note
	n.Icon = tn.Icon
	n.Expand = tn.Expand
	n.Tags = tn.Tags
	n.Normalize()
	return n
}

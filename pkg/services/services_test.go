package services

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caseboard/caseboard-engine/pkg/auth"
	"github.com/caseboard/caseboard-engine/pkg/models"
	"github.com/caseboard/caseboard-engine/pkg/permissions"
	"github.com/caseboard/caseboard-engine/pkg/repositories"
)

// recordingNotifier captures broadcast tree changes.
type recordingNotifier struct {
	mu      sync.Mutex
	changes []TreeChange
}

func (n *recordingNotifier) NotifyTreeChange(_ context.Context, change TreeChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, change)
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.changes))
	for i, c := range n.changes {
		out[i] = c.Kind
	}
	return out
}

func (n *recordingNotifier) last() TreeChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.changes[len(n.changes)-1]
}

// mockAttachmentStore records deleted object keys.
type mockAttachmentStore struct {
	mu      sync.Mutex
	deleted []string
}

func (m *mockAttachmentStore) Store(_ context.Context, projectID uuid.UUID, name, contentType string, size int64, _ io.Reader) (*models.Asset, error) {
	key := "projects/" + projectID.String() + "/" + name
	return &models.Asset{Key: key, URL: "https://files.test/" + key, Name: name, Size: size, ContentType: contentType}, nil
}

func (m *mockAttachmentStore) Delete(_ context.Context, asset *models.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, asset.Key)
	return nil
}

// fixture wires every service over the in-memory repositories.
type fixture struct {
	repos    *repositories.Repositories
	notifier *recordingNotifier
	store    *mockAttachmentStore

	editLog  EditLogService
	members  MemberService
	tree     TreeService
	lines    AssociativeLineService
	projects ProjectService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	f := &fixture{
		repos:    repositories.NewMemoryRepositories(),
		notifier: &recordingNotifier{},
		store:    &mockAttachmentStore{},
	}
	f.editLog = NewEditLogService(f.repos.EditLog, logger)
	f.members = NewMemberService(f.repos.Projects, f.repos.Members, logger)
	f.tree = NewTreeService(f.repos, f.editLog, f.store, f.notifier, logger)
	f.lines = NewAssociativeLineService(f.tree, f.repos.Lines, logger)
	f.projects = NewProjectService(f.repos, f.tree, logger)
	return f
}

// provision creates a bootstrapped project and returns it with its creator.
func (f *fixture) provision(t *testing.T) (*models.Project, permissions.Actor) {
	t.Helper()
	user := auth.User{ID: uuid.New(), Email: "lead@precinct.test", Approved: true}
	project, err := f.projects.Provision(context.Background(), user, "Case 1147")
	require.NoError(t, err)

	actor, err := f.members.Actor(context.Background(), project.ID, user)
	require.NoError(t, err)
	return project, actor
}

// join adds a new approved user with the given permission.
func (f *fixture) join(t *testing.T, projectID uuid.UUID, admin permissions.Actor, permission string) permissions.Actor {
	t.Helper()
	user := auth.User{ID: uuid.New(), Email: permission + "@precinct.test", Approved: true}
	_, err := f.members.Invite(context.Background(), projectID, admin, user.ID, user.Email, permission)
	require.NoError(t, err)

	actor, err := f.members.Actor(context.Background(), projectID, user)
	require.NoError(t, err)
	return actor
}

// ctx returns a REST request context for actor.
func ctxFor(actor permissions.Actor) context.Context {
	return models.WithRESTProvenance(context.Background(), actor.UserID)
}

// systemChildren returns the bootstrapped level-1 nodes in sibling order.
func (f *fixture) systemChildren(t *testing.T, projectID uuid.UUID, actor permissions.Actor) []*models.Node {
	t.Helper()
	nodes, err := f.tree.List(ctxFor(actor), projectID, actor)
	require.NoError(t, err)
	var out []*models.Node
	for _, n := range nodes {
		if n.Level == 1 && n.IsSystemDefault {
			out = append(out, n)
		}
	}
	return out
}

func (f *fixture) root(t *testing.T, projectID uuid.UUID, actor permissions.Actor) *models.Node {
	t.Helper()
	nodes, err := f.tree.List(ctxFor(actor), projectID, actor)
	require.NoError(t, err)
	for _, n := range nodes {
		if n.IsRoot {
			return n
		}
	}
	t.Fatalf("project %s has no root", projectID)
	return nil
}

func textPatch(text string) models.NodePatch {
	return models.NodePatch{Text: models.Some(text)}
}

// createChild creates a node with text under parent.
func (f *fixture) createChild(t *testing.T, projectID uuid.UUID, actor permissions.Actor, uid, parent string) *models.Node {
	t.Helper()
	n, err := f.tree.Create(ctxFor(actor), projectID, actor, models.CreateNodeInput{
		UID:       uid,
		ParentUID: parent,
		Fields:    textPatch(uid),
	})
	require.NoError(t, err)
	return n
}

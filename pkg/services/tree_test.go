package services

import (
	"errors"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
	"github.com/caseboard/caseboard-engine/pkg/models"
	"github.com/caseboard/caseboard-engine/pkg/permissions"
)

func TestTreeService_ProvisionBootstrapsDefaultMap(t *testing.T) {
	f := newFixture(t)
	project, lead := f.provision(t)

	root := f.root(t, project.ID, lead)
	assert.Equal(t, "Case 1147", root.Text)
	assert.True(t, root.IsSystemDefault)
	assert.Equal(t, 0, root.Level)

	children := f.systemChildren(t, project.ID, lead)
	require.Len(t, children, 4)
	for i, c := range children {
		assert.Equal(t, root.UID, c.ParentUID)
		assert.Equal(t, i, c.SortOrder)
	}
	assert.Equal(t, "Case Summary", children[0].Text)

	assert.True(t, lead.IsProjectCreator)
	assert.Equal(t, models.PermissionAdmin, lead.Permission)
}

func TestTreeService_SystemDefaultNodesAreLocked(t *testing.T) {
	f := newFixture(t)
	project, lead := f.provision(t)
	root := f.root(t, project.ID, lead)
	summary := f.systemChildren(t, project.ID, lead)[0]

	err := f.tree.Delete(ctxFor(lead), project.ID, root.UID, lead)
	assert.Equal(t, apperrors.KindForbidden, apperrors.Kind(err))

	_, err = f.tree.Update(ctxFor(lead), project.ID, root.UID, lead, textPatch("renamed"))
	assert.Equal(t, apperrors.KindForbidden, apperrors.Kind(err))

	_, err = f.tree.Update(ctxFor(lead), project.ID, summary.UID, lead, models.NodePatch{Note: models.Some("x")})
	assert.Equal(t, apperrors.KindForbidden, apperrors.Kind(err))

	// Sibling reordering is structural and stays allowed.
	upd, err := f.tree.Update(ctxFor(lead), project.ID, summary.UID, lead, models.NodePatch{SortOrder: models.Some(9)})
	require.NoError(t, err)
	assert.Equal(t, []string{models.FieldSortOrder}, upd.ChangedFields)
	assert.Equal(t, 9, upd.Node.SortOrder)

	// Children may still be added below system-default nodes.
	child := f.createChild(t, project.ID, lead, "suspect-1", summary.UID)
	assert.Equal(t, 2, child.Level)
	assert.False(t, child.IsSystemDefault)
}

func TestTreeService_CreatePermissions(t *testing.T) {
	f := newFixture(t)
	project, lead := f.provision(t)
	reader := f.join(t, project.ID, lead, models.PermissionRead)
	editor := f.join(t, project.ID, lead, models.PermissionEdit)
	evidence := f.systemChildren(t, project.ID, lead)[2]

	_, err := f.tree.Create(ctxFor(reader), project.ID, reader, models.CreateNodeInput{ParentUID: evidence.UID})
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	outsider := permissions.Actor{UserID: editor.UserID, Approved: true}
	_, err = f.tree.Create(ctxFor(outsider), project.ID, outsider, models.CreateNodeInput{ParentUID: evidence.UID})
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	unapproved := editor
	unapproved.Approved = false
	_, err = f.tree.Create(ctxFor(unapproved), project.ID, unapproved, models.CreateNodeInput{ParentUID: evidence.UID})
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	_, err = f.tree.Create(ctxFor(editor), project.ID, editor, models.CreateNodeInput{ParentUID: "missing"})
	assert.ErrorIs(t, err, apperrors.ErrDanglingParent)

	_, err = f.tree.Create(ctxFor(editor), project.ID, editor, models.CreateNodeInput{UID: "second-root"})
	assert.ErrorIs(t, err, apperrors.ErrRootConflict)

	n, err := f.tree.Create(ctxFor(editor), project.ID, editor, models.CreateNodeInput{
		ParentUID: evidence.UID,
		Fields:    textPatch("Knife, kitchen drawer"),
	})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d+-[0-9a-f]{8}$`), n.UID)
	assert.Equal(t, editor.UserID, n.CreatorID)
	assert.Equal(t, "Knife, kitchen drawer", n.Text)
}

func TestTreeService_ConcurrentCreateSameUID(t *testing.T) {
	f := newFixture(t)
	project, lead := f.provision(t)
	parent := f.systemChildren(t, project.ID, lead)[1]

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.tree.Create(ctxFor(lead), project.ID, lead, models.CreateNodeInput{
				UID:       "witness-7",
				ParentUID: parent.UID,
			})
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperrors.ErrDuplicateUID):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, dup)
}

func TestTreeService_UpdateWritesOnlyChangedFields(t *testing.T) {
	f := newFixture(t)
	project, lead := f.provision(t)
	editor := f.join(t, project.ID, lead, models.PermissionEdit)
	reader := f.join(t, project.ID, lead, models.PermissionRead)
	parent := f.systemChildren(t, project.ID, lead)[0]
	n := f.createChild(t, project.ID, lead, "timeline", parent.UID)

	upd, err := f.tree.Update(ctxFor(editor), project.ID, n.UID, editor, models.NodePatch{
		Text: models.Some("timeline"),
		Note: models.Some("22:40 call received"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{models.FieldNote}, upd.ChangedFields)

	entries, err := f.editLog.ListByNode(ctxFor(lead), project.ID, n.UID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	latest := entries[0]
	assert.Equal(t, models.EditActionUpdate, latest.Action)
	assert.Equal(t, string(models.SourceREST), latest.Source)
	assert.Equal(t, editor.UserID, latest.UserID)
	assert.Equal(t, map[string]any{models.FieldNote: "22:40 call received"}, latest.NewData)

	// Same values again: nothing written, nothing logged, nothing broadcast.
	before := len(f.notifier.kinds())
	upd, err = f.tree.Update(ctxFor(editor), project.ID, n.UID, editor, models.NodePatch{Note: models.Some("22:40 call received")})
	require.NoError(t, err)
	assert.Empty(t, upd.ChangedFields)
	assert.Len(t, f.notifier.kinds(), before)
	entries, err = f.editLog.ListByNode(ctxFor(lead), project.ID, n.UID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, err = f.tree.Update(ctxFor(reader), project.ID, n.UID, reader, textPatch("nope"))
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	_, err = f.tree.Update(ctxFor(editor), project.ID, "missing", editor, textPatch("x"))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestTreeService_DeleteRules(t *testing.T) {
	f := newFixture(t)
	project, lead := f.provision(t)
	editor := f.join(t, project.ID, lead, models.PermissionEdit)
	parent := f.systemChildren(t, project.ID, lead)[2]

	photo := &models.Asset{Key: "projects/p/photo.jpg", URL: "https://files.test/photo.jpg"}
	n, err := f.tree.Create(ctxFor(editor), project.ID, editor, models.CreateNodeInput{
		UID:       "exhibit-a",
		ParentUID: parent.UID,
		Fields:    models.NodePatch{Image: models.Some(photo)},
	})
	require.NoError(t, err)
	f.createChild(t, project.ID, editor, "exhibit-a-1", n.UID)

	// Admins cannot delete nodes they did not create.
	err = f.tree.Delete(ctxFor(lead), project.ID, n.UID, lead)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	err = f.tree.Delete(ctxFor(editor), project.ID, n.UID, editor)
	assert.ErrorIs(t, err, apperrors.ErrHasChildren)

	require.NoError(t, f.tree.Delete(ctxFor(editor), project.ID, "exhibit-a-1", editor))
	require.NoError(t, f.tree.Delete(ctxFor(editor), project.ID, n.UID, editor))

	_, err = f.tree.Get(ctxFor(editor), project.ID, n.UID, editor)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, []string{photo.Key}, f.store.deleted)

	// The log outlives the node.
	entries, err := f.editLog.ListByNode(ctxFor(lead), project.ID, n.UID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, models.EditActionDelete, entries[0].Action)
	assert.Equal(t, ChangeNodeDeleted, f.notifier.last().Kind)
}

func TestTreeService_UpdateReleasesReplacedAsset(t *testing.T) {
	f := newFixture(t)
	project, lead := f.provision(t)
	parent := f.systemChildren(t, project.ID, lead)[2]

	old := &models.Asset{Key: "projects/p/old.pdf", URL: "https://files.test/old.pdf"}
	n, err := f.tree.Create(ctxFor(lead), project.ID, lead, models.CreateNodeInput{
		ParentUID: parent.UID,
		Fields:    models.NodePatch{Attachment: models.Some(old)},
	})
	require.NoError(t, err)

	_, err = f.tree.Update(ctxFor(lead), project.ID, n.UID, lead, models.NodePatch{Attachment: models.Some[*models.Asset](nil)})
	require.NoError(t, err)
	assert.Equal(t, []string{old.Key}, f.store.deleted)
}

func TestTreeService_MoveRejectsCycles(t *testing.T) {
	f := newFixture(t)
	project, lead := f.provision(t)
	a := f.systemChildren(t, project.ID, lead)[1]
	x := f.createChild(t, project.ID, lead, "x", a.UID)
	y := f.createChild(t, project.ID, lead, "y", x.UID)

	_, err := f.tree.Move(ctxFor(lead), project.ID, a.UID, lead, models.MoveNodeInput{NewParentUID: x.UID})
	assert.ErrorIs(t, err, apperrors.ErrCycleDetected)

	_, err = f.tree.Move(ctxFor(lead), project.ID, x.UID, lead, models.MoveNodeInput{NewParentUID: y.UID})
	assert.ErrorIs(t, err, apperrors.ErrCycleDetected)

	_, err = f.tree.Move(ctxFor(lead), project.ID, x.UID, lead, models.MoveNodeInput{NewParentUID: x.UID})
	assert.ErrorIs(t, err, apperrors.ErrCycleDetected)

	_, err = f.tree.Move(ctxFor(lead), project.ID, x.UID, lead, models.MoveNodeInput{NewParentUID: "gone"})
	assert.ErrorIs(t, err, apperrors.ErrDanglingParent)
}

func TestTreeService_MoveShiftsSubtree(t *testing.T) {
	f := newFixture(t)
	project, lead := f.provision(t)
	editor := f.join(t, project.ID, lead, models.PermissionEdit)
	reader := f.join(t, project.ID, lead, models.PermissionRead)
	children := f.systemChildren(t, project.ID, lead)
	x := f.createChild(t, project.ID, lead, "x", children[1].UID)
	f.createChild(t, project.ID, lead, "x1", x.UID)
	f.createChild(t, project.ID, lead, "x11", "x1")

	_, err := f.tree.Move(ctxFor(reader), project.ID, x.UID, reader, models.MoveNodeInput{NewParentUID: children[3].UID})
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	order := 4
	moved, err := f.tree.Move(ctxFor(editor), project.ID, x.UID, editor, models.MoveNodeInput{NewParentUID: "x", SortOrder: &order})
	assert.ErrorIs(t, err, apperrors.ErrCycleDetected)
	assert.Nil(t, moved)

	deep := f.createChild(t, project.ID, lead, "deep", "x11")
	moved, err = f.tree.Move(ctxFor(editor), project.ID, x.UID, editor, models.MoveNodeInput{NewParentUID: deep.UID, SortOrder: &order})
	assert.ErrorIs(t, err, apperrors.ErrCycleDetected)
	assert.Nil(t, moved)

	moved, err = f.tree.Move(ctxFor(editor), project.ID, "x1", editor, models.MoveNodeInput{NewParentUID: children[3].UID, SortOrder: &order})
	require.NoError(t, err)
	assert.Equal(t, children[3].UID, moved.ParentUID)
	assert.Equal(t, 2, moved.Level)
	assert.Equal(t, 4, moved.SortOrder)

	x11, err := f.tree.Get(ctxFor(lead), project.ID, "x11", lead)
	require.NoError(t, err)
	assert.Equal(t, 3, x11.Level)
	d, err := f.tree.Get(ctxFor(lead), project.ID, "deep", lead)
	require.NoError(t, err)
	assert.Equal(t, 4, d.Level)

	entries, err := f.editLog.ListByNode(ctxFor(lead), project.ID, "x1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EditActionMove, entries[0].Action)
	assert.Equal(t, "x", entries[0].OldData[models.FieldParentUID])
	assert.Equal(t, ChangeNodeMoved, f.notifier.last().Kind)
}

func TestTreeService_Bootstrap(t *testing.T) {
	f := newFixture(t)
	project, lead := f.provision(t)
	editor := f.join(t, project.ID, lead, models.PermissionEdit)
	reader := f.join(t, project.ID, lead, models.PermissionRead)
	f.createChild(t, project.ID, lead, "lead-1", f.systemChildren(t, project.ID, lead)[3].UID)

	_, err := f.tree.Bootstrap(ctxFor(lead), project.ID, lead, false)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyBootstrapped)

	_, err = f.tree.Bootstrap(ctxFor(reader), project.ID, reader, false)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	_, err = f.tree.Bootstrap(ctxFor(editor), project.ID, editor, true)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	nodes, err := f.tree.Bootstrap(ctxFor(lead), project.ID, lead, true)
	require.NoError(t, err)
	assert.Len(t, nodes, 5)

	all, err := f.tree.List(ctxFor(lead), project.ID, lead)
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.Equal(t, ChangeMindmapReset, f.notifier.last().Kind)
}

func TestTreeService_ExportFlags(t *testing.T) {
	f := newFixture(t)
	project, lead := f.provision(t)
	editor := f.join(t, project.ID, lead, models.PermissionEdit)
	reader := f.join(t, project.ID, lead, models.PermissionRead)
	persons := f.systemChildren(t, project.ID, lead)[1]
	f.createChild(t, project.ID, editor, "suspect", persons.UID)

	tree, err := f.tree.Export(ctxFor(reader), project.ID, reader)
	require.NoError(t, err)
	require.Len(t, tree, 1)

	root := tree[0]
	assert.True(t, root.Data.IsRoot)
	assert.False(t, root.Data.Editable)
	assert.False(t, root.Data.Deletable)
	require.Len(t, root.Children, 4)

	suspect := root.Children[1].Children[0]
	assert.Equal(t, "suspect", suspect.Data.UID)
	assert.False(t, suspect.Data.Editable)
	assert.False(t, suspect.Data.CanAddChildren)

	tree, err = f.tree.Export(ctxFor(editor), project.ID, editor)
	require.NoError(t, err)
	suspect = tree[0].Children[1].Children[0]
	assert.True(t, suspect.Data.Editable)
	assert.True(t, suspect.Data.Deletable)
	assert.True(t, suspect.Data.CanAddChildren)
	assert.False(t, tree[0].Children[1].Data.Deletable)

	_, err = f.tree.Export(ctxFor(lead), project.ID, permissions.Actor{UserID: lead.UserID})
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
}

func TestTreeService_BatchContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	project, lead := f.provision(t)
	evidence := f.systemChildren(t, project.ID, lead)[2]

	results := f.tree.Batch(ctxFor(lead), project.ID, lead, []models.BatchChange{
		{Action: models.BatchCreate, UID: "e1", ParentUID: evidence.UID, Fields: textPatch("Phone")},
		{Action: models.BatchCreate, UID: "e1", ParentUID: evidence.UID},
		{Action: models.BatchUpdate, UID: "e1", Fields: models.NodePatch{Note: models.Some("locked")}},
		{Action: "rename", UID: "e1"},
		{Action: models.BatchMove, UID: "e1", ParentUID: evidence.UID},
		{Action: models.BatchDelete, UID: "e1"},
	})
	require.Len(t, results, 6)

	assert.Empty(t, results[0].Error)
	assert.Equal(t, "e1", results[0].Node.UID)
	assert.Equal(t, apperrors.KindDuplicateUID, results[1].ErrorKind)
	assert.Empty(t, results[2].Error)
	assert.Equal(t, "locked", results[2].Node.Note)
	assert.Equal(t, apperrors.KindInvalidPayload, results[3].ErrorKind)
	assert.Empty(t, results[4].Error)
	assert.Empty(t, results[5].Error)
	assert.Nil(t, results[5].Node)
}

func TestTreeService_Stats(t *testing.T) {
	f := newFixture(t)
	project, lead := f.provision(t)
	editor := f.join(t, project.ID, lead, models.PermissionEdit)
	parent := f.systemChildren(t, project.ID, lead)[0]
	for _, uid := range []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7"} {
		f.createChild(t, project.ID, editor, uid, parent.UID)
	}
	f.createChild(t, project.ID, lead, "l1", parent.UID)

	stats, err := f.tree.Stats(ctxFor(editor), project.ID, editor)
	require.NoError(t, err)
	assert.Equal(t, 13, stats.TotalNodes)
	assert.Equal(t, 7, stats.MyNodes)
	assert.InDelta(t, 53.85, stats.MyPercentage, 0.01)
	assert.Len(t, stats.RecentNodes, 5)
	for _, n := range stats.RecentNodes {
		assert.Equal(t, editor.UserID, n.CreatorID)
	}

	reader := f.join(t, project.ID, lead, models.PermissionRead)
	stats, err = f.tree.Stats(ctxFor(reader), project.ID, reader)
	require.NoError(t, err)
	assert.Zero(t, stats.MyNodes)
	assert.NotNil(t, stats.RecentNodes)
}

func TestTreeService_NotifiesWithLiveConnection(t *testing.T) {
	f := newFixture(t)
	project, lead := f.provision(t)
	parent := f.systemChildren(t, project.ID, lead)[0]

	ctx := models.WithLiveProvenance(ctxFor(lead), lead.UserID, "conn-42")
	n, err := f.tree.Create(ctx, project.ID, lead, models.CreateNodeInput{ParentUID: parent.UID})
	require.NoError(t, err)

	change := f.notifier.last()
	assert.Equal(t, ChangeNodeCreated, change.Kind)
	assert.Equal(t, "conn-42", change.ConnectionID)
	assert.Equal(t, lead.Email, change.Email)
	assert.Equal(t, n.UID, change.Node.UID)

	entries, err := f.editLog.ListByNode(ctx, project.ID, n.UID, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(models.SourceLive), entries[0].Source)
}

package repositories

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
	"github.com/caseboard/caseboard-engine/pkg/mindmap"
	"github.com/caseboard/caseboard-engine/pkg/models"
	"github.com/caseboard/caseboard-engine/pkg/retry"
)

// repoHarness runs the same behavioural checks against any Repositories
// implementation. scoped returns a context usable for the given project.
type repoHarness struct {
	repos  *Repositories
	scoped func(t *testing.T, projectID uuid.UUID) context.Context
}

func (h *repoHarness) newProject(t *testing.T) (context.Context, uuid.UUID, uuid.UUID) {
	t.Helper()
	projectID := uuid.New()
	creator := uuid.New()
	ctx := h.scoped(t, projectID)
	require.NoError(t, h.repos.Projects.Create(ctx, &models.Project{ID: projectID, Name: "Case 7", CreatorID: creator}))
	return ctx, projectID, creator
}

func (h *repoHarness) create(t *testing.T, ctx context.Context, projectID, creator uuid.UUID, uid, parent string, targets ...string) *models.Node {
	t.Helper()
	n := &models.Node{ProjectID: projectID, UID: uid, ParentUID: parent, CreatorID: creator}
	n.Text = uid
	n.AssociativeLineTargets = targets
	_, err := h.repos.Nodes.Create(ctx, n, nil)
	require.NoError(t, err)
	return n
}

func runRepositoryContract(t *testing.T, h *repoHarness) {
	t.Run("CreateComputesHierarchy", func(t *testing.T) {
		ctx, pid, u := h.newProject(t)
		root := h.create(t, ctx, pid, u, "root", "")
		child := h.create(t, ctx, pid, u, "a", "root")
		grandchild := h.create(t, ctx, pid, u, "b", "a")

		assert.True(t, root.IsRoot)
		assert.Equal(t, 0, root.Level)
		assert.False(t, child.IsRoot)
		assert.Equal(t, 1, child.Level)
		assert.Equal(t, 2, grandchild.Level)

		got, err := h.repos.Nodes.Get(ctx, pid, "b")
		require.NoError(t, err)
		assert.Equal(t, "a", got.ParentUID)
		assert.Equal(t, 2, got.Level)

		count, err := h.repos.Nodes.Count(ctx, pid)
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})

	t.Run("CreateRejections", func(t *testing.T) {
		ctx, pid, u := h.newProject(t)
		h.create(t, ctx, pid, u, "root", "")

		_, err := h.repos.Nodes.Create(ctx, &models.Node{ProjectID: pid, UID: "root", ParentUID: "root", CreatorID: u}, nil)
		assert.ErrorIs(t, err, apperrors.ErrDuplicateUID)

		_, err = h.repos.Nodes.Create(ctx, &models.Node{ProjectID: pid, UID: "x", ParentUID: "missing", CreatorID: u}, nil)
		assert.ErrorIs(t, err, apperrors.ErrDanglingParent)

		_, err = h.repos.Nodes.Create(ctx, &models.Node{ProjectID: pid, UID: "root2", CreatorID: u}, nil)
		assert.ErrorIs(t, err, apperrors.ErrRootConflict)

		_, err = h.repos.Nodes.Create(ctx, &models.Node{ProjectID: pid, UID: "y", ParentUID: "root", CreatorID: u},
			func(parent *models.Node) error {
				require.NotNil(t, parent)
				assert.Equal(t, "root", parent.UID)
				return apperrors.ErrForbidden
			})
		assert.ErrorIs(t, err, apperrors.ErrForbidden)
		_, err = h.repos.Nodes.Get(ctx, pid, "y")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("ConcurrentCreateSameUID", func(t *testing.T) {
		ctx, pid, u := h.newProject(t)
		h.create(t, ctx, pid, u, "root", "")

		const workers = 8
		ctxs := make([]context.Context, workers)
		for i := range ctxs {
			ctxs[i] = h.scoped(t, pid)
		}

		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = h.repos.Nodes.Create(ctxs[i], &models.Node{ProjectID: pid, UID: "race", ParentUID: "root", CreatorID: u}, nil)
			}()
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, apperrors.ErrDuplicateUID)
		}
		assert.Equal(t, 1, succeeded)
	})

	t.Run("UpdateWritesOnlyChanges", func(t *testing.T) {
		ctx, pid, u := h.newProject(t)
		h.create(t, ctx, pid, u, "root", "")
		h.create(t, ctx, pid, u, "a", "root")

		res, err := h.repos.Nodes.Update(ctx, pid, "a", func(n *models.Node) error {
			mindmap.ApplyPatch(n, models.NodePatch{
				Text: models.Some("Suspect"),
				Note: models.Some(""),
				Tags: models.Some([]models.Tag{{Text: "priority"}}),
			})
			return nil
		})
		require.NoError(t, err)
		assert.Len(t, res.Changes, 2)
		assert.Contains(t, res.Changes, models.FieldText)
		assert.Contains(t, res.Changes, models.FieldTags)

		got, err := h.repos.Nodes.Get(ctx, pid, "a")
		require.NoError(t, err)
		assert.Equal(t, "Suspect", got.Text)
		assert.Equal(t, []models.Tag{{Text: "priority"}}, got.Tags)

		res, err = h.repos.Nodes.Update(ctx, pid, "a", func(n *models.Node) error {
			n.Text = "Suspect"
			return nil
		})
		require.NoError(t, err)
		assert.Empty(t, res.Changes)

		_, err = h.repos.Nodes.Update(ctx, pid, "missing", func(*models.Node) error { return nil })
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("UpdateMutateErrorLeavesNodeUntouched", func(t *testing.T) {
		ctx, pid, u := h.newProject(t)
		h.create(t, ctx, pid, u, "root", "")

		_, err := h.repos.Nodes.Update(ctx, pid, "root", func(n *models.Node) error {
			n.Text = "changed"
			return apperrors.ErrForbidden
		})
		assert.ErrorIs(t, err, apperrors.ErrForbidden)

		got, err := h.repos.Nodes.Get(ctx, pid, "root")
		require.NoError(t, err)
		assert.Equal(t, "root", got.Text)
	})

	t.Run("DeleteRules", func(t *testing.T) {
		ctx, pid, u := h.newProject(t)
		h.create(t, ctx, pid, u, "root", "")
		h.create(t, ctx, pid, u, "a", "root")
		h.create(t, ctx, pid, u, "b", "a")
		h.create(t, ctx, pid, u, "c", "root", "a")

		_, err := h.repos.Nodes.Delete(ctx, pid, "a", func(n *models.Node, hasChildren bool) error {
			assert.True(t, hasChildren)
			return nil
		})
		assert.ErrorIs(t, err, apperrors.ErrHasChildren)

		deleted, err := h.repos.Nodes.Delete(ctx, pid, "c", nil)
		require.NoError(t, err)
		assert.Equal(t, "c", deleted.UID)

		incoming, err := h.repos.Lines.Incoming(ctx, pid, "a")
		require.NoError(t, err)
		assert.Empty(t, incoming)

		_, err = h.repos.Nodes.Delete(ctx, pid, "c", nil)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("MoveShiftsSubtreeLevels", func(t *testing.T) {
		ctx, pid, u := h.newProject(t)
		h.create(t, ctx, pid, u, "root", "")
		h.create(t, ctx, pid, u, "a", "root")
		h.create(t, ctx, pid, u, "b", "root")
		h.create(t, ctx, pid, u, "b1", "b")
		h.create(t, ctx, pid, u, "b2", "b1")

		order := 3
		res, err := h.repos.Nodes.Move(ctx, pid, "b", "a", &order, nil)
		require.NoError(t, err)
		assert.Equal(t, "root", res.OldParentUID)
		assert.Equal(t, 2, res.Node.Level)
		assert.Equal(t, 3, res.Node.SortOrder)
		assert.Equal(t, 2, res.Descendants)

		nodes, err := h.repos.Nodes.List(ctx, pid)
		require.NoError(t, err)
		require.NoError(t, mindmap.Verify(nodes))

		levels := map[string]int{}
		for _, n := range nodes {
			levels[n.UID] = n.Level
		}
		assert.Equal(t, map[string]int{"root": 0, "a": 1, "b": 2, "b1": 3, "b2": 4}, levels)
	})

	t.Run("MoveRejectsCycles", func(t *testing.T) {
		ctx, pid, u := h.newProject(t)
		h.create(t, ctx, pid, u, "root", "")
		h.create(t, ctx, pid, u, "a", "root")
		h.create(t, ctx, pid, u, "b", "a")
		h.create(t, ctx, pid, u, "c", "b")

		for _, target := range []string{"a", "b", "c", ""} {
			_, err := h.repos.Nodes.Move(ctx, pid, "a", target, nil, nil)
			assert.ErrorIs(t, err, apperrors.ErrCycleDetected, "target %q", target)
		}

		_, err := h.repos.Nodes.Move(ctx, pid, "c", "missing", nil, nil)
		assert.ErrorIs(t, err, apperrors.ErrDanglingParent)

		_, err = h.repos.Nodes.Move(ctx, pid, "c", "root", nil, func(n, parent *models.Node) error {
			return apperrors.ErrForbidden
		})
		assert.ErrorIs(t, err, apperrors.ErrForbidden)

		nodes, err := h.repos.Nodes.List(ctx, pid)
		require.NoError(t, err)
		require.NoError(t, mindmap.Verify(nodes))
	})

	t.Run("ConcurrentOpposingMoves", func(t *testing.T) {
		for round := range 5 {
			ctx, pid, u := h.newProject(t)
			h.create(t, ctx, pid, u, "root", "")
			h.create(t, ctx, pid, u, "a", "root")
			h.create(t, ctx, pid, u, "b", "root")

			ctxA, ctxB := h.scoped(t, pid), h.scoped(t, pid)
			var wg sync.WaitGroup
			errs := make([]error, 2)
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, errs[0] = h.repos.Nodes.Move(ctxA, pid, "a", "b", nil, nil)
			}()
			go func() {
				defer wg.Done()
				_, errs[1] = h.repos.Nodes.Move(ctxB, pid, "b", "a", nil, nil)
			}()
			wg.Wait()

			succeeded := 0
			for _, err := range errs {
				if err == nil {
					succeeded++
					continue
				}
				assert.True(t, errors.Is(err, apperrors.ErrCycleDetected) || retry.IsSerializationFailure(err),
					"round %d: unexpected error %v", round, err)
			}
			assert.LessOrEqual(t, succeeded, 1, "round %d", round)

			nodes, err := h.repos.Nodes.List(ctx, pid)
			require.NoError(t, err)
			require.NoError(t, mindmap.Verify(nodes), "round %d", round)
		}
	})

	t.Run("ConcurrentCreateUnderMovingSubtree", func(t *testing.T) {
		for round := range 5 {
			ctx, pid, u := h.newProject(t)
			h.create(t, ctx, pid, u, "root", "")
			h.create(t, ctx, pid, u, "a", "root")
			h.create(t, ctx, pid, u, "x", "root")
			h.create(t, ctx, pid, u, "d", "x")

			const creators = 4
			ctxs := make([]context.Context, creators+1)
			for i := range ctxs {
				ctxs[i] = h.scoped(t, pid)
			}

			var wg sync.WaitGroup
			errs := make([]error, creators+1)
			wg.Add(creators + 1)
			go func() {
				defer wg.Done()
				_, errs[creators] = h.repos.Nodes.Move(ctxs[creators], pid, "x", "a", nil, nil)
			}()
			for i := range creators {
				go func() {
					defer wg.Done()
					n := &models.Node{ProjectID: pid, UID: fmt.Sprintf("c%d", i), ParentUID: "d", CreatorID: u}
					_, errs[i] = h.repos.Nodes.Create(ctxs[i], n, nil)
				}()
			}
			wg.Wait()

			for _, err := range errs {
				if err != nil {
					assert.True(t, retry.IsSerializationFailure(err), "round %d: unexpected error %v", round, err)
				}
			}

			nodes, err := h.repos.Nodes.List(ctx, pid)
			require.NoError(t, err)
			require.NoError(t, mindmap.Verify(nodes), "round %d", round)
		}
	})

	t.Run("TargetsSelfHeal", func(t *testing.T) {
		ctx, pid, u := h.newProject(t)
		h.create(t, ctx, pid, u, "root", "")
		h.create(t, ctx, pid, u, "t1", "root")
		h.create(t, ctx, pid, u, "t2", "root")
		n := h.create(t, ctx, pid, u, "n", "root", "t1", "t2", "ghost", "n")
		assert.Equal(t, []string{"t1", "t2"}, n.AssociativeLineTargets)

		_, err := h.repos.Nodes.Delete(ctx, pid, "t2", nil)
		require.NoError(t, err)

		res, err := h.repos.Lines.Sync(ctx, pid)
		require.NoError(t, err)
		assert.Equal(t, 1, res.NodesHealed)
		assert.Equal(t, 1, res.TargetsDropped)
		assert.Equal(t, 1, res.Edges)

		got, err := h.repos.Nodes.Get(ctx, pid, "n")
		require.NoError(t, err)
		assert.Equal(t, []string{"t1"}, got.AssociativeLineTargets)

		incoming, err := h.repos.Lines.Incoming(ctx, pid, "t1")
		require.NoError(t, err)
		require.Len(t, incoming, 1)
		assert.Equal(t, "n", incoming[0].SourceUID)
	})

	t.Run("UpdateReplacesEdges", func(t *testing.T) {
		ctx, pid, u := h.newProject(t)
		h.create(t, ctx, pid, u, "root", "")
		h.create(t, ctx, pid, u, "t1", "root")
		h.create(t, ctx, pid, u, "t2", "root")
		h.create(t, ctx, pid, u, "n", "root", "t1")

		res, err := h.repos.Nodes.Update(ctx, pid, "n", func(n *models.Node) error {
			n.AssociativeLineTargets = []string{"t2", "nope"}
			n.AssociativeLineText = map[string]string{"t2": "alibi", "nope": "x"}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"nope"}, res.DroppedTargets)
		assert.Equal(t, []string{"t2"}, res.After.AssociativeLineTargets)

		out, err := h.repos.Lines.Outgoing(ctx, pid, "n")
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "t2", out[0].TargetUID)
		assert.Equal(t, "alibi", out[0].Text)

		in, err := h.repos.Lines.Incoming(ctx, pid, "t1")
		require.NoError(t, err)
		assert.Empty(t, in)
	})

	t.Run("LabelsWithoutTargetsArePruned", func(t *testing.T) {
		ctx, pid, u := h.newProject(t)
		h.create(t, ctx, pid, u, "root", "")
		h.create(t, ctx, pid, u, "t1", "root")
		h.create(t, ctx, pid, u, "n", "root")

		res, err := h.repos.Nodes.Update(ctx, pid, "n", func(n *models.Node) error {
			n.AssociativeLineText = map[string]string{"ghost": "label", "t1": "not a target"}
			return nil
		})
		require.NoError(t, err)
		assert.Empty(t, res.After.AssociativeLineText)
		assert.Empty(t, res.Changes)

		got, err := h.repos.Nodes.Get(ctx, pid, "n")
		require.NoError(t, err)
		assert.Empty(t, got.AssociativeLineTargets)
		assert.Empty(t, got.AssociativeLineText)
	})

	t.Run("Bootstrap", func(t *testing.T) {
		ctx, pid, u := h.newProject(t)
		nodes := mindmap.DefaultTemplate().Build(pid, "Case 7", u, time.Now())

		removed, err := h.repos.Nodes.Bootstrap(ctx, pid, nodes, false)
		require.NoError(t, err)
		assert.Empty(t, removed)

		_, err = h.repos.Nodes.Bootstrap(ctx, pid, mindmap.DefaultTemplate().Build(pid, "Case 7", u, time.Now()), false)
		assert.ErrorIs(t, err, apperrors.ErrAlreadyBootstrapped)

		removed, err = h.repos.Nodes.Bootstrap(ctx, pid, mindmap.DefaultTemplate().Build(pid, "Case 7", u, time.Now()), true)
		require.NoError(t, err)
		assert.Len(t, removed, 5)

		list, err := h.repos.Nodes.List(ctx, pid)
		require.NoError(t, err)
		require.Len(t, list, 5)
		require.NoError(t, mindmap.Verify(list))
		for _, n := range list {
			assert.True(t, n.IsSystemDefault)
		}
	})

	t.Run("EditLog", func(t *testing.T) {
		ctx, pid, u := h.newProject(t)
		for i := range 3 {
			require.NoError(t, h.repos.EditLog.Create(ctx, &models.EditLogEntry{
				ProjectID: pid,
				NodeUID:   fmt.Sprintf("n%d", i%2),
				Action:    models.EditActionUpdate,
				Source:    models.SourceREST.String(),
				UserID:    u,
				OldData:   map[string]any{"text": "old"},
				NewData:   map[string]any{"text": fmt.Sprintf("v%d", i)},
			}))
			time.Sleep(2 * time.Millisecond)
		}

		all, err := h.repos.EditLog.ListByProject(ctx, pid, 10)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "v2", all[0].NewData["text"])

		limited, err := h.repos.EditLog.ListByProject(ctx, pid, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		byNode, err := h.repos.EditLog.ListByNode(ctx, pid, "n0", 10)
		require.NoError(t, err)
		require.Len(t, byNode, 2)
		assert.Equal(t, "v2", byNode[0].NewData["text"])
		assert.Equal(t, "v0", byNode[1].NewData["text"])
	})

	t.Run("MembersKeepLastAdmin", func(t *testing.T) {
		ctx, pid, u := h.newProject(t)
		other := uuid.New()
		require.NoError(t, h.repos.Members.Add(ctx, &models.ProjectMember{ProjectID: pid, UserID: u, Email: "lead@example.com", Permission: models.PermissionAdmin}))
		require.NoError(t, h.repos.Members.Add(ctx, &models.ProjectMember{ProjectID: pid, UserID: other, Permission: models.PermissionRead}))

		err := h.repos.Members.RemoveWithAdminCheck(ctx, pid, u)
		assert.ErrorIs(t, err, apperrors.ErrLastAdmin)
		err = h.repos.Members.UpdatePermissionWithAdminCheck(ctx, pid, u, models.PermissionEdit)
		assert.ErrorIs(t, err, apperrors.ErrLastAdmin)

		require.NoError(t, h.repos.Members.UpdatePermissionWithAdminCheck(ctx, pid, other, models.PermissionAdmin))
		require.NoError(t, h.repos.Members.RemoveWithAdminCheck(ctx, pid, u))

		_, err = h.repos.Members.Get(ctx, pid, u)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)

		members, err := h.repos.Members.List(ctx, pid)
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.Equal(t, models.PermissionAdmin, members[0].Permission)

		err = h.repos.Members.RemoveWithAdminCheck(ctx, pid, uuid.New())
		assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	})
}

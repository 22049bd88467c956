package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
	"github.com/caseboard/caseboard-engine/pkg/models"
)

func TestAssociativeLineService_SetTargetsHeals(t *testing.T) {
	f := newFixture(t)
	project, lead := f.provision(t)
	persons := f.systemChildren(t, project.ID, lead)[1]
	suspect := f.createChild(t, project.ID, lead, "suspect", persons.UID)
	victim := f.createChild(t, project.ID, lead, "victim", persons.UID)
	witness := f.createChild(t, project.ID, lead, "witness", persons.UID)

	upd, err := f.lines.SetTargets(ctxFor(lead), project.ID, suspect.UID, lead,
		[]string{victim.UID, suspect.UID, victim.UID, "ghost", witness.UID},
		map[string]string{victim.UID: "threatened", "ghost": "?", witness.UID: "seen by"},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{victim.UID, witness.UID}, upd.Node.AssociativeLineTargets)
	assert.Equal(t, map[string]string{victim.UID: "threatened", witness.UID: "seen by"}, upd.Node.AssociativeLineText)
	assert.Contains(t, upd.ChangedFields, models.FieldAssociativeLineTargets)

	out, err := f.lines.Outgoing(ctxFor(lead), project.ID, suspect.UID, lead)
	require.NoError(t, err)
	require.Len(t, out, 2)

	in, err := f.lines.Incoming(ctxFor(lead), project.ID, victim.UID, lead)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, suspect.UID, in[0].SourceUID)
	assert.Equal(t, "threatened", in[0].Text)

	// Deleting a target removes its lines; the next write of the source heals its list.
	require.NoError(t, f.tree.Delete(ctxFor(lead), project.ID, witness.UID, lead))
	out, err = f.lines.Outgoing(ctxFor(lead), project.ID, suspect.UID, lead)
	require.NoError(t, err)
	assert.Len(t, out, 1)

	upd, err = f.tree.Update(ctxFor(lead), project.ID, suspect.UID, lead, models.NodePatch{Note: models.Some("armed")})
	require.NoError(t, err)
	assert.Equal(t, []string{victim.UID}, upd.Node.AssociativeLineTargets)
	assert.NotContains(t, upd.Node.AssociativeLineText, witness.UID)

	upd, err = f.lines.Clear(ctxFor(lead), project.ID, suspect.UID, lead)
	require.NoError(t, err)
	assert.Empty(t, upd.Node.AssociativeLineTargets)
	in, err = f.lines.Incoming(ctxFor(lead), project.ID, victim.UID, lead)
	require.NoError(t, err)
	assert.Empty(t, in)
}

func TestAssociativeLineService_Permissions(t *testing.T) {
	f := newFixture(t)
	project, lead := f.provision(t)
	reader := f.join(t, project.ID, lead, models.PermissionRead)
	children := f.systemChildren(t, project.ID, lead)
	n := f.createChild(t, project.ID, lead, "lead-a", children[3].UID)

	_, err := f.lines.SetTargets(ctxFor(reader), project.ID, n.UID, reader, []string{children[0].UID}, nil)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	// System-default sources are content-locked, lines included.
	_, err = f.lines.SetTargets(ctxFor(lead), project.ID, children[0].UID, lead, []string{n.UID}, nil)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	_, err = f.lines.Sync(ctxFor(reader), project.ID, reader)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	in, err := f.lines.Incoming(ctxFor(reader), project.ID, n.UID, reader)
	require.NoError(t, err)
	assert.Empty(t, in)
}

func TestAssociativeLineService_Sync(t *testing.T) {
	f := newFixture(t)
	project, lead := f.provision(t)
	evidence := f.systemChildren(t, project.ID, lead)[2]
	a := f.createChild(t, project.ID, lead, "a", evidence.UID)
	b := f.createChild(t, project.ID, lead, "b", evidence.UID)

	_, err := f.lines.SetTargets(ctxFor(lead), project.ID, a.UID, lead, []string{b.UID}, nil)
	require.NoError(t, err)
	_, err = f.lines.SetTargets(ctxFor(lead), project.ID, b.UID, lead, []string{a.UID}, nil)
	require.NoError(t, err)
	require.NoError(t, f.tree.Delete(ctxFor(lead), project.ID, b.UID, lead))

	result, err := f.lines.Sync(ctxFor(lead), project.ID, lead)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NodesHealed)
	assert.Equal(t, 1, result.TargetsDropped)
	assert.Zero(t, result.Edges)

	got, err := f.tree.Get(ctxFor(lead), project.ID, a.UID, lead)
	require.NoError(t, err)
	assert.Empty(t, got.AssociativeLineTargets)
}

package permissions

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/caseboard/caseboard-engine/pkg/models"
)

func actor(perm string) Actor {
	return Actor{UserID: uuid.New(), Approved: true, Permission: perm}
}

func nodeBy(creator uuid.UUID) *models.Node {
	return &models.Node{UID: "n", ParentUID: "root", Level: 1, CreatorID: creator}
}

func TestCanEdit(t *testing.T) {
	owner := actor(models.PermissionRead)
	editor := actor(models.PermissionEdit)
	admin := actor(models.PermissionAdmin)
	reader := actor(models.PermissionRead)
	own := nodeBy(owner.UserID)

	tests := []struct {
		name string
		a    Actor
		n    *models.Node
		want bool
	}{
		{"creator with read membership", owner, own, true},
		{"editor on others' node", editor, own, true},
		{"admin on others' node", admin, own, true},
		{"reader on others' node", reader, own, false},
		{"non-member", Actor{UserID: uuid.New(), Approved: true}, own, false},
		{"unapproved editor", Actor{UserID: editor.UserID, Permission: models.PermissionEdit}, own, false},
		{"system default for admin", admin, &models.Node{IsSystemDefault: true, CreatorID: admin.UserID}, false},
		{"nil node", admin, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanEdit(tt.a, tt.n))
		})
	}
}

func TestCanDelete(t *testing.T) {
	owner := actor(models.PermissionEdit)
	admin := actor(models.PermissionAdmin)
	own := nodeBy(owner.UserID)

	assert.True(t, CanDelete(owner, own, false))
	assert.False(t, CanDelete(owner, own, true), "nodes with children are not deletable")
	assert.False(t, CanDelete(admin, own, false), "delete is creator-only even for admins")

	root := &models.Node{UID: "root", IsRoot: true, CreatorID: owner.UserID}
	assert.False(t, CanDelete(owner, root, false))

	sys := &models.Node{UID: "s", ParentUID: "root", IsSystemDefault: true, CreatorID: owner.UserID}
	assert.False(t, CanDelete(owner, sys, false))
	assert.False(t, CanDeleteNode(owner, sys))
}

func TestCanAddChild(t *testing.T) {
	sys := &models.Node{UID: "s", IsSystemDefault: true}
	assert.True(t, CanAddChild(actor(models.PermissionEdit), sys))
	assert.True(t, CanAddChild(actor(models.PermissionAdmin), sys))
	assert.False(t, CanAddChild(actor(models.PermissionRead), sys))
	assert.False(t, CanAddChild(actor(""), sys))
}

func TestCanWrite(t *testing.T) {
	assert.True(t, CanWrite(actor(models.PermissionEdit)))
	assert.True(t, CanWrite(actor(models.PermissionAdmin)))
	assert.False(t, CanWrite(actor(models.PermissionRead)))
	assert.False(t, CanWrite(Actor{UserID: uuid.New(), Permission: models.PermissionAdmin}))
}

func TestCanMove(t *testing.T) {
	editor := actor(models.PermissionEdit)
	reader := actor(models.PermissionRead)
	sys := &models.Node{UID: "a", ParentUID: "root", Level: 1, IsSystemDefault: true}
	x := nodeBy(editor.UserID)

	assert.True(t, CanMove(editor, x, sys))
	assert.True(t, CanMove(editor, sys, x), "system-default lock covers content, not structure")

	readerOwned := nodeBy(reader.UserID)
	assert.False(t, CanMove(reader, readerOwned, sys), "target parent requires edit-level membership")
}

func TestCanManageMembers(t *testing.T) {
	assert.True(t, CanManageMembers(actor(models.PermissionAdmin)))
	assert.False(t, CanManageMembers(actor(models.PermissionEdit)))
	creator := actor("")
	creator.IsProjectCreator = true
	assert.True(t, CanManageMembers(creator))
	creator.Approved = false
	assert.False(t, CanManageMembers(creator))
}

func TestCanRead(t *testing.T) {
	assert.True(t, CanRead(actor(models.PermissionRead)))
	assert.False(t, CanRead(actor("")))
	assert.False(t, CanRead(Actor{Permission: models.PermissionAdmin}))
}

func TestFlagsFor(t *testing.T) {
	owner := actor(models.PermissionEdit)
	f := FlagsFor(owner, nodeBy(owner.UserID), false)
	assert.Equal(t, Flags{Editable: true, Deletable: true, CanAddChildren: true}, f)

	reader := actor(models.PermissionRead)
	f = FlagsFor(reader, nodeBy(owner.UserID), false)
	assert.Equal(t, Flags{}, f)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
	"github.com/caseboard/caseboard-engine/pkg/logging"
	"github.com/caseboard/caseboard-engine/pkg/mindmap"
	"github.com/caseboard/caseboard-engine/pkg/models"
	"github.com/caseboard/caseboard-engine/pkg/permissions"
	"github.com/caseboard/caseboard-engine/pkg/repositories"
	"github.com/caseboard/caseboard-engine/pkg/retry"
	"github.com/caseboard/caseboard-engine/pkg/storage"
)

// recentNodesLimit is the number of own nodes returned by Stats.
const recentNodesLimit = 5

// NodeUpdate is the committed result of an update.
type NodeUpdate struct {
	Node *models.Node

	// ChangedFields is sorted and empty when the patch changed nothing.
	ChangedFields []string
}

// TreeService is the mind-map tree contract used by both the HTTP API and
// the collaboration room. Every method takes the requesting actor and
// enforces the permission gate against the state being written.
type TreeService interface {
	Get(ctx context.Context, projectID uuid.UUID, uid string, actor permissions.Actor) (*models.Node, error)
	List(ctx context.Context, projectID uuid.UUID, actor permissions.Actor) ([]*models.Node, error)

	// Export returns the recursive tree with permission flags for actor.
	Export(ctx context.Context, projectID uuid.UUID, actor permissions.Actor) ([]*models.TreeNode, error)

	// Create inserts a node. An empty input UID is generated server-side.
	Create(ctx context.Context, projectID uuid.UUID, actor permissions.Actor, input models.CreateNodeInput) (*models.Node, error)
	Update(ctx context.Context, projectID uuid.UUID, uid string, actor permissions.Actor, patch models.NodePatch) (*NodeUpdate, error)
	Delete(ctx context.Context, projectID uuid.UUID, uid string, actor permissions.Actor) error
	Move(ctx context.Context, projectID uuid.UUID, uid string, actor permissions.Actor, input models.MoveNodeInput) (*models.Node, error)

	// Bootstrap seeds the default mind map. A project that already has nodes
	// fails with ErrAlreadyBootstrapped unless force is set, in which case the
	// existing tree is replaced.
	Bootstrap(ctx context.Context, projectID uuid.UUID, actor permissions.Actor, force bool) ([]*models.Node, error)

	// Batch applies changes in order. A failing change is reported in its
	// result and does not stop the ones after it.
	Batch(ctx context.Context, projectID uuid.UUID, actor permissions.Actor, changes []models.BatchChange) []models.BatchResult

	Stats(ctx context.Context, projectID uuid.UUID, actor permissions.Actor) (*models.TreeStats, error)
}

type treeService struct {
	projects repositories.ProjectRepository
	nodes    repositories.NodeRepository
	editLog  EditLogService
	store    storage.AttachmentStore
	notifier ChangeNotifier
	logger   *zap.Logger
}

// NewTreeService creates a new TreeService. A nil notifier disables broadcasts.
func NewTreeService(
	repos *repositories.Repositories,
	editLog EditLogService,
	store storage.AttachmentStore,
	notifier ChangeNotifier,
	logger *zap.Logger,
) TreeService {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if store == nil {
		store = storage.NoopStore{}
	}
	return &treeService{
		projects: repos.Projects,
		nodes:    repos.Nodes,
		editLog:  editLog,
		store:    store,
		notifier: notifier,
		logger:   logger.Named("tree-service"),
	}
}

var _ TreeService = (*treeService)(nil)

func (s *treeService) Get(ctx context.Context, projectID uuid.UUID, uid string, actor permissions.Actor) (*models.Node, error) {
	if !permissions.CanRead(actor) {
		return nil, apperrors.ErrForbidden
	}
	return s.nodes.Get(ctx, projectID, uid)
}

func (s *treeService) List(ctx context.Context, projectID uuid.UUID, actor permissions.Actor) ([]*models.Node, error) {
	if !permissions.CanRead(actor) {
		return nil, apperrors.ErrForbidden
	}
	return s.nodes.List(ctx, projectID)
}

func (s *treeService) Export(ctx context.Context, projectID uuid.UUID, actor permissions.Actor) ([]*models.TreeNode, error) {
	nodes, err := s.List(ctx, projectID, actor)
	if err != nil {
		return nil, err
	}
	return mindmap.BuildTree(nodes, func(n *models.Node, hasChildren bool) models.ExportNode {
		return exportNode(n, permissions.FlagsFor(actor, n, hasChildren))
	}), nil
}

func exportNode(n *models.Node, flags permissions.Flags) models.ExportNode {
	out := models.ExportNode{
		UID:                    n.UID,
		Text:                   n.Text,
		RichText:               n.RichText,
		Expand:                 n.Expand,
		Icon:                   n.Icon,
		Hyperlink:              n.Hyperlink,
		HyperlinkTitle:         n.HyperlinkTitle,
		Note:                   n.Note,
		Tag:                    n.Tags,
		Generalization:         n.Generalizations,
		AssociativeLineTargets: n.AssociativeLineTargets,
		AssociativeLineText:    n.AssociativeLineText,
		IsRoot:                 n.IsRoot,
		IsSystemDefault:        n.IsSystemDefault,
		Editable:               flags.Editable,
		Deletable:              flags.Deletable,
		CanAddChildren:         flags.CanAddChildren,
		CreatedAt:              n.CreatedAt,
		UpdatedAt:              n.UpdatedAt,
	}
	if n.Image != nil {
		out.Image = n.Image.URL
		out.ImageTitle = n.Image.Name
	}
	if n.Attachment != nil {
		out.Attachment = n.Attachment.URL
		out.AttachmentName = n.Attachment.Name
	}
	return out
}

func (s *treeService) Create(ctx context.Context, projectID uuid.UUID, actor permissions.Actor, input models.CreateNodeInput) (*models.Node, error) {
	if !permissions.CanRead(actor) {
		return nil, apperrors.ErrForbidden
	}
	if err := mindmap.ValidatePatch(input.Fields); err != nil {
		return nil, err
	}
	generated := input.UID == ""
	if !generated {
		if err := mindmap.ValidateUID(input.UID); err != nil {
			return nil, err
		}
	}

	check := func(parent *models.Node) error {
		if parent == nil {
			if !permissions.CanWrite(actor) {
				return fmt.Errorf("%w: creating the root requires edit permission", apperrors.ErrForbidden)
			}
			return nil
		}
		if !permissions.CanAddChild(actor, parent) {
			return fmt.Errorf("%w: cannot add children to %s", apperrors.ErrForbidden, parent.UID)
		}
		return nil
	}

	// A generated uid that collides is regenerated once; a client uid is the
	// client's to resolve.
	// A serialization failure against a concurrent move is retried either way.
	retryable := func(err error) bool {
		if retry.IsSerializationFailure(err) {
			return true
		}
		return generated && errors.Is(err, apperrors.ErrDuplicateUID)
	}

	var created *models.Node
	var dropped []string
	err := retry.DoWhen(ctx, retry.TransactionConfig(), retryable, func() error {
		n := &models.Node{
			ProjectID: projectID,
			UID:       input.UID,
			ParentUID: input.ParentUID,
			CreatorID: actor.UserID,
		}
		if generated {
			n.UID = mindmap.NewUID(time.Now())
		}
		mindmap.ApplyPatch(n, input.Fields)

		d, err := s.nodes.Create(ctx, n, check)
		if err != nil {
			return err
		}
		created, dropped = n, d
		return nil
	})
	if err != nil {
		s.logRejected("create", projectID, input.UID, actor, err)
		return nil, err
	}

	s.logHealed(projectID, created.UID, dropped)
	s.editLog.RecordCreate(ctx, created)
	s.notify(ctx, actor, TreeChange{Kind: ChangeNodeCreated, ProjectID: projectID, Node: created, NodeUID: created.UID})

	s.logger.Debug("Node created",
		zap.String("project_id", projectID.String()),
		zap.String("node_uid", created.UID),
		zap.String("parent_uid", created.ParentUID),
		zap.String("text", logging.NodeText(created.Text)),
		zap.String("user_id", actor.UserID.String()))
	return created, nil
}

func (s *treeService) Update(ctx context.Context, projectID uuid.UUID, uid string, actor permissions.Actor, patch models.NodePatch) (*NodeUpdate, error) {
	if err := mindmap.ValidatePatch(patch); err != nil {
		return nil, err
	}

	res, err := s.nodes.Update(ctx, projectID, uid, func(n *models.Node) error {
		if patch.TouchesContent() {
			if !permissions.CanEdit(actor, n) {
				return fmt.Errorf("%w: cannot edit %s", apperrors.ErrForbidden, uid)
			}
		} else if !permissions.CanReorder(actor, n) {
			return fmt.Errorf("%w: cannot reorder %s", apperrors.ErrForbidden, uid)
		}
		mindmap.ApplyPatch(n, patch)
		return nil
	})
	if err != nil {
		s.logRejected("update", projectID, uid, actor, err)
		return nil, err
	}

	s.logHealed(projectID, uid, res.DroppedTargets)

	fields := changedFields(res.Changes)
	out := &NodeUpdate{Node: res.After, ChangedFields: fields}
	if len(fields) == 0 {
		return out, nil
	}

	s.editLog.RecordUpdate(ctx, projectID, uid, res.Changes)
	s.releaseReplaced(ctx, res.Before.Image, res.After.Image)
	s.releaseReplaced(ctx, res.Before.Attachment, res.After.Attachment)
	s.notify(ctx, actor, TreeChange{
		Kind:          ChangeNodeUpdated,
		ProjectID:     projectID,
		Node:          res.After,
		NodeUID:       uid,
		ChangedFields: fields,
	})
	return out, nil
}

func changedFields(changes map[string]models.FieldChange) []string {
	fields := make([]string, 0, len(changes))
	for f := range changes {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func (s *treeService) Delete(ctx context.Context, projectID uuid.UUID, uid string, actor permissions.Actor) error {
	deleted, err := s.nodes.Delete(ctx, projectID, uid, func(n *models.Node, _ bool) error {
		if !permissions.CanDeleteNode(actor, n) {
			return fmt.Errorf("%w: cannot delete %s", apperrors.ErrForbidden, uid)
		}
		return nil
	})
	if err != nil {
		s.logRejected("delete", projectID, uid, actor, err)
		return err
	}

	s.editLog.RecordDelete(ctx, deleted)
	s.release(ctx, deleted.Image)
	s.release(ctx, deleted.Attachment)
	s.notify(ctx, actor, TreeChange{Kind: ChangeNodeDeleted, ProjectID: projectID, NodeUID: uid})
	return nil
}

func (s *treeService) Move(ctx context.Context, projectID uuid.UUID, uid string, actor permissions.Actor, input models.MoveNodeInput) (*models.Node, error) {
	check := func(n, newParent *models.Node) error {
		if !permissions.CanMove(actor, n, newParent) {
			return fmt.Errorf("%w: cannot move %s under %s", apperrors.ErrForbidden, uid, newParent.UID)
		}
		return nil
	}

	var res *repositories.MoveResult
	err := retry.DoWhen(ctx, retry.TransactionConfig(), retry.IsSerializationFailure, func() error {
		r, err := s.nodes.Move(ctx, projectID, uid, input.NewParentUID, input.SortOrder, check)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		s.logRejected("move", projectID, uid, actor, err)
		return nil, err
	}

	s.editLog.RecordMove(ctx, res)
	s.notify(ctx, actor, TreeChange{Kind: ChangeNodeMoved, ProjectID: projectID, Node: res.Node, NodeUID: uid})

	s.logger.Debug("Node moved",
		zap.String("project_id", projectID.String()),
		zap.String("node_uid", uid),
		zap.String("old_parent_uid", res.OldParentUID),
		zap.String("new_parent_uid", res.Node.ParentUID),
		zap.Int("descendants", res.Descendants))
	return res.Node, nil
}

func (s *treeService) Bootstrap(ctx context.Context, projectID uuid.UUID, actor permissions.Actor, force bool) ([]*models.Node, error) {
	if !permissions.CanWrite(actor) {
		return nil, apperrors.ErrForbidden
	}
	if force && !permissions.CanManageMembers(actor) {
		return nil, fmt.Errorf("%w: replacing the mind map requires admin permission", apperrors.ErrForbidden)
	}

	project, err := s.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	nodes := mindmap.DefaultTemplate().Build(projectID, project.Name, actor.UserID, time.Now())
	var removed []*models.Node
	err = retry.DoWhen(ctx, retry.TransactionConfig(), retry.IsSerializationFailure, func() error {
		var err error
		removed, err = s.nodes.Bootstrap(ctx, projectID, nodes, force)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, n := range removed {
		s.release(ctx, n.Image)
		s.release(ctx, n.Attachment)
	}
	for _, n := range nodes {
		s.editLog.RecordCreate(ctx, n)
	}
	if force {
		s.notify(ctx, actor, TreeChange{Kind: ChangeMindmapReset, ProjectID: projectID})
	}

	s.logger.Info("Mind map bootstrapped",
		zap.String("project_id", projectID.String()),
		zap.Bool("force", force),
		zap.Int("removed", len(removed)),
		zap.String("user_id", actor.UserID.String()))
	return nodes, nil
}

func (s *treeService) Batch(ctx context.Context, projectID uuid.UUID, actor permissions.Actor, changes []models.BatchChange) []models.BatchResult {
	results := make([]models.BatchResult, len(changes))
	for i, c := range changes {
		r := models.BatchResult{Index: i, Action: c.Action, UID: c.UID}

		var node *models.Node
		var err error
		switch c.Action {
		case models.BatchCreate:
			node, err = s.Create(ctx, projectID, actor, models.CreateNodeInput{UID: c.UID, ParentUID: c.ParentUID, Fields: c.Fields})
		case models.BatchUpdate:
			var upd *NodeUpdate
			if upd, err = s.Update(ctx, projectID, c.UID, actor, c.Fields); err == nil {
				node = upd.Node
			}
		case models.BatchDelete:
			err = s.Delete(ctx, projectID, c.UID, actor)
		case models.BatchMove:
			node, err = s.Move(ctx, projectID, c.UID, actor, models.MoveNodeInput{NewParentUID: c.ParentUID, SortOrder: c.SortOrder})
		default:
			err = fmt.Errorf("%w: unknown batch action %q", apperrors.ErrInvalidPayload, c.Action)
		}

		if err != nil {
			r.Error = err.Error()
			r.ErrorKind = apperrors.Kind(err)
		} else if node != nil {
			r.Node = node
			r.UID = node.UID
		}
		results[i] = r
	}
	return results
}

func (s *treeService) Stats(ctx context.Context, projectID uuid.UUID, actor permissions.Actor) (*models.TreeStats, error) {
	nodes, err := s.List(ctx, projectID, actor)
	if err != nil {
		return nil, err
	}

	var mine []*models.Node
	for _, n := range nodes {
		if n.CreatorID == actor.UserID {
			mine = append(mine, n)
		}
	}
	slices.SortFunc(mine, func(a, b *models.Node) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	stats := &models.TreeStats{
		TotalNodes:  len(nodes),
		MyNodes:     len(mine),
		RecentNodes: mine[:min(len(mine), recentNodesLimit)],
	}
	if stats.RecentNodes == nil {
		stats.RecentNodes = []*models.Node{}
	}
	if stats.TotalNodes > 0 {
		stats.MyPercentage = float64(stats.MyNodes) * 100 / float64(stats.TotalNodes)
	}
	return stats, nil
}

func (s *treeService) notify(ctx context.Context, actor permissions.Actor, change TreeChange) {
	change.UserID = actor.UserID
	change.Email = actor.Email
	if prov, ok := models.GetProvenance(ctx); ok {
		change.ConnectionID = prov.ConnectionID
	}
	s.notifier.NotifyTreeChange(ctx, change)
}

// releaseReplaced deletes the object behind before when an update replaced
// or cleared it.
func (s *treeService) releaseReplaced(ctx context.Context, before, after *models.Asset) {
	if before == nil || (after != nil && after.Key == before.Key) {
		return
	}
	s.release(ctx, before)
}

// release removes an owned object from the attachment store. Failures leave
// an orphaned object behind and are only logged.
func (s *treeService) release(ctx context.Context, asset *models.Asset) {
	if asset == nil || asset.Key == "" {
		return
	}
	if err := s.store.Delete(ctx, asset); err != nil {
		s.logger.Error("Failed to delete attachment object",
			zap.String("key", asset.Key),
			zap.Error(err))
	}
}

func (s *treeService) logHealed(projectID uuid.UUID, uid string, dropped []string) {
	if len(dropped) == 0 {
		return
	}
	s.logger.Debug("Dropped dangling associative line targets",
		zap.String("project_id", projectID.String()),
		zap.String("node_uid", uid),
		zap.Strings("targets", dropped))
}

func (s *treeService) logRejected(action string, projectID uuid.UUID, uid string, actor permissions.Actor, err error) {
	kind := apperrors.Kind(err)
	if kind == apperrors.KindInternal {
		s.logger.Error("Tree operation failed",
			zap.String("action", action),
			zap.String("project_id", projectID.String()),
			zap.String("node_uid", uid),
			zap.String("user_id", actor.UserID.String()),
			zap.Error(err))
		return
	}
	s.logger.Debug("Tree operation rejected",
		zap.String("action", action),
		zap.String("project_id", projectID.String()),
		zap.String("node_uid", uid),
		zap.String("user_id", actor.UserID.String()),
		zap.String("error_kind", kind),
		zap.Error(err))
}

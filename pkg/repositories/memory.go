package repositories

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
	"github.com/caseboard/caseboard-engine/pkg/mindmap"
	"github.com/caseboard/caseboard-engine/pkg/models"
)

// memoryStore is the shared state behind the in-memory repositories. One
// mutex serializes every operation, which gives each method the atomicity
// the Postgres implementation gets from its transaction.
type memoryStore struct {
	mu       sync.Mutex
	projects map[uuid.UUID]*models.Project
	members  map[uuid.UUID]map[uuid.UUID]*models.ProjectMember
	nodes    map[uuid.UUID]map[string]*models.Node
	lines    map[uuid.UUID]map[lineKey]*models.AssociativeLine
	log      []*models.EditLogEntry
}

type lineKey struct {
	source string
	target string
}

// NewMemoryRepositories returns repositories backed by process memory. They
// need no tenant scope in the context and lose everything on restart.
func NewMemoryRepositories() *Repositories {
	s := &memoryStore{
		projects: map[uuid.UUID]*models.Project{},
		members:  map[uuid.UUID]map[uuid.UUID]*models.ProjectMember{},
		nodes:    map[uuid.UUID]map[string]*models.Node{},
		lines:    map[uuid.UUID]map[lineKey]*models.AssociativeLine{},
	}
	return &Repositories{
		Projects: &memoryProjectRepository{s: s},
		Members:  &memoryMemberRepository{s: s},
		Nodes:    &memoryNodeRepository{s: s},
		Lines:    &memoryLineRepository{s: s},
		EditLog:  &memoryEditLogRepository{s: s},
	}
}

func (s *memoryStore) projectNodes(projectID uuid.UUID) map[string]*models.Node {
	nodes, ok := s.nodes[projectID]
	if !ok {
		nodes = map[string]*models.Node{}
		s.nodes[projectID] = nodes
	}
	return nodes
}

func (s *memoryStore) projectLines(projectID uuid.UUID) map[lineKey]*models.AssociativeLine {
	lines, ok := s.lines[projectID]
	if !ok {
		lines = map[lineKey]*models.AssociativeLine{}
		s.lines[projectID] = lines
	}
	return lines
}

// healTargets mirrors the Postgres healTargets against the in-memory node set.
func (s *memoryStore) healTargets(n *models.Node) []string {
	nodes := s.projectNodes(n.ProjectID)
	return mindmap.HealTargets(n, func(uid string) bool {
		_, ok := nodes[uid]
		return ok
	})
}

// writeEdges makes the stored outgoing lines of n match its target list.
func (s *memoryStore) writeEdges(ctx context.Context, n *models.Node) {
	lines := s.projectLines(n.ProjectID)
	for k := range lines {
		if k.source == n.UID && !slices.Contains(n.AssociativeLineTargets, k.target) {
			delete(lines, k)
		}
	}
	creator := lineCreator(ctx, n.CreatorID)
	for _, t := range n.AssociativeLineTargets {
		k := lineKey{source: n.UID, target: t}
		if l, ok := lines[k]; ok {
			l.Text = n.AssociativeLineText[t]
			continue
		}
		lines[k] = &models.AssociativeLine{
			ProjectID: n.ProjectID,
			SourceUID: n.UID,
			TargetUID: t,
			Text:      n.AssociativeLineText[t],
			CreatorID: creator,
			CreatedAt: time.Now(),
		}
	}
}

// dropEdgesOf removes every line touching uid, as the cascading foreign keys do.
func (s *memoryStore) dropEdgesOf(projectID uuid.UUID, uid string) {
	lines := s.projectLines(projectID)
	for k := range lines {
		if k.source == uid || k.target == uid {
			delete(lines, k)
		}
	}
}

// memoryNodeRepository implements NodeRepository in memory.
type memoryNodeRepository struct {
	s *memoryStore
}

func (r *memoryNodeRepository) Create(ctx context.Context, n *models.Node, check func(parent *models.Node) error) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.projects[n.ProjectID]; !ok {
		return nil, fmt.Errorf("%w: project %s", apperrors.ErrNotFound, n.ProjectID)
	}
	nodes := r.s.projectNodes(n.ProjectID)

	var parent *models.Node
	if n.ParentUID != "" {
		p, ok := nodes[n.ParentUID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrDanglingParent, n.ParentUID)
		}
		parent = p.Clone()
	}
	if check != nil {
		if err := check(parent); err != nil {
			return nil, err
		}
	}

	if _, exists := nodes[n.UID]; exists {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrDuplicateUID, n.UID)
	}
	if parent == nil {
		for _, existing := range nodes {
			if existing.IsRoot {
				return nil, fmt.Errorf("%w: root %s", apperrors.ErrRootConflict, existing.UID)
			}
		}
	}

	prepareNewNode(n, parent)
	dropped := r.s.healTargets(n)
	nodes[n.UID] = n.Clone()
	r.s.writeEdges(ctx, n)
	return dropped, nil
}

func (r *memoryNodeRepository) Get(_ context.Context, projectID uuid.UUID, uid string) (*models.Node, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n, ok := r.s.projectNodes(projectID)[uid]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return n.Clone(), nil
}

func (r *memoryNodeRepository) List(_ context.Context, projectID uuid.UUID) ([]*models.Node, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	nodes := r.s.projectNodes(projectID)
	out := make([]*models.Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Clone())
	}
	mindmap.SortNodes(out)
	return out, nil
}

func (r *memoryNodeRepository) Count(_ context.Context, projectID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.projectNodes(projectID)), nil
}

func (r *memoryNodeRepository) Update(ctx context.Context, projectID uuid.UUID, uid string, mutate func(n *models.Node) error) (*UpdateResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	nodes := r.s.projectNodes(projectID)
	stored, ok := nodes[uid]
	if !ok {
		return nil, fmt.Errorf("%w: node %s", apperrors.ErrNotFound, uid)
	}

	before := stored.Clone()
	n := stored.Clone()
	if err := mutate(n); err != nil {
		return nil, err
	}
	n.Normalize()

	linked := len(before.AssociativeLineTargets) > 0 || len(n.AssociativeLineTargets) > 0 ||
		len(n.AssociativeLineText) > 0
	var dropped []string
	if linked {
		dropped = r.s.healTargets(n)
	}

	result := &UpdateResult{
		Before:         before,
		After:          n,
		Changes:        mindmap.Diff(before, n),
		DroppedTargets: dropped,
	}
	if len(result.Changes) > 0 {
		n.UpdatedAt = time.Now()
		nodes[uid] = n.Clone()
	}
	if linked {
		r.s.writeEdges(ctx, n)
	}
	return result, nil
}

func (r *memoryNodeRepository) Delete(_ context.Context, projectID uuid.UUID, uid string, check func(n *models.Node, hasChildren bool) error) (*models.Node, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	nodes := r.s.projectNodes(projectID)
	n, ok := nodes[uid]
	if !ok {
		return nil, fmt.Errorf("%w: node %s", apperrors.ErrNotFound, uid)
	}

	hasChildren := false
	for _, c := range nodes {
		if !c.IsRoot && c.ParentUID == uid {
			hasChildren = true
			break
		}
	}
	if check != nil {
		if err := check(n.Clone(), hasChildren); err != nil {
			return nil, err
		}
	}
	if hasChildren {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrHasChildren, uid)
	}

	delete(nodes, uid)
	r.s.dropEdgesOf(projectID, uid)
	return n.Clone(), nil
}

func (r *memoryNodeRepository) Move(_ context.Context, projectID uuid.UUID, uid, newParentUID string, sortOrder *int, check func(n, newParent *models.Node) error) (*MoveResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	nodes := r.s.projectNodes(projectID)
	n, ok := nodes[uid]
	if !ok {
		return nil, fmt.Errorf("%w: node %s", apperrors.ErrNotFound, uid)
	}
	if newParentUID == "" || newParentUID == uid {
		return nil, mindmap.CheckMove(uid, newParentUID, nil)
	}
	parent, ok := nodes[newParentUID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrDanglingParent, newParentUID)
	}
	if check != nil {
		if err := check(n.Clone(), parent.Clone()); err != nil {
			return nil, err
		}
	}

	err := mindmap.CheckMove(uid, newParentUID, func(u string) (string, bool) {
		p, ok := nodes[u]
		if !ok {
			return "", false
		}
		return p.ParentUID, true
	})
	if err != nil {
		return nil, err
	}

	result := &MoveResult{OldParentUID: n.ParentUID, OldLevel: n.Level, OldSortOrder: n.SortOrder}
	delta := parent.Level + 1 - n.Level
	now := time.Now()

	all := make([]*models.Node, 0, len(nodes))
	for _, node := range nodes {
		all = append(all, node)
	}
	descendants := mindmap.Subtree(uid, mindmap.ChildrenIndex(all))
	if delta != 0 {
		mindmap.ShiftLevels(descendants, delta)
		for _, d := range descendants {
			d.UpdatedAt = now
		}
		result.Descendants = len(descendants)
	}

	n.ParentUID = newParentUID
	n.Level = parent.Level + 1
	if sortOrder != nil {
		n.SortOrder = *sortOrder
	}
	n.UpdatedAt = now

	result.Node = n.Clone()
	return result, nil
}

func (r *memoryNodeRepository) Bootstrap(_ context.Context, projectID uuid.UUID, nodes []*models.Node, replace bool) ([]*models.Node, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.projects[projectID]; !ok {
		return nil, fmt.Errorf("%w: project %s", apperrors.ErrNotFound, projectID)
	}

	existing := r.s.projectNodes(projectID)
	var removed []*models.Node
	if len(existing) > 0 {
		if !replace {
			return nil, apperrors.ErrAlreadyBootstrapped
		}
		for _, n := range existing {
			removed = append(removed, n.Clone())
		}
		mindmap.SortNodes(removed)
	}

	fresh := make(map[string]*models.Node, len(nodes))
	for _, n := range nodes {
		n.ProjectID = projectID
		n.Normalize()
		if _, dup := fresh[n.UID]; dup {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrDuplicateUID, n.UID)
		}
		fresh[n.UID] = n.Clone()
	}
	r.s.nodes[projectID] = fresh
	r.s.lines[projectID] = map[lineKey]*models.AssociativeLine{}
	return removed, nil
}

// memoryLineRepository implements AssociativeLineRepository in memory.
type memoryLineRepository struct {
	s *memoryStore
}

func (r *memoryLineRepository) Incoming(_ context.Context, projectID uuid.UUID, targetUID string) ([]*models.AssociativeLine, error) {
	return r.filter(projectID, func(l *models.AssociativeLine) bool { return l.TargetUID == targetUID }), nil
}

func (r *memoryLineRepository) Outgoing(_ context.Context, projectID uuid.UUID, sourceUID string) ([]*models.AssociativeLine, error) {
	return r.filter(projectID, func(l *models.AssociativeLine) bool { return l.SourceUID == sourceUID }), nil
}

func (r *memoryLineRepository) ListByProject(_ context.Context, projectID uuid.UUID) ([]*models.AssociativeLine, error) {
	return r.filter(projectID, func(*models.AssociativeLine) bool { return true }), nil
}

func (r *memoryLineRepository) filter(projectID uuid.UUID, keep func(*models.AssociativeLine) bool) []*models.AssociativeLine {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*models.AssociativeLine, 0)
	for _, l := range r.s.projectLines(projectID) {
		if keep(l) {
			c := *l
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *models.AssociativeLine) int {
		return cmp.Or(
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.SourceUID, b.SourceUID),
			cmp.Compare(a.TargetUID, b.TargetUID),
		)
	})
	return out
}

func (r *memoryLineRepository) Sync(ctx context.Context, projectID uuid.UUID) (*models.LineSyncResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	nodes := r.s.projectNodes(projectID)
	result := &models.LineSyncResult{NodesScanned: len(nodes)}
	for _, n := range nodes {
		before := n.Clone()
		dropped := r.s.healTargets(n)
		if len(mindmap.Diff(before, n)) > 0 {
			result.NodesHealed++
			result.TargetsDropped += len(dropped)
		}
		r.s.writeEdges(ctx, n)
		result.Edges += len(n.AssociativeLineTargets)
	}

	// Edges whose source vanished without cleanup.
	lines := r.s.projectLines(projectID)
	for k := range lines {
		if _, ok := nodes[k.source]; !ok {
			delete(lines, k)
		}
	}
	return result, nil
}

// memoryProjectRepository implements ProjectRepository in memory.
type memoryProjectRepository struct {
	s *memoryStore
}

func (r *memoryProjectRepository) Create(_ context.Context, project *models.Project) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	now := time.Now()
	project.CreatedAt = now
	project.UpdatedAt = now

	c := *project
	r.s.projects[project.ID] = &c
	return nil
}

func (r *memoryProjectRepository) Get(_ context.Context, id uuid.UUID) (*models.Project, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.projects[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (r *memoryProjectRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.projects[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(r.s.projects, id)
	delete(r.s.members, id)
	delete(r.s.nodes, id)
	delete(r.s.lines, id)
	r.s.log = slices.DeleteFunc(r.s.log, func(e *models.EditLogEntry) bool { return e.ProjectID == id })
	return nil
}

// memoryMemberRepository implements MemberRepository in memory.
type memoryMemberRepository struct {
	s *memoryStore
}

func (r *memoryMemberRepository) Add(_ context.Context, member *models.ProjectMember) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.projects[member.ProjectID]; !ok {
		return fmt.Errorf("%w: project %s", apperrors.ErrNotFound, member.ProjectID)
	}
	members, ok := r.s.members[member.ProjectID]
	if !ok {
		members = map[uuid.UUID]*models.ProjectMember{}
		r.s.members[member.ProjectID] = members
	}

	now := time.Now()
	member.UpdatedAt = now
	if existing, ok := members[member.UserID]; ok {
		member.JoinedAt = existing.JoinedAt
		if member.Email == "" {
			member.Email = existing.Email
		}
	} else {
		member.JoinedAt = now
	}
	c := *member
	members[member.UserID] = &c
	return nil
}

func (r *memoryMemberRepository) Get(_ context.Context, projectID, userID uuid.UUID) (*models.ProjectMember, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	m, ok := r.s.members[projectID][userID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	c := *m
	return &c, nil
}

func (r *memoryMemberRepository) List(_ context.Context, projectID uuid.UUID) ([]*models.ProjectMember, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*models.ProjectMember, 0, len(r.s.members[projectID]))
	for _, m := range r.s.members[projectID] {
		c := *m
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *models.ProjectMember) int {
		return cmp.Or(a.JoinedAt.Compare(b.JoinedAt), cmp.Compare(a.UserID.String(), b.UserID.String()))
	})
	return out, nil
}

func (r *memoryMemberRepository) RemoveWithAdminCheck(_ context.Context, projectID, userID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	m, ok := r.s.members[projectID][userID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if m.Permission == models.PermissionAdmin && r.adminCount(projectID) <= 1 {
		return apperrors.ErrLastAdmin
	}
	delete(r.s.members[projectID], userID)
	return nil
}

func (r *memoryMemberRepository) UpdatePermissionWithAdminCheck(_ context.Context, projectID, userID uuid.UUID, permission string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	m, ok := r.s.members[projectID][userID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if m.Permission == models.PermissionAdmin && permission != models.PermissionAdmin && r.adminCount(projectID) <= 1 {
		return apperrors.ErrLastAdmin
	}
	m.Permission = permission
	m.UpdatedAt = time.Now()
	return nil
}

func (r *memoryMemberRepository) adminCount(projectID uuid.UUID) int {
	count := 0
	for _, m := range r.s.members[projectID] {
		if m.Permission == models.PermissionAdmin {
			count++
		}
	}
	return count
}

// memoryEditLogRepository implements EditLogRepository in memory.
type memoryEditLogRepository struct {
	s *memoryStore
}

func (r *memoryEditLogRepository) Create(_ context.Context, entry *models.EditLogEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()
	c := *entry
	r.s.log = append(r.s.log, &c)
	return nil
}

func (r *memoryEditLogRepository) ListByProject(_ context.Context, projectID uuid.UUID, limit int) ([]*models.EditLogEntry, error) {
	return r.newest(limit, func(e *models.EditLogEntry) bool { return e.ProjectID == projectID }), nil
}

func (r *memoryEditLogRepository) ListByNode(_ context.Context, projectID uuid.UUID, nodeUID string, limit int) ([]*models.EditLogEntry, error) {
	return r.newest(limit, func(e *models.EditLogEntry) bool {
		return e.ProjectID == projectID && e.NodeUID == nodeUID
	}), nil
}

// newest walks the log backwards so results come newest first.
func (r *memoryEditLogRepository) newest(limit int, keep func(*models.EditLogEntry) bool) []*models.EditLogEntry {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*models.EditLogEntry, 0)
	for i := len(r.s.log) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if keep(r.s.log[i]) {
			c := *r.s.log[i]
			out = append(out, &c)
		}
	}
	return out
}

var (
	_ NodeRepository            = (*memoryNodeRepository)(nil)
	_ AssociativeLineRepository = (*memoryLineRepository)(nil)
	_ ProjectRepository         = (*memoryProjectRepository)(nil)
	_ MemberRepository          = (*memoryMemberRepository)(nil)
	_ EditLogRepository         = (*memoryEditLogRepository)(nil)
)

package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
	"github.com/caseboard/caseboard-engine/pkg/auth"
	"github.com/caseboard/caseboard-engine/pkg/config"
	"github.com/caseboard/caseboard-engine/pkg/database"
	"github.com/caseboard/caseboard-engine/pkg/mindmap"
	"github.com/caseboard/caseboard-engine/pkg/models"
	"github.com/caseboard/caseboard-engine/pkg/permissions"
	"github.com/caseboard/caseboard-engine/pkg/services"
)

// Server upgrades authenticated requests into room participants and applies
// their structural messages through the tree service.
type Server struct {
	hub            *Hub
	tree           services.TreeService
	members        services.MemberService
	scopes         database.ScopeProvider
	cfg            config.CollabConfig
	originPatterns []string
	logger         *zap.Logger
}

// NewServer creates a live-collaboration server. Each message runs in its own
// project scope from scopes, so a connection never pins a database session.
func NewServer(
	hub *Hub,
	tree services.TreeService,
	members services.MemberService,
	scopes database.ScopeProvider,
	cfg config.CollabConfig,
	originPatterns []string,
	logger *zap.Logger,
) *Server {
	return &Server{
		hub:            hub,
		tree:           tree,
		members:        members,
		scopes:         scopes,
		cfg:            cfg,
		originPatterns: originPatterns,
		logger:         logger.Named("collab-room"),
	}
}

// Serve runs one participant session for user in the project's room until
// the connection closes. Users without read access are refused before the
// upgrade.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, projectID uuid.UUID, user auth.User) {
	logger := s.logger.With(
		zap.String("project_id", projectID.String()),
		zap.String("user_id", user.ID.String()))

	actor, err := s.resolveActor(r.Context(), projectID, user)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			http.Error(w, "project not found", http.StatusNotFound)
			return
		}
		logger.Error("Failed to resolve membership", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !permissions.CanRead(actor) {
		logger.Debug("Refusing room join without read access")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(s.cfg.ReadLimitBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	p := NewParticipant(conn, user.ID, user.Email, s.cfg.OutboundQueueSize, s.cfg.WriteTimeout, logger)
	room := s.hub.Join(projectID, p)
	defer func() {
		s.hub.Leave(projectID, p)
		s.hub.Broadcast(context.WithoutCancel(ctx), projectID, UserEventMessage{Type: TypeUserLeft, User: p.identity()}, p.ID)
		logger.Info("Participant left", zap.String("connection_id", p.ID))
	}()

	s.send(p, OnlineUsersMessage{Type: TypeOnlineUsers, Users: room.Presence()})
	s.hub.Broadcast(ctx, projectID, UserEventMessage{Type: TypeUserJoined, User: p.Info()}, p.ID)
	logger.Info("Participant joined",
		zap.String("connection_id", p.ID),
		zap.Int("room_size", room.Size()))

	go func() {
		p.writeLoop(ctx)
		cancel()
	}()
	s.readLoop(ctx, p, projectID, user)
}

func (s *Server) readLoop(ctx context.Context, p *Participant, projectID uuid.UUID, user auth.User) {
	for {
		_, data, err := p.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				p.logger.Debug("Participant read failed", zap.Error(err))
			}
			return
		}
		s.handleMessage(ctx, p, projectID, user, data)
	}
}

func (s *Server) handleMessage(ctx context.Context, p *Participant, projectID uuid.UUID, user auth.User, data []byte) {
	msg, env, err := ParseMessage(data)
	if err != nil {
		s.sendError(p, env.RequestID, err)
		return
	}

	switch m := msg.(type) {
	case *CursorMoveMessage:
		p.setCursor(m.X, m.Y)
		s.hub.Broadcast(ctx, projectID, CursorMovedMessage{Type: TypeCursorMoved, User: p.identity(), X: m.X, Y: m.Y}, p.ID)
	case *UserSelectionMessage:
		p.setSelection(m.NodeID)
		s.hub.Broadcast(ctx, projectID, UserSelectedMessage{Type: TypeUserSelected, User: p.identity(), NodeID: m.NodeID}, p.ID)
	default:
		ack, err := s.applyStructural(ctx, p, projectID, user, msg)
		if err != nil {
			s.sendError(p, env.RequestID, err)
			return
		}
		ack.RequestID = env.RequestID
		s.send(p, ack)
	}
}

// applyStructural runs a structural message in its own project scope. The
// tree service broadcasts the committed change to the other participants.
func (s *Server) applyStructural(ctx context.Context, p *Participant, projectID uuid.UUID, user auth.User, msg any) (*AckMessage, error) {
	opCtx, release, err := s.scopes.WithTenantScope(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer release()
	opCtx = models.WithLiveProvenance(opCtx, user.ID, p.ID)

	// Membership can change during a session, so it is resolved per message.
	actor, err := s.members.Actor(opCtx, projectID, user)
	if err != nil {
		return nil, err
	}

	ack := &AckMessage{Type: TypeAck}
	switch m := msg.(type) {
	case *NodeCreateMessage:
		uid, patch, err := DecodeNodeData(m.NodeData)
		if err != nil {
			return nil, err
		}
		node, err := s.tree.Create(opCtx, projectID, actor, models.CreateNodeInput{UID: uid, ParentUID: m.ParentID, Fields: patch})
		if err != nil {
			return nil, err
		}
		ack.Node = node
	case *NodeUpdateMessage:
		patch, err := mindmap.DecodePatch(m.Updates)
		if err != nil {
			return nil, err
		}
		upd, err := s.tree.Update(opCtx, projectID, m.NodeID, actor, patch)
		if err != nil {
			return nil, err
		}
		ack.Node = upd.Node
	case *NodeDeleteMessage:
		if err := s.tree.Delete(opCtx, projectID, m.NodeID, actor); err != nil {
			return nil, err
		}
		ack.NodeID = m.NodeID
	case *NodeMoveMessage:
		node, err := s.tree.Move(opCtx, projectID, m.NodeID, actor, models.MoveNodeInput{NewParentUID: m.NewParentID, SortOrder: m.SortOrder})
		if err != nil {
			return nil, err
		}
		ack.Node = node
	}
	return ack, nil
}

func (s *Server) resolveActor(ctx context.Context, projectID uuid.UUID, user auth.User) (permissions.Actor, error) {
	scoped, release, err := s.scopes.WithTenantScope(ctx, projectID)
	if err != nil {
		return permissions.Actor{}, err
	}
	defer release()
	return s.members.Actor(scoped, projectID, user)
}

func (s *Server) send(p *Participant, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	p.Enqueue(data)
}

// sendError reports err to p only. Internal failures are logged and their
// details withheld from the client.
func (s *Server) sendError(p *Participant, requestID string, err error) {
	kind := apperrors.Kind(err)
	message := err.Error()
	if kind == apperrors.KindInternal {
		p.logger.Error("Live operation failed", zap.Error(err))
		message = "internal error"
	}
	s.send(p, ErrorMessage{Type: TypeError, ErrorKind: kind, Message: message, RequestID: requestID})
}

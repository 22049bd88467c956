// Package collab runs the live collaboration rooms: one room per project,
// holding the connected participants, their presence and the fan-out of
// committed tree changes.
package collab

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/caseboard/caseboard-engine/pkg/services"
)

// Publisher forwards room broadcasts to other server instances.
type Publisher interface {
	Publish(ctx context.Context, projectID uuid.UUID, exclude string, payload []byte) error
}

// shard owns a slice of the project -> room registry.
type shard struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]*Room
}

// Hub is the registry of rooms, sharded by project so joins and leaves in
// unrelated projects do not contend on one lock.
type Hub struct {
	shards []*shard
	relay  Publisher
	logger *zap.Logger
}

// NewHub creates a hub with the given number of registry shards. relay may
// be nil for a single-instance deployment.
func NewHub(shards int, relay Publisher, logger *zap.Logger) *Hub {
	if shards < 1 {
		shards = 1
	}
	h := &Hub{
		shards: make([]*shard, shards),
		relay:  relay,
		logger: logger.Named("collab-hub"),
	}
	for i := range h.shards {
		h.shards[i] = &shard{rooms: make(map[uuid.UUID]*Room)}
	}
	return h
}

var _ services.ChangeNotifier = (*Hub)(nil)

func (h *Hub) shardFor(projectID uuid.UUID) *shard {
	f := fnv.New32a()
	_, _ = f.Write(projectID[:])
	return h.shards[f.Sum32()%uint32(len(h.shards))]
}

// Join adds p to the project's room, creating the room on first join.
func (h *Hub) Join(projectID uuid.UUID, p *Participant) *Room {
	s := h.shardFor(projectID)
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[projectID]
	if !ok {
		room = newRoom(projectID)
		s.rooms[projectID] = room
	}
	room.add(p)
	return room
}

// Leave removes p and drops the room once it is empty.
func (h *Hub) Leave(projectID uuid.UUID, p *Participant) {
	s := h.shardFor(projectID)
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[projectID]
	if !ok {
		return
	}
	if room.remove(p) {
		delete(s.rooms, projectID)
	}
}

// Room returns the project's room, or nil when nobody is connected.
func (h *Hub) Room(projectID uuid.UUID) *Room {
	s := h.shardFor(projectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[projectID]
}

// RoomCount returns the number of rooms with at least one participant.
func (h *Hub) RoomCount() int {
	count := 0
	for _, s := range h.shards {
		s.mu.Lock()
		count += len(s.rooms)
		s.mu.Unlock()
	}
	return count
}

// Broadcast sends msg to every participant of the project except exclude,
// locally and through the relay.
func (h *Hub) Broadcast(ctx context.Context, projectID uuid.UUID, msg any, exclude string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast", zap.Error(err))
		return
	}
	h.DeliverLocal(projectID, exclude, data)

	if h.relay != nil {
		if err := h.relay.Publish(ctx, projectID, exclude, data); err != nil {
			h.logger.Error("Failed to publish broadcast to relay",
				zap.String("project_id", projectID.String()),
				zap.Error(err))
		}
	}
}

// DeliverLocal hands an encoded message to the local room only. The relay
// uses it for messages published by other instances.
func (h *Hub) DeliverLocal(projectID uuid.UUID, exclude string, data []byte) {
	if room := h.Room(projectID); room != nil {
		room.deliver(data, exclude)
	}
}

// NotifyTreeChange implements services.ChangeNotifier. The connection that
// made the change is skipped; REST changes reach everyone.
func (h *Hub) NotifyTreeChange(ctx context.Context, change services.TreeChange) {
	msg := NodeEventMessage{
		Type:          change.Kind,
		Node:          change.Node,
		User:          UserInfo{UserID: change.UserID.String(), Email: change.Email},
		ChangedFields: change.ChangedFields,
	}
	if change.Kind == services.ChangeNodeDeleted {
		msg.NodeID = change.NodeUID
	}
	h.Broadcast(ctx, change.ProjectID, msg, change.ConnectionID)
}

// Shutdown closes every live connection with a going-away status.
func (h *Hub) Shutdown(ctx context.Context) {
	var participants []*Participant
	for _, s := range h.shards {
		s.mu.Lock()
		for _, room := range s.rooms {
			room.mu.RLock()
			for _, p := range room.participants {
				participants = append(participants, p)
			}
			room.mu.RUnlock()
		}
		s.mu.Unlock()
	}
	if len(participants) == 0 {
		return
	}

	h.logger.Info("Closing live connections", zap.Int("count", len(participants)))
	g, _ := errgroup.WithContext(ctx)
	for _, p := range participants {
		g.Go(func() error {
			_ = p.conn.Close(websocket.StatusGoingAway, "server shutting down")
			return nil
		})
	}
	_ = g.Wait()
}

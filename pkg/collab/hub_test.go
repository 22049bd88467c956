package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/caseboard/caseboard-engine/pkg/models"
	"github.com/caseboard/caseboard-engine/pkg/services"
)

// recordingPublisher captures relayed broadcasts.
type recordingPublisher struct {
	mu        sync.Mutex
	published []relayEnvelope
	err       error
}

func (r *recordingPublisher) Publish(_ context.Context, _ uuid.UUID, exclude string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, relayEnvelope{Exclude: exclude, Payload: payload})
	return r.err
}

func newTestParticipant(email string, queueSize int) *Participant {
	return NewParticipant(nil, uuid.New(), email, queueSize, time.Second, zap.NewNop())
}

// drain returns every message queued for p, decoded as generic maps.
func drain(t *testing.T, p *Participant) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case data := <-p.send:
			var m map[string]any
			require.NoError(t, json.Unmarshal(data, &m))
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestHub_JoinLeave(t *testing.T) {
	hub := NewHub(4, nil, zap.NewNop())
	projectID := uuid.New()
	alice := newTestParticipant("alice@precinct.test", 4)
	bob := newTestParticipant("bob@precinct.test", 4)

	room := hub.Join(projectID, alice)
	assert.Same(t, room, hub.Join(projectID, bob))
	assert.Equal(t, 2, room.Size())
	assert.Equal(t, 1, hub.RoomCount())

	hub.Leave(projectID, alice)
	assert.Equal(t, 1, room.Size())
	assert.NotNil(t, hub.Room(projectID))

	hub.Leave(projectID, bob)
	assert.Nil(t, hub.Room(projectID))
	assert.Equal(t, 0, hub.RoomCount())

	// Leaving an unknown room is a no-op.
	hub.Leave(uuid.New(), bob)
}

func TestHub_RoomsAreIsolated(t *testing.T) {
	hub := NewHub(1, nil, zap.NewNop())
	caseA, caseB := uuid.New(), uuid.New()
	alice := newTestParticipant("alice@precinct.test", 4)
	bob := newTestParticipant("bob@precinct.test", 4)
	hub.Join(caseA, alice)
	hub.Join(caseB, bob)

	hub.Broadcast(context.Background(), caseA, UserEventMessage{Type: TypeUserJoined}, "")

	assert.Len(t, drain(t, alice), 1)
	assert.Empty(t, drain(t, bob))
}

func TestHub_BroadcastExcludesSender(t *testing.T) {
	relay := &recordingPublisher{}
	hub := NewHub(2, relay, zap.NewNop())
	projectID := uuid.New()
	alice := newTestParticipant("alice@precinct.test", 4)
	bob := newTestParticipant("bob@precinct.test", 4)
	hub.Join(projectID, alice)
	hub.Join(projectID, bob)

	hub.Broadcast(context.Background(), projectID, CursorMovedMessage{Type: TypeCursorMoved, X: 1, Y: 2}, alice.ID)

	assert.Empty(t, drain(t, alice))
	got := drain(t, bob)
	require.Len(t, got, 1)
	assert.Equal(t, TypeCursorMoved, got[0]["type"])

	require.Len(t, relay.published, 1)
	assert.Equal(t, alice.ID, relay.published[0].Exclude)
}

func TestHub_RelayErrorIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	hub := NewHub(1, &recordingPublisher{err: errors.New("redis down")}, zap.New(core))
	projectID := uuid.New()
	bob := newTestParticipant("bob@precinct.test", 4)
	hub.Join(projectID, bob)

	hub.Broadcast(context.Background(), projectID, UserEventMessage{Type: TypeUserLeft}, "")

	// Local delivery still happens.
	assert.Len(t, drain(t, bob), 1)
	assert.Equal(t, 1, logs.FilterMessage("Failed to publish broadcast to relay").Len())
}

func TestHub_NotifyTreeChange(t *testing.T) {
	hub := NewHub(1, nil, zap.NewNop())
	projectID := uuid.New()
	alice := newTestParticipant("alice@precinct.test", 4)
	bob := newTestParticipant("bob@precinct.test", 4)
	hub.Join(projectID, alice)
	hub.Join(projectID, bob)

	hub.NotifyTreeChange(context.Background(), services.TreeChange{
		Kind:          services.ChangeNodeUpdated,
		ProjectID:     projectID,
		Node:          &models.Node{ProjectID: projectID, UID: "knife"},
		ChangedFields: []string{models.FieldText},
		UserID:        alice.UserID,
		Email:         alice.Email,
		ConnectionID:  alice.ID,
	})

	assert.Empty(t, drain(t, alice))
	got := drain(t, bob)
	require.Len(t, got, 1)
	assert.Equal(t, TypeNodeUpdated, got[0]["type"])
	assert.Equal(t, []any{"text"}, got[0]["changed_fields"])
	assert.Equal(t, "alice@precinct.test", got[0]["user"].(map[string]any)["email"])
}

func TestHub_NotifyTreeChange_RESTReachesEveryone(t *testing.T) {
	hub := NewHub(1, nil, zap.NewNop())
	projectID := uuid.New()
	alice := newTestParticipant("alice@precinct.test", 4)
	bob := newTestParticipant("bob@precinct.test", 4)
	hub.Join(projectID, alice)
	hub.Join(projectID, bob)

	hub.NotifyTreeChange(context.Background(), services.TreeChange{
		Kind:      services.ChangeNodeDeleted,
		ProjectID: projectID,
		NodeUID:   "knife",
	})

	for _, p := range []*Participant{alice, bob} {
		got := drain(t, p)
		require.Len(t, got, 1)
		assert.Equal(t, TypeNodeDeleted, got[0]["type"])
		assert.Equal(t, "knife", got[0]["node_id"])
	}
}

func TestRoom_PresenceOrderedByEmail(t *testing.T) {
	room := newRoom(uuid.New())
	zed := newTestParticipant("zed@precinct.test", 1)
	amy := newTestParticipant("amy@precinct.test", 1)
	room.add(zed)
	room.add(amy)
	amy.setCursor(3, 4)
	amy.setSelection("knife")

	users := room.Presence()
	require.Len(t, users, 2)
	assert.Equal(t, "amy@precinct.test", users[0].Email)
	require.NotNil(t, users[0].Cursor)
	assert.Equal(t, Cursor{X: 3, Y: 4}, *users[0].Cursor)
	assert.Equal(t, "knife", users[0].Selection)
	assert.Equal(t, "zed@precinct.test", users[1].Email)
	assert.Nil(t, users[1].Cursor)
}

func TestParticipant_EnqueueOverflowMarksSlow(t *testing.T) {
	p := newTestParticipant("slow@precinct.test", 1)

	assert.True(t, p.Enqueue([]byte(`{"n":1}`)))
	assert.False(t, p.Enqueue([]byte(`{"n":2}`)))
	// A second overflow must not panic on the already-closed signal.
	assert.False(t, p.Enqueue([]byte(`{"n":3}`)))

	select {
	case <-p.slow:
	default:
		t.Fatal("expected participant to be marked slow")
	}
}

func TestParticipant_SlowConsumerDoesNotBlockRoom(t *testing.T) {
	hub := NewHub(1, nil, zap.NewNop())
	projectID := uuid.New()
	slow := newTestParticipant("slow@precinct.test", 1)
	fast := newTestParticipant("fast@precinct.test", 16)
	hub.Join(projectID, slow)
	hub.Join(projectID, fast)

	done := make(chan struct{})
	go func() {
		for range 10 {
			hub.Broadcast(context.Background(), projectID, CursorMovedMessage{Type: TypeCursorMoved}, "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full participant queue")
	}
	assert.Len(t, drain(t, fast), 10)
}

func TestRedisRelay_Handle(t *testing.T) {
	relay := NewRedisRelay(nil, zap.NewNop())
	projectID := uuid.New()

	type delivery struct {
		projectID uuid.UUID
		exclude   string
		payload   string
	}
	var got []delivery
	deliver := func(pid uuid.UUID, exclude string, payload []byte) {
		got = append(got, delivery{pid, exclude, string(payload)})
	}

	foreign, err := json.Marshal(relayEnvelope{Origin: "other-instance", Exclude: "conn-1", Payload: json.RawMessage(`{"type":"node_deleted"}`)})
	require.NoError(t, err)
	own, err := json.Marshal(relayEnvelope{Origin: relay.instanceID, Payload: json.RawMessage(`{"type":"node_created"}`)})
	require.NoError(t, err)

	relay.handle(channelFor(projectID), foreign, deliver)
	relay.handle(channelFor(projectID), own, deliver)
	relay.handle(channelPrefix+"not-a-uuid", foreign, deliver)
	relay.handle(channelFor(projectID), []byte(`{broken`), deliver)

	require.Len(t, got, 1)
	assert.Equal(t, projectID, got[0].projectID)
	assert.Equal(t, "conn-1", got[0].exclude)
	assert.JSONEq(t, `{"type":"node_deleted"}`, got[0].payload)
}

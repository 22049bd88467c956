package collab

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Participant is one live connection in a room. Outbound messages go through
// a bounded queue drained by a single writer goroutine; a full queue marks
// the participant as a slow consumer and disconnects it.
type Participant struct {
	ID     string
	UserID uuid.UUID
	Email  string

	conn         *websocket.Conn
	send         chan []byte
	slow         chan struct{}
	slowOnce     sync.Once
	writeTimeout time.Duration
	logger       *zap.Logger

	mu        sync.Mutex
	cursor    *Cursor
	selection string
}

// NewParticipant creates a participant for conn with an outbound queue of queueSize.
func NewParticipant(conn *websocket.Conn, userID uuid.UUID, email string, queueSize int, writeTimeout time.Duration, logger *zap.Logger) *Participant {
	id := uuid.NewString()
	return &Participant{
		ID:           id,
		UserID:       userID,
		Email:        email,
		conn:         conn,
		send:         make(chan []byte, queueSize),
		slow:         make(chan struct{}),
		writeTimeout: writeTimeout,
		logger: logger.With(
			zap.String("connection_id", id),
			zap.String("user_id", userID.String())),
	}
}

// Enqueue queues data for delivery without blocking. It returns false when
// the queue is full, in which case the participant is disconnected.
func (p *Participant) Enqueue(data []byte) bool {
	select {
	case p.send <- data:
		return true
	default:
		p.slowOnce.Do(func() { close(p.slow) })
		return false
	}
}

// writeLoop drains the queue until ctx ends or the connection fails.
func (p *Participant) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.slow:
			p.logger.Warn("Disconnecting slow consumer", zap.Int("queue_size", cap(p.send)))
			_ = p.conn.Close(websocket.StatusPolicyViolation, "slow consumer")
			return
		case data := <-p.send:
			writeCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
			err := p.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				p.logger.Debug("Write to participant failed", zap.Error(err))
				return
			}
		}
	}
}

// Info returns the participant's presence for outbound messages.
func (p *Participant) Info() UserInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := UserInfo{
		UserID:    p.UserID.String(),
		Email:     p.Email,
		Selection: p.selection,
	}
	if p.cursor != nil {
		c := *p.cursor
		info.Cursor = &c
	}
	return info
}

// identity is Info without presence, used on node events.
func (p *Participant) identity() UserInfo {
	return UserInfo{UserID: p.UserID.String(), Email: p.Email}
}

func (p *Participant) setCursor(x, y float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = &Cursor{X: x, Y: y}
}

func (p *Participant) setSelection(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selection = nodeID
}

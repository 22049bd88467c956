package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// channelPrefix namespaces the per-project pub/sub channels.
const channelPrefix = "caseboard:room:"

// relayEnvelope wraps a broadcast on the wire between instances.
type relayEnvelope struct {
	Origin  string          `json:"origin"`
	Exclude string          `json:"exclude,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// RedisRelay fans room broadcasts out to every server instance through Redis
// pub/sub. Presence stays per instance; only broadcasts cross.
type RedisRelay struct {
	client     *redis.Client
	instanceID string
	logger     *zap.Logger
}

// NewRedisRelay creates a relay with a fresh instance ID.
func NewRedisRelay(client *redis.Client, logger *zap.Logger) *RedisRelay {
	id := uuid.NewString()
	return &RedisRelay{
		client:     client,
		instanceID: id,
		logger:     logger.Named("collab-relay").With(zap.String("instance_id", id)),
	}
}

var _ Publisher = (*RedisRelay)(nil)

func channelFor(projectID uuid.UUID) string {
	return channelPrefix + projectID.String()
}

// Publish implements Publisher.
func (r *RedisRelay) Publish(ctx context.Context, projectID uuid.UUID, exclude string, payload []byte) error {
	data, err := json.Marshal(relayEnvelope{Origin: r.instanceID, Exclude: exclude, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal relay envelope: %w", err)
	}
	if err := r.client.Publish(ctx, channelFor(projectID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channelFor(projectID), err)
	}
	return nil
}

// Run subscribes to every room channel and hands messages from other
// instances to deliver. Blocks until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context, deliver func(projectID uuid.UUID, exclude string, payload []byte)) error {
	sub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to room channels: %w", err)
	}
	r.logger.Info("Room relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("room relay subscription closed")
			}
			r.handle(msg.Channel, []byte(msg.Payload), deliver)
		}
	}
}

// handle decodes one relayed message and drops the ones this instance published.
func (r *RedisRelay) handle(channel string, data []byte, deliver func(uuid.UUID, string, []byte)) {
	projectID, err := uuid.Parse(strings.TrimPrefix(channel, channelPrefix))
	if err != nil {
		r.logger.Warn("Ignoring relay message on unexpected channel", zap.String("channel", channel))
		return
	}

	var env relayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warn("Ignoring malformed relay message", zap.String("channel", channel), zap.Error(err))
		return
	}
	if env.Origin == r.instanceID {
		return
	}
	deliver(projectID, env.Exclude, env.Payload)
}

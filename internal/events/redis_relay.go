package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/supportdesk/case-service/internal/domain"
)

// relayMessage is the pub/sub envelope exchanged between instances.
type relayMessage struct {
	Origin   string               `json:"origin"`
	Snapshot *domain.CaseSnapshot `json:"snapshot"`
}

// RedisRelay mirrors hub publications across instances through a Redis channel.
type RedisRelay struct {
	client   *redis.Client
	channel  string
	hub      *Hub
	instance string
	logger   *zap.Logger
}

// NewRedisRelay wires a relay into hub as its forwarder.
func NewRedisRelay(client *redis.Client, channel string, hub *Hub, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &RedisRelay{
		client:   client,
		channel:  channel,
		hub:      hub,
		instance: uuid.NewString(),
		logger:   logger,
	}
	hub.SetForwarder(r.forward)
	return r
}

func (r *RedisRelay) forward(snapshot *domain.CaseSnapshot) {
	payload, err := json.Marshal(relayMessage{Origin: r.instance, Snapshot: snapshot})
	if err != nil {
		r.logger.Error("encode relay snapshot", zap.String("case_id", snapshot.Case.ID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("relay snapshot", zap.String("case_id", snapshot.Case.ID), zap.Error(err))
	}
}

// Run consumes snapshots published by other instances until ctx is done.
// The returned channel is closed once the subscription is established.
func (r *RedisRelay) Run(ctx context.Context) (<-chan struct{}, <-chan error) {
	ready := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		pubsub := r.client.Subscribe(ctx, r.channel)
		defer pubsub.Close()

		if _, err := pubsub.Receive(ctx); err != nil {
			close(ready)
			done <- err
			return
		}
		close(ready)

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				done <- nil
				return
			case msg, ok := <-messages:
				if !ok {
					done <- nil
					return
				}
				r.handle(msg.Payload)
			}
		}
	}()
	return ready, done
}

func (r *RedisRelay) handle(payload string) {
	var msg relayMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		r.logger.Warn("decode relay snapshot", zap.Error(err))
		return
	}
	if msg.Origin == r.instance || msg.Snapshot == nil {
		return
	}
	r.hub.Deliver(msg.Snapshot)
}

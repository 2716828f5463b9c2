package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultSinkBuffer = 256

// RemoteEvent is an event received from another instance. The payload stays
// encoded since its concrete type is not carried over the wire.
type RemoteEvent struct {
	InstanceID    string               `json:"instance_id"`
	ID            string               `json:"id"`
	Type          domain.EventType     `json:"type"`
	CallID        domain.CallID        `json:"call_id,omitempty"`
	RoomID        domain.RoomID        `json:"room_id,omitempty"`
	ParticipantID domain.ParticipantID `json:"participant_id,omitempty"`
	Timestamp     time.Time            `json:"timestamp"`
	Payload       json.RawMessage      `json:"payload,omitempty"`
}

type envelope struct {
	InstanceID string `json:"instance_id"`
	domain.Event
}

// RedisEventSink republishes local bus events on a Redis channel. Bus
// handlers run on the publishing goroutine, so Forward only queues and Run
// does the network writes.
type RedisEventSink struct {
	client     redis.UniversalClient
	channel    string
	instanceID string
	logger     *zap.SugaredLogger
	queue      chan domain.Event
}

func NewRedisEventSink(client redis.UniversalClient, channel, instanceID string, logger *zap.SugaredLogger) *RedisEventSink {
	return &RedisEventSink{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger.With("component", "redis_event_sink", "channel", channel),
		queue:      make(chan domain.Event, defaultSinkBuffer),
	}
}

func (s *RedisEventSink) InstanceID() string { return s.instanceID }

// Attach forwards every event of bus and returns the unsubscribe func.
func (s *RedisEventSink) Attach(bus ports.EventSubscriber) func() {
	return bus.Subscribe(s.Forward)
}

// Forward queues event for publishing. Events are dropped while the queue
// is full.
func (s *RedisEventSink) Forward(event domain.Event) {
	select {
	case s.queue <- event:
	default:
		s.logger.Warnw("event queue full, dropping event", "type", event.Type, "event_id", event.ID)
	}
}

// Run publishes queued events until ctx is done.
func (s *RedisEventSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.queue:
			if err := s.publish(ctx, event); err != nil {
				s.logger.Warnw("failed to publish event", "type", event.Type, "error", err)
			}
		}
	}
}

func (s *RedisEventSink) publish(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(envelope{InstanceID: s.instanceID, Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe delivers events published by other instances to handler until
// ctx is done. ready, when not nil, is closed once the subscription is
// confirmed.
func (s *RedisEventSink) Subscribe(ctx context.Context, handler func(RemoteEvent), ready chan<- struct{}) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event RemoteEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.logger.Warnw("failed to unmarshal event", "error", err)
				continue
			}
			if event.InstanceID == s.instanceID {
				continue
			}
			handler(event)
		}
	}
}

var _ ports.EventSink = (*RedisEventSink)(nil)

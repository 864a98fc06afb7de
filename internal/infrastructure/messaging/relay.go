package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coursehub/progress-engine/internal/domain/shared"
	"github.com/coursehub/progress-engine/internal/infrastructure/persistence/redis"
)

// Publisher sends an encoded message to a channel. *redis.Cache implements it.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisRelay forwards engine events to Redis pub/sub as JSON envelopes, one
// channel per event type (see redis.EventChannel).
type RedisRelay struct {
	pub     Publisher
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedisRelay creates a relay. A non-positive timeout defaults to 2s.
func NewRedisRelay(pub Publisher, timeout time.Duration, logger *slog.Logger) *RedisRelay {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		pub:     pub,
		timeout: timeout,
		logger:  logger.With("component", "redis_relay"),
	}
}

// Attach subscribes the relay to every event on bus.
func (r *RedisRelay) Attach(bus shared.EventSubscriber) error {
	return bus.SubscribeAll(r.Handle)
}

// Handle publishes one event. It is a shared.EventHandler.
func (r *RedisRelay) Handle(event shared.Event) error {
	envelope, err := shared.NewEventEnvelope(event)
	if err != nil {
		return fmt.Errorf("relay: build envelope for %s: %w", event.EventType(), err)
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("relay: marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	channel := redis.EventChannel(string(envelope.Type))
	if err := r.pub.Publish(ctx, channel, data); err != nil {
		return fmt.Errorf("relay: publish %s: %w", envelope.Type, err)
	}

	r.logger.Debug("event relayed",
		"event_type", envelope.Type,
		"aggregate_id", envelope.AggregateID,
		"channel", channel,
	)
	return nil
}

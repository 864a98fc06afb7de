package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursehub/progress-engine/internal/domain/shared"
)

var at = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func syncBus() *InMemoryEventBus {
	return NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: false, Logger: quiet()})
}

func TestInMemoryEventBus_RoutesByType(t *testing.T) {
	bus := syncBus()
	var graded, all []shared.EventType

	require.NoError(t, bus.Subscribe(shared.EventAttemptGraded, func(e shared.Event) error {
		graded = append(graded, e.EventType())
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		all = append(all, e.EventType())
		return nil
	}))

	require.NoError(t, bus.Publish(shared.NewAttemptGradedEvent("a-1", "q-1", "s-1", "passed", 3, 100, at)))
	require.NoError(t, bus.Publish(shared.NewLessonCompletedEvent("e-1", "l-1", at)))

	assert.Equal(t, []shared.EventType{shared.EventAttemptGraded}, graded)
	assert.Equal(t, []shared.EventType{shared.EventAttemptGraded, shared.EventLessonCompleted}, all)

	stats := bus.Stats()
	assert.EqualValues(t, 2, stats.TotalPublished)
	assert.EqualValues(t, 3, stats.HandlerRuns)
}

func TestInMemoryEventBus_HandlerFailuresAreContained(t *testing.T) {
	bus := syncBus()
	var reached bool

	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { return errors.New("boom") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { panic("bad handler") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		reached = true
		return nil
	}))

	require.NoError(t, bus.Publish(shared.NewLessonCompletedEvent("e-1", "l-1", at)))
	assert.True(t, reached)
	assert.EqualValues(t, 2, bus.Stats().HandlerFailures)
}

func TestInMemoryEventBus_AsyncCloseWaits(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2, Logger: quiet()})
	var done atomic.Int32
	started := make(chan struct{}, 4)

	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		started <- struct{}{}
		time.Sleep(5 * time.Millisecond)
		done.Add(1)
		return nil
	}))

	for i := 0; i < 4; i++ {
		require.NoError(t, bus.Publish(shared.NewLessonCompletedEvent("e-1", "l-1", at)))
	}
	<-started
	require.NoError(t, bus.Close())

	// Handlers that already hold a slot finish; the rest may be dropped.
	assert.GreaterOrEqual(t, done.Load(), int32(1))
	assert.ErrorIs(t, bus.Publish(shared.NewLessonCompletedEvent("e-1", "l-1", at)), ErrEventBusClosed)
	assert.ErrorIs(t, bus.Subscribe(shared.EventAttemptGraded, func(shared.Event) error { return nil }), ErrEventBusClosed)
}

type capturePublisher struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
	err      error
}

func (c *capturePublisher) Publish(_ context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.channels = append(c.channels, channel)
	c.payloads = append(c.payloads, payload)
	return nil
}

func TestRedisRelay_PublishesEnvelope(t *testing.T) {
	bus := syncBus()
	pub := &capturePublisher{}
	require.NoError(t, NewRedisRelay(pub, 0, quiet()).Attach(bus))

	event := shared.NewEnrollmentEvent(shared.EventEnrollmentCompleted, "e-9", "s-1", "c-1", "completed", 100, at)
	require.NoError(t, bus.Publish(event))

	require.Len(t, pub.channels, 1)
	assert.Equal(t, "events:enrollment.completed", pub.channels[0])

	var env shared.EventEnvelope
	require.NoError(t, json.Unmarshal(pub.payloads[0], &env))
	assert.Equal(t, shared.EventEnrollmentCompleted, env.Type)
	assert.Equal(t, "e-9", env.AggregateID)
	assert.True(t, env.Timestamp.Equal(at))
	assert.NotEmpty(t, env.ID)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "completed", payload["status"])
	assert.EqualValues(t, 100, payload["progress"])
}

func TestRedisRelay_ErrorsSurfaceAsHandlerFailures(t *testing.T) {
	bus := syncBus()
	pub := &capturePublisher{err: errors.New("redis down")}
	require.NoError(t, NewRedisRelay(pub, time.Second, quiet()).Attach(bus))

	require.NoError(t, bus.Publish(shared.NewLessonCompletedEvent("e-1", "l-1", at)))
	assert.EqualValues(t, 1, bus.Stats().HandlerFailures)
}

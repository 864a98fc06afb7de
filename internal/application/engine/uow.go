package engine

import (
	"context"

	"github.com/coursehub/progress-engine/internal/domain/shared"
	"github.com/coursehub/progress-engine/pkg/logger"
)

type pendingEventsKey struct{}

type pendingEvents struct {
	events []shared.Event
}

// unitOfWork runs engine operations in one transaction and publishes the
// events they raise only after that transaction commits.
type unitOfWork struct {
	tx     shared.Transactor
	events shared.EventPublisher
	log    *logger.Logger
}

func newUnitOfWork(tx shared.Transactor, events shared.EventPublisher, log *logger.Logger) *unitOfWork {
	return &unitOfWork{tx: tx, events: events, log: log}
}

// active reports whether ctx already belongs to a unit of work.
func (u *unitOfWork) active(ctx context.Context) bool {
	_, ok := ctx.Value(pendingEventsKey{}).(*pendingEvents)
	return ok
}

// run executes fn transactionally. Nested calls join the outer unit.
func (u *unitOfWork) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if u.active(ctx) {
		return u.tx.WithinTx(ctx, fn)
	}

	pending := &pendingEvents{}
	txCtx := context.WithValue(ctx, pendingEventsKey{}, pending)
	if err := u.tx.WithinTx(txCtx, fn); err != nil {
		return err
	}

	u.publish(ctx, pending.events)
	return nil
}

// record queues events for publication after commit.
func (u *unitOfWork) record(ctx context.Context, events ...shared.Event) {
	if pending, ok := ctx.Value(pendingEventsKey{}).(*pendingEvents); ok {
		pending.events = append(pending.events, events...)
		return
	}
	u.publish(ctx, events)
}

func (u *unitOfWork) publish(ctx context.Context, events []shared.Event) {
	for _, evt := range events {
		if err := u.events.Publish(evt); err != nil {
			logger.FromContext(ctx, u.log).Warn("failed to publish event",
				logger.String("event_type", string(evt.EventType())),
				logger.String("aggregate_id", evt.AggregateID()),
				logger.Err(err),
			)
		}
	}
}

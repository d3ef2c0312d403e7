package eventbus

import (
	"context"

	"github.com/google/uuid"

	"github.com/yungbote/planner/internal/domain"
)

// EventStore is the subset of the State Store the Publisher needs: durable
// append plus paged history for Subscribe's replay-from-seq and History.
type EventStore interface {
	AppendEvent(ctx context.Context, jobID uuid.UUID, taskID *uuid.UUID, kind domain.EventKind, correlationID string, payload map[string]any) (*domain.Event, error)
	History(ctx context.Context, jobID uuid.UUID, fromSeq int64, limit int) ([]domain.Event, error)
}

// Publisher implements the Event Bus contract end to end: Publish durably
// writes then fans out; a fan-out failure (Redis unreachable) is logged and
// swallowed rather than rolling back the durable write, per §4.3.
type Publisher struct {
	store EventStore
	bus   *Bus
}

func NewPublisher(store EventStore, bus *Bus) *Publisher {
	return &Publisher{store: store, bus: bus}
}

func (p *Publisher) Publish(ctx context.Context, jobID uuid.UUID, taskID *uuid.UUID, kind domain.EventKind, correlationID string, payload map[string]any) (*domain.Event, error) {
	ev, err := p.store.AppendEvent(ctx, jobID, taskID, kind, correlationID, payload)
	if err != nil {
		return nil, err
	}
	if err := p.bus.PublishRaw(ctx, jobID.String(), *ev); err != nil {
		p.bus.log.Warn("eventbus: fan-out publish failed, durable write kept", "job_id", jobID.String(), "error", err.Error())
	}
	return ev, nil
}

func (p *Publisher) History(ctx context.Context, jobID uuid.UUID, fromSeq int64, limit int) ([]domain.Event, error) {
	return p.store.History(ctx, jobID, fromSeq, limit)
}

// PublishRaw fans an already-durably-written event out to live subscribers
// without appending it again, for callers (like WriteJobTruthRecord's
// approval_granted event) that wrote the event as part of their own
// transaction and only need the live-delivery half of Publish.
func (p *Publisher) PublishRaw(ctx context.Context, jobID uuid.UUID, ev domain.Event) error {
	return p.bus.PublishRaw(ctx, jobID.String(), ev)
}

func (p *Publisher) Subscribe(jobID uuid.UUID, subscriberID string) *Subscriber {
	return p.bus.Subscribe(jobID.String(), subscriberID)
}

func (p *Publisher) Unsubscribe(sub *Subscriber) {
	p.bus.Unsubscribe(sub)
}

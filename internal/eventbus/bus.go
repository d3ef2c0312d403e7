// Package eventbus is the Event & Artifact fabric's live-streaming half: a
// durable-write-then-fan-out log, merging what the teacher split across a
// Redis pub/sub forwarder and a standalone SSE hub into one component keyed
// by job id (the teacher keyed its hub by user id; this domain keys by job).
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/planner/internal/domain"
	"github.com/yungbote/planner/internal/platform/logger"
)

// Message is what travels over Redis pub/sub and out to SSE subscribers.
type Message struct {
	JobID string       `json:"job_id"`
	Event domain.Event `json:"event"`
}

// Subscriber is a single live SSE-style consumer of one job's events.
type Subscriber struct {
	ID       string
	JobID    string
	Outbound chan Message
	done     chan struct{}
	closeOnce sync.Once
}

func (sub *Subscriber) Close() {
	sub.closeOnce.Do(func() {
		close(sub.done)
	})
}

// Bus fans already-persisted events out to live subscribers over Redis
// pub/sub so multiple API-process instances observe the same job's events
// (the teacher's multi-instance rationale from internal/realtime/bus,
// carried forward unchanged). Bus never writes events itself; Publisher
// performs the durable append via the store before handing them to Bus.
type Bus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string

	mu   sync.RWMutex
	subs map[string]map[*Subscriber]bool // jobID -> subscribers

	bufferSize int
}

func New(log *logger.Logger, redisAddr string, bufferSize int) (*Bus, error) {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("eventbus: redis ping: %w", err)
	}
	return &Bus{
		log:        log,
		rdb:        rdb,
		channel:    "planner:events",
		subs:       map[string]map[*Subscriber]bool{},
		bufferSize: bufferSize,
	}, nil
}

// PublishRaw fans an already-persisted event out over Redis pub/sub so all
// process instances' in-memory subscriber sets see it. The durable write
// must already have happened — PublishRaw never itself writes.
func (b *Bus) PublishRaw(ctx context.Context, jobID string, ev domain.Event) error {
	msg := Message{JobID: jobID, Event: ev}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// StartForwarder subscribes to the shared Redis channel and re-delivers
// each message to this process's local in-memory subscribers. Run once per
// process at startup.
func (b *Bus) StartForwarder(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("eventbus: subscribe: %w", err)
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					b.log.Warn("eventbus: bad forwarded payload", "error", err.Error())
					continue
				}
				b.deliverLocal(msg)
			}
		}
	}()
	return nil
}

func (b *Bus) deliverLocal(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[msg.JobID] {
		select {
		case sub.Outbound <- msg:
		default:
			b.log.Warn("eventbus: subscriber buffer full, dropping", "job_id", msg.JobID, "subscriber_id", sub.ID)
			// best-effort drop marker; never blocks the fan-out loop
			select {
			case sub.Outbound <- Message{JobID: msg.JobID, Event: domain.Event{Kind: "dropped"}}:
			default:
			}
		}
	}
}

// Subscribe registers a live subscriber for a job id and returns it; the
// caller is responsible for reading from Outbound and calling Unsubscribe.
func (b *Bus) Subscribe(jobID, subscriberID string) *Subscriber {
	sub := &Subscriber{
		ID:       subscriberID,
		JobID:    jobID,
		Outbound: make(chan Message, b.bufferSize),
		done:     make(chan struct{}),
	}
	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = map[*Subscriber]bool{}
	}
	b.subs[jobID][sub] = true
	b.mu.Unlock()
	return sub
}

func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs[sub.JobID], sub)
	if len(b.subs[sub.JobID]) == 0 {
		delete(b.subs, sub.JobID)
	}
	b.mu.Unlock()
	sub.Close()
}

func (b *Bus) Close() error {
	return b.rdb.Close()
}

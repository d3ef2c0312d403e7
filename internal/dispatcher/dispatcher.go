// Package dispatcher is the Redis-backed priority queue and claim/lease
// layer of §4.2: one sorted set per role, scored by (priority, enqueue
// time) for strict-priority/FIFO-tiebreak ordering, with Postgres (via
// store.Store) as the authoritative tie-breaker on claim — the same
// ZADD/ZRANGE/ZREM sorted-set pattern the pack's blackboard client uses for
// its grant queue, composed with the State Store's SKIP LOCKED claim.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/planner/internal/domain"
	"github.com/yungbote/planner/internal/platform/apierr"
	"github.com/yungbote/planner/internal/platform/logger"
)

const fallbackRole = domain.Role("__fallback__")

func roleQueueKey(role domain.Role) string {
	return fmt.Sprintf("planner:queue:%s", role)
}

// score encodes (priority, enqueued_at) into a single float64 so ZRANGE's
// ascending order gives strict priority with FIFO tiebreak: priority is
// scaled by 1e13, which dominates the enqueue-time term (Unix nanos / 1e8,
// about 1.7e10 today), so a lower priority value sorts first and enqueue
// time breaks ties within a priority.
func score(priority int, enqueuedAt time.Time) float64 {
	return float64(priority)*1e13 + float64(enqueuedAt.UnixNano())/1e8
}

type TaskStore interface {
	ClaimTask(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) (*domain.Task, error)
	RenewLease(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) error
	ReclaimExpiredLeases(ctx context.Context) ([]domain.Task, error)
}

type Dispatcher struct {
	log   *logger.Logger
	rdb   *goredis.Client
	store TaskStore

	softCapPerRole int
}

func New(log *logger.Logger, redisAddr string, store TaskStore, softCapPerRole int) (*Dispatcher, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("dispatcher: redis ping: %w", err)
	}
	if softCapPerRole <= 0 {
		softCapPerRole = 1000
	}
	return &Dispatcher{log: log, rdb: rdb, store: store, softCapPerRole: softCapPerRole}, nil
}

// Enqueue pushes an eligible task onto its role's priority queue (or the
// shared fallback queue if role is empty).
func (d *Dispatcher) Enqueue(ctx context.Context, taskID uuid.UUID, role domain.Role, priority int) error {
	key := roleQueueKey(role)
	if role == "" {
		key = roleQueueKey(fallbackRole)
	}
	return d.rdb.ZAdd(ctx, key, goredis.Z{
		Score:  score(priority, time.Now()),
		Member: taskID.String(),
	}).Err()
}

// QueueDepth reports the current backlog for a role, used to evaluate the
// backpressure soft cap.
func (d *Dispatcher) QueueDepth(ctx context.Context, role domain.Role) (int64, error) {
	return d.rdb.ZCard(ctx, roleQueueKey(role)).Result()
}

// Saturated reports whether a role's queue depth has crossed the soft cap;
// the Orchestrator consults this before generating further tasks for the
// role on new jobs.
func (d *Dispatcher) Saturated(ctx context.Context, role domain.Role) (bool, error) {
	n, err := d.QueueDepth(ctx, role)
	if err != nil {
		return false, err
	}
	return n >= int64(d.softCapPerRole), nil
}

// Claim pops the highest-priority task for a role (ZRANGE lowest score
// first, ZREM to remove it from the queue) and claims it in the State
// Store. If the State Store claim loses a race (another worker or the
// lease-reclaim sweep already moved it off queued), the popped id is
// dropped and Claim reports Empty — exactly the "Conflict: someone else
// claimed it, move on" policy of §7.
func (d *Dispatcher) Claim(ctx context.Context, role domain.Role, workerID string, lease time.Duration) (*domain.Task, error) {
	key := roleQueueKey(role)
	ids, err := d.rdb.ZRange(ctx, key, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: zrange: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	idStr := ids[0]
	if err := d.rdb.ZRem(ctx, key, idStr).Err(); err != nil {
		return nil, fmt.Errorf("dispatcher: zrem: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		d.log.Warn("dispatcher: malformed queue member discarded", "member", idStr)
		return nil, nil
	}
	task, err := d.store.ClaimTask(ctx, id, workerID, lease)
	if err != nil {
		if apierr.Is(err, apierr.CodeConflict) {
			return nil, nil
		}
		return nil, err
	}
	return task, nil
}

// Heartbeat renews a worker's lease on an in-flight task.
func (d *Dispatcher) Heartbeat(ctx context.Context, taskID uuid.UUID, workerID string, lease time.Duration) error {
	return d.store.RenewLease(ctx, taskID, workerID, lease)
}

// ReapExpiredLeases un-claims tasks whose lease passed without renewal in
// the State Store, then re-pushes each one onto its role's Redis queue —
// the queue it was ZREM'd from at claim time — so a worker crash mid-task
// is actually re-executed rather than leaving the task stranded queued in
// Postgres with nothing in Redis for a claimer to ever pop.
func (d *Dispatcher) ReapExpiredLeases(ctx context.Context) (int64, error) {
	tasks, err := d.store.ReclaimExpiredLeases(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		if err := d.Requeue(ctx, t.ID, t.Role, t.Priority); err != nil {
			d.log.Warn("dispatcher: requeue after lease reap failed", "task_id", t.ID.String(), "error", err.Error())
		}
	}
	return int64(len(tasks)), nil
}

// Requeue re-pushes a task already marked queued in the State Store back
// onto its role's Redis queue (used after a lease reap, or after a retry
// backoff window elapses).
func (d *Dispatcher) Requeue(ctx context.Context, taskID uuid.UUID, role domain.Role, priority int) error {
	return d.Enqueue(ctx, taskID, role, priority)
}

// Remove drops a task from its role queue if it is still sitting there
// unclaimed, for task cancellation of not-yet-claimed tasks.
func (d *Dispatcher) Remove(ctx context.Context, taskID uuid.UUID, role domain.Role) error {
	return d.rdb.ZRem(ctx, roleQueueKey(role), taskID.String()).Err()
}

func (d *Dispatcher) Close() error { return d.rdb.Close() }

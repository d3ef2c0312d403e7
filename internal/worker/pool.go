package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/planner/internal/domain"
	"github.com/yungbote/planner/internal/platform/apierr"
	"github.com/yungbote/planner/internal/platform/logger"
)

type Claimer interface {
	Claim(ctx context.Context, role domain.Role, workerID string, lease time.Duration) (*domain.Task, error)
	Heartbeat(ctx context.Context, taskID uuid.UUID, workerID string, lease time.Duration) error
	Requeue(ctx context.Context, taskID uuid.UUID, role domain.Role, priority int) error
}

type TaskReader interface {
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	DependencyOutputs(ctx context.Context, task *domain.Task) (map[string]map[string]any, error)
	CurrentTruthRecord(ctx context.Context, jobID uuid.UUID) (*domain.JobTruthRecord, error)
	MarkRunning(ctx context.Context, id uuid.UUID, workerID string) error
}

type ResultWriter interface {
	PutArtifact(ctx context.Context, jobID uuid.UUID, artifactType domain.ArtifactType, taskID uuid.UUID, content map[string]any) (*domain.Artifact, error)
	CompleteTask(ctx context.Context, id uuid.UUID, workerID string, output map[string]any) error
	FailTask(ctx context.Context, id uuid.UUID, workerID, errMsg string, maxAttempts int) (terminal bool, err error)
}

type EventEmitter interface {
	Publish(ctx context.Context, jobID uuid.UUID, taskID *uuid.UUID, kind domain.EventKind, correlationID string, payload map[string]any) (*domain.Event, error)
}

// OnTerminal is invoked after a task resolves (succeeded, or failed with
// retries exhausted), so the Orchestrator can recompute stage eligibility
// without the worker pool importing the orchestrator package.
type OnTerminal func(ctx context.Context, task *domain.Task, succeeded bool)

type Pool struct {
	log      *logger.Logger
	claimer  Claimer
	reader   TaskReader
	writer   ResultWriter
	events   EventEmitter
	registry *Registry

	lease           time.Duration
	heartbeatEvery  time.Duration
	defaultDeadline time.Duration
	maxAttempts     int
	retryBackoffBase time.Duration
	retryBackoffCap  time.Duration

	onTerminal OnTerminal
}

type Config struct {
	Lease            time.Duration
	HeartbeatEvery   time.Duration
	DefaultDeadline  time.Duration
	MaxAttempts      int
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration
}

func NewPool(log *logger.Logger, claimer Claimer, reader TaskReader, writer ResultWriter, events EventEmitter, registry *Registry, cfg Config, onTerminal OnTerminal) *Pool {
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = cfg.Lease / 3
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 600 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = time.Second
	}
	if cfg.RetryBackoffCap <= 0 {
		cfg.RetryBackoffCap = 60 * time.Second
	}
	return &Pool{
		log: log, claimer: claimer, reader: reader, writer: writer, events: events, registry: registry,
		lease: cfg.Lease, heartbeatEvery: cfg.HeartbeatEvery, defaultDeadline: cfg.DefaultDeadline,
		maxAttempts: cfg.MaxAttempts, retryBackoffBase: cfg.RetryBackoffBase, retryBackoffCap: cfg.RetryBackoffCap,
		onTerminal: onTerminal,
	}
}

// Start launches concurrency goroutines per registered role, each polling
// that role's queue on a fixed tick and running claimed tasks to
// completion. Matches the teacher's "N workers per job_type" fan-out,
// generalized to "N workers per role".
func (p *Pool) Start(ctx context.Context, workerIDPrefix string, concurrencyPerRole int) {
	if concurrencyPerRole <= 0 {
		concurrencyPerRole = 1
	}
	for _, role := range p.registry.Roles() {
		for i := 0; i < concurrencyPerRole; i++ {
			workerID := fmt.Sprintf("%s-%s-%d", workerIDPrefix, role, i)
			go p.runLoop(ctx, role, workerID)
		}
	}
}

func (p *Pool) runLoop(ctx context.Context, role domain.Role, workerID string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task, err := p.claimer.Claim(ctx, role, workerID, p.lease)
			if err != nil {
				p.log.Warn("worker: claim failed", "role", string(role), "worker_id", workerID, "error", err.Error())
				continue
			}
			if task == nil {
				continue
			}
			p.run(ctx, task, workerID)
		}
	}
}

func (p *Pool) run(ctx context.Context, task *domain.Task, workerID string) {
	handler, ok := p.registry.Get(task.Role)
	if !ok {
		p.fail(ctx, task, workerID, fmt.Sprintf("no handler registered for role %q", task.Role))
		return
	}

	deadline := p.defaultDeadline
	taskCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if err := p.reader.MarkRunning(taskCtx, task.ID, workerID); err != nil {
		return
	}
	_, _ = p.events.Publish(taskCtx, task.JobID, &task.ID, domain.EventTaskStarted, "", map[string]any{"role": string(task.Role)})

	hbStop := make(chan struct{})
	go p.heartbeatLoop(ctx, task.ID, workerID, hbStop)
	defer close(hbStop)

	var input map[string]any
	_ = jsonUnmarshalInto(task.Input, &input)
	deps, err := p.reader.DependencyOutputs(taskCtx, task)
	if err != nil {
		p.fail(taskCtx, task, workerID, err.Error())
		return
	}
	truth, _ := p.reader.CurrentTruthRecord(taskCtx, task.JobID)

	result, runErr := p.invoke(taskCtx, handler, HandlerInput{TaskInput: input, DependencyOutputs: deps, JobTruth: truth})

	if taskCtx.Err() != nil {
		p.fail(taskCtx, task, workerID, apierr.DeadlineExceeded(fmt.Errorf("task %s exceeded deadline", task.ID)).Error())
		return
	}
	if runErr != nil {
		p.fail(taskCtx, task, workerID, runErr.Error())
		return
	}

	if err := p.complete(taskCtx, ctx, task, workerID, result); err != nil {
		p.fail(taskCtx, task, workerID, err.Error())
	}
}

// complete stores the handler's output as a content-addressed artifact,
// marks the task succeeded, emits the artifact/success events, and drives
// the Orchestrator's stage-advance via onTerminal. It is the single success
// path shared by the in-process pool (run) and the out-of-process worker
// registration interface's complete(...) endpoint, so a task finished by an
// external worker advances the job exactly the same way as one finished by
// this pool.
func (p *Pool) complete(taskCtx, bgCtx context.Context, task *domain.Task, workerID string, result map[string]any) error {
	artifactType := domain.ArtifactType(task.Role)
	artifact, err := p.writer.PutArtifact(taskCtx, task.JobID, artifactType, task.ID, result)
	if err != nil {
		return err
	}
	output := map[string]any{"artifact_hash": artifact.Hash, "artifact_type": string(artifactType)}
	if err := p.writer.CompleteTask(taskCtx, task.ID, workerID, output); err != nil {
		p.log.Warn("worker: complete lost race", "task_id", task.ID.String(), "error", err.Error())
		return nil
	}
	_, _ = p.events.Publish(taskCtx, task.JobID, &task.ID, domain.EventArtifactStored, "", map[string]any{"hash": artifact.Hash, "artifact_type": string(artifactType)})
	_, _ = p.events.Publish(taskCtx, task.JobID, &task.ID, domain.EventTaskSucceeded, "", output)

	task.Status = domain.TaskSucceeded
	if p.onTerminal != nil {
		p.onTerminal(bgCtx, task, true)
	}
	return nil
}

// CompleteExternal is the worker registration interface's complete(...)
// success path for a worker running outside this pool's own claim loop: it
// loads the task and runs it through the same store-artifact/emit-events/
// advance-stage sequence run() uses.
func (p *Pool) CompleteExternal(ctx context.Context, taskID uuid.UUID, workerID string, result map[string]any) error {
	task, err := p.reader.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return p.complete(ctx, ctx, task, workerID, result)
}

// FailExternal is the worker registration interface's complete(...) failure
// path: it loads the task and runs it through fail(), so an out-of-process
// worker's failure retries with backoff or propagates to the Orchestrator
// exactly like an in-process handler failure does.
func (p *Pool) FailExternal(ctx context.Context, taskID uuid.UUID, workerID, errMsg string) error {
	task, err := p.reader.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	p.fail(ctx, task, workerID, errMsg)
	return nil
}

// invoke recovers from a handler panic and converts it to an ordinary
// handler error, which run passes to fail like any other failure (retried
// until attempts are exhausted), matching the teacher's defer-recover
// safety net in its worker run loop.
func (p *Pool) invoke(ctx context.Context, h Handler, in HandlerInput) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: handler panic: %v", r)
		}
	}()
	return h.Run(ctx, in, ctxCancelToken{ctx: ctx})
}

func (p *Pool) fail(ctx context.Context, task *domain.Task, workerID, msg string) {
	terminal, err := p.writer.FailTask(ctx, task.ID, workerID, msg, p.maxAttempts)
	if err != nil {
		p.log.Warn("worker: fail-task write failed", "task_id", task.ID.String(), "error", err.Error())
		return
	}
	_, _ = p.events.Publish(ctx, task.JobID, &task.ID, domain.EventTaskFailed, "", map[string]any{"error": msg, "terminal": terminal})
	if terminal {
		task.Status = domain.TaskFailed
		task.Error = msg
		if p.onTerminal != nil {
			p.onTerminal(ctx, task, false)
		}
		return
	}
	// FailTask already returned the task to queued in the State Store; it is
	// not back on the Redis queue a claimer actually pops from, so re-push it
	// there ourselves after an exponential backoff keyed on attempt count.
	delay := retryBackoff(task.Attempt, p.retryBackoffBase, p.retryBackoffCap)
	go p.requeueAfter(task.ID, task.Role, task.Priority, delay)
}

// retryBackoff doubles the base delay per attempt, capped, per §4.2's
// retry_backoff_base_ms/retry_backoff_cap_ms configuration.
func retryBackoff(attempt int, base, capDur time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		attempt = 32 // guard the bit shift below against overflow
	}
	d := base * time.Duration(uint64(1)<<uint(attempt-1))
	if d <= 0 || d > capDur {
		d = capDur
	}
	return d
}

func (p *Pool) requeueAfter(taskID uuid.UUID, role domain.Role, priority int, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	<-timer.C
	if err := p.claimer.Requeue(context.Background(), taskID, role, priority); err != nil {
		p.log.Warn("worker: requeue after retry failed", "task_id", taskID.String(), "error", err.Error())
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context, taskID uuid.UUID, workerID string, stop <-chan struct{}) {
	ticker := time.NewTicker(p.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := p.claimer.Heartbeat(ctx, taskID, workerID, p.lease); err != nil {
				p.log.Warn("worker: heartbeat failed", "task_id", taskID.String(), "error", err.Error())
				return
			}
		}
	}
}

// Package orchestrator is the workflow state machine of §4.1: it owns
// Job.stage/status, generates deterministic task waves from the fixed
// stage DAG in internal/domain, and gatekeeps the waiting_for_approval
// HITL stage. It is a generalization of the teacher's DAGEngine from a
// single child-job-per-stage pipeline to a task-wave-per-stage pipeline,
// keeping its re-entrant "recompute from durable state" shape.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/planner/internal/domain"
	"github.com/yungbote/planner/internal/platform/apierr"
	"github.com/yungbote/planner/internal/platform/logger"
	"github.com/yungbote/planner/internal/store"
)

// waveNamespace is a fixed UUID used to derive stable task ids from
// (job_id, stage, role, wave_index), per §9's idempotency-key design note.
var waveNamespace = uuid.MustParse("6f6a6e7a-6f62-6f74-6500-706c616e6e72")

type Publisher interface {
	Publish(ctx context.Context, jobID uuid.UUID, taskID *uuid.UUID, kind domain.EventKind, correlationID string, payload map[string]any) (*domain.Event, error)
	PublishRaw(ctx context.Context, jobID uuid.UUID, ev domain.Event) error
}

type Dispatcher interface {
	Enqueue(ctx context.Context, taskID uuid.UUID, role domain.Role, priority int) error
	Saturated(ctx context.Context, role domain.Role) (bool, error)
	Remove(ctx context.Context, taskID uuid.UUID, role domain.Role) error
}

type Orchestrator struct {
	log    *logger.Logger
	store  *store.Store
	disp   Dispatcher
	events Publisher

	minRequirementsLen int
	lockTimeout        time.Duration

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

func New(log *logger.Logger, st *store.Store, disp Dispatcher, events Publisher, minRequirementsLen int, lockTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		log: log, store: st, disp: disp, events: events,
		minRequirementsLen: minRequirementsLen, lockTimeout: lockTimeout,
		locks: map[uuid.UUID]*sync.Mutex{},
	}
}

// withJobLock serializes stage-transition logic per job (§4.1 edge cases:
// concurrent sibling completions must be processed serially per job), while
// imposing no ordering across different jobs.
func (o *Orchestrator) withJobLock(jobID uuid.UUID, fn func() error) error {
	o.locksMu.Lock()
	l, ok := o.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[jobID] = l
	}
	o.locksMu.Unlock()
	l.Lock()
	defer l.Unlock()
	return fn()
}

// CreateJob accepts (project_id, requirements, metadata), creating a Job in
// stage initialization, then immediately advancing it into prd_generation
// and generating the initial prd task wave.
func (o *Orchestrator) CreateJob(ctx context.Context, projectID, requirements string, metadata map[string]any) (*domain.Job, error) {
	if len(requirements) < o.minRequirementsLen {
		return nil, apierr.InvalidInput(fmt.Errorf("requirements shorter than minimum length %d", o.minRequirementsLen))
	}
	// §4.2 backpressure: pause admitting new jobs into an already-saturated
	// entry role rather than piling more work behind an overloaded queue.
	// Jobs already in flight still advance through a saturated role's stage
	// (see generateWave) — only new-job intake is paused here.
	if saturated, err := o.disp.Saturated(ctx, domain.StageRole(domain.StagePRDGeneration)); err != nil {
		o.log.Warn("orchestrator: intake saturation check failed, proceeding", "error", err.Error())
	} else if saturated {
		return nil, apierr.TransientBackend(fmt.Errorf("role %s is saturated, retry job creation later", domain.StageRole(domain.StagePRDGeneration)))
	}
	job, err := o.store.CreateJob(ctx, projectID, requirements, metadata)
	if err != nil {
		return nil, err
	}
	if _, err := o.events.Publish(ctx, job.ID, nil, domain.EventJobCreated, "", map[string]any{"project_id": projectID, "restart": false}); err != nil {
		o.log.Warn("orchestrator: publish job_created failed", "job_id", job.ID.String(), "error", err.Error())
	}
	if err := o.enterStage(ctx, job.ID, domain.JobStatusQueued, domain.StagePRDGeneration, nil); err != nil {
		return nil, err
	}
	return job, nil
}

// enterStage advances the job to a target stage (conditional on fromStatus)
// and generates that stage's task wave. A nil feedback payload means a
// normal advance; non-nil carries request_changes feedback into the new
// prd task's input.
func (o *Orchestrator) enterStage(ctx context.Context, jobID uuid.UUID, fromStatus domain.JobStatus, stage domain.Stage, feedback map[string]any) error {
	if stage == domain.StageWaitingApproval {
		if err := o.store.TransitionJobStage(ctx, jobID, fromStatus, domain.JobStatusWaitingApproval, stage); err != nil {
			return err
		}
		_, _ = o.events.Publish(ctx, jobID, nil, domain.EventStageEntered, "", map[string]any{"stage": string(stage)})
		_, _ = o.events.Publish(ctx, jobID, nil, domain.EventApprovalRequested, "", nil)
		return nil
	}
	if stage == domain.StageCompleted {
		if err := o.store.TransitionJobStage(ctx, jobID, fromStatus, domain.JobStatusCompleted, stage); err != nil {
			return err
		}
		_, _ = o.events.Publish(ctx, jobID, nil, domain.EventStageEntered, "", map[string]any{"stage": string(stage)})
		_, _ = o.events.Publish(ctx, jobID, nil, domain.EventJobCompleted, "", nil)
		return nil
	}

	toStatus := domain.JobStatusInProgress
	if err := o.store.TransitionJobStage(ctx, jobID, fromStatus, toStatus, stage); err != nil {
		return err
	}
	_, _ = o.events.Publish(ctx, jobID, nil, domain.EventStageEntered, "", map[string]any{"stage": string(stage)})
	return o.generateWave(ctx, jobID, stage, feedback)
}

// generateWave creates and enqueues the task(s) for a stage. Each task's id
// is derived deterministically from (job_id, stage, role, wave_index), so
// regenerating the same wave after a restart is a no-op (CreateTasks is
// idempotent on primary key).
func (o *Orchestrator) generateWave(ctx context.Context, jobID uuid.UUID, stage domain.Stage, feedback map[string]any) error {
	role := domain.StageRole(stage)
	if role == "" {
		return nil // waiting_for_approval / completed generate no task
	}
	saturated, err := o.disp.Saturated(ctx, role)
	if err != nil {
		o.log.Warn("orchestrator: saturation check failed, proceeding", "role", string(role), "error", err.Error())
	} else if saturated {
		_, _ = o.events.Publish(ctx, jobID, nil, domain.EventQueueSaturated, "", map[string]any{"role": string(role)})
		// Existing job waves still complete; only new-job generation pauses.
		// This job is already in flight, so it proceeds regardless.
	}

	deps, err := o.dependencyTaskIDs(ctx, jobID, stage)
	if err != nil {
		return err
	}

	waveIndex := 0
	taskID := deriveTaskID(jobID, stage, role, waveIndex)
	input := map[string]any{}
	if feedback != nil {
		input["feedback"] = feedback
	}
	created, err := o.store.CreateTasks(ctx, []store.NewTask{{
		ID: taskID, JobID: jobID, Stage: stage, Role: role, TaskType: string(role),
		Priority: 0, Dependencies: deps, Input: input, WaveIndex: waveIndex,
	}})
	if err != nil {
		return err
	}
	for _, t := range created {
		if ok, err := o.store.MarkEligible(ctx, t.ID); err == nil && ok {
			if err := o.disp.Enqueue(ctx, t.ID, t.Role, t.Priority); err != nil {
				o.log.Warn("orchestrator: enqueue failed", "task_id", t.ID.String(), "error", err.Error())
				continue
			}
			_, _ = o.events.Publish(ctx, jobID, &t.ID, domain.EventTaskQueued, "", map[string]any{"role": string(t.Role), "stage": string(stage)})
		}
	}
	return nil
}

// deriveTaskID computes a stable v5 UUID from the idempotency key named in
// §9: (job_id, stage, role, wave_index).
func deriveTaskID(jobID uuid.UUID, stage domain.Stage, role domain.Role, waveIndex int) uuid.UUID {
	key := fmt.Sprintf("%s|%s|%s|%d", jobID.String(), stage, role, waveIndex)
	return uuid.NewSHA1(waveNamespace, []byte(key))
}

// dependencyTaskIDs resolves a stage's direct dependency stages into the
// task ids a new task must wait on, by recomputing the same deterministic
// derivation used to create them.
func (o *Orchestrator) dependencyTaskIDs(ctx context.Context, jobID uuid.UUID, stage domain.Stage) ([]uuid.UUID, error) {
	var deps []uuid.UUID
	for _, depStage := range domain.StageDeps(stage) {
		role := domain.StageRole(depStage)
		if role == "" {
			continue // waiting_for_approval has no task to depend on
		}
		deps = append(deps, deriveTaskID(jobID, depStage, role, 0))
	}
	return deps, nil
}

// HandleTaskSucceeded is the stage-advance trigger: look up the task's
// stage, and if every task of that (job, stage) is now succeeded, advance.
// Idempotent under duplicate delivery because it keys on the aggregate
// "all siblings succeeded" predicate, not on this specific event.
func (o *Orchestrator) HandleTaskSucceeded(ctx context.Context, taskID uuid.UUID) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		if apierr.Is(err, apierr.CodeNotFound) {
			o.log.Warn("orchestrator: task_succeeded for unknown task, ignored", "task_id", taskID.String())
			return nil
		}
		return err
	}
	return o.withJobLock(task.JobID, func() error {
		return o.advanceIfStageComplete(ctx, task.JobID, task.Stage)
	})
}

func (o *Orchestrator) advanceIfStageComplete(ctx context.Context, jobID uuid.UUID, stage domain.Stage) error {
	allDone, err := o.store.AllSucceeded(ctx, jobID, stage)
	if err != nil {
		return err
	}
	if !allDone {
		return nil
	}
	next := domain.NextStages(stage)
	if len(next) == 0 {
		return o.completeJob(ctx, jobID)
	}
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	for _, nextStage := range next {
		// A stage is only ready once ALL of its declared dependency stages
		// (not just the one that just completed) have fully succeeded —
		// relevant for architecture, which depends on both plan_generation
		// and feature_tree.
		ready := true
		for _, dep := range domain.StageDeps(nextStage) {
			if dep == domain.StageWaitingApproval {
				continue
			}
			ok, err := o.store.AllSucceeded(ctx, jobID, dep)
			if err != nil {
				return err
			}
			if !ok {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if err := o.enterStage(ctx, jobID, job.Status, nextStage, nil); err != nil {
			if apierr.Is(err, apierr.CodeConflict) {
				// another goroutine already advanced this job past
				// job.Status; re-read once and retry, per the Conflict
				// retry policy in §7.
				job, err = o.store.GetJob(ctx, jobID)
				if err != nil {
					return err
				}
				if err := o.enterStage(ctx, jobID, job.Status, nextStage, nil); err != nil {
					return err
				}
				continue
			}
			return err
		}
	}
	return nil
}

func (o *Orchestrator) completeJob(ctx context.Context, jobID uuid.UUID) error {
	if err := o.store.ForceJobStatus(ctx, jobID, domain.JobStatusCompleted, nil); err != nil {
		return err
	}
	_, _ = o.events.Publish(ctx, jobID, nil, domain.EventStageEntered, "", map[string]any{"stage": string(domain.StageCompleted)})
	_, _ = o.events.Publish(ctx, jobID, nil, domain.EventJobCompleted, "", nil)
	return nil
}

// HandleTaskFailed processes a task_failed event after the Dispatcher has
// exhausted retries (terminal=true). Cancels still-pending siblings of the
// job and fails the job, recording failed_stage in metadata.
func (o *Orchestrator) HandleTaskFailed(ctx context.Context, taskID uuid.UUID, terminal bool) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		if apierr.Is(err, apierr.CodeNotFound) {
			return nil
		}
		return err
	}
	if !terminal {
		return nil // Dispatcher will retry; Orchestrator takes no action.
	}
	return o.withJobLock(task.JobID, func() error {
		if _, err := o.store.BulkCancel(ctx, task.JobID); err != nil {
			return err
		}
		if err := o.store.ForceJobStatus(ctx, task.JobID, domain.JobStatusFailed, map[string]any{
			"failed_stage": string(task.Stage),
			"reason":       task.Error,
		}); err != nil {
			return err
		}
		_, _ = o.events.Publish(ctx, task.JobID, &task.ID, domain.EventJobFailed, "", map[string]any{"failed_stage": string(task.Stage)})
		return nil
	})
}

// Approve is the HITL gate's approve(job_id, notes) operation of §4.1.
func (o *Orchestrator) Approve(ctx context.Context, jobID uuid.UUID, notes string) (domain.JobStatus, error) {
	var result domain.JobStatus
	err := o.withJobLock(jobID, func() error {
		job, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != domain.JobStatusWaitingApproval {
			return apierr.WrongStage(fmt.Errorf("job %s is in stage %s, not waiting_for_approval", jobID, job.Stage))
		}
		prd, err := o.store.LatestArtifact(ctx, jobID, domain.ArtifactPRD)
		if err != nil {
			return err
		}
		// WriteJobTruthRecord persists the approval_granted event as part of
		// the same transaction that writes the truth record and advances the
		// job's status/stage, so the durable log is never inconsistent with
		// the stage transition. It does not itself fan the event out over
		// the Event Bus, so live SSE subscribers would otherwise only see it
		// on their next from-seq replay; PublishRaw below delivers it live
		// without appending it a second time.
		_, ev, err := o.store.WriteJobTruthRecord(ctx, jobID, job.Requirements, prd, domain.JobStatusWaitingApproval, domain.StagePlanGeneration)
		if err != nil {
			return err
		}
		if ev != nil {
			if err := o.events.PublishRaw(ctx, jobID, *ev); err != nil {
				o.log.Warn("orchestrator: live fan-out of approval_granted failed", "job_id", jobID.String(), "error", err.Error())
			}
		}
		_, _ = o.events.Publish(ctx, jobID, nil, domain.EventStageEntered, "", map[string]any{"stage": string(domain.StagePlanGeneration)})
		if err := o.generateWave(ctx, jobID, domain.StagePlanGeneration, nil); err != nil {
			return err
		}
		_, _ = o.events.Publish(ctx, jobID, nil, domain.EventStageEntered, "", map[string]any{"stage": string(domain.StageFeatureTree)})
		if err := o.generateWave(ctx, jobID, domain.StageFeatureTree, nil); err != nil {
			return err
		}
		result = domain.JobStatusRunning
		return nil
	})
	return result, err
}

// ApproveWithHash validates the client's approved prd_hash against the
// currently stored PRD artifact before calling Approve, rejecting a stale
// approval per §4.1/§8.
func (o *Orchestrator) ApproveWithHash(ctx context.Context, jobID uuid.UUID, prdHash, notes string) (domain.JobStatus, error) {
	prd, err := o.store.LatestArtifact(ctx, jobID, domain.ArtifactPRD)
	if err != nil {
		return "", err
	}
	if prd.Hash != prdHash {
		return "", apierr.StaleApproval(fmt.Errorf("approved prd_hash %s does not match current prd %s", prdHash, prd.Hash))
	}
	return o.Approve(ctx, jobID, notes)
}

// RequestChanges re-enqueues a new prd task carrying feedback and returns
// the job to prd_generation.
func (o *Orchestrator) RequestChanges(ctx context.Context, jobID uuid.UUID, feedback string) error {
	return o.withJobLock(jobID, func() error {
		job, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != domain.JobStatusWaitingApproval {
			return apierr.WrongStage(fmt.Errorf("job %s is in stage %s, not waiting_for_approval", jobID, job.Stage))
		}
		if err := o.store.TransitionJobStage(ctx, jobID, domain.JobStatusWaitingApproval, domain.JobStatusChangesRequested, domain.StagePRDGeneration); err != nil {
			return err
		}
		_, _ = o.events.Publish(ctx, jobID, nil, domain.EventChangesRequested, "", map[string]any{"feedback": feedback})
		return o.regeneratePRDWave(ctx, jobID, feedback)
	})
}

// regeneratePRDWave creates a new prd task with a fresh wave index so its
// derived id differs from the original, per §4.1 ("new task id, same job").
func (o *Orchestrator) regeneratePRDWave(ctx context.Context, jobID uuid.UUID, feedback string) error {
	existing, err := o.store.ListTasksByJobAndStage(ctx, jobID, domain.StagePRDGeneration)
	if err != nil {
		return err
	}
	waveIndex := len(existing)
	taskID := deriveTaskID(jobID, domain.StagePRDGeneration, domain.RolePRD, waveIndex)
	created, err := o.store.CreateTasks(ctx, []store.NewTask{{
		ID: taskID, JobID: jobID, Stage: domain.StagePRDGeneration, Role: domain.RolePRD,
		TaskType: string(domain.RolePRD), Priority: 0, Input: map[string]any{"feedback": feedback}, WaveIndex: waveIndex,
	}})
	if err != nil {
		return err
	}
	for _, t := range created {
		if ok, err := o.store.MarkEligible(ctx, t.ID); err == nil && ok {
			if err := o.disp.Enqueue(ctx, t.ID, t.Role, t.Priority); err != nil {
				continue
			}
			_, _ = o.events.Publish(ctx, jobID, &t.ID, domain.EventTaskQueued, "", map[string]any{"role": string(t.Role)})
		}
	}
	if err := o.store.TransitionJobStage(ctx, jobID, domain.JobStatusChangesRequested, domain.JobStatusInProgress, domain.StagePRDGeneration); err != nil {
		return err
	}
	return nil
}

// Restart re-enters intake for a failed job: wipe non-requirement state,
// reset to initialization, and re-run CreateJob's intake logic in place.
func (o *Orchestrator) Restart(ctx context.Context, jobID uuid.UUID) error {
	return o.withJobLock(jobID, func() error {
		if err := o.store.RestartJob(ctx, jobID); err != nil {
			return err
		}
		job, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		_, _ = o.events.Publish(ctx, jobID, nil, domain.EventJobCreated, "", map[string]any{"restart": true})
		return o.enterStage(ctx, jobID, job.Status, domain.StagePRDGeneration, nil)
	})
}

// Delete cancels in-flight tasks and removes all job records transactionally.
func (o *Orchestrator) Delete(ctx context.Context, jobID uuid.UUID) error {
	return o.withJobLock(jobID, func() error {
		if _, err := o.store.BulkCancel(ctx, jobID); err != nil {
			return err
		}
		return o.store.DeleteJobCascade(ctx, jobID)
	})
}

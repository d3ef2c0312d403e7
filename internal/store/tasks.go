package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/planner/internal/domain"
	"github.com/yungbote/planner/internal/platform/apierr"
	"github.com/yungbote/planner/internal/platform/pointers"
)

type NewTask struct {
	ID           uuid.UUID
	JobID        uuid.UUID
	Stage        domain.Stage
	Role         domain.Role
	TaskType     string
	Priority     int
	Dependencies []uuid.UUID
	Input        map[string]any
	WaveIndex    int
}

// CreateTasks inserts a wave of tasks in status pending within one
// transaction. Idempotent on primary key: a task id already present (same
// (job, stage, role, wave_index) derivation, per §9) is silently skipped so
// regeneration after restart does not duplicate a wave.
func (s *Store) CreateTasks(ctx context.Context, tasks []NewTask) ([]domain.Task, error) {
	out := make([]domain.Task, 0, len(tasks))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, nt := range tasks {
			var existing domain.Task
			err := tx.First(&existing, "id = ?", nt.ID).Error
			if err == nil {
				out = append(out, existing)
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			deps, jerr := json.Marshal(nt.Dependencies)
			if jerr != nil {
				return jerr
			}
			input, jerr := json.Marshal(nt.Input)
			if jerr != nil {
				return jerr
			}
			t := domain.Task{
				ID:           nt.ID,
				JobID:        nt.JobID,
				Stage:        nt.Stage,
				Role:         nt.Role,
				TaskType:     nt.TaskType,
				Status:       domain.TaskPending,
				Priority:     nt.Priority,
				Dependencies: datatypes.JSON(deps),
				Input:        datatypes.JSON(input),
				WaveIndex:    nt.WaveIndex,
			}
			if err := tx.Create(&t).Error; err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, apierr.FatalBackend(err)
	}
	return out, nil
}

// MarkEligible transitions a task pending->queued once its dependencies
// have all succeeded. Conditional on current status=pending so a duplicate
// eligibility recomputation is a harmless no-op.
func (s *Store) MarkEligible(ctx context.Context, id uuid.UUID) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status = ?", id, domain.TaskPending).
		Update("status", domain.TaskQueued)
	if res.Error != nil {
		return false, apierr.FatalBackend(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ClaimTask atomically claims the task with the given id, conditional on
// status=queued, using SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// claimers never block each other or double-claim; a task that is not
// queued yields Conflict. The dispatcher calls it for every id it pops from
// a Redis role queue, so the State Store is the authoritative tie-breaker
// on claim.
func (s *Store) ClaimTask(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) (*domain.Task, error) {
	var claimed *domain.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t domain.Task
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("id = ? AND status = ?", id, domain.TaskQueued).
			First(&t).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apierr.Conflict(fmt.Errorf("task %s already claimed", id))
		}
		if err != nil {
			return err
		}
		expiry := time.Now().Add(lease)
		res := tx.Model(&t).Updates(map[string]any{
			"status":       domain.TaskClaimed,
			"worker_id":    workerID,
			"lease_expiry": expiry,
			"attempt":      t.Attempt + 1,
		})
		if res.Error != nil {
			return res.Error
		}
		t.Status = domain.TaskClaimed
		t.WorkerID = workerID
		t.LeaseExpiry = pointers.Ptr(expiry)
		t.Attempt++
		claimed = &t
		return nil
	})
	if err != nil {
		var ae *apierr.Error
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, apierr.FatalBackend(err)
	}
	return claimed, nil
}

// RenewLease extends a claimed task's lease, conditional on the caller
// still holding the claim (status=claimed AND worker_id=?).
func (s *Store) RenewLease(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) error {
	res := s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status = ? AND worker_id = ?", id, domain.TaskClaimed, workerID).
		Update("lease_expiry", time.Now().Add(lease))
	if res.Error != nil {
		return apierr.FatalBackend(res.Error)
	}
	if res.RowsAffected == 0 {
		return apierr.Conflict(fmt.Errorf("task %s lease not held by %s", id, workerID))
	}
	return nil
}

// MarkRunning transitions claimed->running, conditional on worker ownership.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID, workerID string) error {
	res := s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status = ? AND worker_id = ?", id, domain.TaskClaimed, workerID).
		Update("status", domain.TaskRunning)
	if res.Error != nil {
		return apierr.FatalBackend(res.Error)
	}
	if res.RowsAffected == 0 {
		return apierr.Conflict(fmt.Errorf("task %s not claimed by %s", id, workerID))
	}
	return nil
}

// CompleteTask persists a handler's success output, conditional on
// status=claimed|running AND worker=?, per §4.4 `complete(...)`.
func (s *Store) CompleteTask(ctx context.Context, id uuid.UUID, workerID string, output map[string]any) error {
	b, err := json.Marshal(output)
	if err != nil {
		return apierr.InvalidInput(err)
	}
	res := s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status IN ? AND worker_id = ?", id,
			[]domain.TaskStatus{domain.TaskClaimed, domain.TaskRunning}, workerID).
		Updates(map[string]any{
			"status": domain.TaskSucceeded,
			"output": datatypes.JSON(b),
		})
	if res.Error != nil {
		return apierr.FatalBackend(res.Error)
	}
	if res.RowsAffected == 0 {
		return apierr.Conflict(fmt.Errorf("task %s not held by %s", id, workerID))
	}
	return nil
}

// FailTask records a terminal or retryable failure. If attempt < maxAttempts
// the task returns to queued (dispatcher will re-push it); otherwise it is
// left failed for the Orchestrator's failure propagation.
func (s *Store) FailTask(ctx context.Context, id uuid.UUID, workerID, errMsg string, maxAttempts int) (terminal bool, err error) {
	var t domain.Task
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if e := tx.First(&t, "id = ?", id).Error; e != nil {
			return e
		}
		newStatus := domain.TaskQueued
		if t.Attempt >= maxAttempts {
			newStatus = domain.TaskFailed
			terminal = true
		}
		return tx.Model(&t).Updates(map[string]any{
			"status":       newStatus,
			"error":        errMsg,
			"worker_id":    "",
			"lease_expiry": nil,
		}).Error
	})
	if txErr != nil {
		return false, apierr.FatalBackend(txErr)
	}
	return terminal, nil
}

// ReclaimExpiredLeases un-claims tasks whose lease has passed without
// renewal (claimed->queued, attempt already incremented at claim time),
// giving at-least-once execution under worker crashes. It returns the
// reclaimed rows (not just a count) so the caller can re-push each one onto
// its role's Redis queue — the Redis ZSET a task was ZREM'd from at claim
// time is never repopulated by this write alone.
func (s *Store) ReclaimExpiredLeases(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND lease_expiry < ?", domain.TaskClaimed, time.Now()).
			Find(&tasks).Error; err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, len(tasks))
		for i, t := range tasks {
			ids[i] = t.ID
		}
		return tx.Model(&domain.Task{}).Where("id IN ?", ids).Updates(map[string]any{
			"status":       domain.TaskQueued,
			"worker_id":    "",
			"lease_expiry": nil,
		}).Error
	})
	if err != nil {
		return nil, apierr.FatalBackend(err)
	}
	return tasks, nil
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	var t domain.Task
	err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.NotFound(fmt.Errorf("task %s not found", id))
	}
	if err != nil {
		return nil, apierr.FatalBackend(err)
	}
	return &t, nil
}

func (s *Store) ListTasksByJob(ctx context.Context, jobID uuid.UUID) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("wave_index asc").Find(&tasks).Error; err != nil {
		return nil, apierr.FatalBackend(err)
	}
	return tasks, nil
}

func (s *Store) ListTasksByJobAndStage(ctx context.Context, jobID uuid.UUID, stage domain.Stage) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := s.db.WithContext(ctx).Where("job_id = ? AND stage = ?", jobID, stage).Find(&tasks).Error; err != nil {
		return nil, apierr.FatalBackend(err)
	}
	return tasks, nil
}

// DependencyOutputs reads the output payloads of a task's dependencies
// under a consistent snapshot, for the worker contract's
// "dependency_outputs" input.
func (s *Store) DependencyOutputs(ctx context.Context, task *domain.Task) (map[string]map[string]any, error) {
	var deps []uuid.UUID
	if err := json.Unmarshal(task.Dependencies, &deps); err != nil {
		return nil, apierr.FatalBackend(err)
	}
	out := map[string]map[string]any{}
	if len(deps) == 0 {
		return out, nil
	}
	var rows []domain.Task
	if err := s.db.WithContext(ctx).Where("id IN ?", deps).Find(&rows).Error; err != nil {
		return nil, apierr.FatalBackend(err)
	}
	for _, r := range rows {
		var payload map[string]any
		if len(r.Output) > 0 {
			_ = json.Unmarshal(r.Output, &payload)
		}
		out[r.ID.String()] = payload
	}
	return out, nil
}

// BulkCancel marks all non-terminal tasks of a job cancelled in a single
// transaction, for job failure propagation and delete(job_id).
func (s *Store) BulkCancel(ctx context.Context, jobID uuid.UUID) (int64, error) {
	res := s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("job_id = ? AND status NOT IN ?", jobID,
			[]domain.TaskStatus{domain.TaskSucceeded, domain.TaskFailed, domain.TaskCancelled}).
		Update("status", domain.TaskCancelled)
	if res.Error != nil {
		return 0, apierr.FatalBackend(res.Error)
	}
	return res.RowsAffected, nil
}

// AllSucceeded reports whether every task of a (job, stage) is succeeded,
// the Orchestrator's idempotent stage-advance predicate (§4.1 edge cases):
// it keys on aggregate state, not on "this event just arrived".
func (s *Store) AllSucceeded(ctx context.Context, jobID uuid.UUID, stage domain.Stage) (bool, error) {
	var total, succeeded int64
	if err := s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("job_id = ? AND stage = ?", jobID, stage).Count(&total).Error; err != nil {
		return false, apierr.FatalBackend(err)
	}
	if total == 0 {
		return false, nil
	}
	if err := s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("job_id = ? AND stage = ? AND status = ?", jobID, stage, domain.TaskSucceeded).
		Count(&succeeded).Error; err != nil {
		return false, apierr.FatalBackend(err)
	}
	return succeeded == total, nil
}

// AnyFailed reports whether any task of a (job, stage) is terminally failed.
func (s *Store) AnyFailed(ctx context.Context, jobID uuid.UUID, stage domain.Stage) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("job_id = ? AND stage = ? AND status = ?", jobID, stage, domain.TaskFailed).
		Count(&n).Error; err != nil {
		return false, apierr.FatalBackend(err)
	}
	return n > 0, nil
}

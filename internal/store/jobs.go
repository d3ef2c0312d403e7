package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/planner/internal/domain"
	"github.com/yungbote/planner/internal/platform/apierr"
)

// CreateJob inserts a new Job in stage initialization/status queued. The
// partial unique index on (project_id) where status not in terminal states
// enforces "Conflict if project_id in use with an active job" as a
// database-level invariant rather than a check-then-act race.
func (s *Store) CreateJob(ctx context.Context, projectID, requirements string, metadata map[string]any) (*domain.Job, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, apierr.InvalidInput(fmt.Errorf("metadata: %w", err))
	}
	job := &domain.Job{
		ID:           uuid.New(),
		ProjectID:    projectID,
		Requirements: requirements,
		Status:       domain.JobStatusQueued,
		Stage:        domain.StageInitialization,
		Metadata:     datatypes.JSON(meta),
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, apierr.Conflict(fmt.Errorf("project %q already has an active job", projectID))
		}
		return nil, apierr.FatalBackend(err)
	}
	return job, nil
}

func isUniqueViolation(err error) bool {
	// Postgres unique_violation is SQLSTATE 23505; pgx/gorm wrap it without
	// a stable Go type across driver versions, so match on the code text
	// the driver embeds in the error string, same approach the teacher's
	// repos use for duplicate-key detection.
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "UNIQUE constraint")
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	var job domain.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.NotFound(fmt.Errorf("job %s not found", id))
	}
	if err != nil {
		return nil, apierr.FatalBackend(err)
	}
	return &job, nil
}

type JobFilter struct {
	Status domain.JobStatus
	Limit  int
}

func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]domain.Job, error) {
	q := s.db.WithContext(ctx).Order("created_at desc")
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var jobs []domain.Job
	if err := q.Limit(limit).Find(&jobs).Error; err != nil {
		return nil, apierr.FatalBackend(err)
	}
	return jobs, nil
}

// TransitionJobStage performs the conditional (old_status, new_status)
// write from §4.4: it fails with Conflict if the row is not currently in
// fromStatus, so a caller can safely re-read and retry once.
func (s *Store) TransitionJobStage(ctx context.Context, id uuid.UUID, fromStatus domain.JobStatus, toStatus domain.JobStatus, toStage domain.Stage) error {
	res := s.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(map[string]any{
			"status":     toStatus,
			"stage":      toStage,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return apierr.FatalBackend(res.Error)
	}
	if res.RowsAffected == 0 {
		return apierr.Conflict(fmt.Errorf("job %s not in status %s", id, fromStatus))
	}
	return nil
}

// ForceJobStatus is used for terminal transitions (failed, completed) where
// the caller already holds the per-job orchestrator lock and does not need
// a from-status guard beyond "not already terminal".
func (s *Store) ForceJobStatus(ctx context.Context, id uuid.UUID, status domain.JobStatus, metadataPatch map[string]any) error {
	updates := map[string]any{"status": status, "updated_at": time.Now()}
	if metadataPatch != nil {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return err
		}
		merged := map[string]any{}
		if len(job.Metadata) > 0 {
			_ = json.Unmarshal(job.Metadata, &merged)
		}
		for k, v := range metadataPatch {
			merged[k] = v
		}
		b, err := json.Marshal(merged)
		if err != nil {
			return apierr.InvalidInput(err)
		}
		updates["metadata"] = datatypes.JSON(b)
	}
	res := s.db.WithContext(ctx).Model(&domain.Job{}).Where("id = ? AND status NOT IN ?", id,
		[]domain.JobStatus{domain.JobStatusCompleted, domain.JobStatusFailed}).Updates(updates)
	if res.Error != nil {
		return apierr.FatalBackend(res.Error)
	}
	return nil
}

// DeleteJobCascade removes all records of a job transactionally, for
// delete(job_id).
func (s *Store) DeleteJobCascade(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", id).Delete(&domain.Task{}).Error; err != nil {
			return err
		}
		if err := tx.Where("job_id = ?", id).Delete(&domain.Artifact{}).Error; err != nil {
			return err
		}
		if err := tx.Where("job_id = ?", id).Delete(&domain.Event{}).Error; err != nil {
			return err
		}
		if err := tx.Where("job_id = ?", id).Delete(&domain.JobTruthRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&domain.Job{}).Error
	})
}

// RestartJob deletes all non-requirement artifacts/tasks/truth records and
// resets the job to initialization, for restart(job_id) — only valid from
// status failed.
func (s *Store) RestartJob(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job domain.Job
		if err := tx.First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apierr.NotFound(fmt.Errorf("job %s not found", id))
			}
			return apierr.FatalBackend(err)
		}
		if job.Status != domain.JobStatusFailed {
			return apierr.NotFailed(fmt.Errorf("job %s is not failed", id))
		}
		if err := tx.Where("job_id = ?", id).Delete(&domain.Task{}).Error; err != nil {
			return err
		}
		if err := tx.Where("job_id = ?", id).Delete(&domain.Artifact{}).Error; err != nil {
			return err
		}
		if err := tx.Where("job_id = ?", id).Delete(&domain.JobTruthRecord{}).Error; err != nil {
			return err
		}
		return tx.Model(&domain.Job{}).Where("id = ?", id).Updates(map[string]any{
			"status":     domain.JobStatusQueued,
			"stage":      domain.StageInitialization,
			"updated_at": time.Now(),
		}).Error
	})
}

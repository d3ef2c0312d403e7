package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/planner/internal/domain"
	"github.com/yungbote/planner/internal/platform/apierr"
)

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// WriteJobTruthRecord is the single transaction of §4.4: it writes the
// truth record, advances the job's stage, and appends the approval event
// together, so a reader never observes the truth record without the stage
// advance (or vice versa).
func (s *Store) WriteJobTruthRecord(ctx context.Context, jobID uuid.UUID, requirements string, prdArtifact *domain.Artifact, fromStatus domain.JobStatus, toStage domain.Stage) (*domain.JobTruthRecord, *domain.Event, error) {
	var rec *domain.JobTruthRecord
	var ev *domain.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Job{}).
			Where("id = ? AND status = ?", jobID, fromStatus).
			Updates(map[string]any{
				"status":     domain.JobStatusRunning,
				"stage":      toStage,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apierr.Conflict(fmt.Errorf("job %s not in status %s", jobID, fromStatus))
		}
		r := domain.JobTruthRecord{
			ID:               uuid.New(),
			JobID:            jobID,
			RequirementsHash: hashString(requirements),
			PRDHash:          prdArtifact.Hash,
			PRDArtifactID:    prdArtifact.Hash,
			ApprovedAt:       time.Now(),
		}
		if err := tx.Create(&r).Error; err != nil {
			return err
		}
		rec = &r

		var maxSeq int64
		if err := tx.Model(&domain.Event{}).Where("job_id = ?", jobID).
			Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"prd_hash": r.PRDHash})
		e := domain.Event{
			ID:      uuid.New(),
			JobID:   jobID,
			Seq:     maxSeq + 1,
			Kind:    domain.EventApprovalGranted,
			Payload: payload,
		}
		if err := tx.Create(&e).Error; err != nil {
			return err
		}
		ev = &e
		return nil
	})
	if err != nil {
		var ae *apierr.Error
		if errors.As(err, &ae) {
			return nil, nil, err
		}
		return nil, nil, apierr.FatalBackend(err)
	}
	return rec, ev, nil
}

// CurrentTruthRecord returns the latest truth record for a job, the
// immutable contract downstream stages must read.
func (s *Store) CurrentTruthRecord(ctx context.Context, jobID uuid.UUID) (*domain.JobTruthRecord, error) {
	var r domain.JobTruthRecord
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("approved_at desc").First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.NotFound(fmt.Errorf("no approved truth record for job %s", jobID))
	}
	if err != nil {
		return nil, apierr.FatalBackend(err)
	}
	return &r, nil
}

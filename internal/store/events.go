package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/planner/internal/domain"
	"github.com/yungbote/planner/internal/platform/apierr"
)

// AppendEvent durably writes the next event in a job's log under the job's
// row lock, so Seq is strictly increasing and gap-free (§8). This is the
// "durable write" half of the Event Bus contract; fan-out happens after
// this returns and never rolls it back on failure.
func (s *Store) AppendEvent(ctx context.Context, jobID uuid.UUID, taskID *uuid.UUID, kind domain.EventKind, correlationID string, payload map[string]any) (*domain.Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, apierr.InvalidInput(err)
	}
	var ev domain.Event
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock the job row for the duration of the sequence read+insert so
		// concurrent appends to the same job serialize; this is the "per-job
		// advance lock" applied to event sequencing specifically.
		var job domain.Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "id = ?", jobID).Error; err != nil {
			return err
		}
		var maxSeq int64
		if err := tx.Model(&domain.Event{}).Where("job_id = ?", jobID).
			Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}
		ev = domain.Event{
			ID:            uuid.New(),
			JobID:         jobID,
			Seq:           maxSeq + 1,
			TaskID:        taskID,
			Kind:          kind,
			CorrelationID: correlationID,
			Payload:       datatypes.JSON(b),
		}
		return tx.Create(&ev).Error
	})
	if txErr != nil {
		return nil, apierr.FatalBackend(txErr)
	}
	return &ev, nil
}

// History returns a page of events for a job at or after fromSeq, ordered
// by seq, for audit reads and late-joining/resuming subscribers.
func (s *Store) History(ctx context.Context, jobID uuid.UUID, fromSeq int64, limit int) ([]domain.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var rows []domain.Event
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND seq >= ?", jobID, fromSeq).
		Order("seq asc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, apierr.FatalBackend(err)
	}
	return rows, nil
}

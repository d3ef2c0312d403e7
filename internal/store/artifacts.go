package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/planner/internal/domain"
	"github.com/yungbote/planner/internal/platform/apierr"
)

// HashContent computes the artifact's content address: SHA-256 over the
// canonical (key-sorted) JSON encoding of content, so semantically equal
// content from distinct callers addresses to the same hash.
func HashContent(content map[string]any) (string, []byte, error) {
	b, err := json.Marshal(content)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// PutArtifact is the idempotent put(content) -> hash of §4.4: a second put
// of identical content returns the existing row rather than erroring or
// duplicating storage.
func (s *Store) PutArtifact(ctx context.Context, jobID uuid.UUID, artifactType domain.ArtifactType, taskID uuid.UUID, content map[string]any) (*domain.Artifact, error) {
	hash, raw, err := HashContent(content)
	if err != nil {
		return nil, apierr.InvalidInput(err)
	}
	var existing domain.Artifact
	err = s.db.WithContext(ctx).First(&existing, "hash = ?", hash).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.FatalBackend(err)
	}
	a := domain.Artifact{
		Hash:         hash,
		JobID:        jobID,
		ArtifactType: artifactType,
		TaskID:       taskID,
		Content:      datatypes.JSON(raw),
	}
	if err := s.db.WithContext(ctx).Create(&a).Error; err != nil {
		if isUniqueViolation(err) {
			var again domain.Artifact
			if ferr := s.db.WithContext(ctx).First(&again, "hash = ?", hash).Error; ferr == nil {
				return &again, nil
			}
		}
		return nil, apierr.FatalBackend(err)
	}
	return &a, nil
}

func (s *Store) GetArtifactByHash(ctx context.Context, hash string) (*domain.Artifact, error) {
	var a domain.Artifact
	err := s.db.WithContext(ctx).First(&a, "hash = ?", hash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.NotFound(fmt.Errorf("artifact %s not found", hash))
	}
	if err != nil {
		return nil, apierr.FatalBackend(err)
	}
	return &a, nil
}

// LatestArtifact returns the most recently created artifact of a type for
// a job — the "currently stored" artifact that approvals validate against.
func (s *Store) LatestArtifact(ctx context.Context, jobID uuid.UUID, artifactType domain.ArtifactType) (*domain.Artifact, error) {
	var a domain.Artifact
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND artifact_type = ?", jobID, artifactType).
		Order("created_at desc").First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.NotFound(fmt.Errorf("artifact type %s not yet produced for job %s", artifactType, jobID))
	}
	if err != nil {
		return nil, apierr.FatalBackend(err)
	}
	return &a, nil
}

func (s *Store) ListArtifactsByJob(ctx context.Context, jobID uuid.UUID) ([]domain.Artifact, error) {
	var rows []domain.Artifact
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, apierr.FatalBackend(err)
	}
	return rows, nil
}

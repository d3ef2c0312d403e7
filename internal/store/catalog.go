package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/planner/internal/domain"
	"github.com/yungbote/planner/internal/platform/apierr"
)

// UpsertModule creates or replaces a module catalog entry; the catalog is
// globally mutable by administrative action (planner-ctl) and read-only to
// task handlers.
func (s *Store) UpsertModule(ctx context.Context, moduleID, version string, capabilities []string) (*domain.ModuleCatalogEntry, error) {
	b, err := json.Marshal(capabilities)
	if err != nil {
		return nil, apierr.InvalidInput(err)
	}
	entry := domain.ModuleCatalogEntry{
		ModuleID:     moduleID,
		Version:      version,
		Capabilities: datatypes.JSON(b),
		UpdatedAt:    time.Now(),
	}
	if err := s.db.WithContext(ctx).Save(&entry).Error; err != nil {
		return nil, apierr.FatalBackend(err)
	}
	return &entry, nil
}

func (s *Store) GetModule(ctx context.Context, moduleID string) (*domain.ModuleCatalogEntry, error) {
	var e domain.ModuleCatalogEntry
	err := s.db.WithContext(ctx).First(&e, "module_id = ?", moduleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.NotFound(fmt.Errorf("module %s not found", moduleID))
	}
	if err != nil {
		return nil, apierr.FatalBackend(err)
	}
	return &e, nil
}

func (s *Store) ListModules(ctx context.Context) ([]domain.ModuleCatalogEntry, error) {
	var rows []domain.ModuleCatalogEntry
	if err := s.db.WithContext(ctx).Order("module_id asc").Find(&rows).Error; err != nil {
		return nil, apierr.FatalBackend(err)
	}
	return rows, nil
}

// FindCompatible returns catalog entries whose capability set is a superset
// of required, a simple linear scan appropriate for a catalog sized in the
// hundreds to low thousands of modules.
func (s *Store) FindCompatible(ctx context.Context, required []string) ([]domain.ModuleCatalogEntry, error) {
	all, err := s.ListModules(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ModuleCatalogEntry, 0)
	for _, e := range all {
		var caps []string
		if err := json.Unmarshal(e.Capabilities, &caps); err != nil {
			continue
		}
		have := make(map[string]bool, len(caps))
		for _, c := range caps {
			have[c] = true
		}
		ok := true
		for _, r := range required {
			if !have[r] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

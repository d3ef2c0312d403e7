package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yungbote/planner/internal/domain"
)

func TestRegistryRejectsNilHandler(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register(nil))
}

func TestRegistryRejectsEmptyRole(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register(succeedingHandler{role: ""}))
}

func TestRegistryRejectsDuplicateRole(t *testing.T) {
	reg := NewRegistry()
	assert.NoError(t, reg.Register(succeedingHandler{role: domain.RolePRD}))
	assert.Error(t, reg.Register(succeedingHandler{role: domain.RolePRD}))
}

func TestRegistryGetAndRoles(t *testing.T) {
	reg := NewRegistry()
	assert.NoError(t, reg.Register(succeedingHandler{role: domain.RolePRD}))
	h, ok := reg.Get(domain.RolePRD)
	assert.True(t, ok)
	assert.Equal(t, domain.RolePRD, h.Role())
	assert.Equal(t, []domain.Role{domain.RolePRD}, reg.Roles())
}

func TestBuiltinHandlersRegisterEveryRole(t *testing.T) {
	reg := NewRegistry()
	assert.NoError(t, RegisterBuiltinHandlers(reg))
	assert.Len(t, reg.Roles(), 12)
}

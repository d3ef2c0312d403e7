package worker

import (
	"context"
	"fmt"

	"github.com/yungbote/planner/internal/domain"
)

// echoHandler is the reference Handler implementation registered for every
// built-in role at startup: it produces a deterministic placeholder
// artifact from its input so the workflow graph, dispatcher, and state
// store can be exercised end to end without a real model backend wired
// in. Production deployments register their own Handler per role over
// this same contract; the core never distinguishes the two.
type echoHandler struct {
	role domain.Role
}

func NewEchoHandler(role domain.Role) Handler {
	return echoHandler{role: role}
}

func (h echoHandler) Role() domain.Role { return h.role }

func (h echoHandler) Run(ctx context.Context, in HandlerInput, cancel CancelToken) (map[string]any, error) {
	select {
	case <-cancel.Done():
		return nil, context.Canceled
	default:
	}
	summary := fmt.Sprintf("%s output synthesized from %d dependency output(s)", h.role, len(in.DependencyOutputs))
	out := map[string]any{
		"role":    string(h.role),
		"summary": summary,
		"input":   in.TaskInput,
	}
	if in.JobTruth != nil {
		out["prd_hash"] = in.JobTruth.PRDHash
	}
	return out, nil
}

// RegisterBuiltinHandlers wires the reference echoHandler for every role
// named in the fixed stage graph, so a freshly started server can run a
// job through to completion out of the box.
func RegisterBuiltinHandlers(reg *Registry) error {
	roles := []domain.Role{
		domain.RolePRD, domain.RolePlan, domain.RoleFeatureTree, domain.RoleArchitecture,
		domain.RoleUIUX, domain.RoleDevelopment, domain.RoleQA, domain.RoleSecurity,
		domain.RoleDocumentation, domain.RoleSupport, domain.RolePMReview, domain.RoleDelivery,
	}
	for _, role := range roles {
		if err := reg.Register(NewEchoHandler(role)); err != nil {
			return err
		}
	}
	return nil
}

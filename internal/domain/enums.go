package domain

// JobStatus is a closed enumeration of Job.status values. The persistence
// layer stores the string form, but every reader/writer in this codebase
// handles JobStatus, never a bare string, past the State Store boundary.
type JobStatus string

const (
	JobStatusQueued            JobStatus = "queued"
	JobStatusInProgress        JobStatus = "in_progress"
	JobStatusWaitingApproval   JobStatus = "waiting_for_approval"
	JobStatusChangesRequested  JobStatus = "changes_requested"
	JobStatusRunning           JobStatus = "running"
	JobStatusCompleted         JobStatus = "completed"
	JobStatusFailed            JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusInProgress, JobStatusWaitingApproval,
		JobStatusChangesRequested, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Stage is a closed enumeration of the workflow DAG nodes, in the fixed
// order spec'd for this system. Stage is a graph node, not a process step:
// several stages may be concurrently "active" across parallel branches.
type Stage string

const (
	StageInitialization Stage = "initialization"
	StagePRDGeneration  Stage = "prd_generation"
	StageWaitingApproval Stage = "waiting_for_approval"
	StagePlanGeneration Stage = "plan_generation"
	StageFeatureTree    Stage = "feature_tree"
	StageArchitecture   Stage = "architecture"
	StageUIUX           Stage = "uiux"
	StageDevelopment    Stage = "development"
	StageQA             Stage = "qa"
	StageSecurity       Stage = "security"
	StageDocumentation  Stage = "documentation"
	StageSupport        Stage = "support"
	StagePMReview       Stage = "pm_review"
	StageDelivery       Stage = "delivery"
	StageCompleted      Stage = "completed"
)

// TaskStatus is a closed enumeration; transitions follow the DAG
// pending -> queued -> claimed -> {running -> {succeeded, failed}, cancelled}.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskQueued    TaskStatus = "queued"
	TaskClaimed   TaskStatus = "claimed"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// ArtifactType enumerates the typed task outputs named in the data model.
type ArtifactType string

const (
	ArtifactPRD           ArtifactType = "prd"
	ArtifactPlan          ArtifactType = "plan"
	ArtifactFeatureTree   ArtifactType = "feature_tree"
	ArtifactArchitecture  ArtifactType = "architecture"
	ArtifactUIUX          ArtifactType = "uiux"
	ArtifactDevelopment   ArtifactType = "development"
	ArtifactQA            ArtifactType = "qa"
	ArtifactSecurity      ArtifactType = "security"
	ArtifactDocumentation ArtifactType = "documentation"
	ArtifactSupport       ArtifactType = "support"
	ArtifactPMReview      ArtifactType = "pm_review"
	ArtifactDelivery      ArtifactType = "delivery"
)

// EventKind is a closed enumeration of event log entries.
type EventKind string

const (
	EventJobCreated        EventKind = "job_created"
	EventStageEntered      EventKind = "stage_entered"
	EventTaskQueued        EventKind = "task_queued"
	EventTaskClaimed       EventKind = "task_claimed"
	EventTaskStarted       EventKind = "task_started"
	EventTaskSucceeded     EventKind = "task_succeeded"
	EventTaskFailed        EventKind = "task_failed"
	EventApprovalRequested EventKind = "approval_requested"
	EventApprovalGranted   EventKind = "approval_granted"
	EventChangesRequested  EventKind = "changes_requested"
	EventArtifactStored    EventKind = "artifact_stored"
	EventJobCompleted      EventKind = "job_completed"
	EventJobFailed         EventKind = "job_failed"
	EventHeartbeat         EventKind = "heartbeat"
	EventQueueSaturated    EventKind = "queue_saturated"
)

// Role names the agent kind a Task targets; a string by design (§9: new
// roles are added without modifying the Orchestrator), but the fixed stage
// roles used by this system's built-in stage graph are named here for
// convenience and test fixtures.
type Role string

const (
	RolePRD            Role = "prd"
	RolePlan           Role = "plan"
	RoleFeatureTree    Role = "feature_tree"
	RoleArchitecture   Role = "architecture"
	RoleUIUX           Role = "uiux"
	RoleDevelopment    Role = "development"
	RoleQA             Role = "qa"
	RoleSecurity       Role = "security"
	RoleDocumentation  Role = "documentation"
	RoleSupport        Role = "support"
	RolePMReview       Role = "pm_review"
	RoleDelivery       Role = "delivery"
)

// stageGraph is the fixed DAG of §4.1: node -> direct predecessors whose
// task(s) must all succeed before the node's wave is generated.
var stageGraph = map[Stage][]Stage{
	StageInitialization:  nil,
	StagePRDGeneration:   {StageInitialization},
	StageWaitingApproval: {StagePRDGeneration},
	StagePlanGeneration:  {StageWaitingApproval},
	StageFeatureTree:     {StageWaitingApproval},
	StageArchitecture:    {StagePlanGeneration, StageFeatureTree},
	StageUIUX:            {StageArchitecture},
	StageDevelopment:     {StageUIUX},
	StageQA:              {StageDevelopment},
	StageSecurity:        {StageDevelopment},
	StageDocumentation:   {StageDevelopment},
	StageSupport:         {StageDevelopment},
	StagePMReview:        {StageQA, StageSecurity, StageDocumentation, StageSupport},
	StageDelivery:        {StagePMReview},
	StageCompleted:       {StageDelivery},
}

// StageDeps returns the direct predecessor stages of s.
func StageDeps(s Stage) []Stage {
	return stageGraph[s]
}

// StageRole maps a stage to the role that executes its task wave. Stages
// with no task (waiting_for_approval, completed) return "".
func StageRole(s Stage) Role {
	switch s {
	case StagePRDGeneration:
		return RolePRD
	case StagePlanGeneration:
		return RolePlan
	case StageFeatureTree:
		return RoleFeatureTree
	case StageArchitecture:
		return RoleArchitecture
	case StageUIUX:
		return RoleUIUX
	case StageDevelopment:
		return RoleDevelopment
	case StageQA:
		return RoleQA
	case StageSecurity:
		return RoleSecurity
	case StageDocumentation:
		return RoleDocumentation
	case StageSupport:
		return RoleSupport
	case StagePMReview:
		return RolePMReview
	case StageDelivery:
		return RoleDelivery
	}
	return ""
}

// stageOrder fixes iteration order for deterministic wave generation;
// map iteration in Go is randomized and must never leak into output order.
var stageOrder = []Stage{
	StageInitialization, StagePRDGeneration, StageWaitingApproval,
	StagePlanGeneration, StageFeatureTree, StageArchitecture, StageUIUX,
	StageDevelopment, StageQA, StageSecurity, StageDocumentation, StageSupport,
	StagePMReview, StageDelivery, StageCompleted,
}

// NextStages returns the stages that list s among their direct
// dependencies (used to find what may advance once s's wave fully
// succeeds), in fixed stage order. A returned stage may depend on other
// stages as well; callers check those separately.
func NextStages(s Stage) []Stage {
	var out []Stage
	for _, node := range stageOrder {
		for _, d := range stageGraph[node] {
			if d == s {
				out = append(out, node)
				break
			}
		}
	}
	return out
}

package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Job is the top-level unit of work a client submits. The Orchestrator is
// the sole writer of Status and Stage; every other field is set at intake
// and read-only thereafter except Metadata, which the Orchestrator annotates
// on failure (failed_stage, reason).
type Job struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID    string         `gorm:"uniqueIndex:idx_job_project_active,where:status not in ('completed','failed')" json:"project_id"`
	Requirements string         `json:"requirements"`
	Status       JobStatus      `gorm:"index" json:"status"`
	Stage        Stage          `json:"stage"`
	Metadata     datatypes.JSON `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `gorm:"index" json:"updated_at"`
}

func (Job) TableName() string { return "job" }

// Task is one unit of work for one role within a job. The Dispatcher owns
// the queued<->claimed transitions; the Worker owns claimed->running->
// {succeeded,failed}; the Orchestrator owns creation and cancellation.
type Task struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID        uuid.UUID      `gorm:"type:uuid;index:idx_task_job_status" json:"job_id"`
	Stage        Stage          `json:"stage"`
	Role         Role           `gorm:"index:idx_task_role_status" json:"role"`
	TaskType     string         `json:"task_type"`
	Status       TaskStatus     `gorm:"index:idx_task_job_status;index:idx_task_role_status" json:"status"`
	Priority     int            `json:"priority"`
	Dependencies datatypes.JSON `json:"dependencies"` // []uuid.UUID, ordered
	Input        datatypes.JSON `json:"input"`
	Output       datatypes.JSON `json:"output"`
	Error        string         `json:"error,omitempty"`
	WorkerID     string         `json:"worker_id,omitempty"`
	LeaseExpiry  *time.Time     `json:"lease_expiry,omitempty"`
	Attempt      int            `json:"attempt"`
	WaveIndex    int            `json:"wave_index"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (Task) TableName() string { return "task" }

// Artifact is content-addressed by the SHA-256 hash of its content, so
// Hash is the primary key and put() is naturally idempotent.
type Artifact struct {
	Hash         string         `gorm:"primaryKey" json:"hash"`
	JobID        uuid.UUID      `gorm:"type:uuid;index:idx_artifact_job_type" json:"job_id"`
	ArtifactType ArtifactType   `gorm:"index:idx_artifact_job_type" json:"artifact_type"`
	TaskID       uuid.UUID      `gorm:"type:uuid" json:"task_id"`
	Content      datatypes.JSON `json:"content"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (Artifact) TableName() string { return "artifact" }

// JobTruthRecord is the immutable (requirements, approved PRD) contract
// written when the HITL approval gate transitions. Replacing it (via
// request_changes) does not mutate history; a new row with a later
// ApprovedAt becomes current for the job.
type JobTruthRecord struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	JobID            uuid.UUID `gorm:"type:uuid;index" json:"job_id"`
	RequirementsHash string    `json:"requirements_hash"`
	PRDHash          string    `json:"prd_hash"`
	PRDArtifactID    string    `json:"prd_artifact_id"`
	ApprovedAt       time.Time `json:"approved_at"`
}

func (JobTruthRecord) TableName() string { return "job_truth_record" }

// Event is an append-only, per-job ordered record. Seq is assigned by the
// store under the job's row lock so it is strictly increasing and gap-free.
type Event struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID         uuid.UUID      `gorm:"type:uuid;index:idx_event_job_seq" json:"job_id"`
	Seq           int64          `gorm:"index:idx_event_job_seq" json:"seq"`
	TaskID        *uuid.UUID     `gorm:"type:uuid" json:"task_id,omitempty"`
	Kind          EventKind      `json:"kind"`
	CorrelationID string         `json:"correlation_id"`
	Payload       datatypes.JSON `json:"payload"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (Event) TableName() string { return "event" }

// ModuleCatalogEntry is a reusable module referenced by feature-tree
// artifacts to decide reuse vs. new-module. Mutated only by administrative
// actions (planner-ctl), read by task handlers.
type ModuleCatalogEntry struct {
	ModuleID     string         `gorm:"primaryKey" json:"module_id"`
	Version      string         `json:"version"`
	Capabilities datatypes.JSON `json:"capabilities"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (ModuleCatalogEntry) TableName() string { return "module_catalog_entry" }

package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yungbote/planner/internal/domain"
	"github.com/yungbote/planner/internal/orchestrator"
	"github.com/yungbote/planner/internal/platform/logger"
	"github.com/yungbote/planner/internal/store"
)

// fakeDispatcher stands in for the Redis-backed dispatcher: it only needs
// to record what was enqueued so tests can assert on wave generation
// without a running Redis instance.
type fakeDispatcher struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
}

func (f *fakeDispatcher) Enqueue(ctx context.Context, taskID uuid.UUID, role domain.Role, priority int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, taskID)
	return nil
}
func (f *fakeDispatcher) Saturated(ctx context.Context, role domain.Role) (bool, error) { return false, nil }
func (f *fakeDispatcher) Remove(ctx context.Context, taskID uuid.UUID, role domain.Role) error {
	return nil
}

// fakePublisher records events without requiring a live event bus.
type fakePublisher struct {
	mu        sync.Mutex
	events    []domain.EventKind
	rawEvents []domain.EventKind
}

func (f *fakePublisher) Publish(ctx context.Context, jobID uuid.UUID, taskID *uuid.UUID, kind domain.EventKind, correlationID string, payload map[string]any) (*domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, kind)
	return &domain.Event{JobID: jobID, Kind: kind}, nil
}

func (f *fakePublisher) PublishRaw(ctx context.Context, jobID uuid.UUID, ev domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawEvents = append(f.rawEvents, ev.Kind)
	return nil
}

func newTestOrchestrator(t *testing.T) (*orchestrator.Orchestrator, *store.Store, *fakeDispatcher, *fakePublisher) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	log, err := logger.New("test")
	require.NoError(t, err)
	st := store.OpenWithDB(db, log)
	require.NoError(t, st.AutoMigrate())

	disp := &fakeDispatcher{}
	pub := &fakePublisher{}
	orch := orchestrator.New(log, st, disp, pub, 1, 5*time.Second)
	return orch, st, disp, pub
}

func TestCreateJobEntersPRDGenerationWithOneTask(t *testing.T) {
	ctx := context.Background()
	orch, st, disp, _ := newTestOrchestrator(t)

	job, err := orch.CreateJob(ctx, "proj-a", "build a thing", nil)
	require.NoError(t, err)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StagePRDGeneration, got.Stage)
	assert.Equal(t, domain.JobStatusInProgress, got.Status)

	tasks, err := st.ListTasksByJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.RolePRD, tasks[0].Role)
	assert.Len(t, disp.enqueued, 1)
}

func TestCreateJobRejectsShortRequirements(t *testing.T) {
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	log, err := logger.New("test")
	require.NoError(t, err)
	st := store.OpenWithDB(db, log)
	require.NoError(t, st.AutoMigrate())
	orch := orchestrator.New(log, st, &fakeDispatcher{}, &fakePublisher{}, 20, 5*time.Second)

	_, err = orch.CreateJob(ctx, "proj-b", "too short", nil)
	assert.Error(t, err)
}

func completeTaskStage(t *testing.T, ctx context.Context, st *store.Store, orch *orchestrator.Orchestrator, jobID uuid.UUID, stage domain.Stage) {
	t.Helper()
	tasks, err := st.ListTasksByJobAndStage(ctx, jobID, stage)
	require.NoError(t, err)
	for _, task := range tasks {
		_, err := st.ClaimTask(ctx, task.ID, "test-worker", 30*time.Second)
		require.NoError(t, err)
		require.NoError(t, st.MarkRunning(ctx, task.ID, "test-worker"))
		require.NoError(t, st.CompleteTask(ctx, task.ID, "test-worker", map[string]any{"ok": true}))
		require.NoError(t, orch.HandleTaskSucceeded(ctx, task.ID))
	}
}

func TestApproveGeneratesPlanAndFeatureTreeWaves(t *testing.T) {
	ctx := context.Background()
	orch, st, _, pub := newTestOrchestrator(t)

	job, err := orch.CreateJob(ctx, "proj-c", "build a thing of substance", nil)
	require.NoError(t, err)

	_, err = st.PutArtifact(ctx, job.ID, domain.ArtifactPRD, uuid.New(), map[string]any{"title": "PRD"})
	require.NoError(t, err)
	completeTaskStage(t, ctx, st, orch, job.ID, domain.StagePRDGeneration)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusWaitingApproval, got.Status)

	status, err := orch.Approve(ctx, job.ID, "looks good")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, status)

	planTasks, err := st.ListTasksByJobAndStage(ctx, job.ID, domain.StagePlanGeneration)
	require.NoError(t, err)
	assert.Len(t, planTasks, 1)
	treeTasks, err := st.ListTasksByJobAndStage(ctx, job.ID, domain.StageFeatureTree)
	require.NoError(t, err)
	assert.Len(t, treeTasks, 1)

	assert.Contains(t, pub.rawEvents, domain.EventApprovalGranted)
	stageEnteredCount := 0
	for _, k := range pub.events {
		if k == domain.EventStageEntered {
			stageEnteredCount++
		}
	}
	assert.GreaterOrEqual(t, stageEnteredCount, 2)
}

func TestArchitectureWaitsOnBothParallelPredecessors(t *testing.T) {
	ctx := context.Background()
	orch, st, _, _ := newTestOrchestrator(t)

	job, err := orch.CreateJob(ctx, "proj-d", "build a thing of substance", nil)
	require.NoError(t, err)
	_, err = st.PutArtifact(ctx, job.ID, domain.ArtifactPRD, uuid.New(), map[string]any{"title": "PRD"})
	require.NoError(t, err)
	completeTaskStage(t, ctx, st, orch, job.ID, domain.StagePRDGeneration)
	_, err = orch.Approve(ctx, job.ID, "")
	require.NoError(t, err)

	// Complete only plan_generation; architecture must not start yet because
	// feature_tree (the sibling parallel branch) has not finished.
	completeTaskStage(t, ctx, st, orch, job.ID, domain.StagePlanGeneration)
	archTasks, err := st.ListTasksByJobAndStage(ctx, job.ID, domain.StageArchitecture)
	require.NoError(t, err)
	assert.Empty(t, archTasks)

	completeTaskStage(t, ctx, st, orch, job.ID, domain.StageFeatureTree)
	archTasks, err = st.ListTasksByJobAndStage(ctx, job.ID, domain.StageArchitecture)
	require.NoError(t, err)
	assert.Len(t, archTasks, 1)
}

func TestHandleTaskFailedCancelsJobAndSiblings(t *testing.T) {
	ctx := context.Background()
	orch, st, _, pub := newTestOrchestrator(t)

	job, err := orch.CreateJob(ctx, "proj-e", "build a thing of substance", nil)
	require.NoError(t, err)

	tasks, err := st.ListTasksByJobAndStage(ctx, job.ID, domain.StagePRDGeneration)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	taskID := tasks[0].ID

	_, err = st.ClaimTask(ctx, taskID, "test-worker", 30*time.Second)
	require.NoError(t, err)
	_, err = st.FailTask(ctx, taskID, "test-worker", "boom", 1)
	require.NoError(t, err)

	require.NoError(t, orch.HandleTaskFailed(ctx, taskID, true))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Contains(t, pub.events, domain.EventJobFailed)
}

func TestRequestChangesRegeneratesPRDTask(t *testing.T) {
	ctx := context.Background()
	orch, st, _, _ := newTestOrchestrator(t)

	job, err := orch.CreateJob(ctx, "proj-f", "build a thing of substance", nil)
	require.NoError(t, err)
	_, err = st.PutArtifact(ctx, job.ID, domain.ArtifactPRD, uuid.New(), map[string]any{"title": "PRD v1"})
	require.NoError(t, err)
	completeTaskStage(t, ctx, st, orch, job.ID, domain.StagePRDGeneration)

	require.NoError(t, orch.RequestChanges(ctx, job.ID, "add more detail"))

	tasks, err := st.ListTasksByJobAndStage(ctx, job.ID, domain.StagePRDGeneration)
	require.NoError(t, err)
	assert.Len(t, tasks, 2) // original (succeeded) plus regenerated wave

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusInProgress, got.Status)
}

func TestRestartReEntersFromPRDGeneration(t *testing.T) {
	ctx := context.Background()
	orch, st, _, _ := newTestOrchestrator(t)

	job, err := orch.CreateJob(ctx, "proj-g", "build a thing of substance", nil)
	require.NoError(t, err)

	tasks, err := st.ListTasksByJobAndStage(ctx, job.ID, domain.StagePRDGeneration)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	_, err = st.ClaimTask(ctx, tasks[0].ID, "test-worker", 30*time.Second)
	require.NoError(t, err)
	_, err = st.FailTask(ctx, tasks[0].ID, "test-worker", "boom", 1)
	require.NoError(t, err)
	require.NoError(t, orch.HandleTaskFailed(ctx, tasks[0].ID, true))

	require.NoError(t, orch.Restart(ctx, job.ID))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StagePRDGeneration, got.Stage)
	assert.Equal(t, domain.JobStatusInProgress, got.Status)
}

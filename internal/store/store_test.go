package store_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/yungbote/planner/internal/domain"
	"github.com/yungbote/planner/internal/platform/apierr"
	"github.com/yungbote/planner/internal/platform/logger"
	"github.com/yungbote/planner/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	log, err := logger.New("test")
	require.NoError(t, err)
	st := store.OpenWithDB(db, log)
	require.NoError(t, st.AutoMigrate())
	return st
}

func TestCreateJobAndTransition(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	job, err := st.CreateJob(ctx, "proj-1", "build me a thing", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, domain.StageInitialization, job.Stage)

	err = st.TransitionJobStage(ctx, job.ID, domain.JobStatusQueued, domain.JobStatusInProgress, domain.StagePRDGeneration)
	require.NoError(t, err)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusInProgress, got.Status)
	assert.Equal(t, domain.StagePRDGeneration, got.Stage)

	// A conditional transition from a stale fromStatus is a no-op conflict.
	err = st.TransitionJobStage(ctx, job.ID, domain.JobStatusQueued, domain.JobStatusRunning, domain.StagePlanGeneration)
	assert.True(t, apierr.Is(err, apierr.CodeConflict))
}

func TestActiveJobUniquePerProject(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.CreateJob(ctx, "proj-unique", "first job", nil)
	require.NoError(t, err)

	_, err = st.CreateJob(ctx, "proj-unique", "second concurrent job", nil)
	assert.True(t, apierr.Is(err, apierr.CodeConflict))
}

func TestCreateTasksIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	job, err := st.CreateJob(ctx, "proj-2", "requirements text", nil)
	require.NoError(t, err)

	taskID := uuid.New()
	newTasks := []store.NewTask{{
		ID: taskID, JobID: job.ID, Stage: domain.StagePRDGeneration, Role: domain.RolePRD,
		TaskType: "generate", Priority: 1, WaveIndex: 0,
	}}

	created, err := st.CreateTasks(ctx, newTasks)
	require.NoError(t, err)
	require.Len(t, created, 1)

	// Regenerating the same wave must be a no-op, not a duplicate insert.
	createdAgain, err := st.CreateTasks(ctx, newTasks)
	require.NoError(t, err)
	require.Len(t, createdAgain, 1)
	assert.Equal(t, created[0].ID, createdAgain[0].ID)

	tasks, err := st.ListTasksByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestClaimTaskExcludesAlreadyClaimed(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	job, err := st.CreateJob(ctx, "proj-3", "requirements text", nil)
	require.NoError(t, err)

	taskID := uuid.New()
	_, err = st.CreateTasks(ctx, []store.NewTask{{
		ID: taskID, JobID: job.ID, Stage: domain.StagePRDGeneration, Role: domain.RolePRD,
		TaskType: "generate", Priority: 1,
	}})
	require.NoError(t, err)
	_, err = st.MarkEligible(ctx, taskID)
	require.NoError(t, err)

	claimed, err := st.ClaimTask(ctx, taskID, "worker-a", 0)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", claimed.WorkerID)
	assert.Equal(t, domain.TaskClaimed, claimed.Status)

	_, err = st.ClaimTask(ctx, taskID, "worker-b", 0)
	assert.True(t, apierr.Is(err, apierr.CodeConflict))
}

func TestFailTaskRetriesThenTerminal(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	job, err := st.CreateJob(ctx, "proj-4", "requirements text", nil)
	require.NoError(t, err)

	taskID := uuid.New()
	_, err = st.CreateTasks(ctx, []store.NewTask{{
		ID: taskID, JobID: job.ID, Stage: domain.StagePRDGeneration, Role: domain.RolePRD, TaskType: "generate",
	}})
	require.NoError(t, err)
	_, err = st.MarkEligible(ctx, taskID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := st.ClaimTask(ctx, taskID, "worker-a", 0)
		require.NoError(t, err)
		terminal, err := st.FailTask(ctx, taskID, "worker-a", "transient error", 3)
		require.NoError(t, err)
		assert.False(t, terminal)
		_, err = st.MarkEligible(ctx, taskID)
		require.NoError(t, err)
	}

	_, err = st.ClaimTask(ctx, taskID, "worker-a", 0)
	require.NoError(t, err)
	terminal, err := st.FailTask(ctx, taskID, "worker-a", "fatal error", 3)
	require.NoError(t, err)
	assert.True(t, terminal)

	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, task.Status)
}

func TestArtifactPutIsContentAddressedAndIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	job, err := st.CreateJob(ctx, "proj-5", "requirements text", nil)
	require.NoError(t, err)
	taskID := uuid.New()

	content := map[string]any{"title": "PRD", "sections": []string{"overview"}}
	a1, err := st.PutArtifact(ctx, job.ID, domain.ArtifactPRD, taskID, content)
	require.NoError(t, err)

	a2, err := st.PutArtifact(ctx, job.ID, domain.ArtifactPRD, taskID, content)
	require.NoError(t, err)
	assert.Equal(t, a1.Hash, a2.Hash)

	latest, err := st.LatestArtifact(ctx, job.ID, domain.ArtifactPRD)
	require.NoError(t, err)
	assert.Equal(t, a1.Hash, latest.Hash)
}

func TestEventSequenceIsGapFreeAndIncreasing(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	job, err := st.CreateJob(ctx, "proj-6", "requirements text", nil)
	require.NoError(t, err)

	var lastSeq int64
	for i := 0; i < 5; i++ {
		ev, err := st.AppendEvent(ctx, job.ID, nil, domain.EventTaskQueued, "", map[string]any{"i": i})
		require.NoError(t, err)
		assert.Equal(t, lastSeq+1, ev.Seq)
		lastSeq = ev.Seq
	}

	history, err := st.History(ctx, job.ID, 0, 100)
	require.NoError(t, err)
	assert.Len(t, history, 5)
}

func TestFindCompatibleRequiresCapabilitySuperset(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.UpsertModule(ctx, "mod-auth", "1.0.0", []string{"auth", "sessions"})
	require.NoError(t, err)
	_, err = st.UpsertModule(ctx, "mod-basic", "1.0.0", []string{"auth"})
	require.NoError(t, err)

	compatible, err := st.FindCompatible(ctx, []string{"auth", "sessions"})
	require.NoError(t, err)
	require.Len(t, compatible, 1)
	assert.Equal(t, "mod-auth", compatible[0].ModuleID)
}

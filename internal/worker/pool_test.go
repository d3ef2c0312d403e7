package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/planner/internal/domain"
	"github.com/yungbote/planner/internal/platform/logger"
)

type fakeClaimer struct{}

func (fakeClaimer) Claim(ctx context.Context, role domain.Role, workerID string, lease time.Duration) (*domain.Task, error) {
	return nil, nil
}
func (fakeClaimer) Heartbeat(ctx context.Context, taskID uuid.UUID, workerID string, lease time.Duration) error {
	return nil
}
func (fakeClaimer) Requeue(ctx context.Context, taskID uuid.UUID, role domain.Role, priority int) error {
	return nil
}

type fakeReader struct {
	markRunningCalled bool
	tasks             map[uuid.UUID]*domain.Task
}

func (f *fakeReader) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, errors.New("task not found")
}
func (f *fakeReader) DependencyOutputs(ctx context.Context, task *domain.Task) (map[string]map[string]any, error) {
	return map[string]map[string]any{}, nil
}
func (f *fakeReader) CurrentTruthRecord(ctx context.Context, jobID uuid.UUID) (*domain.JobTruthRecord, error) {
	return nil, nil
}
func (f *fakeReader) MarkRunning(ctx context.Context, id uuid.UUID, workerID string) error {
	f.markRunningCalled = true
	return nil
}

type fakeWriter struct {
	mu           sync.Mutex
	artifacts    int
	completed    int
	failed       int
	lastTerminal bool
}

func (f *fakeWriter) PutArtifact(ctx context.Context, jobID uuid.UUID, artifactType domain.ArtifactType, taskID uuid.UUID, content map[string]any) (*domain.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts++
	return &domain.Artifact{Hash: "deadbeef", JobID: jobID, ArtifactType: artifactType}, nil
}
func (f *fakeWriter) CompleteTask(ctx context.Context, id uuid.UUID, workerID string, output map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed++
	return nil
}
func (f *fakeWriter) FailTask(ctx context.Context, id uuid.UUID, workerID, errMsg string, maxAttempts int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed++
	f.lastTerminal = true
	return true, nil
}

type fakeEvents struct {
	mu   sync.Mutex
	kind []domain.EventKind
}

func (f *fakeEvents) Publish(ctx context.Context, jobID uuid.UUID, taskID *uuid.UUID, kind domain.EventKind, correlationID string, payload map[string]any) (*domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kind = append(f.kind, kind)
	return &domain.Event{Kind: kind}, nil
}

type succeedingHandler struct{ role domain.Role }

func (h succeedingHandler) Role() domain.Role { return h.role }
func (h succeedingHandler) Run(ctx context.Context, in HandlerInput, cancel CancelToken) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

type failingHandler struct{ role domain.Role }

func (h failingHandler) Role() domain.Role { return h.role }
func (h failingHandler) Run(ctx context.Context, in HandlerInput, cancel CancelToken) (map[string]any, error) {
	return nil, errors.New("handler exploded")
}

type panickingHandler struct{ role domain.Role }

func (h panickingHandler) Role() domain.Role { return h.role }
func (h panickingHandler) Run(ctx context.Context, in HandlerInput, cancel CancelToken) (map[string]any, error) {
	panic("unexpected")
}

func newTestPool(t *testing.T, handler Handler) (*Pool, *fakeReader, *fakeWriter, *fakeEvents, chan bool) {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	reg := NewRegistry()
	require.NoError(t, reg.Register(handler))
	reader := &fakeReader{}
	writer := &fakeWriter{}
	events := &fakeEvents{}
	terminalCh := make(chan bool, 1)
	onTerminal := func(ctx context.Context, task *domain.Task, succeeded bool) {
		terminalCh <- succeeded
	}
	pool := NewPool(log, fakeClaimer{}, reader, writer, events, reg, Config{
		Lease: 30 * time.Second, HeartbeatEvery: time.Hour, DefaultDeadline: time.Second, MaxAttempts: 1,
	}, onTerminal)
	return pool, reader, writer, events, terminalCh
}

func TestRunSucceedsAndPublishesArtifact(t *testing.T) {
	task := &domain.Task{ID: uuid.New(), JobID: uuid.New(), Role: domain.RolePRD, Stage: domain.StagePRDGeneration}
	pool, reader, writer, events, terminalCh := newTestPool(t, succeedingHandler{role: domain.RolePRD})

	pool.run(context.Background(), task, "worker-1")

	assert.True(t, reader.markRunningCalled)
	assert.Equal(t, 1, writer.artifacts)
	assert.Equal(t, 1, writer.completed)
	assert.Contains(t, events.kind, domain.EventArtifactStored)
	assert.Contains(t, events.kind, domain.EventTaskSucceeded)

	select {
	case succeeded := <-terminalCh:
		assert.True(t, succeeded)
	case <-time.After(time.Second):
		t.Fatal("onTerminal was not invoked")
	}
}

func TestRunFailsWhenHandlerReturnsError(t *testing.T) {
	task := &domain.Task{ID: uuid.New(), JobID: uuid.New(), Role: domain.RolePRD, Stage: domain.StagePRDGeneration}
	pool, _, writer, events, terminalCh := newTestPool(t, failingHandler{role: domain.RolePRD})

	pool.run(context.Background(), task, "worker-1")

	assert.Equal(t, 1, writer.failed)
	assert.True(t, writer.lastTerminal)
	assert.Contains(t, events.kind, domain.EventTaskFailed)

	select {
	case succeeded := <-terminalCh:
		assert.False(t, succeeded)
	case <-time.After(time.Second):
		t.Fatal("onTerminal was not invoked")
	}
}

func TestRunRecoversFromHandlerPanic(t *testing.T) {
	task := &domain.Task{ID: uuid.New(), JobID: uuid.New(), Role: domain.RolePRD, Stage: domain.StagePRDGeneration}
	pool, _, writer, _, terminalCh := newTestPool(t, panickingHandler{role: domain.RolePRD})

	assert.NotPanics(t, func() {
		pool.run(context.Background(), task, "worker-1")
	})
	assert.Equal(t, 1, writer.failed)

	select {
	case succeeded := <-terminalCh:
		assert.False(t, succeeded)
	case <-time.After(time.Second):
		t.Fatal("onTerminal was not invoked")
	}
}

func TestRunFailsWhenNoHandlerRegistered(t *testing.T) {
	task := &domain.Task{ID: uuid.New(), JobID: uuid.New(), Role: domain.RoleQA, Stage: domain.StageQA}
	pool, _, writer, _, _ := newTestPool(t, succeedingHandler{role: domain.RolePRD})

	pool.run(context.Background(), task, "worker-1")

	assert.Equal(t, 1, writer.failed)
}

func TestCompleteExternalAdvancesSameAsInProcessRun(t *testing.T) {
	task := &domain.Task{ID: uuid.New(), JobID: uuid.New(), Role: domain.RolePRD, Stage: domain.StagePRDGeneration}
	pool, reader, writer, events, terminalCh := newTestPool(t, succeedingHandler{role: domain.RolePRD})
	reader.tasks = map[uuid.UUID]*domain.Task{task.ID: task}

	err := pool.CompleteExternal(context.Background(), task.ID, "external-worker-1", map[string]any{"ok": true})

	require.NoError(t, err)
	assert.Equal(t, 1, writer.artifacts)
	assert.Equal(t, 1, writer.completed)
	assert.Contains(t, events.kind, domain.EventTaskSucceeded)
	select {
	case succeeded := <-terminalCh:
		assert.True(t, succeeded)
	case <-time.After(time.Second):
		t.Fatal("onTerminal was not invoked")
	}
}

func TestFailExternalPropagatesTerminalFailure(t *testing.T) {
	task := &domain.Task{ID: uuid.New(), JobID: uuid.New(), Role: domain.RolePRD, Stage: domain.StagePRDGeneration}
	pool, reader, writer, events, terminalCh := newTestPool(t, succeedingHandler{role: domain.RolePRD})
	reader.tasks = map[uuid.UUID]*domain.Task{task.ID: task}

	err := pool.FailExternal(context.Background(), task.ID, "external-worker-1", "upstream call failed")

	require.NoError(t, err)
	assert.Equal(t, 1, writer.failed)
	assert.Contains(t, events.kind, domain.EventTaskFailed)
	select {
	case succeeded := <-terminalCh:
		assert.False(t, succeeded)
	case <-time.After(time.Second):
		t.Fatal("onTerminal was not invoked")
	}
}

func TestRetryBackoffDoublesUntilCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 500 * time.Millisecond
	assert.Equal(t, base, retryBackoff(1, base, capDur))
	assert.Equal(t, 2*base, retryBackoff(2, base, capDur))
	assert.Equal(t, 4*base, retryBackoff(3, base, capDur))
	assert.Equal(t, capDur, retryBackoff(4, base, capDur))
}

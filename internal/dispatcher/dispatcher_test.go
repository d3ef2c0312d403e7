package dispatcher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/planner/internal/dispatcher"
	"github.com/yungbote/planner/internal/domain"
	"github.com/yungbote/planner/internal/platform/apierr"
	"github.com/yungbote/planner/internal/platform/logger"
)

// fakeTaskStore stands in for the State Store's claim/lease surface so the
// dispatcher's Redis-side ordering can be tested without a real database.
type fakeTaskStore struct {
	mu       sync.Mutex
	claimed  map[uuid.UUID]string
	fail     map[uuid.UUID]bool
	reclaims []domain.Task
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{claimed: map[uuid.UUID]string{}, fail: map[uuid.UUID]bool{}}
}

func (f *fakeTaskStore) ClaimTask(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[id] {
		return nil, apierr.Conflict(assertErr("already claimed"))
	}
	if _, ok := f.claimed[id]; ok {
		return nil, apierr.Conflict(assertErr("already claimed"))
	}
	f.claimed[id] = workerID
	return &domain.Task{ID: id, Status: domain.TaskClaimed, WorkerID: workerID}, nil
}

func (f *fakeTaskStore) RenewLease(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) error {
	return nil
}

func (f *fakeTaskStore) ReclaimExpiredLeases(ctx context.Context) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reclaimed := f.reclaims
	f.reclaims = nil
	return reclaimed, nil
}

type assertErrType string

func (e assertErrType) Error() string { return string(e) }
func assertErr(msg string) error      { return assertErrType(msg) }

func newTestDispatcher(t *testing.T) (*dispatcher.Dispatcher, *fakeTaskStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	log, err := logger.New("test")
	require.NoError(t, err)
	fts := newFakeTaskStore()
	d, err := dispatcher.New(log, mr.Addr(), fts, 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, fts
}

func TestClaimReturnsHighestPriorityFirst(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t)

	low := uuid.New()
	high := uuid.New()
	require.NoError(t, d.Enqueue(ctx, low, domain.RolePRD, 5))
	require.NoError(t, d.Enqueue(ctx, high, domain.RolePRD, 1))

	task, err := d.Claim(ctx, domain.RolePRD, "worker-1", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, high, task.ID)
}

func TestClaimIsFIFOWithinSamePriority(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t)

	first := uuid.New()
	require.NoError(t, d.Enqueue(ctx, first, domain.RolePlan, 1))
	time.Sleep(2 * time.Millisecond)
	second := uuid.New()
	require.NoError(t, d.Enqueue(ctx, second, domain.RolePlan, 1))

	task, err := d.Claim(ctx, domain.RolePlan, "worker-1", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, first, task.ID)
}

func TestClaimOnEmptyQueueReturnsNilNil(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t)

	task, err := d.Claim(ctx, domain.RoleQA, "worker-1", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestClaimLostRaceDropsTaskSilently(t *testing.T) {
	ctx := context.Background()
	d, fts := newTestDispatcher(t)

	id := uuid.New()
	fts.fail[id] = true
	require.NoError(t, d.Enqueue(ctx, id, domain.RoleSecurity, 1))

	task, err := d.Claim(ctx, domain.RoleSecurity, "worker-1", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, task)

	depth, err := d.QueueDepth(ctx, domain.RoleSecurity)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestReapExpiredLeasesRequeuesOntoRedis(t *testing.T) {
	ctx := context.Background()
	d, fts := newTestDispatcher(t)

	reclaimed := domain.Task{ID: uuid.New(), Role: domain.RoleQA, Priority: 2}
	fts.reclaims = []domain.Task{reclaimed}

	n, err := d.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	depth, err := d.QueueDepth(ctx, domain.RoleQA)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	task, err := d.Claim(ctx, domain.RoleQA, "worker-1", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, reclaimed.ID, task.ID)
}

func TestSaturatedCrossesSoftCap(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Enqueue(ctx, uuid.New(), domain.RoleDevelopment, 1))
	}
	saturated, err := d.Saturated(ctx, domain.RoleDevelopment)
	require.NoError(t, err)
	assert.True(t, saturated)
}

package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/vigil/errors"
	vigiltest "github.com/teranos/vigil/internal/testing"
	"github.com/teranos/vigil/internal/util"
)

type recordingPublisher struct {
	mu   sync.Mutex
	ids  []string
	fail error
}

func (p *recordingPublisher) Publish(_ context.Context, job *Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.ids = append(p.ids, job.ID)
	return nil
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

func newTestQueue(t *testing.T) (*Queue, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	q := NewQueue(NewStore(vigiltest.CreateTestDB(t)), pub, BackoffPolicy{Base: time.Minute, Max: 5 * time.Minute}, nil)
	q.SetClock(func() time.Time { return t0 })
	return q, pub
}

func TestQueue_SubmitPublishesOnlyDispatchable(t *testing.T) {
	q, pub := newTestQueue(t)
	ctx := context.Background()

	ready := newJobAt(t, "move", t0)
	blocked := deferredJob(t, "proxy", t0, t0.Add(time.Minute))
	require.NoError(t, q.Submit(ctx, ready))
	require.NoError(t, q.Submit(ctx, blocked))

	assert.Equal(t, []string{ready.ID}, pub.published())
}

func TestQueue_PromotePublishesOnce(t *testing.T) {
	q, pub := newTestQueue(t)
	ctx := context.Background()

	job := deferredJob(t, "proxy", t0, t0)
	require.NoError(t, q.Submit(ctx, job))

	ok, err := q.Promote(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Promote(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{job.ID}, pub.published())
}

func TestQueue_PromotePublishFailureReblocks(t *testing.T) {
	q, pub := newTestQueue(t)
	ctx := context.Background()

	job := deferredJob(t, "proxy", t0, t0)
	require.NoError(t, q.Submit(ctx, job))

	pub.fail = errors.New("redis unavailable")
	_, err := q.Promote(ctx, job.ID)
	assert.ErrorContains(t, err, "redis unavailable")

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.Deferred)
	assert.Equal(t, ReasonPublishFailed, got.BlockedReason)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(t0))
}

func TestQueue_CancelDeferredAndDependents(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	move := deferredJob(t, "move", t0, t0)
	proxy := deferredJob(t, "proxy", t0, t0)
	proxy.AfterJobID = move.ID
	require.NoError(t, q.Submit(ctx, move))
	require.NoError(t, q.Submit(ctx, proxy))

	got, err := q.Cancel(ctx, move.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, got.State)
	assert.Nil(t, got.NextRunAt)

	dep, err := q.GetJob(ctx, proxy.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, dep.State)

	// terminal cancel is a no-op
	got, err = q.Cancel(ctx, move.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, got.State)
}

func TestQueue_ApplyReport(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := newJobAt(t, "remux", t0)
	require.NoError(t, q.Submit(ctx, job))

	got, err := q.ApplyReport(ctx, Report{JobID: job.ID, State: StateRunning, Progress: util.Ptr(0.5)})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, 0.5, got.Progress)

	got, err = q.ApplyReport(ctx, Report{JobID: job.ID, State: StateCompleted, Result: map[string]interface{}{"output": "/out.mp4"}})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, 1.0, got.Progress)
	assert.Equal(t, "/out.mp4", got.Result["output"])
	assert.NotNil(t, got.CompletedAt)

	// late reports against terminal jobs are ignored
	got, err = q.ApplyReport(ctx, Report{JobID: job.ID, State: StateFailed, Error: "boom"})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
}

func TestQueue_ProgressIsClamped(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := newJobAt(t, "proxy", t0)
	require.NoError(t, q.Submit(ctx, job))

	got, err := q.ApplyReport(ctx, Report{JobID: job.ID, State: StateRunning, Progress: util.Ptr(1.7)})
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Progress)

	require.NoError(t, q.UpdateProgress(ctx, job.ID, -0.3))
	got, err = q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Progress)
}

func TestQueue_ApplyReportGuardrailDeferral(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := newJobAt(t, "remux", t0)
	require.NoError(t, q.Submit(ctx, job))
	_, err := q.ApplyReport(ctx, Report{JobID: job.ID, State: StateRunning})
	require.NoError(t, err)

	got, err := q.ApplyReport(ctx, Report{JobID: job.ID, State: StateQueued, BlockedReason: "guardrails:gpu_high"})
	require.NoError(t, err)
	assert.True(t, got.Deferred)
	assert.Equal(t, "guardrails:gpu_high", got.BlockedReason)
	assert.Equal(t, StateQueued, got.State)
}

func TestQueue_ApplyReportRejectsInvalid(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job := deferredJob(t, "remux", t0, t0.Add(time.Hour))
	require.NoError(t, q.Submit(ctx, job))

	_, err := q.ApplyReport(ctx, Report{JobID: job.ID, State: StateRunning})
	assert.ErrorIs(t, err, errors.ErrInvalidTransition, "deferred jobs cannot be started by executors")

	_, err = q.ApplyReport(ctx, Report{JobID: job.ID, State: StateCompleted})
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	_, err = q.ApplyReport(ctx, Report{JobID: job.ID, State: "paused"})
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = q.ApplyReport(ctx, Report{JobID: "missing", State: StateCompleted})
	assert.True(t, errors.IsNotFound(err))
}

func TestQueue_FailCancelsDependents(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	move := newJobAt(t, "move", t0)
	proxy := newJobAt(t, "proxy", t0)
	proxy.AfterJobID = move.ID
	require.NoError(t, q.Submit(ctx, move))
	require.NoError(t, q.Submit(ctx, proxy))

	ok, err := q.Fail(ctx, move.ID, "source file missing")
	require.NoError(t, err)
	assert.True(t, ok)

	dep, err := q.GetJob(ctx, proxy.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, dep.State)
}

func TestQueue_SubscribersSeeTransitions(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	job := deferredJob(t, "proxy", t0, t0)
	require.NoError(t, q.Submit(ctx, job))
	_, err := q.Promote(ctx, job.ID)
	require.NoError(t, err)

	first := <-ch
	assert.True(t, first.Deferred)
	second := <-ch
	assert.False(t, second.Deferred)
}

func TestQueue_ListBlocked(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Submit(ctx, deferredJob(t, "proxy", t0, t0.Add(time.Minute))))
	require.NoError(t, q.Submit(ctx, newJobAt(t, "move", t0)))

	blocked, err := q.ListBlocked(ctx, 10)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, "guardrails:cpu_high", blocked[0].BlockedReason)
	assert.NotNil(t, blocked[0].NextRunAt)
}

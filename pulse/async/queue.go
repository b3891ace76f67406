package async

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/internal/util"
	"github.com/teranos/vigil/logger"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100

	// ReasonPublishFailed blocks a promoted job whose publish failed; the
	// admission loop retries it like any other block.
	ReasonPublishFailed = "publish_failed"
)

// ErrJobCanceled is the cancellation cause given to a running job that a
// user canceled.
var ErrJobCanceled = errors.New("job canceled")

// Report is what an executor sends back about a job.
type Report struct {
	JobID    string                 `json:"job_id"`
	State    JobState               `json:"state"`
	Progress *float64               `json:"progress,omitempty"`
	Result   map[string]interface{} `json:"result,omitempty"`
	Error    string                 `json:"error,omitempty"`
	// BlockedReason with State=queued hands a running job back to the
	// deferred state, e.g. an external executor that saw guardrails trip.
	BlockedReason string `json:"blocked_reason,omitempty"`
}

// Queue is the single entry point for job transitions. It persists through
// Store, publishes admitted jobs and notifies subscribers of every change.
type Queue struct {
	store     *Store
	publisher Publisher
	backoff   BackoffPolicy
	log       *zap.SugaredLogger
	timeNow   func() time.Time

	mu          sync.RWMutex
	subscribers []chan *Job

	runMu   sync.Mutex
	running map[string]context.CancelCauseFunc
}

// NewQueue creates a queue over store. A nil publisher leaves jobs for
// pollers to pick up from the store.
func NewQueue(store *Store, publisher Publisher, backoff BackoffPolicy, log *zap.SugaredLogger) *Queue {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Queue{
		store:     store,
		publisher: publisher,
		backoff:   backoff,
		log:       logger.AddComponent(log, "queue"),
		timeNow:   time.Now,
		running:   make(map[string]context.CancelCauseFunc),
	}
}

// Store exposes the underlying store for read paths.
func (q *Queue) Store() *Store { return q.store }

// Backoff returns the re-check policy.
func (q *Queue) Backoff() BackoffPolicy { return q.backoff }

// SetClock replaces the time source (tests).
func (q *Queue) SetClock(now func() time.Time) { q.timeNow = now }

func (q *Queue) now() time.Time { return q.timeNow().UTC() }

// GetJob returns a job by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.store.GetJob(ctx, id)
}

// ListJobs lists jobs matching filter.
func (q *Queue) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	return q.store.ListJobs(ctx, filter)
}

// ListBlocked returns deferred jobs with their blocked_reason and next_run_at.
func (q *Queue) ListBlocked(ctx context.Context, limit int) ([]*Job, error) {
	deferred := true
	return q.store.ListJobs(ctx, JobFilter{State: StateQueued, Deferred: &deferred, Limit: limit})
}

// Submit persists a new job. Dispatchable jobs are published immediately;
// deferred ones wait for the admission loop.
func (q *Queue) Submit(ctx context.Context, job *Job) error {
	if err := q.store.CreateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to submit job")
		return errors.WithDetailf(err, "job_type=%s source=%s", job.Type, job.Source)
	}
	fields := []interface{}{
		logger.FieldJobID, job.ID,
		logger.FieldJobType, job.Type,
		logger.FieldDeferred, job.Deferred,
	}
	if job.Deferred {
		fields = append(fields, logger.FieldBlockedReason, job.BlockedReason, logger.FieldNextRunAt, job.NextRunAt)
	}
	logger.PulseInfow(q.log, "Job submitted", fields...)
	q.notify(job)

	if !job.Deferred {
		return q.publish(ctx, job)
	}
	return nil
}

// Promote clears a deferred job's block and publishes it. A job that is no
// longer deferred is left alone and reported as not promoted, so promoting
// twice never publishes twice.
func (q *Queue) Promote(ctx context.Context, id string) (bool, error) {
	ok, err := q.store.Promote(ctx, id, q.now())
	if err != nil || !ok {
		return false, err
	}
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return true, err
	}
	logger.PulseInfow(q.log, "Job promoted",
		logger.FieldJobID, job.ID,
		logger.FieldJobType, job.Type,
		logger.FieldAttempts, job.Attempts)
	q.notify(job)
	return true, q.publish(ctx, job)
}

// publish hands job to the publisher. If that fails the job is blocked
// again so the admission loop retries; it is never left dispatchable but
// unpublished.
func (q *Queue) publish(ctx context.Context, job *Job) error {
	if q.publisher == nil {
		return nil
	}
	pubErr := q.publisher.Publish(ctx, job)
	if pubErr == nil {
		return nil
	}
	now := q.now()
	next := q.backoff.Next(now, job.Attempts)
	if _, err := q.store.Defer(ctx, job.ID, ReasonPublishFailed, next, now); err != nil {
		return errors.CombineErrors(pubErr, err)
	}
	q.log.Warnw("Publish failed, job blocked for retry",
		logger.FieldJobID, job.ID,
		logger.FieldNextRunAt, next,
		logger.FieldError, pubErr)
	q.refresh(ctx, job.ID)
	return pubErr
}

// Redefer records that a deferred job is still blocked. attempts is the
// count the caller observed.
func (q *Queue) Redefer(ctx context.Context, job *Job, reason string, nextRunAt time.Time) (bool, error) {
	ok, err := q.store.Redefer(ctx, job.ID, job.Attempts, reason, nextRunAt, q.now())
	if err != nil || !ok {
		return ok, err
	}
	logger.PulseInfow(q.log, "Job still blocked",
		logger.FieldJobID, job.ID,
		logger.FieldBlockedReason, reason,
		logger.FieldNextRunAt, nextRunAt,
		logger.FieldAttempts, job.Attempts+1)
	q.refresh(ctx, job.ID)
	return true, nil
}

// DeferRunning hands a running job back to the admission loop.
func (q *Queue) DeferRunning(ctx context.Context, job *Job, reason string) (bool, error) {
	now := q.now()
	next := q.backoff.Next(now, job.Attempts)
	ok, err := q.store.DeferRunning(ctx, job.ID, reason, next, now)
	if err != nil || !ok {
		return ok, err
	}
	logger.GateWarnw(q.log, "Running job deferred",
		logger.FieldJobID, job.ID,
		logger.FieldBlockedReason, reason,
		logger.FieldNextRunAt, next)
	q.refresh(ctx, job.ID)
	return true, nil
}

// Requeue returns a running job to the dispatchable queue.
func (q *Queue) Requeue(ctx context.Context, id string) (bool, error) {
	ok, err := q.store.Requeue(ctx, id, q.now())
	if err == nil && ok {
		q.refresh(ctx, id)
	}
	return ok, err
}

// Claim moves the next dispatchable job of types to running.
func (q *Queue) Claim(ctx context.Context, types []string) (*Job, error) {
	job, err := q.store.ClaimNext(ctx, types, q.now())
	if err != nil || job == nil {
		return job, err
	}
	q.notify(job)
	return job, nil
}

// Complete marks a running job completed.
func (q *Queue) Complete(ctx context.Context, id string, result map[string]interface{}) (bool, error) {
	ok, err := q.store.Finish(ctx, id, StateCompleted, result, "", q.now())
	if err == nil && ok {
		q.refresh(ctx, id)
	}
	return ok, err
}

// Fail marks a queued or running job failed and cancels its dependents.
func (q *Queue) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	ok, err := q.store.Fail(ctx, id, errMsg, q.now())
	if err != nil || !ok {
		return ok, err
	}
	q.log.Warnw("Job failed", logger.FieldJobID, id, logger.FieldError, errMsg)
	q.refresh(ctx, id)
	q.cancelDependents(ctx, id)
	return true, nil
}

// Cancel moves a queued or running job to canceled. Canceling a terminal
// job is a no-op. A running job's context is canceled with ErrJobCanceled.
func (q *Queue) Cancel(ctx context.Context, id string) (*Job, error) {
	prev, ok, err := q.store.Cancel(ctx, id, q.now())
	if err != nil {
		return nil, err
	}
	if ok {
		if prev == StateRunning {
			q.cancelRunning(id, ErrJobCanceled)
		}
		logger.PulseInfow(q.log, "Job canceled", logger.FieldJobID, id, "previous_state", prev)
		q.cancelDependents(ctx, id)
	}
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		q.notify(job)
	}
	return job, nil
}

func (q *Queue) cancelDependents(ctx context.Context, id string) {
	deps, err := q.store.ListDependents(ctx, id)
	if err != nil {
		q.log.Errorw("Failed to list dependent jobs", logger.FieldJobID, id, logger.FieldError, err)
		return
	}
	for _, dep := range deps {
		if _, err := q.Cancel(ctx, dep.ID); err != nil {
			q.log.Errorw("Failed to cancel dependent job", logger.FieldJobID, dep.ID, logger.FieldError, err)
		}
	}
}

// ApplyReport updates a job from an executor report.
func (q *Queue) ApplyReport(ctx context.Context, r Report) (*Job, error) {
	job, err := q.store.GetJob(ctx, r.JobID)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return job, nil
	}
	now := q.now()

	var ok bool
	switch r.State {
	case StateRunning:
		if job.State == StateQueued {
			if job.Deferred {
				return nil, errors.Wrapf(errors.ErrInvalidTransition, "job %s is deferred: %s", job.ID, job.BlockedReason)
			}
			if ok, err = q.store.Start(ctx, job.ID, now); err != nil {
				return nil, err
			}
		}
		if r.Progress != nil {
			ok, err = q.store.UpdateProgress(ctx, job.ID, util.Clamp(*r.Progress, 0, 1), now)
		}
	case StateCompleted:
		ok, err = q.store.Finish(ctx, job.ID, StateCompleted, r.Result, "", now)
	case StateFailed:
		ok, err = q.store.Finish(ctx, job.ID, StateFailed, r.Result, r.Error, now)
		if err == nil && ok {
			q.cancelDependents(ctx, job.ID)
		}
	case StateCanceled:
		return q.Cancel(ctx, job.ID)
	case StateQueued:
		if r.BlockedReason == "" {
			ok, err = q.store.Requeue(ctx, job.ID, now)
		} else {
			ok, err = q.DeferRunning(ctx, job, r.BlockedReason)
		}
	default:
		return nil, errors.NewInvalidRequestError("unknown job state %q", r.State)
	}
	if err != nil {
		return nil, err
	}
	if !ok && r.State != StateRunning {
		return nil, errors.Wrapf(errors.ErrInvalidTransition, "job %s cannot go from %s to %s", job.ID, job.State, r.State)
	}

	updated, err := q.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	q.notify(updated)
	return updated, nil
}

// UpdateProgress records progress for a running job.
func (q *Queue) UpdateProgress(ctx context.Context, id string, progress float64) error {
	_, err := q.store.UpdateProgress(ctx, id, util.Clamp(progress, 0, 1), q.now())
	return err
}

// trackRunning registers the cancel func of a job executing in this process.
func (q *Queue) trackRunning(id string, cancel context.CancelCauseFunc) {
	q.runMu.Lock()
	q.running[id] = cancel
	q.runMu.Unlock()
}

func (q *Queue) untrackRunning(id string) {
	q.runMu.Lock()
	delete(q.running, id)
	q.runMu.Unlock()
}

func (q *Queue) cancelRunning(id string, cause error) {
	q.runMu.Lock()
	cancel, ok := q.running[id]
	q.runMu.Unlock()
	if ok {
		cancel(cause)
	}
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is not closed.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notify sends job to every subscriber without blocking; slow subscribers miss updates.
func (q *Queue) notify(job *Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subscribers {
		select {
		case ch <- job:
		default:
		}
	}
}

func (q *Queue) refresh(ctx context.Context, id string) {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		q.log.Debugw("Failed to reload job for subscribers", logger.FieldJobID, id, logger.FieldError, err)
		return
	}
	q.notify(job)
}

// Counts returns job counts by state plus deferred.
func (q *Queue) Counts(ctx context.Context) (map[string]int, error) {
	return q.store.Counts(ctx)
}

package async

import (
	"context"
	"database/sql"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/vigil/am"
	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/logger"
	"github.com/teranos/vigil/pulse/guardrail"
	"github.com/teranos/vigil/pulse/probe"
	"github.com/teranos/vigil/pulse/window"
)

// GuardrailMonitor is what the worker pool polls while a resource-sensitive
// job runs. *guardrail.Checker satisfies it.
type GuardrailMonitor interface {
	Violations(ctx context.Context, o *guardrail.Override) ([]guardrail.Violation, probe.Snapshot)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers           int
	PollInterval      time.Duration
	GuardrailPoll     time.Duration // mid-run re-check interval for resource-sensitive jobs
	ResourceSensitive []string
}

// DefaultWorkerPoolConfig returns the defaults NewWorkerPool falls back to.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:           1,
		PollInterval:      time.Second,
		GuardrailPoll:     3 * time.Second,
		ResourceSensitive: []string{"remux", "proxy", "thumbnail", "transcode", "exec"},
	}
}

// WorkerPoolConfigFrom builds the pool config from loaded settings.
func WorkerPoolConfigFrom(cfg *am.Config) WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:           cfg.Workers.Count,
		PollInterval:      time.Duration(cfg.Workers.PollIntervalMS) * time.Millisecond,
		GuardrailPoll:     time.Duration(cfg.Workers.GuardrailPollSeconds) * time.Second,
		ResourceSensitive: cfg.Admission.ResourceSensitive,
	}
}

// WorkerPool executes dispatchable jobs in-process through a HandlerRegistry.
// Only job types with a registered handler are claimed, so a pool can share
// a store with external executors.
type WorkerPool struct {
	queue    *Queue
	registry *HandlerRegistry
	monitor  GuardrailMonitor
	cfg      WorkerPoolConfig
	wake     <-chan struct{}
	log      *zap.SugaredLogger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active int
}

// NewWorkerPool creates a pool. wake may be nil; workers then only poll.
// monitor may be nil, which disables mid-run guardrail checks.
func NewWorkerPool(queue *Queue, registry *HandlerRegistry, monitor GuardrailMonitor, cfg WorkerPoolConfig, wake <-chan struct{}, log *zap.SugaredLogger) *WorkerPool {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	def := DefaultWorkerPoolConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.GuardrailPoll <= 0 {
		cfg.GuardrailPoll = def.GuardrailPoll
	}
	if cfg.ResourceSensitive == nil {
		cfg.ResourceSensitive = def.ResourceSensitive
	}
	return &WorkerPool{
		queue:    queue,
		registry: registry,
		monitor:  monitor,
		cfg:      cfg,
		wake:     wake,
		log:      logger.AddComponent(log, "workers"),
	}
}

// Start recovers jobs orphaned by a previous process and launches workers.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.mu.Lock()
	wp.ctx, wp.cancel = context.WithCancel(ctx)
	wp.mu.Unlock()

	if n, err := wp.queue.store.ReleaseOrphans(wp.ctx, wp.queue.now()); err != nil {
		wp.log.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
	} else if n > 0 {
		logger.PulseOpenInfow(wp.log, "Recovered orphaned jobs", logger.FieldCount, n)
	}

	for i := 0; i < wp.cfg.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	logger.PulseOpenInfow(wp.log, "Worker pool started",
		"workers", wp.cfg.Workers,
		"job_types", wp.registry.Names())
}

// Stop cancels running jobs (they are requeued) and waits for workers to exit.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	cancel := wp.cancel
	wp.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		logger.PulseCloseInfow(wp.log, "Worker pool stopped")
	case <-time.After(timeout):
		wp.log.Warnw("Worker pool stop timed out, handlers may still be cleaning up", "timeout", timeout)
	}
}

// Active returns the number of jobs currently executing.
func (wp *WorkerPool) Active() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.active
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		// Drain the queue before sleeping again.
		for {
			processed, err := wp.processNextJob()
			if err != nil {
				if wp.ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) {
					return
				}
				errorCount++
				wp.log.Errorw("Worker error processing job",
					"worker_id", id,
					logger.FieldError, err,
					"consecutive_errors", errorCount)
				if errorCount >= maxConsecutiveErrors {
					select {
					case <-wp.ctx.Done():
						return
					case <-time.After(backoff):
					}
					backoff = min(backoff*2, maxBackoff)
				}
				break
			}
			if errorCount > 0 {
				wp.log.Infow("Worker recovered from errors", "worker_id", id, "previous_error_count", errorCount)
				errorCount = 0
				backoff = time.Second
			}
			if !processed {
				break
			}
		}

		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
		case <-wp.wake:
		}
	}
}

// processNextJob claims and runs one job. processed is false when nothing
// was ready.
func (wp *WorkerPool) processNextJob() (processed bool, err error) {
	if wp.ctx.Err() != nil {
		return false, nil
	}
	types := wp.registry.Names()
	if len(types) == 0 {
		return false, nil
	}
	job, err := wp.queue.Claim(wp.ctx, types)
	if err != nil {
		return false, errors.Wrap(err, "failed to claim job")
	}
	if job == nil {
		return false, nil
	}

	wp.mu.Lock()
	wp.active++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.active--
		wp.mu.Unlock()
	}()

	wp.run(job)
	return true, nil
}

func (wp *WorkerPool) run(job *Job) {
	log := wp.log.With(logger.FieldJobID, job.ID, logger.FieldJobType, job.Type)

	jobCtx, cancel := context.WithCancelCause(wp.ctx)
	defer cancel(nil)
	wp.queue.trackRunning(job.ID, cancel)
	defer wp.queue.untrackRunning(job.ID)

	jobCtx = logger.WithJobID(jobCtx, job.ID)
	jobCtx = WithProgress(jobCtx, func(p float64) {
		if err := wp.queue.UpdateProgress(context.WithoutCancel(jobCtx), job.ID, p); err != nil {
			log.Debugw("Failed to record progress", logger.FieldError, err)
		}
	})

	if wp.monitor != nil && wp.cfg.GuardrailPoll > 0 && slices.Contains(wp.cfg.ResourceSensitive, job.Type) {
		go wp.watchGuardrails(jobCtx, cancel, job)
	}

	logger.PulseInfow(log, "Job started")
	start := time.Now()
	result, execErr := wp.registry.Execute(jobCtx, job)
	elapsed := time.Since(start).Milliseconds()

	// Store writes below must not be skipped because the job's own context ended.
	ctx := context.WithoutCancel(wp.ctx)
	cause := context.Cause(jobCtx)

	var violation *guardrail.ViolationError
	switch {
	case execErr == nil:
		ok, err := wp.queue.Complete(ctx, job.ID, result)
		if err != nil {
			log.Errorw("Failed to record job completion", logger.FieldError, err)
			return
		}
		if !ok {
			log.Debugw("Job finished after leaving running state, result dropped")
			return
		}
		logger.PulseInfow(log, "Job completed", logger.FieldDurationMS, elapsed)
	case errors.As(cause, &violation):
		reason := window.GuardrailsReason(guardrail.Reasons(violation.Violations))
		if _, err := wp.queue.DeferRunning(ctx, job, reason); err != nil {
			log.Errorw("Failed to defer job after guardrail trip", logger.FieldError, err)
		}
	case errors.Is(cause, ErrJobCanceled):
		// The store already holds canceled.
		logger.PulseInfow(log, "Job canceled while running", logger.FieldDurationMS, elapsed)
	case wp.ctx.Err() != nil:
		logger.PulseCloseInfow(log, "Job interrupted by shutdown, requeueing")
		if _, err := wp.queue.Requeue(ctx, job.ID); err != nil {
			log.Errorw("Failed to requeue interrupted job", logger.FieldError, err)
		}
	default:
		if _, err := wp.queue.Fail(ctx, job.ID, execErr.Error()); err != nil {
			log.Errorw("Failed to record job failure", logger.FieldError, err)
		}
	}
}

// watchGuardrails cancels the job with a *guardrail.ViolationError as soon
// as a poll sees a violation.
func (wp *WorkerPool) watchGuardrails(ctx context.Context, cancel context.CancelCauseFunc, job *Job) {
	ticker := time.NewTicker(wp.cfg.GuardrailPoll)
	defer ticker.Stop()

	var override *guardrail.Override
	if job.Gate != nil {
		override = job.Gate.Guardrails
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			vs, _ := wp.monitor.Violations(ctx, override)
			if len(vs) == 0 {
				continue
			}
			logger.GateWarnw(wp.log, "Guardrails tripped mid-run, stopping job",
				logger.FieldJobID, job.ID,
				logger.FieldViolations, guardrail.Reasons(vs))
			cancel(&guardrail.ViolationError{Violations: vs})
			return
		}
	}
}

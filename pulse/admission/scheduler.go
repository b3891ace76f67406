// Package admission runs the control loop that owns deferred jobs: every
// tick it re-derives each due job's blocking condition, promotes the jobs
// that cleared and re-defers the rest with backoff and jitter.
package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/vigil/am"
	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/logger"
	"github.com/teranos/vigil/pulse/async"
	"github.com/teranos/vigil/pulse/window"
)

// ErrTickInProgress is returned by Tick when the previous tick is still running.
var ErrTickInProgress = errors.New("admission tick already in progress")

// Config controls the loop cadence.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// ConfigFrom reads the admission section.
func ConfigFrom(c am.AdmissionConfig) Config {
	return Config{
		Interval:  time.Duration(c.IntervalSeconds) * time.Second,
		BatchSize: c.BatchSize,
	}
}

// TickStats summarises one pass.
type TickStats struct {
	Checked  int
	Promoted int
	Deferred int
	Failed   int
	Errors   int
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.timeNow = now }
}

// WithRand replaces the jitter source; f returns values in [0, 1).
func WithRand(f func() float64) Option {
	return func(s *Scheduler) { s.backoff.Float = f }
}

// Scheduler is the admission loop. Ticks never overlap: a tick that fires
// while the previous one is still working is skipped.
type Scheduler struct {
	queue   *async.Queue
	gates   *Gates
	backoff async.BackoffPolicy
	cfg     Config
	log     *zap.SugaredLogger
	timeNow func() time.Time

	busy atomic.Bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lastTick time.Time
	last     TickStats
}

// New creates a scheduler over queue. The backoff policy defaults to the queue's.
func New(queue *async.Queue, gates *Gates, cfg Config, log *zap.SugaredLogger, opts ...Option) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	s := &Scheduler{
		queue:   queue,
		gates:   gates,
		backoff: queue.Backoff(),
		cfg:     cfg,
		log:     logger.AddComponent(log, "admission"),
		timeNow: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the loop until Stop or ctx is done. A zero interval leaves the loop off.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		s.log.Infow("Admission loop disabled")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(loopCtx)
	logger.PulseOpenInfow(s.log, "Admission loop started",
		"interval", s.cfg.Interval,
		logger.FieldBatchSize, s.cfg.BatchSize)
}

// Stop halts the loop and waits for an in-flight tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	logger.PulseCloseInfow(s.log, "Admission loop stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) && ctx.Err() == nil {
				s.log.Errorw("Admission tick failed, retrying next interval", logger.FieldError, err)
			}
		}
	}
}

// Tick processes one batch of due deferred jobs. A store failure while
// listing aborts the tick; a failure on one job is counted and the batch
// continues.
func (s *Scheduler) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	if !s.busy.CompareAndSwap(false, true) {
		s.log.Debugw("Skipping tick, previous tick still running")
		return stats, ErrTickInProgress
	}
	defer s.busy.Store(false)

	now := s.timeNow().UTC()
	jobs, err := s.queue.Store().ListDeferredDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return stats, errors.Wrap(err, "failed to list deferred jobs")
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		stats.Checked++
		s.recheck(ctx, job, now, &stats)
	}

	s.mu.Lock()
	s.lastTick = now
	s.last = stats
	s.mu.Unlock()

	if stats.Checked > 0 {
		logger.PulseInfow(s.log, "Admission tick",
			logger.FieldCount, stats.Checked,
			"promoted", stats.Promoted,
			"deferred", stats.Deferred,
			"failed", stats.Failed,
			"errors", stats.Errors)
	}
	return stats, nil
}

func (s *Scheduler) recheck(ctx context.Context, job *async.Job, now time.Time, stats *TickStats) {
	log := s.log.With(logger.FieldJobID, job.ID, logger.FieldJobType, job.Type)
	v := s.holdBehind(ctx, job)
	if !v.Blocked {
		v = s.gates.Check(ctx, job, now)
	}

	if v.Fail != "" {
		if _, err := s.queue.Fail(ctx, job.ID, v.Fail); err != nil {
			stats.Errors++
			log.Errorw("Failed to fail job", logger.FieldError, err)
			return
		}
		stats.Failed++
		return
	}

	if !v.Blocked {
		promoted, err := s.queue.Promote(ctx, job.ID)
		if err != nil {
			stats.Errors++
			log.Errorw("Promotion failed, job stays blocked", logger.FieldError, err)
			return
		}
		if promoted {
			stats.Promoted++
		}
		return
	}

	if v.Err != nil {
		log.Warnw("Re-check failed, treating job as still blocked", logger.FieldError, v.Err)
	}
	next := s.backoff.Next(now, job.Attempts)
	log.Debugw("Still blocked",
		logger.FieldBlockedReason, v.Reason,
		logger.FieldAttempts, job.Attempts,
		logger.FieldNextRunAt, next)
	if _, err := s.queue.Redefer(ctx, job, v.Reason, next); err != nil {
		stats.Errors++
		log.Errorw("Failed to re-defer job", logger.FieldError, err)
		return
	}
	stats.Deferred++
}

// holdBehind keeps a chained job blocked while its predecessor is still
// deferred. Only the head of a deferred chain carries the quiet-period gate;
// without this, followers would be published ahead of it.
func (s *Scheduler) holdBehind(ctx context.Context, job *async.Job) Verdict {
	if job.AfterJobID == "" {
		return Verdict{}
	}
	prev, err := s.queue.GetJob(ctx, job.AfterJobID)
	switch {
	case errors.IsNotFound(err):
		return Verdict{}
	case err != nil:
		return Verdict{Blocked: true, Reason: window.AfterJobReason(job.AfterJobID), Err: err}
	case prev.Deferred:
		return Verdict{Blocked: true, Reason: window.AfterJobReason(prev.ID)}
	}
	return Verdict{}
}

// LastTick returns when the last tick ran and what it did.
func (s *Scheduler) LastTick() (time.Time, TickStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick, s.last
}

// Admit submits an externally created job through the same gates the loop
// re-checks, deferring it when one of them blocks.
func (s *Scheduler) Admit(ctx context.Context, job *async.Job) error {
	now := s.timeNow().UTC()
	v := s.holdBehind(ctx, job)
	if !v.Blocked {
		v = s.gates.Check(ctx, job, now)
	}
	if v.Fail != "" {
		return errors.NewInvalidRequestError("job %s cannot be admitted: %s", job.Type, v.Fail)
	}
	if v.Blocked {
		next := s.backoff.Next(now, 0)
		if v.Wait > 0 {
			next = now.Add(v.Wait)
		}
		job.Defer(v.Reason, next)
	}
	return s.queue.Submit(ctx, job)
}

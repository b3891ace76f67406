package async

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/vigil/db"
	"github.com/teranos/vigil/errors"
)

// Store handles persistence of jobs. Every lifecycle transition is a
// conditional UPDATE so concurrent writers (admission loop, workers,
// executor reports, cancel requests) cannot clobber each other.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	State    JobState
	Deferred *bool
	Type     string
	RuleID   string
	AssetID  string
	Limit    int
}

// CreateJob inserts a new job
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	payload, err := encodeJSON(job.Payload, false)
	if err != nil {
		return err
	}
	result, err := encodeJSON(job.Result, job.Result == nil)
	if err != nil {
		return err
	}
	gate, err := encodeJSON(job.Gate, job.Gate == nil)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (
			id, type, asset_id, payload, state, deferred, blocked_reason,
			next_run_at, attempts, last_check_at, progress, result, error,
			rule_id, gate, after_job_id, source, created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.Type,
		nullString(job.AssetID),
		payload,
		job.State,
		job.Deferred,
		nullString(job.BlockedReason),
		db.NullTime(job.NextRunAt),
		job.Attempts,
		db.NullTime(job.LastCheckAt),
		job.Progress,
		result,
		nullString(job.Error),
		nullString(job.RuleID),
		gate,
		nullString(job.AfterJobID),
		job.Source,
		db.FormatTime(job.CreatedAt),
		db.NullTime(job.StartedAt),
		db.NullTime(job.CompletedAt),
		db.FormatTime(job.UpdatedAt),
	)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to create job"), "job_id=%s", job.ID)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// UpdateJob writes every mutable column of job unconditionally. Lifecycle
// transitions should use the CAS methods below; UpdateJob is for repairs
// and tests.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	payload, err := encodeJSON(job.Payload, false)
	if err != nil {
		return err
	}
	result, err := encodeJSON(job.Result, job.Result == nil)
	if err != nil {
		return err
	}
	gate, err := encodeJSON(job.Gate, job.Gate == nil)
	if err != nil {
		return err
	}
	job.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE jobs
		SET payload = ?, state = ?, deferred = ?, blocked_reason = ?, next_run_at = ?,
		    attempts = ?, last_check_at = ?, progress = ?, result = ?, error = ?,
		    gate = ?, after_job_id = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query,
		payload,
		job.State,
		job.Deferred,
		nullString(job.BlockedReason),
		db.NullTime(job.NextRunAt),
		job.Attempts,
		db.NullTime(job.LastCheckAt),
		job.Progress,
		result,
		nullString(job.Error),
		gate,
		nullString(job.AfterJobID),
		db.NullTime(job.StartedAt),
		db.NullTime(job.CompletedAt),
		db.FormatTime(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to update job"), "job_id=%s", job.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("job not found: %s", job.ID)
	}
	return nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var where []string
	var args []interface{}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	if filter.Deferred != nil {
		where = append(where, "deferred = ?")
		args = append(args, *filter.Deferred)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.AssetID != "" {
		where = append(where, "asset_id = ?")
		args = append(args, filter.AssetID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	return s.queryJobs(ctx, "jobs", query, args...)
}

// ListDeferredDue returns deferred jobs whose next_run_at has passed,
// oldest re-check first.
func (s *Store) ListDeferredDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE deferred = 1 AND state = 'queued' AND next_run_at <= ?
		ORDER BY next_run_at ASC, created_at ASC
		LIMIT ?`
	return s.queryJobs(ctx, "deferred jobs", query, db.FormatTime(now), limit)
}

// ListDependents returns non-terminal jobs chained after id.
func (s *Store) ListDependents(ctx context.Context, id string) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE after_job_id = ? AND state IN ('queued', 'running')
		ORDER BY created_at ASC`
	return s.queryJobs(ctx, "dependent jobs", query, id)
}

func (s *Store) queryJobs(ctx context.Context, what, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", what)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", what)
	}
	return jobs, nil
}

// Promote clears a deferred job's block. Returns false when the job was not
// deferred-and-queued any more, which makes promotion idempotent.
func (s *Store) Promote(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		UPDATE jobs
		SET deferred = 0, blocked_reason = NULL, next_run_at = NULL,
		    last_check_at = ?, updated_at = ?
		WHERE id = ? AND deferred = 1 AND state = 'queued'`
	ts := db.FormatTime(now)
	return s.cas(ctx, "promote", id, query, ts, ts, id)
}

// Redefer records a failed re-check: new reason, new next_run_at, attempts+1.
// attempts is the value the caller read; a concurrent change makes it a no-op.
func (s *Store) Redefer(ctx context.Context, id string, attempts int, reason string, nextRunAt, now time.Time) (bool, error) {
	query := `
		UPDATE jobs
		SET blocked_reason = ?, next_run_at = ?, attempts = attempts + 1,
		    last_check_at = ?, updated_at = ?
		WHERE id = ? AND deferred = 1 AND state = 'queued' AND attempts = ?`
	ts := db.FormatTime(now)
	return s.cas(ctx, "redefer", id, query, reason, db.FormatTime(nextRunAt), ts, ts, id, attempts)
}

// Defer blocks a dispatchable queued job. Used when publishing a promoted
// job fails so the admission loop retries it.
func (s *Store) Defer(ctx context.Context, id, reason string, nextRunAt, now time.Time) (bool, error) {
	query := `
		UPDATE jobs
		SET deferred = 1, blocked_reason = ?, next_run_at = ?, updated_at = ?
		WHERE id = ? AND deferred = 0 AND state = 'queued'`
	return s.cas(ctx, "defer", id, query, reason, db.FormatTime(nextRunAt), db.FormatTime(now), id)
}

// DeferRunning returns a running job to the deferred state after a mid-run
// guardrail trip.
func (s *Store) DeferRunning(ctx context.Context, id, reason string, nextRunAt, now time.Time) (bool, error) {
	query := `
		UPDATE jobs
		SET state = 'queued', deferred = 1, blocked_reason = ?, next_run_at = ?,
		    attempts = attempts + 1, progress = 0, started_at = NULL,
		    last_check_at = ?, updated_at = ?
		WHERE id = ? AND state = 'running'`
	ts := db.FormatTime(now)
	return s.cas(ctx, "defer running", id, query, reason, db.FormatTime(nextRunAt), ts, ts, id)
}

// Requeue returns a running job to the dispatchable queue, e.g. when its
// worker shuts down mid-run.
func (s *Store) Requeue(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		UPDATE jobs
		SET state = 'queued', progress = 0, started_at = NULL, updated_at = ?
		WHERE id = ? AND state = 'running'`
	return s.cas(ctx, "requeue", id, query, db.FormatTime(now), id)
}

// Start marks a dispatchable job running.
func (s *Store) Start(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		UPDATE jobs
		SET state = 'running', started_at = ?, updated_at = ?
		WHERE id = ? AND state = 'queued' AND deferred = 0`
	ts := db.FormatTime(now)
	return s.cas(ctx, "start", id, query, ts, ts, id)
}

// Finish writes a terminal state for a running job.
func (s *Store) Finish(ctx context.Context, id string, state JobState, result map[string]interface{}, errMsg string, now time.Time) (bool, error) {
	if state != StateCompleted && state != StateFailed {
		return false, errors.Wrapf(errors.ErrInvalidTransition, "finish with state %s", state)
	}
	res, err := encodeJSON(result, result == nil)
	if err != nil {
		return false, err
	}
	progress := "progress"
	if state == StateCompleted {
		progress = "1"
	}
	query := `
		UPDATE jobs
		SET state = ?, result = ?, error = ?, progress = ` + progress + `,
		    completed_at = ?, updated_at = ?
		WHERE id = ? AND state = 'running'`
	ts := db.FormatTime(now)
	return s.cas(ctx, "finish", id, query, state, res, nullString(errMsg), ts, ts, id)
}

// Fail moves a queued (possibly deferred) job straight to failed, e.g. when
// its source file disappeared before admission.
func (s *Store) Fail(ctx context.Context, id, errMsg string, now time.Time) (bool, error) {
	query := `
		UPDATE jobs
		SET state = 'failed', deferred = 0, next_run_at = NULL, error = ?,
		    completed_at = ?, updated_at = ?
		WHERE id = ? AND state IN ('queued', 'running')`
	ts := db.FormatTime(now)
	return s.cas(ctx, "fail", id, query, errMsg, ts, ts, id)
}

// Cancel moves a queued or running job to canceled, clearing any deferral
// so the admission loop never resurrects it. Returns the state the job was
// in beforehand; terminal jobs are returned unchanged with ok=false.
func (s *Store) Cancel(ctx context.Context, id string, now time.Time) (prev JobState, ok bool, err error) {
	// One retry covers a queued->running race between the read and the CAS.
	for range 2 {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return "", false, err
		}
		if job.State.Terminal() {
			return job.State, false, nil
		}
		query := `
			UPDATE jobs
			SET state = 'canceled', deferred = 0, next_run_at = NULL,
			    completed_at = ?, updated_at = ?
			WHERE id = ? AND state = ?`
		ts := db.FormatTime(now)
		changed, err := s.cas(ctx, "cancel", id, query, ts, ts, id, job.State)
		if err != nil {
			return "", false, err
		}
		if changed {
			return job.State, true, nil
		}
	}
	return "", false, errors.Wrapf(errors.ErrConflict, "job %s changed state during cancel", id)
}

// UpdateProgress records executor progress for a running job.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress float64, now time.Time) (bool, error) {
	query := `UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ? AND state = 'running'`
	return s.cas(ctx, "update progress", id, query, progress, db.FormatTime(now), id)
}

// ClaimNext atomically moves the oldest dispatchable job of one of types to
// running. Jobs chained after a predecessor wait until it has completed.
// Returns nil when nothing is ready.
func (s *Store) ClaimNext(ctx context.Context, types []string, now time.Time) (*Job, error) {
	query := `
		SELECT j.id FROM jobs j
		WHERE j.state = 'queued' AND j.deferred = 0
		  AND (j.after_job_id IS NULL OR EXISTS (
		        SELECT 1 FROM jobs p WHERE p.id = j.after_job_id AND p.state = 'completed'))`
	var args []interface{}
	if len(types) > 0 {
		query += ` AND j.type IN (?` + strings.Repeat(", ?", len(types)-1) + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}
	query += ` ORDER BY j.created_at ASC, j.id ASC LIMIT 1`

	// A lost CAS means another worker took the candidate; look again.
	for range 3 {
		var id string
		err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to select next job")
		}
		ok, err := s.Start(ctx, id, now)
		if err != nil {
			return nil, err
		}
		if ok {
			return s.GetJob(ctx, id)
		}
	}
	return nil, nil
}

// ReleaseOrphans requeues jobs left running by a previous process.
func (s *Store) ReleaseOrphans(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'queued', progress = 0, started_at = NULL, updated_at = ?
		WHERE state = 'running'`, db.FormatTime(now))
	if err != nil {
		return 0, errors.Wrap(err, "failed to release orphaned jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}

// Counts returns job counts keyed by state, plus "deferred".
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN deferred = 1 THEN 'deferred' ELSE state END AS bucket, COUNT(*)
		FROM jobs GROUP BY bucket`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var bucket string
		var n int
		if err := rows.Scan(&bucket, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[bucket] = n
	}
	return counts, rows.Err()
}

// CleanupOldJobs removes terminal jobs not updated since olderThan ago.
func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE state IN ('completed', 'failed', 'canceled') AND updated_at < ?`,
		db.FormatTime(now.Add(-olderThan)))
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}

func (s *Store) cas(ctx context.Context, op, id, query string, args ...interface{}) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.WithDetailf(errors.Wrapf(err, "failed to %s job", op), "job_id=%s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

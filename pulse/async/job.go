// Package async owns the job lifecycle: the Job record, its SQLite store,
// the queue that publishes admitted jobs, and the in-process worker pool that
// executes them.
//
// State machine:
//
//	queued(deferred) --promote--> queued --claim--> running --> completed | failed | canceled
//	queued(deferred) --redefer--> queued(deferred, attempts+1)
//	running --guardrail trip--> queued(deferred)
//
// Every transition is a compare-and-swap on the job row.
package async

import (
	"time"

	"github.com/google/uuid"

	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/pulse/guardrail"
	"github.com/teranos/vigil/pulse/window"
)

// JobState represents the current state of a job
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCanceled  JobState = "canceled"
)

// IsValidState returns true if s names a JobState
func IsValidState(s string) bool {
	switch JobState(s) {
	case StateQueued, StateRunning, StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Job sources
const (
	SourceRule = "rule"
	SourceAPI  = "api"
	SourceCLI  = "cli"
)

// Gate captures the admission conditions a job was created under. The
// admission loop re-derives blocking from it on every re-check.
type Gate struct {
	FilePath       string              `json:"file_path,omitempty"`
	QuietPeriodSec int                 `json:"quiet_period_sec,omitempty"`
	ActiveHours    *window.ActiveHours `json:"active_hours,omitempty"`
	Guardrails     *guardrail.Override `json:"guardrails,omitempty"`
}

// Job is a unit of deferred or queued work.
//
// Invariant: Deferred implies State == StateQueued and NextRunAt != nil.
type Job struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	AssetID       string                 `json:"asset_id,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	State         JobState               `json:"state"`
	Deferred      bool                   `json:"deferred"`
	BlockedReason string                 `json:"blocked_reason,omitempty"`
	NextRunAt     *time.Time             `json:"next_run_at,omitempty"`
	Attempts      int                    `json:"attempts"`
	LastCheckAt   *time.Time             `json:"last_check_at,omitempty"`
	Progress      float64                `json:"progress"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	RuleID        string                 `json:"rule_id,omitempty"`
	Gate          *Gate                  `json:"gate,omitempty"`
	AfterJobID    string                 `json:"after_job_id,omitempty"` // dispatched only after this job completes
	Source        string                 `json:"source"`
	CreatedAt     time.Time              `json:"created_at"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// NewJob creates a queued, dispatchable job.
func NewJob(jobType, source string, payload map[string]interface{}) (*Job, error) {
	if jobType == "" {
		return nil, errors.NewInvalidRequestError("job type cannot be empty")
	}
	if source == "" {
		source = SourceAPI
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Payload:   payload,
		State:     StateQueued,
		Source:    source,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Defer marks the job blocked until nextRunAt.
func (j *Job) Defer(reason string, nextRunAt time.Time) {
	j.State = StateQueued
	j.Deferred = true
	j.BlockedReason = reason
	next := nextRunAt.UTC()
	j.NextRunAt = &next
	j.UpdatedAt = time.Now().UTC()
}

// Validate checks the record's structural invariants.
func (j *Job) Validate() error {
	if j.ID == "" || j.Type == "" {
		return errors.NewInvalidRequestError("job needs id and type")
	}
	if !IsValidState(string(j.State)) {
		return errors.NewInvalidRequestError("job %s has unknown state %q", j.ID, j.State)
	}
	if j.Deferred && j.State != StateQueued {
		return errors.Wrapf(errors.ErrInvalidTransition, "job %s is deferred but %s", j.ID, j.State)
	}
	if j.Deferred && j.NextRunAt == nil {
		return errors.Wrapf(errors.ErrInvalidTransition, "job %s is deferred without next_run_at", j.ID)
	}
	if j.Progress < 0 || j.Progress > 1 {
		return errors.NewInvalidRequestError("job %s progress %v outside 0..1", j.ID, j.Progress)
	}
	return nil
}

// FilePath returns the gate's file path, falling back to payload["path"].
func (j *Job) FilePath() string {
	if j.Gate != nil && j.Gate.FilePath != "" {
		return j.Gate.FilePath
	}
	if p, ok := j.Payload["path"].(string); ok {
		return p
	}
	return ""
}

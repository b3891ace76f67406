// Package rules decides what should happen to a captured file. The Engine
// matches events against user rules, checks quiet periods, active hours and
// guardrails, and either runs a rule's actions or hands them to the
// admission loop as deferred jobs.
package rules

import (
	"time"

	"github.com/google/uuid"

	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/pulse/guardrail"
	"github.com/teranos/vigil/pulse/window"
)

// Trigger types
const (
	TriggerFileClosed = "file_closed"
	TriggerSchedule   = "schedule"
	TriggerTagged     = "tagged"
	TriggerManual     = "manual"
	TriggerAPI        = "api"
)

// Trigger selects which events a rule listens to.
type Trigger struct {
	Type   string                 `json:"type" yaml:"type"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// Condition is one {field, operator, value} predicate. Field is a dotted
// path into the evaluation context, e.g. "file.extension".
type Condition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator string      `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// Action is one step of a rule.
type Action struct {
	Type   string                 `json:"type" yaml:"type"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// Rule is a persisted automation unit. Lower Priority is evaluated first.
type Rule struct {
	ID                string              `json:"id" yaml:"id,omitempty"`
	Name              string              `json:"name" yaml:"name"`
	Enabled           bool                `json:"enabled" yaml:"enabled"`
	Priority          int                 `json:"priority" yaml:"priority"`
	Trigger           Trigger             `json:"trigger" yaml:"trigger"`
	Conditions        []Condition         `json:"conditions" yaml:"conditions,omitempty"`
	QuietPeriodSec    int                 `json:"quiet_period_sec" yaml:"quiet_period_sec,omitempty"`
	ActiveHours       *window.ActiveHours `json:"active_hours,omitempty" yaml:"active_hours,omitempty"`
	Guardrails        *guardrail.Override `json:"guardrails,omitempty" yaml:"guardrails,omitempty"`
	Actions           []Action            `json:"actions" yaml:"actions"`
	MaxFiresPerMinute int                 `json:"max_fires_per_minute,omitempty" yaml:"max_fires_per_minute,omitempty"`
	LastTriggered     *time.Time          `json:"last_triggered,omitempty" yaml:"-"`
	LastError         string              `json:"last_error,omitempty" yaml:"-"`
	CreatedAt         time.Time           `json:"created_at" yaml:"-"`
	UpdatedAt         time.Time           `json:"updated_at" yaml:"-"`
}

// Validate checks the rule against the operator and action vocabularies.
func (r *Rule) Validate(actions *ActionRegistry) error {
	if r.Name == "" {
		return errors.NewInvalidRequestError("rule name cannot be empty")
	}
	switch r.Trigger.Type {
	case TriggerFileClosed, TriggerTagged, TriggerManual, TriggerAPI:
	case TriggerSchedule:
		expr, _ := r.Trigger.Params["cron"].(string)
		if _, err := ParseCron(expr); err != nil {
			return errors.Wrapf(err, "rule %q", r.Name)
		}
	default:
		return errors.NewInvalidRequestError("rule %q: unknown trigger type %q", r.Name, r.Trigger.Type)
	}
	for i, c := range r.Conditions {
		if err := c.validate(); err != nil {
			return errors.Wrapf(err, "rule %q condition %d", r.Name, i)
		}
	}
	if r.QuietPeriodSec < 0 {
		return errors.NewInvalidRequestError("rule %q: quiet_period_sec must be >= 0", r.Name)
	}
	if r.MaxFiresPerMinute < 0 {
		return errors.NewInvalidRequestError("rule %q: max_fires_per_minute must be >= 0", r.Name)
	}
	if r.ActiveHours != nil {
		if err := r.ActiveHours.Validate(); err != nil {
			return errors.Wrapf(err, "rule %q", r.Name)
		}
	}
	if len(r.Actions) == 0 {
		return errors.NewInvalidRequestError("rule %q has no actions", r.Name)
	}
	for i, a := range r.Actions {
		if err := actions.Validate(a); err != nil {
			return errors.Wrapf(err, "rule %q action %d", r.Name, i)
		}
	}
	return nil
}

// ensureID assigns an id and timestamps to a new rule.
func (r *Rule) ensureID(now time.Time) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
}

// Execution is the audit record of one rule processing one event.
type Execution struct {
	ID               string    `json:"id"`
	RuleID           string    `json:"rule_id"`
	RuleName         string    `json:"rule_name,omitempty"`
	AssetID          string    `json:"asset_id,omitempty"`
	SessionID        string    `json:"session_id,omitempty"`
	EventType        string    `json:"event_type"`
	Success          bool      `json:"success"`
	Deferred         bool      `json:"deferred"`
	BlockedReason    string    `json:"blocked_reason,omitempty"`
	ActionsPerformed []string  `json:"actions_performed"`
	JobIDs           []string  `json:"job_ids"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	ExecutionTimeMS  int64     `json:"execution_time_ms"`
	ExecutedAt       time.Time `json:"executed_at"`
}

package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/vigil/db"
	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/pulse/guardrail"
	"github.com/teranos/vigil/pulse/window"
)

// Store persists rules. It satisfies RuleSource.
type Store struct {
	db      *sql.DB
	actions *ActionRegistry
	timeNow func() time.Time
}

// NewStore creates a rule store. Rules are validated against actions before they are written.
func NewStore(db *sql.DB, actions *ActionRegistry) *Store {
	return &Store{db: db, actions: actions, timeNow: time.Now}
}

const ruleColumns = `id, name, enabled, priority, trigger_json, conditions_json, quiet_period_sec,
	active_hours_json, guardrails_json, actions_json, max_fires_per_minute,
	last_triggered, last_error, created_at, updated_at`

// Create validates and inserts a rule, assigning an id if it has none.
func (s *Store) Create(ctx context.Context, r *Rule) error {
	if err := r.Validate(s.actions); err != nil {
		return err
	}
	r.ensureID(s.timeNow().UTC())
	cols, err := encodeRule(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Enabled, r.Priority, cols.trigger, cols.conditions, r.QuietPeriodSec,
		cols.activeHours, cols.guardrails, cols.actions, r.MaxFiresPerMinute,
		db.NullTime(r.LastTriggered), nullString(r.LastError),
		db.FormatTime(r.CreatedAt), db.FormatTime(r.UpdatedAt),
	)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to create rule"), "rule=%s", r.Name)
	}
	return nil
}

// Update validates and rewrites an existing rule's definition.
func (s *Store) Update(ctx context.Context, r *Rule) error {
	if err := r.Validate(s.actions); err != nil {
		return err
	}
	r.UpdatedAt = s.timeNow().UTC()
	cols, err := encodeRule(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE rules
		SET name = ?, enabled = ?, priority = ?, trigger_json = ?, conditions_json = ?,
		    quiet_period_sec = ?, active_hours_json = ?, guardrails_json = ?, actions_json = ?,
		    max_fires_per_minute = ?, updated_at = ?
		WHERE id = ?`,
		r.Name, r.Enabled, r.Priority, cols.trigger, cols.conditions,
		r.QuietPeriodSec, cols.activeHours, cols.guardrails, cols.actions,
		r.MaxFiresPerMinute, db.FormatTime(r.UpdatedAt), r.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update rule %s", r.ID)
	}
	return requireRow(res, "rule", r.ID)
}

// Get returns a rule by id.
func (s *Store) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("rule not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get rule %s", id)
	}
	return r, nil
}

// GetByName returns the rule with the given name.
func (s *Store) GetByName(ctx context.Context, name string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE name = ? ORDER BY created_at LIMIT 1`, name)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("rule not found: %s", name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get rule %q", name)
	}
	return r, nil
}

// Delete removes a rule. Its execution history is kept.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete rule %s", id)
	}
	return requireRow(res, "rule", id)
}

// List returns every rule, lowest priority first.
func (s *Store) List(ctx context.Context) ([]*Rule, error) {
	return s.query(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY priority ASC, created_at ASC`)
}

// ListActive returns enabled rules, lowest priority first.
func (s *Store) ListActive(ctx context.Context) ([]*Rule, error) {
	return s.query(ctx, `SELECT `+ruleColumns+` FROM rules WHERE enabled = 1 ORDER BY priority ASC, created_at ASC`)
}

// SetEnabled toggles a rule.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rules SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, db.FormatTime(s.timeNow()), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update rule %s", id)
	}
	return requireRow(res, "rule", id)
}

// RecordTriggered stamps last_triggered and last_error. An empty errMsg clears last_error.
func (s *Store) RecordTriggered(ctx context.Context, id string, at time.Time, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE rules SET last_triggered = ?, last_error = ? WHERE id = ?`,
		db.FormatTime(at), nullString(errMsg), id)
	if err != nil {
		return errors.Wrapf(err, "failed to record trigger for rule %s", id)
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list rules")
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan rule")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type ruleJSON struct {
	trigger, conditions, actions string
	activeHours, guardrails      sql.NullString
}

func encodeRule(r *Rule) (ruleJSON, error) {
	var out ruleJSON
	b, err := json.Marshal(r.Trigger)
	if err != nil {
		return out, errors.Wrap(err, "failed to encode trigger")
	}
	out.trigger = string(b)

	conds := r.Conditions
	if conds == nil {
		conds = []Condition{}
	}
	if b, err = json.Marshal(conds); err != nil {
		return out, errors.Wrap(err, "failed to encode conditions")
	}
	out.conditions = string(b)

	if b, err = json.Marshal(r.Actions); err != nil {
		return out, errors.Wrap(err, "failed to encode actions")
	}
	out.actions = string(b)

	if r.ActiveHours != nil {
		if b, err = json.Marshal(r.ActiveHours); err != nil {
			return out, errors.Wrap(err, "failed to encode active hours")
		}
		out.activeHours = sql.NullString{String: string(b), Valid: true}
	}
	if r.Guardrails != nil {
		if b, err = json.Marshal(r.Guardrails); err != nil {
			return out, errors.Wrap(err, "failed to encode guardrails")
		}
		out.guardrails = sql.NullString{String: string(b), Valid: true}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r                            Rule
		trigger, conditions, actions string
		activeHours, guardrails      sql.NullString
		lastTriggered, lastError     sql.NullString
		createdAt, updatedAt         string
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Enabled, &r.Priority, &trigger, &conditions, &r.QuietPeriodSec,
		&activeHours, &guardrails, &actions, &r.MaxFiresPerMinute,
		&lastTriggered, &lastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(trigger), &r.Trigger); err != nil {
		return nil, errors.Wrapf(err, "failed to decode trigger for rule %s", r.ID)
	}
	if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
		return nil, errors.Wrapf(err, "failed to decode conditions for rule %s", r.ID)
	}
	if err := json.Unmarshal([]byte(actions), &r.Actions); err != nil {
		return nil, errors.Wrapf(err, "failed to decode actions for rule %s", r.ID)
	}
	if activeHours.Valid && activeHours.String != "" {
		var ah window.ActiveHours
		if err := json.Unmarshal([]byte(activeHours.String), &ah); err != nil {
			return nil, errors.Wrapf(err, "failed to decode active hours for rule %s", r.ID)
		}
		r.ActiveHours = &ah
	}
	if guardrails.Valid && guardrails.String != "" {
		var g guardrail.Override
		if err := json.Unmarshal([]byte(guardrails.String), &g); err != nil {
			return nil, errors.Wrapf(err, "failed to decode guardrails for rule %s", r.ID)
		}
		r.Guardrails = &g
	}
	r.LastError = lastError.String

	var err error
	if r.LastTriggered, err = db.ParseNullTime(lastTriggered); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("%s not found: %s", kind, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// AuditStore persists RuleExecutions. It satisfies AuditSink.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore creates an audit store.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

const executionColumns = `e.id, e.rule_id, COALESCE(r.name, ''), e.asset_id, e.session_id, e.event_type,
	e.success, e.deferred, e.blocked_reason, e.actions_performed, e.job_ids,
	e.error_message, e.execution_time_ms, e.executed_at`

// Append records an execution. Executions are immutable once written.
func (a *AuditStore) Append(ctx context.Context, e *Execution) error {
	performed, err := json.Marshal(nonNil(e.ActionsPerformed))
	if err != nil {
		return errors.Wrap(err, "failed to encode actions performed")
	}
	jobIDs, err := json.Marshal(nonNil(e.JobIDs))
	if err != nil {
		return errors.Wrap(err, "failed to encode job ids")
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO rule_executions (
			id, rule_id, asset_id, session_id, event_type, success, deferred, blocked_reason,
			actions_performed, job_ids, error_message, execution_time_ms, executed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RuleID, nullString(e.AssetID), nullString(e.SessionID), e.EventType,
		e.Success, e.Deferred, nullString(e.BlockedReason),
		string(performed), string(jobIDs), nullString(e.ErrorMessage),
		e.ExecutionTimeMS, db.FormatTime(e.ExecutedAt),
	)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to append rule execution"), "rule_id=%s", e.RuleID)
	}
	return nil
}

// ListByRule returns a rule's executions, newest first.
func (a *AuditStore) ListByRule(ctx context.Context, ruleID string, limit int) ([]*Execution, error) {
	return a.query(ctx, `
		SELECT `+executionColumns+`
		FROM rule_executions e LEFT JOIN rules r ON r.id = e.rule_id
		WHERE e.rule_id = ?
		ORDER BY e.executed_at DESC
		LIMIT ?`, ruleID, limitOrDefault(limit))
}

// ListRecent returns the newest executions across all rules.
func (a *AuditStore) ListRecent(ctx context.Context, limit int) ([]*Execution, error) {
	return a.query(ctx, `
		SELECT `+executionColumns+`
		FROM rule_executions e LEFT JOIN rules r ON r.id = e.rule_id
		ORDER BY e.executed_at DESC
		LIMIT ?`, limitOrDefault(limit))
}

func (a *AuditStore) query(ctx context.Context, query string, args ...interface{}) ([]*Execution, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list rule executions")
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		var (
			e                                             Execution
			assetID, sessionID, blockedReason, errMessage sql.NullString
			performed, jobIDs, executedAt                 string
		)
		if err := rows.Scan(&e.ID, &e.RuleID, &e.RuleName, &assetID, &sessionID, &e.EventType,
			&e.Success, &e.Deferred, &blockedReason, &performed, &jobIDs,
			&errMessage, &e.ExecutionTimeMS, &executedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan rule execution")
		}
		e.AssetID = assetID.String
		e.SessionID = sessionID.String
		e.BlockedReason = blockedReason.String
		e.ErrorMessage = errMessage.String
		if err := json.Unmarshal([]byte(performed), &e.ActionsPerformed); err != nil {
			return nil, errors.Wrapf(err, "failed to decode execution %s", e.ID)
		}
		if err := json.Unmarshal([]byte(jobIDs), &e.JobIDs); err != nil {
			return nil, errors.Wrapf(err, "failed to decode execution %s", e.ID)
		}
		if e.ExecutedAt, err = db.ParseTime(executedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}

package rules

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/logger"
	"github.com/teranos/vigil/pulse/async"
	"github.com/teranos/vigil/pulse/guardrail"
	"github.com/teranos/vigil/pulse/probe"
	"github.com/teranos/vigil/pulse/window"
)

// Event types
const (
	EventFileClosed = "file_closed"
	EventTagged     = "tagged"
	EventManual     = "manual"
	EventAPI        = "api"
)

// RuleSource loads rules and records when they fire.
type RuleSource interface {
	ListActive(ctx context.Context) ([]*Rule, error)
	RecordTriggered(ctx context.Context, id string, at time.Time, errMsg string) error
}

// AuditSink persists RuleExecutions.
type AuditSink interface {
	Append(ctx context.Context, e *Execution) error
}

// SnapshotSource serves a recent system snapshot. *probe.Cached satisfies it.
type SnapshotSource interface {
	Snapshot(ctx context.Context) probe.Snapshot
}

// AssetSource resolves asset metadata for events that name an asset_id.
type AssetSource interface {
	Asset(ctx context.Context, id string) (map[string]interface{}, error)
}

// Engine matches events against rules. Independent events may be evaluated
// concurrently; evaluation of one rule is serialized.
type Engine struct {
	source    RuleSource
	audit     AuditSink
	queue     *async.Queue
	snapshots SnapshotSource
	holder    *guardrail.Holder
	actions   *ActionRegistry
	assets    AssetSource
	backoff   async.BackoffPolicy
	loc       *time.Location
	timeNow   func() time.Time
	log       *zap.SugaredLogger

	mu       sync.Mutex
	ruleMu   map[string]*sync.Mutex
	limiters map[string]*limiter
}

type limiter struct {
	perMinute int
	l         *rate.Limiter
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the engine's clock.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.timeNow = now }
}

// WithLocation sets the clock active hours are evaluated in.
func WithLocation(loc *time.Location) EngineOption {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithAssets enables asset enrichment.
func WithAssets(a AssetSource) EngineOption {
	return func(e *Engine) { e.assets = a }
}

// NewEngine creates a rule engine. Deferred actions are submitted to queue
// and use its backoff policy for their first re-check.
func NewEngine(source RuleSource, audit AuditSink, queue *async.Queue, snapshots SnapshotSource,
	holder *guardrail.Holder, actions *ActionRegistry, log *zap.SugaredLogger, opts ...EngineOption) *Engine {
	e := &Engine{
		source:    source,
		audit:     audit,
		queue:     queue,
		snapshots: snapshots,
		holder:    holder,
		actions:   actions,
		backoff:   queue.Backoff(),
		loc:       time.Local,
		timeNow:   time.Now,
		log:       logger.AddComponent(log, "rules"),
		ruleMu:    map[string]*sync.Mutex{},
		limiters:  map[string]*limiter{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateEvent runs every enabled rule, lowest priority first, against one
// event. Rule failures are recorded on the returned executions; the error
// is only for failing to load rules.
func (e *Engine) EvaluateEvent(ctx context.Context, eventType string, data map[string]interface{}) ([]*Execution, error) {
	rules, err := e.source.ListActive(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load active rules")
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	var snap probe.Snapshot
	if e.snapshots != nil {
		snap = e.snapshots.Snapshot(ctx)
	}
	evalCtx := e.enrich(ctx, eventType, data, snap)

	var out []*Execution
	for _, r := range rules {
		if !triggerApplies(r, eventType, data) {
			continue
		}
		if exec := e.evaluateRule(ctx, r, eventType, evalCtx, snap); exec != nil {
			out = append(out, exec)
		}
	}
	return out, nil
}

func (e *Engine) evaluateRule(ctx context.Context, r *Rule, eventType string, evalCtx map[string]interface{}, snap probe.Snapshot) *Execution {
	unlock := e.lockRule(r.ID)
	defer unlock()

	start := e.timeNow()
	exec := &Execution{
		ID:               uuid.NewString(),
		RuleID:           r.ID,
		RuleName:         r.Name,
		AssetID:          stringParam(evalCtx, "asset_id"),
		SessionID:        stringParam(evalCtx, "session_id"),
		EventType:        eventType,
		ActionsPerformed: []string{},
		JobIDs:           []string{},
		ExecutedAt:       start.UTC(),
	}
	log := e.log.With(logger.FieldRuleID, r.ID, logger.FieldRuleName, r.Name, logger.FieldEventType, eventType)

	ok, matched, err := Match(r.Conditions, evalCtx)
	if err != nil {
		exec.ErrorMessage = err.Error()
		log.Warnw("Rule conditions could not be evaluated", logger.FieldError, err)
		e.record(ctx, r, exec, start)
		return exec
	}
	if !ok {
		log.Debugw("Rule did not match", "matched", matched)
		return nil
	}
	if !e.allow(r, start) {
		log.Infow("Rule skipped by fire limit", "max_fires_per_minute", r.MaxFiresPerMinute)
		return nil
	}

	path := stringParam(evalCtx, "path")
	if reason, next := e.blocked(r, evalCtx, snap, start); reason != "" {
		exec.Deferred = true
		exec.BlockedReason = reason
		if err := e.deferActions(ctx, r, exec, path, reason, next); err != nil {
			exec.ErrorMessage = err.Error()
			log.Errorw("Failed to defer rule actions", logger.FieldError, err)
		} else {
			exec.Success = true
			logger.GateWarnw(log, "Rule deferred",
				logger.FieldBlockedReason, reason,
				logger.FieldNextRunAt, next,
				logger.FieldCount, len(exec.JobIDs))
		}
		e.record(ctx, r, exec, start)
		return exec
	}

	if err := e.runActions(ctx, r, exec, path); err != nil {
		exec.ErrorMessage = err.Error()
		log.Warnw("Rule action failed",
			"actions_performed", exec.ActionsPerformed,
			logger.FieldError, err)
	} else {
		exec.Success = true
		log.Infow("Rule executed",
			"actions_performed", exec.ActionsPerformed,
			"jobs", exec.JobIDs)
	}
	e.record(ctx, r, exec, start)
	return exec
}

// blocked checks quiet period, active hours and guardrails in that order and
// returns the first blocking reason with the job's first re-check time.
func (e *Engine) blocked(r *Rule, evalCtx map[string]interface{}, snap probe.Snapshot, now time.Time) (string, time.Time) {
	if r.QuietPeriodSec > 0 {
		if mtime, ok := fileMTime(evalCtx); ok {
			if rem := window.QuietRemaining(mtime, r.QuietPeriodSec, now); rem > 0 {
				return window.QuietPeriodReason(rem), now.Add(rem)
			}
		}
	}
	if r.ActiveHours != nil && !r.ActiveHours.Contains(now.In(e.loc)) {
		return window.ReasonActiveHours, e.backoff.Next(now, 0)
	}
	if e.holder != nil {
		if vs := guardrail.Evaluate(snap, e.holder.Get().Apply(r.Guardrails)); len(vs) > 0 {
			return window.GuardrailsReason(guardrail.Reasons(vs)), e.backoff.Next(now, 0)
		}
	}
	return "", time.Time{}
}

// deferActions submits one deferred job per action, chained in order. Each
// job carries the path the preceding actions will have produced.
func (e *Engine) deferActions(ctx context.Context, r *Rule, exec *Execution, path, reason string, next time.Time) error {
	prev := ""
	for i, a := range r.Actions {
		h, err := e.actions.Get(a.Type)
		if err != nil {
			return err
		}
		job, err := e.newJob(r, exec, h, a, path, prev)
		if err != nil {
			return err
		}
		if i == 0 {
			job.Gate.FilePath = path
			job.Gate.QuietPeriodSec = r.QuietPeriodSec
		}
		job.Defer(reason, next)
		if err := e.queue.Submit(ctx, job); err != nil {
			return err
		}
		exec.JobIDs = append(exec.JobIDs, job.ID)
		prev = job.ID
		if path != "" {
			path = h.Plan(path, a.Params)
		}
	}
	return nil
}

// runActions runs file actions inline and submits job actions. Once a job
// has been submitted, later actions are chained behind it as jobs too so
// they see its output. The first failure stops the rule.
func (e *Engine) runActions(ctx context.Context, r *Rule, exec *Execution, path string) error {
	prev := ""
	for _, a := range r.Actions {
		h, err := e.actions.Get(a.Type)
		if err != nil {
			return err
		}
		if fa, ok := h.(FileAction); ok && prev == "" {
			if path == "" {
				return errors.NewInvalidRequestError("%s action needs a file path", a.Type)
			}
			out, err := fa.Apply(ctx, path, a.Params)
			if err != nil {
				return errors.Wrapf(err, "%s action", a.Type)
			}
			path = out
			exec.ActionsPerformed = append(exec.ActionsPerformed, a.Type)
			continue
		}

		job, err := e.newJob(r, exec, h, a, path, prev)
		if err != nil {
			return err
		}
		if err := e.queue.Submit(ctx, job); err != nil {
			return errors.Wrapf(err, "%s action", a.Type)
		}
		exec.ActionsPerformed = append(exec.ActionsPerformed, a.Type)
		exec.JobIDs = append(exec.JobIDs, job.ID)
		prev = job.ID
		if path != "" {
			path = h.Plan(path, a.Params)
		}
	}
	return nil
}

func (e *Engine) newJob(r *Rule, exec *Execution, h ActionHandler, a Action, path, after string) (*async.Job, error) {
	jobType := h.Type()
	if ja, ok := h.(JobAction); ok {
		jobType = ja.JobType(a.Params)
	}
	payload := make(map[string]interface{}, len(a.Params)+1)
	for k, v := range a.Params {
		payload[k] = v
	}
	if path != "" {
		payload["path"] = path
	}
	if jobType == ActionWebhook {
		payload["event_type"] = exec.EventType
	}
	job, err := async.NewJob(jobType, async.SourceRule, payload)
	if err != nil {
		return nil, err
	}
	job.RuleID = r.ID
	job.AssetID = exec.AssetID
	job.AfterJobID = after
	job.Gate = &async.Gate{ActiveHours: r.ActiveHours, Guardrails: r.Guardrails}
	return job, nil
}

func (e *Engine) record(ctx context.Context, r *Rule, exec *Execution, start time.Time) {
	exec.ExecutionTimeMS = e.timeNow().Sub(start).Milliseconds()
	if e.audit != nil {
		if err := e.audit.Append(ctx, exec); err != nil {
			e.log.Errorw("Failed to record rule execution",
				logger.FieldRuleID, r.ID,
				logger.FieldExecutionID, exec.ID,
				logger.FieldError, err)
		}
	}
	if err := e.source.RecordTriggered(ctx, r.ID, exec.ExecutedAt, exec.ErrorMessage); err != nil {
		e.log.Errorw("Failed to update rule", logger.FieldRuleID, r.ID, logger.FieldError, err)
	}
}

func (e *Engine) lockRule(id string) func() {
	e.mu.Lock()
	m, ok := e.ruleMu[id]
	if !ok {
		m = &sync.Mutex{}
		e.ruleMu[id] = m
	}
	e.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (e *Engine) allow(r *Rule, now time.Time) bool {
	if r.MaxFiresPerMinute <= 0 {
		return true
	}
	e.mu.Lock()
	l, ok := e.limiters[r.ID]
	if !ok || l.perMinute != r.MaxFiresPerMinute {
		l = &limiter{
			perMinute: r.MaxFiresPerMinute,
			l:         rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.MaxFiresPerMinute)), r.MaxFiresPerMinute),
		}
		e.limiters[r.ID] = l
	}
	e.mu.Unlock()
	return l.l.AllowN(now, 1)
}

// triggerApplies reports whether r listens to this event.
func triggerApplies(r *Rule, eventType string, data map[string]interface{}) bool {
	ruleID := stringParam(data, "rule_id")
	switch r.Trigger.Type {
	case TriggerFileClosed:
		return eventType == EventFileClosed
	case TriggerSchedule:
		return eventType == EventSchedule && ruleID == r.ID
	case TriggerTagged:
		if eventType != EventTagged {
			return false
		}
		want := stringParam(r.Trigger.Params, "tag")
		return want == "" || strings.EqualFold(want, stringParam(data, "tag"))
	case TriggerManual:
		return eventType == EventManual && ruleID == r.ID
	case TriggerAPI:
		return eventType == EventAPI && (ruleID == "" || ruleID == r.ID)
	default:
		return false
	}
}

// enrich builds the condition context: the event's own keys plus "file",
// "system", "asset", "tags" and "now".
func (e *Engine) enrich(ctx context.Context, eventType string, data map[string]interface{}, snap probe.Snapshot) map[string]interface{} {
	out := make(map[string]interface{}, len(data)+6)
	for k, v := range data {
		out[k] = v
	}
	out["event_type"] = eventType
	out["system"] = snap.Fields()
	out["now"] = e.timeNow()

	tags := stringSlice(data["tags"])
	if path := stringParam(data, "path"); path != "" {
		out["file"] = fileFields(path, data)
		sidecar, err := ReadTags(path)
		if err != nil {
			e.log.Debugw("Could not read tags", logger.FieldPath, path, logger.FieldError, err)
		}
		tags = append(tags, sidecar...)
	}
	out["tags"] = tags

	if id := stringParam(data, "asset_id"); id != "" && e.assets != nil {
		asset, err := e.assets.Asset(ctx, id)
		if err != nil {
			e.log.Warnw("Asset lookup failed", logger.FieldAssetID, id, logger.FieldError, err)
		} else {
			out["asset"] = asset
		}
	}
	return out
}

func fileFields(path string, data map[string]interface{}) map[string]interface{} {
	name := filepath.Base(path)
	ext := filepath.Ext(name)
	f := map[string]interface{}{
		"path":      path,
		"name":      name,
		"stem":      strings.TrimSuffix(name, ext),
		"extension": strings.ToLower(ext),
		"dir":       filepath.Dir(path),
		"exists":    false,
	}
	if info, err := os.Stat(path); err == nil {
		f["exists"] = true
		f["size"] = info.Size()
		f["size_mb"] = float64(info.Size()) / (1024 * 1024)
		f["mtime"] = info.ModTime()
		return f
	}
	// The file is gone; fall back to what the event reported.
	if size, ok := toFloat(data["size"]); ok {
		f["size"] = int64(size)
		f["size_mb"] = size / (1024 * 1024)
	}
	if mtime, ok := eventTime(data["mtime"]); ok {
		f["mtime"] = mtime
	}
	return f
}

func fileMTime(evalCtx map[string]interface{}) (time.Time, bool) {
	f, ok := evalCtx["file"].(map[string]interface{})
	if !ok {
		return time.Time{}, false
	}
	return eventTime(f["mtime"])
}

func eventTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	case float64:
		return time.Unix(0, int64(t*float64(time.Second))), true
	case int64:
		return time.Unix(t, 0), true
	default:
		return time.Time{}, false
	}
}

func stringSlice(v interface{}) []string {
	var out []string
	for _, item := range toSlice(v) {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

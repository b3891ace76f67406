package rules

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/logger"
)

// EventSchedule is the event type fired for schedule-triggered rules.
const EventSchedule = "schedule"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron accepts a 5-field cron expression. Descriptors like @daily are rejected.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.NewInvalidRequestError("schedule trigger needs a \"cron\" param")
	}
	if strings.HasPrefix(expr, "@") {
		return nil, errors.NewInvalidRequestError("only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid cron expression %q", expr), errors.ErrInvalidRequest)
	}
	return schedule, nil
}

// Evaluator is the part of the Engine the cron trigger drives.
type Evaluator interface {
	EvaluateEvent(ctx context.Context, eventType string, data map[string]interface{}) ([]*Execution, error)
}

// CronTrigger fires schedule events for enabled schedule rules.
type CronTrigger struct {
	source RuleSource
	engine Evaluator
	log    *zap.SugaredLogger

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]scheduled
	ctx     context.Context
}

type scheduled struct {
	id   cron.EntryID
	expr string
}

// NewCronTrigger creates a trigger; loc is the cron clock, nil meaning local time.
func NewCronTrigger(source RuleSource, engine Evaluator, loc *time.Location, log *zap.SugaredLogger) *CronTrigger {
	if loc == nil {
		loc = time.Local
	}
	return &CronTrigger{
		source:  source,
		engine:  engine,
		log:     logger.AddComponent(log, "cron"),
		cron:    cron.New(cron.WithParser(cronParser), cron.WithLocation(loc)),
		entries: map[string]scheduled{},
		ctx:     context.Background(),
	}
}

// Start begins firing. ctx is used for rule evaluation.
func (t *CronTrigger) Start(ctx context.Context) {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()
	t.cron.Start()
}

// Stop stops the cron loop and waits for running evaluations.
func (t *CronTrigger) Stop() {
	<-t.cron.Stop().Done()
}

// Sync brings the cron entries in line with the active schedule rules.
// Call it after rules are created, edited or disabled.
func (t *CronTrigger) Sync(ctx context.Context) error {
	rules, err := t.source.ListActive(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list rules for cron sync")
	}

	want := map[string]string{}
	for _, r := range rules {
		if r.Trigger.Type != TriggerSchedule {
			continue
		}
		expr, _ := r.Trigger.Params["cron"].(string)
		want[r.ID] = expr
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, s := range t.entries {
		if expr, ok := want[id]; !ok || expr != s.expr {
			t.cron.Remove(s.id)
			delete(t.entries, id)
		}
	}
	for id, expr := range want {
		if _, ok := t.entries[id]; ok {
			continue
		}
		schedule, err := ParseCron(expr)
		if err != nil {
			t.log.Warnw("Skipping schedule rule", logger.FieldRuleID, id, logger.FieldError, err)
			continue
		}
		ruleID := id
		entryID := t.cron.Schedule(schedule, cron.FuncJob(func() { t.fire(ruleID) }))
		t.entries[id] = scheduled{id: entryID, expr: expr}
	}
	t.log.Debugw("Cron synced", logger.FieldCount, len(t.entries))
	return nil
}

// Scheduled returns the number of rules currently scheduled.
func (t *CronTrigger) Scheduled() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *CronTrigger) fire(ruleID string) {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()

	execs, err := t.engine.EvaluateEvent(ctx, EventSchedule, map[string]interface{}{"rule_id": ruleID})
	if err != nil {
		t.log.Errorw("Scheduled evaluation failed", logger.FieldRuleID, ruleID, logger.FieldError, err)
		return
	}
	t.log.Debugw("Scheduled rule fired", logger.FieldRuleID, ruleID, logger.FieldCount, len(execs))
}

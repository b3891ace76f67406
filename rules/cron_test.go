package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	s, err := ParseCron("30 2 * * 1")
	require.NoError(t, err)
	from := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC) // Monday
	assert.Equal(t, time.Date(2026, 5, 4, 2, 30, 0, 0, time.UTC), s.Next(from))

	for _, bad := range []string{"", "@daily", "* * *", "61 * * * *"} {
		_, err := ParseCron(bad)
		assert.Error(t, err, bad)
	}
}

type staticRules struct {
	mu    sync.Mutex
	rules []*Rule
}

func (s *staticRules) ListActive(context.Context) ([]*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules, nil
}

func (s *staticRules) RecordTriggered(context.Context, string, time.Time, string) error { return nil }

type recordingEvaluator struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (e *recordingEvaluator) EvaluateEvent(_ context.Context, eventType string, data map[string]interface{}) ([]*Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data["event_type"] = eventType
	e.events = append(e.events, data)
	return nil, nil
}

func scheduleRule(id, expr string) *Rule {
	return &Rule{
		ID:      id,
		Name:    id,
		Enabled: true,
		Trigger: Trigger{Type: TriggerSchedule, Params: map[string]interface{}{"cron": expr}},
		Actions: []Action{{Type: ActionEnqueue, Params: map[string]interface{}{"job_type": "sweep"}}},
	}
}

func TestCronTrigger_Sync(t *testing.T) {
	src := &staticRules{rules: []*Rule{
		scheduleRule("nightly", "0 3 * * *"),
		scheduleRule("broken", "@hourly"),
		proxyRule("not-scheduled", 1),
	}}
	ct := NewCronTrigger(src, &recordingEvaluator{}, time.UTC, nil)
	ctx := context.Background()

	require.NoError(t, ct.Sync(ctx))
	assert.Equal(t, 1, ct.Scheduled())

	src.rules = append(src.rules, scheduleRule("hourly", "0 * * * *"))
	require.NoError(t, ct.Sync(ctx))
	assert.Equal(t, 2, ct.Scheduled())

	src.rules = nil
	require.NoError(t, ct.Sync(ctx))
	assert.Equal(t, 0, ct.Scheduled())
}

func TestCronTrigger_FireEvaluatesScheduleEvent(t *testing.T) {
	eval := &recordingEvaluator{}
	ct := NewCronTrigger(&staticRules{}, eval, time.UTC, nil)

	ct.fire("nightly")

	require.Len(t, eval.events, 1)
	assert.Equal(t, EventSchedule, eval.events[0]["event_type"])
	assert.Equal(t, "nightly", eval.events[0]["rule_id"])
}

package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vigiltest "github.com/teranos/vigil/internal/testing"
	"github.com/teranos/vigil/pulse/async"
	"github.com/teranos/vigil/pulse/guardrail"
	"github.com/teranos/vigil/pulse/probe"
	"github.com/teranos/vigil/rules"
)

type staticSampler struct{ snap probe.Snapshot }

func (s staticSampler) Sample(context.Context) (probe.Snapshot, error) { return s.snap, nil }

type fixture struct {
	srv   *MCPServer
	queue *async.Queue
	rules *rules.Store
}

func newFixture(t *testing.T, cpu float64) *fixture {
	t.Helper()
	conn := vigiltest.CreateTestDB(t)
	queue := async.NewQueue(async.NewStore(conn), nil, async.DefaultBackoff(), nil)
	holder := guardrail.NewHolder(guardrail.Config{CPUThresholdPct: 70})
	checker := guardrail.NewChecker(staticSampler{probe.Snapshot{CPUPct: cpu, DiskFreeGB: 50, MemAvailableGB: 8}}, holder, 30*time.Second)
	store := rules.NewStore(conn, rules.NewActionRegistry())
	return &fixture{
		srv:   NewMCPServer(checker, queue, store, rules.NewAuditStore(conn), nil),
		queue: queue,
		rules: store,
	}
}

func call(args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestGuardrailsCheck(t *testing.T) {
	f := newFixture(t, 85)

	res, err := f.srv.handleGuardrailsCheck(context.Background(), call(nil))
	require.NoError(t, err)
	var check guardrail.CheckResult
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &check))
	assert.True(t, check.Blocked)
	assert.Equal(t, []string{"cpu_high"}, check.Reasons)
	assert.Equal(t, 30, check.RetryAfterSec)

	res, err = f.srv.handleGuardrailsCheck(context.Background(), call(map[string]interface{}{"cpu_threshold_pct": 90.0}))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &check))
	assert.False(t, check.Blocked)
}

func TestJobsBlockedAndCancel(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	res, err := f.srv.handleJobsBlocked(ctx, call(nil))
	require.NoError(t, err)
	assert.Equal(t, "No blocked jobs", text(t, res))

	job, err := async.NewJob("proxy", async.SourceRule, map[string]interface{}{"path": "/rec/a.mkv"})
	require.NoError(t, err)
	job.Defer("quiet_period:40s_remaining", time.Now().Add(40*time.Second))
	require.NoError(t, f.queue.Submit(ctx, job))

	res, err = f.srv.handleJobsBlocked(ctx, call(map[string]interface{}{"limit": 10.0}))
	require.NoError(t, err)
	out := text(t, res)
	assert.Contains(t, out, "1 blocked job(s) (quiet_period: 1)")
	assert.Contains(t, out, job.ID)
	assert.Contains(t, out, "blocked_reason: quiet_period:40s_remaining")
	assert.Contains(t, out, "next_run_at:")
	assert.Contains(t, out, "path: /rec/a.mkv")

	res, err = f.srv.handleJobCancel(ctx, call(map[string]interface{}{"job_id": job.ID}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "Job "+job.ID+" is canceled", text(t, res))

	res, err = f.srv.handleJobCancel(ctx, call(nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = f.srv.handleJobCancel(ctx, call(map[string]interface{}{"job_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestRulesListAndHistory(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	res, err := f.srv.handleRulesList(ctx, call(nil))
	require.NoError(t, err)
	assert.Equal(t, "No rules", text(t, res))

	r := &rules.Rule{
		Name:           "move-then-proxy",
		Enabled:        true,
		Priority:       10,
		Trigger:        rules.Trigger{Type: rules.TriggerFileClosed},
		QuietPeriodSec: 45,
		Actions: []rules.Action{
			{Type: rules.ActionMove, Params: map[string]interface{}{"dest": "/archive"}},
			{Type: rules.ActionProxy},
		},
	}
	require.NoError(t, f.rules.Create(ctx, r))
	off := &rules.Rule{Name: "off", Priority: 20, Trigger: rules.Trigger{Type: rules.TriggerManual},
		Actions: []rules.Action{{Type: rules.ActionThumbnail}}}
	require.NoError(t, f.rules.Create(ctx, off))

	res, err = f.srv.handleRulesList(ctx, call(nil))
	require.NoError(t, err)
	out := text(t, res)
	assert.Contains(t, out, "move-then-proxy (enabled, priority 10)")
	assert.Contains(t, out, "actions: move -> proxy")
	assert.Contains(t, out, "off (disabled, priority 20)")

	res, err = f.srv.handleRulesList(ctx, call(map[string]interface{}{"enabled_only": true}))
	require.NoError(t, err)
	assert.NotContains(t, text(t, res), "off (disabled")

	res, err = f.srv.handleRuleHistory(ctx, call(map[string]interface{}{"rule_id": r.ID}))
	require.NoError(t, err)
	assert.Equal(t, "[]", text(t, res))
}

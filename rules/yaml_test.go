package rules

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/vigil/errors"
	vigiltest "github.com/teranos/vigil/internal/testing"
)

const rulesYAML = `
rules:
  - name: proxy-mkv
    trigger: {type: file_closed}
    conditions:
      - {field: file.extension, operator: in, value: [.mkv]}
    quiet_period_sec: 45
    active_hours: {enabled: true, start: "22:00", end: "06:00"}
    guardrails: {cpu_threshold_pct: 70}
    actions:
      - {type: move, params: {dest: /archive}}
      - {type: proxy}
  - name: nightly-sweep
    enabled: false
    priority: 5
    trigger: {type: schedule, params: {cron: "0 3 * * *"}}
    actions:
      - {type: enqueue, params: {job_type: sweep}}
`

func TestParseYAML(t *testing.T) {
	rules, err := ParseYAML(strings.NewReader(rulesYAML))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	r := rules[0]
	assert.True(t, r.Enabled, "enabled by default")
	assert.Equal(t, 100, r.Priority)
	assert.Equal(t, 45, r.QuietPeriodSec)
	assert.Equal(t, []interface{}{".mkv"}, r.Conditions[0].Value)
	require.NotNil(t, r.ActiveHours)
	assert.Equal(t, "06:00", r.ActiveHours.End)
	require.NotNil(t, r.Guardrails)
	assert.Equal(t, 70.0, *r.Guardrails.CPUThresholdPct)
	assert.Equal(t, "/archive", r.Actions[0].Params["dest"])

	assert.False(t, rules[1].Enabled)
	assert.Equal(t, 5, rules[1].Priority)
	assert.Equal(t, "0 3 * * *", rules[1].Trigger.Params["cron"])
}

func TestParseYAML_Malformed(t *testing.T) {
	_, err := ParseYAML(strings.NewReader("rules: [ {name: x, priority: high} ]"))
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestStore_ImportUpsertsByName(t *testing.T) {
	s := NewStore(vigiltest.CreateTestDB(t), NewActionRegistry())
	ctx := context.Background()

	rules, err := ParseYAML(strings.NewReader(rulesYAML))
	require.NoError(t, err)
	res, err := s.Import(ctx, rules)
	require.NoError(t, err)
	assert.Equal(t, []string{"proxy-mkv", "nightly-sweep"}, res.Created)

	first, err := s.GetByName(ctx, "proxy-mkv")
	require.NoError(t, err)

	rules, err = ParseYAML(strings.NewReader(strings.Replace(rulesYAML, "quiet_period_sec: 45", "quiet_period_sec: 60", 1)))
	require.NoError(t, err)
	res, err = s.Import(ctx, rules)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Len(t, res.Updated, 2)

	again, err := s.GetByName(ctx, "proxy-mkv")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 60, again.QuietPeriodSec)
}

func TestStore_ImportValidatesEverythingFirst(t *testing.T) {
	s := NewStore(vigiltest.CreateTestDB(t), NewActionRegistry())
	ctx := context.Background()

	good := proxyRule("good", 1)
	bad := proxyRule("bad", 2)
	bad.Conditions = []Condition{{Field: "x", Operator: "sounds_like"}}

	_, err := s.Import(ctx, []*Rule{good, bad})
	assert.True(t, errors.Is(err, errors.ErrUnknownOperator))
	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

package commands

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/teranos/vigil/am"
	"github.com/teranos/vigil/pulse/probe"
)

type countingSampler struct {
	calls atomic.Int32
}

func (c *countingSampler) Sample(context.Context) (probe.Snapshot, error) {
	c.calls.Add(1)
	return probe.Snapshot{CPUPct: 95, MemAvailableGB: 16, DiskFreeGB: 500, SampledAt: time.Now()}, nil
}

func TestWireGuardrails_CheckerSamplesEveryCall(t *testing.T) {
	cfg := &am.Config{}
	cfg.Probe.CacheTTLSeconds = 30
	cfg.Guardrails.CPUThresholdPct = 80
	cfg.Admission.BaseDelaySeconds = 60
	sampler := &countingSampler{}

	snapshots, _, checker := wireGuardrails(cfg, sampler)

	first := checker.Check(context.Background(), nil)
	second := checker.Check(context.Background(), nil)
	assert.True(t, first.Blocked)
	assert.Equal(t, []string{"cpu_high"}, second.Reasons)
	assert.Equal(t, int32(2), sampler.calls.Load())

	// The rule engine's view stays behind the TTL cache.
	snapshots.Snapshot(context.Background())
	snapshots.Snapshot(context.Background())
	assert.Equal(t, int32(3), sampler.calls.Load())
}

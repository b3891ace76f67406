package guardrail

import (
	"context"
	"math"
	"time"

	"github.com/teranos/vigil/pulse/probe"
)

// CheckResult answers "may I run now?" for self-throttling executors.
type CheckResult struct {
	Blocked       bool           `json:"blocked"`
	Reasons       []string       `json:"reasons"`
	RetryAfterSec int            `json:"retry_after_sec"`
	Snapshot      probe.Snapshot `json:"snapshot"`
}

// Checker samples fresh system state and evaluates it against the live config.
type Checker struct {
	sampler    probe.Sampler
	holder     *Holder
	retryAfter time.Duration
}

// NewChecker creates a Checker. retryAfter is what blocked callers are told to wait.
func NewChecker(sampler probe.Sampler, holder *Holder, retryAfter time.Duration) *Checker {
	return &Checker{sampler: sampler, holder: holder, retryAfter: retryAfter}
}

// Config returns the live global config.
func (c *Checker) Config() Config {
	return c.holder.Get()
}

// Violations samples and evaluates, with o applied on top of the global config.
// A failed sample is treated as clear.
func (c *Checker) Violations(ctx context.Context, o *Override) ([]Violation, probe.Snapshot) {
	snap, _ := c.sampler.Sample(ctx)
	return Evaluate(snap, c.holder.Get().Apply(o)), snap
}

// Check is the query form of Violations.
func (c *Checker) Check(ctx context.Context, o *Override) CheckResult {
	vs, snap := c.Violations(ctx, o)
	res := CheckResult{
		Blocked:  len(vs) > 0,
		Reasons:  Reasons(vs),
		Snapshot: snap,
	}
	if res.Blocked {
		res.RetryAfterSec = int(math.Ceil(c.retryAfter.Seconds()))
	}
	return res
}

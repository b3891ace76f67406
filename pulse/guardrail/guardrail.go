// Package guardrail decides whether the machine can take on more work.
//
// Evaluate is pure: the same snapshot and config always give the same
// violations, in a fixed order. Callers treat any violation as a hard block.
package guardrail

import (
	"strings"
	"sync/atomic"

	"github.com/teranos/vigil/am"
	"github.com/teranos/vigil/pulse/probe"
)

// Violation names a guardrail that currently blocks admission.
type Violation string

const (
	CPUHigh         Violation = "cpu_high"
	GPUHigh         Violation = "gpu_high"
	MemoryLow       Violation = "memory_low"
	DiskLow         Violation = "disk_low"
	RecordingActive Violation = "recording_active"
	StreamingActive Violation = "streaming_active"
)

// Config holds guardrail thresholds. A zero CPU or GPU threshold disables that check.
type Config struct {
	CPUThresholdPct  float64 `json:"cpu_threshold_pct" yaml:"cpu_threshold_pct"`
	GPUThresholdPct  float64 `json:"gpu_threshold_pct" yaml:"gpu_threshold_pct"`
	MinDiskGB        float64 `json:"min_disk_gb" yaml:"min_disk_gb"`
	MinMemoryGB      float64 `json:"min_memory_gb" yaml:"min_memory_gb"`
	PauseIfRecording bool    `json:"pause_if_recording" yaml:"pause_if_recording"`
	PauseIfStreaming bool    `json:"pause_if_streaming" yaml:"pause_if_streaming"`
}

// Override replaces individual fields of the global Config for one rule's jobs.
// Nil fields inherit.
type Override struct {
	CPUThresholdPct  *float64 `json:"cpu_threshold_pct,omitempty" yaml:"cpu_threshold_pct,omitempty"`
	GPUThresholdPct  *float64 `json:"gpu_threshold_pct,omitempty" yaml:"gpu_threshold_pct,omitempty"`
	MinDiskGB        *float64 `json:"min_disk_gb,omitempty" yaml:"min_disk_gb,omitempty"`
	MinMemoryGB      *float64 `json:"min_memory_gb,omitempty" yaml:"min_memory_gb,omitempty"`
	PauseIfRecording *bool    `json:"pause_if_recording,omitempty" yaml:"pause_if_recording,omitempty"`
	PauseIfStreaming *bool    `json:"pause_if_streaming,omitempty" yaml:"pause_if_streaming,omitempty"`
}

// FromConfig converts the loaded configuration section.
func FromConfig(c am.GuardrailsConfig) Config {
	return Config{
		CPUThresholdPct:  c.CPUThresholdPct,
		GPUThresholdPct:  c.GPUThresholdPct,
		MinDiskGB:        c.MinDiskGB,
		MinMemoryGB:      c.MinMemoryGB,
		PauseIfRecording: c.PauseIfRecording,
		PauseIfStreaming: c.PauseIfStreaming,
	}
}

// Apply returns c with o's set fields substituted. c is not modified.
func (c Config) Apply(o *Override) Config {
	if o == nil {
		return c
	}
	if o.CPUThresholdPct != nil {
		c.CPUThresholdPct = *o.CPUThresholdPct
	}
	if o.GPUThresholdPct != nil {
		c.GPUThresholdPct = *o.GPUThresholdPct
	}
	if o.MinDiskGB != nil {
		c.MinDiskGB = *o.MinDiskGB
	}
	if o.MinMemoryGB != nil {
		c.MinMemoryGB = *o.MinMemoryGB
	}
	if o.PauseIfRecording != nil {
		c.PauseIfRecording = *o.PauseIfRecording
	}
	if o.PauseIfStreaming != nil {
		c.PauseIfStreaming = *o.PauseIfStreaming
	}
	return c
}

// Evaluate returns the violated guardrails, or nil when clear. Metrics the
// snapshot could not read never violate.
func Evaluate(s probe.Snapshot, c Config) []Violation {
	var out []Violation
	if c.CPUThresholdPct > 0 && s.Has(probe.MetricCPU) && s.CPUPct > c.CPUThresholdPct {
		out = append(out, CPUHigh)
	}
	if c.GPUThresholdPct > 0 && s.Has(probe.MetricGPU) && s.GPUPct > c.GPUThresholdPct {
		out = append(out, GPUHigh)
	}
	if s.Has(probe.MetricMemory) && s.MemAvailableGB < c.MinMemoryGB {
		out = append(out, MemoryLow)
	}
	if s.Has(probe.MetricDisk) && s.DiskFreeGB < c.MinDiskGB {
		out = append(out, DiskLow)
	}
	if c.PauseIfRecording && s.IsRecording {
		out = append(out, RecordingActive)
	}
	if c.PauseIfStreaming && s.IsStreaming {
		out = append(out, StreamingActive)
	}
	return out
}

// Reasons converts violations to their string names.
func Reasons(vs []Violation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v)
	}
	return out
}

// ViolationError is the cancellation cause handed to executors whose guardrails trip mid-run.
type ViolationError struct {
	Violations []Violation
}

func (e *ViolationError) Error() string {
	return "guardrails violated: " + strings.Join(Reasons(e.Violations), ",")
}

// Holder owns the live global Config. Reloads swap in a new value; readers
// always get a copy, never a pointer into shared state.
type Holder struct {
	cur atomic.Pointer[Config]
}

// NewHolder creates a Holder with an initial config.
func NewHolder(c Config) *Holder {
	h := &Holder{}
	h.Set(c)
	return h
}

// Get returns the current config by value.
func (h *Holder) Get() Config {
	return *h.cur.Load()
}

// Set replaces the current config.
func (h *Holder) Set(c Config) {
	h.cur.Store(&c)
}

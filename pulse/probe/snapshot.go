// Package probe samples the host and the capture session into a SystemSnapshot.
//
// Every metric is optional. A metric that cannot be read is listed in
// Snapshot.Unavailable and carries a neutral value, so guardrail checks on it
// pass (fail open) instead of blocking all work on a machine without a GPU.
package probe

import (
	"time"
)

// Metric names a sampled quantity.
type Metric string

const (
	MetricCPU     Metric = "cpu"
	MetricGPU     Metric = "gpu"
	MetricMemory  Metric = "memory"
	MetricDisk    Metric = "disk"
	MetricCapture Metric = "capture"
)

// Snapshot is an immutable point-in-time view of system state. Never persisted.
type Snapshot struct {
	CPUPct         float64   `json:"cpu_pct"`
	GPUPct         float64   `json:"gpu_pct"`
	MemAvailableGB float64   `json:"mem_available_gb"`
	DiskFreeGB     float64   `json:"disk_free_gb"`
	IsRecording    bool      `json:"is_recording"`
	IsStreaming    bool      `json:"is_streaming"`
	Scene          string    `json:"scene,omitempty"`
	SampledAt      time.Time `json:"sampled_at"`
	Unavailable    []Metric  `json:"unavailable,omitempty"`
}

// Has reports whether m was actually read.
func (s Snapshot) Has(m Metric) bool {
	for _, u := range s.Unavailable {
		if u == m {
			return false
		}
	}
	return true
}

// Neutral returns a snapshot where nothing could be read.
func Neutral(at time.Time) Snapshot {
	return Snapshot{
		SampledAt:   at,
		Unavailable: []Metric{MetricCPU, MetricGPU, MetricMemory, MetricDisk, MetricCapture},
	}
}

// Fields exposes the snapshot to rule conditions under the "system" key.
func (s Snapshot) Fields() map[string]interface{} {
	return map[string]interface{}{
		"cpu_pct":          s.CPUPct,
		"gpu_pct":          s.GPUPct,
		"mem_available_gb": s.MemAvailableGB,
		"disk_free_gb":     s.DiskFreeGB,
		"is_recording":     s.IsRecording,
		"is_streaming":     s.IsStreaming,
		"scene":            s.Scene,
		"sampled_at":       s.SampledAt,
	}
}

func (s *Snapshot) markUnavailable(m Metric) {
	if s.Has(m) {
		s.Unavailable = append(s.Unavailable, m)
	}
}

const bytesPerGB = 1024 * 1024 * 1024

func toGB(b uint64) float64 {
	return float64(b) / bytesPerGB
}

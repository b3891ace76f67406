package async

import (
	"math/rand/v2"
	"time"

	"github.com/teranos/vigil/am"
)

// maxBackoffExponent caps doubling so attempts >= 4 always hit MaxDelay.
const maxBackoffExponent = 4

// BackoffPolicy computes when a blocked job is next re-checked:
// min(Base * 2^min(attempts, 4), Max), jittered by ±JitterPct percent.
type BackoffPolicy struct {
	Base      time.Duration
	Max       time.Duration
	JitterPct float64

	// Float returns a value in [0, 1). Nil means math/rand/v2.
	Float func() float64
}

// DefaultBackoff returns base 60s, max 300s, ±10%.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: 60 * time.Second, Max: 300 * time.Second, JitterPct: 10}
}

// BackoffFromConfig builds a policy from the admission config.
func BackoffFromConfig(c am.AdmissionConfig) BackoffPolicy {
	return BackoffPolicy{
		Base:      time.Duration(c.BaseDelaySeconds) * time.Second,
		Max:       time.Duration(c.MaxDelaySeconds) * time.Second,
		JitterPct: c.JitterPct,
	}
}

// Delay returns the pre-jitter delay for a job that has been deferred attempts times.
func (p BackoffPolicy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	exp := min(attempts, maxBackoffExponent)
	d := p.Base * time.Duration(1<<exp)
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Jittered returns Delay(attempts) scaled by a uniform factor in [1-j, 1+j].
func (p BackoffPolicy) Jittered(attempts int) time.Duration {
	d := p.Delay(attempts)
	if p.JitterPct <= 0 {
		return d
	}
	float := p.Float
	if float == nil {
		float = rand.Float64
	}
	j := p.JitterPct / 100
	factor := 1 - j + 2*j*float()
	return time.Duration(float64(d) * factor)
}

// Next returns the next re-check time after now.
func (p BackoffPolicy) Next(now time.Time, attempts int) time.Time {
	return now.Add(p.Jittered(attempts))
}

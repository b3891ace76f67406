package async

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay_DoublesThenCaps(t *testing.T) {
	p := BackoffPolicy{Base: 60 * time.Second, Max: 300 * time.Second}

	assert.Equal(t, 60*time.Second, p.Delay(0))
	assert.Equal(t, 120*time.Second, p.Delay(1))
	assert.Equal(t, 240*time.Second, p.Delay(2))
	assert.Equal(t, 300*time.Second, p.Delay(3))
	assert.Equal(t, 300*time.Second, p.Delay(4))
	assert.Equal(t, 300*time.Second, p.Delay(50))
	assert.Equal(t, 60*time.Second, p.Delay(-1))
}

func TestBackoffDelay_Monotonic(t *testing.T) {
	p := BackoffPolicy{Base: 5 * time.Second, Max: time.Hour}
	for a := 0; a < 10; a++ {
		assert.LessOrEqual(t, p.Delay(a), p.Delay(a+1))
	}
	// exponent stops growing at 4
	assert.Equal(t, 80*time.Second, p.Delay(4))
	assert.Equal(t, 80*time.Second, p.Delay(9))
}

func TestBackoffJitter_Bounds(t *testing.T) {
	p := DefaultBackoff()
	for _, f := range []float64{0, 0.25, 0.5, 0.999} {
		p.Float = func() float64 { return f }
		for a := 0; a < 6; a++ {
			d := p.Jittered(a)
			lo := time.Duration(float64(p.Delay(a)) * 0.9)
			hi := time.Duration(float64(p.Delay(a)) * 1.1)
			assert.GreaterOrEqual(t, d, lo)
			assert.LessOrEqual(t, d, hi)
		}
	}

	p.Float = func() float64 { return 0.5 }
	assert.InDelta(t, float64(p.Delay(2)), float64(p.Jittered(2)), float64(time.Millisecond), "midpoint is unjittered")
}

func TestBackoffNext(t *testing.T) {
	p := BackoffPolicy{Base: time.Minute, Max: 5 * time.Minute}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(2*time.Minute), p.Next(now, 1))
}

package probe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Cached serves a recent snapshot to many concurrent readers, resampling at
// most once per TTL. Readers get a copy; nothing shares a mutable pointer.
type Cached struct {
	sampler Sampler
	ttl     time.Duration
	timeNow func() time.Time

	current atomic.Pointer[Snapshot]
	refresh sync.Mutex // one resample at a time
}

// NewCached wraps sampler with a TTL cache. A zero TTL resamples every call.
func NewCached(sampler Sampler, ttl time.Duration) *Cached {
	return &Cached{sampler: sampler, ttl: ttl, timeNow: time.Now}
}

// Snapshot returns the cached snapshot if fresh, otherwise resamples. Sampling
// errors are absorbed: the sampler already returned a fail-open snapshot.
func (c *Cached) Snapshot(ctx context.Context) Snapshot {
	if snap, ok := c.fresh(); ok {
		return snap
	}

	c.refresh.Lock()
	defer c.refresh.Unlock()

	// Another caller may have refreshed while we waited
	if snap, ok := c.fresh(); ok {
		return snap
	}

	snap, _ := c.sampler.Sample(ctx)
	c.current.Store(&snap)
	return snap
}

// Sample satisfies Sampler so a Cached can stand in wherever a Prober is accepted.
func (c *Cached) Sample(ctx context.Context) (Snapshot, error) {
	return c.Snapshot(ctx), nil
}

// Invalidate forces the next read to resample.
func (c *Cached) Invalidate() {
	c.current.Store(nil)
}

func (c *Cached) fresh() (Snapshot, bool) {
	snap := c.current.Load()
	if snap == nil {
		return Snapshot{}, false
	}
	if c.timeNow().Sub(snap.SampledAt) >= c.ttl {
		return Snapshot{}, false
	}
	return *snap, true
}

package probe

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/vigil/errors"
)

type fakeHost struct {
	cpu, gpu       float64
	mem, disk      uint64
	cpuErr, gpuErr error
	memErr, diskEr error
	block          chan struct{} // when set, CPUPercent ignores ctx and waits on it
}

func (f *fakeHost) CPUPercent(ctx context.Context) (float64, error) {
	if f.block != nil {
		<-f.block
	}
	return f.cpu, f.cpuErr
}
func (f *fakeHost) GPUPercent(context.Context) (float64, error)           { return f.gpu, f.gpuErr }
func (f *fakeHost) MemAvailableBytes(context.Context) (uint64, error)     { return f.mem, f.memErr }
func (f *fakeHost) DiskFreeBytes(context.Context, string) (uint64, error) { return f.disk, f.diskEr }

type fakeCapture struct {
	recording, streaming bool
	err                  error
}

func (f *fakeCapture) IsRecording(context.Context) (bool, error) { return f.recording, f.err }
func (f *fakeCapture) IsStreaming(context.Context) (bool, error) { return f.streaming, f.err }
func (f *fakeCapture) CurrentScene(context.Context) (string, error) {
	return "Gameplay", f.err
}

func TestSample_ReadsEveryMetric(t *testing.T) {
	host := &fakeHost{cpu: 42, gpu: 17, mem: 8 * bytesPerGB, disk: 120 * bytesPerGB}
	p := New(Options{}, host, &fakeCapture{recording: true}, zap.NewNop().Sugar())

	snap, err := p.Sample(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 42.0, snap.CPUPct)
	assert.Equal(t, 17.0, snap.GPUPct)
	assert.InDelta(t, 8.0, snap.MemAvailableGB, 0.001)
	assert.InDelta(t, 120.0, snap.DiskFreeGB, 0.001)
	assert.True(t, snap.IsRecording)
	assert.False(t, snap.IsStreaming)
	assert.Equal(t, "Gameplay", snap.Scene)
	assert.Empty(t, snap.Unavailable)
	assert.False(t, snap.SampledAt.IsZero())
}

func TestSample_MissingMetricsAreNeutral(t *testing.T) {
	host := &fakeHost{
		cpuErr: errors.New("no /proc/stat"),
		gpuErr: ErrNoGPU,
		mem:    4 * bytesPerGB,
		diskEr: errors.New("no such mount"),
	}
	p := New(Options{}, host, nil, zap.NewNop().Sugar())

	snap, err := p.Sample(context.Background())
	require.NoError(t, err)

	assert.Zero(t, snap.CPUPct)
	assert.Zero(t, snap.GPUPct)
	assert.False(t, snap.Has(MetricCPU))
	assert.False(t, snap.Has(MetricGPU))
	assert.False(t, snap.Has(MetricDisk))
	assert.False(t, snap.Has(MetricCapture))
	assert.True(t, snap.Has(MetricMemory))
}

func TestSample_CaptureErrorMeansNotRecordingWithWarning(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	p := New(Options{}, &fakeHost{}, &fakeCapture{recording: true, streaming: true, err: errors.New("obs closed")}, zap.New(core).Sugar())

	snap, err := p.Sample(context.Background())
	require.NoError(t, err)

	assert.False(t, snap.IsRecording)
	assert.False(t, snap.IsStreaming)
	assert.False(t, snap.Has(MetricCapture))
	assert.GreaterOrEqual(t, logs.FilterMessageSnippet("Capture state unknown").Len(), 1)
}

func TestSample_TimeoutFailsOpen(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	p := New(Options{Timeout: 30 * time.Millisecond}, &fakeHost{cpu: 99, block: block}, nil, zap.NewNop().Sugar())

	start := time.Now()
	snap, err := p.Sample(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTimeout))
	assert.Less(t, time.Since(start), time.Second, "sample must not wait for a hung reader")
	assert.Zero(t, snap.CPUPct)
	assert.False(t, snap.Has(MetricCPU))
	assert.False(t, snap.Has(MetricDisk))
}

type countingSampler struct {
	calls atomic.Int32
	now   func() time.Time
}

func (c *countingSampler) Sample(context.Context) (Snapshot, error) {
	n := c.calls.Add(1)
	return Snapshot{CPUPct: float64(n), SampledAt: c.now()}, nil
}

func TestCached_RespectsTTL(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	sampler := &countingSampler{now: clock}

	c := NewCached(sampler, 30*time.Second)
	c.timeNow = clock

	assert.Equal(t, 1.0, c.Snapshot(context.Background()).CPUPct)
	now = now.Add(29 * time.Second)
	assert.Equal(t, 1.0, c.Snapshot(context.Background()).CPUPct, "still fresh")

	now = now.Add(2 * time.Second)
	assert.Equal(t, 2.0, c.Snapshot(context.Background()).CPUPct, "expired")

	c.Invalidate()
	assert.Equal(t, 3.0, c.Snapshot(context.Background()).CPUPct)
	assert.Equal(t, int32(3), sampler.calls.Load())
}

func TestCached_ZeroTTLAlwaysSamples(t *testing.T) {
	sampler := &countingSampler{now: time.Now}
	c := NewCached(sampler, 0)

	c.Snapshot(context.Background())
	c.Snapshot(context.Background())
	assert.Equal(t, int32(2), sampler.calls.Load())
}

func TestParseGPUUtilization(t *testing.T) {
	v, err := parseGPUUtilization([]byte("12\n87\n"))
	require.NoError(t, err)
	assert.Equal(t, 87.0, v)

	v, err = parseGPUUtilization([]byte(" 5 %\n"))
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	_, err = parseGPUUtilization([]byte(""))
	assert.ErrorIs(t, err, ErrNoGPU)

	_, err = parseGPUUtilization([]byte("[N/A]\n"))
	assert.Error(t, err)
}

func TestHost_NoGPUCommand(t *testing.T) {
	_, err := NewHost(0, "").GPUPercent(context.Background())
	assert.ErrorIs(t, err, ErrNoGPU)

	_, err = NewHost(0, "definitely-not-a-real-gpu-tool").GPUPercent(context.Background())
	assert.ErrorIs(t, err, ErrNoGPU)
}

func TestSnapshotFields(t *testing.T) {
	f := Snapshot{CPUPct: 55, IsRecording: true}.Fields()
	assert.Equal(t, 55.0, f["cpu_pct"])
	assert.Equal(t, true, f["is_recording"])
}

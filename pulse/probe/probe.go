package probe

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/logger"
)

// CaptureState answers questions about the live capture session.
// Implementations must honour ctx deadlines.
type CaptureState interface {
	IsRecording(ctx context.Context) (bool, error)
	IsStreaming(ctx context.Context) (bool, error)
	CurrentScene(ctx context.Context) (string, error)
}

// Sampler produces snapshots. Implemented by Prober and by test fakes.
type Sampler interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// Prober samples host metrics and capture state under a bounded timeout.
type Prober struct {
	host     HostReader
	capture  CaptureState
	diskPath string
	timeout  time.Duration
	logger   *zap.SugaredLogger
	timeNow  func() time.Time
}

// Options configures a Prober.
type Options struct {
	DiskPath string
	Timeout  time.Duration
}

// New creates a Prober. capture may be nil when no capture software is configured.
func New(opts Options, host HostReader, capture CaptureState, log *zap.SugaredLogger) *Prober {
	if opts.DiskPath == "" {
		opts.DiskPath = "/"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &Prober{
		host:     host,
		capture:  capture,
		diskPath: opts.DiskPath,
		timeout:  opts.Timeout,
		logger:   logger.AddComponent(log, "probe"),
		timeNow:  time.Now,
	}
}

// Sample reads every metric. It returns within the configured timeout even if
// a reader hangs: the collection runs in its own goroutine and a late result
// is discarded. On timeout the returned snapshot is Neutral and the error wraps
// errors.ErrTimeout; callers fail open on it.
func (p *Prober) Sample(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan Snapshot, 1)
	go func() {
		done <- p.collect(ctx)
	}()

	select {
	case snap := <-done:
		return snap, nil
	case <-ctx.Done():
		p.logger.Warnw("System sample timed out, treating metrics as unavailable",
			"timeout", p.timeout)
		return Neutral(p.timeNow()), errors.Wrapf(errors.ErrTimeout, "system sample exceeded %s", p.timeout)
	}
}

func (p *Prober) collect(ctx context.Context) Snapshot {
	snap := Snapshot{SampledAt: p.timeNow()}

	// CPU sampling blocks for its window and GPU shells out; run them alongside the rest
	var (
		wg             sync.WaitGroup
		cpuPct, gpuPct float64
		cpuErr, gpuErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		cpuPct, cpuErr = p.host.CPUPercent(ctx)
	}()
	go func() {
		defer wg.Done()
		gpuPct, gpuErr = p.host.GPUPercent(ctx)
	}()

	if b, err := p.host.MemAvailableBytes(ctx); err != nil {
		p.logger.Debugw("Memory metric unavailable", logger.FieldError, err)
		snap.markUnavailable(MetricMemory)
	} else {
		snap.MemAvailableGB = toGB(b)
	}
	if b, err := p.host.DiskFreeBytes(ctx, p.diskPath); err != nil {
		p.logger.Debugw("Disk metric unavailable", "path", p.diskPath, logger.FieldError, err)
		snap.markUnavailable(MetricDisk)
	} else {
		snap.DiskFreeGB = toGB(b)
	}

	p.sampleCapture(ctx, &snap)

	wg.Wait()
	if cpuErr != nil {
		p.logger.Debugw("CPU metric unavailable", logger.FieldError, cpuErr)
		snap.markUnavailable(MetricCPU)
	} else {
		snap.CPUPct = cpuPct
	}
	if gpuErr != nil {
		if !errors.Is(gpuErr, ErrNoGPU) {
			p.logger.Debugw("GPU metric unavailable", logger.FieldError, gpuErr)
		}
		snap.markUnavailable(MetricGPU)
	} else {
		snap.GPUPct = gpuPct
	}

	return snap
}

// sampleCapture asks the capture collaborator for session state. An error
// counts as "not recording" / "not streaming" and is logged as a warning.
func (p *Prober) sampleCapture(ctx context.Context, snap *Snapshot) {
	if p.capture == nil {
		snap.markUnavailable(MetricCapture)
		return
	}

	recording, err := p.capture.IsRecording(ctx)
	if err != nil {
		p.logger.Warnw("Capture state unknown, assuming not recording", logger.FieldError, err)
		snap.markUnavailable(MetricCapture)
		recording = false
	}
	streaming, err := p.capture.IsStreaming(ctx)
	if err != nil {
		p.logger.Warnw("Capture state unknown, assuming not streaming", logger.FieldError, err)
		snap.markUnavailable(MetricCapture)
		streaming = false
	}
	snap.IsRecording = recording
	snap.IsStreaming = streaming

	if scene, err := p.capture.CurrentScene(ctx); err == nil {
		snap.Scene = scene
	}
}

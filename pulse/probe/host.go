package probe

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/vigil/errors"
)

// HostReader reads host resource metrics.
type HostReader interface {
	CPUPercent(ctx context.Context) (float64, error)
	GPUPercent(ctx context.Context) (float64, error)
	MemAvailableBytes(ctx context.Context) (uint64, error)
	DiskFreeBytes(ctx context.Context, path string) (uint64, error)
}

// ErrNoGPU means no GPU query is configured or the query tool is absent.
var ErrNoGPU = errors.New("no gpu available")

// Host reads metrics through gopsutil, and GPU utilisation through an
// nvidia-smi compatible command.
type Host struct {
	CPUSample  time.Duration
	GPUCommand string
}

// NewHost creates a gopsutil-backed HostReader.
func NewHost(cpuSample time.Duration, gpuCommand string) *Host {
	return &Host{CPUSample: cpuSample, GPUCommand: gpuCommand}
}

// CPUPercent averages utilisation across all cores over the sample window.
func (h *Host) CPUPercent(ctx context.Context) (float64, error) {
	pcts, err := cpu.PercentWithContext(ctx, h.CPUSample, false)
	if err != nil {
		return 0, errors.Wrap(err, "cpu percent")
	}
	if len(pcts) == 0 {
		return 0, errors.New("cpu percent: no samples")
	}
	return pcts[0], nil
}

// MemAvailableBytes returns memory available to new work without swapping.
func (h *Host) MemAvailableBytes(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "virtual memory")
	}
	return vm.Available, nil
}

// DiskFreeBytes returns free space on the filesystem holding path.
func (h *Host) DiskFreeBytes(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, errors.Wrapf(err, "disk usage %s", path)
	}
	return usage.Free, nil
}

// GPUPercent returns the busiest GPU's utilisation.
func (h *Host) GPUPercent(ctx context.Context) (float64, error) {
	if h.GPUCommand == "" {
		return 0, ErrNoGPU
	}
	if _, err := exec.LookPath(h.GPUCommand); err != nil {
		return 0, ErrNoGPU
	}

	out, err := exec.CommandContext(ctx, h.GPUCommand,
		"--query-gpu=utilization.gpu",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		return 0, errors.Wrapf(err, "%s query", h.GPUCommand)
	}
	return parseGPUUtilization(out)
}

// parseGPUUtilization reads one percentage per line and returns the maximum.
func parseGPUUtilization(out []byte) (float64, error) {
	var (
		max   float64
		found bool
	)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSuffix(line, " %"), 64)
		if err != nil {
			return 0, errors.Wrapf(err, "parse gpu utilization %q", line)
		}
		if !found || v > max {
			max = v
		}
		found = true
	}
	if !found {
		return 0, ErrNoGPU
	}
	return max, nil
}

package am

import "github.com/teranos/vigil/errors"

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	g := c.Guardrails
	if g.CPUThresholdPct < 0 || g.CPUThresholdPct > 100 {
		return errors.Newf("guardrails.cpu_threshold_pct must be within 0..100, got %v", g.CPUThresholdPct)
	}
	if g.GPUThresholdPct < 0 || g.GPUThresholdPct > 100 {
		return errors.Newf("guardrails.gpu_threshold_pct must be within 0..100, got %v", g.GPUThresholdPct)
	}
	if g.MinDiskGB < 0 {
		return errors.Newf("guardrails.min_disk_gb must be >= 0, got %v", g.MinDiskGB)
	}
	if g.MinMemoryGB < 0 {
		return errors.Newf("guardrails.min_memory_gb must be >= 0, got %v", g.MinMemoryGB)
	}

	if c.Probe.TimeoutMS <= 0 {
		return errors.Newf("probe.timeout_ms must be > 0, got %d", c.Probe.TimeoutMS)
	}
	if c.Probe.CacheTTLSeconds < 0 {
		return errors.Newf("probe.cache_ttl_seconds must be >= 0, got %d", c.Probe.CacheTTLSeconds)
	}

	// Admission interval: 0 = loop disabled, negative = invalid
	a := c.Admission
	if a.IntervalSeconds < 0 {
		return errors.Newf("admission.interval_seconds must be >= 0, got %d", a.IntervalSeconds)
	}
	if a.BatchSize <= 0 {
		return errors.Newf("admission.batch_size must be > 0, got %d", a.BatchSize)
	}
	if a.BaseDelaySeconds <= 0 {
		return errors.Newf("admission.base_delay_seconds must be > 0, got %d", a.BaseDelaySeconds)
	}
	if a.MaxDelaySeconds < a.BaseDelaySeconds {
		return errors.Newf("admission.max_delay_seconds (%d) must be >= base_delay_seconds (%d)", a.MaxDelaySeconds, a.BaseDelaySeconds)
	}
	if a.JitterPct < 0 || a.JitterPct >= 100 {
		return errors.Newf("admission.jitter_pct must be within 0..100, got %v", a.JitterPct)
	}

	// Workers: 0 = no in-process executors, negative = invalid
	if c.Workers.Count < 0 {
		return errors.Newf("workers.count must be >= 0, got %d", c.Workers.Count)
	}
	if c.Workers.Count > 0 && c.Workers.GuardrailPollSeconds <= 0 {
		return errors.Newf("workers.guardrail_poll_seconds must be > 0, got %d", c.Workers.GuardrailPollSeconds)
	}
	if c.Queue.RetentionDays < 0 {
		return errors.Newf("queue.retention_days must be >= 0, got %d", c.Queue.RetentionDays)
	}
	if c.Workers.WebhookTimeoutSeconds < 0 {
		return errors.Newf("workers.webhook_timeout_seconds must be >= 0, got %d", c.Workers.WebhookTimeoutSeconds)
	}

	switch c.Capture.Kind {
	case CaptureNone, "":
	case CaptureOBS:
		if c.Capture.URL == "" {
			return errors.New("capture.url cannot be empty when capture.kind = obs")
		}
	default:
		return errors.Newf("capture.kind must be %q or %q, got %q", CaptureNone, CaptureOBS, c.Capture.Kind)
	}

	switch c.Queue.Transport {
	case TransportLocal, "":
	case TransportRedis:
		if c.Queue.RedisAddr == "" {
			return errors.New("queue.redis_addr cannot be empty when queue.transport = redis")
		}
	default:
		return errors.Newf("queue.transport must be %q or %q, got %q", TransportLocal, TransportRedis, c.Queue.Transport)
	}

	if c.Watch.StableSeconds < 0 {
		return errors.Newf("watch.stable_seconds must be >= 0, got %d", c.Watch.StableSeconds)
	}

	return nil
}

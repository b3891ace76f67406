package am

import (
	"github.com/spf13/viper"
)

// DefaultResourceSensitive lists job types that load CPU/GPU and are re-checked against guardrails.
var DefaultResourceSensitive = []string{"remux", "proxy", "thumbnail", "transcode", "exec"}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "vigil.db")

	v.SetDefault("server.addr", "127.0.0.1:8787")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("log.compress", true)

	// Guardrails: leave headroom for a live capture session
	v.SetDefault("guardrails.cpu_threshold_pct", 80.0)
	v.SetDefault("guardrails.gpu_threshold_pct", 80.0)
	v.SetDefault("guardrails.min_disk_gb", 10.0)
	v.SetDefault("guardrails.min_memory_gb", 2.0)
	v.SetDefault("guardrails.pause_if_recording", true)
	v.SetDefault("guardrails.pause_if_streaming", true)

	v.SetDefault("probe.disk_path", "/")
	v.SetDefault("probe.timeout_ms", 2000)
	v.SetDefault("probe.cache_ttl_seconds", 30)
	v.SetDefault("probe.cpu_sample_ms", 250)
	v.SetDefault("probe.gpu_command", "nvidia-smi")

	v.SetDefault("admission.interval_seconds", 10)
	v.SetDefault("admission.batch_size", 50)
	v.SetDefault("admission.base_delay_seconds", 60)
	v.SetDefault("admission.max_delay_seconds", 300)
	v.SetDefault("admission.jitter_pct", 10.0)
	v.SetDefault("admission.resource_sensitive", DefaultResourceSensitive)
	v.SetDefault("admission.timezone", "")

	v.SetDefault("workers.count", 1)
	v.SetDefault("workers.poll_interval_ms", 1000)
	v.SetDefault("workers.guardrail_poll_seconds", 3)
	v.SetDefault("workers.webhook_timeout_seconds", 10)
	v.SetDefault("workers.webhook_allow_private", false)

	v.SetDefault("capture.kind", CaptureNone)
	v.SetDefault("capture.url", "ws://127.0.0.1:4455")
	v.SetDefault("capture.password", "")
	v.SetDefault("capture.timeout_ms", 1500)

	v.SetDefault("watch.dirs", []string{})
	v.SetDefault("watch.extensions", []string{".mkv", ".mp4", ".mov", ".flv"})
	v.SetDefault("watch.stable_seconds", 5)

	v.SetDefault("queue.transport", TransportLocal)
	v.SetDefault("queue.redis_addr", "127.0.0.1:6379")
	v.SetDefault("queue.redis_stream", "vigil:jobs")
	v.SetDefault("queue.retention_days", 30)
}

// BindSensitiveEnvVars binds secrets to explicit environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("capture.password", "VIGIL_CAPTURE_PASSWORD", "OBS_WEBSOCKET_PASSWORD")
}

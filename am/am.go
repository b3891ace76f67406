// Package am loads vigil's configuration ("I am configured like this").
//
// Sources, lowest to highest precedence: defaults, /etc/vigil/vigil.toml,
// ~/.vigil/vigil.toml, ./vigil.toml, VIGIL_* environment variables.
package am

// Config represents the full vigil configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	Probe      ProbeConfig      `mapstructure:"probe"`
	Admission  AdmissionConfig  `mapstructure:"admission"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Capture    CaptureConfig    `mapstructure:"capture"`
	Watch      WatchConfig      `mapstructure:"watch"`
	Queue      QueueConfig      `mapstructure:"queue"`
}

// DatabaseConfig configures the SQLite record store
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP surface (guardrail check, executor reports, job inspection)
type ServerConfig struct {
	Addr string `mapstructure:"addr"` // empty = no HTTP server
}

// LogConfig configures the global zap logger
type LogConfig struct {
	Level      string `mapstructure:"level"`
	JSON       bool   `mapstructure:"json"`
	File       string `mapstructure:"file"` // empty = stderr only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// GuardrailsConfig is the global guardrail default. Rules override individual fields.
type GuardrailsConfig struct {
	CPUThresholdPct  float64 `mapstructure:"cpu_threshold_pct"` // 0 disables the check
	GPUThresholdPct  float64 `mapstructure:"gpu_threshold_pct"` // 0 disables the check
	MinDiskGB        float64 `mapstructure:"min_disk_gb"`
	MinMemoryGB      float64 `mapstructure:"min_memory_gb"`
	PauseIfRecording bool    `mapstructure:"pause_if_recording"`
	PauseIfStreaming bool    `mapstructure:"pause_if_streaming"`
}

// ProbeConfig configures system-state sampling
type ProbeConfig struct {
	DiskPath        string `mapstructure:"disk_path"`
	TimeoutMS       int    `mapstructure:"timeout_ms"`
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds"`
	CPUSampleMS     int    `mapstructure:"cpu_sample_ms"`
	GPUCommand      string `mapstructure:"gpu_command"` // empty = no GPU sampling
}

// AdmissionConfig configures the deferred-job admission loop
type AdmissionConfig struct {
	IntervalSeconds   int      `mapstructure:"interval_seconds"` // 0 = loop disabled
	BatchSize         int      `mapstructure:"batch_size"`
	BaseDelaySeconds  int      `mapstructure:"base_delay_seconds"`
	MaxDelaySeconds   int      `mapstructure:"max_delay_seconds"`
	JitterPct         float64  `mapstructure:"jitter_pct"`
	ResourceSensitive []string `mapstructure:"resource_sensitive"` // job types re-checked against guardrails
	Timezone          string   `mapstructure:"timezone"`           // active-hours clock, empty = local
}

// WorkersConfig configures the in-process executor pool
type WorkersConfig struct {
	Count                int `mapstructure:"count"` // 0 = no in-process executors
	PollIntervalMS       int `mapstructure:"poll_interval_ms"`
	GuardrailPollSeconds int `mapstructure:"guardrail_poll_seconds"`

	WebhookTimeoutSeconds int  `mapstructure:"webhook_timeout_seconds"`
	WebhookAllowPrivate   bool `mapstructure:"webhook_allow_private"` // permit LAN/loopback webhook targets
}

// CaptureConfig selects the capture-state collaborator
type CaptureConfig struct {
	Kind      string `mapstructure:"kind"` // none | obs
	URL       string `mapstructure:"url"`
	Password  string `mapstructure:"password"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

// WatchConfig configures the filesystem event source
type WatchConfig struct {
	Dirs          []string `mapstructure:"dirs"`
	Extensions    []string `mapstructure:"extensions"`
	StableSeconds int      `mapstructure:"stable_seconds"`
}

// QueueConfig selects where admitted jobs are published
type QueueConfig struct {
	Transport   string `mapstructure:"transport"` // local | redis
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisStream string `mapstructure:"redis_stream"`

	RetentionDays int `mapstructure:"retention_days"` // finished jobs older than this are pruned, 0 = keep
}

// Transport names
const (
	TransportLocal = "local"
	TransportRedis = "redis"
)

// Capture kinds
const (
	CaptureNone = "none"
	CaptureOBS  = "obs"
)

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

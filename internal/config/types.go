package config

// Raw on-disk configuration. YAML files are coerced to JSON and decoded
// strictly (DisallowUnknownFields) so typos surface on reload instead of
// being silently ignored.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").

type FileConfig struct {
	Tautulli TautulliConfig  `json:"tautulli"`
	Logging  LoggingConfig   `json:"logging"`
	Schedule ScheduleConfig  `json:"schedule"`
	Graphs   map[string]bool `json:"graphs"`
	Engine   EngineConfig    `json:"engine,omitempty"`
	Fetch    FetchConfig     `json:"fetch,omitempty"`
	Storage  StorageConfig   `json:"storage,omitempty"`
	Metrics  MetricsConfig   `json:"metrics,omitempty"`
	Output   OutputConfig    `json:"output,omitempty"`
}

// TautulliConfig points at the upstream statistics API.
type TautulliConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	// Timeout is the per-request timeout.
	Timeout string `json:"timeout,omitempty"`
	// MaxIdlePerHost sizes the pooled HTTP transport.
	MaxIdlePerHost int `json:"max_idle_per_host,omitempty"`
}

// ScheduleConfig controls when the automatic graph update fires.
//
// Either a cadence (update_days, optionally pinned to fixed_update_time)
// or a raw cron expression. "XX:XX" disables the fixed time, matching the
// config convention of the predecessor deployments.
type ScheduleConfig struct {
	UpdateDays      int    `json:"update_days"`
	FixedUpdateTime string `json:"fixed_update_time,omitempty"`
	Cron            string `json:"cron,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	KeepDays        int    `json:"keep_days"`
}

// EngineConfig controls task execution.
type EngineConfig struct {
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	RetryMax    string `json:"retry_max_delay,omitempty"`
	TaskTimeout string `json:"task_timeout,omitempty"`
}

// FetchConfig controls the throttled/cached upstream fetch path.
type FetchConfig struct {
	RateCapacity    int     `json:"rate_capacity,omitempty"`
	RateRefill      float64 `json:"rate_refill_per_sec,omitempty"`
	CacheTTL        string  `json:"cache_ttl,omitempty"`
	RetryMax        int     `json:"retry_max,omitempty"`
	RetryBase       string  `json:"retry_base,omitempty"`
	CircuitTrip     int     `json:"circuit_trip,omitempty"`
	CircuitCooldown string  `json:"circuit_cooldown,omitempty"`
	CircuitMaxDelay string  `json:"circuit_max_cooldown,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tgraph.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9317"
}

type OutputConfig struct {
	Dir string `json:"dir,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

package config

// Config is the daemon configuration. JSON and YAML files share this shape;
// unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage is required for acquisition. Nil or driver "none" disables it.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Executor controls the worker pool that fires timers.
	// If omitted, it follows acquisition.enabled with defaults.
	Executor *ExecutorConfig `json:"executor,omitempty"`

	Acquisition AcquisitionConfig `json:"acquisition"`
	Calendar    CalendarConfig    `json:"calendar"`
	Expression  ExpressionConfig  `json:"expression"`

	Debug DebugConfig `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// ConsoleJSON replaces the human-readable console with JSON lines.
	ConsoleJSON bool        `json:"console_json,omitempty"`
	File        LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./timerd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// ExecutorConfig controls the firing worker pool.
//
// Enabled is a pointer so we can distinguish "omitted" (follow
// acquisition.enabled) from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 2
type ExecutorConfig struct {
	Enabled   *bool `json:"enabled,omitempty"`
	Workers   int   `json:"workers,omitempty"`
	QueueSize int   `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`

	// Circuit breaker per handler type. circuit_trip_failures < 0 disables it.
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// AcquisitionConfig controls how due timers are picked up.
type AcquisitionConfig struct {
	Enabled bool `json:"enabled"`
	// Poll is a duration ("1s"), HH:MM interval or cron expression.
	Poll     string `json:"poll,omitempty"`
	Timezone string `json:"timezone,omitempty"` // cron polls only

	BatchSize int    `json:"batch_size,omitempty"`
	LockOwner string `json:"lock_owner,omitempty"`
	LockLease string `json:"lock_lease,omitempty"`

	// RetryWait postpones a timer whose firing failed.
	RetryWait   string `json:"retry_wait,omitempty"`
	FireTimeout string `json:"fire_timeout,omitempty"`

	MaxFiresPerSec float64 `json:"max_fires_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
}

// CalendarConfig configures due-date arithmetic.
//
// Workdays are weekday names ("mon", "Tuesday"); empty means Monday to
// Friday. Holidays take "MM-DD" (every year) or "YYYY-MM-DD".
type CalendarConfig struct {
	Timezone        string          `json:"timezone,omitempty"`
	SkipNonWorkdays bool            `json:"skip_non_workdays,omitempty"`
	Workdays        []string        `json:"workdays,omitempty"`
	Holidays        []HolidayConfig `json:"holidays,omitempty"`
}

type HolidayConfig struct {
	Name string `json:"name,omitempty"`
	Date string `json:"date"`
}

type ExpressionConfig struct {
	// Timeout bounds one end-date expression evaluation.
	Timeout string `json:"timeout,omitempty"`
}

// DebugConfig controls the optional diagnostics HTTP server (status, timers,
// audit and pprof endpoints).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback address needs a token or an explicit allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // pprof prefix, default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

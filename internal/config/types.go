package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "30s", "5m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"queue"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	HTTP       HTTPConfig       `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./hvqueue.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://queue@localhost/queue" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // may carry a password; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty"`
}

// QueueConfig mirrors queue.Tunables. Omitted fields take the base defaults;
// profile "high-volume" applies the high-volume multipliers.
type QueueConfig struct {
	Profile string `json:"profile,omitempty"`

	BatchSize         int    `json:"batch_size,omitempty"`
	ConcurrentBatches int    `json:"concurrent_batches,omitempty"`
	TimeoutPeriod     string `json:"timeout_period,omitempty"`
	FailurePeriod     string `json:"failure_period,omitempty"`
	TimeLimit         string `json:"time_limit,omitempty"`

	BatchMultiplier       int `json:"batch_multiplier,omitempty"`
	ConcurrencyMultiplier int `json:"concurrency_multiplier,omitempty"`
	TimeoutMultiplier     int `json:"timeout_multiplier,omitempty"`
	FailureMultiplier     int `json:"failure_multiplier,omitempty"`

	MaxAttempts int    `json:"max_attempts,omitempty"`
	MaxInFlight int    `json:"max_in_flight,omitempty"`
	Group       string `json:"group,omitempty"`
}

// DispatcherConfig controls runner launching.
//
// Launcher "inprocess" (default) runs instances as goroutines of this
// process. Launcher "http" POSTs tickets to http_launch.url, which may be
// another process serving the same store.
type DispatcherConfig struct {
	Launcher    string `json:"launcher,omitempty"`
	TokenTTL    string `json:"token_ttl,omitempty"`
	MinInterval string `json:"min_interval,omitempty"`
	Retention   string `json:"retention,omitempty"`

	Tokens     TokensConfig     `json:"tokens"`
	HTTPLaunch HTTPLaunchConfig `json:"http_launch"`
}

// TokensConfig selects the capability token set. "redis" is required when
// tickets are consumed by a process other than the one issuing them.
type TokensConfig struct {
	Backend       string `json:"backend,omitempty"` // memory | redis
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
}

type HTTPLaunchConfig struct {
	URL        string  `json:"url,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

type SchedulerConfig struct {
	Enabled     bool   `json:"enabled"`
	Schedule    string `json:"schedule,omitempty"` // default "@every 1m"
	Timezone    string `json:"timezone,omitempty"`
	TickTimeout string `json:"tick_timeout,omitempty"`
}

// HTTPConfig controls the listener hosting the instance-start endpoint.
type HTTPConfig struct {
	Enabled     bool    `json:"enabled"`
	Addr        string  `json:"addr,omitempty"`         // default "127.0.0.1:8080"
	TriggerPath string  `json:"trigger_path,omitempty"` // default "/trigger"
	Action      string  `json:"action,omitempty"`       // default "hvqueue_run"
	AuditPerSec float64 `json:"audit_per_sec,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	Pprof PprofConfig `json:"pprof"`
}

// PprofConfig exposes net/http/pprof on the HTTP listener.
//
// A non-loopback addr requires a token unless allow_insecure is set.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

package app

import (
	"fmt"
	"strings"
	"time"

	"hvqueue/internal/config"
	"hvqueue/internal/dispatch"
	"hvqueue/internal/httpserver"
	"hvqueue/internal/httptrigger"
	"hvqueue/internal/queue"
	"hvqueue/internal/scheduler"
	"hvqueue/internal/storage"
	logx "hvqueue/pkg/logx"
)

const (
	defaultAction      = "hvqueue_run"
	defaultSchedule    = "@every 1m"
	defaultTokenPrefix = "hvqueue:token:"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	busy, err := config.DurationField("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	switch driver {
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = "./hvqueue.db"
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required for driver %q", sc.Driver)
		}
		if sc.MaxConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_conns must be >= 0")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN, MaxConns: sc.MaxConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown %q", sc.Driver)
	}
}

func mapTunables(cfg *config.Config) (queue.Tunables, error) {
	q := cfg.Queue
	t := queue.Tunables{
		Profile:               q.Profile,
		BatchSize:             q.BatchSize,
		ConcurrentBatches:     q.ConcurrentBatches,
		BatchMultiplier:       q.BatchMultiplier,
		ConcurrencyMultiplier: q.ConcurrencyMultiplier,
		TimeoutMultiplier:     q.TimeoutMultiplier,
		FailureMultiplier:     q.FailureMultiplier,
		MaxAttempts:           q.MaxAttempts,
		MaxInFlight:           q.MaxInFlight,
		Group:                 q.Group,
	}
	var err error
	if t.TimeoutPeriod, err = config.DurationField("queue.timeout_period", q.TimeoutPeriod, 0); err != nil {
		return t, err
	}
	if t.FailurePeriod, err = config.DurationField("queue.failure_period", q.FailurePeriod, 0); err != nil {
		return t, err
	}
	if t.TimeLimit, err = config.DurationField("queue.time_limit", q.TimeLimit, 0); err != nil {
		return t, err
	}
	return t, nil
}

// mapQueueConfig parses and resolves the queue section.
func mapQueueConfig(cfg *config.Config) (queue.Tunables, queue.Resolved, error) {
	t, err := mapTunables(cfg)
	if err != nil {
		return t, queue.Resolved{}, err
	}
	r, err := t.Resolve()
	if err != nil {
		return t, queue.Resolved{}, fmt.Errorf("queue: %w", err)
	}
	return t, r, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatcher
	var (
		out dispatch.Config
		err error
	)
	if out.TokenTTL, err = config.DurationField("dispatcher.token_ttl", d.TokenTTL, 2*time.Minute); err != nil {
		return out, err
	}
	if out.MinInterval, err = config.DurationField("dispatcher.min_interval", d.MinInterval, 0); err != nil {
		return out, err
	}
	if out.Retention, err = config.DurationField("dispatcher.retention", d.Retention, 0); err != nil {
		return out, err
	}
	return out, nil
}

func launcherKind(cfg *config.Config) (string, error) {
	switch k := strings.ToLower(strings.TrimSpace(cfg.Dispatcher.Launcher)); k {
	case "", "inprocess", "in-process":
		return "inprocess", nil
	case "http":
		return "http", nil
	default:
		return "", fmt.Errorf("dispatcher.launcher: unknown %q", cfg.Dispatcher.Launcher)
	}
}

func mapHTTPLaunchConfig(cfg *config.Config) (dispatch.HTTPConfig, error) {
	hl := cfg.Dispatcher.HTTPLaunch
	timeout, err := config.DurationField("dispatcher.http_launch.timeout", hl.Timeout, time.Second)
	if err != nil {
		return dispatch.HTTPConfig{}, err
	}
	if strings.TrimSpace(hl.URL) == "" {
		return dispatch.HTTPConfig{}, fmt.Errorf("dispatcher.http_launch.url is required for the http launcher")
	}
	if hl.RatePerSec < 0 || hl.Burst < 0 {
		return dispatch.HTTPConfig{}, fmt.Errorf("dispatcher.http_launch: rate_per_sec and burst must be >= 0")
	}
	return dispatch.HTTPConfig{
		URL:        hl.URL,
		Action:     actionName(cfg),
		Timeout:    timeout,
		RatePerSec: hl.RatePerSec,
		Burst:      hl.Burst,
	}, nil
}

func tokensBackend(cfg *config.Config) (string, error) {
	switch b := strings.ToLower(strings.TrimSpace(cfg.Dispatcher.Tokens.Backend)); b {
	case "", "memory":
		return "memory", nil
	case "redis":
		if strings.TrimSpace(cfg.Dispatcher.Tokens.RedisAddr) == "" {
			return "", fmt.Errorf("dispatcher.tokens.redis_addr is required for the redis backend")
		}
		return "redis", nil
	default:
		return "", fmt.Errorf("dispatcher.tokens.backend: unknown %q", cfg.Dispatcher.Tokens.Backend)
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	timeout, err := config.DurationField("scheduler.tick_timeout", sc.TickTimeout, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	sched := strings.TrimSpace(sc.Schedule)
	if sched == "" {
		sched = defaultSchedule
	}
	if _, err := scheduler.ParseSchedule(sched); err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.schedule: %w", err)
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{
		Enabled:     sc.Enabled,
		Schedule:    sched,
		Timezone:    sc.Timezone,
		TickTimeout: timeout,
	}, nil
}

func actionName(cfg *config.Config) string {
	if a := strings.TrimSpace(cfg.HTTP.Action); a != "" {
		return a
	}
	return defaultAction
}

func mapTriggerConfig(cfg *config.Config) httptrigger.Config {
	return httptrigger.Config{Action: actionName(cfg), AuditPerSec: cfg.HTTP.AuditPerSec}
}

func mapHTTPConfig(cfg *config.Config) (httpserver.Config, error) {
	h := cfg.HTTP
	out := httpserver.Config{
		Addr:        h.Addr,
		TriggerPath: h.TriggerPath,
		Pprof: httpserver.PprofConfig{
			Enabled:       h.Pprof.Enabled,
			Prefix:        h.Pprof.Prefix,
			Token:         h.Pprof.Token,
			AllowInsecure: h.Pprof.AllowInsecure,
		},
	}
	var err error
	if out.ReadTimeout, err = config.DurationField("http.read_timeout", h.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.DurationField("http.write_timeout", h.WriteTimeout, 0); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.DurationField("http.idle_timeout", h.IdleTimeout, time.Minute); err != nil {
		return out, err
	}
	if h.AuditPerSec < 0 {
		return out, fmt.Errorf("http.audit_per_sec must be >= 0")
	}
	return out, nil
}

// validate rejects a config before it is committed. It runs on startup and
// on every hot reload.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	kind, err := launcherKind(cfg)
	if err != nil {
		return err
	}
	if kind == "http" {
		if _, err := mapHTTPLaunchConfig(cfg); err != nil {
			return err
		}
	}
	if _, err := tokensBackend(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return nil
}

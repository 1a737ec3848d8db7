package config

import (
	"reflect"
	"sort"
	"strings"

	logx "hvqueue/pkg/logx"
)

// SummarizeChange lists the changed sections and log fields describing their
// new values. Secrets (DSN, passwords, tokens) only appear as "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		q := newCfg.Queue
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.profile", q.Profile),
			logx.Int("queue.batch_size", q.BatchSize),
			logx.Int("queue.concurrent_batches", q.ConcurrentBatches),
			logx.String("queue.time_limit", q.TimeLimit),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		d := newCfg.Dispatcher
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.String("dispatcher.launcher", d.Launcher),
			logx.String("dispatcher.tokens", d.Tokens.Backend),
			logx.Bool("dispatcher.redis_password_set", d.Tokens.RedisPassword != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.schedule", newCfg.Scheduler.Schedule),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		h := newCfg.HTTP
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", h.Enabled),
			logx.String("http.addr", h.Addr),
			logx.Bool("http.pprof", h.Pprof.Enabled),
			logx.Bool("http.pprof_token_set", h.Pprof.Token != ""),
		)
	}
	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections whose change only takes effect on restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Dispatcher.Tokens, newCfg.Dispatcher.Tokens) ||
		oldCfg.Dispatcher.Launcher != newCfg.Dispatcher.Launcher ||
		!reflect.DeepEqual(oldCfg.Dispatcher.HTTPLaunch, newCfg.Dispatcher.HTTPLaunch) {
		out = append(out, "dispatcher.launcher")
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		out = append(out, "http")
	}
	return out
}

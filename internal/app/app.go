package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-redis/redis/v8"

	"hvqueue/internal/batch"
	"hvqueue/internal/claim"
	"hvqueue/internal/config"
	"hvqueue/internal/dispatch"
	"hvqueue/internal/eventbus"
	"hvqueue/internal/httpserver"
	"hvqueue/internal/httptrigger"
	"hvqueue/internal/queue"
	"hvqueue/internal/runner"
	rtsup "hvqueue/internal/runtime/supervisor"
	"hvqueue/internal/scheduler"
	"hvqueue/internal/storage"
	logx "hvqueue/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	rdb   *redis.Client

	handlers *batch.Registry
	claims   *claim.Manager
	proc     *batch.Processor
	settings *dispatch.Settings
	gate     *dispatch.Gate
	disp     *dispatch.Dispatcher
	sched    *scheduler.Service
	http     *httpserver.Service // nil when http.enabled is false

	// notify reports service state to the service manager.
	notify func(state string)
}

// NewApp loads and validates cfgPath and wires every component. Supervised
// goroutines (in-process runners, launcher posts) live under ctx.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log)
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a := &App{
		cfgm:     cfgm,
		sup:      rtsup.New(ctx, rtsup.WithLogger(log.With(logx.String("comp", "supervisor"))), rtsup.WithCancelOnError(true)),
		log:      log,
		logs:     logSvc,
		bus:      eventbus.New(),
		store:    store,
		handlers: batch.NewRegistry(),
		notify:   sdNotify,
	}
	if err := a.wire(cfg); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config) error {
	log := a.log
	batch.RegisterBuiltins(a.handlers, log.With(logx.String("comp", "handler")))

	_, resolved, _ := mapQueueConfig(cfg)
	a.claims = claim.New(a.store, log, claim.WithMaxAttempts(resolved.MaxAttempts))
	a.proc = batch.NewProcessor(a.store, a.handlers, a.bus, log)
	a.settings = dispatch.NewSettings(resolved)

	tokens, err := a.openTokens(cfg)
	if err != nil {
		return err
	}
	a.gate = dispatch.NewGate(tokens, a.store, a.settings, a.newRunner, log)

	var launcher dispatch.Launcher
	kind, _ := launcherKind(cfg)
	switch kind {
	case "http":
		hc, _ := mapHTTPLaunchConfig(cfg)
		l, err := dispatch.NewHTTP(hc, a.sup, log)
		if err != nil {
			return err
		}
		launcher = l
	default:
		launcher = dispatch.NewInProcess(a.gate, a.sup, log)
	}

	dc, _ := mapDispatchConfig(cfg)
	a.disp = dispatch.New(dc, a.store, a.store, tokens, launcher, a.settings, a.bus, log)

	schedCfg, _ := mapSchedulerConfig(cfg)
	a.sched = scheduler.New(schedCfg, func(c context.Context) error {
		_, err := a.disp.Tick(c)
		return err
	}, log)

	if cfg.HTTP.Enabled {
		hc, _ := mapHTTPConfig(cfg)
		// Instances started over HTTP belong to the app lifecycle, not the request.
		trigger := httptrigger.New(mapTriggerConfig(cfg), a.gate, log, httptrigger.WithSupervisor(a.sup))
		a.http = httpserver.New(hc, trigger, a.health, log)
	}

	log.Info("queue configured",
		logx.Int("batch_size", resolved.BatchSize),
		logx.Int("concurrent_batches", resolved.ConcurrentBatches),
		logx.Duration("timeout_period", resolved.TimeoutPeriod),
		logx.Duration("time_limit", resolved.TimeLimit),
		logx.String("launcher", kind),
	)
	return nil
}

func (a *App) openTokens(cfg *config.Config) (dispatch.TokenStore, error) {
	backend, _ := tokensBackend(cfg)
	if backend != "redis" {
		return dispatch.NewMemoryTokens(), nil
	}
	tc := cfg.Dispatcher.Tokens
	a.rdb = redis.NewClient(&redis.Options{
		Addr:     tc.RedisAddr,
		Password: tc.RedisPassword,
		DB:       tc.RedisDB,
	})
	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.rdb.Ping(pctx).Err(); err != nil {
		return nil, fmt.Errorf("token store redis %s: %w", tc.RedisAddr, err)
	}
	prefix := tc.Prefix
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultTokenPrefix
	}
	a.log.Info("token store: redis", logx.String("addr", tc.RedisAddr))
	return dispatch.NewRedisTokens(a.rdb, prefix), nil
}

func (a *App) newRunner() dispatch.Runner {
	return runner.New(a.claims, a.proc, a.bus, a.log)
}

// Handlers is the action registry; register custom handlers before Start.
func (a *App) Handlers() *batch.Registry { return a.handlers }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

func (a *App) Gate() *dispatch.Gate { return a.gate }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} { return a.sup.Context().Done() }

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error { return a.sup.Err() }

// HealthReport is the /healthz body.
type HealthReport struct {
	Jobs         map[queue.Status]int64 `json:"jobs"`
	ActiveClaims int64                  `json:"active_claims"`
	ActiveSlots  []int                  `json:"active_slots"`
	Concurrency  int                    `json:"concurrency"`
	BatchSize    int                    `json:"batch_size"`
	Goroutines   int64                  `json:"supervised_goroutines"`
	NextTick     *time.Time             `json:"next_tick,omitempty"`
}

func (a *App) Health(ctx context.Context) (HealthReport, error) {
	now := time.Now()
	st, err := a.store.Stats(ctx, now)
	if err != nil {
		return HealthReport{}, err
	}
	slots, err := a.store.ActiveSlots(ctx, now)
	if err != nil {
		return HealthReport{}, err
	}
	t := a.settings.Load()
	rep := HealthReport{
		Jobs:         st.ByStatus,
		ActiveClaims: st.ActiveClaims,
		ActiveSlots:  slots,
		Concurrency:  t.ConcurrentBatches,
		BatchSize:    t.BatchSize,
		Goroutines:   a.sup.Counters().Active,
	}
	if next := a.sched.Next(); !next.IsZero() {
		rep.NextTick = &next
	}
	if rep.ActiveSlots == nil {
		rep.ActiveSlots = []int{}
	}
	return rep, nil
}

func (a *App) health(ctx context.Context) (any, error) { return a.Health(ctx) }

// Start brings up the listener, the scheduler and the config watcher.
func (a *App) Start(ctx context.Context) error {
	if a.http != nil {
		if err := a.http.Start(a.sup.Context()); err != nil {
			return err
		}
		a.log.Info("http listening", logx.String("addr", a.http.Addr()))
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Debug only; job events are frequent.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		applied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts to the newest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, applied, next)
				applied = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// applyConfig installs the live parts of next. Sections that need a restart
// are only reported.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(prev, next); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogConfig(next))

	if t, err := mapTunables(next); err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else if r, err := a.disp.Apply(t); err != nil {
		a.log.Warn("unsafe queue config; keeping previous", logx.Err(err))
	} else {
		a.claims.SetMaxAttempts(r.MaxAttempts)
	}

	if dc, err := mapDispatchConfig(next); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.disp.Reconfigure(dc)
	}

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(ctx, sc); err != nil {
		a.log.Warn("scheduler reconfigure failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// RunOnce runs one runner instance in the foreground in the first free slot.
func (a *App) RunOnce(ctx context.Context) (queue.Summary, int, error) {
	return a.gate.RunLocal(ctx)
}

// Tick runs one dispatcher tick and waits for the runners it started in
// process. Only meant for an app that was not started.
func (a *App) Tick(ctx context.Context) (dispatch.TickReport, error) {
	rep, err := a.disp.Tick(ctx)
	if err != nil {
		return rep, err
	}
	return rep, a.sup.Wait(ctx)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify(daemon.SdNotifyStopping)
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("http", 3*time.Second, func(c context.Context) error {
		if a.http != nil {
			a.http.Stop(c)
		}
		return nil
	})
	// Runners (in process and HTTP-started) see cancellation as expiry and
	// release their claims on the way out. The store stays open until they do.
	step("supervisor", 15*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// close releases the store, the redis client and the log file.
func (a *App) close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

// Close releases resources of an app that was never started.
func (a *App) Close() error {
	a.sup.Cancel()
	return a.close()
}

func sdNotify(state string) {
	// No-op outside systemd (NOTIFY_SOCKET unset).
	_, _ = daemon.SdNotify(false, state)
}

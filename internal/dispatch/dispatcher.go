package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"hvqueue/internal/eventbus"
	"hvqueue/internal/queue"
	logx "hvqueue/pkg/logx"
)

// Purger removes terminal jobs that finished before a cutoff.
type Purger interface {
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	// TokenTTL bounds how long an issued ticket may wait to be presented.
	TokenTTL time.Duration
	// MinInterval drops ticks arriving sooner than this after the previous one.
	MinInterval time.Duration
	// Retention purges terminal jobs older than this on every tick; 0 keeps them.
	Retention time.Duration
}

// TickReport describes one tick.
type TickReport struct {
	Tick         string
	Skipped      bool
	Active       int
	Issued       int
	LaunchFailed int
	Purged       int64
}

// Dispatcher issues tickets for free runner slots on every tick.
type Dispatcher struct {
	slots    SlotStore
	purger   Purger
	tokens   TokenStore
	launcher Launcher
	settings *Settings
	bus      eventbus.Bus
	log      logx.Logger

	mu       sync.Mutex
	cfg      Config
	lastTick time.Time

	Now func() time.Time
}

func New(cfg Config, slots SlotStore, purger Purger, tokens TokenStore, launcher Launcher, settings *Settings, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Dispatcher{
		slots:    slots,
		purger:   purger,
		tokens:   tokens,
		launcher: launcher,
		settings: settings,
		bus:      bus,
		log:      log.With(logx.String("comp", "dispatcher")),
		cfg:      withDefaults(cfg),
		Now:      time.Now,
	}
}

func withDefaults(c Config) Config {
	if c.TokenTTL <= 0 {
		c.TokenTTL = 2 * time.Minute
	}
	return c
}

// Settings returns the tunables shared with the gate.
func (d *Dispatcher) Settings() queue.Resolved { return d.settings.Load() }

// Apply resolves and installs new tunables. Runners already admitted keep the
// values they started with.
func (d *Dispatcher) Apply(t queue.Tunables) (queue.Resolved, error) {
	r, err := t.Resolve()
	if err != nil {
		return queue.Resolved{}, err
	}
	prev := d.settings.Load()
	d.settings.Store(r)
	if prev != r {
		d.log.Info("queue tunables applied",
			logx.Int("batch_size", r.BatchSize),
			logx.Int("concurrent_batches", r.ConcurrentBatches),
			logx.Duration("timeout_period", r.TimeoutPeriod),
			logx.Duration("failure_period", r.FailurePeriod),
			logx.Duration("time_limit", r.TimeLimit),
		)
	}
	return r, nil
}

func (d *Dispatcher) Reconfigure(cfg Config) {
	d.mu.Lock()
	d.cfg = withDefaults(cfg)
	d.mu.Unlock()
}

// Tick purges old jobs and launches one runner per free slot. Slots leased
// by runners from earlier ticks count against the ceiling.
func (d *Dispatcher) Tick(ctx context.Context) (TickReport, error) {
	now := d.Now()
	d.mu.Lock()
	cfg := d.cfg
	if cfg.MinInterval > 0 && !d.lastTick.IsZero() && now.Sub(d.lastTick) < cfg.MinInterval {
		d.mu.Unlock()
		return TickReport{Skipped: true}, nil
	}
	d.lastTick = now
	d.mu.Unlock()

	var rep TickReport
	if cfg.Retention > 0 && d.purger != nil {
		n, err := d.purger.PurgeFinished(ctx, now.Add(-cfg.Retention))
		if err != nil {
			d.log.Warn("purge failed", logx.Err(err))
		}
		rep.Purged = n
	}

	active, err := d.slots.ActiveSlots(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("tick: %w", err)
	}
	busy := make(map[int]bool, len(active))
	for _, s := range active {
		busy[s] = true
	}
	rep.Active = len(active)

	t := d.settings.Load()
	free := t.ConcurrentBatches - len(active)
	if free <= 0 {
		d.log.Debug("no free runner slots", logx.Int("active", len(active)))
		return rep, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return rep, fmt.Errorf("tick id: %w", err)
	}
	rep.Tick = id.String()

	for slot := 0; slot < t.ConcurrentBatches && rep.Issued+rep.LaunchFailed < free; slot++ {
		if busy[slot] {
			continue
		}
		tok, err := newToken(rep.Tick)
		if err != nil {
			return rep, err
		}
		if err := d.tokens.Put(ctx, rep.Tick, slot, tok, cfg.TokenTTL); err != nil {
			return rep, fmt.Errorf("tick: %w", err)
		}
		if err := d.launcher.Launch(ctx, Ticket{Tick: rep.Tick, Slot: slot, Token: tok}); err != nil {
			rep.LaunchFailed++
			d.log.Warn("launch failed", logx.Int("slot", slot), logx.Err(err))
			continue
		}
		rep.Issued++
	}

	d.bus.Publish(eventbus.Event{Type: eventbus.TickIssued, Time: now, Data: rep})
	d.log.Debug("tick",
		logx.String("tick", rep.Tick),
		logx.Int("active", rep.Active),
		logx.Int("issued", rep.Issued),
		logx.Int("launch_failed", rep.LaunchFailed),
		logx.Int64("purged", rep.Purged),
	)
	return rep, nil
}

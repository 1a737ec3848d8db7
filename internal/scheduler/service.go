// Package scheduler fires dispatcher ticks on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "hvqueue/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
	// TickTimeout bounds one tick. 0 means 30s.
	TickTimeout time.Duration
}

// TickFunc is called on every schedule fire.
type TickFunc func(ctx context.Context) error

// Service owns a cron instance with a single tick entry. A fire that finds
// the previous tick still running is skipped.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	tick TickFunc
	log  logx.Logger

	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, tick TickFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, tick: tick, log: log.With(logx.String("comp", "scheduler"))}
}

// Start begins firing. It is a no-op when disabled or already started.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	sch, err := ParseSchedule(s.cfg.Schedule)
	if err != nil {
		return err
	}
	loc := loadLocation(s.cfg.Timezone, s.log)
	clog := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)

	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	timeout := s.cfg.TickTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c.Schedule(sch, cron.FuncJob(func() { s.fire(runCtx, timeout) }))
	c.Start()
	s.c = c
	s.log.Info("scheduler started", logx.String("schedule", s.cfg.Schedule), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) fire(ctx context.Context, timeout time.Duration) {
	if ctx.Err() != nil {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.tick(tctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("tick failed", logx.Err(err))
	}
}

// Stop halts firing and waits for a running tick, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
	cancel()
	s.log.Info("scheduler stopped")
}

// Apply installs cfg, restarting the cron instance when the schedule changed.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if cfg.Enabled {
		if _, err := ParseSchedule(cfg.Schedule); err != nil {
			return err
		}
	}
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	changed := prev.Enabled != cfg.Enabled ||
		strings.TrimSpace(prev.Schedule) != strings.TrimSpace(cfg.Schedule) ||
		strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) ||
		prev.TickTimeout != cfg.TickTimeout
	if !changed {
		return nil
	}
	if running {
		s.Stop(ctx)
	}
	return s.Start(ctx)
}

// Next reports when the next tick fires (zero when stopped).
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	if es := s.c.Entries(); len(es) > 0 {
		return es[0].Next
	}
	return time.Time{}
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}

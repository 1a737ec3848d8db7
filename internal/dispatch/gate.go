package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hvqueue/internal/queue"
	logx "hvqueue/pkg/logx"
)

// Settings holds the effective tunables shared by the dispatcher and the gate.
type Settings struct {
	p atomic.Pointer[queue.Resolved]
}

func NewSettings(r queue.Resolved) *Settings {
	s := &Settings{}
	s.Store(r)
	return s
}

func (s *Settings) Load() queue.Resolved { return *s.p.Load() }
func (s *Settings) Store(r queue.Resolved) { s.p.Store(&r) }

// SlotStore is the slot lease subset of storage.Store.
type SlotStore interface {
	AcquireSlot(ctx context.Context, slot int, holder string, now, expiresAt time.Time) (bool, error)
	RenewSlot(ctx context.Context, slot int, holder string, expiresAt time.Time) (bool, error)
	ReleaseSlot(ctx context.Context, slot int, holder string) error
	ActiveSlots(ctx context.Context, now time.Time) ([]int, error)
}

// Runner is one runner instance.
type Runner interface {
	Run(ctx context.Context, t queue.Resolved) (queue.Summary, error)
}

// Gate admits a runner instance presenting a valid ticket.
type Gate struct {
	tokens    TokenStore
	slots     SlotStore
	settings  *Settings
	newRunner func() Runner
	log       logx.Logger

	Now func() time.Time
}

func NewGate(tokens TokenStore, slots SlotStore, settings *Settings, newRunner func() Runner, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{
		tokens:    tokens,
		slots:     slots,
		settings:  settings,
		newRunner: newRunner,
		log:       log.With(logx.String("comp", "gate")),
		Now:       time.Now,
	}
}

// Start consumes the ticket, takes the slot lease and runs one runner instance
// to completion before releasing the lease. It returns ErrTokenRejected or
// ErrSlotBusy without running anything when admission fails.
func (g *Gate) Start(ctx context.Context, slot int, token string) (queue.Summary, error) {
	t := g.settings.Load()
	if slot < 0 || slot >= t.ConcurrentBatches {
		return queue.Summary{}, fmt.Errorf("%w: slot %d outside 0..%d", ErrTokenRejected, slot, t.ConcurrentBatches-1)
	}
	tick, err := TickOf(token)
	if err != nil {
		return queue.Summary{}, err
	}
	ok, err := g.tokens.Consume(ctx, tick, slot, token)
	if err != nil {
		return queue.Summary{}, err
	}
	if !ok {
		return queue.Summary{}, fmt.Errorf("%w: unknown, used or expired", ErrTokenRejected)
	}

	return g.run(ctx, slot, t, g.log.With(logx.Int("slot", slot), logx.String("tick", tick)))
}

// RunLocal runs one instance in the first free slot without a ticket. It is
// the operator path used by the CLI; the slot ceiling still applies.
func (g *Gate) RunLocal(ctx context.Context) (queue.Summary, int, error) {
	t := g.settings.Load()
	for slot := 0; slot < t.ConcurrentBatches; slot++ {
		sum, err := g.run(ctx, slot, t, g.log.With(logx.Int("slot", slot), logx.String("tick", "local")))
		if errors.Is(err, ErrSlotBusy) {
			continue
		}
		return sum, slot, err
	}
	return queue.Summary{}, -1, fmt.Errorf("%w: all %d slots leased", ErrSlotBusy, t.ConcurrentBatches)
}

// run takes the slot lease and runs one runner instance to completion before
// releasing the lease. The lease is renewed while the runner is still inside a
// job, so its TTL only bounds how long a crashed holder blocks the slot.
func (g *Gate) run(ctx context.Context, slot int, t queue.Resolved, log logx.Logger) (queue.Summary, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return queue.Summary{}, fmt.Errorf("slot holder id: %w", err)
	}
	holder := id.String()
	now := g.Now()
	ttl := t.SlotTTL()
	got, err := g.slots.AcquireSlot(ctx, slot, holder, now, now.Add(ttl))
	if err != nil {
		return queue.Summary{}, err
	}
	if !got {
		return queue.Summary{}, fmt.Errorf("%w: slot %d", ErrSlotBusy, slot)
	}
	log.Debug("runner admitted", logx.Duration("lease", ttl))

	hbCtx, stopHeartbeat := context.WithCancel(context.WithoutCancel(ctx))
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		g.heartbeat(hbCtx, slot, holder, ttl, log)
	}()

	defer func() {
		stopHeartbeat()
		<-hbDone
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := g.slots.ReleaseSlot(rctx, slot, holder); err != nil {
			log.Warn("slot release failed; lease will expire", logx.Err(err))
		}
	}()

	return g.newRunner().Run(ctx, t)
}

// heartbeat pushes the lease expiry forward every ttl/3 until ctx is done.
func (g *Gate) heartbeat(ctx context.Context, slot int, holder string, ttl time.Duration, log logx.Logger) {
	every := ttl / 3
	if every <= 0 {
		every = ttl
	}
	tk := time.NewTicker(every)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
		}
		ok, err := g.slots.RenewSlot(ctx, slot, holder, g.Now().Add(ttl))
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			log.Warn("slot renew failed", logx.Err(err))
		case !ok:
			log.Error("slot lease lost while running")
			return
		}
	}
}

func slotName(slot int) string { return "runner.slot-" + strconv.Itoa(slot) }

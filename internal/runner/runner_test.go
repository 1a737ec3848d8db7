package runner

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hvqueue/internal/batch"
	"hvqueue/internal/claim"
	"hvqueue/internal/queue"
	"hvqueue/internal/storage"
	logx "hvqueue/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store storage.Store
	reg   *batch.Registry
	clk   *fakeClock
	r     *Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clk := &fakeClock{now: time.UnixMilli(time.Now().UnixMilli())}
	reg := batch.NewRegistry()
	batch.RegisterBuiltins(reg, logx.Nop())
	proc := batch.NewProcessor(st, reg, nil, logx.Nop())
	proc.Now = clk.Now
	r := New(claim.New(st, logx.Nop(), claim.WithClock(clk.Now)), proc, nil, logx.Nop())
	r.Now = clk.Now
	return &harness{store: st, reg: reg, clk: clk, r: r}
}

func (h *harness) enqueue(t *testing.T, action string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := h.store.Enqueue(context.Background(), storage.EnqueueParams{
			Payload:     queue.Payload{Action: action},
			ScheduledAt: h.clk.Now().Add(-time.Minute),
		}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
}

func defaults(t *testing.T) queue.Resolved {
	t.Helper()
	r, err := queue.Tunables{}.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return r
}

func TestRunDrainsQueue(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "noop", 30)

	sum, err := h.r.Run(context.Background(), defaults(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.State != queue.StateDrained || sum.Batches != 2 || sum.Completed != 30 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if h.r.State() != queue.StateIdle {
		t.Fatalf("state after run = %v", h.r.State())
	}
	stats, _ := h.store.Stats(context.Background(), h.clk.Now())
	if stats.ByStatus[queue.StatusComplete] != 30 {
		t.Fatalf("stats = %+v", stats.ByStatus)
	}
}

func TestRunEmptyQueueDrainsImmediately(t *testing.T) {
	h := newHarness(t)
	sum, err := h.r.Run(context.Background(), defaults(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.State != queue.StateDrained || sum.Batches != 0 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRunExpiresAndReleases(t *testing.T) {
	h := newHarness(t)
	h.reg.MustRegister("slow", func(context.Context, json.RawMessage) error {
		h.clk.Advance(10 * time.Second)
		return nil
	})
	h.enqueue(t, "slow", 10)

	tun := defaults(t)
	tun.BatchSize = 4
	sum, err := h.r.Run(context.Background(), tun)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// 30s budget: three jobs start at 0s, 10s and 20s.
	if sum.State != queue.StateExpired || sum.Completed != 3 || sum.Unprocessed != 1 || sum.Batches != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	due, err := h.store.ListDue(context.Background(), "", 100, h.clk.Now())
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 7 {
		t.Fatalf("due after run = %d, want 7 (6 never claimed + 1 released)", len(due))
	}
}

func TestRunRefusesConcurrentRun(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	h.reg.MustRegister("block", func(context.Context, json.RawMessage) error {
		close(entered)
		<-unblock
		return nil
	})
	h.enqueue(t, "block", 1)

	errc := make(chan error, 1)
	go func() {
		_, err := h.r.Run(context.Background(), defaults(t))
		errc <- err
	}()
	<-entered
	if h.r.State() != queue.StateRunning {
		t.Fatalf("state = %v, want running", h.r.State())
	}
	if _, err := h.r.Run(context.Background(), defaults(t)); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Run err = %v, want ErrBusy", err)
	}
	close(unblock)
	if err := <-errc; err != nil {
		t.Fatalf("first Run: %v", err)
	}
}

func TestRunCancelTreatedAsExpiry(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.reg.MustRegister("cancel", func(context.Context, json.RawMessage) error {
		cancel()
		return nil
	})
	h.enqueue(t, "cancel", 3)

	sum, err := h.r.Run(ctx, defaults(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.State != queue.StateExpired || sum.Completed != 1 || sum.Unprocessed != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	due, _ := h.store.ListDue(context.Background(), "", 10, h.clk.Now())
	if len(due) != 2 {
		t.Fatalf("jobs not released on shutdown: %d due", len(due))
	}
}

type failingClaimer struct{}

func (failingClaimer) ClaimBatch(context.Context, int, time.Duration, string) (queue.Claim, error) {
	return queue.Claim{}, errors.New("database is locked")
}
func (failingClaimer) ReleaseClaim(context.Context, string) (int64, error) { return 0, nil }

func TestRunReturnsStorageError(t *testing.T) {
	t.Parallel()
	r := New(failingClaimer{}, nil, nil, logx.Nop())
	sum, err := r.Run(context.Background(), queue.Resolved{BatchSize: 1, TimeoutPeriod: time.Minute, TimeLimit: time.Minute})
	if err == nil {
		t.Fatal("expected storage error")
	}
	if sum.State != queue.StateIdle || r.State() != queue.StateIdle {
		t.Fatalf("state = %v / %v", sum.State, r.State())
	}
}

// contendedClaimer loses the first n rounds entirely to another runner.
type contendedClaimer struct {
	*claim.Manager
	losses int
}

func (c *contendedClaimer) ClaimBatch(ctx context.Context, n int, timeout time.Duration, group string) (queue.Claim, error) {
	if c.losses > 0 {
		c.losses--
		return queue.Claim{Lost: n}, nil
	}
	return c.Manager.ClaimBatch(ctx, n, timeout, group)
}

func TestRunKeepsGoingAfterLostRound(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "noop", 7)
	cm := &contendedClaimer{Manager: claim.New(h.store, logx.Nop(), claim.WithClock(h.clk.Now)), losses: 2}
	proc := batch.NewProcessor(h.store, h.reg, nil, logx.Nop())
	proc.Now = h.clk.Now
	r := New(cm, proc, nil, logx.Nop())
	r.Now = h.clk.Now

	sum, err := r.Run(context.Background(), defaults(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.State != queue.StateDrained || sum.Completed != 7 {
		t.Fatalf("summary = %+v", sum)
	}
}

// slowClaimer advances the clock past the budget while claiming.
type slowClaimer struct {
	*claim.Manager
	clk *fakeClock
	by  time.Duration
}

func (c *slowClaimer) ClaimBatch(ctx context.Context, n int, timeout time.Duration, group string) (queue.Claim, error) {
	cl, err := c.Manager.ClaimBatch(ctx, n, timeout, group)
	c.clk.Advance(c.by)
	return cl, err
}

type countingProcessor struct {
	calls int
}

func (p *countingProcessor) Process(context.Context, queue.Claim, time.Duration) (queue.ProcessResult, error) {
	p.calls++
	return queue.ProcessResult{}, nil
}

func TestRunSkipsProcessWhenClaimUsesBudget(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "noop", 4)
	tun := defaults(t)
	sc := &slowClaimer{Manager: claim.New(h.store, logx.Nop(), claim.WithClock(h.clk.Now)), clk: h.clk, by: tun.TimeLimit}
	proc := &countingProcessor{}
	r := New(sc, proc, nil, logx.Nop())
	r.Now = h.clk.Now

	sum, err := r.Run(context.Background(), tun)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if proc.calls != 0 {
		t.Fatalf("Process called %d times after the budget ran out", proc.calls)
	}
	if sum.State != queue.StateExpired || sum.Unprocessed != 4 {
		t.Fatalf("summary = %+v", sum)
	}
	due, _ := h.store.ListDue(context.Background(), "", 10, h.clk.Now())
	if len(due) != 4 {
		t.Fatalf("claim not released: %d due", len(due))
	}
}

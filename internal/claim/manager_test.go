package claim

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

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

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seed(t *testing.T, st storage.Store, n int, at time.Time) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := st.Enqueue(context.Background(), storage.EnqueueParams{Payload: queue.Payload{Action: "noop"}, ScheduledAt: at})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestClaimBatchDrainsInOrder(t *testing.T) {
	st := openStore(t)
	clk := &fakeClock{now: time.UnixMilli(time.Now().UnixMilli())}
	ids := seed(t, st, 30, clk.now.Add(-time.Minute))
	m := New(st, logx.Nop(), WithClock(clk.Now))
	ctx := context.Background()

	c1, err := m.ClaimBatch(ctx, 25, 5*time.Minute, "")
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(c1.JobIDs) != 25 {
		t.Fatalf("first claim has %d jobs, want 25", len(c1.JobIDs))
	}
	for i, id := range c1.JobIDs {
		if id != ids[i] {
			t.Fatalf("claim order[%d] = %s, want %s", i, id, ids[i])
		}
	}
	if !c1.ExpiresAt.Equal(clk.now.Add(5 * time.Minute)) {
		t.Fatalf("expires_at = %v", c1.ExpiresAt)
	}

	c2, err := m.ClaimBatch(ctx, 25, 5*time.Minute, "")
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(c2.JobIDs) != 5 {
		t.Fatalf("second claim has %d jobs, want 5", len(c2.JobIDs))
	}
	c3, err := m.ClaimBatch(ctx, 25, 5*time.Minute, "")
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if !c3.Empty() {
		t.Fatalf("expected drained queue, got %d jobs", len(c3.JobIDs))
	}
}

func TestCrashedClaimIsReclaimedAfterTimeout(t *testing.T) {
	st := openStore(t)
	clk := &fakeClock{now: time.UnixMilli(time.Now().UnixMilli())}
	seed(t, st, 30, clk.now.Add(-time.Minute))
	m := New(st, logx.Nop(), WithClock(clk.Now))
	ctx := context.Background()

	crashed, err := m.ClaimBatch(ctx, 25, 300*time.Second, "")
	if err != nil || len(crashed.JobIDs) != 25 {
		t.Fatalf("ClaimBatch = %d jobs, %v", len(crashed.JobIDs), err)
	}

	// Runner died; before expiry only the remainder is claimable.
	clk.Advance(299 * time.Second)
	c, _ := m.ClaimBatch(ctx, 25, 300*time.Second, "")
	if len(c.JobIDs) != 5 {
		t.Fatalf("claimed %d jobs before expiry, want 5", len(c.JobIDs))
	}
	clk.Advance(time.Second)
	c, _ = m.ClaimBatch(ctx, 25, 300*time.Second, "")
	if !c.Empty() {
		t.Fatalf("claim expiring exactly now was reclaimed: %d jobs", len(c.JobIDs))
	}

	clk.Advance(time.Millisecond)
	c, err = m.ClaimBatch(ctx, 25, 300*time.Second, "")
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(c.JobIDs) != 25 {
		t.Fatalf("reclaimed %d jobs, want 25", len(c.JobIDs))
	}
	want := map[string]bool{}
	for _, id := range crashed.JobIDs {
		want[id] = true
	}
	for _, id := range c.JobIDs {
		if !want[id] {
			t.Fatalf("unexpected job %s in reclaim", id)
		}
	}
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	st := openStore(t)
	seed(t, st, 60, time.Now().Add(-time.Minute))
	m := New(st, logx.Nop())
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				c, err := m.ClaimBatch(ctx, 7, time.Minute, "")
				if err != nil {
					t.Errorf("ClaimBatch: %v", err)
					return
				}
				if c.Empty() {
					return
				}
				mu.Lock()
				for _, id := range c.JobIDs {
					seen[id]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 60 {
		t.Fatalf("claimed %d distinct jobs, want 60", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestReleaseClaimMakesJobsEligible(t *testing.T) {
	st := openStore(t)
	seed(t, st, 3, time.Now().Add(-time.Minute))
	m := New(st, logx.Nop())
	ctx := context.Background()

	c, err := m.ClaimBatch(ctx, 10, time.Hour, "")
	if err != nil || len(c.JobIDs) != 3 {
		t.Fatalf("ClaimBatch = %d jobs, %v", len(c.JobIDs), err)
	}
	n, err := m.ReleaseClaim(ctx, c.ID)
	if err != nil || n != 3 {
		t.Fatalf("ReleaseClaim = %d, %v", n, err)
	}
	again, _ := m.ClaimBatch(ctx, 10, time.Hour, "")
	if len(again.JobIDs) != 3 {
		t.Fatalf("released jobs not claimable: %d", len(again.JobIDs))
	}
}

func TestClaimBatchRejectsBadArgs(t *testing.T) {
	t.Parallel()
	m := New(nil, logx.Nop())
	if _, err := m.ClaimBatch(context.Background(), 0, time.Minute, ""); err == nil {
		t.Fatal("expected error for zero batch size")
	}
	if _, err := m.ClaimBatch(context.Background(), 1, 0, ""); err == nil {
		t.Fatal("expected error for zero timeout")
	}
}

// raceStore holds every ListDue caller until all of them have listed, so they
// compete for the same candidates.
type raceStore struct {
	storage.Store
	listed sync.WaitGroup
}

func (s *raceStore) ListDue(ctx context.Context, group string, limit int, now time.Time) ([]queue.Job, error) {
	jobs, err := s.Store.ListDue(ctx, group, limit, now)
	s.listed.Done()
	s.listed.Wait()
	return jobs, err
}

func TestClaimBatchReportsLostCandidates(t *testing.T) {
	base := openStore(t)
	now := time.UnixMilli(time.Now().UnixMilli())
	seed(t, base, 10, now.Add(-time.Minute))

	st := &raceStore{Store: base}
	st.listed.Add(2)
	m := New(st, logx.Nop(), WithClock(func() time.Time { return now }))

	claims := make([]queue.Claim, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range claims {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claims[i], errs[i] = m.ClaimBatch(context.Background(), 5, time.Minute, "")
		}(i)
	}
	wg.Wait()

	total := 0
	for i, c := range claims {
		if errs[i] != nil {
			t.Fatalf("ClaimBatch: %v", errs[i])
		}
		total += len(c.JobIDs)
		if len(c.JobIDs)+c.Lost != 5 {
			t.Fatalf("claim %d: jobs=%d lost=%d, want 5 accounted for", i, len(c.JobIDs), c.Lost)
		}
		if c.Empty() && c.Lost == 0 {
			t.Fatalf("claim %d looks drained while jobs are eligible", i)
		}
	}
	if total != 5 {
		t.Fatalf("claimed %d jobs in total, want 5", total)
	}
	due, err := base.ListDue(context.Background(), "", 10, now)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 5 {
		t.Fatalf("eligible after race = %d, want 5", len(due))
	}
}

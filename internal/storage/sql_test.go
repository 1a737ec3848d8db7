package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"hvqueue/internal/queue"
	logx "hvqueue/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func enqueueN(t *testing.T, st Store, n int, at time.Time, group string) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := st.Enqueue(context.Background(), EnqueueParams{
			Payload:     queue.Payload{Action: "noop"},
			ScheduledAt: at,
			Group:       group,
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestRebind(t *testing.T) {
	t.Parallel()
	got := rebind(dialectPostgres, "UPDATE t SET a = ? WHERE b = ? AND c IN (?, ?)")
	want := "UPDATE t SET a = $1 WHERE b = $2 AND c IN ($3, $4)"
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
	if q := rebind(dialectSQLite, "a = ?"); q != "a = ?" {
		t.Fatalf("sqlite rebind changed query: %q", q)
	}
}

func TestEnqueueGet(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	at := time.UnixMilli(time.Now().Add(time.Minute).UnixMilli())

	id, err := st.Enqueue(ctx, EnqueueParams{
		Payload:     queue.Payload{Action: "mail.send", Args: []byte(`{"to":"a@b"}`)},
		ScheduledAt: at,
		Group:       "mail",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	j, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != queue.StatusPending || j.Group != "mail" || j.Payload.Action != "mail.send" {
		t.Fatalf("unexpected job: %+v", j)
	}
	if string(j.Payload.Args) != `{"to":"a@b"}` {
		t.Fatalf("args = %s", j.Payload.Args)
	}
	if !j.ScheduledAt.Equal(at) {
		t.Fatalf("scheduled_at = %v, want %v", j.ScheduledAt, at)
	}
	if _, err := st.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
	}
	if _, err := st.Enqueue(ctx, EnqueueParams{}); err == nil {
		t.Fatal("expected error for empty action")
	}
}

func TestListDueOrdering(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	late := enqueueN(t, st, 2, now.Add(-time.Minute), "")
	early := enqueueN(t, st, 2, now.Add(-time.Hour), "")
	_ = enqueueN(t, st, 1, now.Add(time.Hour), "")
	other := enqueueN(t, st, 1, now.Add(-2*time.Hour), "other")

	due, err := st.ListDue(ctx, "", 10, now)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	want := append(append(append([]string{}, other...), early...), late...)
	if len(due) != len(want) {
		t.Fatalf("ListDue returned %d jobs, want %d", len(due), len(want))
	}
	for i, j := range due {
		if j.ID != want[i] {
			t.Fatalf("due[%d] = %s, want %s", i, j.ID, want[i])
		}
	}

	grouped, err := st.ListDue(ctx, "other", 10, now)
	if err != nil {
		t.Fatalf("ListDue(group): %v", err)
	}
	if len(grouped) != 1 || grouped[0].ID != other[0] {
		t.Fatalf("group filter returned %+v", grouped)
	}

	limited, err := st.ListDue(ctx, "", 3, now)
	if err != nil {
		t.Fatalf("ListDue(limit): %v", err)
	}
	if len(limited) != 3 {
		t.Fatalf("limit ignored: %d", len(limited))
	}
}

func TestClaimJobsSkipsLostRaces(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	ids := enqueueN(t, st, 3, now.Add(-time.Second), "")

	exp := now.Add(time.Minute)
	got, err := st.ClaimJobs(ctx, "c1", ids[:2], now, exp)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("first claim got %v", got)
	}
	got2, err := st.ClaimJobs(ctx, "c2", ids, now, exp)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(got2) != 1 || got2[0] != ids[2] {
		t.Fatalf("second claim got %v, want only %s", got2, ids[2])
	}
	j, _ := st.Get(ctx, ids[0])
	if j.Status != queue.StatusInProgress || j.ClaimedBy != "c1" {
		t.Fatalf("job not owned by c1: %+v", j)
	}
}

func TestTerminalMarksRespectClaim(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	ids := enqueueN(t, st, 2, now.Add(-time.Second), "")
	if _, err := st.ClaimJobs(ctx, "c1", ids, now, now.Add(time.Minute)); err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}

	if err := st.MarkStarted(ctx, ids[0], "c1", now); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	if err := st.MarkComplete(ctx, ids[0], "other", now); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("MarkComplete(wrong claim) err = %v, want ErrClaimLost", err)
	}
	if err := st.MarkComplete(ctx, ids[0], "c1", now); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	if err := st.MarkFailed(ctx, ids[1], "c1", "boom", now); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	done, _ := st.Get(ctx, ids[0])
	if done.Status != queue.StatusComplete || done.ClaimedBy != "" || done.Attempts != 1 || done.FinishedAt.IsZero() {
		t.Fatalf("unexpected complete job: %+v", done)
	}
	failed, _ := st.Get(ctx, ids[1])
	if failed.Status != queue.StatusFailed || failed.LastError != "boom" {
		t.Fatalf("unexpected failed job: %+v", failed)
	}
	if err := st.MarkComplete(ctx, ids[1], "", now); !errors.Is(err, ErrConflict) {
		t.Fatalf("MarkComplete(terminal) err = %v, want ErrConflict", err)
	}
}

func TestReleaseClaim(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	ids := enqueueN(t, st, 3, now.Add(-time.Second), "")
	if _, err := st.ClaimJobs(ctx, "c1", ids, now, now.Add(time.Hour)); err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if err := st.MarkComplete(ctx, ids[0], "c1", now); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	n, err := st.ReleaseClaim(ctx, "c1")
	if err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}
	if n != 2 {
		t.Fatalf("released %d, want 2", n)
	}
	due, _ := st.ListDue(ctx, "", 10, now)
	if len(due) != 2 {
		t.Fatalf("released jobs not due again: %d", len(due))
	}
	j, _ := st.Get(ctx, ids[0])
	if j.Status != queue.StatusComplete {
		t.Fatalf("release touched a terminal job: %+v", j)
	}
}

func TestReclaimExpired(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())
	ids := enqueueN(t, st, 2, now.Add(-time.Second), "")
	exp := now.Add(time.Minute)
	if _, err := st.ClaimJobs(ctx, "c1", ids, now, exp); err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if err := st.MarkStarted(ctx, ids[1], "c1", now); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}

	res, err := st.ReclaimExpired(ctx, exp, 1)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if res.Reset != 0 || res.Failed != 0 {
		t.Fatalf("claim expiring exactly now must stay active: %+v", res)
	}

	res, err = st.ReclaimExpired(ctx, exp.Add(time.Millisecond), 1)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if res.Reset != 1 || res.Failed != 1 {
		t.Fatalf("unexpected reclaim result: %+v", res)
	}
	j0, _ := st.Get(ctx, ids[0])
	j1, _ := st.Get(ctx, ids[1])
	if j0.Status != queue.StatusPending || j0.ClaimedBy != "" {
		t.Fatalf("unstarted job not reset: %+v", j0)
	}
	if j1.Status != queue.StatusFailed || j1.LastError == "" {
		t.Fatalf("abandoned job not failed: %+v", j1)
	}
}

func TestCancelRetryPurge(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	ids := enqueueN(t, st, 2, now, "")

	if err := st.Cancel(ctx, ids[0], now); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := st.Cancel(ctx, ids[0], now); !errors.Is(err, ErrConflict) {
		t.Fatalf("double cancel err = %v, want ErrConflict", err)
	}
	if err := st.Retry(ctx, ids[1], now); !errors.Is(err, ErrConflict) {
		t.Fatalf("retry pending err = %v, want ErrConflict", err)
	}
	if err := st.Retry(ctx, ids[0], now); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if j, _ := st.Get(ctx, ids[0]); j.Status != queue.StatusPending {
		t.Fatalf("retry did not re-queue: %+v", j)
	}

	if err := st.MarkComplete(ctx, ids[1], "", now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	n, err := st.PurgeFinished(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("PurgeFinished: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, err := st.Get(ctx, ids[1]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("purged job still present: %v", err)
	}

	stats, err := st.Stats(ctx, now)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ByStatus[queue.StatusPending] != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestSlotLeases(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())
	exp := now.Add(time.Minute)

	ok, err := st.AcquireSlot(ctx, 0, "a", now, exp)
	if err != nil || !ok {
		t.Fatalf("AcquireSlot = %v, %v", ok, err)
	}
	ok, err = st.AcquireSlot(ctx, 0, "b", now, exp)
	if err != nil || ok {
		t.Fatalf("second holder acquired an active slot: %v, %v", ok, err)
	}
	if ok, _ := st.AcquireSlot(ctx, 1, "b", now, exp); !ok {
		t.Fatal("free slot not acquired")
	}

	active, err := st.ActiveSlots(ctx, now)
	if err != nil {
		t.Fatalf("ActiveSlots: %v", err)
	}
	if len(active) != 2 || active[0] != 0 || active[1] != 1 {
		t.Fatalf("active = %v", active)
	}

	// Expired lease is taken over.
	later := exp.Add(time.Millisecond)
	if ok, _ := st.AcquireSlot(ctx, 0, "c", later, later.Add(time.Minute)); !ok {
		t.Fatal("expired slot not taken over")
	}
	// Release only by the holder.
	if err := st.ReleaseSlot(ctx, 0, "a"); err != nil {
		t.Fatalf("ReleaseSlot: %v", err)
	}
	active, _ = st.ActiveSlots(ctx, later)
	if len(active) != 1 || active[0] != 0 {
		t.Fatalf("stale holder released the slot: %v", active)
	}
	if err := st.ReleaseSlot(ctx, 0, "c"); err != nil {
		t.Fatalf("ReleaseSlot: %v", err)
	}
	active, _ = st.ActiveSlots(ctx, later)
	if len(active) != 0 {
		t.Fatalf("active after release = %v", active)
	}
}

func TestRenewSlotKeepsHolder(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())

	if ok, _ := st.AcquireSlot(ctx, 0, "a", now, now.Add(time.Second)); !ok {
		t.Fatal("AcquireSlot failed")
	}
	if ok, err := st.RenewSlot(ctx, 0, "a", now.Add(time.Hour)); err != nil || !ok {
		t.Fatalf("RenewSlot = %v, %v", ok, err)
	}
	// Past the original expiry the renewed lease still blocks other holders.
	later := now.Add(time.Minute)
	if ok, _ := st.AcquireSlot(ctx, 0, "b", later, later.Add(time.Minute)); ok {
		t.Fatal("renewed slot taken over")
	}
	if ok, _ := st.RenewSlot(ctx, 0, "b", later.Add(time.Hour)); ok {
		t.Fatal("non-holder renewed the slot")
	}
	if ok, _ := st.RenewSlot(ctx, 3, "a", later.Add(time.Hour)); ok {
		t.Fatal("renewed a slot that was never acquired")
	}
}

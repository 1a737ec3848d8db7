package storage

import (
	"context"
	"errors"
	"time"

	"hvqueue/internal/queue"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrClaimLost = errors.New("claim no longer owns job")
	ErrConflict  = errors.New("job status does not allow this transition")
	ErrClosed    = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "postgres": PostgreSQL via pgx (DSN required)
type Config struct {
	Driver      string
	Path        string        // sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres only; 0 means driver default
}

type EnqueueParams struct {
	Payload     queue.Payload
	ScheduledAt time.Time // zero means now
	Group       string
}

type ListFilter struct {
	Status queue.Status // empty means any
	Group  string
	Limit  int
}

// ReclaimResult reports what one expiry sweep did.
type ReclaimResult struct {
	Reset  int64 // reverted to pending
	Failed int64 // abandoned after max attempts
}

type Stats struct {
	ByStatus     map[queue.Status]int64
	ActiveClaims int64
}

// Store is the persistence API used by the claim manager, batch processor,
// runner and dispatcher.
type Store interface {
	Enqueue(ctx context.Context, p EnqueueParams) (string, error)
	Get(ctx context.Context, id string) (queue.Job, error)

	// ListDue returns pending jobs with scheduled_at <= now and no active claim,
	// ordered by scheduled_at then id.
	ListDue(ctx context.Context, group string, limit int, now time.Time) ([]queue.Job, error)
	List(ctx context.Context, f ListFilter) ([]queue.Job, error)

	// ClaimJobs conditionally transitions each candidate to in-progress under
	// claimID and returns the ids that were transitioned, in candidate order.
	// Candidates that are no longer eligible are skipped.
	ClaimJobs(ctx context.Context, claimID string, candidates []string, now, expiresAt time.Time) ([]string, error)
	ReleaseClaim(ctx context.Context, claimID string) (int64, error)
	ReclaimExpired(ctx context.Context, now time.Time, maxAttempts int) (ReclaimResult, error)

	// Terminal marks. A non-empty claimID guards the update with claim ownership
	// (ErrClaimLost otherwise); an empty claimID applies unconditionally.
	MarkStarted(ctx context.Context, id, claimID string, now time.Time) error
	MarkComplete(ctx context.Context, id, claimID string, now time.Time) error
	MarkFailed(ctx context.Context, id, claimID, reason string, now time.Time) error

	Cancel(ctx context.Context, id string, now time.Time) error
	Retry(ctx context.Context, id string, at time.Time) error
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)

	// Runner slot leases bound the number of concurrently active runners.
	AcquireSlot(ctx context.Context, slot int, holder string, now, expiresAt time.Time) (bool, error)
	// RenewSlot extends a lease still held by holder. False means it was lost.
	RenewSlot(ctx context.Context, slot int, holder string, expiresAt time.Time) (bool, error)
	ReleaseSlot(ctx context.Context, slot int, holder string) error
	ActiveSlots(ctx context.Context, now time.Time) ([]int, error)

	Close() error
}

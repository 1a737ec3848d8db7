// Package claim leases batches of due jobs to a single runner.
package claim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hvqueue/internal/queue"
	"hvqueue/internal/storage"
	logx "hvqueue/pkg/logx"
)

// Manager selects and atomically claims eligible jobs.
type Manager struct {
	store       storage.Store
	log         logx.Logger
	maxAttempts atomic.Int64

	// Now is the clock used for eligibility and expiry. Defaults to time.Now.
	Now func() time.Time
}

type Option func(*Manager)

// WithMaxAttempts makes the sweep fail expired jobs that already ran n times.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) { m.SetMaxAttempts(n) }
}

// SetMaxAttempts changes the attempt ceiling applied by later sweeps. n <= 0
// re-queues expired jobs forever.
func (m *Manager) SetMaxAttempts(n int) { m.maxAttempts.Store(int64(n)) }

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.Now = now
		}
	}
}

func New(store storage.Store, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{store: store, log: log.With(logx.String("comp", "claim")), Now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	return m
}

// ClaimBatch leases up to batchSize eligible jobs for timeout. Candidates lost to
// a concurrent claimer are not retried within the call; they are counted in
// Claim.Lost. An empty claim with Lost == 0 means the queue is drained.
func (m *Manager) ClaimBatch(ctx context.Context, batchSize int, timeout time.Duration, group string) (queue.Claim, error) {
	if batchSize <= 0 {
		return queue.Claim{}, errors.New("claim: batch size must be positive")
	}
	if timeout <= 0 {
		return queue.Claim{}, errors.New("claim: timeout must be positive")
	}
	now := m.Now()

	if _, err := m.Sweep(ctx); err != nil {
		return queue.Claim{}, err
	}

	due, err := m.store.ListDue(ctx, group, batchSize, now)
	if err != nil {
		return queue.Claim{}, fmt.Errorf("claim: %w", err)
	}
	if len(due) == 0 {
		return queue.Claim{}, nil
	}
	candidates := make([]string, 0, len(due))
	for _, j := range due {
		candidates = append(candidates, j.ID)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return queue.Claim{}, fmt.Errorf("claim: new id: %w", err)
	}
	c := queue.Claim{ID: id.String(), CreatedAt: now, ExpiresAt: now.Add(timeout)}

	c.JobIDs, err = m.store.ClaimJobs(ctx, c.ID, candidates, now, c.ExpiresAt)
	if err != nil {
		return queue.Claim{}, fmt.Errorf("claim: %w", err)
	}
	if c.Lost = len(candidates) - len(c.JobIDs); c.Lost > 0 {
		m.log.Debug("claim lost races", logx.String("claim", c.ID), logx.Int("lost", c.Lost))
	}
	if len(c.JobIDs) == 0 {
		return queue.Claim{Lost: c.Lost}, nil
	}
	m.log.Debug("claimed batch",
		logx.String("claim", c.ID),
		logx.Int("jobs", len(c.JobIDs)),
		logx.String("group", strings.TrimSpace(group)),
		logx.Time("expires_at", c.ExpiresAt),
	)
	return c, nil
}

// ReleaseClaim returns the claim's still in-progress jobs to pending.
func (m *Manager) ReleaseClaim(ctx context.Context, claimID string) (int64, error) {
	if strings.TrimSpace(claimID) == "" {
		return 0, nil
	}
	n, err := m.store.ReleaseClaim(ctx, claimID)
	if err != nil {
		return 0, fmt.Errorf("release: %w", err)
	}
	if n > 0 {
		m.log.Debug("released claim", logx.String("claim", claimID), logx.Int64("jobs", n))
	}
	return n, nil
}

// Sweep reverts expired claims to pending (or failed, past max attempts).
func (m *Manager) Sweep(ctx context.Context) (storage.ReclaimResult, error) {
	res, err := m.store.ReclaimExpired(ctx, m.Now(), int(m.maxAttempts.Load()))
	if err != nil {
		return res, fmt.Errorf("sweep: %w", err)
	}
	if res.Reset > 0 || res.Failed > 0 {
		m.log.Info("reclaimed expired jobs", logx.Int64("reset", res.Reset), logx.Int64("failed", res.Failed))
	}
	return res, nil
}

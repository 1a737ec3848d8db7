// Package runner drives claim, process and release cycles within one time budget.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"hvqueue/internal/eventbus"
	"hvqueue/internal/queue"
	logx "hvqueue/pkg/logx"
)

// ErrBusy is returned when Run is called on an instance that is already running.
var ErrBusy = errors.New("runner already running")

type Claimer interface {
	ClaimBatch(ctx context.Context, batchSize int, timeout time.Duration, group string) (queue.Claim, error)
	ReleaseClaim(ctx context.Context, claimID string) (int64, error)
}

type Processor interface {
	Process(ctx context.Context, c queue.Claim, limit time.Duration) (queue.ProcessResult, error)
}

// Runner is one runner instance. It refuses concurrent Run calls.
type Runner struct {
	claims Claimer
	proc   Processor
	bus    eventbus.Bus
	log    logx.Logger

	running atomic.Bool
	state   atomic.Int32

	// Now is the clock used for the time budget. Defaults to time.Now.
	Now func() time.Time
}

func New(claims Claimer, proc Processor, bus eventbus.Bus, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Runner{claims: claims, proc: proc, bus: bus, log: log.With(logx.String("comp", "runner")), Now: time.Now}
}

func (r *Runner) State() queue.RunState { return queue.RunState(r.state.Load()) }

// Run repeatedly claims and processes batches until the queue is drained or
// the time limit elapses. Cancellation of ctx ends the run like an elapsed
// budget. Storage errors end the run and are returned with the partial summary.
func (r *Runner) Run(ctx context.Context, t queue.Resolved) (queue.Summary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return queue.Summary{}, ErrBusy
	}
	defer r.running.Store(false)
	defer r.setState(queue.StateIdle)

	r.setState(queue.StateRunning)
	start := r.Now()
	sum := queue.Summary{State: queue.StateRunning}

	for {
		elapsed := r.Now().Sub(start)
		if elapsed >= t.TimeLimit || ctx.Err() != nil {
			sum.State = queue.StateExpired
			break
		}

		c, err := r.claims.ClaimBatch(ctx, t.BatchSize, t.TimeoutPeriod, t.Group)
		if err != nil {
			if ctx.Err() != nil {
				sum.State = queue.StateExpired
				break
			}
			return r.finish(sum, start), fmt.Errorf("run: %w", err)
		}
		if c.Empty() {
			if c.Lost > 0 {
				// Other runners took this round's candidates; more may be due.
				continue
			}
			sum.State = queue.StateDrained
			break
		}

		elapsed = r.Now().Sub(start)
		if elapsed >= t.TimeLimit || ctx.Err() != nil {
			// The claim itself used up the budget.
			if err := r.release(ctx, c.ID); err != nil {
				return r.finish(sum, start), fmt.Errorf("run: %w", err)
			}
			sum.Unprocessed += len(c.JobIDs)
			sum.State = queue.StateExpired
			break
		}

		res, perr := r.proc.Process(ctx, c, t.TimeLimit-elapsed)
		sum.Add(res)
		if len(res.Unprocessed) > 0 {
			if err := r.release(ctx, c.ID); err != nil && perr == nil {
				perr = err
			}
		}
		if perr != nil {
			return r.finish(sum, start), fmt.Errorf("run: %w", perr)
		}
	}
	return r.finish(sum, start), nil
}

// release survives cancellation of the run so jobs are not left waiting for
// the claim timeout during shutdown.
func (r *Runner) release(ctx context.Context, claimID string) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, err := r.claims.ReleaseClaim(rctx, claimID)
	return err
}

func (r *Runner) finish(sum queue.Summary, start time.Time) queue.Summary {
	sum.Elapsed = r.Now().Sub(start)
	if sum.State == queue.StateRunning {
		sum.State = queue.StateIdle
	}
	r.setState(sum.State)
	r.bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: sum})
	r.log.Info("run finished",
		logx.String("state", sum.State.String()),
		logx.Int("batches", sum.Batches),
		logx.Int("completed", sum.Completed),
		logx.Int("failed", sum.Failed),
		logx.Int("unprocessed", sum.Unprocessed),
		logx.Duration("elapsed", sum.Elapsed),
	)
	return sum
}

func (r *Runner) setState(s queue.RunState) { r.state.Store(int32(s)) }

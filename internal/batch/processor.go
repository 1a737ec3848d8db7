package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"hvqueue/internal/eventbus"
	"hvqueue/internal/queue"
	"hvqueue/internal/storage"
	logx "hvqueue/pkg/logx"
)

// Processor runs a claim's jobs sequentially in claim order.
type Processor struct {
	store    storage.Store
	handlers *Registry
	bus      eventbus.Bus
	log      logx.Logger

	// Now is the clock used for the time limit and job timestamps.
	Now func() time.Time
}

func NewProcessor(store storage.Store, handlers *Registry, bus eventbus.Bus, log logx.Logger) *Processor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if handlers == nil {
		handlers = NewRegistry()
	}
	return &Processor{
		store:    store,
		handlers: handlers,
		bus:      bus,
		log:      log.With(logx.String("comp", "batch")),
		Now:      time.Now,
	}
}

// Process executes the claim's jobs until they are done or limit has elapsed.
// The limit is checked before each job, so a job that starts in budget runs to
// completion. Jobs never started are returned as unprocessed for the caller to
// release. A storage error stops the batch and is returned along with the
// partial result.
func (p *Processor) Process(ctx context.Context, c queue.Claim, limit time.Duration) (queue.ProcessResult, error) {
	var res queue.ProcessResult
	start := p.Now()

	for i, id := range c.JobIDs {
		if p.Now().Sub(start) >= limit || ctx.Err() != nil {
			res.Unprocessed = append(res.Unprocessed, c.JobIDs[i:]...)
			break
		}

		outcome, err := p.processOne(ctx, c.ID, id)
		if err != nil {
			res.Unprocessed = append(res.Unprocessed, c.JobIDs[i:]...)
			return res, err
		}
		switch outcome {
		case outcomeCompleted:
			res.Completed = append(res.Completed, id)
		case outcomeFailed:
			res.Failed = append(res.Failed, id)
		default:
			res.Unprocessed = append(res.Unprocessed, id)
		}
	}

	p.log.Debug("batch processed",
		logx.String("claim", c.ID),
		logx.Int("completed", len(res.Completed)),
		logx.Int("failed", len(res.Failed)),
		logx.Int("unprocessed", len(res.Unprocessed)),
		logx.Duration("elapsed", p.Now().Sub(start)),
	)
	return res, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCompleted
	outcomeFailed
)

func (p *Processor) processOne(ctx context.Context, claimID, id string) (outcome, error) {
	log := p.log.With(logx.String("job", id), logx.String("claim", claimID))

	job, err := p.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("claimed job disappeared")
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}

	if err := p.store.MarkStarted(ctx, id, claimID, p.Now()); err != nil {
		if isLost(err) {
			log.Warn("claim lost before start", logx.Err(err))
			return outcomeSkipped, nil
		}
		return outcomeSkipped, err
	}

	started := p.Now()
	p.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, Time: started, Data: eventbus.JobEvent{JobID: id, ClaimID: claimID, Action: job.Payload.Action}})

	runErr := p.exec(ctx, job)
	now := p.Now()
	// The outcome is recorded even if the run is being canceled.
	mctx := context.WithoutCancel(ctx)
	ev := eventbus.JobEvent{JobID: id, ClaimID: claimID, Action: job.Payload.Action, Elapsed: now.Sub(started)}

	if runErr == nil {
		if err := p.store.MarkComplete(mctx, id, claimID, now); err != nil {
			return p.markErr(log, err)
		}
		p.bus.Publish(eventbus.Event{Type: eventbus.JobCompleted, Time: now, Data: ev})
		return outcomeCompleted, nil
	}

	if err := p.store.MarkFailed(mctx, id, claimID, runErr.Error(), now); err != nil {
		return p.markErr(log, err)
	}
	ev.Err = runErr.Error()
	p.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Time: now, Data: ev})
	log.Info("job failed", logx.String("action", job.Payload.Action), logx.Err(runErr))
	return outcomeFailed, nil
}

func (p *Processor) markErr(log logx.Logger, err error) (outcome, error) {
	if isLost(err) {
		// Another runner owns the job now; its outcome wins.
		log.Warn("claim lost before terminal mark", logx.Err(err))
		return outcomeSkipped, nil
	}
	return outcomeSkipped, err
}

func isLost(err error) bool {
	return errors.Is(err, storage.ErrClaimLost) || errors.Is(err, storage.ErrConflict)
}

// exec runs the job's handler, turning a panic into an error.
func (p *Processor) exec(ctx context.Context, job queue.Job) (err error) {
	h, ok := p.handlers.Lookup(job.Payload.Action)
	if !ok {
		return fmt.Errorf("unknown action %q", job.Payload.Action)
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job handler panicked",
				logx.String("job", job.ID),
				logx.String("action", job.Payload.Action),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, job.Payload.Args)
}

// Package httptrigger serves the instance-start endpoint that runner
// launchers POST to.
package httptrigger

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"hvqueue/internal/dispatch"
	"hvqueue/internal/queue"
	rtsup "hvqueue/internal/runtime/supervisor"
	logx "hvqueue/pkg/logx"
)

const maxFormBytes = 4 << 10

// Starter admits and runs one runner instance.
type Starter interface {
	Start(ctx context.Context, slot int, token string) (queue.Summary, error)
}

type Config struct {
	// Action is the expected value of the "action" form field.
	Action string
	// AuditPerSec caps rejected-request warnings; 0 means 1/s.
	AuditPerSec float64
}

// errStopping rejects instances arriving after the owning supervisor stopped.
var errStopping = errors.New("trigger: shutting down")

// Handler answers every request with 204 No Content. Valid requests run the
// runner before responding, detached from the client connection, since
// launchers drop the connection without waiting.
type Handler struct {
	cfg   Config
	gate  Starter
	sup   *rtsup.Supervisor
	log   logx.Logger
	audit *rate.Limiter

	suppressed atomic.Int64
}

type Option func(*Handler)

// WithSupervisor runs admitted instances as goroutines of sup. They end with
// its context and are covered by its Wait.
func WithSupervisor(sup *rtsup.Supervisor) Option {
	return func(h *Handler) { h.sup = sup }
}

func New(cfg Config, gate Starter, log logx.Logger, opts ...Option) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	per := cfg.AuditPerSec
	if per <= 0 {
		per = 1
	}
	h := &Handler{
		cfg:   cfg,
		gate:  gate,
		log:   log.With(logx.String("comp", "trigger")),
		audit: rate.NewLimiter(rate.Limit(per), 5),
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusNoContent)

	if r.Method != http.MethodPost {
		h.reject(r, "method not allowed", nil)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.reject(r, "malformed form", err)
		return
	}
	if got := r.PostForm.Get("action"); got != h.cfg.Action {
		h.reject(r, "unexpected action", nil, logx.String("action", got))
		return
	}
	slot, err := strconv.Atoi(strings.TrimSpace(r.PostForm.Get("instance")))
	if err != nil || slot < 0 {
		h.reject(r, "malformed instance", err, logx.String("instance", r.PostForm.Get("instance")))
		return
	}
	token := r.PostForm.Get("capability_token")
	if token == "" {
		h.reject(r, "missing capability token", nil)
		return
	}

	start := time.Now()
	sum, err := h.start(r.Context(), slot, token)
	switch {
	case err == nil:
		h.log.Debug("instance finished",
			logx.Int("slot", slot),
			logx.String("state", sum.State.String()),
			logx.Int("completed", sum.Completed),
			logx.Duration("took", time.Since(start)),
		)
	case errors.Is(err, dispatch.ErrTokenRejected), errors.Is(err, dispatch.ErrSlotBusy), errors.Is(err, errStopping):
		h.reject(r, "instance not admitted", err, logx.Int("slot", slot))
	default:
		h.log.Error("instance failed", logx.Int("slot", slot), logx.Err(err))
	}
}

// start runs the gate outside the request context and blocks until it returns.
func (h *Handler) start(rctx context.Context, slot int, token string) (queue.Summary, error) {
	if h.sup == nil {
		return h.gate.Start(context.WithoutCancel(rctx), slot, token)
	}
	if h.sup.Context().Err() != nil {
		return queue.Summary{}, errStopping
	}
	type result struct {
		sum queue.Summary
		err error
	}
	done := make(chan result, 1)
	h.sup.Go0("trigger.slot-"+strconv.Itoa(slot), func(ctx context.Context) {
		res := result{err: errors.New("trigger: runner panicked")}
		defer func() { done <- res }()
		res.sum, res.err = h.gate.Start(ctx, slot, token)
	})
	res := <-done
	return res.sum, res.err
}

func (h *Handler) reject(r *http.Request, reason string, err error, fields ...logx.Field) {
	if !h.audit.Allow() {
		h.suppressed.Add(1)
		return
	}
	fields = append(fields,
		logx.String("reason", reason),
		logx.String("remote", r.RemoteAddr),
		logx.String("method", r.Method),
	)
	if err != nil {
		fields = append(fields, logx.Err(err))
	}
	if n := h.suppressed.Swap(0); n > 0 {
		fields = append(fields, logx.Int64("suppressed", n))
	}
	h.log.Warn("trigger rejected", fields...)
}

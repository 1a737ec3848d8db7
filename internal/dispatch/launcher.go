package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	rtsup "hvqueue/internal/runtime/supervisor"
	logx "hvqueue/pkg/logx"
)

// Launcher starts a runner instance for a ticket without waiting for it.
type Launcher interface {
	Launch(ctx context.Context, t Ticket) error
}

// InProcess runs each admitted instance in a supervised goroutine.
type InProcess struct {
	gate *Gate
	sup  *rtsup.Supervisor
	log  logx.Logger
}

func NewInProcess(gate *Gate, sup *rtsup.Supervisor, log logx.Logger) *InProcess {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &InProcess{gate: gate, sup: sup, log: log.With(logx.String("comp", "launcher"))}
}

func (l *InProcess) Launch(_ context.Context, t Ticket) error {
	l.sup.Go0(slotName(t.Slot), func(ctx context.Context) {
		_, err := l.gate.Start(ctx, t.Slot, t.Token)
		switch {
		case err == nil:
		case errors.Is(err, ErrTokenRejected), errors.Is(err, ErrSlotBusy):
			l.log.Warn("runner not admitted", logx.Int("slot", t.Slot), logx.Err(err))
		default:
			l.log.Error("runner failed", logx.Int("slot", t.Slot), logx.Err(err))
		}
	})
	return nil
}

// HTTPConfig configures the HTTP launcher.
type HTTPConfig struct {
	URL    string // instance-start endpoint
	Action string

	// Timeout bounds each request. The runner keeps going on the server side
	// after the client gives up, so a timeout is the expected outcome.
	Timeout time.Duration
	// RatePerSec paces requests; 0 disables pacing.
	RatePerSec float64
	Burst      int
}

// HTTP starts instances by POSTing to the instance-start endpoint of a server
// sharing the same store, fire-and-forget.
type HTTP struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	sup     *rtsup.Supervisor
	log     logx.Logger
}

func NewHTTP(cfg HTTPConfig, sup *rtsup.Supervisor, log logx.Logger) (*HTTP, error) {
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("launcher url: %w", err)
	}
	if strings.TrimSpace(cfg.Action) == "" {
		return nil, errors.New("launcher action is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return &HTTP{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: lim,
		sup:     sup,
		log:     log.With(logx.String("comp", "launcher")),
	}, nil
}

func (l *HTTP) Launch(_ context.Context, t Ticket) error {
	l.sup.Go0(slotName(t.Slot)+".http", func(ctx context.Context) {
		if err := l.limiter.Wait(ctx); err != nil {
			return
		}
		if err := l.post(ctx, t); err != nil {
			l.log.Warn("instance start request failed", logx.Int("slot", t.Slot), logx.Err(err))
		}
	})
	return nil
}

func (l *HTTP) post(ctx context.Context, t Ticket) error {
	form := url.Values{}
	form.Set("action", l.cfg.Action)
	form.Set("instance", strconv.Itoa(t.Slot))
	form.Set("capability_token", t.Token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := l.client.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) && ue.Timeout() {
			// Request delivered; the runner outlives our wait.
			return nil
		}
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Package httpserver hosts the instance-start endpoint, a health endpoint and
// optional pprof handlers on one listener.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "hvqueue/internal/runtime/supervisor"
	logx "hvqueue/pkg/logx"
)

// Config controls the listener.
//
// WriteTimeout should stay 0 (or exceed the runner time limit): trigger
// requests hold the response until their runner finishes.
type Config struct {
	Addr        string
	TriggerPath string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Pprof PprofConfig
}

// PprofConfig guards the profiling handlers. A non-loopback bind needs a
// token unless AllowInsecure is set.
type PprofConfig struct {
	Enabled       bool
	Prefix        string
	Token         string
	AllowInsecure bool
}

// HealthFunc reports the JSON body of /healthz. An error turns it into a 503.
type HealthFunc func(ctx context.Context) (any, error)

type Service struct {
	mu      sync.Mutex
	cfg     Config
	trigger http.Handler
	health  HealthFunc
	log     logx.Logger

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, trigger http.Handler, health HealthFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, trigger: trigger, health: health, log: log.With(logx.String("comp", "http"))}
}

// Addr is the bound address, empty before Start.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the listener and serves in a restart loop until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	cfg := s.cfg
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	if cfg.Pprof.Enabled && cfg.Pprof.Token == "" && !cfg.Pprof.AllowInsecure && !isLoopbackAddr(addr) {
		return errors.New("pprof on a non-loopback addr requires a token or allow_insecure")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:      s.routes(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	srv := s.srv
	s.sup.GoRestart("http.serve", func(c context.Context) error {
		return s.serve(c, srv)
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second), rtsup.WithPublishFirstError(true))

	s.log.Info("http started", logx.String("addr", ln.Addr().String()), logx.String("trigger", triggerPath(cfg)), logx.Bool("pprof", cfg.Pprof.Enabled))
	return nil
}

func (s *Service) serve(ctx context.Context, srv *http.Server) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return context.Canceled
	}
	err := srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return context.Canceled
	}
	// Accept failed; rebind before the next attempt.
	s.mu.Lock()
	defer s.mu.Unlock()
	if nl, lerr := net.Listen("tcp", ln.Addr().String()); lerr == nil {
		s.ln = nl
	}
	return err
}

// Stop shuts the server down gracefully, bounded by ctx. In-flight trigger
// requests are waited for until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.ln = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("http stopped")
}

func triggerPath(cfg Config) string {
	p := strings.TrimSpace(cfg.TriggerPath)
	if p == "" {
		p = "/trigger"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (s *Service) routes(cfg Config) *http.ServeMux {
	mux := http.NewServeMux()
	if s.trigger != nil {
		mux.Handle(triggerPath(cfg), s.trigger)
	}
	mux.HandleFunc("/healthz", s.handleHealth)

	if cfg.Pprof.Enabled {
		prefix := normalizePrefix(cfg.Pprof.Prefix)
		base := strings.TrimSuffix(prefix, "/")
		wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Pprof.Token, h) }
		mux.HandleFunc(prefix, wrap(pprofIndexAt(prefix)))
		mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
		mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health == nil {
		_, _ = w.Write([]byte(`{"ok":true}`))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	body, err := s.health(ctx)
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "err": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if r.URL.Query().Get("token") == tok || (strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok) {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index expects paths rooted at /debug/pprof/.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "hvqueue/pkg/logx"
)

func start(t *testing.T, cfg Config, trigger http.Handler, health HealthFunc) string {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	s := New(cfg, trigger, health, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return "http://" + s.Addr()
}

func TestServesTriggerAndHealth(t *testing.T) {
	hit := make(chan struct{}, 1)
	trigger := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- struct{}{}
		w.WriteHeader(http.StatusNoContent)
	})
	base := start(t, Config{TriggerPath: "run"}, trigger, func(context.Context) (any, error) {
		return map[string]any{"ok": true, "active_slots": 2}, nil
	})

	resp, err := http.Post(base+"/run", "application/x-www-form-urlencoded", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("trigger status = %d", resp.StatusCode)
	}
	<-hit

	resp, err = http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true || body["active_slots"].(float64) != 2 {
		t.Fatalf("health = %v", body)
	}
}

func TestHealthErrorIs503(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, func(context.Context) (any, error) { return nil, errors.New("db down") }, logx.Nop())
	rec := httptest.NewRecorder()
	s.routes(s.cfg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPprofTokenGuard(t *testing.T) {
	t.Parallel()
	s := New(Config{Pprof: PprofConfig{Enabled: true, Token: "sekret"}}, nil, nil, logx.Nop())
	mux := s.routes(s.cfg)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	b, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK || len(b) == 0 {
		t.Fatalf("authenticated status = %d", rec.Code)
	}
}

func TestRefusesInsecurePprofBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "0.0.0.0:0", Pprof: PprofConfig{Enabled: true}}, nil, nil, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		s.Stop(context.Background())
		t.Fatal("insecure pprof bind accepted")
	}
}

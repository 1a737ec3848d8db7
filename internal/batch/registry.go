// Package batch executes the jobs of one claim.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler executes one job's arguments. A returned error or a panic fails the job.
type Handler func(ctx context.Context, args json.RawMessage) error

// Registry maps payload actions to handlers. Safe for concurrent use.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Handler{}}
}

func (r *Registry) Register(action string, h Handler) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return errors.New("register: empty action")
	}
	if h == nil {
		return fmt.Errorf("register %q: nil handler", action)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[action]; ok {
		return fmt.Errorf("register %q: already registered", action)
	}
	r.m[action] = h
	return nil
}

// MustRegister is Register for static wiring.
func (r *Registry) MustRegister(action string, h Handler) {
	if err := r.Register(action, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(action string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.m[action]
	r.mu.RUnlock()
	return h, ok
}

func (r *Registry) Actions() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

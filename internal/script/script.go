// Package script manages the named hooks and script steps a test can
// invoke. Scripts are plain Go functions registered on a per-test
// registry; invocation is bounded by an explicit deadline and the
// underlying function is cancelled through its context, not merely
// abandoned.
package script

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds script and hook execution when no explicit
// timeout is configured.
const DefaultTimeout = 30 * time.Second

// HookContext is handed to every hook and script invocation. Hooks may
// mutate Variables and ExtractedData; those maps belong to the calling
// VU, so no synchronization is required.
type HookContext struct {
	VUID      int
	Iteration int
	Scenario  string
	StepName  string

	Variables     map[string]interface{}
	ExtractedData map[string]interface{}

	// Args carries the script step's configured arguments.
	Args map[string]interface{}

	// Error is set when the hook runs in an on-error position.
	Error error

	Log logrus.FieldLogger
}

// Func is a registered script or hook.
type Func func(ctx context.Context, hc *HookContext) error

// Registry maps names to script functions. One registry exists per
// test run; there is deliberately no process-wide registration.
type Registry struct {
	mu      sync.RWMutex
	scripts map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{scripts: make(map[string]Func)}
}

// Register adds or replaces a script under name.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[name] = fn
}

// Lookup returns the script registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.scripts[name]
	return fn, ok
}

// Names returns all registered script names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.scripts))
	for n := range r.scripts {
		names = append(names, n)
	}
	return names
}

// Run invokes the named script with a deadline. A missing script is an
// error; a timeout surfaces as a wrapped context.DeadlineExceeded so
// callers can classify it as a normal step failure.
func (r *Registry) Run(ctx context.Context, name string, hc *HookContext, timeout time.Duration) error {
	fn, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("script %q is not registered", name)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(runCtx, hc)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("script %q: %w", name, err)
		}
		return nil
	case <-runCtx.Done():
		// The script's context is cancelled; it is expected to unwind.
		// We do not wait for it so a stuck script cannot stall the VU.
		return fmt.Errorf("script %q: %w", name, runCtx.Err())
	}
}

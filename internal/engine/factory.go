package engine

import (
	"sync/atomic"

	"github.com/loadgrid/loadgrid/internal/protocol"
)

// Factory mints virtual users with process-unique ids over a shared
// step executor. One factory serves all load phases of a run so VU ids
// stay disjoint across phases.
type Factory struct {
	tc     *TestContext
	se     *StepExecutor
	rest   *protocol.RestHandler
	nextID atomic.Int64
}

// NewFactory builds the protocol handlers from the test's global
// settings and wires them into a shared step executor.
func NewFactory(tc *TestContext) *Factory {
	restCfg := protocol.RestConfig{
		BaseURL: tc.Config.Global.BaseURL,
		Headers: tc.Config.Global.Headers,
	}
	if tc.Config.Global.Timeout != "" {
		if d, err := parseDuration(tc.Config.Global.Timeout); err == nil {
			restCfg.Timeout = d
		}
	}
	rest := protocol.NewRestHandler(restCfg, tc.Log)

	return &Factory{
		tc:   tc,
		se:   NewStepExecutor(tc, rest),
		rest: rest,
	}
}

// Executor exposes the shared step executor so integrations can
// register handlers for the web and soap variants.
func (f *Factory) Executor() *StepExecutor { return f.se }

// New creates an idle VU tagged with the pattern that spawned it.
func (f *Factory) New(pattern string) *VirtualUser {
	id := int(f.nextID.Add(1))
	f.tc.Metrics.Store.RecordVUStart(id, pattern)
	return NewVirtualUser(id, pattern, f.tc, f.se)
}

// Close releases the protocol handlers' pooled connections.
func (f *Factory) Close() {
	f.rest.Close()
}

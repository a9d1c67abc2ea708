// Package pattern implements the load patterns that shape how virtual
// users come and go over a phase: a fixed population (basic), stepped
// plateaus (stepping) and an open arrival process (arrivals).
package pattern

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loadgrid/loadgrid/internal/config"
	"github.com/loadgrid/loadgrid/internal/engine"
)

// StopGrace bounds how long a pattern waits for VUs to finish their
// current iteration after Stop.
const StopGrace = 10 * time.Second

// Pattern drives a VU population for one load phase. Run blocks until
// the phase completes or ctx is cancelled.
type Pattern interface {
	// Type returns the pattern name.
	Type() string

	// Run executes the phase.
	Run(ctx context.Context) error

	// ActiveVUs reports how many VUs are currently alive.
	ActiveVUs() int

	// Progress reports phase completion in [0, 1].
	Progress() float64

	// Stop asks all VUs to finish early.
	Stop()
}

// New builds the pattern for a load phase.
func New(phase *config.LoadPhase, f *engine.Factory, log logrus.FieldLogger) (Pattern, error) {
	switch phase.Pattern {
	case "", config.PatternBasic:
		return newBasic(phase, f, log)
	case config.PatternStepping:
		return newStepping(phase, f, log)
	case config.PatternArrivals:
		return newArrivals(phase, f, log)
	default:
		return nil, fmt.Errorf("unknown load pattern %q", phase.Pattern)
	}
}

// pool tracks the VUs a pattern has spawned, in start order so
// scale-down can retire the most recent first.
type pool struct {
	mu  sync.Mutex
	vus []*engine.VirtualUser
}

func (p *pool) add(vu *engine.VirtualUser) {
	p.mu.Lock()
	p.vus = append(p.vus, vu)
	p.mu.Unlock()
}

// active counts VUs that have not fully exited yet.
func (p *pool) active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, vu := range p.vus {
		if vu.State() != engine.StateStopped {
			n++
		}
	}
	return n
}

// stopNewest stops the n most recently started VUs that are still
// alive. Returns how many were actually signalled.
func (p *pool) stopNewest(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	stopped := 0
	for i := len(p.vus) - 1; i >= 0 && stopped < n; i-- {
		if p.vus[i].State() == engine.StateRunning {
			p.vus[i].Stop()
			stopped++
		}
	}
	return stopped
}

func (p *pool) stopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, vu := range p.vus {
		vu.Stop()
	}
}

// wait blocks until every VU has exited or the grace period elapses.
func (p *pool) wait(grace time.Duration) {
	p.mu.Lock()
	vus := make([]*engine.VirtualUser, len(p.vus))
	copy(vus, p.vus)
	p.mu.Unlock()

	deadline := time.After(grace)
	for _, vu := range vus {
		select {
		case <-vu.Done():
		case <-deadline:
			return
		}
	}
}

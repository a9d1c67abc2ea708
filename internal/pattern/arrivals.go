package pattern

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loadgrid/loadgrid/internal/clock"
	"github.com/loadgrid/loadgrid/internal/config"
	"github.com/loadgrid/loadgrid/internal/engine"
)

// DefaultMaxVUs caps the concurrent population of the arrivals pattern
// when no explicit limit is configured.
const DefaultMaxVUs = 1000

// Arrivals is an open model: new VUs arrive at a configured rate
// regardless of whether earlier ones finished. The rate ramps linearly
// from zero over the ramp-up window. Each arrival lives for
// vu_duration, or a single iteration when none is set.
type Arrivals struct {
	phase *config.LoadPhase
	f     *engine.Factory
	log   logrus.FieldLogger

	rate       float64
	duration   time.Duration
	rampUp     time.Duration
	vuLifetime time.Duration
	maxVUs     int

	pool    pool
	skipped atomic.Int64
	started time.Time
	stopped atomic.Bool
}

func newArrivals(phase *config.LoadPhase, f *engine.Factory, log logrus.FieldLogger) (*Arrivals, error) {
	if phase.Rate <= 0 {
		return nil, fmt.Errorf("arrivals pattern requires rate > 0")
	}
	if phase.Duration == "" {
		return nil, fmt.Errorf("arrivals pattern requires a duration")
	}

	a := &Arrivals{
		phase:  phase,
		f:      f,
		log:    log.WithField("pattern", config.PatternArrivals),
		rate:   phase.Rate,
		maxVUs: phase.MaxVUs,
	}
	if a.maxVUs <= 0 {
		a.maxVUs = DefaultMaxVUs
	}

	var err error
	if a.duration, err = clock.Parse(phase.Duration); err != nil {
		return nil, err
	}
	if phase.RampUp != "" {
		if a.rampUp, err = clock.Parse(phase.RampUp); err != nil {
			return nil, err
		}
	}
	if phase.VUDuration != "" {
		if a.vuLifetime, err = clock.Parse(phase.VUDuration); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Type implements Pattern.
func (a *Arrivals) Type() string { return config.PatternArrivals }

// Run implements Pattern.
func (a *Arrivals) Run(ctx context.Context) error {
	a.started = time.Now()
	a.log.WithFields(logrus.Fields{
		"rate":     a.rate,
		"duration": a.duration,
		"ramp_up":  a.rampUp,
		"max_vus":  a.maxVUs,
	}).Info("starting load pattern")

	end := a.started.Add(a.duration)

	for time.Now().Before(end) && ctx.Err() == nil {
		windowStart := time.Now()
		rate := a.currentRate(windowStart)
		count := int(math.Ceil(rate))
		if count > 0 {
			spacing := time.Second / time.Duration(count)
			for i := 0; i < count; i++ {
				if ctx.Err() != nil || !time.Now().Before(end) {
					break
				}
				a.spawn(ctx)
				if i < count-1 {
					if err := clock.Sleep(ctx, spacing); err != nil {
						break
					}
				}
			}
		}

		// Sleep out the remainder of the one-second window.
		if remaining := time.Second - time.Since(windowStart); remaining > 0 {
			if err := clock.Sleep(ctx, remaining); err != nil {
				break
			}
		}
	}

	a.Stop()
	a.pool.wait(StopGrace)

	if n := a.skipped.Load(); n > 0 {
		a.log.WithField("skipped", n).Warn("arrivals dropped: max_vus reached")
	}
	a.log.Info("load pattern finished")
	return ctx.Err()
}

// currentRate returns the target arrival rate at t, ramping linearly
// from zero over the ramp-up window.
func (a *Arrivals) currentRate(t time.Time) float64 {
	if a.rampUp <= 0 {
		return a.rate
	}
	elapsed := t.Sub(a.started)
	if elapsed >= a.rampUp {
		return a.rate
	}
	return a.rate * elapsed.Seconds() / a.rampUp.Seconds()
}

// spawn starts one arrival unless the concurrent cap is hit. Spawning
// never blocks the arrival schedule.
func (a *Arrivals) spawn(ctx context.Context) {
	if a.pool.active() >= a.maxVUs {
		a.skipped.Add(1)
		return
	}

	vu := a.f.New(config.PatternArrivals)
	if a.vuLifetime <= 0 {
		vu.MaxIterations = 1
	}
	a.pool.add(vu)
	vu.Start(ctx)

	if a.vuLifetime > 0 {
		go func() {
			select {
			case <-vu.Done():
			case <-ctx.Done():
			case <-time.After(a.vuLifetime):
				vu.Stop()
			}
		}()
	}
}

// ActiveVUs implements Pattern.
func (a *Arrivals) ActiveVUs() int { return a.pool.active() }

// Progress implements Pattern.
func (a *Arrivals) Progress() float64 {
	if a.started.IsZero() || a.duration <= 0 {
		return 0
	}
	p := time.Since(a.started).Seconds() / a.duration.Seconds()
	if p > 1 {
		p = 1
	}
	return p
}

// Stop implements Pattern.
func (a *Arrivals) Stop() {
	if a.stopped.CompareAndSwap(false, true) {
		a.pool.stopAll()
	}
}

package pattern

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loadgrid/loadgrid/internal/clock"
	"github.com/loadgrid/loadgrid/internal/config"
	"github.com/loadgrid/loadgrid/internal/engine"
)

// Basic runs a fixed VU population. VUs start evenly spaced over the
// ramp-up window; with a duration configured they iterate until it
// elapses, otherwise each VU runs a single iteration.
type Basic struct {
	phase *config.LoadPhase
	f     *engine.Factory
	log   logrus.FieldLogger

	vus      int
	duration time.Duration
	rampUp   time.Duration

	pool    pool
	started time.Time
	stopped atomic.Bool
}

func newBasic(phase *config.LoadPhase, f *engine.Factory, log logrus.FieldLogger) (*Basic, error) {
	b := &Basic{
		phase: phase,
		f:     f,
		log:   log.WithField("pattern", config.PatternBasic),
		vus:   phase.VUs(),
	}
	if b.vus < 0 {
		b.vus = 0
	}

	var err error
	if phase.Duration != "" {
		if b.duration, err = clock.Parse(phase.Duration); err != nil {
			return nil, err
		}
	}
	if phase.RampUp != "" {
		if b.rampUp, err = clock.Parse(phase.RampUp); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Type implements Pattern.
func (b *Basic) Type() string { return config.PatternBasic }

// Run implements Pattern.
func (b *Basic) Run(ctx context.Context) error {
	b.started = time.Now()
	if b.vus == 0 {
		b.log.Info("zero virtual users, nothing to run")
		return ctx.Err()
	}
	b.log.WithFields(logrus.Fields{
		"vus":      b.vus,
		"duration": b.duration,
		"ramp_up":  b.rampUp,
	}).Info("starting load pattern")

	spacing := time.Duration(0)
	if b.rampUp > 0 && b.vus > 1 {
		spacing = b.rampUp / time.Duration(b.vus)
	}

	for i := 0; i < b.vus; i++ {
		if ctx.Err() != nil {
			break
		}
		vu := b.f.New(config.PatternBasic)
		if b.duration <= 0 {
			vu.MaxIterations = 1
		}
		b.pool.add(vu)
		vu.Start(ctx)

		if spacing > 0 && i < b.vus-1 {
			if err := clock.Sleep(ctx, spacing); err != nil {
				break
			}
		}
	}

	if b.duration > 0 {
		remaining := b.duration - time.Since(b.started)
		if remaining > 0 {
			_ = clock.Sleep(ctx, remaining)
		}
		b.Stop()
	}

	b.waitAll(ctx)
	b.pool.wait(StopGrace)
	b.log.Info("load pattern finished")
	return ctx.Err()
}

// waitAll blocks until every VU exits on its own or ctx ends.
func (b *Basic) waitAll(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.pool.active() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			b.Stop()
			return
		case <-ticker.C:
		}
	}
}

// ActiveVUs implements Pattern.
func (b *Basic) ActiveVUs() int { return b.pool.active() }

// Progress implements Pattern.
func (b *Basic) Progress() float64 {
	if b.started.IsZero() {
		return 0
	}
	if b.duration <= 0 {
		if b.pool.active() == 0 {
			return 1
		}
		return 0.5
	}
	p := time.Since(b.started).Seconds() / b.duration.Seconds()
	if p > 1 {
		p = 1
	}
	return p
}

// Stop implements Pattern.
func (b *Basic) Stop() {
	if b.stopped.CompareAndSwap(false, true) {
		b.pool.stopAll()
	}
}

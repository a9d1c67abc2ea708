package pattern

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loadgrid/loadgrid/internal/clock"
	"github.com/loadgrid/loadgrid/internal/config"
	"github.com/loadgrid/loadgrid/internal/engine"
)

// Stepping walks a sequence of plateaus, scaling the VU population up
// or down between them. Scale-up spreads new VUs over the step's
// ramp-up window; scale-down retires the most recently started VUs.
type Stepping struct {
	phase *config.LoadPhase
	f     *engine.Factory
	log   logrus.FieldLogger

	steps []steppingStep
	total time.Duration

	pool    pool
	target  atomic.Int64
	started time.Time
	stopped atomic.Bool
}

type steppingStep struct {
	users    int
	duration time.Duration
	rampUp   time.Duration
}

func newStepping(phase *config.LoadPhase, f *engine.Factory, log logrus.FieldLogger) (*Stepping, error) {
	if len(phase.Steps) == 0 {
		return nil, fmt.Errorf("stepping pattern requires at least one step")
	}

	s := &Stepping{
		phase: phase,
		f:     f,
		log:   log.WithField("pattern", config.PatternStepping),
	}
	for i, raw := range phase.Steps {
		st := steppingStep{users: raw.Users}
		var err error
		if st.duration, err = clock.Parse(raw.Duration); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if raw.RampUp != "" {
			if st.rampUp, err = clock.Parse(raw.RampUp); err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
		}
		s.steps = append(s.steps, st)
		s.total += st.rampUp + st.duration
	}
	return s, nil
}

// Type implements Pattern.
func (s *Stepping) Type() string { return config.PatternStepping }

// Run implements Pattern.
func (s *Stepping) Run(ctx context.Context) error {
	s.started = time.Now()
	s.log.WithField("steps", len(s.steps)).Info("starting load pattern")

	current := 0
	for i, st := range s.steps {
		if ctx.Err() != nil {
			break
		}
		s.target.Store(int64(st.users))
		s.log.WithFields(logrus.Fields{
			"step":  i,
			"users": st.users,
			"hold":  st.duration,
		}).Info("entering load step")

		if err := s.scaleTo(ctx, current, st); err != nil {
			break
		}
		current = st.users

		if err := clock.Sleep(ctx, st.duration); err != nil {
			break
		}
	}

	s.Stop()
	s.pool.wait(StopGrace)
	s.log.Info("load pattern finished")
	return ctx.Err()
}

// scaleTo moves the population from have to the step's target.
func (s *Stepping) scaleTo(ctx context.Context, have int, st steppingStep) error {
	delta := st.users - have
	switch {
	case delta > 0:
		spacing := time.Duration(0)
		if st.rampUp > 0 {
			spacing = st.rampUp / time.Duration(delta)
		}
		for i := 0; i < delta; i++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			vu := s.f.New(config.PatternStepping)
			s.pool.add(vu)
			vu.Start(ctx)
			if spacing > 0 && i < delta-1 {
				if err := clock.Sleep(ctx, spacing); err != nil {
					return err
				}
			}
		}
	case delta < 0:
		s.pool.stopNewest(-delta)
		if st.rampUp > 0 {
			return clock.Sleep(ctx, st.rampUp)
		}
	}
	return nil
}

// ActiveVUs implements Pattern.
func (s *Stepping) ActiveVUs() int { return s.pool.active() }

// Progress implements Pattern.
func (s *Stepping) Progress() float64 {
	if s.started.IsZero() || s.total <= 0 {
		return 0
	}
	p := time.Since(s.started).Seconds() / s.total.Seconds()
	if p > 1 {
		p = 1
	}
	return p
}

// Stop implements Pattern.
func (s *Stepping) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		s.pool.stopAll()
	}
}

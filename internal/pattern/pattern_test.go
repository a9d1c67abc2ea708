package pattern

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadgrid/loadgrid/internal/config"
	"github.com/loadgrid/loadgrid/internal/engine"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// newFixture builds a factory over a one-step scenario that just waits
// for stepDur per iteration.
func newFixture(t *testing.T, stepDur string) (*engine.TestContext, *engine.Factory) {
	t.Helper()
	cfg := &config.TestConfig{
		Name: "t",
		Scenarios: []*config.Scenario{{
			Name: "s",
			Steps: []*config.Step{{
				Type: config.StepWait,
				Name: "w",
				Wait: &config.WaitStep{Duration: stepDur},
			}},
		}},
	}
	tc := engine.NewTestContext(cfg, quietLogger(), nil)
	f := engine.NewFactory(tc)
	t.Cleanup(f.Close)
	return tc, f
}

func TestNewDispatch(t *testing.T) {
	_, f := newFixture(t, "1ms")
	log := quietLogger()

	p, err := New(&config.LoadPhase{Pattern: config.PatternBasic, VirtualUsers: 1}, f, log)
	require.NoError(t, err)
	assert.Equal(t, "basic", p.Type())

	p, err = New(&config.LoadPhase{Pattern: config.PatternStepping, Steps: []config.LoadStep{{Users: 1, Duration: "1s"}}}, f, log)
	require.NoError(t, err)
	assert.Equal(t, "stepping", p.Type())

	p, err = New(&config.LoadPhase{Pattern: config.PatternArrivals, Rate: 1, Duration: "1s"}, f, log)
	require.NoError(t, err)
	assert.Equal(t, "arrivals", p.Type())

	_, err = New(&config.LoadPhase{Pattern: "spiral"}, f, log)
	assert.Error(t, err)
}

func TestBasicSingleIterationPerVU(t *testing.T) {
	tc, f := newFixture(t, "1ms")
	p, err := New(&config.LoadPhase{Pattern: config.PatternBasic, VirtualUsers: 3}, f, quietLogger())
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background()))

	// No duration: each VU runs exactly one iteration.
	total, _, _ := tc.Metrics.Overall.Counts()
	assert.Equal(t, int64(3), total)
	assert.Equal(t, 0, p.ActiveVUs())
	assert.Equal(t, 1.0, p.Progress())
}

func TestBasicZeroVUsDoesNothing(t *testing.T) {
	tc, f := newFixture(t, "1ms")
	p, err := New(&config.LoadPhase{Pattern: config.PatternBasic, VirtualUsers: 0, Duration: "1s"}, f, quietLogger())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Run(context.Background()))

	// No VUs, no results, and no idle wait for the duration.
	total, _, _ := tc.Metrics.Overall.Counts()
	assert.Zero(t, total)
	assert.Empty(t, tc.Metrics.Store.VUStarts())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, p.ActiveVUs())
}

func TestBasicDurationBoundsRun(t *testing.T) {
	tc, f := newFixture(t, "5ms")
	p, err := New(&config.LoadPhase{Pattern: config.PatternBasic, VirtualUsers: 2, Duration: "150ms"}, f, quietLogger())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Run(context.Background()))

	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, 0, p.ActiveVUs())

	// VUs iterated for the whole window, not just once.
	total, _, _ := tc.Metrics.Overall.Counts()
	assert.Greater(t, total, int64(2))
}

func TestBasicCancellation(t *testing.T) {
	_, f := newFixture(t, "5ms")
	p, err := New(&config.LoadPhase{Pattern: config.PatternBasic, VirtualUsers: 2, Duration: "10s"}, f, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err = p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, p.ActiveVUs())
}

func TestSteppingWalksPlateaus(t *testing.T) {
	tc, f := newFixture(t, "5ms")
	phase := &config.LoadPhase{
		Pattern: config.PatternStepping,
		Steps: []config.LoadStep{
			{Users: 2, Duration: "100ms"},
			{Users: 1, Duration: "100ms"},
		},
	}
	p, err := New(phase, f, quietLogger())
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background()))

	// Scale-down retires VUs; it never mints new ones.
	assert.Len(t, tc.Metrics.Store.VUStarts(), 2)
	assert.Equal(t, 0, p.ActiveVUs())
	assert.Equal(t, 1.0, p.Progress())
}

func TestSteppingRejectsBadDuration(t *testing.T) {
	_, f := newFixture(t, "1ms")
	phase := &config.LoadPhase{
		Pattern: config.PatternStepping,
		Steps:   []config.LoadStep{{Users: 1, Duration: "soon"}},
	}
	_, err := New(phase, f, quietLogger())
	assert.ErrorContains(t, err, "step 0")
}

func TestArrivalsSpawnsAtRate(t *testing.T) {
	tc, f := newFixture(t, "1ms")
	p, err := New(&config.LoadPhase{Pattern: config.PatternArrivals, Rate: 3, Duration: "1s"}, f, quietLogger())
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background()))

	assert.Len(t, tc.Metrics.Store.VUStarts(), 3)
	assert.Equal(t, 0, p.ActiveVUs())
}

func TestArrivalsHonoursMaxVUs(t *testing.T) {
	tc, f := newFixture(t, "10s")
	phase := &config.LoadPhase{
		Pattern:  config.PatternArrivals,
		Rate:     10,
		Duration: "1s",
		MaxVUs:   2,
	}
	p, err := New(phase, f, quietLogger())
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background()))

	// Two long-lived VUs saturate the cap; later arrivals are dropped.
	assert.Len(t, tc.Metrics.Store.VUStarts(), 2)
	a := p.(*Arrivals)
	assert.Greater(t, a.skipped.Load(), int64(0))
}

func TestPoolStopNewest(t *testing.T) {
	_, f := newFixture(t, "5ms")

	var p pool
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		vu := f.New("basic")
		p.add(vu)
		vu.Start(ctx)
	}
	assert.Equal(t, 3, p.active())

	assert.Equal(t, 1, p.stopNewest(1))
	p.stopAll()
	p.wait(5 * time.Second)
	assert.Equal(t, 0, p.active())
}

package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadgrid/loadgrid/internal/config"
	"github.com/loadgrid/loadgrid/internal/worker"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func TestAllocate(t *testing.T) {
	tests := []struct {
		name     string
		total    int
		workers  []WorkerSpec
		strategy string
		want     []int
	}{
		{
			name:    "even exact",
			total:   6,
			workers: []WorkerSpec{{Address: "a"}, {Address: "b"}, {Address: "c"}},
			want:    []int{2, 2, 2},
		},
		{
			name:    "even remainder up front",
			total:   7,
			workers: []WorkerSpec{{Address: "a"}, {Address: "b"}, {Address: "c"}},
			want:    []int{3, 2, 2},
		},
		{
			name:     "round robin matches even",
			total:    7,
			workers:  []WorkerSpec{{Address: "a"}, {Address: "b"}, {Address: "c"}},
			strategy: StrategyRoundRobin,
			want:     []int{3, 2, 2},
		},
		{
			name:     "capacity proportional",
			total:    8,
			workers:  []WorkerSpec{{Address: "a", Capacity: 3}, {Address: "b", Capacity: 1}},
			strategy: StrategyCapacity,
			want:     []int{6, 2},
		},
		{
			name:     "capacity remainder to largest",
			total:    5,
			workers:  []WorkerSpec{{Address: "a", Capacity: 2}, {Address: "b", Capacity: 1}},
			strategy: StrategyCapacity,
			want:     []int{4, 1},
		},
		{
			name:  "geographic splits regions first",
			total: 4,
			workers: []WorkerSpec{
				{Address: "a", Region: "us"},
				{Address: "b", Region: "us"},
				{Address: "c", Region: "eu"},
			},
			strategy: StrategyGeographic,
			want:     []int{1, 1, 2},
		},
		{
			name:    "zero total",
			total:   0,
			workers: []WorkerSpec{{Address: "a"}, {Address: "b"}},
			want:    []int{0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := allocate(tt.total, tt.workers, tt.strategy)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllocateErrors(t *testing.T) {
	_, err := allocate(5, nil, "")
	assert.ErrorContains(t, err, "no workers")

	_, err = allocate(5, []WorkerSpec{{Address: "a"}}, "astrological")
	assert.ErrorContains(t, err, "unknown allocation strategy")
}

func baseConfig() *config.TestConfig {
	cfg := &config.TestConfig{
		Name: "dist",
		Load: config.LoadSpec{Phases: []*config.LoadPhase{{
			Pattern:      config.PatternBasic,
			VirtualUsers: 5,
			Duration:     "10s",
		}}},
		Scenarios: []*config.Scenario{{
			Name: "s",
			Steps: []*config.Step{{
				Type: config.StepRest,
				Name: "get",
				Rest: &config.RestStep{Method: "GET", URL: "https://t.test"},
			}},
		}},
		Outputs: []config.OutputConfig{
			{Type: "jsonl", Path: "out.jsonl"},
			{Type: "webhook", URL: "https://hooks.test"},
		},
		Report: &config.ReportConfig{Enabled: true},
	}
	cfg.Normalize()
	return cfg
}

func decodePlan(t *testing.T, raw json.RawMessage) *config.TestConfig {
	t.Helper()
	var clone config.TestConfig
	require.NoError(t, json.Unmarshal(raw, &clone))
	return &clone
}

func TestRewriteAllSplitsVUs(t *testing.T) {
	workers := []WorkerSpec{{Address: "a"}, {Address: "b"}}
	plans, shares, err := rewriteAll(baseConfig(), workers, "")
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, []int{3, 2}, shares)

	first := decodePlan(t, plans[0])
	second := decodePlan(t, plans[1])

	assert.Equal(t, "dist-worker-1", first.Name)
	assert.Equal(t, "dist-worker-2", second.Name)
	assert.Equal(t, 3, first.Load.Phases[0].VUs())
	assert.Equal(t, 2, second.Load.Phases[0].VUs())

	// Duration and scenarios pass through untouched.
	assert.Equal(t, "10s", first.Load.Phases[0].Duration)
	require.Len(t, first.Scenarios, 1)
	assert.Equal(t, "get", first.Scenarios[0].Steps[0].Name)
}

func TestRewriteAllStripsAggregatedSinks(t *testing.T) {
	workers := []WorkerSpec{{Address: "a"}, {Address: "b"}}
	plans, _, err := rewriteAll(baseConfig(), workers, "")
	require.NoError(t, err)

	for _, raw := range plans {
		plan := decodePlan(t, raw)
		assert.Nil(t, plan.Report)
		require.Len(t, plan.Outputs, 1)
		assert.Equal(t, "jsonl", plan.Outputs[0].Type)
	}
}

func TestRewriteAllSplitsRate(t *testing.T) {
	cfg := baseConfig()
	cfg.Load.Phases[0] = &config.LoadPhase{
		Pattern:  config.PatternArrivals,
		Rate:     10,
		Duration: "1m",
		MaxVUs:   100,
	}

	workers := []WorkerSpec{{Address: "a"}, {Address: "b"}}
	plans, _, err := rewriteAll(cfg, workers, "")
	require.NoError(t, err)

	first := decodePlan(t, plans[0])
	second := decodePlan(t, plans[1])
	assert.Equal(t, 5.0, first.Load.Phases[0].Rate)
	assert.Equal(t, 5.0, second.Load.Phases[0].Rate)
	assert.Equal(t, 50, first.Load.Phases[0].MaxVUs)
	assert.Equal(t, 50, second.Load.Phases[0].MaxVUs)
}

func TestRewriteAllSplitsSteppingUsers(t *testing.T) {
	cfg := baseConfig()
	cfg.Load.Phases[0] = &config.LoadPhase{
		Pattern: config.PatternStepping,
		Steps: []config.LoadStep{
			{Users: 5, Duration: "30s"},
			{Users: 3, Duration: "30s"},
		},
	}

	workers := []WorkerSpec{{Address: "a"}, {Address: "b"}}
	plans, _, err := rewriteAll(cfg, workers, "")
	require.NoError(t, err)

	first := decodePlan(t, plans[0])
	second := decodePlan(t, plans[1])
	assert.Equal(t, 3, first.Load.Phases[0].Steps[0].Users)
	assert.Equal(t, 2, second.Load.Phases[0].Steps[0].Users)
	assert.Equal(t, 2, first.Load.Phases[0].Steps[1].Users)
	assert.Equal(t, 1, second.Load.Phases[0].Steps[1].Users)
}

func TestRoundRate(t *testing.T) {
	assert.Equal(t, 3.33, roundRate(10.0/3))
	assert.Equal(t, 5.0, roundRate(5))
}

func TestWorkerHealthTransitions(t *testing.T) {
	now := time.Now()

	h := &workerHealth{status: WorkerConnected, lastSeen: now}
	assert.True(t, h.notePoll(nil, now))
	assert.Equal(t, WorkerConnected, h.status)

	// A few failed polls within the heartbeat window stay connected.
	for i := 0; i < maxHeartbeatErrors; i++ {
		assert.True(t, h.notePoll(errors.New("conn refused"), now.Add(time.Second)))
	}
	assert.Equal(t, WorkerConnected, h.status)

	// One more pushes the error count over the limit.
	assert.False(t, h.notePoll(errors.New("conn refused"), now.Add(2*time.Second)))
	assert.Equal(t, WorkerUnhealthy, h.status)

	// Heartbeat age past the timeout wins regardless of error count.
	h2 := &workerHealth{status: WorkerConnected, lastSeen: now}
	assert.False(t, h2.notePoll(errors.New("conn refused"), now.Add(heartbeatTimeout+time.Second)))
	assert.Equal(t, WorkerTimeout, h2.status)

	// A successful poll restores a still-monitored worker.
	h3 := &workerHealth{status: WorkerConnected, lastSeen: now, errors: 5}
	assert.True(t, h3.notePoll(nil, now.Add(time.Second)))
	assert.Equal(t, WorkerConnected, h3.status)
	assert.Zero(t, h3.errors)
}

func TestNewCoordinatorValidation(t *testing.T) {
	_, err := NewCoordinator(Options{}, quietLogger())
	assert.ErrorContains(t, err, "no workers")
}

func TestCoordinatorRunAcrossWorkers(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer target.Close()

	var specs []WorkerSpec
	for i := 0; i < 2; i++ {
		ws := httptest.NewServer(worker.NewServer("", quietLogger()).Routes())
		defer ws.Close()
		specs = append(specs, WorkerSpec{Address: ws.URL})
	}

	cfg := &config.TestConfig{
		Name: "dist",
		Load: config.LoadSpec{Phases: []*config.LoadPhase{{
			Pattern:      config.PatternBasic,
			VirtualUsers: 2,
		}}},
		Scenarios: []*config.Scenario{{
			Name: "s",
			Steps: []*config.Step{{
				Type: config.StepRest,
				Name: "get",
				Rest: &config.RestStep{Method: "GET", URL: target.URL},
			}},
		}},
	}
	cfg.Normalize()

	c, err := NewCoordinator(Options{
		Workers:    specs,
		StartDelay: 100 * time.Millisecond,
		Heartbeat:  50 * time.Millisecond,
	}, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	summary, err := c.Run(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, summary)

	// One VU per worker, one iteration each.
	assert.Equal(t, int64(2), summary.TotalRequests)
	assert.Equal(t, int64(2), summary.SuccessCount)
	assert.Contains(t, summary.Steps, "s/get")

	// The aggregate keeps each worker's share keyed by address.
	require.Len(t, summary.Workers, 2)
	for _, ws := range specs {
		part, ok := summary.Workers[ws.Address]
		require.True(t, ok)
		assert.Equal(t, int64(1), part.TotalRequests)
	}

	states := c.WorkerStates()
	require.Len(t, states, 2)
	for _, state := range states {
		assert.Equal(t, WorkerConnected, state)
	}
}

package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loadgrid/loadgrid/internal/config"
	"github.com/loadgrid/loadgrid/internal/metrics"
)

// Coordinator defaults.
const (
	DefaultStartDelay = 5 * time.Second
	DefaultHeartbeat  = 5 * time.Second

	// heartbeatTimeout marks a worker dead when it has not answered a
	// status poll for this long.
	heartbeatTimeout = 60 * time.Second

	// maxHeartbeatErrors marks a worker unhealthy once its consecutive
	// poll failures exceed this count.
	maxHeartbeatErrors = 10
)

// Options configures a coordinator.
type Options struct {
	Workers  []WorkerSpec
	Strategy string

	// StartDelay is added to now to form the synchronized start time
	// every worker waits for.
	StartDelay time.Duration

	// Heartbeat is the status poll interval.
	Heartbeat time.Duration
}

// Worker health states. Health is observational: the coordinator never
// reassigns work away from an unhealthy worker.
const (
	WorkerConnected    = "connected"
	WorkerDisconnected = "disconnected"
	WorkerUnhealthy    = "unhealthy"
	WorkerTimeout      = "timeout"
)

// Coordinator splits a test across workers, starts them in sync,
// monitors their health and merges their results.
type Coordinator struct {
	opts    Options
	clients []*WorkerClient
	log     logrus.FieldLogger

	mu     sync.Mutex
	health []*workerHealth
}

// workerHealth is the monitor's per-worker bookkeeping.
type workerHealth struct {
	status   string
	lastSeen time.Time
	errors   int
	finished bool
	runError string
}

// notePoll folds one status-poll outcome into the record and reports
// whether the worker is still worth polling. Heartbeat age past the
// timeout wins over the error count.
func (h *workerHealth) notePoll(err error, now time.Time) bool {
	if err == nil {
		h.errors = 0
		h.lastSeen = now
		h.status = WorkerConnected
		return true
	}
	h.errors++
	switch {
	case now.Sub(h.lastSeen) > heartbeatTimeout:
		h.status = WorkerTimeout
	case h.errors > maxHeartbeatErrors:
		h.status = WorkerUnhealthy
	}
	return h.status == WorkerConnected
}

func (h *workerHealth) healthy() bool { return h.status == WorkerConnected }

// NewCoordinator creates a coordinator over the configured workers.
func NewCoordinator(opts Options, log logrus.FieldLogger) (*Coordinator, error) {
	if len(opts.Workers) == 0 {
		return nil, fmt.Errorf("no workers configured")
	}
	if opts.StartDelay <= 0 {
		opts.StartDelay = DefaultStartDelay
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	c := &Coordinator{opts: opts, log: log.WithField("component", "coordinator")}
	for _, w := range opts.Workers {
		c.clients = append(c.clients, NewWorkerClient(w.Address, c.log))
	}
	return c, nil
}

// Run executes cfg across the workers and returns the merged summary.
func (c *Coordinator) Run(ctx context.Context, cfg *config.TestConfig) (*metrics.Summary, error) {
	if err := c.connectAll(ctx); err != nil {
		return nil, err
	}

	shares, err := c.prepareAll(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.log.WithField("shares", shares).Info("workers prepared")

	startAt := time.Now().Add(c.opts.StartDelay).UnixMilli()
	if err := c.startAll(ctx, startAt); err != nil {
		c.stopAll()
		return nil, err
	}
	c.log.WithField("start_time", startAt).Info("synchronized start issued")

	health := c.monitor(ctx)

	if ctx.Err() != nil {
		c.stopAll()
	}

	summary, runErr := c.collect(health)
	if runErr != nil {
		return summary, runErr
	}
	return summary, ctx.Err()
}

// connectAll verifies every worker is reachable, in parallel.
func (c *Coordinator) connectAll(ctx context.Context) error {
	errs := make([]error, len(c.clients))
	var wg sync.WaitGroup
	for i, cl := range c.clients {
		wg.Add(1)
		go func(i int, cl *WorkerClient) {
			defer wg.Done()
			errs[i] = cl.Connect(ctx)
		}(i, cl)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("connecting workers: %s: %w", c.clients[i].Address, err)
		}
	}
	c.log.WithField("workers", len(c.clients)).Info("all workers reachable")
	return nil
}

// prepareAll rewrites the test for each worker and uploads it. Returns
// the per-worker VU shares of the first phase for logging.
func (c *Coordinator) prepareAll(ctx context.Context, cfg *config.TestConfig) ([]int, error) {
	plans, shares, err := rewriteAll(cfg, c.opts.Workers, c.opts.Strategy)
	if err != nil {
		return nil, err
	}

	errs := make([]error, len(c.clients))
	var wg sync.WaitGroup
	for i, cl := range c.clients {
		wg.Add(1)
		go func(i int, cl *WorkerClient) {
			defer wg.Done()
			errs[i] = cl.Prepare(ctx, plans[i])
		}(i, cl)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("preparing workers: %s: %w", c.clients[i].Address, err)
		}
	}
	return shares, nil
}

func (c *Coordinator) startAll(ctx context.Context, startAt int64) error {
	errs := make([]error, len(c.clients))
	var wg sync.WaitGroup
	for i, cl := range c.clients {
		wg.Add(1)
		go func(i int, cl *WorkerClient) {
			defer wg.Done()
			errs[i] = cl.Start(ctx, startAt)
		}(i, cl)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("starting workers: %s: %w", c.clients[i].Address, err)
		}
	}
	return nil
}

// monitor polls worker status until every healthy worker is finished
// or ctx ends. Returns the final per-worker health.
func (c *Coordinator) monitor(ctx context.Context) []*workerHealth {
	health := make([]*workerHealth, len(c.clients))
	now := time.Now()
	for i := range health {
		health[i] = &workerHealth{status: WorkerConnected, lastSeen: now}
	}
	c.mu.Lock()
	c.health = health
	c.mu.Unlock()

	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return health
		case <-ticker.C:
		}

		allDone := true
		for i, cl := range c.clients {
			h := health[i]
			if h.finished || !h.healthy() {
				continue
			}

			st, err := cl.Status(ctx)
			if err != nil {
				if h.notePoll(err, time.Now()) {
					allDone = false
				} else {
					c.log.WithFields(logrus.Fields{
						"worker": cl.Address,
						"health": h.status,
					}).Error("worker dropped from monitoring")
				}
				continue
			}
			h.notePoll(nil, time.Now())
			h.runError = st.Error

			if st.State == "finished" {
				h.finished = true
				c.log.WithField("worker", cl.Address).Info("worker finished")
			} else {
				allDone = false
			}
		}

		if allDone {
			return health
		}
	}
}

// WorkerStates reports each worker's last observed health state, keyed
// by address. Before Run reaches the monitor phase the map is empty.
func (c *Coordinator) WorkerStates() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string, len(c.health))
	for i, h := range c.health {
		out[c.clients[i].Address] = h.status
	}
	return out
}

// stopAll cancels every worker's run concurrently.
func (c *Coordinator) stopAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, cl := range c.clients {
		wg.Add(1)
		go func(cl *WorkerClient) {
			defer wg.Done()
			if err := cl.Stop(ctx); err != nil {
				c.log.WithError(err).WithField("worker", cl.Address).Warn("stop failed")
			}
		}(cl)
	}
	wg.Wait()
}

// collect fetches results from every healthy worker and merges them
// into a combined summary keyed by worker address. Unhealthy workers
// are reported in the returned error but do not void the partial
// aggregate.
func (c *Coordinator) collect(health []*workerHealth) (*metrics.Summary, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	parts := make([]*metrics.Summary, len(c.clients))
	var wg sync.WaitGroup
	for i, cl := range c.clients {
		if !health[i].healthy() {
			continue
		}
		wg.Add(1)
		go func(i int, cl *WorkerClient) {
			defer wg.Done()
			res, err := cl.Results(ctx)
			if err != nil {
				c.log.WithError(err).WithField("worker", cl.Address).Warn("results fetch failed")
				health[i].status = WorkerDisconnected
				return
			}
			health[i].runError = res.Error
			parts[i] = res.Summary
		}(i, cl)
	}
	wg.Wait()

	name := ""
	perWorker := make(map[string]*metrics.Summary)
	for i, p := range parts {
		if p == nil {
			continue
		}
		if name == "" {
			name = p.TestName
		}
		perWorker[c.clients[i].Address] = p
	}
	merged := metrics.Merge(name, parts)
	merged.Workers = perWorker

	var failed, errored int
	for _, h := range health {
		if !h.healthy() {
			failed++
		} else if h.runError != "" {
			errored++
		}
	}
	if failed > 0 || errored > 0 {
		return merged, fmt.Errorf("%d worker(s) failed, %d reported run errors", failed, errored)
	}
	return merged, nil
}

// rewriteAll produces each worker's share of the test configuration.
// Closed populations (basic, stepping) split VU counts exactly; the
// open arrivals rate is split proportionally. Webhook outputs and the
// report are stripped so only the coordinator aggregates.
func rewriteAll(cfg *config.TestConfig, workers []WorkerSpec, strategy string) ([]json.RawMessage, []int, error) {
	n := len(workers)

	// Fractions from a fixed-unit allocation drive the float splits.
	const fractionUnits = 10000
	unitShares, err := allocate(fractionUnits, workers, strategy)
	if err != nil {
		return nil, nil, err
	}

	// Exact integer shares per phase field.
	type phaseShares struct {
		vus    []int
		maxVUs []int
		steps  [][]int
	}
	perPhase := make([]phaseShares, len(cfg.Load.Phases))
	for pi, phase := range cfg.Load.Phases {
		ps := phaseShares{}
		if ps.vus, err = allocate(phase.VUs(), workers, strategy); err != nil {
			return nil, nil, err
		}
		if phase.MaxVUs > 0 {
			if ps.maxVUs, err = allocate(phase.MaxVUs, workers, strategy); err != nil {
				return nil, nil, err
			}
		}
		for _, st := range phase.Steps {
			shares, err := allocate(st.Users, workers, strategy)
			if err != nil {
				return nil, nil, err
			}
			ps.steps = append(ps.steps, shares)
		}
		perPhase[pi] = ps
	}

	var firstShares []int
	if len(perPhase) > 0 {
		firstShares = perPhase[0].vus
	}

	plans := make([]json.RawMessage, n)
	for wi := 0; wi < n; wi++ {
		clone, err := cloneConfig(cfg)
		if err != nil {
			return nil, nil, err
		}

		clone.Name = fmt.Sprintf("%s-worker-%d", cfg.Name, wi+1)
		clone.Report = nil
		clone.Outputs = stripAggregatedOutputs(clone.Outputs)

		fraction := float64(unitShares[wi]) / float64(fractionUnits)
		for pi, phase := range clone.Load.Phases {
			ps := perPhase[pi]
			phase.VirtualUsers = ps.vus[wi]
			phase.VUsAlias = 0
			if phase.Rate > 0 {
				phase.Rate = roundRate(phase.Rate * fraction)
			}
			if ps.maxVUs != nil {
				phase.MaxVUs = ps.maxVUs[wi]
			}
			for si := range phase.Steps {
				phase.Steps[si].Users = ps.steps[si][wi]
			}
		}

		raw, err := json.Marshal(clone)
		if err != nil {
			return nil, nil, fmt.Errorf("serializing worker config: %w", err)
		}
		plans[wi] = raw
	}
	return plans, firstShares, nil
}

// stripAggregatedOutputs removes sinks the coordinator serves itself.
func stripAggregatedOutputs(outputs []config.OutputConfig) []config.OutputConfig {
	var kept []config.OutputConfig
	for _, o := range outputs {
		if o.Type == "webhook" {
			continue
		}
		kept = append(kept, o)
	}
	return kept
}

func cloneConfig(cfg *config.TestConfig) (*config.TestConfig, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var clone config.TestConfig
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

// roundRate keeps split arrival rates at two decimals so tiny float
// artifacts do not leak into worker configs.
func roundRate(r float64) float64 {
	return math.Round(r*100) / 100
}

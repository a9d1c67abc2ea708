// Package runner composes a test run: it owns the test context, the VU
// factory, the load patterns and the output pipeline, and produces the
// final summary.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loadgrid/loadgrid/internal/config"
	"github.com/loadgrid/loadgrid/internal/engine"
	"github.com/loadgrid/loadgrid/internal/metrics"
	"github.com/loadgrid/loadgrid/internal/model"
	"github.com/loadgrid/loadgrid/internal/output"
	"github.com/loadgrid/loadgrid/internal/pattern"
)

// Run outcome sentinels. The CLI maps these onto exit codes.
var (
	ErrTestFailed  = errors.New("test failed")
	ErrTestAborted = errors.New("test aborted")
)

// Status is the live view served while a run is in flight.
type Status struct {
	Running   bool    `json:"running"`
	Pattern   string  `json:"pattern,omitempty"`
	Progress  float64 `json:"progress"`
	ActiveVUs int     `json:"active_vus"`

	Requests     int64   `json:"requests"`
	RPS          float64 `json:"rps"`
	P95Ms        float64 `json:"p95_response_time"`
	ErrorRatePct float64 `json:"error_rate"`

	StartTime time.Time `json:"start_time,omitempty"`
}

// Runner executes one test configuration. A Runner is single-use.
type Runner struct {
	cfg *config.TestConfig
	log logrus.FieldLogger

	tc      *engine.TestContext
	factory *engine.Factory

	mu      sync.Mutex
	current pattern.Pattern
	running bool
	start   time.Time
	summary *metrics.Summary

	cancel context.CancelFunc
}

// New creates a runner for cfg. The configuration must already be
// normalized and validated.
func New(cfg *config.TestConfig, log logrus.FieldLogger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{cfg: cfg, log: log.WithField("test", cfg.Name)}
}

// Context returns the test context once Run has started, for script
// registration and inspection. Before Run it returns nil.
func (r *Runner) Context() *engine.TestContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tc
}

// Prepare builds the test context ahead of Run so scripts can be
// registered against it. Run calls Prepare implicitly when skipped.
func (r *Runner) Prepare() *engine.TestContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepareLocked()
	return r.tc
}

func (r *Runner) prepareLocked() {
	if r.tc != nil {
		return
	}
	// The cancel func is bound to the run context later; until then
	// FailTest/AbortTest only set their flags.
	r.tc = engine.NewTestContext(r.cfg, r.log, nil)
}

// Run executes every load phase sequentially and returns the summary.
// The returned error is ErrTestFailed or ErrTestAborted when a
// threshold or a data policy ended the run; the summary is returned in
// either case.
func (r *Runner) Run(ctx context.Context) (*metrics.Summary, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.prepareLocked()
	r.tc.BindCancel(cancel)
	r.cancel = cancel
	r.running = true
	r.start = time.Now()
	r.mu.Unlock()

	pipeline, err := output.New(r.cfg.Outputs, r.start, r.log)
	if err != nil {
		return nil, fmt.Errorf("configuring outputs: %w", err)
	}
	r.tc.Emit = pipeline.Emit

	r.factory = engine.NewFactory(r.tc)
	defer r.factory.Close()

	r.log.WithField("phases", len(r.cfg.Load.Phases)).Info("test starting")

	for i, phase := range r.cfg.Load.Phases {
		if runCtx.Err() != nil {
			break
		}
		if i > 0 {
			// Sequential phases share data files but not cursors.
			r.tc.Data.ResetAll()
		}

		p, err := pattern.New(phase, r.factory, r.log)
		if err != nil {
			pipeline.Close()
			return nil, fmt.Errorf("phase %d: %w", i, err)
		}

		r.mu.Lock()
		r.current = p
		r.mu.Unlock()

		if err := p.Run(runCtx); err != nil && runCtx.Err() == nil {
			r.log.WithError(err).Error("load pattern failed")
		}
	}

	end := time.Now()
	pipeline.Close()

	summary := metrics.BuildSummary(r.cfg.Name, r.tc.Metrics, r.start, end, nil)
	summary.ResultsDropped = summary.ResultsDropped || pipeline.Dropped() > 0

	r.mu.Lock()
	r.current = nil
	r.running = false
	r.summary = summary
	r.mu.Unlock()

	if err := r.writeReport(summary); err != nil {
		r.log.WithError(err).Warn("report generation failed")
	}

	switch {
	case r.tc.Aborted():
		return summary, ErrTestAborted
	case r.tc.Failed():
		return summary, ErrTestFailed
	default:
		return summary, nil
	}
}

// Stop cancels an in-flight run.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Running reports whether Run is in flight.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Results returns the results stored so far, bounded by the store cap.
func (r *Runner) Results() []*model.Result {
	r.mu.Lock()
	tc := r.tc
	r.mu.Unlock()
	if tc == nil {
		return nil
	}
	return tc.Metrics.Store.Results()
}

// Summary returns the final summary, or nil while the run is in flight.
func (r *Runner) Summary() *metrics.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// Status returns the live view of the run.
func (r *Runner) Status() Status {
	r.mu.Lock()
	cur := r.current
	running := r.running
	start := r.start
	tc := r.tc
	r.mu.Unlock()

	st := Status{Running: running, StartTime: start}
	if cur != nil {
		st.Pattern = cur.Type()
		st.Progress = cur.Progress()
		st.ActiveVUs = cur.ActiveVUs()
	}
	if tc != nil {
		tc.Metrics.Live.SetActiveVUs(st.ActiveVUs)
		live := tc.Metrics.Live.Snapshot()
		total, _, _ := tc.Metrics.Overall.Counts()
		st.Requests = total
		st.RPS = live.RPS
		st.P95Ms = live.ResponseTime
		st.ErrorRatePct = live.ErrorRate * 100
	}
	return st
}

// writeReport dumps the summary as JSON when reporting is enabled.
func (r *Runner) writeReport(s *metrics.Summary) error {
	if r.cfg.Report == nil || !r.cfg.Report.Enabled {
		return nil
	}
	path := r.cfg.Report.Path
	if path == "" {
		path = "report.json"
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

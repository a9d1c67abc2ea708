// Package engine implements the per-VU execution core: the step
// executor state machine, the virtual user lifecycle and the shared
// per-test context that owns the run-scoped registries.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loadgrid/loadgrid/internal/config"
	"github.com/loadgrid/loadgrid/internal/data"
	"github.com/loadgrid/loadgrid/internal/expr"
	"github.com/loadgrid/loadgrid/internal/metrics"
	"github.com/loadgrid/loadgrid/internal/model"
	"github.com/loadgrid/loadgrid/internal/rendezvous"
	"github.com/loadgrid/loadgrid/internal/script"
	"github.com/loadgrid/loadgrid/internal/template"
)

// TestContext owns everything shared across the VUs of one test run:
// the registries that would otherwise be process-wide singletons, the
// metrics collector and the cancellation plumbing. Its lifetime is
// bounded by the run.
type TestContext struct {
	Config *config.TestConfig
	Log    logrus.FieldLogger

	Template   *template.Processor
	Expr       *expr.Evaluator
	Scripts    *script.Registry
	Data       *data.Registry
	Rendezvous *rendezvous.Registry
	Metrics    *metrics.Collector

	// Emit forwards each recorded result to the output pipeline.
	// May be nil when no outputs are configured.
	Emit func(*model.Result)

	// GlobalThink is the parsed global think time.
	GlobalThink time.Duration

	cancel  context.CancelFunc
	failed  atomic.Bool
	aborted atomic.Bool
}

// NewTestContext builds a context for cfg. cancel is the run's root
// cancellation; stop_test signals and abort thresholds route into it.
func NewTestContext(cfg *config.TestConfig, log logrus.FieldLogger, cancel context.CancelFunc) *TestContext {
	if log == nil {
		log = logrus.StandardLogger()
	}
	tc := &TestContext{
		Config:     cfg,
		Log:        log,
		Template:   template.NewProcessor(cfg.Global.FakerLocale, cfg.Global.FakerSeed),
		Expr:       expr.NewEvaluator(),
		Scripts:    script.NewRegistry(),
		Data:       data.NewRegistry(log),
		Rendezvous: rendezvous.NewRegistry(),
		Metrics:    metrics.NewCollector(),
		cancel:     cancel,
	}
	if cfg.Global.ThinkTime != "" {
		// Validated during config load.
		d, err := parseDuration(cfg.Global.ThinkTime)
		if err == nil {
			tc.GlobalThink = d
		}
	}
	return tc
}

// BindCancel attaches the run's cancellation after the run context is
// created. FailTest and AbortTest called before this only set flags.
func (tc *TestContext) BindCancel(cancel context.CancelFunc) {
	tc.cancel = cancel
}

// Record stores a result in the metrics core and forwards it to the
// output pipeline.
func (tc *TestContext) Record(r *model.Result) {
	tc.Metrics.Record(r)
	if tc.Emit != nil && r.ShouldRecord {
		tc.Emit(r)
	}
}

// FailTest marks the run failed and cancels it. Used by thresholds
// with the fail_test action.
func (tc *TestContext) FailTest(reason string) {
	if tc.failed.CompareAndSwap(false, true) {
		tc.Log.WithField("reason", reason).Error("test marked failed")
		if tc.cancel != nil {
			tc.cancel()
		}
	}
}

// AbortTest cancels the run immediately. Used by the abort threshold
// action and by data providers under stop_test.
func (tc *TestContext) AbortTest(reason string) {
	if tc.aborted.CompareAndSwap(false, true) {
		tc.Log.WithField("reason", reason).Error("test aborted")
		if tc.cancel != nil {
			tc.cancel()
		}
	}
}

// Failed reports whether fail_test fired.
func (tc *TestContext) Failed() bool { return tc.failed.Load() }

// Aborted reports whether the run was aborted.
func (tc *TestContext) Aborted() bool { return tc.aborted.Load() }

package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loadgrid/loadgrid/internal/clock"
	"github.com/loadgrid/loadgrid/internal/config"
	"github.com/loadgrid/loadgrid/internal/data"
	"github.com/loadgrid/loadgrid/internal/model"
	"github.com/loadgrid/loadgrid/internal/script"
)

// VU states.
const (
	StateIdle int32 = iota
	StateRunning
	StateStopping
	StateStopped
)

// StateName renders a VU state for logs and status endpoints.
func StateName(s int32) string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// errStopVU ends the VU cleanly (data exhaustion under stop_vu,
	// fail_scenario cascades and similar).
	errStopVU = errors.New("virtual user stopped")

	// errEndIteration abandons the current iteration but keeps the VU.
	errEndIteration = errors.New("iteration ended")
)

// VirtualUser runs scenario iterations until its context is cancelled
// or Stop is called. All mutable scenario state lives in the VU's own
// goroutine; the exported methods only touch atomics and channels.
type VirtualUser struct {
	ID      int
	Pattern string

	// MaxIterations bounds the VU's lifetime in iterations; zero means
	// it runs until stopped.
	MaxIterations int64

	tc  *TestContext
	se  *StepExecutor
	log logrus.FieldLogger
	rng *rand.Rand

	state      atomic.Int32
	iterations atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}

	// heldRows tracks unique-scope rows so they are released exactly
	// once when the holding policy ends.
	heldRows map[*data.Provider]data.Row
}

// NewVirtualUser creates an idle VU.
func NewVirtualUser(id int, pattern string, tc *TestContext, se *StepExecutor) *VirtualUser {
	return &VirtualUser{
		ID:       id,
		Pattern:  pattern,
		tc:       tc,
		se:       se,
		log:      tc.Log.WithField("vu", id),
		rng:      rand.New(rand.NewSource(rand.Int63())),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		heldRows: make(map[*data.Provider]data.Row),
	}
}

// Start launches the VU goroutine. Calling Start twice is a no-op.
func (vu *VirtualUser) Start(ctx context.Context) {
	if !vu.state.CompareAndSwap(StateIdle, StateRunning) {
		return
	}
	go vu.run(ctx)
}

// Stop asks the VU to finish its current iteration and exit. Safe to
// call concurrently and repeatedly.
func (vu *VirtualUser) Stop() {
	if vu.state.CompareAndSwap(StateRunning, StateStopping) {
		close(vu.stopCh)
	}
}

// Done is closed when the VU goroutine has fully exited.
func (vu *VirtualUser) Done() <-chan struct{} { return vu.doneCh }

// State returns the current lifecycle state.
func (vu *VirtualUser) State() int32 { return vu.state.Load() }

// Iterations returns how many iterations completed so far.
func (vu *VirtualUser) Iterations() int64 { return vu.iterations.Load() }

func (vu *VirtualUser) run(ctx context.Context) {
	defer close(vu.doneCh)
	defer vu.state.Store(StateStopped)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-vu.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	vc := model.NewVUContext(vu.ID, nil)
	defer vu.releaseHeld()

	vu.runTestHook(runCtx, vu.hookName(func(h *config.TestHooks) string { return h.BeforeVU }), vc, "beforeVU")
	defer vu.runTestHook(context.Background(), vu.hookName(func(h *config.TestHooks) string { return h.TeardownVU }), vc, "teardownVU")

	for {
		select {
		case <-runCtx.Done():
			return
		default:
		}

		sc := vu.pickScenario()
		if sc == nil {
			vu.log.Error("no scenarios configured")
			return
		}

		vc.Iteration++
		vc.IterationTime = time.Now()
		err := vu.runIteration(runCtx, sc, vc)
		vu.iterations.Add(1)

		if errors.Is(err, errStopVU) || runCtx.Err() != nil {
			return
		}
		if vu.MaxIterations > 0 && vu.iterations.Load() >= vu.MaxIterations {
			return
		}
	}
}

// pickScenario selects a scenario by weight. A single scenario skips
// the roll entirely.
func (vu *VirtualUser) pickScenario() *config.Scenario {
	scs := vu.tc.Config.Scenarios
	switch len(scs) {
	case 0:
		return nil
	case 1:
		return scs[0]
	}

	total := 0
	for _, sc := range scs {
		total += sc.EffectiveWeight()
	}
	roll := vu.rng.Intn(total)
	for _, sc := range scs {
		roll -= sc.EffectiveWeight()
		if roll < 0 {
			return sc
		}
	}
	return scs[len(scs)-1]
}

// runIteration executes one scenario pass: variables, data row, hooks,
// the loop construct and the step sequence.
func (vu *VirtualUser) runIteration(ctx context.Context, sc *config.Scenario, vc *model.VUContext) error {
	for k, v := range sc.Variables {
		if _, exists := vc.Variables[k]; !exists {
			vc.Variables[k] = v
		}
	}

	if err := vu.bindRow(ctx, sc, vc, "each_iteration"); err != nil {
		return err
	}

	vu.runScenarioHook(ctx, sc, func(h *config.ScenarioHooks) string { return h.BeforeScenario }, vc, "beforeScenario")
	defer vu.runScenarioHook(context.Background(), sc, func(h *config.ScenarioHooks) string { return h.TeardownScenario }, vc, "teardownScenario")

	err := vu.runLoop(ctx, sc, vc)

	if vu.rowPolicy(sc) == "each_iteration" {
		vu.releaseHeld()
	}
	return err
}

// runLoop drives the scenario's loop construct. Without a loop config
// the body runs once.
func (vu *VirtualUser) runLoop(ctx context.Context, sc *config.Scenario, vc *model.VUContext) error {
	loop := sc.Loop
	if loop == nil {
		return vu.runSteps(ctx, sc, vc)
	}

	var deadline time.Time
	if loop.Duration != "" {
		d, err := clock.Parse(loop.Duration)
		if err != nil {
			vu.log.WithError(err).Warn("invalid loop duration, running once")
			return vu.runSteps(ctx, sc, vc)
		}
		deadline = time.Now().Add(d)
	}

	errCount := 0
	for pass := 0; ; pass++ {
		if ctx.Err() != nil {
			return errStopVU
		}
		if loop.Count > 0 && pass >= loop.Count {
			return nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil
		}
		if loop.Count == 0 && deadline.IsZero() && loop.Condition == "" && pass >= 1 {
			return nil
		}

		// while/until conditions gate before each pass.
		if loop.Condition != "" {
			ok, err := vu.tc.Expr.Bool(loop.Condition, vc.ExprEnv())
			if err != nil {
				vu.log.WithError(err).Warn("loop condition evaluation failed, ending loop")
				return nil
			}
			if loop.Mode == "until" {
				ok = !ok
			}
			if !ok {
				return nil
			}
		}

		vu.runScenarioHook(ctx, sc, func(h *config.ScenarioHooks) string { return h.BeforeLoop }, vc, "beforeLoop")
		err := vu.runSteps(ctx, sc, vc)
		vu.runScenarioHook(ctx, sc, func(h *config.ScenarioHooks) string { return h.AfterLoop }, vc, "afterLoop")

		switch {
		case errors.Is(err, errStopVU):
			return err
		case errors.Is(err, errEndIteration):
			errCount++
			if loop.BreakOnError {
				return nil
			}
		case err != nil:
			errCount++
		}
		if loop.MaxErrors > 0 && errCount >= loop.MaxErrors {
			vu.log.WithField("errors", errCount).Debug("loop error limit reached")
			return nil
		}
	}
}

// runSteps executes the scenario's steps in order, applying per-use
// data refreshes, think time and the error policy.
func (vu *VirtualUser) runSteps(ctx context.Context, sc *config.Scenario, vc *model.VUContext) error {
	var firstErr error
	for _, step := range sc.Steps {
		if ctx.Err() != nil {
			return errStopVU
		}

		if err := vu.bindRow(ctx, sc, vc, "each_use"); err != nil {
			return err
		}

		r, err := vu.se.Execute(ctx, step, sc, vc)
		if err != nil {
			if escalated := vu.escalate(err); escalated != nil {
				return escalated
			}
		}

		if !r.Success && firstErr == nil {
			firstErr = errEndIteration
		}
		if !r.Success && !step.ContinuesOnError() {
			return errEndIteration
		}

		if err := vu.think(ctx, sc, step); err != nil {
			return errStopVU
		}
	}
	return firstErr
}

// escalate maps a step-executor error onto the VU's control flow.
func (vu *VirtualUser) escalate(err error) error {
	var tv *ThresholdViolation
	if errors.As(err, &tv) {
		switch tv.Action {
		case "fail_scenario":
			return errStopVU
		case "fail_test":
			vu.tc.FailTest(tv.Error())
			return errStopVU
		case "abort":
			vu.tc.AbortTest(tv.Error())
			return errStopVU
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errStopVU
	}
	return nil
}

// think applies the effective think time: step over scenario over
// global.
func (vu *VirtualUser) think(ctx context.Context, sc *config.Scenario, step *config.Step) error {
	var d time.Duration
	switch {
	case step.ThinkTime != "":
		parsed, err := clock.Parse(step.ThinkTime)
		if err != nil {
			return nil
		}
		d = parsed
	case sc.ThinkTime != "":
		parsed, err := clock.Parse(sc.ThinkTime)
		if err != nil {
			return nil
		}
		d = parsed
	default:
		d = vu.tc.GlobalThink
	}
	if d <= 0 {
		return nil
	}
	return clock.Sleep(ctx, d)
}

// rowPolicy returns the scenario's effective change policy.
func (vu *VirtualUser) rowPolicy(sc *config.Scenario) string {
	if sc.CSVData == nil || sc.CSVData.ChangePolicy == "" {
		return "each_iteration"
	}
	return sc.CSVData.ChangePolicy
}

// bindRow refreshes vc.CSVRow when the scenario's change policy fires
// at this moment. each_vu binds once and keeps the row for the VU's
// lifetime; each_iteration refreshes at iteration start; each_use
// before every step.
func (vu *VirtualUser) bindRow(ctx context.Context, sc *config.Scenario, vc *model.VUContext, moment string) error {
	if sc.CSVData == nil {
		return nil
	}
	policy := vu.rowPolicy(sc)

	switch policy {
	case "each_vu":
		if moment != "each_iteration" || vc.CSVRow != nil {
			return nil
		}
	case "each_iteration", "":
		if moment != "each_iteration" {
			return nil
		}
	case "each_use":
		if moment != "each_use" {
			return nil
		}
	default:
		if moment != "each_iteration" {
			return nil
		}
	}

	provider, err := vu.tc.Data.Get(*sc.CSVData)
	if err != nil {
		vu.tc.AbortTest(err.Error())
		return errStopVU
	}

	var (
		row     data.Row
		verdict data.Verdict
	)
	if sc.CSVData.Scope == "unique" {
		if prev, ok := vu.heldRows[provider]; ok {
			provider.Release(vu.ID, prev)
			delete(vu.heldRows, provider)
		}
		row, verdict, err = provider.AcquireUnique(vu.ID, ctx.Done())
		if verdict == data.VerdictRow {
			vu.heldRows[provider] = row
		}
	} else {
		row, verdict, err = provider.Next(vu.ID)
	}
	if err != nil {
		vu.tc.AbortTest(err.Error())
		return errStopVU
	}

	switch verdict {
	case data.VerdictRow:
		vc.CSVRow = row
	case data.VerdictNoValue:
		vc.CSVRow = nil
	case data.VerdictStopVU:
		return errStopVU
	case data.VerdictStopTest:
		vu.tc.AbortTest("data source exhausted")
		return errStopVU
	}
	return nil
}

// releaseHeld returns every unique row this VU holds.
func (vu *VirtualUser) releaseHeld() {
	for provider := range vu.heldRows {
		provider.ReleaseAll(vu.ID)
		delete(vu.heldRows, provider)
	}
}

func (vu *VirtualUser) hookName(pick func(*config.TestHooks) string) string {
	if vu.tc.Config.Hooks == nil {
		return ""
	}
	return pick(vu.tc.Config.Hooks)
}

func (vu *VirtualUser) runTestHook(ctx context.Context, name string, vc *model.VUContext, label string) {
	if name == "" {
		return
	}
	hc := &script.HookContext{
		VUID:          vc.VUID,
		Iteration:     vc.Iteration,
		Variables:     vc.Variables,
		ExtractedData: vc.ExtractedData,
		Log:           vu.log,
	}
	if err := vu.tc.Scripts.Run(ctx, name, hc, script.DefaultTimeout); err != nil {
		vu.log.WithError(err).WithField("hook", label).Warn("lifecycle hook failed")
	}
}

func (vu *VirtualUser) runScenarioHook(ctx context.Context, sc *config.Scenario, pick func(*config.ScenarioHooks) string, vc *model.VUContext, label string) {
	if sc.Hooks == nil {
		return
	}
	name := pick(sc.Hooks)
	if name == "" {
		return
	}
	hc := &script.HookContext{
		VUID:          vc.VUID,
		Iteration:     vc.Iteration,
		Scenario:      sc.Name,
		Variables:     vc.Variables,
		ExtractedData: vc.ExtractedData,
		Log:           vu.log,
	}
	if err := vu.tc.Scripts.Run(ctx, name, hc, script.DefaultTimeout); err != nil {
		vu.log.WithError(err).WithFields(logrus.Fields{"hook": label, "scenario": sc.Name}).Warn("scenario hook failed")
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/loadgrid/loadgrid/internal/clock"
	"github.com/loadgrid/loadgrid/internal/config"
	"github.com/loadgrid/loadgrid/internal/model"
	"github.com/loadgrid/loadgrid/internal/protocol"
	"github.com/loadgrid/loadgrid/internal/script"
	"github.com/loadgrid/loadgrid/pkg/jsonpath"
)

// ThresholdViolation is raised when a threshold with a fail_* or abort
// action fires. The VU and the load pattern branch on Action to decide
// how far the failure propagates.
type ThresholdViolation struct {
	Metric   string
	Operator string
	Limit    float64
	Actual   float64
	Action   string
}

func (v *ThresholdViolation) Error() string {
	return fmt.Sprintf("threshold violated: %s %s %g (actual %g, action %s)",
		v.Metric, v.Operator, v.Limit, v.Actual, v.Action)
}

// StepExecutor drives the lifecycle of a single step:
//
//	beforeStep -> condition -> dispatch -> checks -> extracts ->
//	thresholds -> teardownStep
//
// Every path, including skips and errors, emits exactly one result.
type StepExecutor struct {
	tc       *TestContext
	handlers map[string]protocol.Handler
}

// NewStepExecutor builds an executor with the default handler set.
func NewStepExecutor(tc *TestContext, rest *protocol.RestHandler) *StepExecutor {
	se := &StepExecutor{
		tc: tc,
		handlers: map[string]protocol.Handler{
			config.StepRest:   rest,
			config.StepScript: &protocol.ScriptHandler{Registry: tc.Scripts, Log: tc.Log},
			config.StepCustom: &protocol.CustomHandler{Registry: tc.Scripts, Log: tc.Log},
			config.StepSoap:   &protocol.UnsupportedHandler{Variant: config.StepSoap},
			config.StepWeb:    &protocol.UnsupportedHandler{Variant: config.StepWeb},
		},
	}
	return se
}

// RegisterHandler installs or replaces the handler for a step variant.
// External SOAP or browser integrations hook in here.
func (se *StepExecutor) RegisterHandler(variant string, h protocol.Handler) {
	se.handlers[variant] = h
}

// Execute runs one step for one VU. The returned result is always
// non-nil and already recorded. The error is non-nil only for
// escalations the VU must act on: cancellation and fail_scenario/
// fail_test/abort threshold violations.
func (se *StepExecutor) Execute(ctx context.Context, step *config.Step, scenario *config.Scenario, vc *model.VUContext) (*model.Result, error) {
	r := model.NewResult(vc.VUID, vc.Iteration, scenario.Name, step.Name)
	r.ThreadName = vc.ThreadName(step.Name)
	r.Action = step.Type

	defer se.runTeardown(ctx, step, vc)

	if err := se.runBefore(ctx, step, vc); err != nil {
		if !step.ContinuesOnError() {
			r.SetError("hook_error", err.Error())
			se.tc.Record(r)
			return r, nil
		}
		se.tc.Log.WithError(err).WithField("step", step.Name).Warn("beforeStep hook failed")
	}

	// Condition gate. Evaluation errors are treated as a skip, not a
	// failure.
	if step.Condition != "" {
		ok, err := se.tc.Expr.Bool(step.Condition, vc.ExprEnv())
		if err != nil {
			se.tc.Log.WithError(err).WithField("step", step.Name).Warn("condition evaluation failed, skipping step")
			ok = false
		}
		if !ok {
			r.Success = true
			r.StatusText = "SKIPPED"
			se.tc.Record(r)
			return r, nil
		}
	}

	// Clone the step through the template processor and re-parse.
	// A step that is no longer parseable after substitution fails
	// fatally.
	var processed config.Step
	if err := se.tc.Template.ProcessStep(step, vc.TemplateVars(), &processed); err != nil {
		r.SetError("template_error", err.Error())
		se.runOnError(ctx, step, vc, err)
		se.tc.Record(r)
		return r, nil
	}

	if err := se.dispatch(ctx, &processed, vc, r); err != nil {
		if ctx.Err() != nil {
			// Cancellation: record what we have and propagate.
			r.SetError("cancelled", ctx.Err().Error())
			se.tc.Record(r)
			return r, ctx.Err()
		}
		r.SetError(errorCode(err), err.Error())
		se.runOnError(ctx, step, vc, err)
		se.tc.Record(r)
		return r, nil
	}

	// Retry failed dispatches when configured.
	if !r.Success && step.Retry != nil && step.Retry.Attempts > 0 {
		se.retry(ctx, &processed, step, vc, r)
	}

	if r.Success {
		se.runChecks(&processed, vc, r)
	}
	se.runExtracts(&processed, vc, r)

	if processed.Type == config.StepWeb {
		r.ShouldRecord = webShouldRecord(processed.Web) || !r.Success
	}

	violation := se.evaluateThresholds(step, r)

	if !r.Success {
		se.runOnError(ctx, step, vc, fmt.Errorf("%s", r.Error))
	}
	se.tc.Record(r)

	if violation != nil {
		switch violation.Action {
		case "fail_scenario", "fail_test", "abort":
			return r, violation
		}
	}
	return r, nil
}

// dispatch routes the step to its variant implementation.
func (se *StepExecutor) dispatch(ctx context.Context, step *config.Step, vc *model.VUContext, r *model.Result) error {
	switch step.Type {
	case config.StepWait:
		d, err := clock.Parse(step.Wait.Duration)
		if err != nil {
			return err
		}
		start := time.Now()
		if err := clock.Sleep(ctx, d); err != nil {
			return err
		}
		r.Duration = time.Since(start).Milliseconds()
		r.Success = true
		return nil

	case config.StepRendezvous:
		return se.rendezvous(ctx, step.Rendezvous, vc, r)

	default:
		h, ok := se.handlers[step.Type]
		if !ok {
			return fmt.Errorf("no handler for step type %q", step.Type)
		}
		return h.Execute(ctx, step, vc, r)
	}
}

// rendezvous parks the VU at the named barrier and reports the release
// outcome through custom metrics.
func (se *StepExecutor) rendezvous(ctx context.Context, rz *config.RendezvousStep, vc *model.VUContext, r *model.Result) error {
	timeout := 30 * time.Second
	if rz.Timeout != "" {
		d, err := clock.Parse(rz.Timeout)
		if err != nil {
			return err
		}
		timeout = d
	}

	start := time.Now()
	res, err := se.tc.Rendezvous.Wait(ctx, rz.Name, rz.Count, timeout, rz.Policy, vc.VUID)
	if err != nil {
		return err
	}

	r.Duration = time.Since(start).Milliseconds()
	r.Success = res.Released
	r.StatusText = res.Reason
	r.AddCustomMetric("rendezvous_vu_count", float64(res.VUCount))
	r.AddCustomMetric("rendezvous_wait_time", float64(res.WaitTime.Milliseconds()))
	if !res.Released {
		r.SetError("rendezvous_"+res.Reason, fmt.Sprintf("rendezvous %q not released: %s", rz.Name, res.Reason))
	}
	return nil
}

// retry re-dispatches a failed step up to Attempts times.
func (se *StepExecutor) retry(ctx context.Context, processed, step *config.Step, vc *model.VUContext, r *model.Result) {
	delay := time.Duration(0)
	if step.Retry.Delay != "" {
		if d, err := clock.Parse(step.Retry.Delay); err == nil {
			delay = d
		}
	}

	for attempt := 1; attempt <= step.Retry.Attempts && !r.Success; attempt++ {
		if delay > 0 {
			if err := clock.Sleep(ctx, delay); err != nil {
				return
			}
		}
		retryResult := model.NewResult(vc.VUID, vc.Iteration, r.Scenario, r.StepName)
		retryResult.ThreadName = r.ThreadName
		retryResult.Action = r.Action
		if err := se.dispatch(ctx, processed, vc, retryResult); err != nil {
			continue
		}
		if retryResult.Success {
			// Adopt the successful attempt's observation, keeping the
			// original id and timestamp so ordering is preserved.
			id, ts := r.ID, r.Timestamp
			*r = *retryResult
			r.ID, r.Timestamp = id, ts
			return
		}
	}
}

// runChecks applies the step's checks; any failure flips the result to
// failed with the joined descriptions.
func (se *StepExecutor) runChecks(step *config.Step, vc *model.VUContext, r *model.Result) {
	var failures []string
	for _, chk := range step.Checks {
		if msg, ok := se.check(&chk, vc, r); !ok {
			failures = append(failures, msg)
		}
	}
	if len(failures) > 0 {
		r.SetError("check_failed", strings.Join(failures, "; "))
	}
}

func (se *StepExecutor) check(chk *config.Check, vc *model.VUContext, r *model.Result) (string, bool) {
	switch chk.Type {
	case "status":
		want := toInt(chk.Value)
		if r.Status != want {
			return fmt.Sprintf("status check failed: expected %d, got %d", want, r.Status), false
		}

	case "response_time":
		op, limit, err := parseResponseTimeCheck(chk.Value)
		if err != nil {
			return fmt.Sprintf("response_time check invalid: %v", err), false
		}
		actual := float64(r.Duration)
		ok := false
		switch op {
		case "<":
			ok = actual < limit
		case ">":
			ok = actual > limit
		default:
			ok = actual <= limit
		}
		if !ok {
			return fmt.Sprintf("response_time check failed: %gms not %s %gms", actual, op, limit), false
		}

	case "json_path":
		got, found, err := jsonpath.Extract(r.ResponseBody, chk.Expression)
		if err != nil || !found {
			return fmt.Sprintf("json_path check failed: %s not found", chk.Expression), false
		}
		if chk.Value != nil && got != toString(chk.Value) {
			return fmt.Sprintf("json_path check failed: %s expected %v, got %s", chk.Expression, chk.Value, got), false
		}

	case "text_contains":
		want := chk.Expression
		if want == "" {
			want = toString(chk.Value)
		}
		if !strings.Contains(r.ResponseBody, want) {
			return fmt.Sprintf("text_contains check failed: %q not in response", want), false
		}

	case "custom":
		env := vc.ExprEnv()
		env["response"] = map[string]interface{}{
			"status":   r.Status,
			"body":     r.ResponseBody,
			"duration": r.Duration,
			"headers":  r.ResponseHeaders,
		}
		ok, err := se.tc.Expr.Bool(chk.Expression, env)
		if err != nil {
			return fmt.Sprintf("custom check error: %v", err), false
		}
		if !ok {
			name := chk.Name
			if name == "" {
				name = chk.Expression
			}
			return fmt.Sprintf("custom check failed: %s", name), false
		}

	default:
		return fmt.Sprintf("unknown check type %q", chk.Type), false
	}
	return "", true
}

// runExtracts pulls values into extracted_data, applying defaults when
// an expression does not match.
func (se *StepExecutor) runExtracts(step *config.Step, vc *model.VUContext, r *model.Result) {
	for _, ex := range step.Extract {
		value, found := se.extract(&ex, vc, r)
		if !found {
			if ex.Default == nil {
				se.tc.Log.WithFields(map[string]interface{}{
					"step": step.Name, "extract": ex.Name,
				}).Debug("extraction found no value")
				continue
			}
			value = ex.Default
		}
		vc.ExtractedData[ex.Name] = value
	}
}

func (se *StepExecutor) extract(ex *config.Extract, vc *model.VUContext, r *model.Result) (interface{}, bool) {
	switch ex.Type {
	case "json_path":
		v, found, err := jsonpath.ExtractAny(r.ResponseBody, ex.Expression)
		if err != nil || !found {
			return nil, false
		}
		return v, true

	case "regex":
		re, err := regexp.Compile(ex.Expression)
		if err != nil {
			return nil, false
		}
		m := re.FindStringSubmatch(r.ResponseBody)
		if m == nil {
			return nil, false
		}
		if len(m) > 1 {
			return m[1], true
		}
		return m[0], true

	case "header":
		v, ok := r.ResponseHeaders[http.CanonicalHeaderKey(ex.Expression)]
		if !ok {
			v, ok = r.ResponseHeaders[ex.Expression]
		}
		return v, ok

	case "custom":
		env := vc.ExprEnv()
		env["response"] = map[string]interface{}{
			"status":  r.Status,
			"body":    r.ResponseBody,
			"headers": r.ResponseHeaders,
		}
		v, err := se.tc.Expr.Eval(ex.Expression, env)
		if err != nil {
			return nil, false
		}
		return v, v != nil

	default:
		return nil, false
	}
}

// evaluateThresholds applies the step's threshold rules. log and
// fail_step are resolved in place; the first fail_scenario, fail_test
// or abort violation is returned for the VU to escalate.
func (se *StepExecutor) evaluateThresholds(step *config.Step, r *model.Result) *ThresholdViolation {
	var escalate *ThresholdViolation
	for _, t := range step.Thresholds {
		actual, ok := se.thresholdMetric(t.Metric, r)
		if !ok {
			se.tc.Log.WithField("metric", t.Metric).Warn("unknown threshold metric")
			continue
		}
		if !compareThreshold(actual, t.Operator, t.Value) {
			continue
		}

		v := &ThresholdViolation{
			Metric:   t.Metric,
			Operator: t.Operator,
			Limit:    t.Value,
			Actual:   actual,
			Action:   t.Action,
		}
		switch t.Action {
		case "", "log":
			se.tc.Log.WithFields(map[string]interface{}{
				"metric": t.Metric, "actual": actual, "limit": t.Value,
			}).Warn("threshold exceeded")
		case "fail_step":
			r.SetError("threshold", v.Error())
		case "fail_scenario", "fail_test", "abort":
			r.SetError("threshold", v.Error())
			if escalate == nil {
				escalate = v
			}
		}
	}
	return escalate
}

// thresholdMetric resolves a metric name against the current result
// and the running totals.
func (se *StepExecutor) thresholdMetric(name string, r *model.Result) (float64, bool) {
	switch name {
	case "response_time":
		return float64(r.Duration), true
	case "status":
		return float64(r.Status), true
	case "error_rate":
		total, _, fail := se.tc.Metrics.Overall.Counts()
		if total == 0 {
			return 0, true
		}
		return float64(fail) / float64(total) * 100, true
	default:
		return 0, false
	}
}

func (se *StepExecutor) runBefore(ctx context.Context, step *config.Step, vc *model.VUContext) error {
	if step.Hooks == nil || step.Hooks.BeforeStep == "" {
		return nil
	}
	return se.runHook(ctx, step.Hooks.BeforeStep, step, vc, nil)
}

func (se *StepExecutor) runOnError(ctx context.Context, step *config.Step, vc *model.VUContext, cause error) {
	if step.Hooks == nil || step.Hooks.OnStepError == "" {
		return
	}
	if err := se.runHook(ctx, step.Hooks.OnStepError, step, vc, cause); err != nil {
		se.tc.Log.WithError(err).WithField("step", step.Name).Warn("onStepError hook failed")
	}
}

func (se *StepExecutor) runTeardown(ctx context.Context, step *config.Step, vc *model.VUContext) {
	if step.Hooks == nil || step.Hooks.TeardownStep == "" {
		return
	}
	if err := se.runHook(ctx, step.Hooks.TeardownStep, step, vc, nil); err != nil {
		se.tc.Log.WithError(err).WithField("step", step.Name).Warn("teardownStep hook failed")
	}
}

func (se *StepExecutor) runHook(ctx context.Context, name string, step *config.Step, vc *model.VUContext, cause error) error {
	hc := &script.HookContext{
		VUID:          vc.VUID,
		Iteration:     vc.Iteration,
		StepName:      step.Name,
		Variables:     vc.Variables,
		ExtractedData: vc.ExtractedData,
		Error:         cause,
		Log:           se.tc.Log,
	}
	return se.tc.Scripts.Run(ctx, name, hc, script.DefaultTimeout)
}

// webShouldRecord reports whether a browser command produces a result
// worth recording: verification and wait-for commands only.
func webShouldRecord(w *config.WebStep) bool {
	if w == nil {
		return false
	}
	cmd := strings.ToLower(w.Command)
	return strings.HasPrefix(cmd, "verify") || strings.HasPrefix(cmd, "waitfor") || strings.HasPrefix(cmd, "assert")
}

// parseResponseTimeCheck accepts a plain number (milliseconds, upper
// bound) or the "<Nms" / ">Nms" shorthand.
func parseResponseTimeCheck(v interface{}) (string, float64, error) {
	switch vv := v.(type) {
	case int:
		return "<=", float64(vv), nil
	case int64:
		return "<=", float64(vv), nil
	case float64:
		return "<=", vv, nil
	case string:
		s := strings.TrimSpace(vv)
		op := "<="
		if strings.HasPrefix(s, "<") || strings.HasPrefix(s, ">") {
			op = s[:1]
			s = s[1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "ms")
		limit, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return "", 0, fmt.Errorf("cannot parse %q", vv)
		}
		return op, limit, nil
	default:
		return "", 0, fmt.Errorf("unsupported value type %T", v)
	}
}

func compareThreshold(actual float64, op string, limit float64) bool {
	switch op {
	case ">":
		return actual > limit
	case "<":
		return actual < limit
	case ">=":
		return actual >= limit
	case "<=":
		return actual <= limit
	case "==":
		return actual == limit
	case "!=":
		return actual != limit
	}
	return false
}

func errorCode(err error) string {
	var unsup *protocol.ErrUnsupported
	if errors.As(err, &unsup) {
		return "unsupported_protocol"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "step_error"
}

func toInt(v interface{}) int {
	switch vv := v.(type) {
	case int:
		return vv
	case int64:
		return int(vv)
	case float64:
		return int(vv)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(vv))
		return n
	default:
		return 0
	}
}

func toString(v interface{}) string {
	switch vv := v.(type) {
	case string:
		return vv
	case float64:
		return strconv.FormatFloat(vv, 'f', -1, 64)
	case int:
		return strconv.Itoa(vv)
	case bool:
		return strconv.FormatBool(vv)
	default:
		return fmt.Sprintf("%v", vv)
	}
}

func parseDuration(v interface{}) (time.Duration, error) {
	return clock.Parse(v)
}

package config

import (
	"fmt"

	"github.com/loadgrid/loadgrid/internal/clock"
)

// ValidationError describes a semantic configuration problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

func errf(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the semantics the schema cannot express: cross-field
// requirements, duration grammar and pattern-specific constraints.
func (c *TestConfig) Validate() error {
	if c.Name == "" {
		return errf("name", "test name is required")
	}
	if len(c.Scenarios) == 0 {
		return errf("scenarios", "at least one scenario is required")
	}
	if len(c.Load.Phases) == 0 {
		return errf("load", "at least one load phase is required")
	}

	for i, p := range c.Load.Phases {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("load phase %d: %w", i, err)
		}
	}

	names := make(map[string]bool, len(c.Scenarios))
	for i, sc := range c.Scenarios {
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("scenario %d (%s): %w", i, sc.Name, err)
		}
		if names[sc.Name] {
			return errf("scenarios", "duplicate scenario name %q", sc.Name)
		}
		names[sc.Name] = true
	}

	for i, out := range c.Outputs {
		if err := out.Validate(); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
	}

	if c.Global.ThinkTime != "" {
		if _, err := clock.Parse(c.Global.ThinkTime); err != nil {
			return errf("global.think_time", "%v", err)
		}
	}
	return nil
}

// Validate checks one load phase.
func (p *LoadPhase) Validate() error {
	switch p.Pattern {
	case PatternBasic:
		if p.VUs() < 0 {
			return errf("virtual_users", "must be >= 0")
		}
		if p.RampUp != "" {
			if _, err := clock.Parse(p.RampUp); err != nil {
				return errf("ramp_up", "%v", err)
			}
		}
	case PatternStepping:
		if len(p.Steps) == 0 {
			return errf("steps", "stepping pattern requires at least one step")
		}
		for i, st := range p.Steps {
			if st.Users < 0 {
				return errf("steps", "step %d: users must be >= 0", i)
			}
			if st.Duration == "" {
				return errf("steps", "step %d: duration is required", i)
			}
			if _, err := clock.Parse(st.Duration); err != nil {
				return errf("steps", "step %d: %v", i, err)
			}
		}
	case PatternArrivals:
		if p.Rate <= 0 {
			return errf("rate", "arrivals pattern requires rate > 0")
		}
		if p.Duration == "" {
			return errf("duration", "arrivals pattern requires a duration")
		}
	default:
		return errf("pattern", "unknown load pattern %q", p.Pattern)
	}

	if p.Duration != "" {
		if _, err := clock.Parse(p.Duration); err != nil {
			return errf("duration", "%v", err)
		}
	}
	return nil
}

// Validate checks one scenario.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return errf("name", "scenario name is required")
	}
	if len(s.Steps) == 0 {
		return errf("steps", "scenario has no steps")
	}
	if s.Loop != nil {
		if err := s.Loop.Validate(); err != nil {
			return err
		}
	}
	if s.CSVData != nil {
		if err := s.CSVData.Validate(); err != nil {
			return err
		}
	}
	for i, st := range s.Steps {
		if err := st.Validate(); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, st.Name, err)
		}
	}
	return nil
}

// Validate checks a loop configuration.
func (l *LoopConfig) Validate() error {
	switch l.Mode {
	case "", "while", "until":
	default:
		return errf("loop.mode", "must be \"while\" or \"until\", got %q", l.Mode)
	}
	if l.Mode != "" && l.Condition == "" {
		return errf("loop.condition", "required when loop.mode is set")
	}
	if l.Duration != "" {
		if _, err := clock.Parse(l.Duration); err != nil {
			return errf("loop.duration", "%v", err)
		}
	}
	if l.Count < 0 {
		return errf("loop.count", "must be >= 0")
	}
	return nil
}

// Validate checks a single step.
func (s *Step) Validate() error {
	switch s.Type {
	case StepRest:
		if s.Rest == nil {
			return errf("rest", "rest step is missing its payload")
		}
		if s.Rest.URL == "" {
			return errf("rest.url", "url is required")
		}
		if s.Rest.Method == "" {
			return errf("rest.method", "method is required")
		}
	case StepSoap:
		if s.Soap == nil || s.Soap.Endpoint == "" {
			return errf("soap.endpoint", "endpoint is required")
		}
	case StepWeb:
		if s.Web == nil || s.Web.Command == "" {
			return errf("web.command", "command is required")
		}
	case StepCustom:
		if s.Custom == nil || s.Custom.Action == "" {
			return errf("custom.action", "action is required")
		}
	case StepWait:
		if s.Wait == nil || s.Wait.Duration == "" {
			return errf("wait.duration", "duration is required")
		}
		if _, err := clock.Parse(s.Wait.Duration); err != nil {
			return errf("wait.duration", "%v", err)
		}
	case StepScript:
		if s.Script == nil || s.Script.Name == "" {
			return errf("script.name", "script name is required")
		}
	case StepRendezvous:
		if s.Rendezvous == nil || s.Rendezvous.Name == "" {
			return errf("rendezvous.name", "barrier name is required")
		}
		if s.Rendezvous.Count <= 0 {
			return errf("rendezvous.count", "count must be > 0")
		}
		switch s.Rendezvous.Policy {
		case "", "all", "first_n", "partial":
		default:
			return errf("rendezvous.policy", "unknown policy %q", s.Rendezvous.Policy)
		}
	default:
		return errf("type", "unknown step type %q", s.Type)
	}

	for i, t := range s.Thresholds {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("threshold %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks a threshold rule.
func (t *Threshold) Validate() error {
	switch t.Operator {
	case ">", "<", ">=", "<=", "==", "!=":
	default:
		return errf("threshold.operator", "unknown operator %q", t.Operator)
	}
	switch t.Action {
	case "", "log", "fail_step", "fail_scenario", "fail_test", "abort":
	default:
		return errf("threshold.action", "unknown action %q", t.Action)
	}
	return nil
}

// Validate checks a data source configuration.
func (d *DataConfig) Validate() error {
	if d.File == "" {
		return errf("csv_data.file", "file is required")
	}
	switch d.Scope {
	case "", "local", "global", "unique":
	default:
		return errf("csv_data.scope", "unknown scope %q", d.Scope)
	}
	switch d.Order {
	case "", "sequential", "random", "any":
	default:
		return errf("csv_data.order", "unknown order %q", d.Order)
	}
	switch d.OnExhausted {
	case "", "cycle", "stop_vu", "stop_test", "no_value":
	default:
		return errf("csv_data.on_exhausted", "unknown policy %q", d.OnExhausted)
	}
	switch d.ChangePolicy {
	case "", "each_use", "each_iteration", "each_vu":
	default:
		return errf("csv_data.change_policy", "unknown policy %q", d.ChangePolicy)
	}
	return nil
}

// Validate checks an output sink configuration.
func (o *OutputConfig) Validate() error {
	switch o.Type {
	case "jsonl", "csv", "snapshot", "timeseries":
		if o.Path == "" {
			return errf("output.path", "path is required for %s output", o.Type)
		}
	case "webhook", "influxdb", "websocket":
		if o.URL == "" {
			return errf("output.url", "url is required for %s output", o.Type)
		}
	case "graphite":
		if o.Host == "" {
			return errf("output.host", "host is required for graphite output")
		}
	default:
		return errf("output.type", "unknown output type %q", o.Type)
	}
	return nil
}

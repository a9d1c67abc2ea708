// Package config defines the declarative test configuration model and
// its YAML/JSON loading and validation.
package config

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Step types. A step is a tagged variant: the Type field selects which
// of the per-variant payloads below is meaningful.
const (
	StepRest       = "rest"
	StepSoap       = "soap"
	StepWeb        = "web"
	StepCustom     = "custom"
	StepWait       = "wait"
	StepScript     = "script"
	StepRendezvous = "rendezvous"
)

// Load pattern names.
const (
	PatternBasic    = "basic"
	PatternStepping = "stepping"
	PatternArrivals = "arrivals"
)

// TestConfig is the root configuration for a load test.
//
// Example YAML:
//
//	name: "checkout"
//	load:
//	  pattern: basic
//	  virtual_users: 10
//	  duration: 2m
//	scenarios:
//	  - name: browse
//	    steps:
//	      - type: rest
//	        name: "Get catalog"
//	        rest: { method: GET, url: "{{base_url}}/catalog" }
type TestConfig struct {
	Name string `json:"name" yaml:"name"`

	// Load is one phase or a list of phases executed sequentially.
	Load LoadSpec `json:"load" yaml:"load"`

	Scenarios []*Scenario `json:"scenarios" yaml:"scenarios"`

	Global GlobalConfig `json:"global,omitempty" yaml:"global,omitempty"`

	// Outputs configures result sinks (files and realtime endpoints).
	Outputs []OutputConfig `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// Hooks invoked around VU lifecycle boundaries.
	Hooks *TestHooks `json:"hooks,omitempty" yaml:"hooks,omitempty"`

	Report *ReportConfig `json:"report,omitempty" yaml:"report,omitempty"`
}

// GlobalConfig carries settings inherited by every scenario and step.
type GlobalConfig struct {
	BaseURL   string            `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	ThinkTime string            `json:"think_time,omitempty" yaml:"think_time,omitempty"`
	Timeout   string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	DataFile  string            `json:"data_file,omitempty" yaml:"data_file,omitempty"`
	Browser   string            `json:"browser,omitempty" yaml:"browser,omitempty"`
	Debug     bool              `json:"debug,omitempty" yaml:"debug,omitempty"`

	// FakerLocale and FakerSeed configure template faker expansion.
	FakerLocale string `json:"faker_locale,omitempty" yaml:"faker_locale,omitempty"`
	FakerSeed   uint64 `json:"faker_seed,omitempty" yaml:"faker_seed,omitempty"`
}

// LoadSpec is either a single LoadPhase or a list of phases. Phases run
// sequentially and produce disjoint VU id ranges.
type LoadSpec struct {
	Phases []*LoadPhase
}

// UnmarshalYAML accepts both a mapping (single phase) and a sequence.
func (l *LoadSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		var p LoadPhase
		if err := node.Decode(&p); err != nil {
			return err
		}
		l.Phases = []*LoadPhase{&p}
		return nil
	case yaml.SequenceNode:
		return node.Decode(&l.Phases)
	default:
		return fmt.Errorf("load must be a phase or a list of phases")
	}
}

// UnmarshalJSON mirrors UnmarshalYAML for JSON configs.
func (l *LoadSpec) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, &l.Phases)
	}
	var p LoadPhase
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	l.Phases = []*LoadPhase{&p}
	return nil
}

// MarshalYAML renders a single phase as a mapping and several as a list.
func (l LoadSpec) MarshalYAML() (interface{}, error) {
	if len(l.Phases) == 1 {
		return l.Phases[0], nil
	}
	return l.Phases, nil
}

// MarshalJSON mirrors MarshalYAML.
func (l LoadSpec) MarshalJSON() ([]byte, error) {
	if len(l.Phases) == 1 {
		return json.Marshal(l.Phases[0])
	}
	return json.Marshal(l.Phases)
}

// LoadPhase configures one load pattern execution.
type LoadPhase struct {
	// Pattern is one of basic, stepping, arrivals.
	Pattern string `json:"pattern" yaml:"pattern"`

	// VirtualUsers is the VU population for the basic pattern.
	// The "vus" alias is accepted on input.
	VirtualUsers int `json:"virtual_users,omitempty" yaml:"virtual_users,omitempty"`
	VUsAlias     int `json:"vus,omitempty" yaml:"vus,omitempty"`

	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
	RampUp   string `json:"ramp_up,omitempty" yaml:"ramp_up,omitempty"`

	// Arrivals pattern: target rate in users/second, time to ramp the
	// rate up from zero, and the lifetime of each arriving VU.
	Rate       float64 `json:"rate,omitempty" yaml:"rate,omitempty"`
	VUDuration string  `json:"vu_duration,omitempty" yaml:"vu_duration,omitempty"`
	MaxVUs     int     `json:"max_vus,omitempty" yaml:"max_vus,omitempty"`

	// Steps for the stepping pattern.
	Steps []LoadStep `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// LoadStep is one plateau of the stepping pattern.
type LoadStep struct {
	Users    int    `json:"users" yaml:"users"`
	Duration string `json:"duration" yaml:"duration"`
	RampUp   string `json:"ramp_up,omitempty" yaml:"ramp_up,omitempty"`
}

// VUs returns the configured VU count honouring the "vus" alias.
func (p *LoadPhase) VUs() int {
	if p.VirtualUsers > 0 {
		return p.VirtualUsers
	}
	return p.VUsAlias
}

// Scenario is a named, ordered sequence of steps executed by a VU.
type Scenario struct {
	Name   string `json:"name" yaml:"name"`
	Weight int    `json:"weight,omitempty" yaml:"weight,omitempty"`

	Loop *LoopConfig `json:"loop,omitempty" yaml:"loop,omitempty"`

	Variables map[string]interface{} `json:"variables,omitempty" yaml:"variables,omitempty"`

	// CSVData binds a shared tabular data source to this scenario.
	CSVData *DataConfig `json:"csv_data,omitempty" yaml:"csv_data,omitempty"`

	ThinkTime string `json:"think_time,omitempty" yaml:"think_time,omitempty"`

	Hooks *ScenarioHooks `json:"hooks,omitempty" yaml:"hooks,omitempty"`

	Steps []*Step `json:"steps" yaml:"steps"`
}

// EffectiveWeight returns the scenario weight, defaulting to 100.
func (s *Scenario) EffectiveWeight() int {
	if s.Weight <= 0 {
		return 100
	}
	return s.Weight
}

// LoopConfig controls scenario repetition within a VU.
//
// Exactly one of Count, Duration or Mode+Condition drives termination.
// Mode "while" continues while the condition is true before each
// iteration; mode "until" continues until it becomes true.
type LoopConfig struct {
	Count        int    `json:"count,omitempty" yaml:"count,omitempty"`
	Duration     string `json:"duration,omitempty" yaml:"duration,omitempty"`
	Mode         string `json:"mode,omitempty" yaml:"mode,omitempty"` // while | until
	Condition    string `json:"condition,omitempty" yaml:"condition,omitempty"`
	BreakOnError bool   `json:"break_on_error,omitempty" yaml:"break_on_error,omitempty"`
	MaxErrors    int    `json:"max_errors,omitempty" yaml:"max_errors,omitempty"`
}

// Step is one declarative action. Common header fields apply to every
// variant; exactly one variant payload should be populated.
type Step struct {
	Type string `json:"type" yaml:"type"`
	Name string `json:"name" yaml:"name"`

	// Condition is an expression over the VU context; when it
	// evaluates to false the step is skipped.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	Hooks *StepHooks `json:"hooks,omitempty" yaml:"hooks,omitempty"`

	Retry *RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`

	Thresholds []Threshold `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	ThinkTime string `json:"think_time,omitempty" yaml:"think_time,omitempty"`

	Checks  []Check   `json:"checks,omitempty" yaml:"checks,omitempty"`
	Extract []Extract `json:"extract,omitempty" yaml:"extract,omitempty"`

	// ContinueOnError keeps the VU going after a failed step. Defaults
	// to true; hook failures only fail the step when explicitly false.
	ContinueOnError *bool `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`

	// Variant payloads.
	Rest       *RestStep       `json:"rest,omitempty" yaml:"rest,omitempty"`
	Soap       *SoapStep       `json:"soap,omitempty" yaml:"soap,omitempty"`
	Web        *WebStep        `json:"web,omitempty" yaml:"web,omitempty"`
	Custom     *CustomStep     `json:"custom,omitempty" yaml:"custom,omitempty"`
	Wait       *WaitStep       `json:"wait,omitempty" yaml:"wait,omitempty"`
	Script     *ScriptStep     `json:"script,omitempty" yaml:"script,omitempty"`
	Rendezvous *RendezvousStep `json:"rendezvous,omitempty" yaml:"rendezvous,omitempty"`
}

// ContinuesOnError reports the effective continue_on_error policy.
func (s *Step) ContinuesOnError() bool {
	if s.ContinueOnError == nil {
		return true
	}
	return *s.ContinueOnError
}

// RestStep is an HTTP request.
type RestStep struct {
	Method  string            `json:"method" yaml:"method"`
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`

	// JSON is an inline JSON payload; JSONFile loads the payload from
	// a file and Overrides patches it with templated dot-path values
	// before the request is built.
	JSON      map[string]interface{} `json:"json,omitempty" yaml:"json,omitempty"`
	JSONFile  string                 `json:"jsonFile,omitempty" yaml:"jsonFile,omitempty"`
	Overrides map[string]interface{} `json:"overrides,omitempty" yaml:"overrides,omitempty"`

	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// SoapStep is a SOAP call executed through an external protocol handler.
type SoapStep struct {
	Endpoint   string            `json:"endpoint" yaml:"endpoint"`
	Action     string            `json:"action,omitempty" yaml:"action,omitempty"`
	Envelope   string            `json:"envelope,omitempty" yaml:"envelope,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout    string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	SOAPAction string            `json:"soap_action,omitempty" yaml:"soap_action,omitempty"`
}

// WebStep is a browser command executed through an opaque protocol
// handler. Only verification and wait-for commands produce recorded
// results.
type WebStep struct {
	Command  string                 `json:"command" yaml:"command"`
	Selector string                 `json:"selector,omitempty" yaml:"selector,omitempty"`
	Value    string                 `json:"value,omitempty" yaml:"value,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty" yaml:"options,omitempty"`
}

// CustomStep invokes a registered custom action.
type CustomStep struct {
	Action string                 `json:"action" yaml:"action"`
	Args   map[string]interface{} `json:"args,omitempty" yaml:"args,omitempty"`
}

// WaitStep pauses the VU for a fixed duration.
type WaitStep struct {
	Duration string `json:"duration" yaml:"duration"`
}

// ScriptStep invokes a registered script by name.
type ScriptStep struct {
	Name    string                 `json:"name" yaml:"name"`
	Args    map[string]interface{} `json:"args,omitempty" yaml:"args,omitempty"`
	Timeout string                 `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// RendezvousStep blocks the VU at a named barrier.
type RendezvousStep struct {
	Name    string `json:"name" yaml:"name"`
	Count   int    `json:"count" yaml:"count"`
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Policy  string `json:"policy,omitempty" yaml:"policy,omitempty"` // all | first_n | partial
}

// Check is an assertion over a step result.
type Check struct {
	// Type is one of status, response_time, json_path, text_contains,
	// custom.
	Type string `json:"type" yaml:"type"`

	// Expression carries the JSONPath, the expected text, or the
	// custom expression depending on Type.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// Value is the expected value. response_time additionally accepts
	// "<Nms" / ">Nms" shorthand strings.
	Value interface{} `json:"value,omitempty" yaml:"value,omitempty"`

	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Extract pulls a value out of a step result into extracted_data.
type Extract struct {
	Name string `json:"name" yaml:"name"`

	// Type is one of json_path, regex, header, custom.
	Type string `json:"type" yaml:"type"`

	Expression string `json:"expression" yaml:"expression"`

	// Default is used when the expression does not match.
	Default interface{} `json:"default,omitempty" yaml:"default,omitempty"`
}

// Threshold evaluates a metric after a step and reacts per Action.
type Threshold struct {
	Metric   string  `json:"metric" yaml:"metric"`     // response_time | error_rate | ...
	Operator string  `json:"operator" yaml:"operator"` // > < >= <= == !=
	Value    float64 `json:"value" yaml:"value"`

	// Action is one of log, fail_step, fail_scenario, fail_test, abort.
	Action string `json:"action,omitempty" yaml:"action,omitempty"`
}

// RetryConfig re-runs a failed step.
type RetryConfig struct {
	Attempts int    `json:"attempts" yaml:"attempts"`
	Delay    string `json:"delay,omitempty" yaml:"delay,omitempty"`
}

// Hook script names per boundary.
type (
	// TestHooks run around VU lifecycle boundaries.
	TestHooks struct {
		BeforeVU   string `json:"before_vu,omitempty" yaml:"before_vu,omitempty"`
		TeardownVU string `json:"teardown_vu,omitempty" yaml:"teardown_vu,omitempty"`
	}

	// ScenarioHooks run around scenario and loop boundaries.
	ScenarioHooks struct {
		BeforeScenario   string `json:"before_scenario,omitempty" yaml:"before_scenario,omitempty"`
		TeardownScenario string `json:"teardown_scenario,omitempty" yaml:"teardown_scenario,omitempty"`
		BeforeLoop       string `json:"before_loop,omitempty" yaml:"before_loop,omitempty"`
		AfterLoop        string `json:"after_loop,omitempty" yaml:"after_loop,omitempty"`
	}

	// StepHooks run around a single step.
	StepHooks struct {
		BeforeStep   string `json:"before_step,omitempty" yaml:"before_step,omitempty"`
		OnStepError  string `json:"on_step_error,omitempty" yaml:"on_step_error,omitempty"`
		TeardownStep string `json:"teardown_step,omitempty" yaml:"teardown_step,omitempty"`
	}
)

// DataConfig configures a shared tabular data source.
type DataConfig struct {
	File      string `json:"file" yaml:"file"`
	Delimiter string `json:"delimiter,omitempty" yaml:"delimiter,omitempty"`
	Encoding  string `json:"encoding,omitempty" yaml:"encoding,omitempty"`

	// Header reports whether the first row carries column names.
	// Defaults to true.
	Header *bool `json:"header,omitempty" yaml:"header,omitempty"`

	// Columns filters which columns are dispensed; Rename maps column
	// names to variable names on dispense.
	Columns []string          `json:"columns,omitempty" yaml:"columns,omitempty"`
	Rename  map[string]string `json:"rename,omitempty" yaml:"rename,omitempty"`

	// Filter is a row filter of the form "col OP value" with
	// OP in =, !=, >, <, >=, <=.
	Filter string `json:"filter,omitempty" yaml:"filter,omitempty"`

	Shuffle bool `json:"shuffle,omitempty" yaml:"shuffle,omitempty"`

	// Scope: local | global | unique. Order: sequential | random | any.
	// OnExhausted: cycle | stop_vu | stop_test | no_value.
	// ChangePolicy: each_use | each_iteration | each_vu.
	Scope        string `json:"scope,omitempty" yaml:"scope,omitempty"`
	Order        string `json:"order,omitempty" yaml:"order,omitempty"`
	OnExhausted  string `json:"on_exhausted,omitempty" yaml:"on_exhausted,omitempty"`
	ChangePolicy string `json:"change_policy,omitempty" yaml:"change_policy,omitempty"`
}

// HasHeader reports whether the data file's first row is a header.
func (d *DataConfig) HasHeader() bool {
	if d.Header == nil {
		return true
	}
	return *d.Header
}

// OutputConfig configures one result sink.
type OutputConfig struct {
	// Type: jsonl | csv | snapshot | graphite | webhook | influxdb |
	// websocket | timeseries.
	Type string `json:"type" yaml:"type"`

	// Path for file sinks.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// URL for webhook, influxdb and websocket sinks.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Host/Port for graphite.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`

	// Prefix for graphite metric names; Database for influxdb.
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Database string `json:"database,omitempty" yaml:"database,omitempty"`

	BatchSize  int `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	IntervalMs int `json:"interval_ms,omitempty" yaml:"interval_ms,omitempty"`
}

// ReportConfig controls end-of-run report generation.
type ReportConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Normalize resolves aliases and applies defaults in place. It is
// called by Load and must be called on configurations constructed
// programmatically before use.
func (c *TestConfig) Normalize() {
	for _, p := range c.Load.Phases {
		if p.VirtualUsers == 0 && p.VUsAlias > 0 {
			p.VirtualUsers = p.VUsAlias
		}
		if p.Pattern == "" {
			p.Pattern = PatternBasic
		}
	}
	for _, sc := range c.Scenarios {
		if sc.Weight == 0 {
			sc.Weight = 100
		}
		for _, st := range sc.Steps {
			if st.Type == "" {
				st.Type = inferStepType(st)
			}
		}
	}
}

// inferStepType guesses the variant from the populated payload so that
// terse configs can omit the type tag.
func inferStepType(s *Step) string {
	switch {
	case s.Rest != nil:
		return StepRest
	case s.Soap != nil:
		return StepSoap
	case s.Web != nil:
		return StepWeb
	case s.Custom != nil:
		return StepCustom
	case s.Wait != nil:
		return StepWait
	case s.Script != nil:
		return StepScript
	case s.Rendezvous != nil:
		return StepRendezvous
	default:
		return StepRest
	}
}

package model

import (
	"fmt"
	"strings"
	"time"
)

// VUContext is the per-VU mutable record. It is created when the VU
// starts, mutated only from that VU's own goroutine and discarded when
// the VU completes, so no locking is needed.
type VUContext struct {
	VUID      int
	Iteration int

	Variables     map[string]interface{}
	ExtractedData map[string]interface{}

	// CSVRow is the data-provider row currently bound to this VU, or
	// nil when no data source is configured.
	CSVRow map[string]interface{}

	// Timings of interest to hooks and conditions.
	StartTime     time.Time
	IterationTime time.Time
}

// NewVUContext creates a context for a starting VU, seeded with the
// scenario/global variables.
func NewVUContext(vuID int, variables map[string]interface{}) *VUContext {
	vars := make(map[string]interface{}, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	return &VUContext{
		VUID:          vuID,
		Variables:     vars,
		ExtractedData: make(map[string]interface{}),
		StartTime:     time.Now(),
	}
}

// TemplateVars flattens the context into the lookup table the template
// processor consumes: plain variables, the __VU/__ITER specials, the
// variables.* and extracted_data.* prefixed forms, and the CSV row
// columns as bare names.
func (c *VUContext) TemplateVars() map[string]interface{} {
	vars := make(map[string]interface{}, len(c.Variables)+len(c.ExtractedData)+len(c.CSVRow)+2)

	for k, v := range c.Variables {
		vars[k] = v
		vars["variables."+k] = v
	}
	for k, v := range c.ExtractedData {
		vars[k] = v
		vars["extracted_data."+k] = v
	}
	for k, v := range c.CSVRow {
		vars[k] = v
	}
	vars["__VU"] = c.VUID
	vars["__ITER"] = c.Iteration
	return vars
}

// ExprEnv builds the environment for condition and loop expressions.
func (c *VUContext) ExprEnv() map[string]interface{} {
	return map[string]interface{}{
		"vu_id":          c.VUID,
		"iteration":      c.Iteration,
		"variables":      c.Variables,
		"extracted_data": c.ExtractedData,
		"csv_data":       c.CSVRow,
	}
}

// ThreadName renders the JMeter-style thread name for a step:
// "{iter}. {step} {vu}-{iter}".
func (c *VUContext) ThreadName(stepName string) string {
	name := strings.TrimSpace(stepName)
	return fmt.Sprintf("%d. %s %d-%d", c.Iteration, name, c.VUID, c.Iteration)
}

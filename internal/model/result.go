// Package model holds the runtime data types shared between the
// engine, the metrics pipeline and the wire protocol: per-step results
// and the per-VU mutable context.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Result is one immutable observation, emitted exactly once per
// executed step (including skipped and failed steps). The JSON field
// names are the wire and file format.
type Result struct {
	ID         string `json:"id"`
	VUID       int    `json:"vu_id"`
	Iteration  int    `json:"iteration"`
	Scenario   string `json:"scenario"`
	Action     string `json:"action"`
	StepName   string `json:"step_name"`
	ThreadName string `json:"thread_name"`

	// Timestamp is wall time in milliseconds at step start.
	Timestamp int64 `json:"timestamp"`

	// Duration covers the whole step; ResponseTime only the protocol
	// round trip. Both in milliseconds.
	Duration     int64 `json:"duration"`
	ResponseTime int64 `json:"response_time"`

	Success    bool   `json:"success"`
	Status     int    `json:"status"`
	StatusText string `json:"status_text,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`

	RequestURL     string            `json:"request_url,omitempty"`
	RequestMethod  string            `json:"request_method,omitempty"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	RequestBody    string            `json:"request_body,omitempty"`

	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	ResponseSize    int64             `json:"response_size"`

	// Network timing breakdown, milliseconds.
	ConnectTime int64 `json:"connect_time,omitempty"`
	Latency     int64 `json:"latency,omitempty"`

	SentBytes           int64 `json:"sent_bytes,omitempty"`
	HeadersSizeSent     int64 `json:"headers_size_sent,omitempty"`
	BodySizeSent        int64 `json:"body_size_sent,omitempty"`
	HeadersSizeReceived int64 `json:"headers_size_received,omitempty"`
	BodySizeReceived    int64 `json:"body_size_received,omitempty"`

	DataType      string             `json:"data_type,omitempty"`
	CustomMetrics map[string]float64 `json:"custom_metrics,omitempty"`

	// ShouldRecord gates storage; failed steps are always recorded.
	ShouldRecord bool `json:"-"`
}

// NewResult creates a result stamped with a fresh id and the current
// time. Callers fill in the observation fields afterwards.
func NewResult(vuID, iteration int, scenario, stepName string) *Result {
	return &Result{
		ID:           uuid.NewString(),
		VUID:         vuID,
		Iteration:    iteration,
		Scenario:     scenario,
		StepName:     stepName,
		Timestamp:    time.Now().UnixMilli(),
		ShouldRecord: true,
	}
}

// SetError marks the result failed with the given message. Failed
// results are always recorded regardless of step type.
func (r *Result) SetError(code, msg string) {
	r.Success = false
	r.ErrorCode = code
	r.Error = msg
	r.ShouldRecord = true
}

// AddCustomMetric attaches a named numeric observation.
func (r *Result) AddCustomMetric(name string, value float64) {
	if r.CustomMetrics == nil {
		r.CustomMetrics = make(map[string]float64)
	}
	r.CustomMetrics[name] = value
}

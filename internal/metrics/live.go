package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Live maintains the low-cost real-time view used while a test is
// running: worker /status responses and console progress. Latencies go
// into an HDR histogram (1 ms to 1 h, 3 significant figures) so
// reading a percentile never touches the full result log.
type Live struct {
	hist   *hdrhistogram.Histogram
	histMu sync.Mutex

	total  atomic.Int64
	failed atomic.Int64

	activeVUs atomic.Int32
	started   time.Time
}

// NewLive creates a live view anchored at now.
func NewLive() *Live {
	return &Live{
		hist:    hdrhistogram.New(1, int64(time.Hour/time.Millisecond), 3),
		started: time.Now(),
	}
}

// Observe records one step outcome.
func (l *Live) Observe(durationMs int64, success bool) {
	if durationMs < 1 {
		durationMs = 1
	}
	l.histMu.Lock()
	// Out-of-range values are clamped by the histogram config.
	_ = l.hist.RecordValue(min64(durationMs, int64(time.Hour/time.Millisecond)))
	l.histMu.Unlock()

	l.total.Add(1)
	if !success {
		l.failed.Add(1)
	}
}

// SetActiveVUs publishes the current VU count.
func (l *Live) SetActiveVUs(n int) { l.activeVUs.Store(int32(n)) }

// AddActiveVUs adjusts the current VU count by delta.
func (l *Live) AddActiveVUs(delta int) { l.activeVUs.Add(int32(delta)) }

// Status is the live view snapshot exposed by the worker protocol.
type Status struct {
	VirtualUsers int     `json:"virtualUsers"`
	RPS          float64 `json:"rps"`
	ResponseTime float64 `json:"responseTime"` // p95, milliseconds
	ErrorRate    float64 `json:"errorRate"`
}

// Snapshot computes the current status.
func (l *Live) Snapshot() Status {
	total := l.total.Load()
	failed := l.failed.Load()

	elapsed := time.Since(l.started).Seconds()
	rps := 0.0
	if elapsed > 0 {
		rps = float64(total) / elapsed
	}
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(failed) / float64(total)
	}

	l.histMu.Lock()
	p95 := float64(l.hist.ValueAtQuantile(95))
	l.histMu.Unlock()

	return Status{
		VirtualUsers: int(l.activeVUs.Load()),
		RPS:          rps,
		ResponseTime: p95,
		ErrorRate:    errorRate,
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

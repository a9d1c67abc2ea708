package metrics

import (
	"fmt"
	"sync"

	"github.com/loadgrid/loadgrid/internal/model"
)

// Collector ties the metrics pieces together behind one Record call.
// It is the single entry point the engine uses; recording is atomic in
// the sense that a summary taken at any instant reflects a prefix of
// each VU's result sequence.
type Collector struct {
	Overall *Stats
	Store   *ResultStore
	Errors  *ErrorTracker
	Live    *Live

	mu      sync.Mutex
	perStep map[string]*Stats
	bytes   int64
}

// NewCollector creates a collector with default components.
func NewCollector() *Collector {
	return &Collector{
		Overall: NewStats(),
		Store:   NewResultStore(),
		Errors:  NewErrorTracker(),
		Live:    NewLive(),
		perStep: make(map[string]*Stats),
	}
}

// Record ingests one result.
func (c *Collector) Record(r *model.Result) {
	if !r.ShouldRecord {
		return
	}

	d := float64(r.Duration)
	c.Overall.Record(d, r.Success)
	c.Live.Observe(r.Duration, r.Success)
	c.Errors.Track(r)
	c.Store.Store(r)

	c.mu.Lock()
	key := stepKey(r.Scenario, r.StepName)
	st, ok := c.perStep[key]
	if !ok {
		st = NewStats()
		c.perStep[key] = st
	}
	c.bytes += r.ResponseSize
	c.mu.Unlock()

	st.Record(d, r.Success)
}

// StepStats returns the per-step statistics keyed "scenario/step".
func (c *Collector) StepStats() map[string]*Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*Stats, len(c.perStep))
	for k, v := range c.perStep {
		out[k] = v
	}
	return out
}

// TotalBytes returns the accumulated response bytes.
func (c *Collector) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func stepKey(scenario, step string) string {
	return fmt.Sprintf("%s/%s", scenario, step)
}

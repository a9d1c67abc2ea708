package metrics

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// DefaultBucketWidth is the timeline bucket width.
const DefaultBucketWidth = 5 * time.Second

// Summary is the aggregate view of one test run (or of one worker's
// share in a distributed run).
type Summary struct {
	TestName  string    `json:"test_name"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	TotalRequests int64   `json:"total_requests"`
	SuccessCount  int64   `json:"success_count"`
	FailCount     int64   `json:"fail_count"`
	SuccessRate   float64 `json:"success_rate"` // percent

	RPS            float64 `json:"rps"`
	BytesPerSecond float64 `json:"bytes_per_second"`
	TotalBytes     int64   `json:"total_bytes"`

	MinResponseTime float64 `json:"min_response_time"`
	MaxResponseTime float64 `json:"max_response_time"`
	AvgResponseTime float64 `json:"avg_response_time"`

	// Percentiles maps "p50", "p90", ... to milliseconds.
	Percentiles map[string]float64 `json:"percentiles"`

	// Steps is keyed "scenario/step".
	Steps map[string]StepSummary `json:"steps,omitempty"`

	Errors []ErrorEntry `json:"errors,omitempty"`

	// VURampUp lists every VU start with its pattern tag.
	VURampUp []VUStart `json:"vu_ramp_up,omitempty"`

	Timeline []TimelineBucket `json:"timeline,omitempty"`

	// Workers maps worker address to that worker's share of a
	// distributed run. Empty on single-node runs.
	Workers map[string]*Summary `json:"workers,omitempty"`

	// ResultsDropped is set when the bounded store overflowed; the
	// counters above remain exact, only the detail log is partial.
	ResultsDropped bool `json:"results_dropped,omitempty"`
}

// StepSummary is per-step aggregate statistics.
type StepSummary struct {
	Count   int64   `json:"count"`
	Success int64   `json:"success"`
	Fail    int64   `json:"fail"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Avg     float64 `json:"avg"`
	P95     float64 `json:"p95"`
}

// TimelineBucket aggregates one fixed-width interval.
type TimelineBucket struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	Count  int64 `json:"count"`
	Errors int64 `json:"errors"`

	AvgResponseTime float64 `json:"avg_response_time"`
	P95ResponseTime float64 `json:"p95_response_time"`

	// Throughput is requests per second within the bucket.
	Throughput float64 `json:"throughput"`

	ActiveVUs int `json:"active_vus"`

	Bytes        int64         `json:"bytes"`
	StatusCounts map[int]int64 `json:"status_counts,omitempty"`
}

// BuildSummary composes the summary from the collector's state.
func BuildSummary(name string, c *Collector, start, end time.Time, percentiles []float64) *Summary {
	if len(percentiles) == 0 {
		percentiles = DefaultPercentiles
	}

	counts := c.Overall.Snapshot()
	elapsed := end.Sub(start).Seconds()

	s := &Summary{
		TestName:        name,
		StartTime:       start,
		EndTime:         end,
		TotalRequests:   counts.Total,
		SuccessCount:    counts.Success,
		FailCount:       counts.Fail,
		MinResponseTime: counts.Min,
		MaxResponseTime: counts.Max,
		AvgResponseTime: counts.Mean,
		TotalBytes:      c.TotalBytes(),
		Percentiles:     make(map[string]float64, len(percentiles)),
		Steps:           make(map[string]StepSummary),
		Errors:          c.Errors.Entries(),
		VURampUp:        c.Store.VUStarts(),
		ResultsDropped:  c.Store.Dropped(),
	}

	if counts.Total > 0 {
		s.SuccessRate = float64(counts.Success) / float64(counts.Total) * 100
	}
	if elapsed > 0 {
		s.RPS = float64(counts.Total) / elapsed
		s.BytesPerSecond = float64(s.TotalBytes) / elapsed
	}

	for p, v := range c.Overall.Percentiles(percentiles) {
		s.Percentiles[percentileKey(p)] = v
	}

	for key, st := range c.StepStats() {
		total, success, fail := st.Counts()
		mn, mx := st.MinMax()
		s.Steps[key] = StepSummary{
			Count:   total,
			Success: success,
			Fail:    fail,
			Min:     mn,
			Max:     mx,
			Avg:     st.Mean(),
			P95:     st.Percentile(95),
		}
	}

	s.Timeline = BuildTimeline(c.Store, start, end, DefaultBucketWidth)
	return s
}

// BuildTimeline splits [start, end] into fixed-width buckets and
// aggregates the stored results into them. The active-VU count per
// bucket is the number of VUs started by the bucket's end; for
// patterns that retire VUs the pattern's own accounting refines this
// during the run.
func BuildTimeline(store *ResultStore, start, end time.Time, width time.Duration) []TimelineBucket {
	if width <= 0 {
		width = DefaultBucketWidth
	}
	if !end.After(start) {
		return nil
	}

	results := store.Results()
	n := int(math.Ceil(end.Sub(start).Seconds() / width.Seconds()))
	if n <= 0 {
		n = 1
	}

	buckets := make([]TimelineBucket, n)
	samples := make([][]float64, n)
	for i := range buckets {
		bs := start.Add(time.Duration(i) * width)
		be := bs.Add(width)
		if be.After(end) {
			be = end
		}
		buckets[i] = TimelineBucket{
			Start:        bs,
			End:          be,
			StatusCounts: make(map[int]int64),
			ActiveVUs:    store.ActiveVUsAt(be),
		}
	}

	for _, r := range results {
		idx := int(time.UnixMilli(r.Timestamp).Sub(start) / width)
		if idx < 0 || idx >= n {
			continue
		}
		b := &buckets[idx]
		b.Count++
		if !r.Success {
			b.Errors++
		}
		b.Bytes += r.ResponseSize
		b.StatusCounts[r.Status]++
		samples[idx] = append(samples[idx], float64(r.Duration))
	}

	for i := range buckets {
		b := &buckets[i]
		if len(samples[i]) > 0 {
			var sum float64
			for _, v := range samples[i] {
				sum += v
			}
			b.AvgResponseTime = sum / float64(len(samples[i]))
			sort.Float64s(samples[i])
			b.P95ResponseTime = percentileOf(samples[i], 95)
		}
		secs := b.End.Sub(b.Start).Seconds()
		if secs > 0 {
			b.Throughput = float64(b.Count) / secs
		}
	}
	return buckets
}

func percentileKey(p float64) string {
	if p == math.Trunc(p) {
		return fmt.Sprintf("p%d", int(p))
	}
	return fmt.Sprintf("p%g", p)
}

// Merge combines several summaries into one, as the coordinator does
// with per-worker results. Percentiles cannot be merged exactly and
// are taken as the maximum across workers (a conservative bound).
func Merge(name string, parts []*Summary) *Summary {
	out := &Summary{
		TestName:    name,
		Percentiles: make(map[string]float64),
		Steps:       make(map[string]StepSummary),
	}

	for _, p := range parts {
		if p == nil {
			continue
		}
		if out.StartTime.IsZero() || (!p.StartTime.IsZero() && p.StartTime.Before(out.StartTime)) {
			out.StartTime = p.StartTime
		}
		if p.EndTime.After(out.EndTime) {
			out.EndTime = p.EndTime
		}

		out.TotalRequests += p.TotalRequests
		out.SuccessCount += p.SuccessCount
		out.FailCount += p.FailCount
		out.TotalBytes += p.TotalBytes
		out.RPS += p.RPS
		out.BytesPerSecond += p.BytesPerSecond

		if p.MaxResponseTime > out.MaxResponseTime {
			out.MaxResponseTime = p.MaxResponseTime
		}
		if out.MinResponseTime == 0 || (p.MinResponseTime > 0 && p.MinResponseTime < out.MinResponseTime) {
			out.MinResponseTime = p.MinResponseTime
		}

		for k, v := range p.Percentiles {
			if v > out.Percentiles[k] {
				out.Percentiles[k] = v
			}
		}
		for k, v := range p.Steps {
			agg := out.Steps[k]
			agg.Count += v.Count
			agg.Success += v.Success
			agg.Fail += v.Fail
			if v.Max > agg.Max {
				agg.Max = v.Max
			}
			if agg.Min == 0 || (v.Min > 0 && v.Min < agg.Min) {
				agg.Min = v.Min
			}
			if agg.Count > 0 {
				agg.Avg = (agg.Avg*float64(agg.Count-v.Count) + v.Avg*float64(v.Count)) / float64(agg.Count)
			}
			if v.P95 > agg.P95 {
				agg.P95 = v.P95
			}
			out.Steps[k] = agg
		}

		out.Errors = append(out.Errors, p.Errors...)
		out.VURampUp = append(out.VURampUp, p.VURampUp...)
		out.ResultsDropped = out.ResultsDropped || p.ResultsDropped
	}

	if out.TotalRequests > 0 {
		out.SuccessRate = float64(out.SuccessCount) / float64(out.TotalRequests) * 100
	}

	var weighted float64
	for _, p := range parts {
		if p != nil {
			weighted += p.AvgResponseTime * float64(p.TotalRequests)
		}
	}
	if out.TotalRequests > 0 {
		out.AvgResponseTime = weighted / float64(out.TotalRequests)
	}
	return out
}

package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/loadgrid/loadgrid/internal/model"
)

// ErrorEntry is one deduplicated error with first-seen metadata.
type ErrorEntry struct {
	Scenario  string    `json:"scenario"`
	Action    string    `json:"action"`
	Status    int       `json:"status"`
	Message   string    `json:"message"`
	FirstSeen time.Time `json:"first_seen"`
	FirstVU   int       `json:"first_vu"`
	Count     int64     `json:"count"`
}

// ErrorTracker deduplicates failures by (scenario, action, status,
// message), keeping first-seen metadata and a running count.
type ErrorTracker struct {
	mu      sync.Mutex
	entries map[string]*ErrorEntry
	order   []string // insertion order for stable reporting
}

// NewErrorTracker creates an empty tracker.
func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{entries: make(map[string]*ErrorEntry)}
}

// Track records a failed result. Successful results are ignored.
func (t *ErrorTracker) Track(r *model.Result) {
	if r.Success {
		return
	}
	key := fmt.Sprintf("%s\x00%s\x00%d\x00%s", r.Scenario, r.Action, r.Status, r.Error)

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[key]; ok {
		e.Count++
		return
	}
	t.entries[key] = &ErrorEntry{
		Scenario:  r.Scenario,
		Action:    r.Action,
		Status:    r.Status,
		Message:   r.Error,
		FirstSeen: time.UnixMilli(r.Timestamp),
		FirstVU:   r.VUID,
		Count:     1,
	}
	t.order = append(t.order, key)
}

// Entries returns the deduplicated errors in first-seen order.
func (t *ErrorTracker) Entries() []ErrorEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ErrorEntry, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, *t.entries[key])
	}
	return out
}

// TotalErrors returns the total failure count across all entries.
func (t *ErrorTracker) TotalErrors() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var n int64
	for _, e := range t.entries {
		n += e.Count
	}
	return n
}

// ErrorTypeDistribution counts failures by error code over an
// arbitrary result list.
func ErrorTypeDistribution(results []*model.Result) map[string]int64 {
	out := make(map[string]int64)
	for _, r := range results {
		if r.Success {
			continue
		}
		code := r.ErrorCode
		if code == "" {
			code = "unknown"
		}
		out[code]++
	}
	return out
}

// StatusCodeDistribution counts results by HTTP status over an
// arbitrary result list. Results without a status (status 0) are
// grouped under 0.
func StatusCodeDistribution(results []*model.Result) map[int]int64 {
	out := make(map[int]int64)
	for _, r := range results {
		out[r.Status]++
	}
	return out
}

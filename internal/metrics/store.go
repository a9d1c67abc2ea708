package metrics

import (
	"sync"
	"time"

	"github.com/loadgrid/loadgrid/internal/model"
)

// DefaultStoreCap bounds the in-memory result log.
const DefaultStoreCap = 50000

// VUStart records one VU coming to life, tagged with the load pattern
// that created it. The timeline's active-VU curve is derived from
// these events.
type VUStart struct {
	VUID      int       `json:"vu_id"`
	Pattern   string    `json:"pattern"`
	Timestamp time.Time `json:"timestamp"`
}

// ResultStore is a bounded append-only log of results. When the cap is
// reached further stores are dropped and a flag is raised; the caller
// can surface the loss in the summary.
type ResultStore struct {
	mu      sync.RWMutex
	results []*model.Result
	starts  []VUStart
	cap     int
	dropped bool
}

// NewResultStore creates a store with the default capacity.
func NewResultStore() *ResultStore {
	return NewResultStoreWithCap(DefaultStoreCap)
}

// NewResultStoreWithCap creates a store with a custom capacity.
func NewResultStoreWithCap(capacity int) *ResultStore {
	if capacity <= 0 {
		capacity = DefaultStoreCap
	}
	return &ResultStore{cap: capacity}
}

// Store appends a result. Returns false when the result was dropped
// because the store is full.
func (s *ResultStore) Store(r *model.Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.results) >= s.cap {
		s.dropped = true
		return false
	}
	s.results = append(s.results, r)
	return true
}

// RecordVUStart logs a VU start event.
func (s *ResultStore) RecordVUStart(vuID int, pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, VUStart{
		VUID:      vuID,
		Pattern:   pattern,
		Timestamp: time.Now(),
	})
}

// Results returns a copy of the stored results.
func (s *ResultStore) Results() []*model.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Result, len(s.results))
	copy(out, s.results)
	return out
}

// Len returns the number of stored results.
func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// Dropped reports whether any results were discarded due to the cap.
func (s *ResultStore) Dropped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

// VUStarts returns a copy of the VU start events.
func (s *ResultStore) VUStarts() []VUStart {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]VUStart, len(s.starts))
	copy(out, s.starts)
	return out
}

// Interval returns the results whose timestamp falls in [from, to).
// Both bounds are wall-clock milliseconds.
func (s *ResultStore) Interval(from, to int64) []*model.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Result
	for _, r := range s.results {
		if r.Timestamp >= from && r.Timestamp < to {
			out = append(out, r)
		}
	}
	return out
}

// ActiveVUsAt counts VUs started at or before t. This is an upper
// bound on the active count: VU completion is not tracked per event,
// so the caller pairs this with the pattern's own accounting.
func (s *ResultStore) ActiveVUsAt(t time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, st := range s.starts {
		if !st.Timestamp.After(t) {
			n++
		}
	}
	return n
}

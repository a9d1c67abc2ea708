// Package rendezvous implements named N-party barriers used to
// synchronize virtual users across a test.
package rendezvous

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Release reasons.
const (
	ReasonTargetReached = "target_reached"
	ReasonTimeout       = "timeout"
	ReasonCancelled     = "cancelled"
)

// Policies.
const (
	PolicyAll     = "all"
	PolicyFirstN  = "first_n"
	PolicyPartial = "partial"
)

// Result describes how a wait ended.
type Result struct {
	Released bool
	Reason   string

	// VUCount is the number of VUs released together.
	VUCount int

	// WaitTime is the barrier fill time: from the first registration
	// of this fill to the release. It is therefore at least the
	// longest individual queue wait.
	WaitTime time.Duration
}

// waiter is one parked VU.
type waiter struct {
	vuID    int
	arrived time.Time
	ch      chan *Result
}

// barrier is the state of one named rendezvous point.
type barrier struct {
	waiters    []*waiter // FIFO arrival order
	waiting    map[int]bool
	firstParty time.Time
}

// Registry holds all barriers of a test run.
type Registry struct {
	mu       sync.Mutex
	barriers map[string]*barrier
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{barriers: make(map[string]*barrier)}
}

// Wait registers vuID at the named barrier and blocks until the barrier
// releases it, the timeout expires, or ctx is cancelled. Re-entering a
// barrier the VU is already waiting at is an error.
func (r *Registry) Wait(ctx context.Context, name string, target int, timeout time.Duration, policy string, vuID int) (*Result, error) {
	if target <= 0 {
		return nil, fmt.Errorf("rendezvous %q: target must be > 0", name)
	}
	if policy == "" {
		policy = PolicyAll
	}

	r.mu.Lock()
	b, ok := r.barriers[name]
	if !ok {
		b = &barrier{waiting: make(map[int]bool)}
		r.barriers[name] = b
	}
	if b.waiting[vuID] {
		r.mu.Unlock()
		return nil, fmt.Errorf("rendezvous %q: VU %d is already waiting", name, vuID)
	}

	w := &waiter{vuID: vuID, arrived: time.Now(), ch: make(chan *Result, 1)}
	if len(b.waiters) == 0 {
		b.firstParty = w.arrived
	}
	b.waiters = append(b.waiters, w)
	b.waiting[vuID] = true

	if len(b.waiters) >= target {
		r.releaseLocked(b, target, policy, ReasonTargetReached)
	}
	r.mu.Unlock()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timeoutCh = timer.C
		defer timer.Stop()
	}

	select {
	case res := <-w.ch:
		return res, nil

	case <-timeoutCh:
		r.mu.Lock()
		// The release may have raced the timer; prefer the release.
		select {
		case res := <-w.ch:
			r.mu.Unlock()
			return res, nil
		default:
		}
		r.releaseLocked(b, len(b.waiters), policy, ReasonTimeout)
		r.mu.Unlock()
		return <-w.ch, nil

	case <-ctx.Done():
		r.mu.Lock()
		select {
		case res := <-w.ch:
			r.mu.Unlock()
			return res, nil
		default:
		}
		r.removeLocked(b, w)
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

// releaseLocked releases waiters per policy. Under all and partial the
// whole queue goes; under first_n only the first n in FIFO order are
// released and the rest keep waiting for the next fill or timeout.
// Must hold r.mu.
func (r *Registry) releaseLocked(b *barrier, n int, policy, reason string) {
	count := len(b.waiters)
	if count == 0 {
		return
	}

	release := b.waiters
	if policy == PolicyFirstN && reason == ReasonTargetReached && n < count {
		release = b.waiters[:n]
		b.waiters = append([]*waiter{}, b.waiters[n:]...)
		b.firstParty = b.waiters[0].arrived
	} else {
		b.waiters = nil
	}

	waitTime := time.Since(b.firstParty)
	if len(release) > 0 {
		waitTime = time.Since(release[0].arrived)
	}

	res := &Result{
		Released: true,
		Reason:   reason,
		VUCount:  len(release),
		WaitTime: waitTime,
	}
	for _, w := range release {
		delete(b.waiting, w.vuID)
		w.ch <- res
	}
}

// removeLocked drops a single cancelled waiter. Must hold r.mu.
func (r *Registry) removeLocked(b *barrier, target *waiter) {
	for i, w := range b.waiters {
		if w == target {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			break
		}
	}
	delete(b.waiting, target.vuID)
	if len(b.waiters) > 0 {
		b.firstParty = b.waiters[0].arrived
	}
}

// Waiting returns how many VUs are currently parked at name.
func (r *Registry) Waiting(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.barriers[name]
	if !ok {
		return 0
	}
	return len(b.waiters)
}

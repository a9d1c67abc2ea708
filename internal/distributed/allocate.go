package distributed

import (
	"fmt"
	"sort"
)

// Allocation strategies.
const (
	StrategyEven       = "even"
	StrategyCapacity   = "capacity_based"
	StrategyRoundRobin = "round_robin"
	StrategyGeographic = "geographic"
)

// WorkerSpec describes one worker node in the coordinator's config.
type WorkerSpec struct {
	Address  string `json:"address" yaml:"address"`
	Capacity int    `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
}

// allocate splits total VUs across workers per strategy. The returned
// slice is index-aligned with workers and always sums to total (when
// total >= 0).
func allocate(total int, workers []WorkerSpec, strategy string) ([]int, error) {
	n := len(workers)
	if n == 0 {
		return nil, fmt.Errorf("no workers configured")
	}
	if total < 0 {
		total = 0
	}

	switch strategy {
	case "", StrategyEven, StrategyRoundRobin:
		// Round-robin hands VUs out one at a time, which lands on the
		// same shares as an even split with the remainder up front.
		return evenSplit(total, n), nil

	case StrategyCapacity:
		return capacitySplit(total, workers), nil

	case StrategyGeographic:
		return geographicSplit(total, workers), nil

	default:
		return nil, fmt.Errorf("unknown allocation strategy %q", strategy)
	}
}

func evenSplit(total, n int) []int {
	out := make([]int, n)
	base := total / n
	rem := total % n
	for i := range out {
		out[i] = base
		if i < rem {
			out[i]++
		}
	}
	return out
}

// capacitySplit distributes proportionally to capacity (default 1),
// assigning the rounding remainder to the largest workers first.
func capacitySplit(total int, workers []WorkerSpec) []int {
	n := len(workers)
	caps := make([]int, n)
	sum := 0
	for i, w := range workers {
		c := w.Capacity
		if c <= 0 {
			c = 1
		}
		caps[i] = c
		sum += c
	}

	out := make([]int, n)
	assigned := 0
	for i := range workers {
		out[i] = total * caps[i] / sum
		assigned += out[i]
	}

	// Hand the remainder to the highest-capacity workers.
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return caps[order[a]] > caps[order[b]] })
	for i := 0; assigned < total; i = (i + 1) % n {
		out[order[i]]++
		assigned++
	}
	return out
}

// geographicSplit spreads load evenly across regions first, then
// evenly across the workers within each region.
func geographicSplit(total int, workers []WorkerSpec) []int {
	byRegion := make(map[string][]int)
	var regions []string
	for i, w := range workers {
		if _, ok := byRegion[w.Region]; !ok {
			regions = append(regions, w.Region)
		}
		byRegion[w.Region] = append(byRegion[w.Region], i)
	}

	out := make([]int, len(workers))
	regionShares := evenSplit(total, len(regions))
	for ri, region := range regions {
		members := byRegion[region]
		shares := evenSplit(regionShares[ri], len(members))
		for mi, wi := range members {
			out[wi] = shares[mi]
		}
	}
	return out
}

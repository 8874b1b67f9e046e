package core

import (
	"fmt"
	"sort"
)

// QueueOrdering reorders the wait queue before batch planning.
// Called each step to determine which requests are considered first.
// Implementations sort the slice in-place using sort.SliceStable for
// determinism.
type QueueOrdering interface {
	OrderQueue(requests []*Request, clock int64)
}

// FCFSOrdering preserves First-Come-First-Served order (no-op).
// This is the default.
type FCFSOrdering struct{}

func (f *FCFSOrdering) OrderQueue(_ []*Request, _ int64) {
	// No-op: FIFO order preserved from enqueue order
}

// PriorityFCFSOrdering sorts requests by priority score (descending),
// then by arrival time (ascending), then by ID (ascending) for
// determinism. Scores are recomputed by the engine's PriorityPolicy before
// ordering; with an aging policy this prevents indefinite starvation of
// low-priority requests.
type PriorityFCFSOrdering struct{}

func (p *PriorityFCFSOrdering) OrderQueue(reqs []*Request, _ int64) {
	// Float != comparison is safe here: current policies produce exact
	// arithmetic (constant return or int-derived multiply+add).
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].Priority != reqs[j].Priority {
			return reqs[i].Priority > reqs[j].Priority
		}
		if reqs[i].ArrivalTime != reqs[j].ArrivalTime {
			return reqs[i].ArrivalTime < reqs[j].ArrivalTime
		}
		return reqs[i].ID < reqs[j].ID
	})
}

// SJFOrdering sorts requests by prompt token count (ascending, shortest
// first), then by arrival time, then by ID.
// Warning: SJF can starve long requests under sustained load; prefer
// priority-fcfs with an aging policy when fairness matters.
type SJFOrdering struct{}

func (s *SJFOrdering) OrderQueue(reqs []*Request, _ int64) {
	sort.SliceStable(reqs, func(i, j int) bool {
		li, lj := len(reqs[i].PromptTokens), len(reqs[j].PromptTokens)
		if li != lj {
			return li < lj
		}
		if reqs[i].ArrivalTime != reqs[j].ArrivalTime {
			return reqs[i].ArrivalTime < reqs[j].ArrivalTime
		}
		return reqs[i].ID < reqs[j].ID
	})
}

// validOrderings lists accepted QueueOrdering names for config validation.
var validOrderings = map[string]bool{
	"":              true,
	"fcfs":          true,
	"priority-fcfs": true,
	"sjf":           true,
}

// IsValidOrdering reports whether name names a known queue ordering.
func IsValidOrdering(name string) bool {
	return validOrderings[name]
}

// NewQueueOrdering creates a QueueOrdering by name.
// Empty string defaults to FCFSOrdering (for CLI flag default
// compatibility). Panics on unrecognized names.
func NewQueueOrdering(name string) QueueOrdering {
	if !IsValidOrdering(name) {
		panic(fmt.Sprintf("unknown queue ordering %q", name))
	}
	switch name {
	case "", "fcfs":
		return &FCFSOrdering{}
	case "priority-fcfs":
		return &PriorityFCFSOrdering{}
	case "sjf":
		return &SJFOrdering{}
	default:
		panic(fmt.Sprintf("unhandled queue ordering %q", name))
	}
}

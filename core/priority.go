package core

import "fmt"

// PriorityPolicy computes a priority score for a request.
// Higher scores indicate higher priority (scheduled first by
// priority-aware orderings). Implementations MUST NOT modify the request —
// only the return value is used.
type PriorityPolicy interface {
	Compute(req *Request, clock int64) float64
}

// HintPriority scores a request by its submitter-provided hint alone.
// Under sustained load this can starve low-hint requests indefinitely;
// AgingPriority is the starvation-safe alternative.
type HintPriority struct{}

func (h *HintPriority) Compute(req *Request, _ int64) float64 {
	return req.Hint
}

// AgingPriority scores a request by its hint plus an age bonus, so any
// waiting request eventually outranks fresh high-hint arrivals.
// Formula: Hint + AgeWeight * float64(clock - req.ArrivalTime)
//
// With the default AgeWeight of 1e-6 and a microsecond clock, one second
// of waiting is worth +1.0 priority.
type AgingPriority struct {
	AgeWeight float64
}

func (a *AgingPriority) Compute(req *Request, clock int64) float64 {
	age := float64(clock - req.ArrivalTime)
	return req.Hint + a.AgeWeight*age
}

// validPriorityPolicies lists accepted PriorityPolicy names.
var validPriorityPolicies = map[string]bool{
	"":      true,
	"hint":  true,
	"aging": true,
}

// IsValidPriorityPolicy reports whether name names a known policy.
func IsValidPriorityPolicy(name string) bool {
	return validPriorityPolicies[name]
}

// NewPriorityPolicy creates a PriorityPolicy by name.
// Empty string defaults to HintPriority (for CLI flag default
// compatibility). Panics on unrecognized names.
func NewPriorityPolicy(name string) PriorityPolicy {
	if !IsValidPriorityPolicy(name) {
		panic(fmt.Sprintf("unknown priority policy %q", name))
	}
	switch name {
	case "", "hint":
		return &HintPriority{}
	case "aging":
		return &AgingPriority{AgeWeight: 1e-6}
	default:
		panic(fmt.Sprintf("unhandled priority policy %q", name))
	}
}

package core

import "fmt"

// AdmissionPolicy decides whether a request is accepted at ingress, before
// it enters the intake mailbox. Distinct from batch admission: a request
// rejected here never existed as far as the scheduler is concerned.
type AdmissionPolicy interface {
	Admit(req *Request, clock int64) (admitted bool, reason string)
}

// AlwaysAdmit admits all requests unconditionally.
type AlwaysAdmit struct{}

func (a *AlwaysAdmit) Admit(_ *Request, _ int64) (bool, string) {
	return true, ""
}

// TokenBucket implements rate-limiting admission control: each request
// costs its prompt length in bucket tokens.
type TokenBucket struct {
	capacity      float64
	refillRate    float64 // bucket tokens per second
	currentTokens float64
	lastRefill    int64 // last refill clock time in microseconds
}

// NewTokenBucket creates a TokenBucket with the given capacity and refill
// rate.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:      capacity,
		refillRate:    refillRate,
		currentTokens: capacity,
	}
}

// Admit checks whether the request can be admitted given current token
// availability.
func (tb *TokenBucket) Admit(req *Request, clock int64) (bool, string) {
	elapsed := clock - tb.lastRefill
	if elapsed > 0 {
		refill := float64(elapsed) * tb.refillRate / 1e6
		tb.currentTokens = min(tb.capacity, tb.currentTokens+refill)
		tb.lastRefill = clock
	}
	cost := float64(len(req.PromptTokens))
	if tb.currentTokens >= cost {
		tb.currentTokens -= cost
		return true, ""
	}
	return false, "insufficient tokens"
}

// validAdmissionPolicies lists accepted AdmissionPolicy names.
var validAdmissionPolicies = map[string]bool{
	"":             true,
	"always-admit": true,
	"token-bucket": true,
}

// IsValidAdmissionPolicy reports whether name names a known policy.
func IsValidAdmissionPolicy(name string) bool {
	return validAdmissionPolicies[name]
}

// NewAdmissionPolicy creates an admission policy by name.
// An empty string defaults to AlwaysAdmit (for CLI flag default
// compatibility). For token-bucket, capacity and refillRate configure the
// bucket. Panics on unrecognized names.
func NewAdmissionPolicy(name string, capacity, refillRate float64) AdmissionPolicy {
	if !IsValidAdmissionPolicy(name) {
		panic(fmt.Sprintf("unknown admission policy %q", name))
	}
	switch name {
	case "", "always-admit":
		return &AlwaysAdmit{}
	case "token-bucket":
		return NewTokenBucket(capacity, refillRate)
	default:
		panic(fmt.Sprintf("unhandled admission policy %q", name))
	}
}

// Package trace provides decision-trace recording for scheduler analysis.
// It stores pure data types and has no dependency on the core package;
// the engine records into a Recorder when tracing is enabled.
package trace

import "fmt"

// AdmitRecord captures one waiting -> running admission decision.
type AdmitRecord struct {
	RequestID     string
	Step          int
	MatchedTokens int64 // prefix length reused from the cache
	NewTokens     int64 // marginal cost paid at admission
}

// PreemptRecord captures one running -> waiting preemption.
type PreemptRecord struct {
	RequestID string
	Step      int
}

// EvictRecord captures one eviction pass.
type EvictRecord struct {
	Step       int
	FreedSlots int
}

// Recorder accumulates decision records. Not safe for concurrent use;
// owned by the scheduler loop.
type Recorder struct {
	Admissions  []AdmitRecord
	Preemptions []PreemptRecord
	Evictions   []EvictRecord
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Admit records an admission decision.
func (r *Recorder) Admit(rec AdmitRecord) {
	r.Admissions = append(r.Admissions, rec)
}

// Preempt records a preemption.
func (r *Recorder) Preempt(rec PreemptRecord) {
	r.Preemptions = append(r.Preemptions, rec)
}

// Evict records an eviction pass. Zero-slot passes are dropped.
func (r *Recorder) Evict(rec EvictRecord) {
	if rec.FreedSlots == 0 {
		return
	}
	r.Evictions = append(r.Evictions, rec)
}

// Summary aggregates a Recorder's contents.
type Summary struct {
	Admissions      int
	ReusedTokens    int64
	RecomputeTokens int64
	Preemptions     int
	EvictionPasses  int
	EvictedSlots    int
}

// Summarize reduces the records to totals.
func (r *Recorder) Summarize() Summary {
	s := Summary{
		Admissions:     len(r.Admissions),
		Preemptions:    len(r.Preemptions),
		EvictionPasses: len(r.Evictions),
	}
	for _, a := range r.Admissions {
		s.ReusedTokens += a.MatchedTokens
		s.RecomputeTokens += a.NewTokens
	}
	for _, e := range r.Evictions {
		s.EvictedSlots += e.FreedSlots
	}
	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("admissions=%d reused_tokens=%d recompute_tokens=%d preemptions=%d eviction_passes=%d evicted_slots=%d",
		s.Admissions, s.ReusedTokens, s.RecomputeTokens, s.Preemptions, s.EvictionPasses, s.EvictedSlots)
}

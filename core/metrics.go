// Counters describing scheduler behavior. The core does not emit metrics
// anywhere; an external collaborator reads a Snapshot and exports it.

package core

import "fmt"

// Metrics accumulates scheduling counters over the engine's lifetime.
// Owned by the loop; callers outside the loop must go through Snapshot.
type Metrics struct {
	Steps             int   // scheduler iterations executed
	Submitted         int   // requests accepted at ingress
	Admitted          int   // waiting -> running transitions
	Completed         int   // requests finished normally
	Aborted           int   // requests aborted (cancel or execution failure)
	Preemptions       int   // running -> waiting transitions
	EvictedSlots      int   // slots reclaimed from the cache by eviction
	CacheHitTokens    int64 // input tokens reused from the radix cache
	RecomputedTokens  int64 // input tokens computed fresh
	GeneratedTokens   int64 // decode tokens produced
	PeakSlotsInUse    int   // high-water mark of block store usage
	ExecutionFailures int   // batches lost to runner errors
}

// observeSlotUsage records the block store's current usage.
func (m *Metrics) observeSlotUsage(inUse int) {
	if inUse > m.PeakSlotsInUse {
		m.PeakSlotsInUse = inUse
	}
}

// CacheHitRate returns the fraction of input tokens served from the
// cache. Zero when no input token has been processed yet.
func (m *Metrics) CacheHitRate() float64 {
	total := m.CacheHitTokens + m.RecomputedTokens
	if total == 0 {
		return 0
	}
	return float64(m.CacheHitTokens) / float64(total)
}

// Snapshot returns a copy safe to read outside the loop.
func (m *Metrics) Snapshot() Metrics {
	return *m
}

func (m *Metrics) String() string {
	return fmt.Sprintf(
		"steps=%d submitted=%d admitted=%d completed=%d aborted=%d preemptions=%d evicted_slots=%d hit_rate=%.3f generated=%d peak_slots=%d exec_failures=%d",
		m.Steps, m.Submitted, m.Admitted, m.Completed, m.Aborted, m.Preemptions,
		m.EvictedSlots, m.CacheHitRate(), m.GeneratedTokens, m.PeakSlotsInUse, m.ExecutionFailures)
}

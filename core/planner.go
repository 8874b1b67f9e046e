// Batch planner: decides, under a per-iteration token budget and the slot
// budget implied by the block store and the radix cache, which running
// requests advance, which waiting requests are admitted, and which running
// requests are preempted.
//
// The planner is split into two phases. Plan is a pure read: it sizes the
// batch against free-plus-reclaimable slots and the token budget using
// prefix-match estimates, and may run while an execution step is in
// flight. Commit mutates: it pins prefixes, allocates slots (evicting and
// retrying once when the store is short), dequeues admitted requests and
// preempts from the running tail when allocation is impossible. Both
// phases are deterministic given the same queue, cache, and budget state.

package core

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/DarkSharpness/sglang/core/internal/util"
)

// PlanContext provides the inputs for one iteration of batch planning.
// Running is the engine's running set in admission order; WaitQ has been
// reordered by the engine's QueueOrdering before Plan is called.
type PlanContext struct {
	Running      []*Request
	WaitQ        *WaitQueue
	Cache        *RadixCache
	Store        *BlockStore
	TokenBudget  int64 // max tokens processed across the batch this iteration
	MaxRunning   int   // max requests in the running set
	PrefillChunk int64 // chunked-prefill threshold; 0 disables chunking
	// EvictionHeadroom makes each forced eviction over-free by this many
	// slots, best effort, to amortize eviction passes under pressure.
	EvictionHeadroom int
	Now              int64
	Step             int
}

// PlannedWork is one continuing request's share of the iteration.
type PlannedWork struct {
	Req          *Request
	NumNewTokens int64
	Decode       bool
}

// PlannedAdmission is a waiting request the plan intends to admit, with
// its prefix-reuse estimate.
type PlannedAdmission struct {
	Req          *Request
	Matched      int64 // reusable prefix length from MatchPrefix
	NumNewTokens int64 // marginal slot and token cost this iteration
}

// PlanResult is the read-only phase's output.
type PlanResult struct {
	Continue []PlannedWork
	Admit    []PlannedAdmission
}

// BatchResult describes the outcome of Commit.
type BatchResult struct {
	Batch              *Batch
	Running            []*Request // updated running set, admission order
	Scheduled          []*Request // admitted this iteration
	Preempted          []*Request // bounced back to waiting this iteration
	PreemptionHappened bool
	EvictedSlots       int // slots reclaimed from the cache this iteration
}

// BatchPlanner computes per-iteration admission, continuation, and
// preemption decisions.
type BatchPlanner interface {
	Plan(ctx *PlanContext) *PlanResult
	Commit(ctx *PlanContext, plan *PlanResult) *BatchResult
}

// ContinuousBatchPlanner implements continuous batching with prefix-cache
// aware admission, chunked prefill, evict-then-retry allocation, and
// tail preemption.
type ContinuousBatchPlanner struct{}

// NewBatchPlanner creates the default BatchPlanner.
func NewBatchPlanner() BatchPlanner {
	return &ContinuousBatchPlanner{}
}

// effectiveMatch caps a prefix match so at least one position is always
// processed: a fully cached sequence still needs its final position run
// through the model to sample the next token.
func effectiveMatch(matched int64, seqLen int64) int64 {
	return util.Min64(matched, seqLen-1)
}

// Plan computes the intended batch for this iteration. Read-only: it does
// not touch reference counts, the block store, or queue membership.
func (p *ContinuousBatchPlanner) Plan(ctx *PlanContext) *PlanResult {
	res := &PlanResult{}
	budget := ctx.TokenBudget
	// Slot headroom: free slots plus everything eviction could reclaim.
	headroom := int64(ctx.Store.Available() + ctx.Cache.ReclaimableSlots())

	// Phase 1: continuing requests, in admission order. Chunked prefill
	// for requests still computing their prompt, one token per decode.
	for _, req := range ctx.Running {
		if budget <= 0 {
			logrus.Warnf("[step %07d] token budget exhausted, deferring remaining requests to next step", ctx.Step)
			break
		}
		work := PlannedWork{Req: req}
		if n := req.remainingInput(); n > 1 {
			// Prompt positions, or context regenerated after a
			// preemption, still need computing before decoding resumes.
			if 0 < ctx.PrefillChunk && ctx.PrefillChunk < n {
				n = ctx.PrefillChunk
			}
			work.NumNewTokens = util.Min64(n, budget)
		} else {
			work.NumNewTokens = 1
			work.Decode = true
		}
		res.Continue = append(res.Continue, work)
		budget -= work.NumNewTokens
		headroom -= work.NumNewTokens
	}

	// Phase 2: admissions from the wait queue, in queue order. The queue
	// keeps FCFS semantics within the current ordering: the first request
	// that does not fit stops admission, nothing skips ahead of it.
	for _, req := range ctx.WaitQ.Items() {
		if len(ctx.Running)+len(res.Admit) >= ctx.MaxRunning || budget <= 0 || headroom <= 0 {
			break
		}
		seq := req.fullSeq()
		seqLen := req.SeqLen()
		matched, _ := ctx.Cache.MatchPrefix(seq)
		m := effectiveMatch(int64(matched), seqLen)
		n := seqLen - m
		if 0 < ctx.PrefillChunk && ctx.PrefillChunk < n {
			n = ctx.PrefillChunk
		}
		if n > budget {
			if ctx.PrefillChunk > 0 {
				n = budget
			} else {
				break
			}
		}
		if n > headroom {
			break
		}
		res.Admit = append(res.Admit, PlannedAdmission{Req: req, Matched: m, NumNewTokens: n})
		budget -= n
		headroom -= n
	}
	return res
}

// allocate reserves n slots, evicting from the cache and retrying once
// when the store is short. Returns ErrOutOfMemory when even full eviction
// of unreferenced cache cannot cover the request.
func (p *ContinuousBatchPlanner) allocate(ctx *PlanContext, res *BatchResult, n int) (SlotSet, error) {
	set, err := ctx.Store.Allocate(n)
	if err == nil {
		return set, nil
	}
	need := n - ctx.Store.Available()
	freed, evictErr := ctx.Cache.Evict(need)
	res.EvictedSlots += freed
	if evictErr != nil {
		logrus.Debugf("[step %07d] eviction fell short: %v", ctx.Step, evictErr)
		return nil, err
	}
	if ctx.EvictionHeadroom > 0 {
		// Best effort: over-free a little so the next allocation under
		// pressure skips the eviction pass.
		extra, _ := ctx.Cache.Evict(ctx.EvictionHeadroom)
		res.EvictedSlots += extra
	}
	return ctx.Store.Allocate(n)
}

// preemptTail bounces the most recently admitted running request back to
// the wait queue: its cache reference is released (progress stays cached
// and reusable until eviction reclaims it) and it is prepended for
// immediate rescheduling. Returns the victim.
func (p *ContinuousBatchPlanner) preemptTail(ctx *PlanContext, res *BatchResult) *Request {
	victim := res.Running[len(res.Running)-1]
	res.Running = res.Running[:len(res.Running)-1]
	logrus.Warnf("[step %07d] preemption: evicting %s from the running set to make room", ctx.Step, victim.ID)

	// The victim may already have been granted work earlier in this
	// commit; those slots were never handed to execution, so they go
	// straight back to the store.
	dropItems := func(items []BatchItem) []BatchItem {
		kept := items[:0]
		for _, item := range items {
			if item.RequestID == victim.ID {
				ctx.Store.Free(item.Slots)
				continue
			}
			kept = append(kept, item)
		}
		return kept
	}
	res.Batch.Prefill = dropItems(res.Batch.Prefill)
	res.Batch.Decode = dropItems(res.Batch.Decode)

	if victim.node != nil {
		ctx.Cache.Release(victim.node)
	}
	victim.markPreempted()
	ctx.WaitQ.PrependFront(victim)
	res.Preempted = append(res.Preempted, victim)
	res.PreemptionHappened = true
	return victim
}

// allocateOrPreempt tries to allocate n slots for a continuing request,
// preempting from the running tail until the allocation succeeds. Returns
// false if req itself got preempted or the cache is too small even with an
// empty batch.
func (p *ContinuousBatchPlanner) allocateOrPreempt(ctx *PlanContext, res *BatchResult, req *Request, n int) (SlotSet, bool) {
	for {
		set, err := p.allocate(ctx, res, n)
		if err == nil {
			return set, true
		}
		// Circuit breaker: empty running set means the cache itself is
		// too small for this request.
		if len(res.Running) == 0 {
			logrus.Warnf("[step %07d] KV cache too small for request %s (need %d slots, nothing left to preempt): %v",
				ctx.Step, req.ID, n, err)
			return nil, false
		}
		victim := p.preemptTail(ctx, res)
		if victim == req {
			return nil, false
		}
	}
}

// Commit applies a plan: allocates slots, pins prefixes, moves admitted
// requests into the running set, and preempts when allocation demands it.
// Commit must be serialized strictly after the execution step the previous
// plan fed; the engine guarantees this by calling it within the loop
// iteration.
func (p *ContinuousBatchPlanner) Commit(ctx *PlanContext, plan *PlanResult) *BatchResult {
	res := &BatchResult{
		Batch:   &Batch{Step: ctx.Step},
		Running: append([]*Request(nil), ctx.Running...),
	}
	budget := ctx.TokenBudget

	// Continuing requests first: they already hold cache references.
	for _, work := range plan.Continue {
		req := work.Req
		if req.State != StateRunning {
			// Preempted earlier in this very commit.
			continue
		}
		n := util.Min64(work.NumNewTokens, budget)
		if n <= 0 {
			break
		}
		slots, ok := p.allocateOrPreempt(ctx, res, req, int(n))
		if !ok {
			break
		}
		budget -= n
		req.numNewTokens = int(n)

		seq := req.fullSeq()
		item := BatchItem{
			RequestID: req.ID,
			Tokens:    seq[req.progress : req.progress+n],
			Start:     req.progress,
			Slots:     slots,
			Sampling:  req.Sampling,
		}
		if work.Decode {
			item.SampleNext = true
			res.Batch.Decode = append(res.Batch.Decode, item)
		} else {
			item.SampleNext = req.progress+n == req.SeqLen()
			res.Batch.Prefill = append(res.Batch.Prefill, item)
		}
	}

	// Admissions are skipped entirely once preemption happened: memory is
	// oversubscribed, adding work would immediately preempt again.
	for _, adm := range plan.Admit {
		if res.PreemptionHappened || budget <= 0 || len(res.Running) >= ctx.MaxRunning {
			break
		}
		req := adm.Req
		if front := ctx.WaitQ.Peek(); front != req {
			panic(fmt.Sprintf("Commit: wait queue changed between plan and commit (front %v, planned %v)", front, req))
		}
		seq := req.fullSeq()
		seqLen := req.SeqLen()

		// Re-derive the match: an eviction triggered earlier in this
		// commit may have reclaimed part of the planned prefix. Acquiring
		// pins the path against any further eviction. The full computed
		// sequence is matched, not just the prompt: a preempted request
		// resumes behind the tokens it has already streamed.
		node, matchedRaw := ctx.Cache.AcquirePrefix(seq[:seqLen-1])
		m := int64(matchedRaw)
		n := seqLen - m
		if 0 < ctx.PrefillChunk && ctx.PrefillChunk < n {
			n = ctx.PrefillChunk
		}
		if n > budget {
			if ctx.PrefillChunk > 0 {
				n = budget
			} else {
				ctx.Cache.Release(node)
				break
			}
		}
		slots, err := p.allocate(ctx, res, int(n))
		if err != nil {
			if errors.Is(err, ErrOutOfMemory) {
				logrus.Warnf("[step %07d] cannot admit %s: %v", ctx.Step, req.ID, err)
			}
			ctx.Cache.Release(node)
			break
		}

		ctx.WaitQ.Dequeue()
		req.markRunning(ctx.Step)
		req.node = node
		req.progress = m
		req.numNewTokens = int(n)
		budget -= n
		res.Running = append(res.Running, req)
		res.Scheduled = append(res.Scheduled, req)

		res.Batch.Prefill = append(res.Batch.Prefill, BatchItem{
			RequestID:  req.ID,
			Tokens:     seq[m : m+n],
			Start:      m,
			Slots:      slots,
			SampleNext: m+n == seqLen,
			Sampling:   req.Sampling,
		})
	}
	return res
}

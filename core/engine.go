// Engine: the control loop that owns the wait queue, the running set, the
// radix cache, and the block store.
//
// All four structures are mutated only from within Run's single goroutine,
// so they carry no locks. The only concurrency boundary is the Intake
// mailbox (arrivals and cancellations) plus the small amount of shared
// state guarded by mu (live-request registry, ingress admission policy,
// published metrics snapshot).
//
// Each iteration, in order: ingest arrivals, apply cancellations, plan and
// commit the batch, hand it to the model runner, commit produced tokens
// into the radix cache, evaluate stop conditions, repeat. The loop has no
// terminal state while the process lives; on shutdown every held cache
// reference is released and all slots return to the block store.

package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/DarkSharpness/sglang/core/internal/util"
	"github.com/DarkSharpness/sglang/core/trace"
)

// monotonicMicros is the default engine clock: microseconds since process
// start, monotonic.
var processStart = time.Now()

func monotonicMicros() int64 {
	return time.Since(processStart).Microseconds()
}

// Engine is the scheduling core. Construct with NewEngine, drive with Run,
// feed with Submit and Cancel from any goroutine.
type Engine struct {
	cfg EngineConfig

	store   *BlockStore
	cache   *RadixCache
	waitQ   *WaitQueue
	running []*Request

	intake    *Intake
	planner   BatchPlanner
	ordering  QueueOrdering
	priority  PriorityPolicy
	admission AdmissionPolicy
	runner    ModelRunner
	recorder  *trace.Recorder

	metrics Metrics
	step    int
	eos     int

	// nowFn supplies the engine clock in microseconds. Replaced in tests
	// for deterministic aging and token-bucket behavior.
	nowFn func() int64

	mu        sync.Mutex
	requests  map[string]*Request
	published Metrics
	closed    bool
}

// NewEngine builds an engine from a validated configuration and an
// external model runner.
func NewEngine(cfg EngineConfig, runner ModelRunner) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if runner == nil {
		return nil, errors.New("engine requires a model runner")
	}
	store := NewBlockStore(cfg.Capacity.TotalSlots)
	e := &Engine{
		cfg:       cfg,
		store:     store,
		cache:     NewRadixCache(store),
		waitQ:     &WaitQueue{},
		intake:    NewIntake(),
		planner:   NewBatchPlanner(),
		ordering:  NewQueueOrdering(cfg.Policy.QueueOrdering),
		priority:  NewPriorityPolicy(cfg.Policy.PriorityPolicy),
		admission: NewAdmissionPolicy(cfg.Policy.Admission, cfg.Policy.BucketCapacity, cfg.Policy.BucketRefill),
		runner:    runner,
		eos:       runner.EOS(),
		nowFn:     monotonicMicros,
		requests:  make(map[string]*Request),
	}
	if cfg.Trace {
		e.recorder = trace.NewRecorder()
	}
	return e, nil
}

// Submit validates and registers a request, gates it through the ingress
// admission policy, and posts it to the intake mailbox. id may be empty,
// in which case one is assigned. The returned Handle streams generated
// tokens followed by one terminal event.
func (e *Engine) Submit(id string, prompt []int, sp SamplingParams, hint float64) (*Handle, error) {
	now := e.nowFn()
	if id == "" {
		id = uuid.NewString()
	}
	req, err := newRequest(id, prompt, sp, hint, now)
	if err != nil {
		return nil, err
	}
	// A prompt that cannot fit even into an empty store can never be
	// scheduled; reject it at the door instead of wedging the queue.
	if len(prompt)+1 > e.cfg.Capacity.TotalSlots {
		return nil, fmt.Errorf("prompt of %d tokens exceeds cache capacity of %d slots: %w",
			len(prompt), e.cfg.Capacity.TotalSlots, ErrOutOfMemory)
	}
	if e.cfg.Model.MaxModelLen > 0 && len(prompt)+sp.MaxNewTokens > e.cfg.Model.MaxModelLen {
		return nil, fmt.Errorf("prompt %d + max_new_tokens %d exceeds max model length %d: %w",
			len(prompt), sp.MaxNewTokens, e.cfg.Model.MaxModelLen, ErrInvalidRequest)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if _, dup := e.requests[id]; dup {
		e.mu.Unlock()
		return nil, fmt.Errorf("duplicate request id %q: %w", id, ErrInvalidRequest)
	}
	if ok, reason := e.admission.Admit(req, now); !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", reason, ErrAdmissionDenied)
	}
	e.requests[id] = req
	e.mu.Unlock()

	if err := e.intake.PostArrival(req); err != nil {
		e.retire(req)
		return nil, err
	}
	return &Handle{ID: id, Events: req.stream}, nil
}

// Cancel posts a cooperative cancellation signal for the request id. The
// signal is applied at the top of the next iteration and never interrupts
// an in-flight execution step.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	_, known := e.requests[id]
	e.mu.Unlock()
	if !known {
		return fmt.Errorf("cancel %q: %w", id, ErrUnknownRequest)
	}
	return e.intake.PostCancel(id)
}

// Metrics returns the most recently published counters snapshot.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.published
}

// TraceSummary aggregates the decision trace. Only meaningful after Run
// has returned; nil when tracing is disabled.
func (e *Engine) TraceSummary() *trace.Summary {
	if e.recorder == nil {
		return nil
	}
	s := e.recorder.Summarize()
	return &s
}

// Run drives the scheduler loop until ctx is cancelled, then performs
// idempotent shutdown cleanup: every live request is aborted, every cache
// reference released, and every slot returned to the block store.
func (e *Engine) Run(ctx context.Context) error {
	defer e.shutdown()
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		// Park while fully idle instead of spinning.
		if len(e.running) == 0 && e.waitQ.Len() == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-e.intake.Wake():
			}
		}
		e.iterate(ctx)
	}
}

// iterate executes one scheduler iteration: phases (a) through (f) of the
// loop contract.
func (e *Engine) iterate(ctx context.Context) {
	e.step++
	e.metrics.Steps++
	now := e.nowFn()

	// (a) ingest newly arrived requests.
	arrivals, cancels := e.intake.Drain()
	for _, req := range arrivals {
		e.waitQ.Enqueue(req)
		e.metrics.Submitted++
		logrus.Infof("[step %07d] << arrival %s (%d prompt tokens)", e.step, req.ID, len(req.PromptTokens))
	}

	// (b) apply cancellation signals.
	for _, id := range cancels {
		e.applyCancel(id)
	}

	// (c) plan and commit this iteration's batch.
	for _, req := range e.waitQ.Items() {
		req.Priority = e.priority.Compute(req, now)
	}
	e.waitQ.Reorder(func(reqs []*Request) {
		e.ordering.OrderQueue(reqs, now)
	})
	pctx := &PlanContext{
		Running:          e.running,
		WaitQ:            e.waitQ,
		Cache:            e.cache,
		Store:            e.store,
		TokenBudget:      e.cfg.Capacity.TokenBudget,
		MaxRunning:       e.cfg.Capacity.MaxRunning,
		PrefillChunk:     e.cfg.Capacity.PrefillChunk,
		EvictionHeadroom: e.cfg.Capacity.EvictionHeadroom,
		Now:              now,
		Step:             e.step,
	}
	plan := e.planner.Plan(pctx)
	res := e.planner.Commit(pctx, plan)
	e.running = res.Running
	e.applyPlanOutcome(res)

	if res.Batch.Empty() {
		// Nothing schedulable. When no preemption just reshuffled memory
		// and the running set is empty, the cache can only shrink from
		// here, so the queue's front request will never fit: fail it with
		// the resource error instead of spinning forever.
		if len(e.running) == 0 && e.waitQ.Len() > 0 && !res.PreemptionHappened {
			front := e.waitQ.Dequeue()
			logrus.Warnf("[step %07d] request %s can never be scheduled, rejecting", e.step, front.ID)
			front.markAborted(ReasonUnschedulable,
				fmt.Errorf("request needs more memory than the cache can ever free: %w", ErrOutOfMemory), e.step)
			e.metrics.Aborted++
			e.retire(front)
		}
		e.publish()
		return
	}

	// (d) hand the batch to the external execution step.
	sampled, err := e.runner.Execute(ctx, res.Batch)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown raced the execution call. The batch's slots were
			// never filled and are not in the tree yet, so the deferred
			// cleanup cannot see them; return them here.
			for _, items := range [][]BatchItem{res.Batch.Prefill, res.Batch.Decode} {
				for _, item := range items {
					e.store.Free(item.Slots)
				}
			}
			return
		}
		e.failBatch(res.Batch, &ExecutionError{Step: e.step, Err: err})
		e.publish()
		return
	}

	// (e) commit processed tokens into the radix cache: extend each
	// request's cached path, acquire the new leaf, release the previous.
	e.commitBatch(res.Batch)

	// Apply sampled tokens and (f) evaluate stop conditions.
	for _, s := range sampled {
		e.applySample(s)
	}

	e.metrics.observeSlotUsage(e.store.InUse())
	e.publish()
}

// applyPlanOutcome records metrics and trace entries for a commit result.
func (e *Engine) applyPlanOutcome(res *BatchResult) {
	for _, req := range res.Scheduled {
		e.metrics.Admitted++
		e.metrics.CacheHitTokens += req.progress
		e.metrics.RecomputedTokens += req.SeqLen() - req.progress
		logrus.Infof("[step %07d] admitted %s (matched %d of %d sequence tokens)",
			e.step, req.ID, req.progress, req.SeqLen())
		if e.recorder != nil {
			e.recorder.Admit(trace.AdmitRecord{
				RequestID:     req.ID,
				Step:          e.step,
				MatchedTokens: req.progress,
				NewTokens:     req.SeqLen() - req.progress,
			})
		}
	}
	for _, req := range res.Preempted {
		e.metrics.Preemptions++
		if e.recorder != nil {
			e.recorder.Preempt(trace.PreemptRecord{RequestID: req.ID, Step: e.step})
		}
	}
	e.metrics.EvictedSlots += res.EvictedSlots
	if e.recorder != nil {
		e.recorder.Evict(trace.EvictRecord{Step: e.step, FreedSlots: res.EvictedSlots})
	}
}

// applyCancel transitions a request to aborted. Aborting an already
// finished or aborted request is a no-op. A running request releases its
// cache reference synchronously before the state flips, so eviction
// eligibility is never delayed behind a dead request.
func (e *Engine) applyCancel(id string) {
	e.mu.Lock()
	req, ok := e.requests[id]
	e.mu.Unlock()
	if !ok || req.terminal() {
		return
	}
	req.cancelled = true
	switch req.State {
	case StateWaiting:
		// Never held cache; just leaves the queue.
		e.waitQ.Remove(req)
	case StateRunning:
		if req.node != nil {
			e.cache.Release(req.node)
			req.node = nil
		}
		e.removeRunning(req)
	}
	logrus.Infof("[step %07d] cancelled %s", e.step, id)
	req.markAborted(ReasonCancelled, nil, e.step)
	e.metrics.Aborted++
	e.retire(req)
}

// commitBatch inserts each item's processed tokens into the radix cache
// and re-references the request's new leaf.
func (e *Engine) commitBatch(batch *Batch) {
	for _, items := range [][]BatchItem{batch.Prefill, batch.Decode} {
		for _, item := range items {
			req := e.lookup(item.RequestID)
			if req == nil || req.terminal() {
				// Retired between commit and execution is impossible
				// within one iteration; guard anyway.
				e.store.Free(item.Slots)
				continue
			}
			seq := req.fullSeq()
			end := item.Start + util.Len64(item.Tokens)
			leaf := e.cache.Insert(seq[:end], int(item.Start), item.Slots)
			e.cache.Acquire(leaf)
			if req.node != nil {
				e.cache.Release(req.node)
			}
			req.node = leaf
			req.progress = end
			logrus.Debugf("[step %07d] %s cached through token %d", e.step, req.ID, end)
		}
	}
}

// applySample appends a newly sampled token to its request, streams it,
// and evaluates the stop conditions: explicit stop token, max new tokens,
// and the model-length cap.
func (e *Engine) applySample(s SampledToken) {
	req := e.lookup(s.RequestID)
	if req == nil || req.State != StateRunning {
		return
	}
	req.Generated = append(req.Generated, s.Token)

	stop := req.Sampling.isStop(s.Token, e.eos)
	if !stop {
		req.emit(s.Token)
		e.metrics.GeneratedTokens++
	}
	length := len(req.Generated) >= req.Sampling.MaxNewTokens ||
		(e.cfg.Model.MaxModelLen > 0 && req.SeqLen() >= int64(e.cfg.Model.MaxModelLen))
	switch {
	case stop:
		e.finish(req, ReasonStopToken)
	case length:
		e.finish(req, ReasonLength)
	}
}

// finish retires a completed request: release its cache reference, mark
// finished, drop it from the running set.
func (e *Engine) finish(req *Request, reason FinishReason) {
	if req.node != nil {
		e.cache.Release(req.node)
		req.node = nil
	}
	e.removeRunning(req)
	req.markFinished(reason, e.step)
	e.metrics.Completed++
	logrus.Infof("[step %07d] finished %s (%s, %d tokens generated)", e.step, req.ID, reason, len(req.Generated))
	e.retire(req)
}

// failBatch handles an execution-step failure: every request in the batch
// is aborted, its cache reference released, its never-filled slots
// returned. The error is surfaced per affected request; the loop lives on.
func (e *Engine) failBatch(batch *Batch, execErr *ExecutionError) {
	logrus.Errorf("[step %07d] %v", e.step, execErr)
	e.metrics.ExecutionFailures++
	for _, items := range [][]BatchItem{batch.Prefill, batch.Decode} {
		for _, item := range items {
			e.store.Free(item.Slots)
			req := e.lookup(item.RequestID)
			if req == nil || req.terminal() {
				continue
			}
			if req.node != nil {
				e.cache.Release(req.node)
				req.node = nil
			}
			e.removeRunning(req)
			req.markAborted(ReasonExecution, execErr, e.step)
			e.metrics.Aborted++
			e.retire(req)
		}
	}
}

// shutdown aborts everything still alive and returns all memory. Safe to
// run once per engine; Run defers it.
func (e *Engine) shutdown() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.intake.Close()

	arrivals, _ := e.intake.Drain()
	for _, req := range arrivals {
		req.markAborted(ReasonCancelled, ErrEngineClosed, e.step)
		e.retire(req)
	}
	for _, req := range e.waitQ.Items() {
		req.markAborted(ReasonCancelled, ErrEngineClosed, e.step)
		e.retire(req)
	}
	e.waitQ = &WaitQueue{}
	for _, req := range e.running {
		if req.node != nil {
			e.cache.Release(req.node)
			req.node = nil
		}
		req.markAborted(ReasonCancelled, ErrEngineClosed, e.step)
		e.retire(req)
	}
	e.running = nil
	e.cache.Reset()
	e.publish()
	logrus.Infof("[step %07d] engine shut down, %d slots free of %d", e.step, e.store.Available(), e.store.Capacity())
}

func (e *Engine) removeRunning(req *Request) {
	for i, r := range e.running {
		if r == req {
			e.running = append(e.running[:i], e.running[i+1:]...)
			return
		}
	}
}

func (e *Engine) lookup(id string) *Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[id]
}

func (e *Engine) retire(req *Request) {
	e.mu.Lock()
	delete(e.requests, req.ID)
	e.mu.Unlock()
}

func (e *Engine) publish() {
	e.mu.Lock()
	e.published = e.metrics
	e.mu.Unlock()
}

// Defines the Request type and its lifecycle state machine.
//
// waiting -> running -> {finished, aborted}, with running -> waiting
// permitted on preemption. State is mutated only by the engine and the
// batch planner; ingress merely creates requests and posts cancellation
// signals.

package core

import (
	"fmt"

	"github.com/DarkSharpness/sglang/core/internal/util"
)

// RequestState is the lifecycle state of a request.
type RequestState string

const (
	StateWaiting  RequestState = "waiting"
	StateRunning  RequestState = "running"
	StateFinished RequestState = "finished"
	StateAborted  RequestState = "aborted"
)

// FinishReason records why a request reached a terminal state.
type FinishReason string

const (
	ReasonStopToken FinishReason = "stop_token"
	ReasonLength    FinishReason = "length"
	ReasonCancelled FinishReason = "cancelled"
	ReasonExecution FinishReason = "execution_failure"
	// ReasonUnschedulable marks a request whose memory demand can never be
	// met; see the empty-batch guard in the engine loop.
	ReasonUnschedulable FinishReason = "unschedulable"
)

// SamplingParams carries per-request sampling and stop configuration.
// The engine core forwards sampling knobs to the model runner untouched;
// only the stop criteria are evaluated here.
type SamplingParams struct {
	Temperature  float64 `yaml:"temperature"`
	TopP         float64 `yaml:"top_p"`
	TopK         int     `yaml:"top_k"`
	MaxNewTokens int     `yaml:"max_new_tokens"`
	StopTokens   []int   `yaml:"stop_tokens"`
	IgnoreEOS    bool    `yaml:"ignore_eos"`
}

// Validate rejects malformed sampling/stop configuration at ingress.
func (sp SamplingParams) Validate() error {
	if sp.MaxNewTokens < 1 {
		return fmt.Errorf("max_new_tokens must be >= 1, got %d: %w", sp.MaxNewTokens, ErrInvalidRequest)
	}
	if sp.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0, got %g: %w", sp.Temperature, ErrInvalidRequest)
	}
	if sp.TopP < 0 || sp.TopP > 1 {
		return fmt.Errorf("top_p must be in [0,1], got %g: %w", sp.TopP, ErrInvalidRequest)
	}
	if sp.TopK < 0 {
		return fmt.Errorf("top_k must be >= 0, got %d: %w", sp.TopK, ErrInvalidRequest)
	}
	for _, t := range sp.StopTokens {
		if t < 0 {
			return fmt.Errorf("stop token ids must be non-negative, got %d: %w", t, ErrInvalidRequest)
		}
	}
	return nil
}

// isStop reports whether token terminates generation under these params.
func (sp SamplingParams) isStop(token, eos int) bool {
	if !sp.IgnoreEOS && token == eos {
		return true
	}
	for _, t := range sp.StopTokens {
		if t == token {
			return true
		}
	}
	return false
}

// TokenEvent is one element of a request's output stream. Non-terminal
// events carry a single generated token. The terminal event has Done set,
// a finish reason, and optionally the error that ended the request.
type TokenEvent struct {
	Token  int
	Done   bool
	Reason FinishReason
	Err    error
}

// Request models a single generation request inside the core.
type Request struct {
	ID           string
	PromptTokens []int
	Generated    []int // grows by one token per decode step
	Sampling     SamplingParams

	State        RequestState
	FinishReason FinishReason
	Err          error

	// node is the deepest radix node matching the request's computed
	// sequence; the request holds this node's reference. nil while the
	// request is waiting or after it is retired.
	node *Node

	// progress counts sequence positions whose attention state has been
	// computed (cached prefix included). While progress trails the
	// computed-sequence frontier the request is still prefilling,
	// possibly across chunked iterations; after a preemption the
	// frontier covers generated tokens as well as the prompt.
	progress int64

	// numNewTokens is the number of tokens this request processes in the
	// current iteration; set by the planner, consumed by the engine.
	numNewTokens int

	ArrivalTime   int64   // engine clock at submission
	Hint          float64 // submitter-provided priority hint
	Priority      float64 // score recomputed each step by the priority policy
	Preemptions   int     // times this request was bounced running -> waiting
	ScheduledStep int     // step index of the waiting -> running transition
	FinishedStep  int     // step index of the terminal transition

	cancelled bool // cooperative cancellation flag, consumed by the loop

	stream chan TokenEvent // output stream; buffered so the loop never blocks
}

// newRequest builds a validated request. The stream buffer is sized so all
// generated tokens plus the terminal event fit without ever blocking the
// scheduler loop.
func newRequest(id string, prompt []int, sp SamplingParams, hint float64, now int64) (*Request, error) {
	if err := sp.Validate(); err != nil {
		return nil, err
	}
	if len(prompt) == 0 {
		return nil, fmt.Errorf("empty prompt: %w", ErrInvalidRequest)
	}
	for _, t := range prompt {
		if t < 0 {
			return nil, fmt.Errorf("prompt token ids must be non-negative, got %d: %w", t, ErrInvalidRequest)
		}
	}
	return &Request{
		ID:           id,
		PromptTokens: prompt,
		Sampling:     sp,
		State:        StateWaiting,
		ArrivalTime:  now,
		Hint:         hint,
		stream:       make(chan TokenEvent, sp.MaxNewTokens+1),
	}, nil
}

// SeqLen returns the current full sequence length (prompt + generated).
func (r *Request) SeqLen() int64 {
	return util.Len64(r.PromptTokens) + util.Len64(r.Generated)
}

// fullSeq materializes prompt + generated tokens.
func (r *Request) fullSeq() []int {
	seq := make([]int, 0, r.SeqLen())
	seq = append(seq, r.PromptTokens...)
	seq = append(seq, r.Generated...)
	return seq
}

// remainingInput returns the number of computed-sequence positions not
// yet backed by cache slots. Fresh requests count their prompt; requests
// re-admitted after a preemption also count any generated tokens whose
// state eviction reclaimed. The final position stays in the count until
// it is processed, since sampling happens there.
func (r *Request) remainingInput() int64 {
	return r.SeqLen() - r.progress
}

// terminal reports whether the request has reached a terminal state.
func (r *Request) terminal() bool {
	return r.State == StateFinished || r.State == StateAborted
}

func (r *Request) String() string {
	return fmt.Sprintf("Request(ID: %s, State: %s, progress: %d, arrival: %d)", r.ID, r.State, r.progress, r.ArrivalTime)
}

// markRunning transitions waiting -> running. Called by the planner commit
// when the request is admitted into the batch.
func (r *Request) markRunning(step int) {
	if r.State != StateWaiting {
		panic(fmt.Sprintf("markRunning: request %s in state %s", r.ID, r.State))
	}
	r.State = StateRunning
	r.ScheduledStep = step
}

// markPreempted transitions running -> waiting. The request's cache
// reference must already have been released by the caller.
func (r *Request) markPreempted() {
	if r.State != StateRunning {
		panic(fmt.Sprintf("markPreempted: request %s in state %s", r.ID, r.State))
	}
	r.State = StateWaiting
	r.Preemptions++
	r.node = nil
	// Prefill restarts from the cached prefix on re-admission; progress is
	// recomputed at that point, so reset here.
	r.progress = 0
}

// markFinished transitions running -> finished and emits the terminal
// stream event.
func (r *Request) markFinished(reason FinishReason, step int) {
	if r.State != StateRunning {
		panic(fmt.Sprintf("markFinished: request %s in state %s", r.ID, r.State))
	}
	r.State = StateFinished
	r.FinishReason = reason
	r.FinishedStep = step
	r.stream <- TokenEvent{Done: true, Reason: reason}
	close(r.stream)
}

// markAborted transitions waiting or running -> aborted. Aborting an
// already-terminal request is a no-op (idempotent; no double release can
// follow because the caller checks terminal() before touching the cache).
func (r *Request) markAborted(reason FinishReason, err error, step int) {
	if r.terminal() {
		return
	}
	r.State = StateAborted
	r.FinishReason = reason
	r.Err = err
	r.FinishedStep = step
	r.stream <- TokenEvent{Done: true, Reason: reason, Err: err}
	close(r.stream)
}

// emit streams one generated token. The buffer is sized for the worst
// case, so this never blocks the loop.
func (r *Request) emit(token int) {
	r.stream <- TokenEvent{Token: token}
}

// Handle is the ingress-side view of a submitted request: a stream of
// generated tokens followed by exactly one terminal event.
type Handle struct {
	ID     string
	Events <-chan TokenEvent
}

// ModelRunner is the boundary to the external model-execution step. The
// core hands it a Batch (prefill chunks with their allocated slot sets,
// decode items with theirs) and receives one sampled token per item that
// asked for one. The call is synchronous from the loop's perspective; a
// returned error is fatal for the whole batch, never retried silently.

package core

import (
	"context"
	"fmt"
	"math/rand"
)

// SampledToken is one runner output.
type SampledToken struct {
	RequestID string
	Token     int
}

// ModelRunner executes the forward pass for a batch.
type ModelRunner interface {
	// Execute processes the batch and returns exactly one SampledToken per
	// item with SampleNext set, in batch order (prefill items first, then
	// decode items).
	Execute(ctx context.Context, batch *Batch) ([]SampledToken, error)
	// EOS returns the end-of-sequence token id the engine checks stop
	// conditions against.
	EOS() int
}

// StubRunner is a deterministic ModelRunner for tests and the CLI demo.
// It samples tokens from a partitioned RNG, or replays a per-request
// script when one is registered. It performs no numerical work; slots are
// accepted and ignored.
type StubRunner struct {
	rng       *rand.Rand
	vocabSize int
	eos       int
	// scripts maps request id to a fixed output sequence. When the script
	// runs out the runner emits EOS.
	scripts map[string][]int
	cursor  map[string]int
	// failNext forces the next Execute call to fail, for exercising the
	// batch-abort path.
	failNext error
}

// NewStubRunner creates a StubRunner drawing from the sampler subsystem of
// rng. vocabSize bounds sampled token ids; eos is the end-of-sequence id.
func NewStubRunner(rng *PartitionedRNG, vocabSize, eos int) *StubRunner {
	if vocabSize <= 1 {
		panic(fmt.Sprintf("NewStubRunner: vocab size must exceed 1, got %d", vocabSize))
	}
	return &StubRunner{
		rng:       rng.ForSubsystem(SubsystemSampler),
		vocabSize: vocabSize,
		eos:       eos,
		scripts:   make(map[string][]int),
		cursor:    make(map[string]int),
	}
}

// Script registers a fixed output sequence for a request id. The runner
// emits exactly these tokens in order, then EOS.
func (sr *StubRunner) Script(requestID string, tokens []int) {
	sr.scripts[requestID] = append([]int(nil), tokens...)
	sr.cursor[requestID] = 0
}

// FailNext makes the next Execute call return err.
func (sr *StubRunner) FailNext(err error) {
	sr.failNext = err
}

func (sr *StubRunner) EOS() int {
	return sr.eos
}

func (sr *StubRunner) sample(requestID string) int {
	if script, ok := sr.scripts[requestID]; ok {
		i := sr.cursor[requestID]
		if i >= len(script) {
			return sr.eos
		}
		sr.cursor[requestID] = i + 1
		return script[i]
	}
	return sr.rng.Intn(sr.vocabSize)
}

// Execute samples one token per item that asked for one.
func (sr *StubRunner) Execute(ctx context.Context, batch *Batch) ([]SampledToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sr.failNext != nil {
		err := sr.failNext
		sr.failNext = nil
		return nil, err
	}
	var out []SampledToken
	for _, items := range [][]BatchItem{batch.Prefill, batch.Decode} {
		for _, item := range items {
			if !item.SampleNext {
				continue
			}
			out = append(out, SampledToken{RequestID: item.RequestID, Token: sr.sample(item.RequestID)})
		}
	}
	return out, nil
}

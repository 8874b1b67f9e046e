// Defines the Batch handed to the model runner each iteration: a transient
// snapshot of the requests selected to run, partitioned into prefill work
// and decode work. Membership continuity lives in the engine's running
// set; the Batch itself is rebuilt every step.

package core

// BatchItem describes one request's work within a batch.
type BatchItem struct {
	RequestID string
	// Tokens are the input tokens processed this step: a prefill chunk, or
	// the single most recently sampled token for a decode step.
	Tokens []int
	// Start is the absolute sequence position of Tokens[0].
	Start int64
	// Slots receive the computed attention state, one per token, in order.
	Slots SlotSet
	// SampleNext asks the runner to sample one new token after processing
	// Tokens. True for every decode item and for the final prefill chunk.
	SampleNext bool
	Sampling   SamplingParams
}

// Batch is the work snapshot for one iteration.
type Batch struct {
	Step    int
	Prefill []BatchItem
	Decode  []BatchItem
}

// Empty reports whether the batch contains no work.
func (b *Batch) Empty() bool {
	return len(b.Prefill) == 0 && len(b.Decode) == 0
}

// Size returns the number of items in the batch.
func (b *Batch) Size() int {
	return len(b.Prefill) + len(b.Decode)
}

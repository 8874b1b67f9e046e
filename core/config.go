package core

import "fmt"

// CapacityConfig groups the fixed-at-startup memory parameters.
type CapacityConfig struct {
	TotalSlots       int   `yaml:"total_slots"`       // block store capacity (must be > 0)
	TokenBudget      int64 `yaml:"token_budget"`      // max tokens processed per iteration (must be > 0)
	MaxRunning       int   `yaml:"max_running"`       // max requests in the running set (must be > 0)
	PrefillChunk     int64 `yaml:"prefill_chunk"`     // chunked-prefill threshold; 0 disables chunking
	EvictionHeadroom int   `yaml:"eviction_headroom"` // slots eviction over-frees beyond the immediate need
}

// PolicyConfig groups scheduling policy selection.
type PolicyConfig struct {
	QueueOrdering  string  `yaml:"queue_ordering"`  // "fcfs" (default), "priority-fcfs", "sjf"
	PriorityPolicy string  `yaml:"priority_policy"` // "hint" (default) or "aging"
	Admission      string  `yaml:"admission"`       // "always-admit" (default) or "token-bucket"
	BucketCapacity float64 `yaml:"bucket_capacity"` // token-bucket size, in prompt tokens
	BucketRefill   float64 `yaml:"bucket_refill"`   // token-bucket refill, prompt tokens per second
}

// ModelConfig groups the token-space parameters the core needs from the
// model: it never sees text, only ids.
type ModelConfig struct {
	VocabSize   int `yaml:"vocab_size"`    // must be > 1
	EOSToken    int `yaml:"eos_token"`     // end-of-sequence id
	MaxModelLen int `yaml:"max_model_len"` // hard cap on prompt+output length; 0 disables
}

// EngineConfig is the full startup configuration of the core. Immutable
// once the engine is constructed.
type EngineConfig struct {
	Capacity CapacityConfig `yaml:"capacity"`
	Policy   PolicyConfig   `yaml:"policy"`
	Model    ModelConfig    `yaml:"model"`
	Seed     int64          `yaml:"seed"`
	Trace    bool           `yaml:"trace"` // record admission/preemption/eviction decisions
}

// DefaultEngineConfig returns a small but workable configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Capacity: CapacityConfig{
			TotalSlots:  4096,
			TokenBudget: 2048,
			MaxRunning:  64,
		},
		Model: ModelConfig{
			VocabSize: 32000,
			EOSToken:  2,
		},
	}
}

// Validate rejects configurations the core cannot run with.
func (c EngineConfig) Validate() error {
	if c.Capacity.TotalSlots <= 0 {
		return fmt.Errorf("capacity.total_slots must be > 0, got %d", c.Capacity.TotalSlots)
	}
	if c.Capacity.TokenBudget <= 0 {
		return fmt.Errorf("capacity.token_budget must be > 0, got %d", c.Capacity.TokenBudget)
	}
	if c.Capacity.MaxRunning <= 0 {
		return fmt.Errorf("capacity.max_running must be > 0, got %d", c.Capacity.MaxRunning)
	}
	if c.Capacity.PrefillChunk < 0 {
		return fmt.Errorf("capacity.prefill_chunk must be >= 0, got %d", c.Capacity.PrefillChunk)
	}
	if c.Capacity.EvictionHeadroom < 0 {
		return fmt.Errorf("capacity.eviction_headroom must be >= 0, got %d", c.Capacity.EvictionHeadroom)
	}
	if c.Model.VocabSize <= 1 {
		return fmt.Errorf("model.vocab_size must be > 1, got %d", c.Model.VocabSize)
	}
	if c.Model.EOSToken < 0 || c.Model.EOSToken >= c.Model.VocabSize {
		return fmt.Errorf("model.eos_token %d outside vocab of %d", c.Model.EOSToken, c.Model.VocabSize)
	}
	if c.Model.MaxModelLen < 0 {
		return fmt.Errorf("model.max_model_len must be >= 0, got %d", c.Model.MaxModelLen)
	}
	if !IsValidOrdering(c.Policy.QueueOrdering) {
		return fmt.Errorf("unknown policy.queue_ordering %q", c.Policy.QueueOrdering)
	}
	if !IsValidPriorityPolicy(c.Policy.PriorityPolicy) {
		return fmt.Errorf("unknown policy.priority_policy %q", c.Policy.PriorityPolicy)
	}
	if !IsValidAdmissionPolicy(c.Policy.Admission) {
		return fmt.Errorf("unknown policy.admission %q", c.Policy.Admission)
	}
	if c.Policy.Admission == "token-bucket" && (c.Policy.BucketCapacity <= 0 || c.Policy.BucketRefill <= 0) {
		return fmt.Errorf("token-bucket admission needs positive bucket_capacity and bucket_refill")
	}
	return nil
}

// Synthetic workload generation for the CLI demo and load-shaped tests.
// Deterministic given the same spec and seed.

package core

import (
	"fmt"
	"math/rand"
)

// WorkloadSpec describes a synthetic request population: clamped-Gaussian
// prompt and output lengths, with an optional shared prefix so the demo
// exercises the radix cache the way grouped production traffic does.
type WorkloadSpec struct {
	NumRequests int `yaml:"num_requests"`

	PromptMean  int `yaml:"prompt_mean"`
	PromptStdev int `yaml:"prompt_stdev"`
	PromptMin   int `yaml:"prompt_min"`
	PromptMax   int `yaml:"prompt_max"`

	OutputMean  int `yaml:"output_mean"`
	OutputStdev int `yaml:"output_stdev"`
	OutputMin   int `yaml:"output_min"`
	OutputMax   int `yaml:"output_max"`

	// SharedPrefixLen tokens are common to every generated prompt.
	SharedPrefixLen int `yaml:"shared_prefix_len"`
	// PrefixGroups > 1 splits requests round-robin across that many
	// distinct shared prefixes.
	PrefixGroups int `yaml:"prefix_groups"`
}

// Validate rejects degenerate specs.
func (s WorkloadSpec) Validate() error {
	if s.NumRequests <= 0 {
		return fmt.Errorf("num_requests must be > 0, got %d", s.NumRequests)
	}
	if s.PromptMin < 1 || s.PromptMax < s.PromptMin {
		return fmt.Errorf("prompt length bounds [%d,%d] invalid", s.PromptMin, s.PromptMax)
	}
	if s.OutputMin < 1 || s.OutputMax < s.OutputMin {
		return fmt.Errorf("output length bounds [%d,%d] invalid", s.OutputMin, s.OutputMax)
	}
	if s.SharedPrefixLen < 0 {
		return fmt.Errorf("shared_prefix_len must be >= 0, got %d", s.SharedPrefixLen)
	}
	if s.PrefixGroups < 0 {
		return fmt.Errorf("prefix_groups must be >= 0, got %d", s.PrefixGroups)
	}
	return nil
}

// WorkloadRequest is one generated request: a prompt plus the scripted
// output the stub runner should replay for it.
type WorkloadRequest struct {
	ID     string
	Prompt []int
	Output []int
}

// sampleLength draws a clamped Gaussian length.
func sampleLength(rng *rand.Rand, mean, stdev, lo, hi int) int {
	n := int(rng.NormFloat64()*float64(stdev) + float64(mean))
	if n < lo {
		n = lo
	}
	if n > hi {
		n = hi
	}
	return n
}

// randomTokens draws n token ids uniformly from [0, vocab), skipping eos
// so scripted outputs terminate only where the script says so.
func randomTokens(rng *rand.Rand, n, vocab, eos int) []int {
	tokens := make([]int, n)
	for i := range tokens {
		t := rng.Intn(vocab)
		if t == eos {
			t = (t + 1) % vocab
		}
		tokens[i] = t
	}
	return tokens
}

// GenerateWorkload creates spec.NumRequests requests with sequential ids.
// Deterministic given the same spec, vocab, and RNG seed.
func GenerateWorkload(spec WorkloadSpec, model ModelConfig, rng *PartitionedRNG) ([]WorkloadRequest, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workload spec: %w", err)
	}
	wrng := rng.ForSubsystem(SubsystemWorkload)

	groups := spec.PrefixGroups
	if groups <= 0 {
		groups = 1
	}
	prefixes := make([][]int, groups)
	for i := range prefixes {
		prefixes[i] = randomTokens(wrng, spec.SharedPrefixLen, model.VocabSize, model.EOSToken)
	}

	requests := make([]WorkloadRequest, 0, spec.NumRequests)
	for i := 0; i < spec.NumRequests; i++ {
		promptLen := sampleLength(wrng, spec.PromptMean, spec.PromptStdev, spec.PromptMin, spec.PromptMax)
		outputLen := sampleLength(wrng, spec.OutputMean, spec.OutputStdev, spec.OutputMin, spec.OutputMax)

		prefix := prefixes[i%groups]
		prompt := append(append([]int(nil), prefix...), randomTokens(wrng, promptLen, model.VocabSize, model.EOSToken)...)

		requests = append(requests, WorkloadRequest{
			ID:     fmt.Sprintf("req-%04d", i),
			Prompt: prompt,
			Output: randomTokens(wrng, outputLen, model.VocabSize, model.EOSToken),
		})
	}
	return requests, nil
}

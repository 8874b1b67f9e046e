package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/DarkSharpness/sglang/core"
)

// fileConfig is the YAML shape of --config files. Engine settings and the
// synthetic workload live in one file so a scenario is reproducible from a
// single artifact plus the seed.
type fileConfig struct {
	Engine   core.EngineConfig `yaml:"engine"`
	Workload core.WorkloadSpec `yaml:"workload"`
}

// buildConfig resolves the engine config and workload spec from defaults,
// the optional --config file, and CLI flags, in that order. A flag the user
// set explicitly wins over the file; an untouched flag keeps the file's
// value.
func buildConfig() (core.EngineConfig, core.WorkloadSpec, error) {
	cfg := core.DefaultEngineConfig()
	spec := defaultWorkloadSpec()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return cfg, spec, fmt.Errorf("reading config file: %w", err)
		}
		fc := fileConfig{Engine: cfg, Workload: spec}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, spec, fmt.Errorf("parsing config file %s: %w", configFile, err)
		}
		cfg = fc.Engine
		spec = fc.Workload
	}

	applyFlagOverrides(&cfg, &spec)

	if err := cfg.Validate(); err != nil {
		return cfg, spec, err
	}
	if err := spec.Validate(); err != nil {
		return cfg, spec, err
	}
	return cfg, spec, nil
}

func defaultWorkloadSpec() core.WorkloadSpec {
	return core.WorkloadSpec{
		NumRequests:  100,
		PromptMean:   128,
		PromptStdev:  64,
		PromptMin:    2,
		PromptMax:    1024,
		OutputMean:   64,
		OutputStdev:  32,
		OutputMin:    1,
		OutputMax:    512,
		PrefixGroups: 1,
	}
}

// applyFlagOverrides copies explicitly-set CLI flags into the resolved
// config. Flag names map one to one onto config fields.
func applyFlagOverrides(cfg *core.EngineConfig, spec *core.WorkloadSpec) {
	f := serveCmd.Flags()
	if f.Changed("seed") {
		cfg.Seed = seed
	}
	if f.Changed("total-slots") {
		cfg.Capacity.TotalSlots = totalSlots
	}
	if f.Changed("token-budget") {
		cfg.Capacity.TokenBudget = tokenBudget
	}
	if f.Changed("max-running") {
		cfg.Capacity.MaxRunning = maxRunning
	}
	if f.Changed("prefill-chunk") {
		cfg.Capacity.PrefillChunk = prefillChunk
	}
	if f.Changed("eviction-headroom") {
		cfg.Capacity.EvictionHeadroom = headroom
	}
	if f.Changed("max-model-len") {
		cfg.Model.MaxModelLen = maxModelLen
	}
	if f.Changed("vocab-size") {
		cfg.Model.VocabSize = vocabSize
	}
	if f.Changed("eos-token") {
		cfg.Model.EOSToken = eosToken
	}
	if f.Changed("queue-ordering") {
		cfg.Policy.QueueOrdering = ordering
	}
	if f.Changed("priority-policy") {
		cfg.Policy.PriorityPolicy = priorityPol
	}
	if f.Changed("admission") {
		cfg.Policy.Admission = admissionPol
	}
	if f.Changed("bucket-capacity") {
		cfg.Policy.BucketCapacity = bucketCap
	}
	if f.Changed("bucket-refill") {
		cfg.Policy.BucketRefill = bucketRefill
	}
	if f.Changed("trace") {
		cfg.Trace = enableTrace
	}

	if f.Changed("num-requests") {
		spec.NumRequests = numRequests
	}
	if f.Changed("prompt-tokens") {
		spec.PromptMean = promptMean
	}
	if f.Changed("prompt-tokens-stdev") {
		spec.PromptStdev = promptStdev
	}
	if f.Changed("prompt-tokens-min") {
		spec.PromptMin = promptMin
	}
	if f.Changed("prompt-tokens-max") {
		spec.PromptMax = promptMax
	}
	if f.Changed("output-tokens") {
		spec.OutputMean = outputMean
	}
	if f.Changed("output-tokens-stdev") {
		spec.OutputStdev = outputStdev
	}
	if f.Changed("output-tokens-min") {
		spec.OutputMin = outputMin
	}
	if f.Changed("output-tokens-max") {
		spec.OutputMax = outputMax
	}
	if f.Changed("shared-prefix-len") {
		spec.SharedPrefixLen = sharedPrefixLen
	}
	if f.Changed("prefix-groups") {
		spec.PrefixGroups = prefixGroups
	}
}

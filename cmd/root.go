package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/DarkSharpness/sglang/core"
)

var (
	// CLI flags for engine configuration
	seed         int64  // Seed for workload generation and stub sampling
	logLevel     string // Log verbosity level
	configFile   string // Optional YAML config file; flags override it
	totalSlots   int    // Total KV cache slots
	tokenBudget  int64  // Max total new tokens across the batch per iteration
	maxRunning   int    // Max requests running together
	prefillChunk int64  // Prefill length beyond which chunked prefill triggers
	headroom     int    // Extra slots each forced eviction over-frees
	maxModelLen  int    // Max request length (prompt + output tokens)
	vocabSize    int    // Vocabulary size for the stub runner
	eosToken     int    // End-of-sequence token id
	ordering     string // Wait queue ordering policy
	priorityPol  string // Priority policy for priority-aware orderings
	admissionPol string // Ingress admission policy
	bucketCap    float64
	bucketRefill float64
	enableTrace  bool

	// CLI flags for synthetic workload generation
	numRequests     int
	promptMean      int
	promptStdev     int
	promptMin       int
	promptMax       int
	outputMean      int
	outputStdev     int
	outputMin       int
	outputMax       int
	sharedPrefixLen int
	prefixGroups    int
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "sglang-core",
	Short: "Continuous-batching scheduler core with a radix KV cache",
}

// serveCmd runs the engine loop against the deterministic stub runner,
// feeding it a synthetic workload. Useful for exercising scheduling and
// cache behavior without a real model backend.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler loop over a synthetic workload",
}

// serveRunE is assigned to serveCmd.RunE in init to avoid an
// initialization cycle through applyFlagOverrides, which reads serveCmd.
func serveRunE(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)

	cfg, spec, err := buildConfig()
	if err != nil {
		return err
	}

	rng := core.NewPartitionedRNG(cfg.Seed)
	runner := core.NewStubRunner(rng, cfg.Model.VocabSize, cfg.Model.EOSToken)
	engine, err := core.NewEngine(cfg, runner)
	if err != nil {
		return err
	}

	workload, err := core.GenerateWorkload(spec, cfg.Model, rng)
	if err != nil {
		return err
	}
	logrus.Infof("Starting engine with %d slots, token budget %d, %d synthetic requests",
		cfg.Capacity.TotalSlots, cfg.Capacity.TokenBudget, len(workload))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	start := time.Now()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return engine.Run(runCtx)
	})
	g.Go(func() error {
		defer cancel() // all streams drained: stop the loop
		return feedWorkload(gctx, engine, runner, workload)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	m := engine.Metrics()
	logrus.Infof("Engine stopped after %s: %s", time.Since(start).Round(time.Millisecond), m.String())
	if s := engine.TraceSummary(); s != nil {
		logrus.Infof("Decision trace: %s", s.String())
	}
	return nil
}

// feedWorkload submits every request, scripting the stub runner's outputs,
// and waits for all streams to terminate.
func feedWorkload(ctx context.Context, engine *core.Engine, runner *core.StubRunner, workload []core.WorkloadRequest) error {
	g, _ := errgroup.WithContext(ctx)
	for _, w := range workload {
		runner.Script(w.ID, w.Output)
		sp := core.SamplingParams{
			Temperature:  1.0,
			TopP:         1.0,
			MaxNewTokens: len(w.Output) + 1,
		}
		handle, err := engine.Submit(w.ID, w.Prompt, sp, 0)
		if err != nil {
			logrus.Warnf("submit %s rejected: %v", w.ID, err)
			continue
		}
		g.Go(func() error {
			for ev := range handle.Events {
				if ev.Done {
					logrus.Debugf("request %s done (%s)", handle.ID, ev.Reason)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	serveCmd.RunE = serveRunE

	serveCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for workload generation and stub sampling")
	serveCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	serveCmd.Flags().StringVar(&configFile, "config", "", "YAML config file; CLI flags override its values")

	// Engine capacity configs
	serveCmd.Flags().IntVar(&totalSlots, "total-slots", 4096, "Total KV cache slots")
	serveCmd.Flags().Int64Var(&tokenBudget, "token-budget", 2048, "Maximum total new tokens across the batch per iteration")
	serveCmd.Flags().IntVar(&maxRunning, "max-running", 64, "Maximum number of requests running together")
	serveCmd.Flags().Int64Var(&prefillChunk, "prefill-chunk", 0, "Prefill length beyond which chunked prefill is triggered (0 disables)")
	serveCmd.Flags().IntVar(&headroom, "eviction-headroom", 0, "Extra slots each forced eviction over-frees")
	serveCmd.Flags().IntVar(&maxModelLen, "max-model-len", 0, "Max request length, prompt + output tokens (0 disables)")

	// Model/token-space configs
	serveCmd.Flags().IntVar(&vocabSize, "vocab-size", 32000, "Vocabulary size for the stub runner")
	serveCmd.Flags().IntVar(&eosToken, "eos-token", 2, "End-of-sequence token id")

	// Policy configs
	serveCmd.Flags().StringVar(&ordering, "queue-ordering", "fcfs", "Wait queue ordering (fcfs, priority-fcfs, sjf)")
	serveCmd.Flags().StringVar(&priorityPol, "priority-policy", "hint", "Priority policy (hint, aging)")
	serveCmd.Flags().StringVar(&admissionPol, "admission", "always-admit", "Ingress admission policy (always-admit, token-bucket)")
	serveCmd.Flags().Float64Var(&bucketCap, "bucket-capacity", 0, "Token bucket capacity, in prompt tokens")
	serveCmd.Flags().Float64Var(&bucketRefill, "bucket-refill", 0, "Token bucket refill rate, prompt tokens per second")
	serveCmd.Flags().BoolVar(&enableTrace, "trace", false, "Record admission/preemption/eviction decisions")

	// Synthetic workload configs
	serveCmd.Flags().IntVar(&numRequests, "num-requests", 100, "Number of synthetic requests")
	serveCmd.Flags().IntVar(&promptMean, "prompt-tokens", 128, "Average prompt token count")
	serveCmd.Flags().IntVar(&promptStdev, "prompt-tokens-stdev", 64, "Stddev prompt token count")
	serveCmd.Flags().IntVar(&promptMin, "prompt-tokens-min", 2, "Min prompt token count")
	serveCmd.Flags().IntVar(&promptMax, "prompt-tokens-max", 1024, "Max prompt token count")
	serveCmd.Flags().IntVar(&outputMean, "output-tokens", 64, "Average output token count")
	serveCmd.Flags().IntVar(&outputStdev, "output-tokens-stdev", 32, "Stddev output token count")
	serveCmd.Flags().IntVar(&outputMin, "output-tokens-min", 1, "Min output token count")
	serveCmd.Flags().IntVar(&outputMax, "output-tokens-max", 512, "Max output token count")
	serveCmd.Flags().IntVar(&sharedPrefixLen, "shared-prefix-len", 0, "Shared prefix tokens per prefix group")
	serveCmd.Flags().IntVar(&prefixGroups, "prefix-groups", 1, "Number of distinct shared prefixes")

	rootCmd.AddCommand(serveCmd)
}

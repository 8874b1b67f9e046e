// Package core implements the request-scheduling and KV-memory engine of
// an LLM inference server: continuous batching over a radix prefix cache
// backed by a fixed-capacity slot store.
//
// # Reading Guide
//
// Start with these files to understand the engine:
//   - request.go: Request lifecycle (waiting → running → finished/aborted)
//   - blockstore.go: the fixed-capacity slot ledger
//   - radix.go: the prefix tree with reference counting and LRU eviction
//   - planner.go: per-iteration admission, continuation, and preemption
//   - engine.go: the control loop tying it all together
//
// # Key Interfaces
//
// The extension points are single-method or small interfaces:
//   - ModelRunner: the external forward-pass boundary
//   - BatchPlanner: form batches from waiting requests with slot constraints
//   - QueueOrdering: order requests within the wait queue
//   - PriorityPolicy: compute priority scores for scheduling
//   - AdmissionPolicy: accept or reject requests at ingress
//
// # Ownership
//
// The engine loop is the sole mutator of the wait queue, running set,
// radix cache, and block store; Intake is the only thread-safe boundary.
// The block store is the single source of truth for slot ownership, and
// exactly one radix node owns a given slot set at a time.
package core

package core

import (
	"testing"
)

func testModel() ModelConfig {
	return ModelConfig{VocabSize: 100, EOSToken: 2}
}

func testWorkloadSpec() WorkloadSpec {
	return WorkloadSpec{
		NumRequests: 50,
		PromptMean:  20, PromptStdev: 10, PromptMin: 2, PromptMax: 64,
		OutputMean: 8, OutputStdev: 4, OutputMin: 1, OutputMax: 32,
	}
}

func TestGenerateWorkload_DeterministicAcrossRuns(t *testing.T) {
	spec := testWorkloadSpec()
	a, err := GenerateWorkload(spec, testModel(), NewPartitionedRNG(42))
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateWorkload(spec, testModel(), NewPartitionedRNG(42))
	if err != nil {
		t.Fatal(err)
	}

	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatalf("request %d id differs", i)
		}
		if !equalInts(a[i].Prompt, b[i].Prompt) || !equalInts(a[i].Output, b[i].Output) {
			t.Fatalf("request %d content differs", i)
		}
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestGenerateWorkload_RespectsLengthBounds(t *testing.T) {
	spec := testWorkloadSpec()
	reqs, err := GenerateWorkload(spec, testModel(), NewPartitionedRNG(7))
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range reqs {
		if len(r.Prompt) < spec.PromptMin || len(r.Prompt) > spec.PromptMax {
			t.Errorf("%s: prompt length %d outside [%d,%d]", r.ID, len(r.Prompt), spec.PromptMin, spec.PromptMax)
		}
		if len(r.Output) < spec.OutputMin || len(r.Output) > spec.OutputMax {
			t.Errorf("%s: output length %d outside [%d,%d]", r.ID, len(r.Output), spec.OutputMin, spec.OutputMax)
		}
	}
}

func TestGenerateWorkload_ScriptedOutputsAvoidEOS(t *testing.T) {
	// EOS mid-script would finish the request early; the generator must
	// never place it so scripted lengths are exact.
	model := testModel()
	reqs, err := GenerateWorkload(testWorkloadSpec(), model, NewPartitionedRNG(9))
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range reqs {
		for _, tok := range r.Output {
			if tok == model.EOSToken {
				t.Fatalf("%s: EOS in scripted output", r.ID)
			}
		}
	}
}

func TestGenerateWorkload_SharedPrefixGroups(t *testing.T) {
	// GIVEN 2 prefix groups with a 10-token shared prefix
	spec := testWorkloadSpec()
	spec.NumRequests = 8
	spec.SharedPrefixLen = 10
	spec.PrefixGroups = 2
	reqs, err := GenerateWorkload(spec, testModel(), NewPartitionedRNG(3))
	if err != nil {
		t.Fatal(err)
	}

	// THEN requests alternate groups and share prefixes within a group
	prefixOf := func(r WorkloadRequest) []int { return r.Prompt[:spec.SharedPrefixLen] }
	if !equalInts(prefixOf(reqs[0]), prefixOf(reqs[2])) {
		t.Error("requests 0 and 2 should share a prefix")
	}
	if !equalInts(prefixOf(reqs[1]), prefixOf(reqs[3])) {
		t.Error("requests 1 and 3 should share a prefix")
	}
	if equalInts(prefixOf(reqs[0]), prefixOf(reqs[1])) {
		t.Error("adjacent requests belong to different groups")
	}
}

func TestGenerateWorkload_RejectsInvalidSpec(t *testing.T) {
	spec := testWorkloadSpec()
	spec.NumRequests = 0
	if _, err := GenerateWorkload(spec, testModel(), NewPartitionedRNG(1)); err == nil {
		t.Error("zero requests should be rejected")
	}
	spec = testWorkloadSpec()
	spec.PromptMax = spec.PromptMin - 1
	if _, err := GenerateWorkload(spec, testModel(), NewPartitionedRNG(1)); err == nil {
		t.Error("inverted prompt bounds should be rejected")
	}
}

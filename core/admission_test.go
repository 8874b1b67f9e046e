package core

import (
	"testing"
)

func admissionRequest(t *testing.T, promptLen int) *Request {
	t.Helper()
	return orderingRequest(t, "r", promptLen, 0, 0)
}

func TestAlwaysAdmit(t *testing.T) {
	p := NewAdmissionPolicy("always-admit", 0, 0)
	ok, reason := p.Admit(admissionRequest(t, 10_000), 0)
	if !ok || reason != "" {
		t.Errorf("got (%v, %q)", ok, reason)
	}
}

func TestTokenBucket_ChargesPromptLength(t *testing.T) {
	// GIVEN a bucket of 10 tokens
	tb := NewTokenBucket(10, 1)

	// THEN an 8-token prompt fits, a second one does not
	if ok, _ := tb.Admit(admissionRequest(t, 8), 0); !ok {
		t.Fatal("first request should fit")
	}
	ok, reason := tb.Admit(admissionRequest(t, 8), 0)
	if ok {
		t.Fatal("second request should be denied")
	}
	if reason == "" {
		t.Error("denial must carry a reason")
	}

	// AND a small request still fits in the 2 remaining tokens
	if ok, _ := tb.Admit(admissionRequest(t, 2), 0); !ok {
		t.Error("2-token request should fit the remainder")
	}
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	// GIVEN an empty bucket refilling at 1 token per second
	tb := NewTokenBucket(10, 1)
	tb.Admit(admissionRequest(t, 10), 0)
	if ok, _ := tb.Admit(admissionRequest(t, 4), 0); ok {
		t.Fatal("bucket should be empty")
	}

	// WHEN 4 seconds pass (microsecond clock)
	if ok, _ := tb.Admit(admissionRequest(t, 4), 4_000_000); !ok {
		t.Error("4 refilled tokens should cover a 4-token prompt")
	}

	// AND the refill never exceeds capacity
	if ok, _ := tb.Admit(admissionRequest(t, 10), 4_000_000_000); !ok {
		t.Error("full bucket should cover a 10-token prompt")
	}
	if ok, _ := tb.Admit(admissionRequest(t, 1), 4_000_000_000); ok {
		t.Error("bucket must cap at capacity, not accumulate beyond it")
	}
}

func TestNewAdmissionPolicy_DefaultsAndUnknown(t *testing.T) {
	if _, ok := NewAdmissionPolicy("", 0, 0).(*AlwaysAdmit); !ok {
		t.Error("empty name should default to always-admit")
	}
	defer func() {
		if r := recover(); r == nil {
			t.Error("unknown policy should panic")
		}
	}()
	NewAdmissionPolicy("leaky-bucket", 1, 1)
}

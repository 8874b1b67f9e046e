package core

import (
	"errors"
	"testing"
)

func TestBlockStore_AllocateAndFree_Accounting(t *testing.T) {
	// GIVEN a store with 8 slots
	bs := NewBlockStore(8)
	if bs.Capacity() != 8 || bs.Available() != 8 || bs.InUse() != 0 {
		t.Fatalf("fresh store accounting wrong: cap=%d avail=%d inuse=%d", bs.Capacity(), bs.Available(), bs.InUse())
	}

	// WHEN we allocate 5 slots
	set, err := bs.Allocate(5)
	if err != nil {
		t.Fatalf("allocate 5 of 8: %v", err)
	}
	if len(set) != 5 {
		t.Fatalf("expected 5 slots, got %d", len(set))
	}
	if bs.Available() != 3 || bs.InUse() != 5 {
		t.Errorf("after allocate: avail=%d inuse=%d", bs.Available(), bs.InUse())
	}

	// THEN freeing them restores the store exactly
	bs.Free(set)
	if bs.Available() != 8 || bs.InUse() != 0 {
		t.Errorf("after free: avail=%d inuse=%d", bs.Available(), bs.InUse())
	}
}

func TestBlockStore_Allocate_HandsOutLowIndicesFirst(t *testing.T) {
	// The free list is seeded so a fresh store allocates slot 0 upward.
	// Nothing depends on this for correctness, but determinism does.
	bs := NewBlockStore(4)
	set, err := bs.Allocate(3)
	if err != nil {
		t.Fatal(err)
	}
	for i, s := range set {
		if int(s) != i {
			t.Errorf("slot %d: expected index %d, got %d", i, i, s)
		}
	}
}

func TestBlockStore_Allocate_OOMHasNoSideEffects(t *testing.T) {
	// GIVEN a store with 2 free slots
	bs := NewBlockStore(4)
	held, err := bs.Allocate(2)
	if err != nil {
		t.Fatal(err)
	}

	// WHEN we over-ask
	_, err = bs.Allocate(3)

	// THEN the error is ErrOutOfMemory and nothing was consumed
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
	if bs.Available() != 2 {
		t.Errorf("failed allocation consumed slots: avail=%d", bs.Available())
	}

	// AND the original allocation is still intact
	bs.Free(held)
	if bs.Available() != 4 {
		t.Errorf("after free: avail=%d", bs.Available())
	}
}

func TestBlockStore_Allocate_ZeroReturnsEmptySet(t *testing.T) {
	bs := NewBlockStore(2)
	set, err := bs.Allocate(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 0 {
		t.Errorf("expected empty set, got %d slots", len(set))
	}
}

func TestBlockStore_DoubleFree_Panics(t *testing.T) {
	bs := NewBlockStore(4)
	set, err := bs.Allocate(1)
	if err != nil {
		t.Fatal(err)
	}
	bs.Free(set)

	defer func() {
		if r := recover(); r == nil {
			t.Error("double free should panic")
		}
	}()
	bs.Free(set)
}

func TestBlockStore_FreeOutOfRange_Panics(t *testing.T) {
	bs := NewBlockStore(4)
	defer func() {
		if r := recover(); r == nil {
			t.Error("freeing an out-of-range slot should panic")
		}
	}()
	bs.Free(SlotSet{Slot(99)})
}

func TestNewBlockStore_NonPositiveCapacity_Panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("zero capacity should panic")
		}
	}()
	NewBlockStore(0)
}

// Block store: a fixed-capacity ledger of KV cache slots.
//
// Each slot holds the attention state for exactly one token at one tree
// depth. The store is a pure resource ledger: no eviction policy, no
// knowledge of the radix tree. Capacity is fixed at startup and never
// resized. Exactly one radix node owns a given slot at a time; the tree is
// responsible for returning slots here when nodes are evicted.

package core

import "fmt"

// Slot identifies one addressable unit of cache capacity.
type Slot int32

// SlotSet is an opaque handle over a set of allocated slots. The radix
// cache treats it as a fixed-length value equal to its node's run length;
// the indices need not be contiguous.
type SlotSet []Slot

// BlockStore tracks ownership of every slot. Internally a LIFO free list
// plus a per-slot allocation bit so that a double free fails loudly
// instead of corrupting the ledger.
type BlockStore struct {
	capacity  int
	freeList  []Slot
	allocated []bool
}

// NewBlockStore creates a store with the given slot capacity. All slots
// start free. Panics if capacity is not positive: the core cannot operate
// without memory, and capacity comes from startup configuration.
func NewBlockStore(capacity int) *BlockStore {
	if capacity <= 0 {
		panic(fmt.Sprintf("NewBlockStore: capacity must be positive, got %d", capacity))
	}
	bs := &BlockStore{
		capacity:  capacity,
		freeList:  make([]Slot, 0, capacity),
		allocated: make([]bool, capacity),
	}
	// Free list is popped from the tail, so push in reverse order to hand
	// out low indices first. Purely cosmetic, but it makes allocation
	// order deterministic and easy to assert on in tests.
	for i := capacity - 1; i >= 0; i-- {
		bs.freeList = append(bs.freeList, Slot(i))
	}
	return bs
}

// Capacity returns the total number of slots, free or allocated.
func (bs *BlockStore) Capacity() int {
	return bs.capacity
}

// Available returns the number of slots currently free.
func (bs *BlockStore) Available() int {
	return len(bs.freeList)
}

// InUse returns the number of slots currently allocated.
func (bs *BlockStore) InUse() int {
	return bs.capacity - len(bs.freeList)
}

// Allocate reserves n slots and returns them as an opaque set.
// Returns ErrOutOfMemory without side effects when fewer than n slots are
// free; the caller decides whether to evict and retry or shrink its batch.
// n = 0 returns an empty set.
func (bs *BlockStore) Allocate(n int) (SlotSet, error) {
	if n < 0 {
		panic(fmt.Sprintf("BlockStore.Allocate: negative count %d", n))
	}
	if n > len(bs.freeList) {
		return nil, fmt.Errorf("allocate %d slots with %d free: %w", n, len(bs.freeList), ErrOutOfMemory)
	}
	set := make(SlotSet, n)
	for i := 0; i < n; i++ {
		s := bs.freeList[len(bs.freeList)-1]
		bs.freeList = bs.freeList[:len(bs.freeList)-1]
		bs.allocated[s] = true
		set[i] = s
	}
	return set, nil
}

// Free returns a slot set to the store. Freeing a slot that is not
// currently allocated is a programming error in the caller (the radix
// cache) and panics: silently absorbing it would hide cache corruption.
func (bs *BlockStore) Free(set SlotSet) {
	for _, s := range set {
		if s < 0 || int(s) >= bs.capacity {
			panic(fmt.Sprintf("BlockStore.Free: slot %d out of range [0,%d)", s, bs.capacity))
		}
		if !bs.allocated[s] {
			panic(fmt.Sprintf("BlockStore.Free: double free of slot %d", s))
		}
		bs.allocated[s] = false
		bs.freeList = append(bs.freeList, s)
	}
}

package core

import (
	"container/heap"
	"errors"
	"testing"
)

// mustAlloc allocates n slots or fails the test.
func mustAlloc(t *testing.T, bs *BlockStore, n int) SlotSet {
	t.Helper()
	set, err := bs.Allocate(n)
	if err != nil {
		t.Fatalf("allocate %d: %v", n, err)
	}
	return set
}

// checkConservation asserts that every slot is either free in the store or
// owned by exactly one tree node. held counts slots the test itself holds.
func checkConservation(t *testing.T, bs *BlockStore, rc *RadixCache, held int) {
	t.Helper()
	if got := bs.Available() + rc.TreeSlots() + held; got != bs.Capacity() {
		t.Fatalf("slot conservation violated: free=%d tree=%d held=%d capacity=%d",
			bs.Available(), rc.TreeSlots(), held, bs.Capacity())
	}
}

func TestRadixCache_InsertThenMatch_FullAndPartial(t *testing.T) {
	// GIVEN a cache holding the sequence [1 2 3 4]
	bs := NewBlockStore(16)
	rc := NewRadixCache(bs)
	rc.Insert([]int{1, 2, 3, 4}, 0, mustAlloc(t, bs, 4))

	// THEN a full lookup matches all four tokens
	if n, _ := rc.MatchPrefix([]int{1, 2, 3, 4}); n != 4 {
		t.Errorf("full match: expected 4, got %d", n)
	}
	// AND a diverging lookup matches the common prefix, even though the
	// boundary falls inside the node's run
	if n, _ := rc.MatchPrefix([]int{1, 2, 9}); n != 2 {
		t.Errorf("partial match: expected 2, got %d", n)
	}
	// AND the lookup did not split anything
	if rc.TotalNodes() != 1 {
		t.Errorf("MatchPrefix split the tree: %d nodes", rc.TotalNodes())
	}
	// AND a disjoint lookup matches nothing
	if n, _ := rc.MatchPrefix([]int{7, 8}); n != 0 {
		t.Errorf("disjoint match: expected 0, got %d", n)
	}
	checkConservation(t, bs, rc, 0)
}

func TestRadixCache_AcquirePrefix_SplitsAndSharesSlots(t *testing.T) {
	// GIVEN [1 2 3 4] cached with known slots
	bs := NewBlockStore(16)
	rc := NewRadixCache(bs)
	slots := mustAlloc(t, bs, 4)
	rc.Insert([]int{1, 2, 3, 4}, 0, slots)

	// WHEN a request pins the prefix of a diverging sequence
	node, matched := rc.AcquirePrefix([]int{1, 2, 9})

	// THEN the node was split exactly at the divergence point
	if matched != 2 {
		t.Fatalf("expected match of 2, got %d", matched)
	}
	if node.Len() != 2 || node.Depth() != 2 {
		t.Errorf("prefix node has run %d, depth %d", node.Len(), node.Depth())
	}
	if rc.TotalNodes() != 2 {
		t.Errorf("expected 2 nodes after split, got %d", rc.TotalNodes())
	}

	// AND the prefix node owns the exact same slots the original sequence
	// computed; no attention state was duplicated or recomputed
	for i := 0; i < 2; i++ {
		if nodeSlot := nodeSlots(node)[i]; nodeSlot != slots[i] {
			t.Errorf("slot %d: prefix node has %d, original allocation had %d", i, nodeSlot, slots[i])
		}
	}
	checkConservation(t, bs, rc, 0)
}

// nodeSlots exposes a node's slot set for assertions.
func nodeSlots(n *Node) SlotSet {
	return n.slots
}

func TestRadixCache_SplitInheritsReferences(t *testing.T) {
	// GIVEN a request holding the full sequence [1 2 3 4]
	bs := NewBlockStore(16)
	rc := NewRadixCache(bs)
	rc.Insert([]int{1, 2, 3, 4}, 0, mustAlloc(t, bs, 4))
	leaf, _ := rc.AcquirePrefix([]int{1, 2, 3, 4})
	if leaf.RefCount() != 1 {
		t.Fatalf("leaf ref count: %d", leaf.RefCount())
	}

	// WHEN a second request splits the node partway
	prefix, _ := rc.AcquirePrefix([]int{1, 2, 9})

	// THEN the prefix carries both references (the first request's path
	// runs through it) and the suffix keeps only the first
	if prefix.RefCount() != 2 {
		t.Errorf("prefix ref count: expected 2, got %d", prefix.RefCount())
	}
	if leaf.RefCount() != 1 {
		t.Errorf("suffix ref count: expected 1, got %d", leaf.RefCount())
	}

	// AND releasing both brings every count back to zero
	rc.Release(leaf)
	rc.Release(prefix)
	if prefix.RefCount() != 0 || leaf.RefCount() != 0 {
		t.Errorf("after release: prefix=%d suffix=%d", prefix.RefCount(), leaf.RefCount())
	}
}

func TestRadixCache_Release_UnderflowPanics(t *testing.T) {
	bs := NewBlockStore(4)
	rc := NewRadixCache(bs)
	leaf := rc.Insert([]int{1, 2}, 0, mustAlloc(t, bs, 2))

	defer func() {
		if r := recover(); r == nil {
			t.Error("releasing an unreferenced node should panic")
		}
	}()
	rc.Release(leaf)
}

func TestRadixCache_Insert_FreesDuplicateSlots(t *testing.T) {
	// GIVEN [1 2 3] already cached
	bs := NewBlockStore(8)
	rc := NewRadixCache(bs)
	first := rc.Insert([]int{1, 2, 3}, 0, mustAlloc(t, bs, 3))

	// WHEN a second caller inserts the same run with freshly computed slots
	// (two requests in one batch computed the same prefix)
	dup := mustAlloc(t, bs, 3)
	second := rc.Insert([]int{1, 2, 3}, 0, dup)

	// THEN the cached slots win and the duplicates go back to the store
	if second != first {
		t.Error("second insert should land on the existing node")
	}
	if bs.Available() != 5 {
		t.Errorf("duplicate slots not freed: avail=%d, expected 5", bs.Available())
	}
	if rc.TreeSlots() != 3 {
		t.Errorf("tree slots: expected 3, got %d", rc.TreeSlots())
	}
	checkConservation(t, bs, rc, 0)
}

func TestRadixCache_Insert_LostPinnedPrefixPanics(t *testing.T) {
	bs := NewBlockStore(4)
	rc := NewRadixCache(bs)
	slots := mustAlloc(t, bs, 1)

	defer func() {
		if r := recover(); r == nil {
			t.Error("insert claiming a pinned prefix the tree lacks should panic")
		}
	}()
	rc.Insert([]int{1, 2, 3}, 2, slots)
}

func TestRadixCache_Evict_LRUOrderAndMerge(t *testing.T) {
	// GIVEN two unreferenced branches under a shared first token: [1 2]
	// inserted first, then [1 3] which splits it
	bs := NewBlockStore(8)
	rc := NewRadixCache(bs)
	rc.Insert([]int{1, 2}, 0, mustAlloc(t, bs, 2))
	rc.Insert([]int{1, 3}, 0, mustAlloc(t, bs, 2))
	if rc.TotalNodes() != 3 {
		t.Fatalf("expected 3 nodes ([1], [2], [3]), got %d", rc.TotalNodes())
	}

	// WHEN one slot must be reclaimed
	freed, err := rc.Evict(1)
	if err != nil {
		t.Fatal(err)
	}

	// THEN the least recently touched leaf [2] goes, and the now
	// single-childed [1] merges with [3]
	if freed != 1 {
		t.Errorf("freed %d slots, expected 1", freed)
	}
	if n, _ := rc.MatchPrefix([]int{1, 2}); n != 1 {
		t.Errorf("evicted branch still matches %d tokens", n)
	}
	if n, _ := rc.MatchPrefix([]int{1, 3}); n != 2 {
		t.Errorf("surviving branch matches %d tokens, expected 2", n)
	}
	if rc.TotalNodes() != 1 {
		t.Errorf("expected merge down to 1 node, got %d", rc.TotalNodes())
	}
	checkConservation(t, bs, rc, 0)
}

func TestRadixCache_Evict_MergedBranchKeepsItsRecency(t *testing.T) {
	// GIVEN two branches under a shared first token plus an independent
	// leaf [7], where the shared token [1] was touched most recently
	bs := NewBlockStore(8)
	rc := NewRadixCache(bs)
	rc.Insert([]int{1, 2}, 0, mustAlloc(t, bs, 2))
	rc.Insert([]int{1, 3}, 0, mustAlloc(t, bs, 2))
	rc.Insert([]int{7}, 0, mustAlloc(t, bs, 1))
	rc.MatchPrefix([]int{1, 9})

	// WHEN eviction reclaims two slots: [2] goes first, which merges [1]
	// into [3] and lifts the merged node's last access above [7]'s
	freed, err := rc.Evict(2)
	if err != nil {
		t.Fatal(err)
	}
	if freed != 2 {
		t.Errorf("freed %d slots, expected 2", freed)
	}

	// THEN the second victim is the older leaf [7], not the freshly
	// touched merged branch
	if n, _ := rc.MatchPrefix([]int{1, 3}); n != 2 {
		t.Errorf("recently touched branch evicted out of LRU order: matches %d tokens, expected 2", n)
	}
	if n, _ := rc.MatchPrefix([]int{7}); n != 0 {
		t.Errorf("older leaf [7] survived: matches %d tokens", n)
	}
	checkConservation(t, bs, rc, 0)
}

func TestRadixCache_Evict_NeverTouchesReferencedNodes(t *testing.T) {
	// GIVEN a referenced sequence and an unreferenced one
	bs := NewBlockStore(8)
	rc := NewRadixCache(bs)
	rc.Insert([]int{1, 2, 3}, 0, mustAlloc(t, bs, 3))
	rc.Insert([]int{7, 8}, 0, mustAlloc(t, bs, 2))
	pinned, _ := rc.AcquirePrefix([]int{1, 2, 3})

	// WHEN we ask for more than the unreferenced branch holds
	freed, err := rc.Evict(5)

	// THEN only the unreferenced 2 slots came back, with the shortfall error
	if !errors.Is(err, ErrInsufficientCache) {
		t.Fatalf("expected ErrInsufficientCache, got %v", err)
	}
	if freed != 2 {
		t.Errorf("freed %d, expected 2", freed)
	}
	if n, _ := rc.MatchPrefix([]int{1, 2, 3}); n != 3 {
		t.Errorf("pinned sequence lost: matches %d", n)
	}

	// AND once released the rest becomes reclaimable
	rc.Release(pinned)
	freed, err = rc.Evict(3)
	if err != nil || freed != 3 {
		t.Errorf("after release: freed=%d err=%v", freed, err)
	}
	if bs.Available() != bs.Capacity() {
		t.Errorf("store not fully restored: avail=%d", bs.Available())
	}
}

func TestRadixCache_Evict_ZeroTargetIsNoop(t *testing.T) {
	bs := NewBlockStore(4)
	rc := NewRadixCache(bs)
	rc.Insert([]int{1, 2}, 0, mustAlloc(t, bs, 2))
	freed, err := rc.Evict(0)
	if freed != 0 || err != nil {
		t.Errorf("Evict(0) = (%d, %v)", freed, err)
	}
	if rc.TreeSlots() != 2 {
		t.Errorf("Evict(0) modified the tree")
	}
}

func TestRadixCache_ReclaimableSlots_TracksReferences(t *testing.T) {
	bs := NewBlockStore(8)
	rc := NewRadixCache(bs)
	rc.Insert([]int{1, 2, 3}, 0, mustAlloc(t, bs, 3))

	if got := rc.ReclaimableSlots(); got != 3 {
		t.Errorf("unreferenced tree: reclaimable=%d, expected 3", got)
	}
	node, _ := rc.AcquirePrefix([]int{1, 2, 3})
	if got := rc.ReclaimableSlots(); got != 0 {
		t.Errorf("referenced tree: reclaimable=%d, expected 0", got)
	}
	rc.Release(node)
	if got := rc.ReclaimableSlots(); got != 3 {
		t.Errorf("after release: reclaimable=%d, expected 3", got)
	}
}

func TestRadixCache_Reset_ReturnsEverySlot(t *testing.T) {
	bs := NewBlockStore(16)
	rc := NewRadixCache(bs)
	rc.Insert([]int{1, 2, 3}, 0, mustAlloc(t, bs, 3))
	rc.Insert([]int{1, 2, 7, 8}, 0, mustAlloc(t, bs, 2))
	// Reset ignores references: shutdown has already detached requests.
	rc.AcquirePrefix([]int{1, 2, 3})

	rc.Reset()

	if bs.Available() != bs.Capacity() {
		t.Errorf("reset left %d slots allocated", bs.InUse())
	}
	if rc.TotalNodes() != 0 || rc.TreeSlots() != 0 {
		t.Errorf("reset left nodes=%d slots=%d", rc.TotalNodes(), rc.TreeSlots())
	}
	if n, _ := rc.MatchPrefix([]int{1, 2}); n != 0 {
		t.Errorf("reset tree still matches %d tokens", n)
	}
}

func TestEvictHeap_OrdersByLastAccessThenInsertion(t *testing.T) {
	// Eviction order must be deterministic: oldest access first, insertion
	// order breaking ties.
	a := &Node{lastAccess: 5, seq: 1, heapIndex: -1}
	b := &Node{lastAccess: 3, seq: 9, heapIndex: -1}
	c := &Node{lastAccess: 3, seq: 2, heapIndex: -1}
	h := &evictHeap{}
	for _, n := range []*Node{a, b, c} {
		heap.Push(h, n)
	}

	want := []*Node{c, b, a}
	for i, expected := range want {
		got := heap.Pop(h).(*Node)
		if got != expected {
			t.Fatalf("pop %d: got (access=%d, seq=%d), expected (access=%d, seq=%d)",
				i, got.lastAccess, got.seq, expected.lastAccess, expected.seq)
		}
		if got.heapIndex != -1 {
			t.Fatalf("pop %d: heap index not cleared: %d", i, got.heapIndex)
		}
	}
}

func TestRadixCache_InterleavedLifecycle_ConservesSlots(t *testing.T) {
	// Exercise insert, acquire, split, release, and evict in sequence,
	// checking after every step that no slot is leaked or double-owned.
	bs := NewBlockStore(32)
	rc := NewRadixCache(bs)

	rc.Insert([]int{1, 2, 3, 4, 5}, 0, mustAlloc(t, bs, 5))
	checkConservation(t, bs, rc, 0)

	n1, m1 := rc.AcquirePrefix([]int{1, 2, 3, 4, 5})
	if m1 != 5 {
		t.Fatalf("full acquire matched %d", m1)
	}
	checkConservation(t, bs, rc, 0)

	// Diverge after 3 tokens, extending with newly computed state.
	n2, m2 := rc.AcquirePrefix([]int{1, 2, 3, 9})
	if m2 != 3 {
		t.Fatalf("diverging acquire matched %d", m2)
	}
	held := mustAlloc(t, bs, 1)
	checkConservation(t, bs, rc, 1)
	rc.Insert([]int{1, 2, 3, 9}, 3, held)
	checkConservation(t, bs, rc, 0)

	rc.Release(n1)
	rc.Release(n2)
	checkConservation(t, bs, rc, 0)

	freed, err := rc.Evict(bs.Capacity())
	if !errors.Is(err, ErrInsufficientCache) && err != nil {
		t.Fatalf("unexpected eviction error: %v", err)
	}
	if freed != 6 {
		t.Errorf("expected all 6 tree slots freed, got %d", freed)
	}
	if bs.Available() != bs.Capacity() {
		t.Errorf("store not restored: avail=%d of %d", bs.Available(), bs.Capacity())
	}
}

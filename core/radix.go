// Radix cache: a prefix tree over token sequences.
//
// Each node owns a run of tokens and a slot set of equal length in the
// block store. Reference counts track external (request-side) interest
// only: acquiring a node increments every node on its path to the root, so
// a node with ref count zero is the head of a fully unreferenced subtree.
// Tree structure is parent-owned; parent pointers are non-owning and exist
// for O(depth) release and merge passes.
//
// Eviction removes ref-count-0 leaves in LRU order (ties broken by
// insertion order), returning their slots to the block store, and merges
// single-child chains bottom-up where no request holds the parent.

package core

import (
	"container/heap"
	"fmt"

	"github.com/emirpasic/gods/maps/treemap"
)

// Node is one maximal shared run of tokens in the radix cache.
// The zero value is not usable; nodes are created by the cache only.
type Node struct {
	run      []int        // token run represented by this node
	slots    SlotSet      // owned slots, len(slots) == len(run); empty for root
	children *treemap.Map // next token (int) -> *Node, sparse and ordered
	parent   *Node        // nil for root

	refCount   int    // live requests depending on this node or a descendant
	lastAccess int64  // logical clock of the most recent touch
	seq        uint64 // insertion order, eviction tie-break
	heapIndex  int    // position in a live eviction heap, -1 otherwise
}

// RefCount returns the number of live requests depending on this node or
// any of its descendants.
func (n *Node) RefCount() int {
	return n.refCount
}

// Len returns the length of the node's token run.
func (n *Node) Len() int {
	return len(n.run)
}

// Depth returns the total number of tokens covered from the root through
// this node's run. This is the sequence length a request referencing the
// node has cached.
func (n *Node) Depth() int {
	d := 0
	for cur := n; cur != nil; cur = cur.parent {
		d += len(cur.run)
	}
	return d
}

func (n *Node) isLeaf() bool {
	return n.children.Size() == 0
}

// RadixCache is the prefix tree plus its logical access clock.
// All mutation happens synchronously within one scheduler iteration, so the
// cache carries no locking.
type RadixCache struct {
	store *BlockStore
	root  *Node
	clock int64  // bumped once per operation that touches nodes
	seq   uint64 // monotonically increasing node-creation counter
	nodes int    // node count excluding the root
}

// NewRadixCache creates an empty tree backed by the given block store.
// The root represents the empty sequence, owns no slots, and is never
// evicted.
func NewRadixCache(store *BlockStore) *RadixCache {
	return &RadixCache{
		store: store,
		root:  &Node{children: treemap.NewWithIntComparator(), heapIndex: -1},
	}
}

// Root returns the node for the empty sequence.
func (rc *RadixCache) Root() *Node {
	return rc.root
}

// TotalNodes returns the number of nodes excluding the root.
func (rc *RadixCache) TotalNodes() int {
	return rc.nodes
}

// TreeSlots returns the total number of slots owned by nodes in the tree.
// The block store is the source of truth for ownership; this walks the
// tree and is intended for invariant checks.
func (rc *RadixCache) TreeSlots() int {
	total := 0
	rc.walk(rc.root, func(n *Node) {
		total += len(n.slots)
	})
	return total
}

// ReclaimableSlots returns the number of slots held by fully unreferenced
// subtrees, i.e. what Evict could free at most right now. Read-only; used
// by the planner's read-only phase to size the admission budget.
func (rc *RadixCache) ReclaimableSlots() int {
	total := 0
	rc.walk(rc.root, func(n *Node) {
		if n != rc.root && n.refCount == 0 {
			total += len(n.slots)
		}
	})
	return total
}

func (rc *RadixCache) walk(n *Node, fn func(*Node)) {
	fn(n)
	it := n.children.Iterator()
	for it.Next() {
		rc.walk(it.Value().(*Node), fn)
	}
}

func (rc *RadixCache) tick() int64 {
	rc.clock++
	return rc.clock
}

// commonLen returns the length of the position-wise common prefix of a and b.
func commonLen(a, b []int) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// MatchPrefix walks from the root and returns the longest prefix of seq
// that is backed by cached slots, together with the deepest fully matched
// node. The returned length may extend into the middle of that node's
// child when the match ends partway through a run; the tree is not split
// by a lookup. Reference counts are never changed here. Last-access
// timestamps on the matched path are refreshed.
func (rc *RadixCache) MatchPrefix(seq []int) (int, *Node) {
	now := rc.tick()
	node := rc.root
	node.lastAccess = now
	matched := 0
	for matched < len(seq) {
		v, ok := node.children.Get(seq[matched])
		if !ok {
			break
		}
		child := v.(*Node)
		k := commonLen(child.run, seq[matched:])
		child.lastAccess = now
		matched += k
		if k < len(child.run) {
			// Partial run: its first k slots back the query, but the
			// node itself is not fully matched.
			break
		}
		node = child
	}
	return matched, node
}

// AcquirePrefix pins the longest cached prefix of seq for a request: it
// splits a partially matched node so the boundary lands exactly on a node,
// increments reference counts along the path, and returns the deepest node
// covering the prefix together with its length. A zero-length match
// returns the root.
func (rc *RadixCache) AcquirePrefix(seq []int) (*Node, int) {
	now := rc.tick()
	node := rc.root
	node.lastAccess = now
	matched := 0
	for matched < len(seq) {
		v, ok := node.children.Get(seq[matched])
		if !ok {
			break
		}
		child := v.(*Node)
		k := commonLen(child.run, seq[matched:])
		if k < len(child.run) {
			child = rc.split(child, k)
		}
		child.lastAccess = now
		matched += k
		node = child
	}
	rc.Acquire(node)
	return node, matched
}

// Acquire increments the reference count of node and every ancestor.
func (rc *RadixCache) Acquire(node *Node) {
	for n := node; n != nil; n = n.parent {
		n.refCount++
	}
}

// Release decrements the reference count of node and every ancestor.
// It never evicts: a node that reaches zero merely becomes eligible.
// Underflow panics; it means the cache is corrupt.
func (rc *RadixCache) Release(node *Node) {
	for n := node; n != nil; n = n.parent {
		n.refCount--
		if n.refCount < 0 {
			panic(fmt.Sprintf("RadixCache.Release: ref count underflow on node (run len %d)", len(n.run)))
		}
	}
}

// split divides child into a shared prefix node of k tokens and child
// itself keeping the divergent suffix. Slots are re-parented without
// recomputation. The new prefix node inherits child's reference count (any
// request depending on child depends on the prefix too), its last-access
// time, and its insertion order; child gets a fresh insertion number.
func (rc *RadixCache) split(child *Node, k int) *Node {
	if k <= 0 || k >= len(child.run) {
		panic(fmt.Sprintf("RadixCache.split: k=%d out of range for run of %d", k, len(child.run)))
	}
	parent := child.parent
	prefix := &Node{
		run:        append([]int(nil), child.run[:k]...),
		slots:      append(SlotSet(nil), child.slots[:k]...),
		children:   treemap.NewWithIntComparator(),
		parent:     parent,
		refCount:   child.refCount,
		lastAccess: child.lastAccess,
		seq:        child.seq,
		heapIndex:  -1,
	}
	rc.seq++
	child.seq = rc.seq
	child.run = append([]int(nil), child.run[k:]...)
	child.slots = append(SlotSet(nil), child.slots[k:]...)
	child.parent = prefix
	prefix.children.Put(child.run[0], child)
	parent.children.Put(prefix.run[0], prefix)
	rc.nodes++
	return prefix
}

// Insert extends the tree so that it covers seq entirely. The caller has
// computed attention state for seq[from:] into slots (one slot per token,
// in order). Tokens in seq[from:] that turn out to be covered already —
// another request inserted the same run since the caller planned — keep
// their cached slots, and the caller's duplicate slots are freed back to
// the block store. Returns the deepest node covering seq.
//
// Insert panics if the tree covers fewer than from tokens of seq: the
// caller holds a reference pinning that prefix, so losing it means the
// cache is corrupt.
func (rc *RadixCache) Insert(seq []int, from int, slots SlotSet) *Node {
	if len(slots) != len(seq)-from {
		panic(fmt.Sprintf("RadixCache.Insert: %d slots for %d uncovered tokens", len(slots), len(seq)-from))
	}
	now := rc.tick()
	node := rc.root
	node.lastAccess = now
	covered := 0
	for covered < len(seq) {
		v, ok := node.children.Get(seq[covered])
		if !ok {
			break
		}
		child := v.(*Node)
		k := commonLen(child.run, seq[covered:])
		if k < len(child.run) {
			child = rc.split(child, k)
		}
		child.lastAccess = now
		covered += k
		node = child
	}
	if covered < from {
		panic(fmt.Sprintf("RadixCache.Insert: tree covers %d tokens, caller pinned %d", covered, from))
	}
	// Slots for the overlap [from, covered) duplicate cached state.
	if dup := covered - from; dup > 0 {
		rc.store.Free(slots[:dup])
		slots = slots[dup:]
	}
	if covered == len(seq) {
		return node
	}
	rc.seq++
	leaf := &Node{
		run:        append([]int(nil), seq[covered:]...),
		slots:      append(SlotSet(nil), slots...),
		children:   treemap.NewWithIntComparator(),
		parent:     node,
		lastAccess: now,
		seq:        rc.seq,
		heapIndex:  -1,
	}
	node.children.Put(leaf.run[0], leaf)
	rc.nodes++
	return leaf
}

// evictHeap orders ref-count-0 leaves for eviction: oldest last access
// first, insertion order breaking ties. Mirrors the ordering contract the
// scheduler uses everywhere else so eviction stays deterministic. Nodes
// track their heap position so a merge that re-keys a still-queued node
// can restore the heap invariant with heap.Fix.
type evictHeap []*Node

func (h evictHeap) Len() int { return len(h) }
func (h evictHeap) Less(i, j int) bool {
	if h[i].lastAccess != h[j].lastAccess {
		return h[i].lastAccess < h[j].lastAccess
	}
	return h[i].seq < h[j].seq
}

func (h evictHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *evictHeap) Push(x any) {
	n := x.(*Node)
	n.heapIndex = len(*h)
	*h = append(*h, n)
}

func (h *evictHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	item.heapIndex = -1
	*h = old[:n-1]
	return item
}

// Evict frees at least target slots by removing ref-count-0 leaves in LRU
// order, merging single-child parents bottom-up as branch points disappear.
// Returns the number of slots actually freed. If every evictable node is
// gone before reaching target, returns what was freed along with
// ErrInsufficientCache; the caller shrinks its batch instead of stalling.
func (rc *RadixCache) Evict(target int) (int, error) {
	if target <= 0 {
		return 0, nil
	}
	h := &evictHeap{}
	rc.walk(rc.root, func(n *Node) {
		if n != rc.root && n.refCount == 0 && n.isLeaf() {
			n.heapIndex = len(*h)
			*h = append(*h, n)
		}
	})
	heap.Init(h)

	freed := 0
	for freed < target && h.Len() > 0 {
		leaf := heap.Pop(h).(*Node)
		parent := leaf.parent
		rc.store.Free(leaf.slots)
		freed += len(leaf.slots)
		parent.children.Remove(leaf.run[0])
		leaf.parent = nil
		rc.nodes--

		if parent == rc.root {
			continue
		}
		if parent.isLeaf() {
			if parent.refCount == 0 {
				heap.Push(h, parent)
			}
			continue
		}
		if parent.children.Size() == 1 {
			rc.maybeMerge(parent, h)
		}
	}
	if freed < target {
		return freed, fmt.Errorf("evicted %d of %d requested slots: %w", freed, target, ErrInsufficientCache)
	}
	return freed, nil
}

// maybeMerge collapses parent with its only child when parent is no longer
// needed as a branch point. The child absorbs the parent, keeping the
// child's identity so request back-references into it stay valid. Safe only
// when the two reference counts are equal: every reference on the child is
// also counted on the parent, so equality proves no live request holds the
// parent itself.
func (rc *RadixCache) maybeMerge(parent *Node, h *evictHeap) {
	if parent == rc.root || parent.children.Size() != 1 {
		return
	}
	it := parent.children.Iterator()
	it.Next()
	child := it.Value().(*Node)
	if parent.refCount != child.refCount {
		return
	}
	grand := parent.parent
	child.run = append(append([]int(nil), parent.run...), child.run...)
	child.slots = append(append(SlotSet(nil), parent.slots...), child.slots...)
	child.parent = grand
	if parent.seq < child.seq {
		child.seq = parent.seq
	}
	if parent.lastAccess > child.lastAccess {
		child.lastAccess = parent.lastAccess
	}
	// The surviving child may still sit in the eviction heap; its keys
	// just changed, so its position must be restored before the next pop
	// or a freshly touched branch could be evicted ahead of older leaves.
	if child.heapIndex >= 0 {
		heap.Fix(h, child.heapIndex)
	}
	grand.children.Put(child.run[0], child)
	parent.parent = nil
	parent.children.Clear()
	rc.nodes--
	// Chains collapse one level per eviction; recurse so a merge that
	// leaves the grandparent single-childed finishes the job.
	if grand != rc.root && grand.children.Size() == 1 {
		rc.maybeMerge(grand, h)
	}
}

// Reset frees every slot in the tree back to the block store and empties
// the cache. Reference counts are ignored: this is shutdown cleanup, after
// the engine has already detached all requests. Calling Reset on an empty
// cache is a no-op.
func (rc *RadixCache) Reset() {
	rc.walk(rc.root, func(n *Node) {
		if n != rc.root && len(n.slots) > 0 {
			rc.store.Free(n.slots)
		}
	})
	rc.root = &Node{children: treemap.NewWithIntComparator(), heapIndex: -1}
	rc.nodes = 0
}

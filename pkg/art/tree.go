package art

import (
	"sync"
	"sync/atomic"

	"artpmem/pkg/epoch"
	"artpmem/pkg/pmem"
)

// Tree is a concurrent, crash-consistent Adaptive Radix Tree keyed and
// valued by arbitrary byte slices, backed by a PMEM-simulated Region.
// Readers use optimistic lock coupling and never block; writers take
// per-node locks only for the nodes they actually mutate and publish
// structural changes with the journaled slot protocol. Reclaimed
// memory is returned to the allocator only after the epoch
// collaborator confirms no reader can still see it.
type Tree struct {
	region pmem.Region
	epoch  *epoch.Manager
	cache  sync.Map // pmem.Addr -> *innerNode

	// rootMu serializes the rare structural changes that touch the
	// root slot itself (bootstrapping the first key, splitting a leaf
	// root, or growing/shrinking/collapsing the root node). Ordinary
	// lookups never take it; they read the root word directly.
	rootMu sync.Mutex

	// recoveryGen numbers recovery passes; each node latches the pass
	// that repaired it so a pass visits every node exactly once.
	recoveryGen atomic.Uint32

	closed atomic.Bool
	stats  Stats
}

// Open creates or reopens a Tree using the backing storage named by
// opts.RegionPath, or an in-memory region if RegionPath is empty.
func Open(opts Options) (*Tree, error) {
	size := opts.RegionSize
	if size <= 0 {
		size = defaultRegionSize
	}

	var region pmem.Region
	var err error
	if opts.RegionPath == "" {
		region, err = pmem.OpenMem(size)
	} else {
		region, err = pmem.Open(opts.RegionPath, size)
	}
	if err != nil {
		return nil, err
	}

	t := &Tree{region: region, epoch: epoch.New()}

	if err := t.Recover(); err != nil {
		return nil, err
	}

	return t, nil
}

// Close flushes and releases the Tree's backing region. Close waits
// for any in-flight epoch guards to drain before closing.
func (t *Tree) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return ErrTreeClosed
	}
	t.epoch.DrainAll()
	return t.region.Close()
}

// copyBytes returns an independent copy of b, since b may be a slice
// directly over mmap'd memory that the caller must not retain past the
// call that produced it.
func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// childNode returns the cached *innerNode for addr, decoding it from
// durable bytes on first access. Every call for the same addr returns
// the identical Go object so concurrent callers CAS the same lock
// word, a page-cache-by-address pattern.
func (t *Tree) childNode(addr pmem.Addr) *innerNode {
	if v, ok := t.cache.Load(addr); ok {
		return v.(*innerNode)
	}
	n := decodeInnerNode(t.region, addr)
	actual, _ := t.cache.LoadOrStore(addr, n)
	return actual.(*innerNode)
}

func (t *Tree) forgetNode(addr pmem.Addr) {
	t.cache.Delete(addr)
}

func (t *Tree) rootWord() uint64 {
	return uint64(t.region.Root())
}

func (t *Tree) setRootWord(w uint64) {
	t.region.SetRoot(pmem.Addr(w))
}

// retireNode marks n obsolete, unlocks it, and schedules its durable
// storage for reclamation once no reader can still observe it. The
// cache entry stays pinned until that reclamation: a descent that read
// n's address before the swap must keep finding this object, whose
// obsolete bit fails its lock or version check, rather than re-decode
// the durable bytes into a fresh word with the bit lost.
func (t *Tree) retireNode(n *innerNode) {
	writeUnlockObsolete(&n.lock)
	t.stats.recordNodeFreed(n.variant)
	addr := n.addr
	region := t.region
	t.epoch.Retire(uintptr(addr), func(uintptr) {
		t.forgetNode(addr)
		region.Free(addr)
	})
}

// retireLeaf schedules a superseded leaf's durable storage for
// reclamation once no reader can still observe it. Leaves carry no
// lock of their own; a reader only ever holds their bytes transiently
// within a single Get/Range step, validated by the parent's version
// before being trusted, so the epoch guard active for that step is
// sufficient to protect it.
func (t *Tree) retireLeaf(addr pmem.Addr) {
	t.stats.LeafCount.Add(-1)
	region := t.region
	t.epoch.Retire(uintptr(addr), func(uintptr) {
		region.Free(addr)
	})
}

// Get returns the value stored for key, or ErrNotFound.
func (t *Tree) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrKeyRequired
	}
	if t.closed.Load() {
		return nil, ErrTreeClosed
	}

	g := t.epoch.Enter()
	defer g.Leave()

	for {
		root := t.rootWord()
		if isNullWord(root) {
			return nil, ErrNotFound
		}
		addr, isLeaf, _ := decodeChildWord(root)
		if isLeaf {
			lf := leafAt(t.region, addr)
			if lf.CheckKey(key) {
				return copyBytes(lf.Value()), nil
			}
			return nil, ErrNotFound
		}

		value, err, restart := t.getFrom(t.childNode(addr), key)
		if restart {
			t.stats.RestartCount.Add(1)
			continue
		}
		return value, err
	}
}

// getFrom performs one optimistic descent starting at node. restart is
// true when the node's version changed out from under the read and
// the caller must retry from the root.
func (t *Tree) getFrom(node *innerNode, key []byte) (value []byte, err error, restart bool) {
	v := readVersion(&node.lock)
	if lockLocked(v) || lockObsolete(v) {
		return nil, nil, true
	}

	depth := node.level0()
	res, _ := checkPrefix(node, key, depth)
	if res == prefixMismatch {
		if !checkOrRestart(&node.lock, v) {
			return nil, nil, true
		}
		return nil, ErrNotFound, false
	}

	newDepth := depth + node.prefixCount()
	if newDepth >= len(key) {
		w, ok := node.getSelfLeaf()
		if !checkOrRestart(&node.lock, v) {
			return nil, nil, true
		}
		if !ok {
			return nil, ErrNotFound, false
		}
		addr, isLeaf, _ := decodeChildWord(w)
		if !isLeaf {
			return nil, nil, true
		}
		lf := leafAt(t.region, addr)
		if lf.CheckKey(key) {
			return copyBytes(lf.Value()), nil, false
		}
		return nil, ErrNotFound, false
	}

	b := key[newDepth]
	w, found := node.getChild(b)
	if !checkOrRestart(&node.lock, v) {
		return nil, nil, true
	}
	if !found {
		return nil, ErrNotFound, false
	}

	addr, isLeaf, _ := decodeChildWord(w)
	if isLeaf {
		lf := leafAt(t.region, addr)
		if lf.CheckKey(key) {
			return copyBytes(lf.Value()), nil, false
		}
		return nil, ErrNotFound, false
	}

	return t.getFrom(t.childNode(addr), key)
}

// Stats returns a point-in-time snapshot of the tree's counters.
func (t *Tree) Stats() StatsSnapshot {
	return t.stats.snapshot()
}

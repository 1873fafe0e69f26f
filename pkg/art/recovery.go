package art

import (
	"sync/atomic"

	"artpmem/pkg/pmem"
)

// Recover walks the durable tree from its root, repairing any node
// whose old-pointer journal is still valid (a crash between the
// journal write and its clearing leaves the journaled slot either
// rolled back to its pre-mutation word or kept, as its dirty bit
// decides; see repairJournal) and rebuilding the in-memory Stats
// counters. It is called once by Open and need not be invoked directly
// by callers.
func (t *Tree) Recover() error {
	gen := t.recoveryGen.Add(1)

	// The shape counters are recounted from zero by the walk below;
	// RestartCount and RecoveredSlots stay cumulative.
	for _, c := range []*atomic.Int64{&t.stats.NodeCount, &t.stats.LeafCount, &t.stats.KeyCount,
		&t.stats.N4Count, &t.stats.N16Count, &t.stats.N48Count, &t.stats.N256Count} {
		c.Store(0)
	}

	root := t.rootWord()
	if isNullWord(root) {
		return nil
	}

	addr, isLeaf, _ := decodeChildWord(root)
	if isLeaf {
		t.stats.LeafCount.Add(1)
		t.stats.KeyCount.Add(1)
		return nil
	}

	return t.recoverNode(addr, gen)
}

func (t *Tree) recoverNode(addr pmem.Addr, gen uint32) error {
	n := t.childNode(addr)

	// The generation latch makes the walk idempotent: a node already
	// repaired by this pass is skipped, which is what lets subtrees be
	// recovered in parallel without repairing a node twice.
	if !n.tryLatchRecovery(gen) {
		return nil
	}

	if err := t.repairJournal(n); err != nil {
		return err
	}

	t.stats.recordNodeCreated(n.variant)

	if w, ok := n.getSelfLeaf(); ok {
		if _, isLeaf, _ := decodeChildWord(w); isLeaf {
			t.stats.LeafCount.Add(1)
			t.stats.KeyCount.Add(1)
		}
	}

	for _, c := range n.getChildren() {
		childAddr, isLeaf, _ := decodeChildWord(c.word)
		if isLeaf {
			t.stats.LeafCount.Add(1)
			t.stats.KeyCount.Add(1)
			continue
		}
		if err := t.recoverNode(childAddr, gen); err != nil {
			return err
		}
	}

	return nil
}

// repairJournal completes or rolls back the in-flight slot update a
// valid journal records. The slot's dirty bit decides which: a dirty
// slot means the crash landed before the new word's flush was durable,
// so the slot rolls back to the journaled pre-mutation word; a clean
// slot means the write completed and only the journal clear was lost,
// so the slot keeps the new word. Either way the journal is cleared.
// Returns a *RecoveryError if the journal names a slot index outside
// the node variant's range - corruption the journal protocol isn't
// designed to tolerate.
func (t *Tree) repairJournal(n *innerNode) error {
	valid, slot, oldWord := decodeJournal(n.journal.Load())
	if !valid {
		return nil
	}

	// An N256 node also uses slot 255 for key byte 0xFF. Only one
	// journaled write is in flight per node, so at most one of the two
	// words is dirty, and the dirty one is the slot to roll back.
	selfDirty := slot == selfLeafJournalSlot && atomic.LoadUint64(&n.selfLeaf)&dirtyBit != 0
	if selfDirty {
		atomic.StoreUint64(&n.selfLeaf, oldWord)
		buf := t.region.Bytes(n.addr+hdrSelfLeaf, 8)
		putUint64(buf, oldWord)
		t.region.Flush(n.addr+hdrSelfLeaf, 8)
	} else if slot != selfLeafJournalSlot || n.variant == VariantN256 {
		if slot < 0 || slot >= len(n.children) {
			return &RecoveryError{NodeAddr: uint64(n.addr), SlotIndex: slot, Variant: n.variant.String()}
		}
		if atomic.LoadUint64(&n.children[slot])&dirtyBit != 0 {
			atomic.StoreUint64(&n.children[slot], oldWord)
			n.writeChildDurable(slot, oldWord)
		}
	}

	n.journal.Store(0)
	n.writeJournalDurable(0)
	t.region.Fence()
	t.stats.RecoveredSlots.Add(1)
	return nil
}

package art

import (
	"encoding/binary"
	"sort"
	"sync/atomic"

	"artpmem/pkg/pmem"
)

// childOffset returns the durable byte offset of a child slot's word
// within the node's own allocation, used to make a single targeted
// durable write instead of re-persisting the whole node on every
// mutation.
func (n *innerNode) childOffset(slot int) pmem.Addr {
	switch n.variant {
	case VariantN4, VariantN16:
		return n.addr + pmem.Addr(headerSize+len(n.keys)+slot*8)
	case VariantN48:
		return n.addr + pmem.Addr(headerSize+256+slot*8)
	default: // VariantN256
		return n.addr + pmem.Addr(headerSize+slot*8)
	}
}

func (n *innerNode) writeChildDurable(slot int, word uint64) {
	buf := n.region.Bytes(n.childOffset(slot), 8)
	binary.LittleEndian.PutUint64(buf, word)
	n.region.Flush(n.childOffset(slot), 8)
}

func (n *innerNode) writeJournalDurable(word uint64) {
	buf := n.region.Bytes(n.addr+hdrJournal, 8)
	binary.LittleEndian.PutUint64(buf, word)
	n.region.Flush(n.addr+hdrJournal, 8)
}

// writeSlotJournaled performs the crash-safe child-slot update protocol:
// record the slot's current word in the old-pointer journal and make
// that record durable, publish the new word with its dirty bit set,
// republish it clean once the flush is durable, then clear the journal.
// The dirty bit is what recovery reads to tell a torn write from a
// completed one: a slot found dirty under a valid journal rolls back to
// the journaled word, a clean slot keeps the new word.
func (n *innerNode) writeSlotJournaled(slot int, newWord uint64) {
	oldWord := atomic.LoadUint64(&n.children[slot])

	jWord := encodeJournal(slot, oldWord)
	n.journal.Store(jWord)
	n.writeJournalDurable(jWord)
	n.region.Fence()

	atomic.StoreUint64(&n.children[slot], newWord)
	n.writeChildDurable(slot, newWord|dirtyBit)
	n.region.Fence()
	n.writeChildDurable(slot, newWord)
	n.region.Fence()

	n.journal.Store(0)
	n.writeJournalDurable(0)
	n.region.Fence()
}

// getSelfLeaf returns the child word stored for a key that ends
// exactly at this node's depth (see node.go's hdrSelfLeaf doc).
func (n *innerNode) getSelfLeaf() (uint64, bool) {
	w := atomic.LoadUint64(&n.selfLeaf)
	return w, !isNullWord(w)
}

// setSelfLeafDirect stores the self-leaf word without the journal
// protocol. It is only safe to use on a node that is not yet reachable
// from any other node or the root, i.e. during construction before
// publication: there is no concurrent reader to race and no crash
// window to protect since the whole node is still unpublished garbage
// on a crash.
func (n *innerNode) setSelfLeafDirect(word uint64) {
	atomic.StoreUint64(&n.selfLeaf, word)
	n.writeSelfLeafDurable(word)
}

// writeSelfLeafJournaled updates the self-leaf slot through the same
// crash-safe journal protocol as an ordinary child slot, addressing it
// as journal slot 255. An N256 node also uses slot 255 for key byte
// 0xFF; recovery tells the two apart by which of the two words carries
// the dirty bit.
const selfLeafJournalSlot = 255

func (n *innerNode) writeSelfLeafJournaled(newWord uint64) {
	oldWord := atomic.LoadUint64(&n.selfLeaf)

	jWord := encodeJournal(selfLeafJournalSlot, oldWord)
	n.journal.Store(jWord)
	n.writeJournalDurable(jWord)
	n.region.Fence()

	atomic.StoreUint64(&n.selfLeaf, newWord)
	n.writeSelfLeafDurable(newWord | dirtyBit)
	n.region.Fence()
	n.writeSelfLeafDurable(newWord)
	n.region.Fence()

	n.journal.Store(0)
	n.writeJournalDurable(0)
	n.region.Fence()
}

func (n *innerNode) writeSelfLeafDurable(word uint64) {
	buf := n.region.Bytes(n.addr+hdrSelfLeaf, 8)
	binary.LittleEndian.PutUint64(buf, word)
	n.region.Flush(n.addr+hdrSelfLeaf, 8)
}

// getChild looks up the child-slot word stored for key byte b. The
// second return is false when no such child exists. Callers read
// without holding the lock and must validate the node's version
// afterward.
func (n *innerNode) getChild(b byte) (uint64, bool) {
	switch n.variant {
	case VariantN4, VariantN16:
		for i := 0; i < n.compactCount(); i++ {
			if n.keys[i] == b {
				w := atomic.LoadUint64(&n.children[i])
				if !isNullWord(w) {
					return w, true
				}
			}
		}
		return 0, false
	case VariantN48:
		idx := n.keys[b]
		if idx == 0 {
			return 0, false
		}
		w := atomic.LoadUint64(&n.children[idx-1])
		return w, !isNullWord(w)
	default: // VariantN256
		w := atomic.LoadUint64(&n.children[b])
		return w, !isNullWord(w)
	}
}

// insertChild adds a new (b, word) mapping at the next never-written
// slot. Returns false when compactCount has reached the variant's
// capacity, even if removals left null holes below it; the caller
// grows or repacks and retries. Appending past holes instead of
// reusing them is what keeps compactCount an honest bound on the slots
// a scan must visit, and keeps slots beyond it null by construction.
//
// Durable write order matters: on N4/N16 the slot's reservation (key
// byte plus the advanced compactCount) is durable before the child
// word goes live, so a crash mid-insert burns an unreachable slot
// rather than leaving a live word below a stale compactCount that the
// next append would silently overwrite. On N48 the index entry is what
// makes the slot reachable, so it is written last, after the word and
// the advanced compactCount. N256 slots are direct-mapped and have no
// reservation.
func (n *innerNode) insertChild(b byte, word uint64) bool {
	switch n.variant {
	case VariantN4, VariantN16:
		slot := n.compactCount()
		if slot >= n.variant.capacity() {
			return false
		}
		n.keys[slot] = b
		n.writeKeyDurable(slot)
		n.count.Add(1)
		n.compact.Add(1)
		n.writeCountDurable()
		n.region.Fence()
		atomic.StoreUint64(&n.children[slot], word)
		n.writeChildDurable(slot, word)
		n.region.Fence()
		return true
	case VariantN48:
		slot := n.compactCount()
		if slot >= 48 {
			return false
		}
		atomic.StoreUint64(&n.children[slot], word)
		n.writeChildDurable(slot, word)
		n.count.Add(1)
		n.compact.Add(1)
		n.writeCountDurable()
		n.region.Fence()
		n.keys[b] = byte(slot + 1)
		n.writeIndexDurable(b)
		n.region.Fence()
		return true
	default: // VariantN256
		atomic.StoreUint64(&n.children[b], word)
		n.writeChildDurable(int(b), word)
		n.count.Add(1)
		n.compact.Store(n.count.Load())
		n.writeCountDurable()
		n.region.Fence()
		return true
	}
}

// changeChild republishes the word stored for an existing key byte,
// via the journaled protocol so a crash mid-update is recoverable.
func (n *innerNode) changeChild(b byte, newWord uint64) {
	switch n.variant {
	case VariantN4, VariantN16:
		for i := 0; i < n.compactCount(); i++ {
			w := atomic.LoadUint64(&n.children[i])
			if n.keys[i] == b && !isNullWord(w) {
				n.writeSlotJournaled(i, newWord)
				return
			}
		}
	case VariantN48:
		idx := n.keys[b]
		if idx != 0 {
			n.writeSlotJournaled(int(idx-1), newWord)
		}
	default: // VariantN256
		n.writeSlotJournaled(int(b), newWord)
	}
}

// removeChild deletes the mapping for key byte b. On the append-based
// variants compactCount is left untouched: it only ever grows, driving
// the grow-vs-repack decision in growth.go.
//
// The N4/N16 arm nulls the slot in place through the journaled slot
// protocol instead of compacting by swapping in the last live entry:
// a swap needs its child-word write and its key-byte write to land
// together, and the old-pointer journal only covers one slot's word,
// so a crash between the two writes could leave the moved entry
// readable through both its old and new slots at once. The null hole
// stays until a repack or growth rebuilds the node; insertChild never
// reuses it.
func (n *innerNode) removeChild(b byte) {
	switch n.variant {
	case VariantN4, VariantN16:
		for i := 0; i < n.compactCount(); i++ {
			w := atomic.LoadUint64(&n.children[i])
			if n.keys[i] == b && !isNullWord(w) {
				n.writeSlotJournaled(i, 0)
				n.count.Add(^uint32(0))
				n.writeCountDurable()
				n.region.Fence()
				return
			}
		}
	case VariantN48:
		idx := n.keys[b]
		if idx == 0 {
			return
		}
		slot := int(idx - 1)
		atomic.StoreUint64(&n.children[slot], 0)
		n.writeChildDurable(slot, 0)
		n.keys[b] = 0
		n.writeIndexDurable(b)
		n.count.Add(^uint32(0))
		n.writeCountDurable()
		n.region.Fence()
	default: // VariantN256
		atomic.StoreUint64(&n.children[b], 0)
		n.writeChildDurable(int(b), 0)
		n.count.Add(^uint32(0))
		// Direct-mapped slots have no append cursor to preserve.
		n.compact.Store(n.count.Load())
		n.writeCountDurable()
		n.region.Fence()
	}
}

// getAnyChild returns an arbitrary live child word, preferring a leaf
// so callers expanding a compressed prefix reach a full key in as few
// hops as possible.
func (n *innerNode) getAnyChild() (uint64, bool) {
	var inner uint64
	haveInner := false
	for i := range n.children {
		w := atomic.LoadUint64(&n.children[i])
		if isNullWord(w) {
			continue
		}
		if _, isLeaf, _ := decodeChildWord(w); isLeaf {
			return w, true
		}
		if !haveInner {
			inner = w
			haveInner = true
		}
	}
	return inner, haveInner
}

type childEntry struct {
	key  byte
	word uint64
}

// getChildren returns all live (key byte, child word) pairs in
// ascending key order, for Range iteration.
func (n *innerNode) getChildren() []childEntry {
	var out []childEntry
	switch n.variant {
	case VariantN4, VariantN16:
		for i := 0; i < n.compactCount(); i++ {
			w := atomic.LoadUint64(&n.children[i])
			if !isNullWord(w) {
				out = append(out, childEntry{n.keys[i], w})
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	case VariantN48:
		for b := 0; b < 256; b++ {
			idx := n.keys[b]
			if idx == 0 {
				continue
			}
			w := atomic.LoadUint64(&n.children[idx-1])
			if !isNullWord(w) {
				out = append(out, childEntry{byte(b), w})
			}
		}
	default: // VariantN256
		for b := 0; b < 256; b++ {
			w := atomic.LoadUint64(&n.children[b])
			if !isNullWord(w) {
				out = append(out, childEntry{byte(b), w})
			}
		}
	}
	return out
}

func (n *innerNode) writeIndexDurable(b byte) {
	off := n.addr + pmem.Addr(headerSize) + pmem.Addr(b)
	buf := n.region.Bytes(off, 1)
	buf[0] = n.keys[b]
	n.region.Flush(off, 1)
}

// writeKeyDurable mirrors a single N4/N16 key byte into durable storage.
func (n *innerNode) writeKeyDurable(slot int) {
	off := n.addr + pmem.Addr(headerSize+slot)
	buf := n.region.Bytes(off, 1)
	buf[0] = n.keys[slot]
	n.region.Flush(off, 1)
}

// writeCountDurable mirrors the in-memory count/compactCount fields
// into the node's header. It is not part of the crash-safe slot
// protocol. count only drives grow/shrink decisions; compactCount also
// bounds the N4/N16 lookup scan, which is why insertChild makes it
// durable before a new slot goes live.
func (n *innerNode) writeCountDurable() {
	buf := n.region.Bytes(n.addr+hdrCount, 4)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(n.count.Load()))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(n.compact.Load()))
	n.region.Flush(n.addr+hdrCount, 4)
}

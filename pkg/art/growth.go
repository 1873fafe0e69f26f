package art

import "artpmem/pkg/pmem"

// nextVariant returns the next larger variant, or the same variant if
// already at N256.
func nextVariant(v Variant) Variant {
	switch v {
	case VariantN4:
		return VariantN16
	case VariantN16:
		return VariantN48
	case VariantN48:
		return VariantN256
	default:
		return VariantN256
	}
}

// prevVariant returns the next smaller variant, or the same variant if
// already at N4.
func prevVariant(v Variant) Variant {
	switch v {
	case VariantN256:
		return VariantN48
	case VariantN48:
		return VariantN16
	case VariantN16:
		return VariantN4
	default:
		return VariantN4
	}
}

// allocNode durably allocates and initializes a fresh inner node of the
// given variant, level and prefix.
func allocNode(region pmem.Region, variant Variant, level int, prefix []byte) (*innerNode, error) {
	addr, err := region.Alloc(pmem.KindInner, durableSize(variant))
	if err != nil {
		return nil, err
	}
	n := newInnerNode(region, addr, variant, level, prefix)
	n.persist()
	region.Flush(addr, durableSize(variant))
	region.Fence()
	return n, nil
}

// growthAction reports what an insert should do when a node has no
// appendable slot left: repack into the same variant when removal
// holes mean the live count has fallen well behind compactCount, or
// grow to the next variant otherwise. A node whose compactCount is
// still below capacity needs neither. An N4 always grows; repacking 4
// slots buys nothing over the move to N16.
func growthAction(n *innerNode) (grow, rebuild bool) {
	if n.compactCount() < n.variant.capacity() {
		return false, false
	}
	if n.variant != VariantN4 && n.compactCount() > 2*n.count0() {
		return false, true
	}
	return true, false
}

// rebuildInto copies every live child of n into a freshly allocated
// node of targetVariant, giving the copy a compactCount equal to its
// live count. The caller is responsible for publishing the new node's
// address into the parent slot and retiring n via the epoch
// collaborator.
func rebuildInto(n *innerNode, targetVariant Variant) (*innerNode, error) {
	fresh, err := allocNode(n.region, targetVariant, n.level0(), n.prefixSlice())
	if err != nil {
		return nil, err
	}
	// prefixSlice carries at most the 4 inline bytes; a longer prefix
	// keeps its full stored count, with the tail recoverable from any
	// descendant leaf as usual.
	fresh.prefixLen.Store(uint32(n.prefixCount()))
	for _, c := range n.getChildren() {
		if !fresh.insertChild(c.key, c.word) {
			// targetVariant must have at least as much capacity as the
			// live entries being copied; this would indicate a grow
			// decision was computed incorrectly upstream.
			panic("art: rebuildInto target variant undersized")
		}
	}
	if w, ok := n.getSelfLeaf(); ok {
		fresh.setSelfLeafDirect(w)
	}
	fresh.persist()
	n.region.Flush(fresh.addr, durableSize(fresh.variant))
	return fresh, nil
}

// shrinkAction reports whether a node has few enough live children to
// migrate down to a smaller variant.
func shrinkAction(n *innerNode) bool {
	switch n.variant {
	case VariantN256:
		return n.count0() <= 37
	case VariantN48:
		return n.count0() <= 12
	case VariantN16:
		return n.count0() <= 3
	default: // VariantN4
		return false
	}
}

// shrinkNode rebuilds n's children into the next smaller variant.
func shrinkNode(n *innerNode) (*innerNode, error) {
	return rebuildInto(n, prevVariant(n.variant))
}

// collapsible reports whether an N4 node has shrunk to a single child,
// making it a candidate for path-compression collapse: the parent slot
// is rewritten to point directly at the sole child, which absorbs this
// node's prefix and partial key byte, removing a level from the tree.
// A node still holding a self-leaf represents two logical entries -
// the key ending at its depth plus the child's subtree - and cannot
// fold into the single parent slot, so it stays.
func collapsible(n *innerNode) bool {
	if n.variant != VariantN4 || n.count0() != 1 {
		return false
	}
	_, hasSelf := n.getSelfLeaf()
	return !hasSelf
}

// soleChild returns the only live (key byte, child word) pair of a
// collapsible N4 node.
func soleChild(n *innerNode) (byte, uint64, bool) {
	cs := n.getChildren()
	if len(cs) != 1 {
		return 0, 0, false
	}
	return cs[0].key, cs[0].word, true
}

// spliceCollapsedPrefix builds the prefix a sole surviving inner-node
// child inherits when its parent collapses: the byte range [n.level,
// child.level+child.prefixCount) of any full key reachable beneath the
// child, which covers the parent's former prefix, the one key byte
// that used to select the child, and the child's own existing prefix
// (otherwise the child's stored byte-to-grandchild selection would no
// longer line up with its new, shallower level). Reading from an
// actual key rather than concatenating stored bytes is required
// because either prefix may be longer than the 4 inline bytes each
// node caches.
func spliceCollapsedPrefix(n *innerNode, fullKey []byte, child *innerNode) []byte {
	start := n.level0()
	end := child.level0() + child.prefixCount()
	if end > len(fullKey) {
		end = len(fullKey)
	}
	if start > end {
		start = end
	}
	out := make([]byte, end-start)
	copy(out, fullKey[start:end])
	return out
}

// prefixSlice returns the node's stored inline prefix bytes (at most
// 4).
func (n *innerNode) prefixSlice() []byte {
	plen := n.prefixCount()
	inline := n.inlinePrefix()
	if plen > len(inline) {
		plen = len(inline)
	}
	out := make([]byte, plen)
	copy(out, inline[:plen])
	return out
}

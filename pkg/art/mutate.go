package art

import "artpmem/pkg/pmem"

// Put inserts or updates the value stored for key. The first return is
// true when the key was newly inserted and false when an existing
// entry was updated. An update whose new value is exactly as long as
// the old one is applied in place; any other change allocates a fresh
// leaf and republishes its parent slot through the journaled protocol
// (a leaf held directly in the root slot is replaced by a plain root
// write).
func (t *Tree) Put(key, value []byte) (bool, error) {
	if len(key) == 0 {
		return false, ErrKeyRequired
	}
	if t.closed.Load() {
		return false, ErrTreeClosed
	}

	g := t.epoch.Enter()
	defer g.Leave()

	for {
		done, inserted, err := t.tryPut(key, value)
		if err != nil {
			return false, err
		}
		if done {
			t.epoch.Advance()
			t.epoch.TryReclaim()
			return inserted, nil
		}
		t.stats.RestartCount.Add(1)
	}
}

func (t *Tree) tryPut(key, value []byte) (bool, bool, error) {
	root := t.rootWord()

	if isNullWord(root) {
		return t.putEmptyRoot(key, value)
	}

	addr, isLeaf, _ := decodeChildWord(root)
	if isLeaf {
		return t.putLeafRoot(addr, key, value)
	}

	return t.putInner(t.childNode(addr), nil, 0, 0, key, value)
}

func (t *Tree) putEmptyRoot(key, value []byte) (bool, bool, error) {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()

	if !isNullWord(t.rootWord()) {
		return false, false, nil
	}
	leafAddr, err := createLeaf(t.region, key, value)
	if err != nil {
		return false, false, ErrAllocationFailed
	}
	t.setRootWord(encodeChildWord(leafAddr, true, false))
	t.stats.LeafCount.Add(1)
	t.stats.KeyCount.Add(1)
	return true, true, nil
}

func (t *Tree) putLeafRoot(addr pmem.Addr, key, value []byte) (bool, bool, error) {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()

	curAddr, isLeaf, _ := decodeChildWord(t.rootWord())
	if !isLeaf || curAddr != addr {
		return false, false, nil
	}

	lf := leafAt(t.region, addr)
	if lf.CheckKey(key) {
		if len(value) == len(lf.Value()) {
			lf.updateValueInPlace(value)
			return true, false, nil
		}
		newAddr, err := createLeaf(t.region, key, value)
		if err != nil {
			return false, false, ErrAllocationFailed
		}
		t.setRootWord(encodeChildWord(newAddr, true, false))
		t.retireLeaf(addr)
		t.stats.LeafCount.Add(1)
		return true, false, nil
	}

	existingKey := copyBytes(lf.Key())
	prefix, branch := commonPrefix(existingKey, key, 0)

	newLeafAddr, err := createLeaf(t.region, key, value)
	if err != nil {
		return false, false, ErrAllocationFailed
	}

	parent, err := allocNode(t.region, VariantN4, 0, prefix)
	if err != nil {
		t.region.Free(newLeafAddr)
		return false, false, ErrAllocationFailed
	}

	existingWord := encodeChildWord(addr, true, false)
	newWord := encodeChildWord(newLeafAddr, true, false)
	if branch >= len(existingKey) {
		parent.setSelfLeafDirect(existingWord)
	} else {
		parent.insertChild(existingKey[branch], existingWord)
	}
	if branch >= len(key) {
		parent.setSelfLeafDirect(newWord)
	} else {
		parent.insertChild(key[branch], newWord)
	}
	t.region.Fence()

	t.setRootWord(encodeChildWord(parent.addr, false, false))
	t.stats.recordNodeCreated(VariantN4)
	t.stats.LeafCount.Add(1)
	t.stats.KeyCount.Add(1)
	return true, true, nil
}

// putInner performs one optimistic step of a descending insert. parent
// is nil when node is the tree root; parentVersion/parentByte are only
// meaningful when parent is non-nil.
func (t *Tree) putInner(node *innerNode, parent *innerNode, parentVersion uint64, parentByte byte, key, value []byte) (bool, bool, error) {
	v := readVersion(&node.lock)
	if lockLocked(v) || lockObsolete(v) {
		return false, false, nil
	}

	depth := node.level0()
	res, mismatchOffset := checkPrefix(node, key, depth)

	if res == prefixMismatch {
		return t.splitOnMismatch(node, v, parent, parentVersion, parentByte, key, value, depth, mismatchOffset)
	}

	if res == prefixOptimistic {
		// The stored prefix runs past its 4 inline bytes, so the tail
		// was taken on trust. A lookup can defer the check to the final
		// leaf comparison, but an insert must know the real divergence
		// point now or it would splice the key into the wrong node.
		// Expand the tail from a descendant leaf and compare it
		// pessimistically.
		repKey := t.anyLeafKeyUnder(node)
		if repKey == nil || !checkOrRestart(&node.lock, v) {
			return false, false, nil
		}
		plen := node.prefixCount()
		for i := mismatchOffset; i < plen; i++ {
			if depth+i >= len(repKey) {
				return false, false, nil
			}
			if depth+i >= len(key) || key[depth+i] != repKey[depth+i] {
				return t.splitOnMismatch(node, v, parent, parentVersion, parentByte, key, value, depth, i)
			}
		}
	}

	newDepth := depth + node.prefixCount()

	if newDepth >= len(key) {
		return t.putSelfLeaf(node, v, key, value)
	}

	b := key[newDepth]
	w, found := node.getChild(b)
	if !checkOrRestart(&node.lock, v) {
		return false, false, nil
	}

	if !found {
		return t.putNewChild(node, v, parent, parentVersion, parentByte, b, key, value)
	}

	addr, isLeaf, _ := decodeChildWord(w)
	if isLeaf {
		return t.putIntoLeafChild(node, v, b, addr, key, value)
	}

	return t.putInner(t.childNode(addr), node, v, b, key, value)
}

// putSelfLeaf installs or updates the value for a key that ends
// exactly at node's depth (one key is a byte-wise prefix of another).
func (t *Tree) putSelfLeaf(node *innerNode, nodeVersion uint64, key, value []byte) (bool, bool, error) {
	w, has := node.getSelfLeaf()
	if !checkOrRestart(&node.lock, nodeVersion) {
		return false, false, nil
	}

	if !has {
		newAddr, err := createLeaf(t.region, key, value)
		if err != nil {
			return false, false, ErrAllocationFailed
		}
		if !lockVersionOrRestart(&node.lock, nodeVersion) {
			t.region.Free(newAddr)
			return false, false, nil
		}
		node.writeSelfLeafJournaled(encodeChildWord(newAddr, true, false))
		writeUnlock(&node.lock)
		t.stats.LeafCount.Add(1)
		t.stats.KeyCount.Add(1)
		return true, true, nil
	}

	addr, isLeaf, _ := decodeChildWord(w)
	if !isLeaf {
		return false, false, nil
	}
	lf := leafAt(t.region, addr)

	if len(value) == len(lf.Value()) {
		if !lockVersionOrRestart(&node.lock, nodeVersion) {
			return false, false, nil
		}
		lf.updateValueInPlace(value)
		writeUnlock(&node.lock)
		return true, false, nil
	}

	newAddr, err := createLeaf(t.region, key, value)
	if err != nil {
		return false, false, ErrAllocationFailed
	}
	if !lockVersionOrRestart(&node.lock, nodeVersion) {
		t.region.Free(newAddr)
		return false, false, nil
	}
	node.writeSelfLeafJournaled(encodeChildWord(newAddr, true, false))
	writeUnlock(&node.lock)
	t.retireLeaf(addr)
	t.stats.LeafCount.Add(1)
	return true, false, nil
}

// putNewChild adds a brand new child slot for byte b. When node has no
// appendable slot left it grows (or repacks, per growthAction) into a
// replacement node before inserting, republishing the replacement into
// parent (or the root) under lock coupling.
func (t *Tree) putNewChild(node *innerNode, nodeVersion uint64, parent *innerNode, parentVersion uint64, parentByte byte, b byte, key, value []byte) (bool, bool, error) {
	newAddr, err := createLeaf(t.region, key, value)
	if err != nil {
		return false, false, ErrAllocationFailed
	}
	newWord := encodeChildWord(newAddr, true, false)

	grow, rebuild := growthAction(node)
	if !grow && !rebuild {
		if !lockVersionOrRestart(&node.lock, nodeVersion) {
			t.region.Free(newAddr)
			return false, false, nil
		}
		node.insertChild(b, newWord)
		writeUnlock(&node.lock)
		t.stats.LeafCount.Add(1)
		t.stats.KeyCount.Add(1)
		return true, true, nil
	}

	targetVariant := node.variant
	if grow {
		targetVariant = nextVariant(node.variant)
	}
	fresh, err := rebuildInto(node, targetVariant)
	if err != nil {
		t.region.Free(newAddr)
		return false, false, ErrAllocationFailed
	}
	if !fresh.insertChild(b, newWord) {
		t.region.Free(fresh.addr)
		t.region.Free(newAddr)
		return false, false, errCapacityFull
	}
	t.region.Fence()

	if !t.publishReplacement(node, nodeVersion, fresh, parent, parentVersion, parentByte) {
		t.region.Free(fresh.addr)
		t.region.Free(newAddr)
		return false, false, nil
	}

	t.stats.recordNodeCreated(fresh.variant)
	t.stats.LeafCount.Add(1)
	t.stats.KeyCount.Add(1)
	return true, true, nil
}

// putIntoLeafChild handles inserting into a node whose child slot for
// b already holds a leaf: either the key matches and the value is
// updated, or the keys diverge and a new sub-node splices in between.
func (t *Tree) putIntoLeafChild(node *innerNode, nodeVersion uint64, b byte, leafAddr pmem.Addr, key, value []byte) (bool, bool, error) {
	lf := leafAt(t.region, leafAddr)

	if lf.CheckKey(key) {
		if len(value) == len(lf.Value()) {
			if !lockVersionOrRestart(&node.lock, nodeVersion) {
				return false, false, nil
			}
			lf.updateValueInPlace(value)
			writeUnlock(&node.lock)
			return true, false, nil
		}
		newAddr, err := createLeaf(t.region, key, value)
		if err != nil {
			return false, false, ErrAllocationFailed
		}
		if !lockVersionOrRestart(&node.lock, nodeVersion) {
			t.region.Free(newAddr)
			return false, false, nil
		}
		node.changeChild(b, encodeChildWord(newAddr, true, false))
		writeUnlock(&node.lock)
		t.retireLeaf(leafAddr)
		t.stats.LeafCount.Add(1)
		return true, false, nil
	}

	existingKey := copyBytes(lf.Key())
	childDepth := node.level0() + node.prefixCount() + 1
	prefix, branch := commonPrefix(existingKey, key, childDepth)

	newLeafAddr, err := createLeaf(t.region, key, value)
	if err != nil {
		return false, false, ErrAllocationFailed
	}
	sub, err := allocNode(t.region, VariantN4, childDepth, prefix)
	if err != nil {
		t.region.Free(newLeafAddr)
		return false, false, ErrAllocationFailed
	}

	existingWord := encodeChildWord(leafAddr, true, false)
	newWord := encodeChildWord(newLeafAddr, true, false)
	if branch >= len(existingKey) {
		sub.setSelfLeafDirect(existingWord)
	} else {
		sub.insertChild(existingKey[branch], existingWord)
	}
	if branch >= len(key) {
		sub.setSelfLeafDirect(newWord)
	} else {
		sub.insertChild(key[branch], newWord)
	}
	t.region.Fence()

	if !lockVersionOrRestart(&node.lock, nodeVersion) {
		t.region.Free(sub.addr)
		t.region.Free(newLeafAddr)
		return false, false, nil
	}
	node.changeChild(b, encodeChildWord(sub.addr, false, false))
	writeUnlock(&node.lock)

	t.stats.recordNodeCreated(VariantN4)
	t.stats.LeafCount.Add(1)
	t.stats.KeyCount.Add(1)
	return true, true, nil
}

// splitOnMismatch handles a key whose path diverges from node's
// compressed prefix partway through: a new N4 node is spliced in at
// the divergence point, holding node (now starting one byte deeper,
// with a shortened prefix) and the new key's leaf as siblings.
func (t *Tree) splitOnMismatch(node *innerNode, nodeVersion uint64, parent *innerNode, parentVersion uint64, parentByte byte, key, value []byte, depth, mismatchOffset int) (bool, bool, error) {
	repKey := t.anyLeafKeyUnder(node)
	if repKey == nil || depth+mismatchOffset >= len(repKey) {
		return false, false, nil
	}

	keyEndsAtBranch := depth+mismatchOffset >= len(key)

	newLeafAddr, err := createLeaf(t.region, key, value)
	if err != nil {
		return false, false, ErrAllocationFailed
	}
	newLeafWord := encodeChildWord(newLeafAddr, true, false)

	branchPrefix := make([]byte, mismatchOffset)
	copy(branchPrefix, key[depth:depth+mismatchOffset])

	branchNode, err := allocNode(t.region, VariantN4, depth, branchPrefix)
	if err != nil {
		t.region.Free(newLeafAddr)
		return false, false, ErrAllocationFailed
	}

	if keyEndsAtBranch {
		branchNode.setSelfLeafDirect(newLeafWord)
	} else {
		branchNode.insertChild(key[depth+mismatchOffset], newLeafWord)
	}

	nodeBranchByte := repKey[depth+mismatchOffset]
	newNodeLevel := depth + mismatchOffset + 1
	newSuffixEnd := depth + node.prefixCount()
	if newSuffixEnd > len(repKey) {
		newSuffixEnd = len(repKey)
	}
	newSuffixStart := newNodeLevel
	if newSuffixStart > newSuffixEnd {
		newSuffixStart = newSuffixEnd
	}
	newNodeSuffix := make([]byte, newSuffixEnd-newSuffixStart)
	copy(newNodeSuffix, repKey[newSuffixStart:newSuffixEnd])

	if !lockVersionOrRestart(&node.lock, nodeVersion) {
		t.region.Free(branchNode.addr)
		t.region.Free(newLeafAddr)
		return false, false, nil
	}

	hasParent := parent != nil
	if hasParent {
		if !lockVersionOrRestart(&parent.lock, parentVersion) {
			writeUnlock(&node.lock)
			t.region.Free(branchNode.addr)
			t.region.Free(newLeafAddr)
			return false, false, nil
		}
	} else {
		t.rootMu.Lock()
	}

	node.setPrefix(newNodeSuffix)
	node.level.Store(uint32(newNodeLevel))
	node.persist()
	t.region.Flush(node.addr, durableSize(node.variant))
	t.region.Fence()

	branchNode.insertChild(nodeBranchByte, encodeChildWord(node.addr, false, false))
	branchWord := encodeChildWord(branchNode.addr, false, false)

	if hasParent {
		parent.changeChild(parentByte, branchWord)
		writeUnlock(&parent.lock)
	} else {
		t.setRootWord(branchWord)
		t.rootMu.Unlock()
	}
	writeUnlock(&node.lock)

	t.stats.recordNodeCreated(VariantN4)
	t.stats.LeafCount.Add(1)
	t.stats.KeyCount.Add(1)
	return true, true, nil
}

// publishReplacement swaps node out for fresh in the parent slot (or
// the root), then marks node obsolete and schedules its reclamation.
// Returns false if the lock coupling fails, in which case the caller
// must discard fresh itself.
func (t *Tree) publishReplacement(node *innerNode, nodeVersion uint64, fresh *innerNode, parent *innerNode, parentVersion uint64, parentByte byte) bool {
	if !lockVersionOrRestart(&node.lock, nodeVersion) {
		return false
	}

	freshWord := encodeChildWord(fresh.addr, false, false)
	if parent != nil {
		if !lockVersionOrRestart(&parent.lock, parentVersion) {
			writeUnlock(&node.lock)
			return false
		}
		parent.changeChild(parentByte, freshWord)
		writeUnlock(&parent.lock)
	} else {
		t.rootMu.Lock()
		t.setRootWord(freshWord)
		t.rootMu.Unlock()
	}

	t.retireNode(node)
	return true
}

// anyLeafKeyUnder returns the full key of an arbitrary leaf reachable
// under node, read optimistically: each level it descends through is
// validated against its own version the same way an ordinary lookup
// is, so a concurrent structural change anywhere on the path yields
// nil (the caller simply restarts) rather than a torn read.
func (t *Tree) anyLeafKeyUnder(node *innerNode) []byte {
	v := readVersion(&node.lock)
	if lockLocked(v) || lockObsolete(v) {
		return nil
	}

	if w, ok := node.getSelfLeaf(); ok {
		if !checkOrRestart(&node.lock, v) {
			return nil
		}
		if addr, isLeaf, _ := decodeChildWord(w); isLeaf {
			return copyBytes(leafAt(t.region, addr).Key())
		}
	}

	w, ok := node.getAnyChild()
	if !checkOrRestart(&node.lock, v) {
		return nil
	}
	if !ok {
		return nil
	}
	addr, isLeaf, _ := decodeChildWord(w)
	if isLeaf {
		return copyBytes(leafAt(t.region, addr).Key())
	}
	return t.anyLeafKeyUnder(t.childNode(addr))
}

package art

import "artpmem/pkg/pmem"

// Remove deletes key's entry and returns ErrNotFound if it has none.
// A removal that leaves an N4 node holding a single child and no
// self-leaf collapses that node out of the tree, splicing the child
// directly into the grandparent slot: a leaf child is spliced in
// as-is, an inner-node child absorbs the collapsed node's prefix and
// connecting key byte first. If the parent lock is contended, the node
// stays as a one-child N4.
func (t *Tree) Remove(key []byte) error {
	if len(key) == 0 {
		return ErrKeyRequired
	}
	if t.closed.Load() {
		return ErrTreeClosed
	}

	g := t.epoch.Enter()
	defer g.Leave()

	for {
		done, err := t.tryRemove(key)
		if done {
			t.epoch.Advance()
			t.epoch.TryReclaim()
			return err
		}
		t.stats.RestartCount.Add(1)
	}
}

func (t *Tree) tryRemove(key []byte) (bool, error) {
	root := t.rootWord()
	if isNullWord(root) {
		return true, ErrNotFound
	}

	addr, isLeaf, _ := decodeChildWord(root)
	if isLeaf {
		return t.removeLeafRoot(addr, key)
	}

	return t.removeInner(t.childNode(addr), nil, 0, 0, key)
}

func (t *Tree) removeLeafRoot(addr pmem.Addr, key []byte) (bool, error) {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()

	curAddr, isLeaf, _ := decodeChildWord(t.rootWord())
	if !isLeaf || curAddr != addr {
		return false, nil
	}

	lf := leafAt(t.region, addr)
	if !lf.CheckKey(key) {
		return true, ErrNotFound
	}

	t.setRootWord(0)
	t.retireLeaf(addr)
	t.stats.KeyCount.Add(-1)
	return true, nil
}

func (t *Tree) removeInner(node *innerNode, parent *innerNode, parentVersion uint64, parentByte byte, key []byte) (bool, error) {
	v := readVersion(&node.lock)
	if lockLocked(v) || lockObsolete(v) {
		return false, nil
	}

	depth := node.level0()
	res, _ := checkPrefix(node, key, depth)
	if res == prefixMismatch {
		if !checkOrRestart(&node.lock, v) {
			return false, nil
		}
		return true, ErrNotFound
	}

	newDepth := depth + node.prefixCount()
	if newDepth >= len(key) {
		return t.removeSelfLeaf(node, v, key, parent, parentVersion, parentByte)
	}

	b := key[newDepth]
	w, found := node.getChild(b)
	if !checkOrRestart(&node.lock, v) {
		return false, nil
	}
	if !found {
		return true, ErrNotFound
	}

	addr, isLeaf, _ := decodeChildWord(w)
	if isLeaf {
		lf := leafAt(t.region, addr)
		if !lf.CheckKey(key) {
			if !checkOrRestart(&node.lock, v) {
				return false, nil
			}
			return true, ErrNotFound
		}
		return t.removeLeafChild(node, v, b, addr, parent, parentVersion, parentByte)
	}

	return t.removeInner(t.childNode(addr), node, v, b, key)
}

// removeSelfLeaf deletes a key that ends exactly at node's depth.
// Unlike removeLeafChild this never changes node's child-slot count,
// so it never triggers a shrink or collapse and has no need of
// parent/parentVersion/parentByte; they're accepted only so its call
// site in removeInner mirrors removeLeafChild's.
func (t *Tree) removeSelfLeaf(node *innerNode, nodeVersion uint64, key []byte, parent *innerNode, parentVersion uint64, parentByte byte) (bool, error) {
	w, has := node.getSelfLeaf()
	if !checkOrRestart(&node.lock, nodeVersion) {
		return false, nil
	}
	if !has {
		return true, ErrNotFound
	}

	addr, isLeaf, _ := decodeChildWord(w)
	if !isLeaf {
		return false, nil
	}
	lf := leafAt(t.region, addr)
	if !lf.CheckKey(key) {
		return true, ErrNotFound
	}

	if !lockVersionOrRestart(&node.lock, nodeVersion) {
		return false, nil
	}
	node.writeSelfLeafJournaled(0)
	writeUnlock(&node.lock)

	t.retireLeaf(addr)
	t.stats.KeyCount.Add(-1)
	return true, nil
}

func (t *Tree) removeLeafChild(node *innerNode, nodeVersion uint64, b byte, leafAddr pmem.Addr, parent *innerNode, parentVersion uint64, parentByte byte) (bool, error) {
	if !lockVersionOrRestart(&node.lock, nodeVersion) {
		return false, nil
	}

	node.removeChild(b)

	if collapsible(node) {
		if _, childWord, ok := soleChild(node); ok {
			childAddr, childIsLeaf, _ := decodeChildWord(childWord)
			collapsed := false
			if childIsLeaf {
				collapsed = t.collapseNodeToLeaf(node, childWord, parent, parentVersion, parentByte)
			} else {
				collapsed = t.collapseNodeToChild(node, childAddr, parent, parentVersion, parentByte)
			}
			if collapsed {
				t.retireLeaf(leafAddr)
				t.stats.KeyCount.Add(-1)
				return true, nil
			}
			// Parent lock contention, or the sole child's subtree could
			// not be read optimistically right now: the deletion already
			// committed durably above, so finish successfully rather
			// than retrying the whole remove; the node is left as a
			// one-child N4 to be collapsed on a future mutation.
		}
		writeUnlock(&node.lock)
		t.retireLeaf(leafAddr)
		t.stats.KeyCount.Add(-1)
		return true, nil
	}

	if shrinkAction(node) {
		fresh, err := shrinkNode(node)
		if err == nil {
			t.region.Fence()
			if t.publishReplacementLocked(node, fresh, parent, parentVersion, parentByte) {
				t.stats.recordNodeCreated(fresh.variant)
				t.retireLeaf(leafAddr)
				t.stats.KeyCount.Add(-1)
				return true, nil
			}
			t.region.Free(fresh.addr)
		}
	}

	writeUnlock(&node.lock)
	t.retireLeaf(leafAddr)
	t.stats.KeyCount.Add(-1)
	return true, nil
}

// collapseNodeToLeaf assumes node's write lock is already held. It
// splices leafWord directly into the parent slot (or root) in node's
// place, then retires node.
func (t *Tree) collapseNodeToLeaf(node *innerNode, leafWord uint64, parent *innerNode, parentVersion uint64, parentByte byte) bool {
	if parent != nil {
		if !lockVersionOrRestart(&parent.lock, parentVersion) {
			return false
		}
		parent.changeChild(parentByte, leafWord)
		writeUnlock(&parent.lock)
	} else {
		t.rootMu.Lock()
		t.setRootWord(leafWord)
		t.rootMu.Unlock()
	}
	t.retireNode(node)
	return true
}

// collapseNodeToChild assumes node's write lock is already held. It
// extends the sole surviving inner-node child's prefix to absorb node's
// former prefix and the connecting key byte, splices the child
// directly into the parent slot (or root) in node's place, then
// retires node. It returns false - leaving node as an uncollapsed
// one-child N4 - if the child's subtree cannot be read
// optimistically or the parent lock is contended right now; a future
// mutation gets another chance.
func (t *Tree) collapseNodeToChild(node *innerNode, childAddr pmem.Addr, parent *innerNode, parentVersion uint64, parentByte byte) bool {
	child := t.childNode(childAddr)

	repKey := t.anyLeafKeyUnder(child)
	if repKey == nil {
		return false
	}
	newPrefix := spliceCollapsedPrefix(node, repKey, child)

	cv := readVersion(&child.lock)
	if lockLocked(cv) || lockObsolete(cv) || !lockVersionOrRestart(&child.lock, cv) {
		return false
	}
	child.setPrefix(newPrefix)
	child.level.Store(uint32(node.level0()))
	child.persist()
	t.region.Flush(child.addr, durableSize(child.variant))
	t.region.Fence()
	writeUnlock(&child.lock)

	childWord := encodeChildWord(child.addr, false, false)
	if parent != nil {
		if !lockVersionOrRestart(&parent.lock, parentVersion) {
			return false
		}
		parent.changeChild(parentByte, childWord)
		writeUnlock(&parent.lock)
	} else {
		t.rootMu.Lock()
		t.setRootWord(childWord)
		t.rootMu.Unlock()
	}
	t.retireNode(node)
	return true
}

// publishReplacementLocked assumes node's write lock is already held;
// it only needs to acquire the parent (or root) side of the swap.
func (t *Tree) publishReplacementLocked(node *innerNode, fresh *innerNode, parent *innerNode, parentVersion uint64, parentByte byte) bool {
	freshWord := encodeChildWord(fresh.addr, false, false)
	if parent != nil {
		if !lockVersionOrRestart(&parent.lock, parentVersion) {
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

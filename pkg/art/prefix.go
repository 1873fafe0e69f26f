package art

// prefixResult classifies how a node's compressed prefix relates to the
// key bytes being looked up at the current depth.
type prefixResult int

const (
	// prefixMatch: every prefix byte stored matched the key.
	prefixMatch prefixResult = iota
	// prefixMismatch: a stored prefix byte differs from the key at
	// mismatchOffset bytes into the prefix.
	prefixMismatch
	// prefixOptimistic: the node's prefix_count exceeds the inline
	// prefix bytes actually stored, so only the inline bytes could be
	// checked; the rest is trusted optimistically and must be
	// re-verified against the leaf key once one is reached.
	prefixOptimistic
)

// checkPrefix compares a node's compressed prefix against key starting
// at depth. It only compares the inline bytes actually stored (up to
// 4); any prefix bytes beyond that are assumed matching until a leaf
// comparison proves otherwise.
//
// The second return is the offset into the prefix at which the stored
// byte diverged from key (prefixMismatch), or the number of inline
// bytes actually compared (prefixOptimistic) - the point from which a
// pessimistic caller resumes comparison against an expanded key. For
// prefixMatch and prefixOptimistic, callers advancing depth use the
// node's full prefixCount(), not this value: an optimistic prefix's
// uncompared tail still counts as consumed path.
func checkPrefix(n *innerNode, key []byte, depth int) (prefixResult, int) {
	plen := n.prefixCount()
	if plen == 0 {
		return prefixMatch, 0
	}
	inline := n.inlinePrefix()
	checkLen := plen
	if checkLen > len(inline) {
		checkLen = len(inline)
	}
	for i := 0; i < checkLen; i++ {
		if depth+i >= len(key) || key[depth+i] != inline[i] {
			return prefixMismatch, i
		}
	}
	if plen > checkLen {
		return prefixOptimistic, checkLen
	}
	return prefixMatch, checkLen
}

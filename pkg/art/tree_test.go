package art

import (
	"bytes"
	"fmt"
	"testing"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	tree, err := Open(Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tree.Close() })
	return tree
}

func TestBasicPutGet(t *testing.T) {
	tree := newTestTree(t)

	if _, err := tree.Put([]byte("apple"), []byte("1")); err != nil {
		t.Fatalf("Put(apple): %v", err)
	}
	if _, err := tree.Put([]byte("apricot"), []byte("2")); err != nil {
		t.Fatalf("Put(apricot): %v", err)
	}

	if got, err := tree.Get([]byte("apple")); err != nil || string(got) != "1" {
		t.Fatalf("Get(apple) = %q, %v, want 1, nil", got, err)
	}
	if got, err := tree.Get([]byte("apricot")); err != nil || string(got) != "2" {
		t.Fatalf("Get(apricot) = %q, %v, want 2, nil", got, err)
	}
	if _, err := tree.Get([]byte("app")); err != ErrNotFound {
		t.Fatalf("Get(app) = %v, want ErrNotFound", err)
	}
}

func TestPutUpdateOverwrites(t *testing.T) {
	tree := newTestTree(t)

	inserted, err := tree.Put([]byte("k"), []byte("v1"))
	if err != nil || !inserted {
		t.Fatalf("Put v1 = %v, %v, want inserted", inserted, err)
	}
	inserted, err = tree.Put([]byte("k"), []byte("v2-longer"))
	if err != nil || inserted {
		t.Fatalf("Put v2 = %v, %v, want update", inserted, err)
	}
	got, err := tree.Get([]byte("k"))
	if err != nil || string(got) != "v2-longer" {
		t.Fatalf("Get(k) = %q, %v, want v2-longer, nil", got, err)
	}
}

func TestPutIdempotent(t *testing.T) {
	tree := newTestTree(t)

	for i := 0; i < 3; i++ {
		inserted, err := tree.Put([]byte("k"), []byte("v"))
		if err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
		if want := i == 0; inserted != want {
			t.Fatalf("Put #%d inserted = %v, want %v", i, inserted, want)
		}
	}
	got, err := tree.Get([]byte("k"))
	if err != nil || string(got) != "v" {
		t.Fatalf("Get(k) = %q, %v, want v, nil", got, err)
	}
}

func TestRemoveThenGetNotFound(t *testing.T) {
	tree := newTestTree(t)

	if _, err := tree.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tree.Remove([]byte("k")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := tree.Get([]byte("k")); err != ErrNotFound {
		t.Fatalf("Get after Remove = %v, want ErrNotFound", err)
	}
}

func TestRemoveAbsentKeyIsNoop(t *testing.T) {
	tree := newTestTree(t)

	if _, err := tree.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tree.Remove([]byte("missing")); err != ErrNotFound {
		t.Fatalf("Remove(missing) = %v, want ErrNotFound", err)
	}
	got, err := tree.Get([]byte("k"))
	if err != nil || string(got) != "v" {
		t.Fatalf("Get(k) after no-op remove = %q, %v", got, err)
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	tree := newTestTree(t)

	if _, err := tree.Put([]byte{}, []byte("v")); err != ErrKeyRequired {
		t.Fatalf("Put(empty key) = %v, want ErrKeyRequired", err)
	}
	if _, err := tree.Get([]byte{}); err != ErrKeyRequired {
		t.Fatalf("Get(empty key) = %v, want ErrKeyRequired", err)
	}
	if err := tree.Remove([]byte{}); err != ErrKeyRequired {
		t.Fatalf("Remove(empty key) = %v, want ErrKeyRequired", err)
	}
}

// TestGrowToN16 fills an N4 node to capacity and confirms the fifth
// insert grows it to N16 while every prior key remains reachable.
func TestGrowToN16(t *testing.T) {
	tree := newTestTree(t)

	keys := []string{"a", "b", "c", "d"}
	for i, k := range keys {
		if _, err := tree.Put([]byte(k), []byte{byte(i + 1)}); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	stats := tree.Stats()
	if stats.N4Count != 1 {
		t.Fatalf("after 4 inserts: N4Count = %d, want 1", stats.N4Count)
	}

	if _, err := tree.Put([]byte("e"), []byte{5}); err != nil {
		t.Fatalf("Put(e): %v", err)
	}

	stats = tree.Stats()
	if stats.N16Count != 1 || stats.N4Count != 0 {
		t.Fatalf("after growth: N4Count=%d N16Count=%d, want 0, 1", stats.N4Count, stats.N16Count)
	}

	for i, k := range append(keys, "e") {
		got, err := tree.Get([]byte(k))
		if err != nil || got[0] != byte(i+1) {
			t.Fatalf("Get(%s) after growth = %v, %v", k, got, err)
		}
	}
}

// TestGrowToN256AndShrinkBack walks the full growth then shrink chain:
// 256 single-byte keys grow the root through N4 -> N16 -> N48 -> N256,
// then removing keys shrinks it back down, eventually collapsing to
// the last surviving leaf.
func TestGrowToN256AndShrinkBack(t *testing.T) {
	tree := newTestTree(t)

	for i := 0; i < 256; i++ {
		if _, err := tree.Put([]byte{byte(i)}, []byte{byte(i)}); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	stats := tree.Stats()
	if stats.N256Count != 1 {
		t.Fatalf("after 256 inserts: N256Count = %d, want 1", stats.N256Count)
	}
	for i := 0; i < 256; i++ {
		got, err := tree.Get([]byte{byte(i)})
		if err != nil || got[0] != byte(i) {
			t.Fatalf("Get(%d) = %v, %v", i, got, err)
		}
	}

	// Remove down to 37 children: root should become N48.
	for i := 0; i < 256-37; i++ {
		if err := tree.Remove([]byte{byte(i)}); err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
	}
	if stats := tree.Stats(); stats.N48Count != 1 || stats.N256Count != 0 {
		t.Fatalf("after shrink to 37: N48Count=%d N256Count=%d, want 0->1", stats.N48Count, stats.N256Count)
	}

	// Continue removing down to 12: root should become N16.
	for i := 256 - 37; i < 256-12; i++ {
		if err := tree.Remove([]byte{byte(i)}); err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
	}
	if stats := tree.Stats(); stats.N16Count != 1 || stats.N48Count != 0 {
		t.Fatalf("after shrink to 12: N16Count=%d N48Count=%d, want 0->1", stats.N16Count, stats.N48Count)
	}

	// Continue removing down to 3: root should become N4.
	for i := 256 - 12; i < 256-3; i++ {
		if err := tree.Remove([]byte{byte(i)}); err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
	}
	if stats := tree.Stats(); stats.N4Count != 1 || stats.N16Count != 0 {
		t.Fatalf("after shrink to 3: N4Count=%d N16Count=%d, want 0->1", stats.N4Count, stats.N16Count)
	}

	// Continue removing down to 1: the N4 should collapse, leaving only
	// the last surviving leaf reachable directly from the root.
	for i := 256 - 3; i < 256-1; i++ {
		if err := tree.Remove([]byte{byte(i)}); err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
	}
	if stats := tree.Stats(); stats.N4Count != 0 {
		t.Fatalf("after collapse: N4Count = %d, want 0", stats.N4Count)
	}

	last := byte(255)
	got, err := tree.Get([]byte{last})
	if err != nil || got[0] != last {
		t.Fatalf("Get(last surviving key) = %v, %v", got, err)
	}
}

// TestCollapseOntoInnerNodeChild covers a remove that collapses an N4
// down to its sole surviving child when that child is itself an inner
// node with its own non-empty prefix, not a leaf. "abcde" and "abcdf"
// share the prefix "abcd" and diverge on their last byte, so they sit
// under an inner node of their own ("cd"-prefixed, reached by byte 'b'
// below the "a"-prefixed node the three keys share); "axy" is the
// sibling that, once removed, leaves that inner node as the "a" node's
// only child and triggers collapse. The collapsed child must keep selecting between "e" and
// "f" at the byte position it always has, or "abcde"/"abcdf" become
// unreachable.
func TestCollapseOntoInnerNodeChild(t *testing.T) {
	tree := newTestTree(t)

	keys := []string{"abcde", "abcdf", "axy"}
	for _, k := range keys {
		if _, err := tree.Put([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	if err := tree.Remove([]byte("axy")); err != nil {
		t.Fatalf("Remove(axy): %v", err)
	}

	for _, k := range []string{"abcde", "abcdf"} {
		got, err := tree.Get([]byte(k))
		if err != nil || string(got) != k {
			t.Fatalf("Get(%s) after collapse = %q, %v, want %q, nil", k, got, err, k)
		}
	}
	if _, err := tree.Get([]byte("axy")); err != ErrNotFound {
		t.Fatalf("Get(axy) after Remove = %v, want ErrNotFound", err)
	}
}

func TestRangeOrderedScan(t *testing.T) {
	tree := newTestTree(t)

	inserted := []string{"banana", "apple", "cherry", "date", "apricot"}
	for _, k := range inserted {
		if _, err := tree.Put([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	kvs, err := tree.Range(nil, nil, 0)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(kvs) != len(inserted) {
		t.Fatalf("Range returned %d entries, want %d", len(kvs), len(inserted))
	}
	for i := 1; i < len(kvs); i++ {
		if bytes.Compare(kvs[i-1].Key, kvs[i].Key) >= 0 {
			t.Fatalf("Range not ascending at index %d: %q >= %q", i, kvs[i-1].Key, kvs[i].Key)
		}
	}

	bounded, err := tree.Range([]byte("apricot"), []byte("cherry"), 0)
	if err != nil {
		t.Fatalf("Range bounded: %v", err)
	}
	var gotKeys []string
	for _, kv := range bounded {
		gotKeys = append(gotKeys, string(kv.Key))
	}
	want := []string{"apricot", "banana"}
	if fmt.Sprint(gotKeys) != fmt.Sprint(want) {
		t.Fatalf("Range(apricot, cherry) = %v, want %v", gotKeys, want)
	}

	limited, err := tree.Range(nil, nil, 2)
	if err != nil {
		t.Fatalf("Range limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("Range with limit 2 returned %d entries", len(limited))
	}
}

// TestPrefixSplitOnDivergence exercises the case where two keys share a
// common prefix exceeding the inline 4-byte storage, forcing later
// comparisons into the optimistic/pessimistic path.
func TestPrefixSplitOnDivergence(t *testing.T) {
	tree := newTestTree(t)

	long1 := []byte("common-prefix-aaaa-suffix-one")
	long2 := []byte("common-prefix-aaaa-suffix-two")
	short := []byte("common-prefix-bbbb")

	for _, k := range [][]byte{long1, long2, short} {
		if _, err := tree.Put(k, k); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	for _, k := range [][]byte{long1, long2, short} {
		got, err := tree.Get(k)
		if err != nil || !bytes.Equal(got, k) {
			t.Fatalf("Get(%s) = %q, %v", k, got, err)
		}
	}

	if _, err := tree.Get([]byte("common-prefix-aaaa-suffix-thr")); err != ErrNotFound {
		t.Fatalf("Get(unrelated key) = %v, want ErrNotFound", err)
	}

	// A key that ends inside the long compressed prefix splits it with
	// the new leaf living in the branch node's self-leaf slot.
	stub := []byte("common-prefix")
	if _, err := tree.Put(stub, stub); err != nil {
		t.Fatalf("Put(%s): %v", stub, err)
	}
	got, err := tree.Get(stub)
	if err != nil || !bytes.Equal(got, stub) {
		t.Fatalf("Get(%s) = %q, %v", stub, got, err)
	}

	// The divergence beyond the inline prefix bytes must have produced a
	// correctly placed split, which an ordered scan makes visible.
	kvs, err := tree.Range(nil, nil, 0)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	want := []string{string(stub), string(long1), string(long2), string(short)}
	if len(kvs) != len(want) {
		t.Fatalf("Range returned %d entries, want %d", len(kvs), len(want))
	}
	for i, kv := range kvs {
		if string(kv.Key) != want[i] {
			t.Fatalf("Range[%d] = %q, want %q", i, kv.Key, want[i])
		}
	}
}

// TestKeyIsPrefixOfAnotherKey covers the self-leaf case: one key is a
// byte-wise prefix of another and has no byte left over to select a
// normal child slot.
func TestKeyIsPrefixOfAnotherKey(t *testing.T) {
	tree := newTestTree(t)

	if _, err := tree.Put([]byte("go"), []byte("short")); err != nil {
		t.Fatalf("Put(go): %v", err)
	}
	if _, err := tree.Put([]byte("gopher"), []byte("long")); err != nil {
		t.Fatalf("Put(gopher): %v", err)
	}

	got, err := tree.Get([]byte("go"))
	if err != nil || string(got) != "short" {
		t.Fatalf("Get(go) = %q, %v, want short", got, err)
	}
	got, err = tree.Get([]byte("gopher"))
	if err != nil || string(got) != "long" {
		t.Fatalf("Get(gopher) = %q, %v, want long", got, err)
	}

	if err := tree.Remove([]byte("go")); err != nil {
		t.Fatalf("Remove(go): %v", err)
	}
	if _, err := tree.Get([]byte("go")); err != ErrNotFound {
		t.Fatalf("Get(go) after remove = %v, want ErrNotFound", err)
	}
	got, err = tree.Get([]byte("gopher"))
	if err != nil || string(got) != "long" {
		t.Fatalf("Get(gopher) after sibling removed = %q, %v", got, err)
	}
}

// TestRemoveKeepsSelfLeafSibling pins the collapse guard: a one-child
// N4 that still holds a self-leaf carries two logical entries, so a
// remove that drops it to one normal child must not collapse it into
// the parent slot and discard the self-leaf key.
func TestRemoveKeepsSelfLeafSibling(t *testing.T) {
	tree := newTestTree(t)

	for k, v := range map[string]string{"a": "1", "ab": "2", "ac": "3"} {
		if _, err := tree.Put([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}

	if err := tree.Remove([]byte("ab")); err != nil {
		t.Fatalf("Remove(ab): %v", err)
	}

	if got, err := tree.Get([]byte("a")); err != nil || string(got) != "1" {
		t.Fatalf("Get(a) after sibling removed = %q, %v, want 1, nil", got, err)
	}
	if got, err := tree.Get([]byte("ac")); err != nil || string(got) != "3" {
		t.Fatalf("Get(ac) = %q, %v, want 3, nil", got, err)
	}
	if _, err := tree.Get([]byte("ab")); err != ErrNotFound {
		t.Fatalf("Get(ab) = %v, want ErrNotFound", err)
	}

	if err := tree.Remove([]byte("a")); err != nil {
		t.Fatalf("Remove(a): %v", err)
	}
	if _, err := tree.Get([]byte("a")); err != ErrNotFound {
		t.Fatalf("Get(a) after remove = %v, want ErrNotFound", err)
	}
	if got, err := tree.Get([]byte("ac")); err != nil || string(got) != "3" {
		t.Fatalf("Get(ac) after removing a = %q, %v, want 3, nil", got, err)
	}
}

func TestOpenCloseReopenEmpty(t *testing.T) {
	tree, err := Open(Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := tree.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tree.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A fresh in-memory region on a second Open is independent: it must
	// not see the first tree's key, since there is no shared path to
	// reopen.
	tree2, err := Open(Options{})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer tree2.Close()
	if _, err := tree2.Get([]byte("k")); err != ErrNotFound {
		t.Fatalf("Get(k) on fresh tree = %v, want ErrNotFound", err)
	}
}

func TestClosedTreeRejectsOperations(t *testing.T) {
	tree, err := Open(Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tree.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tree.Close(); err != ErrTreeClosed {
		t.Fatalf("double Close = %v, want ErrTreeClosed", err)
	}
	if _, err := tree.Put([]byte("k"), []byte("v")); err != ErrTreeClosed {
		t.Fatalf("Put after Close = %v, want ErrTreeClosed", err)
	}
	if _, err := tree.Get([]byte("k")); err != ErrTreeClosed {
		t.Fatalf("Get after Close = %v, want ErrTreeClosed", err)
	}
}

// TestStatsTrackKeyCount checks the running counters, extended to
// KeyCount across a scripted mix of puts and removes.
func TestStatsTrackKeyCount(t *testing.T) {
	tree := newTestTree(t)

	for i := 0; i < 20; i++ {
		if _, err := tree.Put([]byte(fmt.Sprintf("key-%02d", i)), []byte("v")); err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
	}
	if got := tree.Stats().KeyCount; got != 20 {
		t.Fatalf("KeyCount after 20 puts = %d, want 20", got)
	}

	for i := 0; i < 5; i++ {
		if err := tree.Remove([]byte(fmt.Sprintf("key-%02d", i))); err != nil {
			t.Fatalf("Remove #%d: %v", i, err)
		}
	}
	if got := tree.Stats().KeyCount; got != 15 {
		t.Fatalf("KeyCount after 5 removes = %d, want 15", got)
	}

	if _, err := tree.Put([]byte("key-00"), []byte("v2")); err != nil {
		t.Fatalf("re-Put key-00: %v", err)
	}
	if got := tree.Stats().KeyCount; got != 16 {
		t.Fatalf("KeyCount after re-insert = %d, want 16", got)
	}
}

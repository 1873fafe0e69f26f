package art

import "testing"

// TestCrashRecoveryRollsBackTornWrite simulates a crash that lands
// while a child slot's new word is still dirty - stored, but its flush
// not yet durable. The slot is forced into that state (new word with
// the dirty bit set, journal still naming the old word), the node is
// evicted from the in-memory cache to force a fresh decode from
// durable bytes, and Recover is expected to roll the slot back to the
// word the journal records.
func TestCrashRecoveryRollsBackTornWrite(t *testing.T) {
	tree := newTestTree(t)

	if _, err := tree.Put([]byte("apple"), []byte("1")); err != nil {
		t.Fatalf("Put(apple): %v", err)
	}
	if _, err := tree.Put([]byte("apricot"), []byte("2")); err != nil {
		t.Fatalf("Put(apricot): %v", err)
	}

	rootAddr, isLeaf, _ := decodeChildWord(tree.rootWord())
	if isLeaf {
		t.Fatalf("root is a leaf, expected an inner node after the prefix split")
	}
	node := tree.childNode(rootAddr)

	slot := -1
	var oldWord uint64
	for i := 0; i < node.count0(); i++ {
		if node.keys[i] == 'r' { // apricot's branch byte at depth 2
			slot = i
			oldWord = node.children[i]
			break
		}
	}
	if slot == -1 {
		t.Fatalf("could not find apricot's child slot")
	}

	// Fabricate a new leaf that was never supposed to survive the
	// "crash", publish it into the slot still dirty, and leave the
	// journal naming the pre-mutation word - exactly the durable state
	// a crash before the clean republish would leave behind.
	tornAddr, err := createLeaf(tree.region, []byte("apricot"), []byte("TORN"))
	if err != nil {
		t.Fatalf("createLeaf: %v", err)
	}
	tornWord := encodeChildWord(tornAddr, true, true)

	node.writeChildDurable(slot, tornWord)
	node.writeJournalDurable(encodeJournal(slot, oldWord))
	tree.region.Fence()

	// Evict the cached node so Recover decodes strictly from durable
	// bytes, the same view a freshly restarted process would see.
	tree.forgetNode(rootAddr)

	if err := tree.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, err := tree.Get([]byte("apricot"))
	if err != nil || string(got) != "2" {
		t.Fatalf("Get(apricot) after recovery = %q, %v, want 2, nil", got, err)
	}
	got, err = tree.Get([]byte("apple"))
	if err != nil || string(got) != "1" {
		t.Fatalf("Get(apple) after recovery = %q, %v, want 1, nil", got, err)
	}

	recoveredNode := tree.childNode(rootAddr)
	if valid, _, _ := decodeJournal(recoveredNode.journal.Load()); valid {
		t.Fatalf("journal still marked valid after recovery")
	}
}

// TestCrashRecoveryKeepsCompletedWrite simulates the later crash
// window: the new word's clean store is already durable and only the
// journal clear was lost. The dirty bit is absent, so recovery must
// keep the completed write rather than undoing it.
func TestCrashRecoveryKeepsCompletedWrite(t *testing.T) {
	tree := newTestTree(t)

	if _, err := tree.Put([]byte("apple"), []byte("1")); err != nil {
		t.Fatalf("Put(apple): %v", err)
	}
	if _, err := tree.Put([]byte("apricot"), []byte("old")); err != nil {
		t.Fatalf("Put(apricot): %v", err)
	}

	rootAddr, isLeaf, _ := decodeChildWord(tree.rootWord())
	if isLeaf {
		t.Fatalf("root is a leaf, expected an inner node after the prefix split")
	}
	node := tree.childNode(rootAddr)

	slot := -1
	var oldWord uint64
	for i := 0; i < node.compactCount(); i++ {
		if node.keys[i] == 'r' {
			slot = i
			oldWord = node.children[i]
			break
		}
	}
	if slot == -1 {
		t.Fatalf("could not find apricot's child slot")
	}

	newAddr, err := createLeaf(tree.region, []byte("apricot"), []byte("2"))
	if err != nil {
		t.Fatalf("createLeaf: %v", err)
	}
	newWord := encodeChildWord(newAddr, true, false)

	node.writeChildDurable(slot, newWord)
	node.writeJournalDurable(encodeJournal(slot, oldWord))
	tree.region.Fence()

	tree.forgetNode(rootAddr)

	if err := tree.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, err := tree.Get([]byte("apricot"))
	if err != nil || string(got) != "2" {
		t.Fatalf("Get(apricot) after recovery = %q, %v, want 2, nil", got, err)
	}
	got, err = tree.Get([]byte("apple"))
	if err != nil || string(got) != "1" {
		t.Fatalf("Get(apple) after recovery = %q, %v, want 1, nil", got, err)
	}

	recoveredNode := tree.childNode(rootAddr)
	if valid, _, _ := decodeJournal(recoveredNode.journal.Load()); valid {
		t.Fatalf("journal still marked valid after recovery")
	}
}

// TestCrashRecoveryRollsBackSelfLeaf covers the same rollback for the
// self-leaf slot (journal slot 255), exercised when one key is a
// byte-wise prefix of another.
func TestCrashRecoveryRollsBackSelfLeaf(t *testing.T) {
	tree := newTestTree(t)

	if _, err := tree.Put([]byte("go"), []byte("short")); err != nil {
		t.Fatalf("Put(go): %v", err)
	}
	if _, err := tree.Put([]byte("gopher"), []byte("long")); err != nil {
		t.Fatalf("Put(gopher): %v", err)
	}

	rootAddr, isLeaf, _ := decodeChildWord(tree.rootWord())
	if isLeaf {
		t.Fatalf("root is a leaf, expected an inner node")
	}
	node := tree.childNode(rootAddr)

	oldWord, has := node.getSelfLeaf()
	if !has {
		t.Fatalf("expected a self-leaf slot for 'go'")
	}

	tornAddr, err := createLeaf(tree.region, []byte("go"), []byte("TORN"))
	if err != nil {
		t.Fatalf("createLeaf: %v", err)
	}
	tornWord := encodeChildWord(tornAddr, true, true)

	buf := tree.region.Bytes(node.addr+hdrSelfLeaf, 8)
	putUint64(buf, tornWord)
	tree.region.Flush(node.addr+hdrSelfLeaf, 8)
	node.writeJournalDurable(encodeJournal(selfLeafJournalSlot, oldWord))
	tree.region.Fence()

	tree.forgetNode(rootAddr)

	if err := tree.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, err := tree.Get([]byte("go"))
	if err != nil || string(got) != "short" {
		t.Fatalf("Get(go) after recovery = %q, %v, want short, nil", got, err)
	}
	got, err = tree.Get([]byte("gopher"))
	if err != nil || string(got) != "long" {
		t.Fatalf("Get(gopher) after recovery = %q, %v, want long, nil", got, err)
	}
}

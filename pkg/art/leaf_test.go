package art

import (
	"bytes"
	"fmt"
	"testing"

	"artpmem/pkg/pmem"
)

func TestLeafRecordRoundTrip(t *testing.T) {
	region, err := pmem.OpenMem(0)
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}
	defer region.Close()

	addr, err := createLeaf(region, []byte("key"), []byte("value"))
	if err != nil {
		t.Fatalf("createLeaf: %v", err)
	}
	lf := leafAt(region, addr)

	if !bytes.Equal(lf.Key(), []byte("key")) {
		t.Fatalf("Key() = %q, want key", lf.Key())
	}
	if !bytes.Equal(lf.Value(), []byte("value")) {
		t.Fatalf("Value() = %q, want value", lf.Value())
	}
	if !lf.CheckKey([]byte("key")) {
		t.Fatalf("CheckKey(key) = false, want true")
	}
	if lf.CheckKey([]byte("ke")) || lf.CheckKey([]byte("keys")) {
		t.Fatalf("CheckKey matched a shorter or longer key")
	}

	lf.updateValueInPlace([]byte("VALUE"))
	if !bytes.Equal(lf.Value(), []byte("VALUE")) {
		t.Fatalf("Value() after in-place update = %q, want VALUE", lf.Value())
	}
}

func TestLeafFingerprint(t *testing.T) {
	if fingerprint([]byte("apple")) != fingerprint([]byte("apple")) {
		t.Fatalf("fingerprint is not deterministic")
	}

	// A fingerprint only earns its keep as a rejection filter if it
	// actually spreads keys out; a degenerate constant hash would still
	// be correct but useless.
	seen := make(map[uint16]bool)
	for i := 0; i < 1000; i++ {
		seen[fingerprint([]byte(fmt.Sprintf("key-%04d", i)))] = true
	}
	if len(seen) < 2 {
		t.Fatalf("fingerprint collapsed %d keys into %d value(s)", 1000, len(seen))
	}

	region, err := pmem.OpenMem(0)
	if err != nil {
		t.Fatalf("OpenMem: %v", err)
	}
	defer region.Close()
	addr, err := createLeaf(region, []byte("apple"), []byte("1"))
	if err != nil {
		t.Fatalf("createLeaf: %v", err)
	}
	if got := leafAt(region, addr).Fingerprint(); got != fingerprint([]byte("apple")) {
		t.Fatalf("leaf Fingerprint() = %#x, want %#x", got, fingerprint([]byte("apple")))
	}
}

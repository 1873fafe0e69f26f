package art

import (
	"bytes"
	"hash/crc32"

	"artpmem/pkg/pmem"
	"artpmem/pkg/varint"
)

// leaf is a durable record: key_len, key bytes, val_len, value bytes
// (both lengths as varints), laid out contiguously so a single
// allocation holds the whole record. A leaf is immutable except for an
// equal-length in-place value update; any length change allocates a
// new leaf and swaps it into the parent slot via a journaled write, or
// into the root slot directly when the leaf is the root.
type leaf struct {
	region pmem.Region
	addr   pmem.Addr
}

func leafAt(region pmem.Region, addr pmem.Addr) leaf {
	return leaf{region: region, addr: addr}
}

// leafSize returns the number of bytes a leaf record for the given key
// and value needs, including its length-prefix varints.
func leafSize(key, value []byte) int {
	return varint.Len(uint64(len(key))) + len(key) + varint.Len(uint64(len(value))) + len(value)
}

// createLeaf durably allocates and initializes a leaf record, flushing
// it before returning so the caller can safely publish its address.
func createLeaf(region pmem.Region, key, value []byte) (pmem.Addr, error) {
	size := leafSize(key, value)
	addr, err := region.Alloc(pmem.KindLeaf, size)
	if err != nil {
		return 0, err
	}

	buf := region.Bytes(addr, size)
	n := varint.Put(buf, uint64(len(key)))
	n += copy(buf[n:], key)
	n += varint.Put(buf[n:], uint64(len(value)))
	copy(buf[n:], value)

	region.Flush(addr, size)
	region.Fence()

	return addr, nil
}

func (l leaf) keyLen() (int, int) {
	hdr := l.region.Bytes(l.addr, 9)
	n, sz := varint.Get(hdr)
	return int(n), sz
}

// Key returns the leaf's full key.
func (l leaf) Key() []byte {
	klen, n := l.keyLen()
	return l.region.Bytes(l.addr+pmem.Addr(n), klen)
}

// Value returns the leaf's current value.
func (l leaf) Value() []byte {
	klen, n := l.keyLen()
	keyEnd := n + klen
	vhdr := l.region.Bytes(l.addr+pmem.Addr(keyEnd), 9)
	vlen, m := varint.Get(vhdr)
	return l.region.Bytes(l.addr+pmem.Addr(keyEnd+m), int(vlen))
}

// CheckKey compares length then content, the cheap rejection test to
// run before trusting a leaf match.
func (l leaf) CheckKey(key []byte) bool {
	return bytes.Equal(l.Key(), key)
}

// Fingerprint returns a 16-bit hash of the full key. The tree's
// lookups compare full keys directly and do not consult it.
func (l leaf) Fingerprint() uint16 {
	return fingerprint(l.Key())
}

func fingerprint(key []byte) uint16 {
	sum := crc32.ChecksumIEEE(key)
	return uint16(sum ^ (sum >> 16))
}

// updateValueInPlace overwrites the value bytes without reallocating,
// valid only when newValue is exactly as long as the current value.
// No lock is required: the key identity was already verified under the
// parent's version, and an equal-length overwrite is idempotent.
func (l leaf) updateValueInPlace(newValue []byte) {
	klen, n := l.keyLen()
	keyEnd := n + klen
	vhdr := l.region.Bytes(l.addr+pmem.Addr(keyEnd), 9)
	vlen, m := varint.Get(vhdr)
	dst := l.region.Bytes(l.addr+pmem.Addr(keyEnd+m), int(vlen))
	copy(dst, newValue)
	l.region.Flush(l.addr+pmem.Addr(keyEnd+m), int(vlen))
	l.region.Fence()
}

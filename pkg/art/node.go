package art

import (
	"encoding/binary"
	"sync/atomic"

	"artpmem/pkg/pmem"
)

// Durable inner-node header layout, written ahead of the variant-specific
// child-map body:
//
//	offset 0  : variant byte - durable type tag a recovery pass can read
//	            before any Go object exists
//	offset 8  : old-pointer journal word (8 bytes)
//	offset 16 : prefix_count (4 bytes)
//	offset 20 : inline prefix, up to 4 bytes
//	offset 24 : level (4 bytes)
//	offset 28 : count (2 bytes)
//	offset 30 : compactCount (2 bytes)
//	offset 32 : self-leaf child word (8 bytes)
//
// The self-leaf word holds the child-slot word for a key that ends
// exactly at this node's depth - i.e. one key is a byte-wise prefix of
// another and has no byte left over to select a normal child slot.
// Leis et al.'s ART paper calls this case out explicitly; it is stored
// as an extra always-present slot rather than a synthetic child byte so
// every node variant handles it uniformly.
const (
	hdrVariant   = 0
	hdrJournal   = 8
	hdrPrefixLn  = 16
	hdrPrefix    = 20
	hdrLevel     = 24
	hdrCount     = 28
	hdrCompact   = 30
	hdrSelfLeaf  = 32
	headerSize   = 40
)

func bodySize(v Variant) int {
	switch v {
	case VariantN4:
		return 4 + 4*8 // keys + children
	case VariantN16:
		return 16 + 16*8
	case VariantN48:
		return 256 + 48*8
	case VariantN256:
		return 256 * 8
	default:
		return 0
	}
}

func durableSize(v Variant) int {
	return headerSize + bodySize(v)
}

// innerNode is the in-memory, concurrency-controlled view of one inner
// node. The version-lock word (lock) is reconstructed fresh at creation
// and at recovery (reset to unlocked/not-obsolete each time), so it is
// kept purely in memory; everything else a recovery pass needs is
// mirrored into durable bytes at addr via the region.
type innerNode struct {
	addr   pmem.Addr
	region pmem.Region

	lock    uint64 // atomic, see lock.go
	variant Variant

	prefixLen atomic.Uint32
	prefix    atomic.Uint32 // 4 prefix bytes packed little-endian
	level     atomic.Uint32
	count     atomic.Uint32 // stored as uint32 for atomic, semantically uint16
	compact   atomic.Uint32

	journal  atomic.Uint64
	selfLeaf uint64 // child word for a key ending exactly at this depth; atomic

	// generation records the last recovery pass that repaired this
	// node; acquiring it acts as the per-node recovery latch, so a
	// parallel per-subtree pass repairs each node exactly once.
	generation atomic.Uint32

	keys     []byte   // N4/N16: key bytes; N48: 256-entry index (0 = empty, else slot+1)
	children []uint64 // tagged pointer words, accessed via sync/atomic
}

func newInnerNode(region pmem.Region, addr pmem.Addr, variant Variant, level int, prefix []byte) *innerNode {
	n := &innerNode{
		addr:     addr,
		region:   region,
		lock:     newLockWord(variant),
		variant:  variant,
		children: make([]uint64, variant.capacity()),
	}
	if variant == VariantN48 {
		n.keys = make([]byte, 256)
	} else if variant != VariantN256 {
		n.keys = make([]byte, variant.capacity())
	}

	n.level.Store(uint32(level))
	n.setPrefix(prefix)
	return n
}

func (n *innerNode) setPrefix(prefix []byte) {
	n.prefixLen.Store(uint32(len(prefix)))
	var inline [4]byte
	copy(inline[:], prefix)
	n.prefix.Store(binary.LittleEndian.Uint32(inline[:]))
}

// inlinePrefix returns up to the first 4 bytes of the compressed prefix.
func (n *innerNode) inlinePrefix() [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], n.prefix.Load())
	return b
}

// tryLatchRecovery claims this node for recovery pass gen. It returns
// false when the node was already repaired by this pass (or a newer
// one), letting concurrent per-subtree recovery walkers skip it.
func (n *innerNode) tryLatchRecovery(gen uint32) bool {
	for {
		cur := n.generation.Load()
		if cur >= gen {
			return false
		}
		if n.generation.CompareAndSwap(cur, gen) {
			return true
		}
	}
}

func (n *innerNode) level0() int       { return int(n.level.Load()) }
func (n *innerNode) count0() int       { return int(n.count.Load()) }
func (n *innerNode) compactCount() int { return int(n.compact.Load()) }
func (n *innerNode) prefixCount() int  { return int(n.prefixLen.Load()) }

// persist mirrors the node's current in-memory state into its durable
// allocation. Callers are responsible for Flush/Fence at the right
// points; persist itself only writes bytes.
func (n *innerNode) persist() {
	buf := n.region.Bytes(n.addr, durableSize(n.variant))

	buf[hdrVariant] = byte(n.variant)
	binary.LittleEndian.PutUint64(buf[hdrJournal:hdrJournal+8], n.journal.Load())
	binary.LittleEndian.PutUint32(buf[hdrPrefixLn:hdrPrefixLn+4], n.prefixLen.Load())
	inline := n.inlinePrefix()
	copy(buf[hdrPrefix:hdrPrefix+4], inline[:])
	binary.LittleEndian.PutUint32(buf[hdrLevel:hdrLevel+4], n.level.Load())
	binary.LittleEndian.PutUint16(buf[hdrCount:hdrCount+2], uint16(n.count.Load()))
	binary.LittleEndian.PutUint16(buf[hdrCompact:hdrCompact+2], uint16(n.compact.Load()))
	binary.LittleEndian.PutUint64(buf[hdrSelfLeaf:hdrSelfLeaf+8], atomic.LoadUint64(&n.selfLeaf))

	body := buf[headerSize:]
	switch n.variant {
	case VariantN4, VariantN16:
		copy(body, n.keys)
		childOff := len(n.keys)
		for i := range n.children {
			binary.LittleEndian.PutUint64(body[childOff+i*8:childOff+i*8+8], atomic.LoadUint64(&n.children[i]))
		}
	case VariantN48:
		copy(body, n.keys)
		childOff := 256
		for i := range n.children {
			binary.LittleEndian.PutUint64(body[childOff+i*8:childOff+i*8+8], atomic.LoadUint64(&n.children[i]))
		}
	case VariantN256:
		for i := range n.children {
			binary.LittleEndian.PutUint64(body[i*8:i*8+8], atomic.LoadUint64(&n.children[i]))
		}
	}
}

// decodeInnerNode reconstructs a Go node object from durable bytes,
// resetting the version-lock word while preserving the durable type
// tag.
func decodeInnerNode(region pmem.Region, addr pmem.Addr) *innerNode {
	hdr := region.Bytes(addr, headerSize)
	variant := Variant(hdr[hdrVariant])

	n := &innerNode{
		addr:     addr,
		region:   region,
		lock:     newLockWord(variant),
		variant:  variant,
		children: make([]uint64, variant.capacity()),
	}
	if variant == VariantN48 {
		n.keys = make([]byte, 256)
	} else if variant != VariantN256 {
		n.keys = make([]byte, variant.capacity())
	}

	n.journal.Store(binary.LittleEndian.Uint64(hdr[hdrJournal : hdrJournal+8]))
	n.prefixLen.Store(binary.LittleEndian.Uint32(hdr[hdrPrefixLn : hdrPrefixLn+4]))
	n.prefix.Store(binary.LittleEndian.Uint32(hdr[hdrPrefix : hdrPrefix+4]))
	n.level.Store(binary.LittleEndian.Uint32(hdr[hdrLevel : hdrLevel+4]))
	n.count.Store(uint32(binary.LittleEndian.Uint16(hdr[hdrCount : hdrCount+2])))
	n.compact.Store(uint32(binary.LittleEndian.Uint16(hdr[hdrCompact : hdrCompact+2])))
	n.selfLeaf = binary.LittleEndian.Uint64(hdr[hdrSelfLeaf : hdrSelfLeaf+8])

	body := region.Bytes(addr+headerSize, bodySize(variant))
	switch variant {
	case VariantN4, VariantN16:
		copy(n.keys, body[:len(n.keys)])
		childOff := len(n.keys)
		for i := range n.children {
			n.children[i] = binary.LittleEndian.Uint64(body[childOff+i*8 : childOff+i*8+8])
		}
	case VariantN48:
		copy(n.keys, body[:256])
		childOff := 256
		for i := range n.children {
			n.children[i] = binary.LittleEndian.Uint64(body[childOff+i*8 : childOff+i*8+8])
		}
	case VariantN256:
		for i := range n.children {
			n.children[i] = binary.LittleEndian.Uint64(body[i*8 : i*8+8])
		}
	}

	return n
}

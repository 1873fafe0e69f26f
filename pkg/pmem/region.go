package pmem

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"artpmem/pkg/varint"
)

// Addr is a durable address: a byte offset into the region. Zero is the
// null address, matching the tagged-pointer convention where a stored
// child-slot word of 0 means "no child".
type Addr uint64

// Kind tags a durable allocation so Recovery, which runs before any
// runtime type information exists, can tell a Leaf allocation from an
// inner-node allocation without a vtable.
type Kind byte

const (
	KindFree  Kind = 0
	KindLeaf  Kind = 1
	KindInner Kind = 2
)

// headerAreaSize reserves room at the front of the region for the magic,
// version, durable root slot, and the allocator's bump offset, none of
// which are themselves tree allocations.
const headerAreaSize = 32

const (
	offMagic   = 0
	offVersion = 4
	offRoot    = 8
	offBump    = 16
)

var magic = [4]byte{'A', 'R', 'T', 'P'}

const regionVersion = 1

var (
	// ErrOutOfSpace is returned when a region backed by a fixed-size
	// buffer cannot grow to satisfy an allocation.
	ErrOutOfSpace = errors.New("pmem: region is full and could not grow")
	// ErrClosed is returned by Alloc on a region after Close.
	ErrClosed = errors.New("pmem: region is closed")
)

// allocHeaderSize is the fixed-width per-allocation preamble written
// immediately before each payload: 1 kind byte followed by the payload
// length as a varint (the leaf/value length codec), padded to 8 bytes.
// The width is fixed so an address is always exactly allocHeaderSize
// past its own header: Alloc hands out payload addresses, interior
// offsets into a payload are plain arithmetic, and Free/KindOf find
// the header by subtracting. A varint length fits the padding for any
// payload under 2^49 bytes, far past any region this package maps.
const allocHeaderSize = 8

// backing abstracts the byte-range storage a region allocates out of,
// letting a region work against either a real mmap-ed file or an
// in-memory buffer.
type backing interface {
	Size() int64
	slice(offset, length int) []byte
	grow(newSize int64) error
	msyncRange() error
	close() error
}

// region implements Region against a backing store, shared by the
// mmap-backed and in-memory variants.
type region struct {
	mu      sync.Mutex
	back    backing
	rootVal uint64 // cached copy of the durable root slot, atomic
	closed  int32

	freeMu   sync.Mutex
	freeList map[int][]Addr // size class -> free extents available for reuse

	fixedSize bool // when set, Alloc returns ErrOutOfSpace instead of growing; no constructor here sets it
}

func newRegion(back backing, fresh bool) (*region, error) {
	r := &region{back: back, freeList: make(map[int][]Addr)}

	if fresh {
		hdr := back.slice(0, headerAreaSize)
		copy(hdr[offMagic:offMagic+4], magic[:])
		binary.LittleEndian.PutUint32(hdr[offVersion:offVersion+4], regionVersion)
		binary.LittleEndian.PutUint64(hdr[offRoot:offRoot+8], 0)
		binary.LittleEndian.PutUint64(hdr[offBump:offBump+8], headerAreaSize)
		if err := back.msyncRange(); err != nil {
			return nil, err
		}
		return r, nil
	}

	hdr := back.slice(0, headerAreaSize)
	if string(hdr[offMagic:offMagic+4]) != string(magic[:]) {
		// Not a recognized region yet (e.g. a brand new zero-filled
		// file that wasn't explicitly initialized) - initialize it.
		copy(hdr[offMagic:offMagic+4], magic[:])
		binary.LittleEndian.PutUint32(hdr[offVersion:offVersion+4], regionVersion)
		binary.LittleEndian.PutUint64(hdr[offBump:offBump+8], headerAreaSize)
		if err := back.msyncRange(); err != nil {
			return nil, err
		}
		return r, nil
	}

	r.rootVal = binary.LittleEndian.Uint64(hdr[offRoot : offRoot+8])
	return r, nil
}

func (r *region) bumpOffset() uint64 {
	hdr := r.back.slice(0, headerAreaSize)
	return binary.LittleEndian.Uint64(hdr[offBump : offBump+8])
}

func (r *region) setBumpOffset(v uint64) {
	hdr := r.back.slice(0, headerAreaSize)
	binary.LittleEndian.PutUint64(hdr[offBump:offBump+8], v)
}

// sizeClass rounds an allocation request up to a bucket so freed extents
// of similar size can be reused across node variants (N4 vs N16 vs leaf).
func sizeClass(n int) int {
	c := 16
	for c < n {
		c *= 2
	}
	return c
}

// Alloc returns the address of the zeroed payload; its header sits at
// the allocHeaderSize bytes just before it.
func (r *region) Alloc(kind Kind, size int) (Addr, error) {
	if atomic.LoadInt32(&r.closed) != 0 {
		return 0, ErrClosed
	}

	class := sizeClass(size + allocHeaderSize)

	r.freeMu.Lock()
	if bucket := r.freeList[class]; len(bucket) > 0 {
		addr := bucket[len(bucket)-1]
		r.freeList[class] = bucket[:len(bucket)-1]
		r.freeMu.Unlock()

		r.writeHeader(addr, kind, size)
		r.zero(addr, size)
		return addr, nil
	}
	r.freeMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	offset := r.bumpOffset()
	addr := Addr(offset + allocHeaderSize)
	needed := offset + uint64(class)

	if needed > uint64(r.back.Size()) {
		if r.fixedSize {
			return 0, ErrOutOfSpace
		}
		newSize := r.back.Size() * 2
		if newSize < int64(needed) {
			newSize = int64(needed)
		}
		if err := r.back.grow(newSize); err != nil {
			return 0, err
		}
	}

	r.setBumpOffset(needed)
	r.writeHeader(addr, kind, size)
	r.zero(addr, size)
	return addr, nil
}

func (r *region) writeHeader(addr Addr, kind Kind, size int) {
	hdr := r.back.slice(int(addr)-allocHeaderSize, allocHeaderSize)
	hdr[0] = byte(kind)
	varint.Put(hdr[1:], uint64(size))
}

func (r *region) zero(addr Addr, size int) {
	data := r.Bytes(addr, size)
	for i := range data {
		data[i] = 0
	}
}

func (r *region) Free(addr Addr) {
	if addr == 0 {
		return
	}
	hdr := r.back.slice(int(addr)-allocHeaderSize, allocHeaderSize)
	size, _ := varint.Get(hdr[1:])
	// Same rounding as Alloc, so the freed extent lands in the bucket
	// the next allocation of this size will look in.
	class := sizeClass(int(size) + allocHeaderSize)
	hdr[0] = byte(KindFree)

	r.freeMu.Lock()
	r.freeList[class] = append(r.freeList[class], addr)
	r.freeMu.Unlock()
}

// Bytes is a raw view: addr is a byte offset into the region, so an
// interior offset computed against an allocation's payload (a child
// slot, a header field, a leaf's value bytes) addresses exactly what
// the caller expects. A speculative fixed-width read near the region
// end (a varint peek past a tiny trailing leaf) is clamped to what is
// mapped rather than failing.
func (r *region) Bytes(addr Addr, size int) []byte {
	if max := r.back.Size() - int64(addr); int64(size) > max {
		size = int(max)
	}
	return r.back.slice(int(addr), size)
}

func (r *region) KindOf(addr Addr) Kind {
	if addr == 0 {
		return KindFree
	}
	hdr := r.back.slice(int(addr)-allocHeaderSize, 1)
	if hdr == nil {
		return KindFree
	}
	return Kind(hdr[0])
}

func (r *region) Flush(addr Addr, length int) {
	// The mmap implementation persists at file granularity via msync;
	// there is no cheaper cache-line-only primitive available from Go,
	// so Flush syncs the whole backing region. Callers still call it
	// exactly where a flush point belongs, preserving the
	// happens-before ordering even though this implementation is
	// coarser than real CLWB.
	r.back.msyncRange()
}

func (r *region) Fence() {
	// sync/atomic's sequentially-consistent operations already order
	// the version-lock and journal words across goroutines; Fence
	// exists so call sites match the named synchronization points even
	// though Go's memory model needs no extra barrier here.
}

func (r *region) Root() Addr {
	return Addr(atomic.LoadUint64(&r.rootVal))
}

func (r *region) SetRoot(addr Addr) {
	atomic.StoreUint64(&r.rootVal, uint64(addr))
	hdr := r.back.slice(0, headerAreaSize)
	binary.LittleEndian.PutUint64(hdr[offRoot:offRoot+8], uint64(addr))
	r.back.msyncRange()
}

func (r *region) Sync() error {
	return r.back.msyncRange()
}

func (r *region) Close() error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}
	if err := r.back.msyncRange(); err != nil {
		r.back.close()
		return err
	}
	return r.back.close()
}

package pmem

// Region is the PMEM collaborator the ART index treats as an external
// dependency: allocate/free, a cache-line flush, a store fence, and the
// single durable root slot a recovery pass starts from.
type Region interface {
	// Alloc reserves size bytes tagged with kind and returns the
	// durable address of their payload; the allocation's own
	// bookkeeping lives just before it. The payload is zeroed but not
	// flushed; callers must Flush it before publishing the address
	// where a concurrent reader or a recovery pass could observe it.
	Alloc(kind Kind, size int) (Addr, error)

	// Free returns a previously allocated extent for reuse. Callers
	// must not call Free until no epoch-active reader can still hold a
	// reference to it.
	Free(addr Addr)

	// Bytes returns a mutable view of the size bytes at addr, which may
	// be an allocation's payload address or any interior offset within
	// it. Invalid after the region grows.
	Bytes(addr Addr, size int) []byte

	// KindOf reports the durable type tag stored in the allocation
	// header just before addr.
	KindOf(addr Addr) Kind

	// Flush persists the byte range [addr, addr+length).
	Flush(addr Addr, length int)

	// Fence orders prior Flush calls before whatever happens next.
	Fence()

	// Root returns the durable root slot, or 0 if the tree is empty.
	Root() Addr

	// SetRoot durably publishes a new root address.
	SetRoot(addr Addr)

	// Sync flushes the entire region.
	Sync() error

	// Close releases the region. After Close, Alloc returns ErrClosed;
	// a second Close returns nil.
	Close() error
}

// Open opens or creates a region backed by a real memory-mapped file at
// path, growing it to at least initialSize on first creation.
func Open(path string, initialSize int64) (Region, error) {
	if initialSize <= 0 {
		initialSize = 1 << 20
	}

	mf, err := openMmapFile(path, initialSize)
	if err != nil {
		return nil, err
	}

	hdr := mf.slice(0, headerAreaSize)
	fresh := string(hdr[offMagic:offMagic+4]) != string(magic[:])

	return newRegion(mf, fresh)
}

// OpenMem creates an in-memory region for tests and the :memory: CLI
// mode, with no real durability: Flush/Fence are no-ops and Close
// simply discards the buffer.
func OpenMem(initialSize int64) (Region, error) {
	if initialSize <= 0 {
		initialSize = 64 * 1024
	}

	b := newMemBacking(initialSize)
	return newRegion(b, true)
}

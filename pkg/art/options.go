package art

// Options configures a Tree: a path to durable storage, an initial
// size, and a cache sizing hint.
type Options struct {
	// RegionPath is the backing file for the PMEM-simulated region. If
	// empty, the Tree uses an in-memory region (no persistence, useful
	// for tests).
	RegionPath string

	// RegionSize is the initial size in bytes of the backing region
	// when it does not already exist. Ignored when reopening an
	// existing, larger file.
	RegionSize int64

	// NodeCacheHint is advisory; the node cache is an unbounded
	// sync.Map keyed by durable address, so this currently has no
	// effect beyond documenting expected working-set size.
	NodeCacheHint int
}

const defaultRegionSize = 64 << 20 // 64 MiB

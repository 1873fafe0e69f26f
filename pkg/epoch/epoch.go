// Package epoch provides epoch-based memory reclamation for the lock-free
// reads of the ART index. It tracks reader epochs to safely determine when
// retired nodes can be freed back to the backing pmem region.
//
// The algorithm:
//  1. The global epoch is a monotonically increasing counter.
//  2. Readers Enter an epoch before descending the tree and Leave when done.
//  3. Writers Retire a node instead of freeing it directly, then Advance
//     the epoch once the structural change is durable.
//  4. A retired node is only handed to its free function once every reader
//     that could have observed it has left.
package epoch

import (
	"sync"
	"sync/atomic"
)

// FreeFunc releases a retired pointer back to its backing allocator.
type FreeFunc func(ptr uintptr)

// Manager tracks active readers and retired pointers for one tree.
type Manager struct {
	// globalEpoch is the current epoch, atomically incremented by writers.
	globalEpoch uint64

	// readers tracks active readers and their entry epochs.
	readers sync.Map // readerID -> *readerState

	// retiredMu guards retired.
	retiredMu sync.Mutex
	retired   map[uint64][]retiredPtr

	nextReaderID uint64
	minSafeEpoch uint64
}

type readerState struct {
	epoch  uint64
	active int32 // atomic flag: 1 = active, 0 = inactive
}

type retiredPtr struct {
	ptr  uintptr
	free FreeFunc
}

// New creates a Manager with the global epoch starting at 1, so that 0
// can mean "not set" in a reader's recorded epoch.
func New() *Manager {
	return &Manager{
		globalEpoch: 1,
		retired:     make(map[uint64][]retiredPtr),
	}
}

// Guard represents an active reader session.
type Guard struct {
	mgr      *Manager
	state    *readerState
	readerID uint64
}

// Enter begins a read, recording the epoch the reader is entering at.
// The returned Guard must be released with Leave.
func (m *Manager) Enter() *Guard {
	readerID := atomic.AddUint64(&m.nextReaderID, 1)
	state := &readerState{}

	state.epoch = atomic.LoadUint64(&m.globalEpoch)
	atomic.StoreInt32(&state.active, 1)

	m.readers.Store(readerID, state)

	return &Guard{mgr: m, state: state, readerID: readerID}
}

// Leave ends a read, allowing the epoch it entered at to be reclaimed
// once no other reader still references it.
func (g *Guard) Leave() {
	if g == nil || g.state == nil {
		return
	}
	atomic.StoreInt32(&g.state.active, 0)
	g.mgr.readers.Delete(g.readerID)
}

// Epoch returns the epoch this reader entered at.
func (g *Guard) Epoch() uint64 {
	if g == nil || g.state == nil {
		return 0
	}
	return g.state.epoch
}

// Advance increments the global epoch and returns the new value. Writers
// call this once a structural mutation has been made durable and visible.
func (m *Manager) Advance() uint64 {
	return atomic.AddUint64(&m.globalEpoch, 1)
}

// Current returns the current global epoch.
func (m *Manager) Current() uint64 {
	return atomic.LoadUint64(&m.globalEpoch)
}

// Retire defers the given pointer's reclamation until no reader that
// could have observed it remains active. free is called with ptr once
// TryReclaim determines it is safe.
func (m *Manager) Retire(ptr uintptr, free FreeFunc) {
	if ptr == 0 {
		return
	}
	epoch := atomic.LoadUint64(&m.globalEpoch)

	m.retiredMu.Lock()
	m.retired[epoch] = append(m.retired[epoch], retiredPtr{ptr: ptr, free: free})
	m.retiredMu.Unlock()
}

// TryReclaim frees every retired pointer whose retirement epoch precedes
// the oldest epoch any active reader could still be in. Returns the
// number of pointers freed.
func (m *Manager) TryReclaim() int {
	minEpoch := m.findMinActiveEpoch()
	atomic.StoreUint64(&m.minSafeEpoch, minEpoch)

	m.retiredMu.Lock()
	defer m.retiredMu.Unlock()

	reclaimed := 0
	for epoch, ptrs := range m.retired {
		if epoch < minEpoch {
			for _, rp := range ptrs {
				rp.free(rp.ptr)
			}
			reclaimed += len(ptrs)
			delete(m.retired, epoch)
		}
	}
	return reclaimed
}

func (m *Manager) findMinActiveEpoch() uint64 {
	minEpoch := atomic.LoadUint64(&m.globalEpoch)

	m.readers.Range(func(_, value interface{}) bool {
		state := value.(*readerState)
		if atomic.LoadInt32(&state.active) == 1 && state.epoch < minEpoch {
			minEpoch = state.epoch
		}
		return true
	})

	return minEpoch
}

// PendingCount returns the number of retired pointers awaiting reclamation.
func (m *Manager) PendingCount() int {
	m.retiredMu.Lock()
	defer m.retiredMu.Unlock()

	count := 0
	for _, ptrs := range m.retired {
		count += len(ptrs)
	}
	return count
}

// ActiveReaderCount returns the number of readers currently between
// Enter and Leave.
func (m *Manager) ActiveReaderCount() int {
	count := 0
	m.readers.Range(func(_, value interface{}) bool {
		state := value.(*readerState)
		if atomic.LoadInt32(&state.active) == 1 {
			count++
		}
		return true
	})
	return count
}

// DrainAll advances the epoch and reclaims until no readers remain
// active, used when closing a tree.
func (m *Manager) DrainAll() {
	for m.ActiveReaderCount() > 0 {
		m.Advance()
		m.TryReclaim()
	}
	m.Advance()
	m.TryReclaim()
}

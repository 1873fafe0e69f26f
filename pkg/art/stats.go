package art

import "sync/atomic"

// Stats holds running counters describing a Tree's shape and the
// activity of its optimistic concurrency control. All fields are
// updated with sync/atomic and safe to read concurrently with any
// Tree operation via Tree.Stats.
type Stats struct {
	NodeCount     atomic.Int64
	LeafCount     atomic.Int64
	KeyCount      atomic.Int64
	N4Count       atomic.Int64
	N16Count      atomic.Int64
	N48Count      atomic.Int64
	N256Count     atomic.Int64
	RestartCount  atomic.Int64
	RecoveredSlots atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats with plain integer
// fields, returned by Tree.Stats so callers don't hold atomic types.
type StatsSnapshot struct {
	NodeCount      int64
	LeafCount      int64
	KeyCount       int64
	N4Count        int64
	N16Count       int64
	N48Count       int64
	N256Count      int64
	RestartCount   int64
	RecoveredSlots int64
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		NodeCount:      s.NodeCount.Load(),
		LeafCount:      s.LeafCount.Load(),
		KeyCount:       s.KeyCount.Load(),
		N4Count:        s.N4Count.Load(),
		N16Count:       s.N16Count.Load(),
		N48Count:       s.N48Count.Load(),
		N256Count:      s.N256Count.Load(),
		RestartCount:   s.RestartCount.Load(),
		RecoveredSlots: s.RecoveredSlots.Load(),
	}
}

func (s *Stats) variantCounter(v Variant) *atomic.Int64 {
	switch v {
	case VariantN4:
		return &s.N4Count
	case VariantN16:
		return &s.N16Count
	case VariantN48:
		return &s.N48Count
	default:
		return &s.N256Count
	}
}

func (s *Stats) recordNodeCreated(v Variant) {
	s.NodeCount.Add(1)
	s.variantCounter(v).Add(1)
}

func (s *Stats) recordNodeFreed(v Variant) {
	s.NodeCount.Add(-1)
	s.variantCounter(v).Add(-1)
}

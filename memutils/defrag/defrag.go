// Package defrag holds the bookkeeping shared by compaction runs: the budget a pass may spend,
// the record of each relocation, and the running statistics.
package defrag

import "math"

// Stats contains basic metrics for compaction over time
type Stats struct {
	// BytesMoved is the number of bytes that have been successfully relocated, headers included
	BytesMoved int
	// AllocationsMoved is the number of successful relocations
	AllocationsMoved int
	// RegionsMerged is the number of free regions that were coalesced into a neighbouring free region
	RegionsMerged int
	// PinnedSkipped is the number of times a pinned block prevented two free regions from being merged
	PinnedSkipped int
}

func (s *Stats) Add(stats Stats) {
	s.BytesMoved += stats.BytesMoved
	s.AllocationsMoved += stats.AllocationsMoved
	s.RegionsMerged += stats.RegionsMerged
	s.PinnedSkipped += stats.PinnedSkipped
}

// Unbounded returns a PassContext with no byte or relocation limit
func Unbounded() *PassContext {
	return &PassContext{
		MaxPassBytes:       math.MaxInt,
		MaxPassAllocations: math.MaxInt,
	}
}

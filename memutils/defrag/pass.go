package defrag

import (
	"fmt"
	"math"
)

// CounterStatus is the answer PassContext.CheckCounters gives about a prospective slide
type CounterStatus uint32

const (
	// CounterPass indicates the slide fits in the remaining budget
	CounterPass CounterStatus = iota
	// CounterIgnore indicates the slide does not fit, but smaller slides later in the heap might
	CounterIgnore
	// CounterEnd indicates the pass should stop
	CounterEnd
)

var counterStatusMapping = map[CounterStatus]string{
	CounterPass:   "CounterPass",
	CounterIgnore: "CounterIgnore",
	CounterEnd:    "CounterEnd",
}

func (s CounterStatus) String() string {
	return counterStatusMapping[s]
}

// PassContext is an object used to track data for the current compaction
// pass across multiple relocations
type PassContext struct {
	// MaxPassBytes is the maximum number of bytes to relocate in each pass. A value of 0 means unlimited.
	MaxPassBytes int
	// MaxPassAllocations is the maximum number of blocks to relocate in each pass. A value of 0 means unlimited.
	MaxPassAllocations int
	// Stats contains statistics for the current pass
	Stats Stats
	// Moves is every relocation performed during the pass, in the order it was performed
	Moves []Move

	ignored int
}

const maxSlidesToIgnore = 16

func (p *PassContext) normalize() {
	if p.MaxPassBytes == 0 {
		p.MaxPassBytes = math.MaxInt
	}
	if p.MaxPassAllocations == 0 {
		p.MaxPassAllocations = math.MaxInt
	}
}

// CheckCounters reports whether a slide relocating the given number of bytes and blocks
// fits in the remaining budget
func (p *PassContext) CheckCounters(bytes, allocations int) CounterStatus {
	p.normalize()

	if p.Stats.AllocationsMoved >= p.MaxPassAllocations || p.Stats.BytesMoved >= p.MaxPassBytes {
		return CounterEnd
	}

	// Ignore the slide if it would exceed the budget
	if p.Stats.BytesMoved+bytes > p.MaxPassBytes || p.Stats.AllocationsMoved+allocations > p.MaxPassAllocations {
		p.ignored++
		if p.ignored < maxSlidesToIgnore {
			return CounterIgnore
		}
		return CounterEnd
	}

	p.ignored = 0
	return CounterPass
}

// Record adds a relocation to the pass. It returns true if the pass budget is now spent.
func (p *PassContext) Record(move Move) bool {
	p.normalize()

	p.Moves = append(p.Moves, move)
	p.Stats.BytesMoved += move.Size
	p.Stats.AllocationsMoved++

	if p.Stats.AllocationsMoved > p.MaxPassAllocations || p.Stats.BytesMoved > p.MaxPassBytes {
		panic(fmt.Sprintf("somehow passed maximum pass thresholds: bytes %d, allocs %d", p.Stats.BytesMoved, p.Stats.AllocationsMoved))
	}

	return p.Stats.AllocationsMoved == p.MaxPassAllocations || p.Stats.BytesMoved == p.MaxPassBytes
}

package memutils

import "math"

// Statistics is a cheap summary of one or more heaps
type Statistics struct {
	// BlockCount is the number of heaps summarized
	BlockCount int
	// AllocationCount is the number of in-use blocks in those heaps, master pointer batches included
	AllocationCount int
	// BlockBytes is the combined extent of the heaps
	BlockBytes int
	// AllocationBytes is the combined size of the in-use blocks, headers included
	AllocationBytes int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// UnusedBytes is the number of bytes covered by the summarized heaps that are not in use
func (s *Statistics) UnusedBytes() int {
	return s.BlockBytes - s.AllocationBytes
}

// DetailedStatistics extends Statistics with the shape of the free space, which is what
// compaction decisions are made from.
type DetailedStatistics struct {
	Statistics
	// UnusedRangeCount is the number of free blocks
	UnusedRangeCount int
	// AllocationSizeMin and AllocationSizeMax bound the sizes of the in-use blocks
	AllocationSizeMin int
	AllocationSizeMax int
	// UnusedRangeSizeMin and UnusedRangeSizeMax bound the sizes of the free blocks. A heap whose
	// largest free block is much smaller than its free bytes is a candidate for compaction.
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

// Fragmentation returns a value in [0, 1]: 0 when all unused bytes form a single range, approaching 1
// as the largest unused range shrinks relative to the total unused bytes.
func (s *DetailedStatistics) Fragmentation() float64 {
	unused := s.UnusedBytes()
	if unused <= 0 || s.UnusedRangeCount == 0 {
		return 0
	}

	return 1 - float64(s.UnusedRangeSizeMax)/float64(unused)
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}

package memory_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/newtonresearch/newton-framework-sub009/memory"
	"github.com/newtonresearch/newton-framework-sub009/memutils"
	"github.com/stretchr/testify/require"
)

func TestReuseFreedHoleWithoutExtending(t *testing.T) {
	allocator := newAllocator(t)
	heap, err := allocator.CreateHeap(memory.HeapCreateInfo{
		Name:          "main",
		Base:          0x10000,
		Memory:        make([]byte, 8192),
		InitialExtent: 4096,
	})
	require.NoError(t, err)

	first, err := heap.NewDirectBlock(100)
	require.NoError(t, err)
	middle, err := heap.NewDirectBlock(200)
	require.NoError(t, err)
	last, err := heap.NewDirectBlock(100)
	require.NoError(t, err)

	require.NoError(t, heap.DisposeDirectBlock(middle))

	replacement, err := heap.NewDirectBlock(150)
	require.NoError(t, err)
	require.Equal(t, middle, replacement)
	require.Less(t, replacement, last)
	require.Greater(t, replacement, first)

	require.Equal(t, 4096, heap.Extent())
	require.Equal(t, 4096-3*memory.HeaderSize-100-memutils.AlignUp(150, 4)-100-3*memutils.DebugMargin, heap.Free())
	requireValid(t, heap)

	var stats memutils.DetailedStatistics
	stats.Clear()
	heap.AddDetailedStatistics(&stats)
	// What is left of the hole stays free in front of the last block
	require.Equal(t, 2, stats.UnusedRangeCount)
	require.Equal(t, span(200)-span(150), stats.UnusedRangeSizeMin)
}

func TestNewBlockMetadata(t *testing.T) {
	allocator := newAllocator(t)
	heap := newHeap(t, allocator, "main", 0x10000, 4096)

	ptr, err := heap.NewBlock(37, memory.BlockOptions{Tag: 7, Owner: 42})
	require.NoError(t, err)
	require.Zero(t, int(ptr)%memory.BlockAlignment)

	size, err := heap.BlockSize(ptr)
	require.NoError(t, err)
	require.Equal(t, 37, size)

	tag, err := heap.BlockType(ptr)
	require.NoError(t, err)
	require.Equal(t, uint8(7), tag)

	owner, err := heap.BlockOwner(ptr)
	require.NoError(t, err)
	require.Equal(t, uint32(42), owner)

	delta, err := heap.BlockDelta(ptr)
	require.NoError(t, err)
	require.Equal(t, span(37)-memory.HeaderSize-37, delta)
	require.Equal(t, delta, heap.Slack())

	flags, err := heap.BlockFlags(ptr)
	require.NoError(t, err)
	require.Equal(t, memory.BlockInUse, flags)

	busy, err := heap.BlockBusy(ptr)
	require.NoError(t, err)
	require.Zero(t, busy)

	owningHeap, err := allocator.BlockHeap(ptr)
	require.NoError(t, err)
	require.Same(t, heap, owningHeap)

	data, err := heap.Bytes(ptr)
	require.NoError(t, err)
	require.Len(t, data, 37)

	require.NoError(t, heap.KillBlock(ptr))
	require.Equal(t, 4096, heap.Free())
	require.Zero(t, heap.Slack())
	requireValid(t, heap)
}

func TestSmallRemainderIsFolded(t *testing.T) {
	allocator := newAllocator(t)
	heap := newHeap(t, allocator, "main", 0x10000, 4096)

	// Leaves 12 bytes, which cannot hold a header of their own
	size := 4096 - 12 - memory.HeaderSize - memutils.DebugMargin
	ptr, err := heap.NewDirectBlock(size)
	require.NoError(t, err)

	require.Zero(t, heap.Free())
	require.Equal(t, 12, heap.Wasted())

	delta, err := heap.BlockDelta(ptr)
	require.NoError(t, err)
	require.Equal(t, 12+memutils.DebugMargin, delta)

	actual, err := heap.GetDirectBlockSize(ptr)
	require.NoError(t, err)
	require.Equal(t, size, actual)
	requireValid(t, heap)

	require.NoError(t, heap.DisposeDirectBlock(ptr))
	require.Equal(t, 4096, heap.Free())
	require.Equal(t, 12, heap.Wasted())
	requireValid(t, heap)
}

func TestOutOfMemoryLeavesHeapUnchanged(t *testing.T) {
	allocator := newAllocator(t)
	heap := newHeap(t, allocator, "main", 0x10000, 1024)

	ptr, err := heap.NewDirectBlock(500)
	require.NoError(t, err)
	data, err := heap.Bytes(ptr)
	require.NoError(t, err)
	fillBytes(data, 3)

	// The failed handle allocation still leaves its master pointer batch behind
	_, err = heap.NewIndirectBlock(600)
	require.ErrorIs(t, err, memory.ErrOutOfMemory)
	require.Equal(t, 32, heap.MasterPointerCount())

	free := heap.Free()
	stats := heap.CompactionStats()

	_, err = heap.NewDirectBlock(600)
	require.ErrorIs(t, err, memory.ErrOutOfMemory)

	_, err = heap.NewIndirectBlock(600)
	require.ErrorIs(t, err, memory.ErrOutOfMemory)
	require.Equal(t, 32, heap.MasterPointerCount())

	require.Equal(t, free, heap.Free())
	require.Equal(t, 1024, heap.Extent())
	require.Equal(t, stats, heap.CompactionStats())
	requireBytes(t, data, 3)
	requireValid(t, heap)

	_, err = heap.NewDirectBlock(-1)
	require.Error(t, err)
}

func TestReverseReleaseCoalesces(t *testing.T) {
	allocator := newAllocator(t)
	heap := newHeap(t, allocator, "main", 0x10000, 8192)

	var ptrs []memory.Ptr
	for i := 0; i < 20; i++ {
		ptr, err := heap.NewDirectBlock(10 + i*17)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}

	for i := len(ptrs) - 1; i >= 0; i-- {
		require.NoError(t, heap.DisposeDirectBlock(ptrs[i]))
		requireValid(t, heap)
	}

	var stats memutils.DetailedStatistics
	stats.Clear()
	heap.AddDetailedStatistics(&stats)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 8192, stats.UnusedRangeSizeMax)
	require.Equal(t, 8192, heap.Free())
}

func TestBalancedSequencesRestoreFreeBytes(t *testing.T) {
	for seed := int64(1); seed <= 8; seed++ {
		random := rand.New(rand.NewSource(seed))

		allocator := newAllocator(t)
		heap := newHeap(t, allocator, "main", 0x10000, 16384)
		before := heap.Free()

		var live []memory.Ptr
		for step := 0; step < 300; step++ {
			if len(live) > 0 && random.Intn(3) == 0 {
				index := random.Intn(len(live))
				require.NoError(t, heap.DisposeDirectBlock(live[index]))
				live = append(live[:index], live[index+1:]...)
			} else {
				ptr, err := heap.NewDirectBlock(random.Intn(400))
				if err != nil {
					require.ErrorIs(t, err, memory.ErrOutOfMemory)
					continue
				}
				live = append(live, ptr)
			}

			requireValid(t, heap)
		}

		random.Shuffle(len(live), func(i, j int) {
			live[i], live[j] = live[j], live[i]
		})
		for _, ptr := range live {
			require.NoError(t, heap.DisposeDirectBlock(ptr))
		}

		require.Equal(t, before, heap.Free(), "seed %d", seed)
		requireValid(t, heap)
	}
}

func TestInvalidPointers(t *testing.T) {
	allocator := newAllocator(t)
	heap := newHeap(t, allocator, "main", 0x10000, 4096)

	ptr, err := heap.NewDirectBlock(64)
	require.NoError(t, err)

	testCases := []struct {
		name string
		ptr  memory.Ptr
	}{
		{name: "nil", ptr: 0},
		{name: "below heap", ptr: 0x8000},
		{name: "header", ptr: heap.Start()},
		{name: "unaligned", ptr: ptr + 2},
		{name: "past extent", ptr: heap.End() + 16},
		{name: "free block", ptr: ptr + memory.Ptr(span(64))},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := heap.BlockSize(testCase.ptr)
			require.ErrorIs(t, err, memory.ErrInvalidPointer)

			require.ErrorIs(t, heap.KillBlock(testCase.ptr), memory.ErrInvalidPointer)
		})
	}

	require.NoError(t, heap.KillBlock(ptr))
	require.ErrorIs(t, heap.KillBlock(ptr), memory.ErrInvalidPointer)
	requireValid(t, heap)
}

func TestKillLockedBlockPanics(t *testing.T) {
	allocator := newAllocator(t)
	heap := newHeap(t, allocator, "main", 0x10000, 4096)

	ptr, err := heap.NewDirectBlock(64)
	require.NoError(t, err)
	require.NoError(t, heap.IncrementBusy(ptr))

	require.Panics(t, func() {
		_ = heap.KillBlock(ptr)
	})
	require.Panics(t, func() {
		_ = heap.DisposeDirectBlock(ptr)
	})

	require.NoError(t, heap.DecrementBusy(ptr))
	require.NoError(t, heap.KillBlock(ptr))
	requireValid(t, heap)
}

func TestFixedHeapReceivesDirectBlocks(t *testing.T) {
	allocator := newAllocator(t)
	fixed := newHeap(t, allocator, "fixed", 0x10000, 4096)

	heap, err := allocator.CreateHeap(memory.HeapCreateInfo{
		Name:      "main",
		Base:      0x20000,
		Memory:    make([]byte, 4096),
		FixedHeap: fixed,
	})
	require.NoError(t, err)

	ptr, err := heap.NewDirectBlock(100)
	require.NoError(t, err)
	require.True(t, fixed.Contains(ptr))
	require.Equal(t, 4096, heap.Free())

	size, err := heap.GetDirectBlockSize(ptr)
	require.NoError(t, err)
	require.Equal(t, 100, size)

	ptr, err = heap.SetDirectBlockSize(ptr, 300)
	require.NoError(t, err)
	require.True(t, fixed.Contains(ptr))

	owner, err := allocator.BlockHeap(ptr)
	require.NoError(t, err)
	require.Same(t, fixed, owner)

	require.NoError(t, heap.DisposeDirectBlock(ptr))
	require.Equal(t, 4096, fixed.Free())
	requireValid(t, heap, fixed)
}

func TestBlockFlagsString(t *testing.T) {
	require.Equal(t, "None", memory.BlockFlags(0).String())
	require.Equal(t, "BlockInUse", memory.BlockInUse.String())
	require.Equal(t, "BlockInUse|BlockIndirect", (memory.BlockInUse | memory.BlockIndirect).String())
	require.Equal(t, "BlockPrivate|Unknown", (memory.BlockPrivate | memory.BlockFlags(0x80)).String())
}

func TestEmptyBlockAtHeapEnd(t *testing.T) {
	allocator := newAllocator(t)
	heap, err := allocator.CreateHeap(memory.HeapCreateInfo{
		Name:          "main",
		Base:          0x10000,
		Memory:        make([]byte, 4096),
		InitialExtent: 4096 - span(0),
		PageSize:      memory.HeaderSize,
	})
	require.NoError(t, err)
	next := newHeap(t, allocator, "next", 0x11000, 4096)

	_, err = heap.NewDirectBlock(4096 - 2*span(0))
	require.NoError(t, err)
	require.Zero(t, heap.Free())

	// The heap grows by exactly one empty block, which lands against the next heap
	last, err := heap.NewDirectBlock(0)
	require.NoError(t, err)
	require.Equal(t, heap.End(), last)
	require.Equal(t, next.Start(), last)

	owner, err := allocator.HeapForPtr(last)
	require.NoError(t, err)
	require.Same(t, heap, owner)

	size, err := allocator.GetDirectBlockSize(last)
	require.NoError(t, err)
	require.Zero(t, size)

	data := directBytes(t, heap, last)
	require.Empty(t, data)

	require.NoError(t, allocator.DisposeDirectBlock(last))
	require.Equal(t, span(0), heap.Free())
	requireValid(t, heap, next)
}

func TestOversizedAllocationIsOutOfMemory(t *testing.T) {
	allocator := newAllocator(t)
	heap := newHeap(t, allocator, "main", 0x10000, 4096)

	for _, size := range []int{4097, math.MaxInt32, math.MaxInt - 1, math.MaxInt} {
		_, err := heap.NewDirectBlock(size)
		require.ErrorIs(t, err, memory.ErrOutOfMemory)

		_, err = heap.NewIndirectBlock(size)
		require.ErrorIs(t, err, memory.ErrOutOfMemory)

		requireValid(t, heap)
	}

	ptr, err := heap.NewDirectBlock(100)
	require.NoError(t, err)
	free := heap.Free()

	resized, err := heap.SetDirectBlockSize(ptr, math.MaxInt-1)
	require.ErrorIs(t, err, memory.ErrOutOfMemory)
	require.Equal(t, ptr, resized)
	require.Equal(t, free, heap.Free())

	size, err := heap.GetDirectBlockSize(ptr)
	require.NoError(t, err)
	require.Equal(t, 100, size)
	requireValid(t, heap)
}

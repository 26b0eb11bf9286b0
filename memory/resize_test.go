package memory_test

import (
	"testing"

	"github.com/newtonresearch/newton-framework-sub009/memory"
	"github.com/newtonresearch/newton-framework-sub009/memutils"
	"github.com/stretchr/testify/require"
)

// newSplitHeaps creates a heap whose master pointers live in a separate heap, so that the blocks of
// the main heap are laid out exactly in allocation order
func newSplitHeaps(t *testing.T, size int, info memory.HeapCreateInfo) (*memory.Allocator, *memory.Heap, *memory.Heap) {
	allocator := newAllocator(t)
	masters := newHeap(t, allocator, "masters", 0x1000, 4096)

	info.Name = "main"
	info.Base = 0x10000
	info.Memory = make([]byte, size)
	info.MasterHeap = masters
	info.RelocationHeap = masters

	heap, err := allocator.CreateHeap(info)
	require.NoError(t, err)
	allocator.SetCurrentHeap(heap)

	return allocator, heap, masters
}

func directBytes(t *testing.T, heap *memory.Heap, ptr memory.Ptr) []byte {
	data, err := heap.Bytes(ptr)
	require.NoError(t, err)
	return data
}

func handleBytes(t *testing.T, allocator *memory.Allocator, handle memory.Handle) []byte {
	data, err := allocator.HandleBytes(handle)
	require.NoError(t, err)
	return data
}

func TestShrinkIntoFollowingFreeBlock(t *testing.T) {
	allocator := newAllocator(t)
	heap := newHeap(t, allocator, "main", 0x10000, 4096)

	ptr, err := heap.NewDirectBlock(200)
	require.NoError(t, err)
	fillBytes(directBytes(t, heap, ptr), 1)
	free := heap.Free()

	resized, err := heap.SetDirectBlockSize(ptr, 100)
	require.NoError(t, err)
	require.Equal(t, ptr, resized)
	require.Equal(t, free+span(200)-span(100), heap.Free())
	requireBytes(t, directBytes(t, heap, ptr), 1)
	requireValid(t, heap)
}

func TestShrinkCreatesFreeBlock(t *testing.T) {
	allocator := newAllocator(t)
	heap := newHeap(t, allocator, "main", 0x10000, 4096)

	ptr, err := heap.NewDirectBlock(200)
	require.NoError(t, err)
	_, err = heap.NewDirectBlock(50)
	require.NoError(t, err)
	free := heap.Free()

	_, err = heap.SetDirectBlockSize(ptr, 100)
	require.NoError(t, err)
	require.Equal(t, free+100, heap.Free())

	var stats memutils.DetailedStatistics
	stats.Clear()
	heap.AddDetailedStatistics(&stats)
	require.Equal(t, 2, stats.UnusedRangeCount)
	require.Equal(t, 100, stats.UnusedRangeSizeMin)
	requireValid(t, heap)
}

func TestShrinkFoldsSmallExcess(t *testing.T) {
	allocator := newAllocator(t)
	heap := newHeap(t, allocator, "main", 0x10000, 4096)

	ptr, err := heap.NewDirectBlock(200)
	require.NoError(t, err)
	_, err = heap.NewDirectBlock(50)
	require.NoError(t, err)
	free := heap.Free()

	_, err = heap.SetDirectBlockSize(ptr, 190)
	require.NoError(t, err)
	require.Equal(t, free, heap.Free())

	size, err := heap.GetDirectBlockSize(ptr)
	require.NoError(t, err)
	require.Equal(t, 190, size)

	delta, err := heap.BlockDelta(ptr)
	require.NoError(t, err)
	require.Equal(t, span(200)-memory.HeaderSize-190, delta)
	requireValid(t, heap)
}

func TestGrowIntoSlack(t *testing.T) {
	allocator := newAllocator(t)
	heap := newHeap(t, allocator, "main", 0x10000, 4096)

	ptr, err := heap.NewDirectBlock(197)
	require.NoError(t, err)
	_, err = heap.NewDirectBlock(50)
	require.NoError(t, err)
	free := heap.Free()

	resized, err := heap.SetDirectBlockSize(ptr, 200)
	require.NoError(t, err)
	require.Equal(t, ptr, resized)
	require.Equal(t, free, heap.Free())

	delta, err := heap.BlockDelta(ptr)
	require.NoError(t, err)
	require.Equal(t, memutils.DebugMargin, delta)
	requireValid(t, heap)
}

func TestGrowInPlace(t *testing.T) {
	allocator := newAllocator(t)
	heap := newHeap(t, allocator, "main", 0x10000, 4096)

	ptr, err := heap.NewDirectBlock(100)
	require.NoError(t, err)
	fillBytes(directBytes(t, heap, ptr), 9)
	free := heap.Free()

	resized, err := heap.SetDirectBlockSize(ptr, 300)
	require.NoError(t, err)
	require.Equal(t, ptr, resized)
	require.Equal(t, free-(span(300)-span(100)), heap.Free())
	requireBytes(t, directBytes(t, heap, ptr)[:100], 9)
	requireValid(t, heap)
}

func TestGrowSlidesFollowingBlocksUp(t *testing.T) {
	var events []memory.RelocationEvent
	allocator, heap, masters := newSplitHeaps(t, 4096, memory.HeapCreateInfo{
		OnRelocate: func(event memory.RelocationEvent) {
			events = append(events, event)
		},
	})

	ptr, err := heap.NewDirectBlock(100)
	require.NoError(t, err)
	fillBytes(directBytes(t, heap, ptr), 1)

	handle, err := heap.NewIndirectBlock(100)
	require.NoError(t, err)
	fillBytes(handleBytes(t, allocator, handle), 2)
	before, err := allocator.Deref(handle)
	require.NoError(t, err)

	resized, err := heap.SetDirectBlockSize(ptr, 200)
	require.NoError(t, err)
	require.Equal(t, ptr, resized)
	requireBytes(t, directBytes(t, heap, ptr)[:100], 1)

	after, err := allocator.Deref(handle)
	require.NoError(t, err)
	require.Equal(t, heap.End()-memory.Ptr(span(100))+memory.Ptr(memory.HeaderSize), after)
	requireBytes(t, handleBytes(t, allocator, handle), 2)

	require.Len(t, events, 1)
	require.Equal(t, memory.RelocationEvent{
		HeapID: heap.ID(),
		Old:    before,
		New:    after,
		Size:   100,
		Handle: handle,
	}, events[0])
	requireValid(t, heap, masters)
}

func TestGrowMovesBackward(t *testing.T) {
	var events []memory.RelocationEvent
	allocator := newAllocator(t)
	heap, err := allocator.CreateHeap(memory.HeapCreateInfo{
		Name:   "main",
		Base:   0x10000,
		Memory: make([]byte, 4096),
		OnRelocate: func(event memory.RelocationEvent) {
			events = append(events, event)
		},
	})
	require.NoError(t, err)

	hole, err := heap.NewDirectBlock(100)
	require.NoError(t, err)
	ptr, err := heap.NewDirectBlock(100)
	require.NoError(t, err)
	_, err = heap.NewDirectBlock(100)
	require.NoError(t, err)
	fillBytes(directBytes(t, heap, ptr), 4)
	free := heap.Free()

	require.NoError(t, heap.DisposeDirectBlock(hole))

	resized, err := heap.SetDirectBlockSize(ptr, 150)
	require.NoError(t, err)
	require.Equal(t, hole, resized)
	requireBytes(t, directBytes(t, heap, resized)[:100], 4)
	require.Equal(t, free+span(100)-(span(150)-span(100)), heap.Free())

	require.Len(t, events, 1)
	require.Equal(t, ptr, events[0].Old)
	require.Equal(t, hole, events[0].New)
	require.Zero(t, events[0].Handle)
	requireValid(t, heap)
}

func TestGrowMovesElsewhere(t *testing.T) {
	allocator := newAllocator(t)
	heap := newHeap(t, allocator, "main", 0x10000, 4096)

	ptr, err := heap.NewDirectBlock(100)
	require.NoError(t, err)
	next, err := heap.NewDirectBlock(100)
	require.NoError(t, err)
	fillBytes(directBytes(t, heap, ptr), 5)

	resized, err := heap.SetDirectBlockSize(ptr, 500)
	require.NoError(t, err)
	require.Greater(t, resized, next)
	requireBytes(t, directBytes(t, heap, resized)[:100], 5)

	size, err := heap.GetDirectBlockSize(resized)
	require.NoError(t, err)
	require.Equal(t, 500, size)

	_, err = heap.GetDirectBlockSize(ptr)
	require.ErrorIs(t, err, memory.ErrInvalidPointer)
	requireValid(t, heap)
}

func TestLockedBlockOnlyGrowsInPlace(t *testing.T) {
	allocator := newAllocator(t)
	heap := newHeap(t, allocator, "main", 0x10000, 4096)

	ptr, err := heap.NewDirectBlock(100)
	require.NoError(t, err)
	_, err = heap.NewDirectBlock(100)
	require.NoError(t, err)
	fillBytes(directBytes(t, heap, ptr), 6)

	unpin, err := heap.Pin(ptr)
	require.NoError(t, err)

	resized, err := heap.SetDirectBlockSize(ptr, 500)
	require.ErrorIs(t, err, memory.ErrBlockLocked)
	require.Equal(t, ptr, resized)

	// Shrinking never moves, so it is allowed
	resized, err = heap.SetDirectBlockSize(ptr, 60)
	require.NoError(t, err)
	require.Equal(t, ptr, resized)
	requireBytes(t, directBytes(t, heap, ptr), 6)

	unpin()
	unpin()

	busy, err := heap.BlockBusy(ptr)
	require.NoError(t, err)
	require.Zero(t, busy)

	_, err = heap.SetDirectBlockSize(ptr, 500)
	require.NoError(t, err)
	requireValid(t, heap)
}

func TestFailedGrowLeavesBlockUntouched(t *testing.T) {
	allocator := newAllocator(t)
	heap := newHeap(t, allocator, "main", 0x10000, 1024)

	ptr, err := heap.NewDirectBlock(300)
	require.NoError(t, err)
	_, err = heap.NewDirectBlock(300)
	require.NoError(t, err)
	fillBytes(directBytes(t, heap, ptr), 7)
	free := heap.Free()

	resized, err := heap.SetDirectBlockSize(ptr, 700)
	require.ErrorIs(t, err, memory.ErrOutOfMemory)
	require.Equal(t, ptr, resized)
	require.Equal(t, free, heap.Free())

	size, err := heap.GetDirectBlockSize(ptr)
	require.NoError(t, err)
	require.Equal(t, 300, size)
	requireBytes(t, directBytes(t, heap, ptr), 7)
	requireValid(t, heap)

	_, err = heap.SetDirectBlockSize(ptr, -5)
	require.Error(t, err)
}

func TestResizeRoundTripPreservesContents(t *testing.T) {
	sizes := []int{0, 1, 3, 17, 64, 250, 1000}

	for _, original := range sizes {
		for _, temporary := range sizes {
			allocator := newAllocator(t)
			heap := newHeap(t, allocator, "main", 0x10000, 8192)

			ptr, err := heap.NewDirectBlock(original)
			require.NoError(t, err)
			_, err = heap.NewDirectBlock(32)
			require.NoError(t, err)
			fillBytes(directBytes(t, heap, ptr), byte(original))

			ptr, err = heap.SetDirectBlockSize(ptr, temporary)
			require.NoError(t, err)
			ptr, err = heap.SetDirectBlockSize(ptr, original)
			require.NoError(t, err)

			size, err := heap.GetDirectBlockSize(ptr)
			require.NoError(t, err)
			require.Equal(t, original, size)

			kept := original
			if temporary < kept {
				kept = temporary
			}
			requireBytes(t, directBytes(t, heap, ptr)[:kept], byte(original))
			requireValid(t, heap)
		}
	}
}

func TestBlockTypeMismatch(t *testing.T) {
	allocator := newAllocator(t)
	heap := newHeap(t, allocator, "main", 0x10000, 4096)

	handle, err := heap.NewIndirectBlock(64)
	require.NoError(t, err)
	ptr, err := allocator.Deref(handle)
	require.NoError(t, err)

	_, err = heap.GetDirectBlockSize(ptr)
	require.ErrorIs(t, err, memory.ErrWrongBlockType)
	_, err = heap.SetDirectBlockSize(ptr, 10)
	require.ErrorIs(t, err, memory.ErrWrongBlockType)
	require.ErrorIs(t, heap.DisposeDirectBlock(ptr), memory.ErrWrongBlockType)

	flags, err := heap.BlockFlags(ptr)
	require.NoError(t, err)
	require.Equal(t, memory.BlockInUse|memory.BlockIndirect, flags)
}

func TestLockedBlockGrowsByExtendingHeap(t *testing.T) {
	allocator := newAllocator(t)
	heap, err := allocator.CreateHeap(memory.HeapCreateInfo{
		Name:          "main",
		Base:          0x10000,
		Memory:        make([]byte, 8192),
		InitialExtent: 4096,
	})
	require.NoError(t, err)

	ptr, err := heap.NewDirectBlock(4000)
	require.NoError(t, err)
	fillBytes(directBytes(t, heap, ptr), 12)

	unpin, err := heap.Pin(ptr)
	require.NoError(t, err)
	defer unpin()

	resized, err := heap.SetDirectBlockSize(ptr, 5000)
	require.NoError(t, err)
	require.Equal(t, ptr, resized)
	require.Equal(t, 8192, heap.Extent())
	require.Equal(t, 8192-span(5000), heap.Free())

	data := directBytes(t, heap, ptr)
	require.Len(t, data, 5000)
	requireBytes(t, data[:4000], 12)
	requireValid(t, heap)

	// Past the reserved range the block still cannot move
	_, err = heap.SetDirectBlockSize(ptr, 8180)
	require.ErrorIs(t, err, memory.ErrBlockLocked)
	require.Equal(t, 8192, heap.Extent())
	requireValid(t, heap)
}

func TestLastBlockGrowsWithoutCopying(t *testing.T) {
	allocator := newAllocator(t)

	var events []memory.RelocationEvent
	heap, err := allocator.CreateHeap(memory.HeapCreateInfo{
		Name:          "watched",
		Base:          0x20000,
		Memory:        make([]byte, 8192),
		InitialExtent: 4096,
		OnRelocate: func(event memory.RelocationEvent) {
			events = append(events, event)
		},
	})
	require.NoError(t, err)

	_, err = heap.NewDirectBlock(1000)
	require.NoError(t, err)
	ptr, err := heap.NewDirectBlock(3000)
	require.NoError(t, err)
	fillBytes(directBytes(t, heap, ptr), 3)

	resized, err := heap.SetDirectBlockSize(ptr, 4000)
	require.NoError(t, err)
	require.Equal(t, ptr, resized)
	require.Empty(t, events)
	require.Equal(t, 8192, heap.Extent())
	requireBytes(t, directBytes(t, heap, ptr)[:3000], 3)
	requireValid(t, heap)
}

package memory

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/newtonresearch/newton-framework-sub009/memutils"
	"github.com/newtonresearch/newton-framework-sub009/memutils/defrag"
	"golang.org/x/exp/slog"
)

// Heap is an address range containing blocks. The blocks exactly tile [Start(), End()); the range
// [End(), Start()+Size()) is reserved for the heap to grow into.
type Heap struct {
	allocator *Allocator
	logger    *slog.Logger
	id        uint32
	name      string

	base          Ptr
	mem           []byte
	extent        int
	free          int
	pageSize      int
	vm            VirtualMemory
	maxExtent     int
	prevMaxExtent int

	freeHead int
	freeTail int
	cursor   int

	masterHeap      *Heap
	relocationHeap  *Heap
	fixedHeap       *Heap
	masterFree      uint32
	masterFreeCount int
	masterBatchSize int

	slack  int
	wasted int
	stats  defrag.Stats

	// Set for the duration of operations that may move blocks
	pass    *defrag.PassContext
	tracked *Ptr

	compactionSearch bool
	callbacks        *relocationCallbacks
}

func (h *Heap) ID() uint32 { return h.id }
func (h *Heap) Name() string { return h.name }
func (h *Heap) Start() Ptr { return h.base }
func (h *Heap) End() Ptr { return h.base + Ptr(h.extent) }
func (h *Heap) Extent() int { return h.extent }
func (h *Heap) Size() int { return len(h.mem) }
func (h *Heap) Free() int { return h.free }
func (h *Heap) PageSize() int { return h.pageSize }
func (h *Heap) IsVMBacked() bool { return h.vm != nil }
func (h *Heap) MaxExtent() int { return h.maxExtent }
func (h *Heap) MasterHeap() *Heap { return h.masterHeap }
func (h *Heap) RelocationHeap() *Heap { return h.relocationHeap }
func (h *Heap) FixedHeap() *Heap { return h.fixedHeap }

// Slack is the number of bytes inside live blocks that are neither header nor payload
func (h *Heap) Slack() int { return h.slack }

// Wasted is the total number of bytes that have been folded into blocks because the remainder of
// the free block they were carved from was too small to stand on its own
func (h *Heap) Wasted() int { return h.wasted }

// CompactionStats returns the running totals of every block move performed in this heap
func (h *Heap) CompactionStats() defrag.Stats { return h.stats }

// Contains returns true if ptr lies anywhere in the heap's reserved range
func (h *Heap) Contains(ptr Ptr) bool {
	return ptr >= h.base && uint64(ptr) < uint64(h.base)+uint64(len(h.mem))
}

// holdsPayload returns true if ptr could be the payload address of a block in the heap's reserved range.
// A block with an empty payload at the very end of a full heap has a payload address equal to the end of
// the range.
func (h *Heap) holdsPayload(ptr Ptr) bool {
	return ptr >= h.base+Ptr(HeaderSize) && uint64(ptr) <= uint64(h.base)+uint64(len(h.mem))
}

func (h *Heap) offsetOf(ptr Ptr) int {
	return int(ptr - h.base)
}

// blockOffset resolves a client payload pointer to the offset of its block header
func (h *Heap) blockOffset(ptr Ptr) (int, error) {
	if !h.holdsPayload(ptr) || h.offsetOf(ptr) > h.extent {
		return 0, errors.Wrapf(ErrInvalidPointer, "%#x is not inside the blocks of heap %s", ptr, h.name)
	}

	off := h.offsetOf(ptr) - HeaderSize
	if off%BlockAlignment != 0 {
		return 0, errors.Wrapf(ErrInvalidPointer, "%#x is not aligned", ptr)
	}

	flags := h.rawFlags(off)
	size := h.rawSize(off)
	if flags&BlockInUse == 0 || flags&BlockPrivate != 0 || size < HeaderSize || off+size > h.extent || size%BlockAlignment != 0 {
		return 0, errors.Wrapf(ErrInvalidPointer, "%#x does not address a live block in heap %s", ptr, h.name)
	}

	if memutils.DebugEnabled() && !h.isBlockStart(off) {
		return 0, errors.Wrapf(ErrInvalidPointer, "%#x points into the middle of a block in heap %s", ptr, h.name)
	}

	return off, nil
}

func (h *Heap) isBlockStart(target int) bool {
	found := false
	h.visitBlocks(func(off, size int, free bool) {
		if off == target {
			found = true
		}
	})
	return found
}

// visitBlocks calls visit for every block in address order
func (h *Heap) visitBlocks(visit func(off, size int, free bool)) {
	for off := 0; off < h.extent; {
		size := h.rawSize(off)
		if size < HeaderSize {
			panic(errors.AssertionFailedf("heap %s: block at offset %d has size %d", h.name, off, size))
		}

		visit(off, size, h.isFree(off))
		off += size
	}
}

func (h *Heap) logUnreleasedBlock(block usedBlock) {
	kind := "direct"
	if block.isIndirect() {
		kind = "indirect"
	}

	h.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed block",
		slog.String("heap", h.name),
		slog.Int("offset", block.off),
		slog.Int("size", block.payloadSize()),
		slog.String("kind", kind),
		slog.Int("tag", int(block.tag())),
		slog.Int("owner", int(block.owner())),
	)
}

// Validate checks every structural invariant of the heap and returns an error describing the first
// violation found
func (h *Heap) Validate() error {
	if h.mem == nil {
		return errors.Newf("heap %s has been destroyed", h.name)
	}
	if h.extent > len(h.mem) {
		return errors.Newf("heap %s: extent %d exceeds size %d", h.name, h.extent, len(h.mem))
	}
	if h.vm != nil && h.maxExtent < h.extent {
		return errors.Newf("heap %s: extent %d exceeds the locked range %d", h.name, h.extent, h.maxExtent)
	}

	var chainFree []int
	freeBytes := 0
	slack := 0
	previousFree := false
	var err error

	for off := 0; off < h.extent && err == nil; {
		size := h.rawSize(off)
		if size < HeaderSize || size%BlockAlignment != 0 || off+size > h.extent {
			return errors.Newf("heap %s: block at offset %d has invalid size %d", h.name, off, size)
		}

		flags := h.rawFlags(off)
		if flags&BlockSlideStop != 0 {
			return errors.Newf("heap %s: block at offset %d is still marked as a slide stop", h.name, off)
		}

		if flags&BlockInUse == 0 {
			if previousFree {
				return errors.Newf("heap %s: free block at offset %d follows another free block", h.name, off)
			}
			chainFree = append(chainFree, off)
			freeBytes += size
			previousFree = true
		} else {
			err = h.validateUsedBlock(h.used(off))
			slack += h.used(off).delta()
			previousFree = false
		}

		off += size
	}
	if err != nil {
		return err
	}

	if freeBytes != h.free {
		return errors.Newf("heap %s: free blocks hold %d bytes but the heap records %d", h.name, freeBytes, h.free)
	}
	if slack != h.slack {
		return errors.Newf("heap %s: live blocks hold %d bytes of slack but the heap records %d", h.name, slack, h.slack)
	}

	prev := noBlock
	index := 0
	cursorFound := h.cursor == noBlock
	for off := h.freeHead; off != noBlock; off = h.freeAt(off).next() {
		if index >= len(chainFree) || chainFree[index] != off {
			return errors.Newf("heap %s: free list entry %d at offset %d does not match the block chain", h.name, index, off)
		}
		if h.freeAt(off).prev() != prev {
			return errors.Newf("heap %s: free block at offset %d has a broken back link", h.name, off)
		}
		if off == h.cursor {
			cursorFound = true
		}

		prev = off
		index++
	}

	if index != len(chainFree) {
		return errors.Newf("heap %s: free list has %d entries but the block chain has %d free blocks", h.name, index, len(chainFree))
	}
	if prev != h.freeTail {
		return errors.Newf("heap %s: free list tail is %d but the last free block is %d", h.name, h.freeTail, prev)
	}
	if !cursorFound {
		return errors.Newf("heap %s: next-fit cursor %d is not a free block", h.name, h.cursor)
	}

	return nil
}

func (h *Heap) validateUsedBlock(block usedBlock) error {
	if block.delta() > block.size()-HeaderSize {
		return errors.Newf("heap %s: block at offset %d has delta %d larger than its body", h.name, block.off, block.delta())
	}

	if !block.isIndirect() {
		if block.link() != h.id {
			return errors.Newf("heap %s: direct block at offset %d is linked to heap %d", h.name, block.off, block.link())
		}
		return nil
	}

	record, ok := h.allocator.masters.record(block.link())
	if !ok {
		return errors.Newf("heap %s: indirect block at offset %d refers to unknown master pointer %d", h.name, block.off, block.link())
	}
	if !record.isLive() || record.isFake() {
		return errors.Newf("heap %s: indirect block at offset %d refers to a master pointer that is not live", h.name, block.off)
	}
	if record.link() != h.id {
		return errors.Newf("heap %s: master pointer %d records heap %d as its owner", h.name, block.link(), record.link())
	}
	if record.ptr() != block.payload() {
		return errors.Newf("heap %s: master pointer %d holds %#x but its block is at %#x", h.name, block.link(), record.ptr(), block.payload())
	}

	return nil
}

// CheckCorruption verifies the debug margin after every live block. It returns an error when built
// without the debug_mem_utils tag, since there are no margins to check.
func (h *Heap) CheckCorruption() error {
	if !memutils.DebugEnabled() {
		return errors.New("corruption detection requires the debug_mem_utils build tag")
	}

	var err error
	h.visitBlocks(func(off, size int, free bool) {
		if free || err != nil {
			return
		}

		block := h.used(off)
		if !memutils.ValidateMagicValue(h.mem, off+HeaderSize+block.payloadSize()) {
			err = errors.Newf("heap %s: memory corruption detected after block at offset %d", h.name, off)
		}
	})

	return err
}

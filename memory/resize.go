package memory

import (
	"github.com/cockroachdb/errors"
	"github.com/newtonresearch/newton-framework-sub009/memutils"
	"golang.org/x/exp/slog"
)

// SetBlockSize changes the payload size of the block at ptr and returns its payload address, which
// differs from ptr if the block had to move. Bytes up to the smaller of the old and new sizes are
// preserved. On failure the block keeps its size and contents.
func (h *Heap) SetBlockSize(ptr Ptr, size int) (Ptr, error) {
	h.allocator.checkReentry("Heap::SetBlockSize")
	h.logger.Debug("Heap::SetBlockSize", slog.Int("Size", size))

	off, err := h.blockOffset(ptr)
	if err != nil {
		return ptr, err
	}

	off, err = h.setBlockSize(off, size)
	memutils.DebugValidate(h)
	return h.payloadPtr(off), err
}

func (h *Heap) setBlockSize(off, size int) (int, error) {
	if size < 0 {
		return off, errors.Newf("heap %s: cannot resize a block to negative size %d", h.name, size)
	}
	if size > len(h.mem) {
		return off, errors.Wrapf(ErrOutOfMemory, "heap %s: %d bytes is more than the heap can ever hold", h.name, size)
	}

	block := h.used(off)
	current := block.size()
	needed, _ := alignedSize(size)

	if needed > current {
		return h.trySetSize(off, size, needed)
	}

	excess := current - needed
	nextOff := off + current

	if excess > 0 && nextOff < h.extent && h.isFree(nextOff) {
		following := h.freeAt(nextOff)
		h.moveFreeBlock(nextOff, off+needed, following.size()+excess)
		h.free += excess
		block.resize(needed, needed-HeaderSize-size)
		return off, nil
	}

	if excess > HeaderSize {
		block.resize(needed, needed-HeaderSize-size)
		h.releaseRange(off+needed, excess)
		return off, nil
	}

	// Growth into existing slack, no change, or a shrink too small to free
	block.resize(current, current-HeaderSize-size)
	return off, nil
}

// trySetSize grows a block whose payload no longer fits in its current size. In order of preference it
// extends into the following free block, slides the blocks between it and the next free block up to
// make that free block adjacent, moves backward into the preceding free block, extends the heap under a
// block at its end, or allocates a new block and copies. Only unlocked indirect blocks are slid out of the
// way. Locked blocks only grow in place.
func (h *Heap) trySetSize(off, size, needed int) (int, error) {
	block := h.used(off)
	current := block.size()
	extra := needed - current
	nextOff := off + current

	if nextOff < h.extent && h.isFree(nextOff) && h.freeAt(nextOff).size() >= extra {
		h.growInPlace(off, size, needed)
		return off, nil
	}

	if nextFree := h.nextFreeAfter(off); nextFree != noBlock && nextFree != nextOff && h.freeAt(nextFree).size() >= extra {
		pinned, _, _ := h.scanBetween(nextOff, nextFree)
		if !pinned {
			h.slideBlocksUp(nextOff, nextFree)
			h.growInPlace(off, size, needed)
			return off, nil
		}
	}

	if block.locked() {
		if h.growAtEnd(off, size, needed) {
			return off, nil
		}
		return off, errors.Wrapf(ErrBlockLocked, "heap %s: block at %#x cannot grow in place to %d bytes", h.name, block.payload(), size)
	}

	if prevFree := h.findPrevFree(off); prevFree != noBlock && h.freeAt(prevFree).end() == off {
		available := h.freeAt(prevFree).size()
		if nextOff < h.extent && h.isFree(nextOff) {
			available += h.freeAt(nextOff).size()
		}

		if available >= extra {
			moved := h.moveBackward(prevFree, off)
			h.growInPlace(moved, size, needed)
			return moved, nil
		}
	}

	if h.growAtEnd(off, size, needed) {
		return off, nil
	}

	return h.moveElsewhere(off, size)
}

// growAtEnd extends the heap under a block that is last in the heap, or followed only by the trailing
// free block, and grows it in place. It returns false, leaving the heap unchanged, if the block is not
// at the end or the heap cannot be extended.
func (h *Heap) growAtEnd(off, size, needed int) bool {
	current := h.rawSize(off)
	nextOff := off + current

	available := 0
	if nextOff < h.extent {
		if !h.isFree(nextOff) || h.freeAt(nextOff).end() != h.extent {
			return false
		}
		available = h.freeAt(nextOff).size()
	}

	err := h.extendVMHeap(needed - current - available)
	if err != nil {
		h.logger.Debug("Heap::growAtEnd", slog.Int("Size", size), slog.Any("Error", err))
		return false
	}

	h.growInPlace(off, size, needed)
	return true
}

// growInPlace extends the block at off into the free block that immediately follows it
func (h *Heap) growInPlace(off, size, needed int) {
	block := h.used(off)
	current := block.size()
	extra := needed - current

	nextOff := off + current
	following := h.freeAt(nextOff)
	available := following.size()
	remainder := available - extra

	if remainder > HeaderSize {
		h.moveFreeBlock(nextOff, nextOff+extra, remainder)
		h.free -= extra
		block.resize(needed, needed-HeaderSize-size)
		return
	}

	h.removeFreeBlock(nextOff)
	h.free -= available
	h.wasted += remainder
	block.resize(current+available, current+available-HeaderSize-size)
}

// moveBackward moves the block at off down to the start of the free block that precedes it. The space
// the block vacated becomes free and coalesces with whatever follows it.
func (h *Heap) moveBackward(prevFree, off int) int {
	preceding := h.freeAt(prevFree)
	gap := preceding.size()
	size := h.rawSize(off)

	h.removeFreeBlock(prevFree)
	h.free -= gap

	copy(h.mem[prevFree:prevFree+size], h.mem[off:off+size])
	h.releaseRange(prevFree+size, gap)
	h.relocated(h.used(prevFree), off)

	return prevFree
}

// moveElsewhere allocates a new block for the grown payload, copies the old payload into it and
// releases the old block
func (h *Heap) moveElsewhere(off, size int) (int, error) {
	block := h.used(off)
	tracked := block.payload()
	options := BlockOptions{Tag: block.tag(), Owner: block.owner()}
	flags := block.flags() & BlockIndirect
	link := block.link()

	saved := h.tracked
	h.tracked = &tracked
	newOff, err := h.newBlock(size, options, flags, link)
	h.tracked = saved

	// Partial compaction while looking for space may have moved the block
	off = h.offsetOf(tracked) - HeaderSize
	if err != nil {
		return off, err
	}

	old := h.used(off)
	copy(h.mem[newOff+HeaderSize:], old.data())
	h.killBlock(off)
	h.relocated(h.used(newOff), off)

	return newOff, nil
}

package memory

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/newtonresearch/newton-framework-sub009/memutils"
	"golang.org/x/exp/slog"
)

// NewBlock allocates a direct block with a payload of size bytes in this heap and returns the address
// of its payload. It returns ErrOutOfMemory, leaving the heap unchanged, if neither the free list,
// partial compaction nor extending the heap can make room.
func (h *Heap) NewBlock(size int, options BlockOptions) (Ptr, error) {
	h.allocator.checkReentry("Heap::NewBlock")
	h.logger.Debug("Heap::NewBlock", slog.Int("Size", size))

	off, err := h.newBlock(size, options, 0, h.id)
	if err != nil {
		return 0, err
	}

	memutils.DebugValidate(h)
	return h.payloadPtr(off), nil
}

func (h *Heap) newBlock(size int, options BlockOptions, flags BlockFlags, link uint32) (int, error) {
	if size < 0 {
		return noBlock, errors.Newf("heap %s: cannot allocate a block of negative size %d", h.name, size)
	}
	if size > len(h.mem) {
		return noBlock, errors.Wrapf(ErrOutOfMemory, "heap %s: %d bytes is more than the heap can ever hold", h.name, size)
	}

	blockSize, _ := alignedSize(size)

	off := noBlock
	if h.cursor != noBlock && h.freeAt(h.cursor).size() >= blockSize {
		off = h.cursor
	} else if found, ok := h.searchFreeList(blockSize); ok {
		off = found
	} else {
		err := h.extendFor(blockSize)
		if err != nil {
			h.logger.LogAttrs(context.Background(), slog.LevelError, "[OUT OF MEMORY] allocation failed",
				slog.String("heap", h.name),
				slog.Int("size", size),
				slog.Int("free", h.free),
				slog.Int("extent", h.extent),
				slog.Any("error", err))
			return noBlock, errors.WithSecondaryError(
				errors.Wrapf(ErrOutOfMemory, "heap %s: cannot allocate %d bytes", h.name, size), err)
		}
		off = h.freeTail
	}

	return h.carve(off, size, blockSize, options, flags, link), nil
}

// extendFor grows the heap so that its trailing free block holds at least blockSize bytes
func (h *Heap) extendFor(blockSize int) error {
	amount := blockSize
	if h.freeTail != noBlock {
		tail := h.freeAt(h.freeTail)
		if tail.end() == h.extent {
			amount -= tail.size()
		}
	}

	return h.extendVMHeap(amount)
}

// carve turns the front of the free block at off into an in-use block. The rest of the free block stays
// free if it can hold a header of its own and is folded into the new block otherwise.
func (h *Heap) carve(off, size, blockSize int, options BlockOptions, flags BlockFlags, link uint32) int {
	available := h.freeAt(off).size()
	remainder := available - blockSize
	taken := blockSize

	if remainder > HeaderSize {
		h.moveFreeBlock(off, off+blockSize, remainder)
	} else {
		h.removeFreeBlock(off)
		taken = available
		h.wasted += remainder
	}

	h.free -= taken
	h.writeUsed(off, taken, taken-HeaderSize-size, flags, options.Tag, options.Owner, link)
	memutils.WriteMagicValue(h.mem, off+HeaderSize+size)

	return off
}

// KillBlock releases the block whose payload is at ptr. Releasing an indirect block this way also
// returns its master pointer to the pool.
func (h *Heap) KillBlock(ptr Ptr) error {
	h.allocator.checkReentry("Heap::KillBlock")
	h.logger.Debug("Heap::KillBlock")

	off, err := h.blockOffset(ptr)
	if err != nil {
		return err
	}

	block := h.used(off)
	if block.locked() {
		panic(errors.AssertionFailedf("heap %s: attempted to release block %#x while its busy count is %d", h.name, ptr, block.busy()))
	}

	if block.isIndirect() {
		h.allocator.freeMasterPointer(block.link(), h)
	}

	h.killBlock(off)
	memutils.DebugValidate(h)
	return nil
}

func (h *Heap) killBlock(off int) int {
	block := h.used(off)
	h.slack -= block.delta()
	return h.releaseRange(off, block.size())
}

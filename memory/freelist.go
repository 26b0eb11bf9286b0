package memory

import "golang.org/x/exp/slog"

// setFreeChain writes a free block header at off and links it between prev and next, which must be
// adjacent in the free list (or noBlock at either end)
func (h *Heap) setFreeChain(off, size, prev, next int) freeBlock {
	block := h.writeFree(off, size, prev, next)

	if prev == noBlock {
		h.freeHead = off
	} else {
		h.freeAt(prev).setNext(off)
	}

	if next == noBlock {
		h.freeTail = off
	} else {
		h.freeAt(next).setPrev(off)
	}

	if h.cursor == noBlock {
		h.cursor = off
	}

	return block
}

// moveFreeBlock relocates the header of the free block at from to the offset to, giving it a new size.
// The block keeps its place in the free list.
func (h *Heap) moveFreeBlock(from, to, size int) freeBlock {
	block := h.freeAt(from)
	prev, next := block.prev(), block.next()

	moved := h.setFreeChain(to, size, prev, next)
	if h.cursor == from {
		h.cursor = to
	}

	return moved
}

// removeFreeBlock unlinks the free block at off. The caller takes ownership of its bytes.
func (h *Heap) removeFreeBlock(off int) {
	block := h.freeAt(off)
	prev, next := block.prev(), block.next()

	if prev == noBlock {
		h.freeHead = next
	} else {
		h.freeAt(prev).setNext(next)
	}

	if next == noBlock {
		h.freeTail = prev
	} else {
		h.freeAt(next).setPrev(prev)
	}

	if h.cursor == off {
		h.cursor = next
		if h.cursor == noBlock {
			h.cursor = h.freeHead
		}
	}
}

// findPrevFree returns the last free block that starts before off
func (h *Heap) findPrevFree(off int) int {
	prev := noBlock
	for cur := h.freeHead; cur != noBlock && cur < off; cur = h.freeAt(cur).next() {
		prev = cur
	}
	return prev
}

// nextFreeAfter returns the first free block that starts after off
func (h *Heap) nextFreeAfter(off int) int {
	prev := h.findPrevFree(off + 1)
	if prev == noBlock {
		return h.freeHead
	}
	return h.freeAt(prev).next()
}

// releaseRange turns [off, off+size) into free space, coalescing it with any free block that touches
// it. The next-fit cursor moves to the resulting free block, which is returned.
func (h *Heap) releaseRange(off, size int) int {
	h.free += size

	prev := h.findPrevFree(off)
	next := h.freeHead
	if prev != noBlock {
		next = h.freeAt(prev).next()
	}

	start, end := off, off+size

	if next != noBlock && next == end {
		following := h.freeAt(next)
		end = following.end()
		next = following.next()
	}

	if prev != noBlock && h.freeAt(prev).end() == off {
		preceding := h.freeAt(prev)
		start = prev
		prev = preceding.prev()
	}

	h.setFreeChain(start, end-start, prev, next)
	h.cursor = start

	return start
}

func (h *Heap) freeBlockCount() int {
	count := 0
	for cur := h.freeHead; cur != noBlock; cur = h.freeAt(cur).next() {
		count++
	}
	return count
}

// searchFreeList looks for a free block of at least blockSize bytes. It makes one next-fit lap of the
// free list starting at the cursor and, if that fails and the heap allows it, compacts the cheapest
// window of free blocks that adds up to the request.
func (h *Heap) searchFreeList(blockSize int) (int, bool) {
	if h.freeHead == noBlock {
		return noBlock, false
	}

	start := h.cursor
	if start == noBlock {
		start = h.freeHead
	}

	cur := start
	for {
		block := h.freeAt(cur)
		if block.size() >= blockSize {
			h.cursor = cur
			return cur, true
		}

		cur = block.next()
		if cur == noBlock {
			cur = h.freeHead
		}
		if cur == start {
			break
		}
	}

	if !h.compactionSearch {
		return noBlock, false
	}

	return h.findSmallestSlide(blockSize)
}

// SearchFreeList returns the address of a free block that can hold a block with a payload of size
// bytes. It may compact part of the heap to produce one. The block is not allocated.
func (h *Heap) SearchFreeList(size int) (Ptr, bool) {
	h.allocator.checkReentry("Heap::SearchFreeList")
	h.logger.Debug("Heap::SearchFreeList", slog.Int("Size", size))

	if size < 0 {
		return 0, false
	}

	blockSize, _ := alignedSize(size)
	off, found := h.searchFreeList(blockSize)
	if !found {
		return 0, false
	}

	return h.base + Ptr(off), true
}

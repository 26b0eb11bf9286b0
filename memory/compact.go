package memory

import (
	"github.com/cockroachdb/errors"
	"github.com/newtonresearch/newton-framework-sub009/memutils"
	"github.com/newtonresearch/newton-framework-sub009/memutils/defrag"
	"golang.org/x/exp/slog"
)

// CompactHeap slides unlocked indirect blocks toward the start of the heap so that free blocks
// coalesce. Direct and locked blocks never move, so the result is not necessarily a single free block.
// If track is not nil and holds the payload address of a block that moves, it is updated to the
// block's new address.
func (h *Heap) CompactHeap(track *Ptr) defrag.Stats {
	h.allocator.checkReentry("Heap::CompactHeap")
	h.logger.Debug("Heap::CompactHeap")

	before := h.stats
	saved := h.tracked
	h.tracked = track
	defer func() {
		h.tracked = saved
	}()

	h.compact(nil)

	memutils.DebugValidate(h)
	return statsSince(before, h.stats)
}

// CompactHeapPass performs the same walk as CompactHeap within the byte and relocation budget of pass.
// It returns true if the walk reached the end of the free list, and false if it stopped early.
func (h *Heap) CompactHeapPass(pass *defrag.PassContext, track *Ptr) bool {
	h.allocator.checkReentry("Heap::CompactHeapPass")
	h.logger.Debug("Heap::CompactHeapPass", slog.Int("MaxPassBytes", pass.MaxPassBytes), slog.Int("MaxPassAllocations", pass.MaxPassAllocations))

	savedTracked, savedPass := h.tracked, h.pass
	h.tracked, h.pass = track, pass
	defer func() {
		h.tracked, h.pass = savedTracked, savedPass
	}()

	done := h.compact(pass)

	memutils.DebugValidate(h)
	return done
}

func (h *Heap) compact(pass *defrag.PassContext) bool {
	anchor := h.freeHead
	for anchor != noBlock {
		next := h.freeAt(anchor).next()
		if next == noBlock {
			return true
		}

		pinned, bytes, count := h.scanBetween(h.freeAt(anchor).end(), next)
		if pinned {
			h.stats.PinnedSkipped++
			if pass != nil {
				pass.Stats.PinnedSkipped++
			}
			anchor = next
			continue
		}

		if pass != nil {
			switch pass.CheckCounters(bytes, count) {
			case defrag.CounterEnd:
				return false
			case defrag.CounterIgnore:
				anchor = next
				continue
			}
			pass.Stats.RegionsMerged++
		}

		anchor = h.slideBlocksDown(anchor, next)
	}

	return true
}

// scanBetween walks the in-use blocks in [from, to) and reports whether any of them cannot be moved,
// along with their total size and count
func (h *Heap) scanBetween(from, to int) (pinned bool, bytes, count int) {
	for off := from; off < to; {
		block := h.used(off)
		if !block.movable() {
			pinned = true
		}

		bytes += block.size()
		count++
		off += block.size()
	}

	return pinned, bytes, count
}

// slideBlocksDown moves every block between two consecutive free blocks down into the first one, so
// that the free space of both ends up as one block after the moved blocks. It returns the offset of
// that block.
func (h *Heap) slideBlocksDown(free, nextFree int) int {
	leading := h.freeAt(free)
	trailing := h.freeAt(nextFree)
	leadingSize, trailingSize := leading.size(), trailing.size()
	prev, next := leading.prev(), trailing.next()
	cursorHit := h.cursor == free || h.cursor == nextFree

	trailing.markSlideStop()

	dst, src := free, leading.end()
	for !h.isFree(src) {
		block := h.used(src)
		if !block.movable() {
			panic(errors.AssertionFailedf("heap %s: slide reached immovable block at offset %d", h.name, src))
		}

		size := block.size()
		copy(h.mem[dst:dst+size], h.mem[src:src+size])
		h.relocated(h.used(dst), src)

		dst += size
		src += size
	}

	if src != nextFree || !h.freeAt(src).isSlideStop() {
		panic(errors.AssertionFailedf("heap %s: slide from offset %d stopped at offset %d instead of %d", h.name, free, src, nextFree))
	}

	h.setFreeChain(dst, leadingSize+trailingSize, prev, next)
	if cursorHit {
		h.cursor = dst
	}
	h.stats.RegionsMerged++

	return dst
}

// slideBlocksUp moves every block between from and the free block at nextFree up by the size of that
// free block, so the free space starts at from instead. If a free block ends at from, the two are
// merged. It returns the offset of the resulting free block.
func (h *Heap) slideBlocksUp(from, nextFree int) int {
	trailing := h.freeAt(nextFree)
	distance := trailing.size()
	prev, next := trailing.prev(), trailing.next()
	cursorHit := h.cursor == nextFree

	trailing.markSlideStop()

	var blocks []int
	off := from
	for !h.isFree(off) {
		block := h.used(off)
		if !block.movable() {
			panic(errors.AssertionFailedf("heap %s: slide reached immovable block at offset %d", h.name, off))
		}

		blocks = append(blocks, off)
		off += block.size()
	}

	if off != nextFree || !h.freeAt(off).isSlideStop() {
		panic(errors.AssertionFailedf("heap %s: slide from offset %d stopped at offset %d instead of %d", h.name, from, off, nextFree))
	}

	for i := len(blocks) - 1; i >= 0; i-- {
		src := blocks[i]
		size := h.rawSize(src)
		copy(h.mem[src+distance:src+distance+size], h.mem[src:src+size])
		h.relocated(h.used(src+distance), src)
	}

	start, size := from, distance
	if prev != noBlock && h.freeAt(prev).end() == from {
		preceding := h.freeAt(prev)
		cursorHit = cursorHit || h.cursor == prev
		start = prev
		size += preceding.size()
		prev = preceding.prev()
		h.stats.RegionsMerged++
	}

	h.setFreeChain(start, size, prev, next)
	if cursorHit {
		h.cursor = start
	}

	return start
}

// findSmallestSlide is the fallback when no single free block can hold blockSize bytes. Free blocks are
// grouped into runs that no immovable block separates; within each run a two-pointer scan finds the window
// of consecutive free blocks whose sizes add up to blockSize with the fewest in-use bytes between them.
// The cheapest window across all runs is slid together and returned.
func (h *Heap) findSmallestSlide(blockSize int) (int, bool) {
	if h.free < blockSize {
		return noBlock, false
	}

	type candidate struct {
		off       int
		size      int
		gapBytes  int
		gapLocked bool
	}

	var candidates []candidate
	for off := h.freeHead; off != noBlock; {
		block := h.freeAt(off)
		entry := candidate{off: off, size: block.size()}

		next := block.next()
		if next != noBlock {
			entry.gapLocked, entry.gapBytes, _ = h.scanBetween(block.end(), next)
		}

		candidates = append(candidates, entry)
		off = next
	}

	bestLeft, bestRight, bestCost := -1, -1, 0
	left, sum, cost := 0, 0, 0
	for right := range candidates {
		if right > 0 && candidates[right-1].gapLocked {
			left, sum, cost = right, 0, 0
		} else if right > left {
			cost += candidates[right-1].gapBytes
		}
		sum += candidates[right].size

		for left < right && sum-candidates[left].size >= blockSize {
			sum -= candidates[left].size
			cost -= candidates[left].gapBytes
			left++
		}

		if sum >= blockSize && (bestLeft < 0 || cost < bestCost) {
			bestLeft, bestRight, bestCost = left, right, cost
		}
	}

	if bestLeft < 0 {
		return noBlock, false
	}

	h.logger.Debug("Heap::findSmallestSlide", slog.Int("Size", blockSize), slog.Int("BytesToMove", bestCost))

	merged := candidates[bestLeft].off
	for i := bestLeft + 1; i <= bestRight; i++ {
		merged = h.slideBlocksDown(merged, candidates[i].off)
	}

	h.cursor = merged
	return merged, true
}

// relocated finishes the move of a block whose header and payload have already been copied from
// the offset from to the block's current position
func (h *Heap) relocated(block usedBlock, from int) {
	oldPtr := h.payloadPtr(from)
	newPtr := block.payload()

	var handle Handle
	if block.isIndirect() {
		handle = h.allocator.masters.relocate(block.link(), newPtr)
	}

	if h.tracked != nil && *h.tracked == oldPtr {
		*h.tracked = newPtr
	}

	h.stats.BytesMoved += block.size()
	h.stats.AllocationsMoved++
	if h.pass != nil {
		h.pass.Record(defrag.Move{SrcOffset: from, DstOffset: block.off, Size: block.size()})
	}

	h.callbacks.Relocated(RelocationEvent{
		HeapID: h.id,
		Old:    oldPtr,
		New:    newPtr,
		Size:   block.payloadSize(),
		Handle: handle,
	})
}

func statsSince(before, after defrag.Stats) defrag.Stats {
	return defrag.Stats{
		BytesMoved:       after.BytesMoved - before.BytesMoved,
		AllocationsMoved: after.AllocationsMoved - before.AllocationsMoved,
		RegionsMerged:    after.RegionsMerged - before.RegionsMerged,
		PinnedSkipped:    after.PinnedSkipped - before.PinnedSkipped,
	}
}

package memory

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/newtonresearch/newton-framework-sub009/memutils"
)

const (
	// HeaderSize is the number of bytes of bookkeeping that precede every block's payload
	HeaderSize int = 16
	// BlockAlignment is the alignment of every block header and payload
	BlockAlignment int = 4

	maxBusy  = math.MaxUint8
	maxDelta = math.MaxUint8
)

// Ptr is an address in the flat address space heaps are created over. The zero Ptr is nil.
type Ptr uint32

// PoisonedPtr is written into the address field of master pointers that have been returned to the pool
const PoisonedPtr Ptr = 0xDEADBEEF

// noBlock is the in-memory form of a missing heap offset; nilLink is how it is stored in a header
const (
	noBlock        = -1
	nilLink uint32 = math.MaxUint32
)

// Header field offsets. Free blocks reuse the owner and link words for their free list links.
const (
	fieldSize  = 0
	fieldFlags = 4
	fieldDelta = 5
	fieldBusy  = 6
	fieldTag   = 7
	fieldOwner = 8
	fieldLink  = 12
	fieldPrev  = 8
	fieldNext  = 12
)

// BlockOptions describes the metadata written into a new block's header
type BlockOptions struct {
	// Tag is an opaque type tag for the block's contents
	Tag uint8
	// Owner is the id of the task that owns the block
	Owner uint32
}

// alignedSize is the only place block sizes are derived from payload sizes. It returns the size of the
// block, header included, and the number of bytes in that block that are not payload.
func alignedSize(payload int) (blockSize, delta int) {
	blockSize = HeaderSize + memutils.AlignUp(payload+memutils.DebugMargin, uint(BlockAlignment))
	return blockSize, blockSize - HeaderSize - payload
}

func toLink(off int) uint32 {
	if off == noBlock {
		return nilLink
	}
	return uint32(off)
}

func fromLink(link uint32) int {
	if link == nilLink {
		return noBlock
	}
	return int(link)
}

func (h *Heap) word(off int) uint32 {
	return binary.LittleEndian.Uint32(h.mem[off:])
}

func (h *Heap) putWord(off int, value uint32) {
	binary.LittleEndian.PutUint32(h.mem[off:], value)
}

func (h *Heap) rawSize(off int) int {
	return int(h.word(off + fieldSize))
}

func (h *Heap) rawFlags(off int) BlockFlags {
	return BlockFlags(h.mem[off+fieldFlags])
}

func (h *Heap) isFree(off int) bool {
	return h.rawFlags(off)&BlockInUse == 0
}

func (h *Heap) payloadPtr(off int) Ptr {
	return h.base + Ptr(off+HeaderSize)
}

// usedBlock is a view of an in-use block header
type usedBlock struct {
	h   *Heap
	off int
}

func (h *Heap) used(off int) usedBlock {
	if h.isFree(off) {
		panic(errors.AssertionFailedf("heap %s: block at offset %d was read as in use but is free", h.name, off))
	}
	return usedBlock{h: h, off: off}
}

func (h *Heap) writeUsed(off, size, delta int, flags BlockFlags, tag uint8, owner uint32, link uint32) usedBlock {
	if delta > maxDelta {
		panic(errors.AssertionFailedf("heap %s: block at offset %d has delta %d", h.name, off, delta))
	}

	h.putWord(off+fieldSize, uint32(size))
	h.mem[off+fieldFlags] = byte(flags | BlockInUse)
	h.mem[off+fieldDelta] = byte(delta)
	h.mem[off+fieldBusy] = 0
	h.mem[off+fieldTag] = tag
	h.putWord(off+fieldOwner, owner)
	h.putWord(off+fieldLink, link)
	h.slack += delta

	return usedBlock{h: h, off: off}
}

func (b usedBlock) size() int { return b.h.rawSize(b.off) }
func (b usedBlock) flags() BlockFlags { return b.h.rawFlags(b.off) }
func (b usedBlock) delta() int { return int(b.h.mem[b.off+fieldDelta]) }
func (b usedBlock) busy() int { return int(b.h.mem[b.off+fieldBusy]) }
func (b usedBlock) tag() uint8 { return b.h.mem[b.off+fieldTag] }
func (b usedBlock) owner() uint32 { return b.h.word(b.off + fieldOwner) }
func (b usedBlock) link() uint32 { return b.h.word(b.off + fieldLink) }
func (b usedBlock) payload() Ptr { return b.h.payloadPtr(b.off) }
func (b usedBlock) payloadSize() int { return b.size() - HeaderSize - b.delta() }
func (b usedBlock) locked() bool { return b.busy() > 0 }
func (b usedBlock) isIndirect() bool { return b.flags()&BlockIndirect != 0 }
func (b usedBlock) isPrivate() bool { return b.flags()&BlockPrivate != 0 }

// movable reports whether compaction may relocate the block. Clients hold raw addresses of direct
// blocks, so only unlocked indirect blocks qualify.
func (b usedBlock) movable() bool { return b.isIndirect() && !b.locked() }
func (b usedBlock) setLink(link uint32) { b.h.putWord(b.off+fieldLink, link) }
func (b usedBlock) setBusy(busy int) { b.h.mem[b.off+fieldBusy] = byte(busy) }

func (b usedBlock) data() []byte {
	start := b.off + HeaderSize
	return b.h.mem[start : start+b.payloadSize()]
}

// resize rewrites the block's size and delta together, keeping the heap's slack total current
func (b usedBlock) resize(size, delta int) {
	if delta > maxDelta || delta < 0 {
		panic(errors.AssertionFailedf("heap %s: block at offset %d resized with delta %d", b.h.name, b.off, delta))
	}

	b.h.slack += delta - b.delta()
	b.h.putWord(b.off+fieldSize, uint32(size))
	b.h.mem[b.off+fieldDelta] = byte(delta)
	memutils.WriteMagicValue(b.h.mem, b.off+HeaderSize+b.payloadSize())
}

// freeBlock is a view of a free block header
type freeBlock struct {
	h   *Heap
	off int
}

func (h *Heap) freeAt(off int) freeBlock {
	if !h.isFree(off) {
		panic(errors.AssertionFailedf("heap %s: block at offset %d was read as free but is in use", h.name, off))
	}
	return freeBlock{h: h, off: off}
}

func (h *Heap) writeFree(off, size, prev, next int) freeBlock {
	h.putWord(off+fieldSize, uint32(size))
	h.mem[off+fieldFlags] = 0
	h.mem[off+fieldDelta] = 0
	h.mem[off+fieldBusy] = 0
	h.mem[off+fieldTag] = 0
	h.putWord(off+fieldPrev, toLink(prev))
	h.putWord(off+fieldNext, toLink(next))

	return freeBlock{h: h, off: off}
}

func (b freeBlock) size() int { return b.h.rawSize(b.off) }
func (b freeBlock) prev() int { return fromLink(b.h.word(b.off + fieldPrev)) }
func (b freeBlock) next() int { return fromLink(b.h.word(b.off + fieldNext)) }
func (b freeBlock) end() int { return b.off + b.size() }
func (b freeBlock) setSize(size int) { b.h.putWord(b.off+fieldSize, uint32(size)) }
func (b freeBlock) setPrev(prev int) { b.h.putWord(b.off+fieldPrev, toLink(prev)) }
func (b freeBlock) setNext(next int) { b.h.putWord(b.off+fieldNext, toLink(next)) }
func (b freeBlock) markSlideStop() { b.h.mem[b.off+fieldFlags] = byte(BlockSlideStop) }
func (b freeBlock) isSlideStop() bool { return b.h.rawFlags(b.off)&BlockSlideStop != 0 }

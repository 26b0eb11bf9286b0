package memory

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// Handle is a stable reference to an indirect or fake indirect block. The block it refers to may move;
// Deref always returns its current address. A handle whose block has been disposed is detected and
// rejected with ErrInvalidHandle, even if its master pointer has since been reused.
type Handle uint64

func makeHandle(slot uint32, generation uint16) Handle {
	return Handle(uint64(slot)<<32 | uint64(generation))
}

func (h Handle) slot() uint32       { return uint32(h >> 32) }
func (h Handle) generation() uint16 { return uint16(h) }

const (
	masterRecordSize = 12

	masterFieldPtr        = 0
	masterFieldLink       = 4
	masterFieldFlags      = 8
	masterFieldGeneration = 10

	masterFake uint16 = 1 << 0
	masterLive uint16 = 1 << 1
)

// masterSlot locates a master pointer record. Records live inside pinned private blocks of their home
// heap and never move.
type masterSlot struct {
	home *Heap
	off  int
	// origin is the heap whose pool the record's batch was created for
	origin *Heap
}

// masterTable maps slot numbers, the upper half of a Handle, to master pointer records
type masterTable struct {
	slots []masterSlot
}

// masterRecord is a view of one master pointer. While live, link holds the id of the heap that owns
// the block, or the size of the external memory for a fake block. While free, it holds the next free slot.
type masterRecord struct {
	h   *Heap
	off int
}

func (r masterRecord) ptr() Ptr {
	return Ptr(binary.LittleEndian.Uint32(r.h.mem[r.off+masterFieldPtr:]))
}
func (r masterRecord) setPtr(ptr Ptr) {
	binary.LittleEndian.PutUint32(r.h.mem[r.off+masterFieldPtr:], uint32(ptr))
}
func (r masterRecord) link() uint32 {
	return binary.LittleEndian.Uint32(r.h.mem[r.off+masterFieldLink:])
}
func (r masterRecord) setLink(link uint32) {
	binary.LittleEndian.PutUint32(r.h.mem[r.off+masterFieldLink:], link)
}
func (r masterRecord) flags() uint16 {
	return binary.LittleEndian.Uint16(r.h.mem[r.off+masterFieldFlags:])
}
func (r masterRecord) setFlags(flags uint16) {
	binary.LittleEndian.PutUint16(r.h.mem[r.off+masterFieldFlags:], flags)
}
func (r masterRecord) generation() uint16 {
	return binary.LittleEndian.Uint16(r.h.mem[r.off+masterFieldGeneration:])
}
func (r masterRecord) setGeneration(generation uint16) {
	binary.LittleEndian.PutUint16(r.h.mem[r.off+masterFieldGeneration:], generation)
}
func (r masterRecord) isLive() bool { return r.flags()&masterLive != 0 }
func (r masterRecord) isFake() bool { return r.flags()&masterFake != 0 }

func (t *masterTable) record(slot uint32) (masterRecord, bool) {
	if int(slot) >= len(t.slots) || t.slots[slot].home == nil {
		return masterRecord{}, false
	}

	entry := t.slots[slot]
	return masterRecord{h: entry.home, off: entry.off}, true
}

func (t *masterTable) mustRecord(slot uint32) masterRecord {
	record, ok := t.record(slot)
	if !ok {
		panic(errors.AssertionFailedf("master pointer %d does not exist", slot))
	}
	return record
}

// resolve returns the live record a handle refers to
func (t *masterTable) resolve(handle Handle) (masterRecord, error) {
	record, ok := t.record(handle.slot())
	if !ok || !record.isLive() || record.generation() != handle.generation() {
		return masterRecord{}, errors.Wrapf(ErrInvalidHandle, "handle %#x", uint64(handle))
	}

	return record, nil
}

// relocate points a live record at a new payload address and returns the record's handle
func (t *masterTable) relocate(slot uint32, ptr Ptr) Handle {
	record := t.mustRecord(slot)
	if !record.isLive() || record.isFake() {
		panic(errors.AssertionFailedf("attempted to relocate master pointer %d, which does not belong to a heap block", slot))
	}

	record.setPtr(ptr)
	return makeHandle(slot, record.generation())
}

// liveCount is the number of live records that keep heap from being destroyed: records stored in it,
// and fake blocks drawn from its pool
func (t *masterTable) liveCount(heap *Heap) int {
	count := 0
	for slot, entry := range t.slots {
		if entry.home == nil {
			continue
		}

		record := t.mustRecord(uint32(slot))
		if !record.isLive() {
			continue
		}

		if entry.home == heap || (entry.origin == heap && record.isFake()) {
			count++
		}
	}
	return count
}

// retire forgets every record stored in heap and hands the free records heap holds from other heaps
// back to those heaps' pools
func (t *masterTable) retire(heap *Heap) {
	for slot := heap.masterFree; slot != nilLink; {
		record := t.mustRecord(slot)
		next := record.link()

		home := t.slots[slot].home
		if home != heap {
			record.setLink(home.masterFree)
			home.masterFree = slot
			home.masterFreeCount++
		}

		slot = next
	}
	heap.masterFree = nilLink
	heap.masterFreeCount = 0

	for slot := range t.slots {
		if t.slots[slot].home == heap {
			t.slots[slot].home = nil
		}
		if t.slots[slot].origin == heap {
			t.slots[slot].origin = t.slots[slot].home
		}
	}
}

// MasterPointerCount returns the number of free master pointers in this heap's pool
func (h *Heap) MasterPointerCount() int {
	return h.masterFreeCount
}

// allocateMasterPointer takes a record from heap's pool, growing the pool if it is empty. The record
// is marked live; the caller fills in its address and link.
func (a *Allocator) allocateMasterPointer(heap *Heap) (uint32, error) {
	if heap.masterFree == nilLink {
		err := a.allocateMoreMasters(heap)
		if err != nil {
			return 0, err
		}
	}

	slot := heap.masterFree
	record := a.masters.mustRecord(slot)
	if record.isLive() {
		panic(errors.AssertionFailedf("heap %s: free master pointer %d is live", heap.name, slot))
	}

	heap.masterFree = record.link()
	heap.masterFreeCount--
	record.setFlags(masterLive)

	return slot, nil
}

// allocateMoreMasters allocates a batch of records in heap's master heap and adds them to heap's pool
func (a *Allocator) allocateMoreMasters(heap *Heap) error {
	home := heap.masterHeap
	count := heap.masterBatchSize

	a.logger.Debug("Allocator::allocateMoreMasters", slog.String("Heap", heap.name), slog.String("MasterHeap", home.name), slog.Int("Count", count))

	off, err := home.newBlock(count*masterRecordSize, BlockOptions{}, BlockPrivate, home.id)
	if err != nil {
		return errors.Wrapf(err, "heap %s: failed to allocate master pointers", heap.name)
	}

	// Batches never move and are never released
	home.used(off).setBusy(1)

	first := uint32(len(a.masters.slots))
	for i := 0; i < count; i++ {
		entry := masterSlot{home: home, off: off + HeaderSize + i*masterRecordSize, origin: heap}
		a.masters.slots = append(a.masters.slots, entry)

		record := masterRecord{h: home, off: entry.off}
		record.setPtr(PoisonedPtr)
		record.setFlags(0)
		record.setGeneration(1)

		if i == count-1 {
			record.setLink(heap.masterFree)
		} else {
			record.setLink(first + uint32(i) + 1)
		}
	}

	heap.masterFree = first
	heap.masterFreeCount += count
	return nil
}

// freeMasterPointer poisons a record, invalidates every handle to it and returns it to the pool of
// the relocation heap of owner, the heap the record was last used for
func (a *Allocator) freeMasterPointer(slot uint32, owner *Heap) {
	record := a.masters.mustRecord(slot)

	target := owner.relocationHeap
	if target.mem == nil {
		target = a.masters.slots[slot].home
	}

	generation := record.generation() + 1
	if generation == 0 {
		generation = 1
	}

	record.setPtr(PoisonedPtr)
	record.setFlags(0)
	record.setGeneration(generation)
	record.setLink(target.masterFree)

	target.masterFree = slot
	target.masterFreeCount++
}

package defrag

// Move describes a single block relocation. Offsets are relative to the start of the heap
// the block lives in.
type Move struct {
	SrcOffset int
	DstOffset int
	Size      int
}

// Distance is the signed number of bytes the block travelled; negative values are slides toward
// the start of the heap.
func (m Move) Distance() int {
	return m.DstOffset - m.SrcOffset
}

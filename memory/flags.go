package memory

import (
	"math/bits"
	"strings"
)

// BlockFlags are the flag bits stored in every block header
type BlockFlags uint8

var blockFlagsMapping = make(map[BlockFlags]string)

func (f BlockFlags) String() string {
	if f == 0 {
		return "None"
	}

	var sb strings.Builder
	for remaining := f; remaining != 0; {
		bit := BlockFlags(1) << bits.TrailingZeros8(uint8(remaining))
		remaining &^= bit

		if sb.Len() > 0 {
			sb.WriteByte('|')
		}

		name, ok := blockFlagsMapping[bit]
		if !ok {
			name = "Unknown"
		}
		sb.WriteString(name)
	}

	return sb.String()
}

const (
	// BlockInUse marks a block that belongs to a client or to the allocator itself. Blocks without it are free.
	BlockInUse BlockFlags = 1 << iota
	// BlockIndirect marks a block whose payload is reached through a Handle rather than a raw pointer
	BlockIndirect
	// BlockSlideStop marks the free block that terminates a slide while the slide is running
	BlockSlideStop
	// BlockPrivate marks allocator-owned blocks, such as master pointer batches, that are never handed
	// to clients
	BlockPrivate
)

func init() {
	blockFlagsMapping[BlockInUse] = "BlockInUse"
	blockFlagsMapping[BlockIndirect] = "BlockIndirect"
	blockFlagsMapping[BlockSlideStop] = "BlockSlideStop"
	blockFlagsMapping[BlockPrivate] = "BlockPrivate"
}

//go:build !(linux || darwin || freebsd)

package vmem

import "github.com/newtonresearch/newton-framework-sub009/memutils"

const fallbackPageSize = 4096

// Mapped falls back to an Arena with no budget on platforms without anonymous mappings
type Mapped struct {
	*Arena
}

// NewMapped reserves size bytes, rounded up to the page size
func NewMapped(size int) (*Mapped, error) {
	arena, err := NewArena(memutils.AlignUp(size, fallbackPageSize), fallbackPageSize, 0)
	if err != nil {
		return nil, err
	}
	return &Mapped{Arena: arena}, nil
}

func (m *Mapped) Close() error {
	return nil
}

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/newtonresearch/newton-framework-sub009/memory"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func newTestSimulator(t *testing.T, config Config) (*simulator, *memory.Allocator) {
	allocator, err := memory.New(slog.Default(), memory.CreateOptions{})
	require.NoError(t, err)

	heaps, err := buildHeaps(allocator, config, nil)
	require.NoError(t, err)

	return newSimulator(slog.Default(), allocator, heaps), allocator
}

func TestScriptCompactionPreservesContents(t *testing.T) {
	sim, allocator := newTestSimulator(t, defaultConfig)

	err := sim.Run(strings.NewReader(`
# interleave direct and indirect blocks
new a 100
newh b 200
fill b 0x5a
new c 64
newh d 32
fill d 3
free a
free c
compact main
check b 0x5a
check d 3
resize b 1000
fill b 1
check b 1
`))
	require.NoError(t, err)

	heap := sim.heaps["main"]
	require.NoError(t, heap.Validate())
	require.Len(t, sim.handles, 2)
	require.Empty(t, sim.direct)

	size, err := allocator.GetIndirectBlockSize(sim.handles["b"])
	require.NoError(t, err)
	require.Equal(t, 1000, size)
}

func TestScriptPinnedBlockCannotBeFreed(t *testing.T) {
	sim, _ := newTestSimulator(t, defaultConfig)

	err := sim.Run(strings.NewReader("newh a 64\npin a\nfree a\n"))
	require.ErrorContains(t, err, "line 3")
	require.ErrorContains(t, err, "still pinned")

	require.NoError(t, sim.Run(strings.NewReader("unpin a\nfree a\n")))
	require.Empty(t, sim.handles)
}

func TestScriptErrors(t *testing.T) {
	sim, _ := newTestSimulator(t, defaultConfig)

	require.ErrorContains(t, sim.Run(strings.NewReader("explode a")), "unknown command explode")
	require.ErrorContains(t, sim.Run(strings.NewReader("new a")), "new takes 2 arguments")
	require.ErrorContains(t, sim.Run(strings.NewReader("new a lots")), "invalid number lots")
	require.ErrorContains(t, sim.Run(strings.NewReader("free ghost")), "unknown block ghost")
	require.ErrorContains(t, sim.Run(strings.NewReader("use elsewhere")), "unknown heap elsewhere")
	require.ErrorContains(t, sim.Run(strings.NewReader("unpin ghost")), "is not pinned")
}

func TestScriptOutOfMemory(t *testing.T) {
	sim, _ := newTestSimulator(t, Config{
		Heaps: []HeapConfig{{Name: "tiny", Base: 0x1000, Size: 256}},
	})

	err := sim.Run(strings.NewReader("new a 100\nnew b 200\n"))
	require.ErrorIs(t, err, memory.ErrOutOfMemory)
	require.ErrorContains(t, err, "line 2")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[allocator]
page_size = 1024

[[heap]]
name = "masters"
base = 0x1000
size = 4096

[[heap]]
name = "main"
base = 0x10000
size = 16384
initial_extent = 4096
vm = true
master_heap = "masters"
relocation_heap = "masters"
`), 0o600))

	config, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 1024, config.Allocator.PageSize)
	require.Len(t, config.Heaps, 2)
	require.True(t, config.Heaps[1].VM)
	require.Equal(t, uint32(0x10000), config.Heaps[1].Base)

	sim, _ := newTestSimulator(t, config)
	main := sim.heaps["main"]
	require.True(t, main.IsVMBacked())
	require.Same(t, sim.heaps["masters"], main.MasterHeap())
	require.Equal(t, 4096, main.Extent())

	require.NoError(t, sim.Run(strings.NewReader(`
use main
newh a 6000
fill a 9
extend main 4096
check a 9
`)))
	require.Greater(t, main.Extent(), 4096)
	require.NoError(t, main.Validate())
	require.NoError(t, sim.heaps["masters"].Validate())
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[heap]]\nname = \"main\"\nsize = 4096\ncolour = \"blue\"\n"), 0o600))

	_, err := loadConfig(path)
	require.ErrorContains(t, err, "unknown keys")
}

func TestBuildHeapsRejectsForwardReferences(t *testing.T) {
	allocator, err := memory.New(slog.Default(), memory.CreateOptions{})
	require.NoError(t, err)

	_, err = buildHeaps(allocator, Config{Heaps: []HeapConfig{
		{Name: "main", Base: 0x1000, Size: 4096, MasterHeap: "later"},
	}}, nil)
	require.ErrorContains(t, err, "not defined before it")
}

package main

import (
	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/newtonresearch/newton-framework-sub009/memory"
	"github.com/newtonresearch/newton-framework-sub009/memory/vmem"
)

// Config is the layout file read by heapsim
type Config struct {
	Allocator AllocatorConfig `toml:"allocator"`
	Heaps     []HeapConfig    `toml:"heap"`
}

type AllocatorConfig struct {
	PageSize        int `toml:"page_size"`
	MasterBatchSize int `toml:"master_batch_size"`
}

type HeapConfig struct {
	Name          string `toml:"name"`
	Base          uint32 `toml:"base"`
	Size          int    `toml:"size"`
	InitialExtent int    `toml:"initial_extent"`
	PageSize      int    `toml:"page_size"`

	// VM selects a VM-backed heap over an arena that may lock at most VMBudget bytes
	VM       bool `toml:"vm"`
	VMBudget int  `toml:"vm_budget"`
	// Mapped selects a VM-backed heap over an anonymous memory mapping instead of an arena
	Mapped bool `toml:"mapped"`

	MasterHeap      string `toml:"master_heap"`
	RelocationHeap  string `toml:"relocation_heap"`
	FixedHeap       string `toml:"fixed_heap"`
	MasterBatchSize int    `toml:"master_batch_size"`

	DisableCompactionSearch bool `toml:"disable_compaction_search"`
}

var defaultConfig = Config{
	Heaps: []HeapConfig{
		{Name: "main", Base: 0x10000, Size: 64 * 1024, InitialExtent: 16 * 1024},
	},
}

func loadConfig(path string) (Config, error) {
	if path == "" {
		return defaultConfig, nil
	}

	var config Config
	meta, err := toml.DecodeFile(path, &config)
	if err != nil {
		return config, errors.Wrapf(err, "failed to read layout %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config, errors.Newf("layout %s: unknown keys %v", path, undecoded)
	}
	if len(config.Heaps) == 0 {
		return config, errors.Newf("layout %s defines no heaps", path)
	}

	return config, nil
}

// buildHeaps creates the heaps of a layout in order. Heaps may only refer to heaps defined before them.
func buildHeaps(allocator *memory.Allocator, config Config, onRelocate memory.RelocationCallback) (map[string]*memory.Heap, error) {
	heaps := make(map[string]*memory.Heap)

	lookup := func(owner, name string) (*memory.Heap, error) {
		if name == "" {
			return nil, nil
		}
		heap, ok := heaps[name]
		if !ok {
			return nil, errors.Newf("heap %s refers to heap %s, which is not defined before it", owner, name)
		}
		return heap, nil
	}

	for _, heapConfig := range config.Heaps {
		if _, exists := heaps[heapConfig.Name]; exists {
			return nil, errors.Newf("heap %s is defined twice", heapConfig.Name)
		}

		info := memory.HeapCreateInfo{
			Name:                    heapConfig.Name,
			Base:                    memory.Ptr(heapConfig.Base),
			InitialExtent:           heapConfig.InitialExtent,
			PageSize:                heapConfig.PageSize,
			MasterBatchSize:         heapConfig.MasterBatchSize,
			DisableCompactionSearch: heapConfig.DisableCompactionSearch,
			OnRelocate:              onRelocate,
		}

		var err error
		if info.MasterHeap, err = lookup(heapConfig.Name, heapConfig.MasterHeap); err != nil {
			return nil, err
		}
		if info.RelocationHeap, err = lookup(heapConfig.Name, heapConfig.RelocationHeap); err != nil {
			return nil, err
		}
		if info.FixedHeap, err = lookup(heapConfig.Name, heapConfig.FixedHeap); err != nil {
			return nil, err
		}

		if heapConfig.Mapped {
			mapped, err := vmem.NewMapped(heapConfig.Size)
			if err != nil {
				return nil, errors.Wrapf(err, "heap %s", heapConfig.Name)
			}
			info.Memory = mapped.Bytes()
			info.VirtualMemory = mapped
		} else if heapConfig.VM {
			pageSize := heapConfig.PageSize
			if pageSize == 0 {
				pageSize = config.Allocator.PageSize
			}
			if pageSize == 0 {
				pageSize = 4096
			}

			arena, err := vmem.NewArena(heapConfig.Size, pageSize, heapConfig.VMBudget)
			if err != nil {
				return nil, errors.Wrapf(err, "heap %s", heapConfig.Name)
			}
			info.Memory = arena.Bytes()
			info.VirtualMemory = arena
		} else {
			info.Memory = make([]byte, heapConfig.Size)
		}

		heap, err := allocator.CreateHeap(info)
		if err != nil {
			return nil, err
		}
		heaps[heapConfig.Name] = heap
	}

	return heaps, nil
}

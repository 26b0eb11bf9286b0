package main

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/newtonresearch/newton-framework-sub009/memory"
	"golang.org/x/exp/slog"
)

// simulator replays allocation scripts. Each line of a script is one command; blank lines and lines
// starting with # are ignored. Blocks are given names when allocated and referred to by name after.
//
//	use <heap>                 select the current heap
//	new <name> <size>          allocate a direct block
//	newh <name> <size>         allocate an indirect block
//	fake <name> <addr> <size>  wrap external memory in a handle
//	resize <name> <size>       resize a block
//	fill <name> <byte>         fill a block's payload
//	check <name> <byte>        verify every byte of a block's payload
//	free <name>                release a block
//	pin <name> / unpin <name>  raise or lower a block's busy count
//	compact [heap]             compact a heap, the current heap by default
//	extend <heap> <amount>     extend a heap
//	shrink <heap> <leaving>    shrink a heap
type simulator struct {
	logger    *slog.Logger
	allocator *memory.Allocator
	heaps     map[string]*memory.Heap

	direct  map[string]memory.Ptr
	handles map[string]memory.Handle
	unpins  map[string][]func()
}

func newSimulator(logger *slog.Logger, allocator *memory.Allocator, heaps map[string]*memory.Heap) *simulator {
	return &simulator{
		logger:    logger,
		allocator: allocator,
		heaps:     heaps,
		direct:    make(map[string]memory.Ptr),
		handles:   make(map[string]memory.Handle),
		unpins:    make(map[string][]func()),
	}
}

func (s *simulator) Run(script io.Reader) error {
	scanner := bufio.NewScanner(script)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		err := s.exec(strings.Fields(text))
		if err != nil {
			return errors.Wrapf(err, "line %d: %s", line, text)
		}
	}

	return scanner.Err()
}

func (s *simulator) exec(fields []string) error {
	command, args := fields[0], fields[1:]
	arity := map[string]int{
		"use": 1, "new": 2, "newh": 2, "fake": 3, "resize": 2, "fill": 2, "check": 2,
		"free": 1, "pin": 1, "unpin": 1, "extend": 2, "shrink": 2,
	}

	if want, ok := arity[command]; ok && len(args) != want {
		return errors.Newf("%s takes %d arguments, but %d were given", command, want, len(args))
	}

	switch command {
	case "use":
		heap, err := s.heap(args[0])
		if err != nil {
			return err
		}
		s.allocator.SetCurrentHeap(heap)
	case "new":
		size, err := parseInt(args[1])
		if err != nil {
			return err
		}
		ptr, err := s.allocator.NewDirectBlock(size)
		if err != nil {
			return err
		}
		s.direct[args[0]] = ptr
	case "newh":
		size, err := parseInt(args[1])
		if err != nil {
			return err
		}
		handle, err := s.allocator.NewIndirectBlock(size)
		if err != nil {
			return err
		}
		s.handles[args[0]] = handle
	case "fake":
		addr, err := parseInt(args[1])
		if err != nil {
			return err
		}
		size, err := parseInt(args[2])
		if err != nil {
			return err
		}
		handle, err := s.allocator.NewFakeIndirectBlock(memory.Ptr(addr), size)
		if err != nil {
			return err
		}
		s.handles[args[0]] = handle
	case "resize":
		size, err := parseInt(args[1])
		if err != nil {
			return err
		}
		return s.resize(args[0], size)
	case "fill", "check":
		value, err := parseInt(args[1])
		if err != nil {
			return err
		}
		data, err := s.bytes(args[0])
		if err != nil {
			return err
		}
		for i := range data {
			if command == "fill" {
				data[i] = byte(value)
			} else if data[i] != byte(value) {
				return errors.Newf("block %s: byte %d is %#x, expected %#x", args[0], i, data[i], byte(value))
			}
		}
	case "free":
		return s.free(args[0])
	case "pin":
		return s.pin(args[0])
	case "unpin":
		unpins := s.unpins[args[0]]
		if len(unpins) == 0 {
			return errors.Newf("block %s is not pinned", args[0])
		}
		unpins[len(unpins)-1]()
		s.unpins[args[0]] = unpins[:len(unpins)-1]
	case "compact":
		heap := s.allocator.CurrentHeap()
		if len(args) > 0 {
			var err error
			if heap, err = s.heap(args[0]); err != nil {
				return err
			}
		}
		if heap == nil {
			return errors.New("no heap to compact")
		}
		stats := heap.CompactHeap(nil)
		s.logger.Info("compacted", slog.String("heap", heap.Name()), slog.Int("bytesMoved", stats.BytesMoved), slog.Int("regionsMerged", stats.RegionsMerged))
	case "extend":
		heap, err := s.heap(args[0])
		if err != nil {
			return err
		}
		amount, err := parseInt(args[1])
		if err != nil {
			return err
		}
		return heap.ExtendVMHeap(amount)
	case "shrink":
		heap, err := s.heap(args[0])
		if err != nil {
			return err
		}
		leaving, err := parseInt(args[1])
		if err != nil {
			return err
		}
		released, err := heap.ShrinkHeapLeaving(leaving)
		if err != nil {
			return err
		}
		s.logger.Info("shrunk", slog.String("heap", heap.Name()), slog.Int("released", released))
	default:
		return errors.Newf("unknown command %s", command)
	}

	return nil
}

func (s *simulator) heap(name string) (*memory.Heap, error) {
	heap, ok := s.heaps[name]
	if !ok {
		return nil, errors.Newf("unknown heap %s", name)
	}
	return heap, nil
}

func (s *simulator) resize(name string, size int) error {
	if ptr, ok := s.direct[name]; ok {
		newPtr, err := s.allocator.SetDirectBlockSize(ptr, size)
		if err != nil {
			return err
		}
		s.direct[name] = newPtr
		return nil
	}

	if handle, ok := s.handles[name]; ok {
		_, err := s.allocator.SetIndirectBlockSize(handle, size)
		return err
	}

	return errors.Newf("unknown block %s", name)
}

func (s *simulator) bytes(name string) ([]byte, error) {
	if ptr, ok := s.direct[name]; ok {
		heap, err := s.allocator.HeapForPtr(ptr)
		if err != nil {
			return nil, err
		}
		return heap.Bytes(ptr)
	}

	if handle, ok := s.handles[name]; ok {
		return s.allocator.HandleBytes(handle)
	}

	return nil, errors.Newf("unknown block %s", name)
}

func (s *simulator) free(name string) error {
	if len(s.unpins[name]) > 0 {
		return errors.Newf("block %s is still pinned", name)
	}

	if ptr, ok := s.direct[name]; ok {
		delete(s.direct, name)
		return s.allocator.DisposeDirectBlock(ptr)
	}

	if handle, ok := s.handles[name]; ok {
		delete(s.handles, name)
		return s.allocator.DisposeIndirectBlock(handle)
	}

	return errors.Newf("unknown block %s", name)
}

func (s *simulator) pin(name string) error {
	ptr, ok := s.direct[name]
	if !ok {
		handle, isHandle := s.handles[name]
		if !isHandle {
			return errors.Newf("unknown block %s", name)
		}

		var err error
		if ptr, err = s.allocator.Deref(handle); err != nil {
			return err
		}
	}

	heap, err := s.allocator.HeapForPtr(ptr)
	if err != nil {
		return err
	}

	unpin, err := heap.Pin(ptr)
	if err != nil {
		return err
	}

	s.unpins[name] = append(s.unpins[name], unpin)
	return nil
}

func parseInt(text string) (int, error) {
	value, err := strconv.ParseInt(text, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid number %s", text)
	}
	return int(value), nil
}

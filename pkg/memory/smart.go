package memory

import "github.com/gfx-rs/gomem/internal/debug"

// SmartTag combines Combined's own tag with the memory-type index Smart
// chose, so Free can find both the right Combined allocator and the right
// heap to debit.
type SmartTag struct {
	typeIndex int
	inner     CombinedTag
}

// SmartBlock is the block type produced by a Smart allocator.
type SmartBlock = Block[SmartTag]

// SmartRequest describes an allocation at the Smart layer: a usage class
// plus the memory properties the caller requires.
type SmartRequest struct {
	Usage              UsageClass
	RequiredProperties PropertyFlags
	Size               uint64
	Alignment          uint64
	TypeMask           uint32
}

// Smart spans every memory type exposed by a device, selecting a compatible
// type per request and load-balancing across heaps by fractional usage.
type Smart struct {
	_ noCopy

	heaps      []HeapDescriptor
	types      []MemoryTypeDescriptor
	allocators []*Combined
}

// NewSmart constructs a Smart allocator. heaps and types describe the
// device's static memory topology; cfgs supplies one CombinedConfig per
// memory type, indexed the same way as types (cfgs[i].TypeID should equal i).
func NewSmart(heaps []HeapDescriptor, types []MemoryTypeDescriptor, cfgs []CombinedConfig) *Smart {
	debug.Assert(len(types) == len(cfgs), "smart: one CombinedConfig is required per memory type")

	allocators := make([]*Combined, len(cfgs))
	for i, cfg := range cfgs {
		allocators[i] = NewCombined(cfg)
	}

	return &Smart{heaps: heaps, types: types, allocators: allocators}
}

// Heap returns a snapshot of the heap descriptor at index i.
func (s *Smart) Heap(i int) HeapDescriptor { return s.heaps[i] }

func (s *Smart) compatible(typeIndex int, reqs SmartRequest) bool {
	if (uint32(1)<<uint(typeIndex))&reqs.TypeMask == 0 {
		return false
	}

	return s.types[typeIndex].Properties.Has(reqs.RequiredProperties)
}

func (s *Smart) hasRoom(typeIndex int, reqs SmartRequest) bool {
	heap := s.heaps[s.types[typeIndex].HeapIndex]
	return heap.Available() >= reqs.Size+reqs.Alignment
}

// selectType runs the four-step filter/rank described by the selection
// algorithm: compatible type mask + properties, then heap room, then lowest
// fractional heap usage with ties broken by lowest index.
func (s *Smart) selectType(reqs SmartRequest) (int, error) {
	anyCompatible := false
	best := -1
	var bestUsage float64

	for k := range s.types {
		if !s.compatible(k, reqs) {
			continue
		}

		anyCompatible = true

		if !s.hasRoom(k, reqs) {
			continue
		}

		usage := s.heaps[s.types[k].HeapIndex].Usage()
		if best == -1 || usage < bestUsage {
			best = k
			bestUsage = usage
		}
	}

	if !anyCompatible {
		return 0, &NoCompatibleMemoryTypeError{TypeMask: reqs.TypeMask, Required: reqs.RequiredProperties}
	}

	if best == -1 {
		return 0, &OutOfMemoryError{Requested: reqs.Size}
	}

	return best, nil
}

// Alloc selects a compatible, available memory type with the lowest
// fractional heap usage and delegates to that type's Combined allocator.
func (s *Smart) Alloc(device Device, reqs SmartRequest) (SmartBlock, error) {
	typeIndex, err := s.selectType(reqs)
	if err != nil {
		return SmartBlock{}, err
	}

	block, err := s.allocators[typeIndex].Alloc(device, reqs.Usage, Request{
		Size:      reqs.Size,
		Alignment: reqs.Alignment,
		TypeMask:  reqs.TypeMask,
	})
	if err != nil {
		return SmartBlock{}, err
	}

	heapIndex := s.types[typeIndex].HeapIndex
	s.heaps[heapIndex].UsedBytes += block.Size()

	debug.Log(nil, "Alloc", "type=%d heap=%d size=%d", typeIndex, heapIndex, block.Size())

	return rewrapBlock(block, SmartTag{typeIndex: typeIndex, inner: block.tag}), nil
}

// Free debits the heap block.Size() came from and delegates to the Combined
// allocator that produced block.
func (s *Smart) Free(device Device, block SmartBlock) {
	tag := block.tag
	heapIndex := s.types[tag.typeIndex].HeapIndex

	debug.Assert(s.heaps[heapIndex].UsedBytes >= block.Size(), "smart: heap usage underflow")
	s.heaps[heapIndex].UsedBytes -= block.Size()

	s.allocators[tag.typeIndex].Free(device, rewrapBlock(block, tag.inner))
}

// IsUsed reports whether any memory type's Combined allocator still has
// live blocks.
func (s *Smart) IsUsed() bool {
	for _, a := range s.allocators {
		if a.IsUsed() {
			return true
		}
	}

	return false
}

// Dispose tears down every memory type's Combined allocator. If any still
// has live blocks, Smart is returned unchanged as the error.
func (s *Smart) Dispose(device Device) error {
	if s.IsUsed() {
		return &StillInUseError[*Smart]{Allocator: s}
	}

	for _, a := range s.allocators {
		err := a.Dispose(device)
		debug.Assert(err == nil, "smart: dispose failed after IsUsed reported false")
	}

	return nil
}

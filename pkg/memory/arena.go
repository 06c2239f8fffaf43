package memory

import (
	"github.com/gfx-rs/gomem/internal/debug"
	"github.com/gfx-rs/gomem/pkg/memory/swiss"
)

// ArenaTag is the tag carried by blocks produced by an Arena allocator: the
// logical index of the node (hot or retiring) the block was bump-allocated
// from, biased so it survives node rotation and retirement.
type ArenaTag uint64

// ArenaBlock is the block type produced by an Arena allocator.
type ArenaBlock = Block[ArenaTag]

// arenaNode wraps one chunk borrowed from the owner and bump-allocates
// within it.
type arenaNode struct {
	chunk      RootBlock
	used       uint64
	freedBytes uint64
}

func (n *arenaNode) isUsed() bool { return n.freedBytes != n.used }

// alloc carves [alignedStart, alignedStart+size) from the node's remaining
// capacity, if it fits. The bump pointer is advanced past any alignment
// padding so the padding is never reused.
func (n *arenaNode) alloc(size, align uint64) (start, end uint64, ok bool) {
	offset := n.used
	shift := alignmentShift(align, offset)
	total := size + shift

	if n.chunk.Size()-n.used < total {
		return 0, 0, false
	}

	alignedStart := offset + shift
	n.used += total

	return alignedStart, alignedStart + size, true
}

func (n *arenaNode) free(block ArenaBlock) {
	debug.Assert(n.chunk.Memory() == block.Memory(), "arena: block freed to wrong node")
	n.freedBytes += block.Size()
	block.Dispose()
}

// Arena is a bump-allocating sub-allocator over a ring of chunks obtained
// from an owning Root allocator, tuned for short-lived allocations: whole
// chunks are reclaimed once every block carved from them is freed.
type Arena struct {
	_ noCopy

	typeID    int
	chunkSize uint64
	freed     uint64
	hot       *arenaNode
	nodes     []*arenaNode

	// live tracks every block currently carved out, in debug builds only, to
	// catch double-frees and overlapping blocks independently of the
	// node/FIFO bookkeeping above.
	live debug.Value[*swiss.Tracker]
}

// NewArena constructs an Arena allocator for the given memory type, using
// chunkSize as the minimum size of each underlying chunk.
func NewArena(typeID int, chunkSize uint64) *Arena {
	a := &Arena{typeID: typeID, chunkSize: chunkSize}

	if debug.Enabled {
		*a.live.Get() = swiss.New()
	}

	return a
}

// TypeID returns the memory type this allocator services.
func (a *Arena) TypeID() int { return a.typeID }

// ChunkSize returns the minimum chunk size configured for this allocator.
func (a *Arena) ChunkSize() uint64 { return a.chunkSize }

// IsUsed reports whether any block allocated through this allocator is
// still live.
func (a *Arena) IsUsed() bool {
	return len(a.nodes) != 0 || (a.hot != nil && a.hot.isUsed())
}

func (a *Arena) allocateNode(device Device, owner *Root, reqs Request) (*arenaNode, error) {
	chunkSize := ((reqs.Size-1)/a.chunkSize + 1) * a.chunkSize

	chunk, err := owner.Alloc(device, Request{
		Size:      chunkSize,
		Alignment: reqs.Alignment,
		TypeMask:  1 << uint(a.typeID),
	})
	if err != nil {
		return nil, err
	}

	return &arenaNode{chunk: chunk}, nil
}

// Alloc carves a block out of the hot node, opening (and rotating in) a new
// chunk from owner if the hot node has no room left.
func (a *Arena) Alloc(device Device, owner *Root, reqs Request) (ArenaBlock, error) {
	if reqs.TypeMask&(1<<uint(a.typeID)) == 0 {
		return ArenaBlock{}, &NoCompatibleMemoryTypeError{TypeMask: reqs.TypeMask, Required: 0}
	}

	index := a.freed + uint64(len(a.nodes))

	if a.hot != nil {
		if start, end, ok := a.hot.alloc(reqs.Size, reqs.Alignment); ok {
			debug.Log(nil, "Alloc", "type=%d arena index=%d [%d,%d)", a.typeID, index, start, end)

			a.track(a.hot.chunk.Memory(), start, end)

			return newBlock(a.hot.chunk.Memory(), start, end, ArenaTag(index), reqs.Alignment), nil
		}
	}

	node, err := a.allocateNode(device, owner, reqs)
	if err != nil {
		return ArenaBlock{}, err
	}

	start, end, ok := node.alloc(reqs.Size, reqs.Alignment)
	debug.Assert(ok, "arena: freshly opened node too small for request")

	oldHot := a.hot
	a.hot = node

	if oldHot != nil {
		if oldHot.isUsed() {
			a.nodes = append(a.nodes, oldHot)
		} else {
			owner.Free(device, oldHot.chunk)
		}
	}

	index = a.freed + uint64(len(a.nodes))
	debug.Log(nil, "Alloc", "type=%d arena index=%d (new node) [%d,%d)", a.typeID, index, start, end)

	a.track(node.chunk.Memory(), start, end)

	return newBlock(node.chunk.Memory(), start, end, ArenaTag(index), reqs.Alignment), nil
}

// track records a freshly carved block's identity in the debug tracker,
// asserting it does not overlap any block already live on the same memory
// object.
func (a *Arena) track(mem MemoryHandle, start, end uint64) {
	if !debug.Enabled {
		return
	}

	tracker := *a.live.Get()
	debug.Assert(!tracker.Overlaps(uint64(mem), start, end), "arena: new block [%d,%d) overlaps a live block", start, end)

	ok := tracker.Insert(swiss.Key{Memory: uint64(mem), Start: start, End: end})
	debug.Assert(ok, "arena: duplicate block identity [%d,%d)", start, end)
}

// untrack removes a freed block's identity from the debug tracker, asserting
// it was actually tracked (catching a double-free independently of node
// bookkeeping).
func (a *Arena) untrack(mem MemoryHandle, start, end uint64) {
	if !debug.Enabled {
		return
	}

	ok := (*a.live.Get()).Remove(swiss.Key{Memory: uint64(mem), Start: start, End: end})
	debug.Assert(ok, "arena: double free of block [%d,%d)", start, end)
}

// cleanup retires drained nodes from the front of the FIFO. If the hot node
// is still in use, the drained node becomes the new hot node and the old hot
// node moves to the back of the FIFO; otherwise the drained node's chunk is
// returned to owner.
func (a *Arena) cleanup(device Device, owner *Root) {
	for len(a.nodes) > 0 && !a.nodes[0].isUsed() {
		popped := a.nodes[0]
		a.nodes = a.nodes[1:]

		debug.Assert(a.hot != nil, "arena: FIFO non-empty but no hot node")

		if a.hot.isUsed() {
			a.nodes = append(a.nodes, a.hot)
			a.hot = popped
		} else {
			owner.Free(device, popped.chunk)
		}

		a.freed++
	}
}

// Free returns block to the node it was carved from, draining and rotating
// retired nodes as they empty out.
func (a *Arena) Free(device Device, owner *Root, block ArenaBlock) {
	start, end := block.Range()
	a.untrack(block.Memory(), start, end)

	idx := int64(uint64(block.tag) - a.freed)
	n := int64(len(a.nodes))

	switch {
	case idx == n:
		a.hot.free(block)
	case idx >= 0 && idx < n:
		a.nodes[idx].free(block)
		a.cleanup(device, owner)
	default:
		debug.Assert(false, "arena: block tag %d out of range (freed=%d, nodes=%d)", block.tag, a.freed, n)
	}
}

// Dispose consumes the allocator if it has no live blocks, returning the
// hot node's chunk (which must by then be fully drained) to owner.
func (a *Arena) Dispose(device Device, owner *Root) error {
	if a.IsUsed() {
		return &StillInUseError[*Arena]{Allocator: a}
	}

	if a.hot != nil {
		owner.Free(device, a.hot.chunk)
		a.hot = nil
	}

	return nil
}

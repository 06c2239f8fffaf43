package memory

import (
	"github.com/gfx-rs/gomem/internal/debug"
	"github.com/gfx-rs/gomem/pkg/memory/swiss"
)

// RootTag is the (unit) tag carried by blocks returned directly by a Root
// allocator: there is no further bookkeeping to recover on free.
type RootTag struct{}

// RootBlock is the block type produced by a Root allocator.
type RootBlock = Block[RootTag]

// Root is a 1:1 wrapper over a device's raw allocate/free for a single
// memory type. Every block it produces spans an entire device allocation,
// i.e. has start == 0.
type Root struct {
	_ noCopy

	typeID    int
	usedBytes uint64

	// live tracks allocated identities in debug builds only, to catch
	// double-frees and identity collisions independently of usedBytes.
	live debug.Value[*swiss.Tracker]
}

// NewRoot constructs a Root allocator for the given memory type.
func NewRoot(typeID int) *Root {
	r := &Root{typeID: typeID}

	if debug.Enabled {
		*r.live.Get() = swiss.New()
	}

	return r
}

// TypeID returns the memory type this allocator services.
func (r *Root) TypeID() int { return r.typeID }

// UsedBytes returns the number of bytes currently allocated through this
// allocator.
func (r *Root) UsedBytes() uint64 { return r.usedBytes }

// IsUsed reports whether any block allocated through this allocator is
// still live.
func (r *Root) IsUsed() bool { return r.usedBytes != 0 }

// Alloc requests exactly reqs.Size bytes of this allocator's memory type
// from device, and wraps the result in a block spanning [0, reqs.Size).
func (r *Root) Alloc(device Device, reqs Request) (RootBlock, error) {
	handle, err := device.AllocateMemory(r.typeID, reqs.Size)
	if err != nil {
		return RootBlock{}, &OutOfMemoryError{TypeID: r.typeID, Requested: reqs.Size}
	}

	debug.Log(nil, "Alloc", "type=%d size=%d -> %v", r.typeID, reqs.Size, handle)

	if debug.Enabled {
		ok := (*r.live.Get()).Insert(swiss.Key{Memory: uint64(handle), Start: 0, End: reqs.Size})
		debug.Assert(ok, "root: device returned a memory handle already in use")
	}

	r.usedBytes += reqs.Size

	return newBlock(handle, 0, reqs.Size, RootTag{}, reqs.Alignment), nil
}

// Free returns block's underlying memory to device. block must have been
// produced by this allocator.
func (r *Root) Free(device Device, block RootBlock) {
	start, end := block.Range()
	debug.Assert(start == 0, "root block must start at 0, got %d", start)

	if debug.Enabled {
		ok := (*r.live.Get()).Remove(swiss.Key{Memory: uint64(block.Memory()), Start: start, End: end})
		debug.Assert(ok, "root: double free of memory handle %v", block.Memory())
	}

	device.FreeMemory(block.Memory())
	debug.Log(nil, "Free", "type=%d size=%d", r.typeID, end-start)

	debug.Assert(r.usedBytes >= end-start, "root usedBytes underflow")
	r.usedBytes -= end - start

	block.Dispose()
}

// Dispose consumes the allocator if it has no live blocks. If it does, it is
// handed back to the caller wrapped in a StillInUseError.
func (r *Root) Dispose() error {
	if r.IsUsed() {
		return &StillInUseError[*Root]{Allocator: r}
	}

	return nil
}

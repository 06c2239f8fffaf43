package memory

import (
	"fmt"
	"runtime"

	"github.com/gfx-rs/gomem/internal/debug"
)

// sentinel backs a block's must-be-disposed marker. In debug builds a
// finalizer is attached to it that panics if the block is garbage collected
// without having gone through Dispose first, which is the only legitimate
// way to consume the marker.
type sentinel struct{ _ byte }

func newSentinel() *sentinel {
	s := new(sentinel)

	if debug.Enabled {
		runtime.SetFinalizer(s, func(*sentinel) {
			panic("memory: block dropped without being freed or disposed")
		})
	}

	return s
}

func (s *sentinel) clear() {
	if debug.Enabled && s != nil {
		runtime.SetFinalizer(s, nil)
	}
}

// Block is a handle over a contiguous byte range of one memory object. It is
// produced by exactly one allocator and must be returned to that same
// allocator, either via its Free method or, in privileged contexts, via
// Dispose. Tag carries whatever bookkeeping the owning allocator needs to
// locate the block's slot in O(1) on free; its shape is private to each
// allocator layer.
type Block[Tag any] struct {
	memory MemoryHandle
	start  uint64
	end    uint64
	tag    Tag
	guard  *sentinel
}

// newBlock constructs a block spanning [start, end) of memory, tagged for
// later return to its originating allocator. align is the alignment the
// request promised start would satisfy; align <= 1 means no constraint was
// requested. This mirrors original_source/src/block.rs's relevant(align)
// check, restored here since it is cheap and within scope.
func newBlock[Tag any](mem MemoryHandle, start, end uint64, tag Tag, align uint64) Block[Tag] {
	debug.Assert(start <= end, "block start %d must not exceed end %d", start, end)
	debug.Assert(align <= 1 || start%align == 0, "block start %d violates alignment %d", start, align)

	return Block[Tag]{memory: mem, start: start, end: end, tag: tag, guard: newSentinel()}
}

// Memory returns the handle of the memory object this block was carved from.
func (b Block[Tag]) Memory() MemoryHandle { return b.memory }

// Range returns the block's [start, end) byte range within its memory object.
func (b Block[Tag]) Range() (start, end uint64) { return b.start, b.end }

// Size returns end - start.
func (b Block[Tag]) Size() uint64 { return b.end - b.start }

// Contains reports whether other names the same memory object and its range
// is a subset of b's range.
func (b Block[Tag]) Contains(other Block[Tag]) bool {
	return b.memory == other.memory && b.start <= other.start && other.end <= b.end
}

func (b Block[Tag]) String() string {
	return fmt.Sprintf("Block{memory: %v, range: [%d, %d)}", b.memory, b.start, b.end)
}

// Dispose consumes the block's must-be-disposed marker without returning the
// underlying memory anywhere. Callers promise the memory is no longer in use
// by any external resource; this is only safe to call from the allocator
// that produced the block, as part of that allocator's own free/dispose path.
func (b *Block[Tag]) Dispose() {
	b.guard.clear()
}

package memory

import (
	"github.com/gfx-rs/gomem/internal/debug"
	"github.com/gfx-rs/gomem/pkg/opt"
)

type combinedTagKind int

const (
	combinedTagArena combinedTagKind = iota
	combinedTagChunked
	combinedTagRoot
)

// CombinedTag is the discriminated-union tag carried by blocks produced by a
// Combined allocator, so Free can dispatch to the right sub-allocator
// without inspecting the block's size.
type CombinedTag struct {
	kind    combinedTagKind
	arena   ArenaTag
	chunked ChunkedTag
}

// CombinedBlock is the block type produced by a Combined allocator.
type CombinedBlock = Block[CombinedTag]

// CombinedConfig configures a Combined allocator's Root/Arena/Chunked triple
// and its oversize-routing policy.
type CombinedConfig struct {
	TypeID int

	ArenaChunkSize               uint64
	BlocksPerChunk, MinBlockSize uint64
	MaxChunkSize                 uint64

	// ChunkedThreshold overrides the size above which a General request is
	// routed to Root instead of Chunked. Defaults to MaxChunkSize.
	ChunkedThreshold opt.Option[uint64]
}

// Combined routes each allocation request to one of a Root, Arena, or
// Chunked allocator, all bound to the same memory type, based on a
// client-supplied usage class and size.
type Combined struct {
	_ noCopy

	typeID    int
	threshold uint64

	root    *Root
	arena   *Arena
	chunked *Chunked

	rootPassthroughUsed uint64
}

// NewCombined constructs a Combined allocator from cfg.
func NewCombined(cfg CombinedConfig) *Combined {
	threshold := cfg.MaxChunkSize
	if cfg.ChunkedThreshold.IsSome() {
		threshold = cfg.ChunkedThreshold.Unwrap()
	}

	return &Combined{
		typeID:    cfg.TypeID,
		threshold: threshold,
		root:      NewRoot(cfg.TypeID),
		arena:     NewArena(cfg.TypeID, cfg.ArenaChunkSize),
		chunked:   NewChunked(cfg.TypeID, cfg.BlocksPerChunk, cfg.MinBlockSize, cfg.MaxChunkSize),
	}
}

// TypeID returns the memory type this allocator services.
func (c *Combined) TypeID() int { return c.typeID }

// Alloc routes reqs to Arena, Chunked, or Root depending on usage and size.
func (c *Combined) Alloc(device Device, usage UsageClass, reqs Request) (CombinedBlock, error) {
	switch {
	case usage == ShortLived:
		b, err := c.arena.Alloc(device, c.root, reqs)
		if err != nil {
			return CombinedBlock{}, err
		}

		return rewrapBlock(b, CombinedTag{kind: combinedTagArena, arena: b.tag}), nil

	case reqs.Size <= c.threshold:
		b, err := c.chunked.Alloc(device, c.root, reqs)
		if err != nil {
			return CombinedBlock{}, err
		}

		return rewrapBlock(b, CombinedTag{kind: combinedTagChunked, chunked: b.tag}), nil

	default:
		b, err := c.root.Alloc(device, reqs)
		if err != nil {
			return CombinedBlock{}, err
		}

		c.rootPassthroughUsed += reqs.Size

		return rewrapBlock(b, CombinedTag{kind: combinedTagRoot}), nil
	}
}

// Free dispatches block to whichever sub-allocator produced it.
func (c *Combined) Free(device Device, block CombinedBlock) {
	tag := block.tag

	switch tag.kind {
	case combinedTagArena:
		c.arena.Free(device, c.root, rewrapBlock(block, tag.arena))
	case combinedTagChunked:
		c.chunked.Free(device, c.root, rewrapBlock(block, tag.chunked))
	case combinedTagRoot:
		size := block.Size()
		c.root.Free(device, rewrapBlock(block, RootTag{}))
		debug.Assert(c.rootPassthroughUsed >= size, "combined: root passthrough usage underflow")
		c.rootPassthroughUsed -= size
	default:
		debug.Assert(false, "combined: block carries unknown tag kind %d", tag.kind)
	}
}

// IsUsed reports whether the Arena, the Chunked allocator, or an outstanding
// Root passthrough block is still live.
func (c *Combined) IsUsed() bool {
	return c.arena.IsUsed() || c.chunked.IsUsed() || c.rootPassthroughUsed != 0
}

// Dispose tears down Arena and Chunked, then Root, in that order. If any
// stage still has live blocks, Combined is returned unchanged as the error.
func (c *Combined) Dispose(device Device) error {
	if c.IsUsed() {
		return &StillInUseError[*Combined]{Allocator: c}
	}

	if err := c.arena.Dispose(device, c.root); err != nil {
		return &StillInUseError[*Combined]{Allocator: c}
	}

	if err := c.chunked.Dispose(device, c.root); err != nil {
		return &StillInUseError[*Combined]{Allocator: c}
	}

	if err := c.root.Dispose(); err != nil {
		return &StillInUseError[*Combined]{Allocator: c}
	}

	return nil
}

// rewrapBlock re-tags a block, keeping the same memory, range, and
// must-be-disposed marker. Used to move a block between a sub-allocator's
// own tag type and Combined's (or Smart's) wrapping tag type.
func rewrapBlock[From, To any](b Block[From], tag To) Block[To] {
	return Block[To]{memory: b.memory, start: b.start, end: b.end, tag: tag, guard: b.guard}
}

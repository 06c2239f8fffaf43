package memory

import (
	"github.com/gfx-rs/gomem/internal/debug"
	"github.com/gfx-rs/gomem/pkg/memory/swiss"
)

// ChunkedTag is the tag carried by blocks produced by a Chunked allocator:
// the index, within its size class, of the chunk the block's slot lives in.
// The size class itself is re-derived from the block's size on free.
type ChunkedTag uint64

// ChunkedBlock is the block type produced by a Chunked allocator.
type ChunkedBlock = Block[ChunkedTag]

type slotRef struct {
	chunkIndex uint64
	slotIndex  uint64
}

// chunkedNode holds every chunk and free slot for one power-of-two size
// class.
type chunkedNode struct {
	blockSize     uint64
	chunkSize     uint64
	slotsPerChunk uint64
	free          []slotRef
	chunks        []RootBlock
}

func (n *chunkedNode) count() uint64 { return uint64(len(n.chunks)) * n.slotsPerChunk }

func (n *chunkedNode) isUsed() bool { return n.count() != uint64(len(n.free)) }

func (n *chunkedNode) grow(device Device, owner *Root, typeID int) error {
	chunk, err := owner.Alloc(device, Request{
		Size:      n.chunkSize,
		Alignment: n.blockSize,
		TypeMask:  1 << uint(typeID),
	})
	if err != nil {
		return err
	}

	chunkIndex := uint64(len(n.chunks))
	n.chunks = append(n.chunks, chunk)

	for slot := uint64(0); slot < n.slotsPerChunk; slot++ {
		n.free = append(n.free, slotRef{chunkIndex: chunkIndex, slotIndex: slot})
	}

	return nil
}

func (n *chunkedNode) allocNoGrow(align uint64) (ChunkedBlock, bool) {
	if len(n.free) == 0 {
		return ChunkedBlock{}, false
	}

	ref := n.free[0]
	n.free = n.free[1:]

	start := ref.slotIndex * n.blockSize
	mem := n.chunks[ref.chunkIndex].Memory()

	return newBlock(mem, start, start+n.blockSize, ChunkedTag(ref.chunkIndex), align), true
}

func (n *chunkedNode) alloc(device Device, owner *Root, typeID int, align uint64) (ChunkedBlock, error) {
	if block, ok := n.allocNoGrow(align); ok {
		return block, nil
	}

	if err := n.grow(device, owner, typeID); err != nil {
		return ChunkedBlock{}, err
	}

	block, ok := n.allocNoGrow(align)
	debug.Assert(ok, "chunked: grow did not free up a slot")

	return block, nil
}

func (n *chunkedNode) free(block ChunkedBlock) {
	chunkIndex := uint64(block.tag)
	start, _ := block.Range()

	debug.Assert(start%n.blockSize == 0, "chunked: block start %d not aligned to block size %d", start, n.blockSize)
	debug.Assert(chunkIndex < uint64(len(n.chunks)), "chunked: tag %d out of range", chunkIndex)
	debug.Assert(n.chunks[chunkIndex].Memory() == block.Memory(), "chunked: block freed to wrong chunk")

	slotIndex := start / n.blockSize
	n.free = append([]slotRef{{chunkIndex: chunkIndex, slotIndex: slotIndex}}, n.free...)

	block.Dispose()
}

func (n *chunkedNode) dispose(device Device, owner *Root) {
	for _, chunk := range n.chunks {
		owner.Free(device, chunk)
	}

	n.chunks = nil
}

// Chunked is a sub-allocator that bins requests by power-of-two size class
// and recycles fixed-size slots carved from fixed-size chunks, tuned for
// long-lived allocations.
type Chunked struct {
	_ noCopy

	typeID         int
	blocksPerChunk uint64
	minBlockSize   uint64
	maxChunkSize   uint64
	nodes          []*chunkedNode

	// live tracks every slot currently handed out, in debug builds only, to
	// catch double-frees and overlapping blocks independently of each size
	// class's free-list bookkeeping.
	live debug.Value[*swiss.Tracker]
}

// NewChunked constructs a Chunked allocator for the given memory type.
// minBlockSize and maxChunkSize must be powers of two; this panics otherwise.
func NewChunked(typeID int, blocksPerChunk, minBlockSize, maxChunkSize uint64) *Chunked {
	debug.Assert(IsPowerOfTwo(minBlockSize), "chunked: minBlockSize must be a power of two")
	if !IsPowerOfTwo(minBlockSize) {
		panic("memory: Chunked minBlockSize must be a power of two")
	}

	debug.Assert(IsPowerOfTwo(maxChunkSize), "chunked: maxChunkSize must be a power of two")
	if !IsPowerOfTwo(maxChunkSize) {
		panic("memory: Chunked maxChunkSize must be a power of two")
	}

	debug.Assert(minBlockSize <= maxChunkSize, "chunked: minBlockSize must not exceed maxChunkSize")

	c := &Chunked{
		typeID:         typeID,
		blocksPerChunk: blocksPerChunk,
		minBlockSize:   minBlockSize,
		maxChunkSize:   maxChunkSize,
	}

	if debug.Enabled {
		*c.live.Get() = swiss.New()
	}

	return c
}

// TypeID returns the memory type this allocator services.
func (c *Chunked) TypeID() int { return c.typeID }

// MaxChunkSize returns the configured cap on owner-allocation size.
func (c *Chunked) MaxChunkSize() uint64 { return c.maxChunkSize }

func (c *Chunked) blockSize(class int) uint64 { return c.minBlockSize << uint(class) }

func (c *Chunked) chunkSize(class int) uint64 {
	full := c.blockSize(class) * c.blocksPerChunk
	if full > c.maxChunkSize {
		return c.maxChunkSize
	}

	return full
}

// classFor picks the size class for a request, per
// i = ceil(log2(max(size, align) / min_block_size)), clamped to >= 0.
func (c *Chunked) classFor(size, align uint64) int {
	need := size
	if align > need {
		need = align
	}

	if need <= c.minBlockSize {
		return 0
	}

	return int(log2Ceil((need + c.minBlockSize - 1) / c.minBlockSize))
}

func (c *Chunked) classForBlockSize(size uint64) int {
	class := 0
	for c.blockSize(class) < size {
		class++
	}

	return class
}

func (c *Chunked) grow(class int) {
	for len(c.nodes) <= class {
		i := len(c.nodes)
		c.nodes = append(c.nodes, &chunkedNode{
			blockSize:     c.blockSize(i),
			chunkSize:     c.chunkSize(i),
			slotsPerChunk: c.chunkSize(i) / c.blockSize(i),
		})
	}
}

// Alloc carves one slot from the size class fitting reqs.
func (c *Chunked) Alloc(device Device, owner *Root, reqs Request) (ChunkedBlock, error) {
	if reqs.TypeMask&(1<<uint(c.typeID)) == 0 {
		return ChunkedBlock{}, &NoCompatibleMemoryTypeError{TypeMask: reqs.TypeMask}
	}

	if reqs.Size > c.maxChunkSize || reqs.Alignment > c.maxChunkSize {
		return ChunkedBlock{}, &OutOfMemoryError{TypeID: c.typeID, Requested: reqs.Size}
	}

	class := c.classFor(reqs.Size, reqs.Alignment)
	c.grow(class)

	block, err := c.nodes[class].alloc(device, owner, c.typeID, reqs.Alignment)
	if err != nil {
		return ChunkedBlock{}, err
	}

	debug.Log(nil, "Alloc", "type=%d class=%d size=%d", c.typeID, class, block.Size())

	start, end := block.Range()
	c.track(block.Memory(), start, end)

	return block, nil
}

// track records a freshly carved slot's identity in the debug tracker,
// asserting it does not overlap any slot already live on the same chunk.
func (c *Chunked) track(mem MemoryHandle, start, end uint64) {
	if !debug.Enabled {
		return
	}

	tracker := *c.live.Get()
	debug.Assert(!tracker.Overlaps(uint64(mem), start, end), "chunked: new block [%d,%d) overlaps a live block", start, end)

	ok := tracker.Insert(swiss.Key{Memory: uint64(mem), Start: start, End: end})
	debug.Assert(ok, "chunked: duplicate block identity [%d,%d)", start, end)
}

// untrack removes a freed slot's identity from the debug tracker, asserting
// it was actually tracked.
func (c *Chunked) untrack(mem MemoryHandle, start, end uint64) {
	if !debug.Enabled {
		return
	}

	ok := (*c.live.Get()).Remove(swiss.Key{Memory: uint64(mem), Start: start, End: end})
	debug.Assert(ok, "chunked: double free of block [%d,%d)", start, end)
}

// Free returns block to its size class's free list. device is accepted for
// symmetry with the other sub-allocators' Free signatures; freeing a slot
// never touches the owner.
func (c *Chunked) Free(_ Device, _ *Root, block ChunkedBlock) {
	class := c.classForBlockSize(block.Size())

	debug.Assert(class < len(c.nodes), "chunked: class %d for freed block has no node", class)
	debug.Assert(block.Size() == c.blockSize(class), "chunked: freed block size %d does not match class %d", block.Size(), class)

	start, end := block.Range()
	c.untrack(block.Memory(), start, end)

	c.nodes[class].free(block)
}

// UnderlyingChunk returns the chunk backing block's slot, for debug/factory
// introspection.
func (c *Chunked) UnderlyingChunk(block ChunkedBlock) RootBlock {
	class := c.classForBlockSize(block.Size())
	return c.nodes[class].chunks[block.tag]
}

// IsUsed reports whether any slot in any size class is still live.
func (c *Chunked) IsUsed() bool {
	for _, node := range c.nodes {
		if node.isUsed() {
			return true
		}
	}

	return false
}

// Dispose consumes the allocator if no slot is live, releasing every chunk
// of every size class back to owner.
func (c *Chunked) Dispose(device Device, owner *Root) error {
	if c.IsUsed() {
		return &StillInUseError[*Chunked]{Allocator: c}
	}

	for _, node := range c.nodes {
		node.dispose(device, owner)
	}

	return nil
}

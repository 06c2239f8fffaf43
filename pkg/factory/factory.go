// Package factory pairs device resource handles (buffers, images) with the
// memory blocks backing them, so callers never juggle a raw handle and its
// block separately.
package factory

import (
	"fmt"

	"github.com/gfx-rs/gomem/pkg/memory"
	"github.com/gfx-rs/gomem/pkg/res"
)

// BufferUsage and ImageUsage are opaque device-specific usage bit-sets,
// passed through to Device unexamined.
type (
	BufferUsage uint32
	ImageUsage  uint32
)

// ImageKind and ImageFormat are likewise opaque, device-specific descriptors.
type (
	ImageKind   uint32
	ImageFormat uint32
)

// BufferHandle and ImageHandle are the raw device resources a Device creates
// and destroys; the factory never looks inside them.
type (
	BufferHandle uint64
	ImageHandle  uint64
)

// Requirements describes the memory a just-created resource needs bound to
// it, as reported by Device.
type Requirements struct {
	Size      uint64
	Alignment uint64
	TypeMask  uint32
}

// Device is the collaborator a Factory binds resources through: buffer/image
// creation and destruction, requirement queries, and memory binding.
type Device interface {
	memory.Device

	CreateBuffer(size uint64, usage BufferUsage) (BufferHandle, error)
	BufferRequirements(BufferHandle) Requirements
	BindBufferMemory(mem memory.MemoryHandle, offset uint64, buf BufferHandle) error
	DestroyBuffer(BufferHandle)

	CreateImage(kind ImageKind, level uint32, format ImageFormat, usage ImageUsage) (ImageHandle, error)
	ImageRequirements(ImageHandle) Requirements
	BindImageMemory(mem memory.MemoryHandle, offset uint64, img ImageHandle) error
	DestroyImage(ImageHandle)
}

// BufferCreationError and ImageCreationError wrap a Device's resource
// creation failure, as opposed to a memory-layer failure.
type BufferCreationError struct{ Err error }

func (e *BufferCreationError) Error() string { return fmt.Sprintf("factory: create buffer: %v", e.Err) }
func (e *BufferCreationError) Unwrap() error { return e.Err }

type ImageCreationError struct{ Err error }

func (e *ImageCreationError) Error() string { return fmt.Sprintf("factory: create image: %v", e.Err) }
func (e *ImageCreationError) Unwrap() error { return e.Err }

// BindError wraps a Device's memory-binding failure.
type BindError struct{ Err error }

func (e *BindError) Error() string { return fmt.Sprintf("factory: bind memory: %v", e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// Item pairs a raw device resource with the memory.Block backing it.
type Item[R any] struct {
	raw   R
	block memory.SmartBlock
}

// Borrow returns a read-only view of the underlying resource handle.
func (i *Item[R]) Borrow() R { return i.raw }

// BorrowMut returns the underlying resource handle for in-place use.
func (i *Item[R]) BorrowMut() *R { return &i.raw }

// Memory returns the memory object backing this item.
func (i *Item[R]) Memory() memory.MemoryHandle { return i.block.Memory() }

// Range returns the byte range, within Memory(), backing this item.
func (i *Item[R]) Range() (start, end uint64) { return i.block.Range() }

// Factory creates buffers and images against a Smart allocator, binding each
// one at the block's memory handle and offset, and frees the block when the
// resource is destroyed.
type Factory struct {
	allocator *memory.Smart
}

// New wraps allocator in a Factory.
func New(allocator *memory.Smart) *Factory {
	return &Factory{allocator: allocator}
}

// CreateBuffer creates a device buffer of size bytes for usage, allocates a
// block to back it, and binds the two together.
func (f *Factory) CreateBuffer(device Device, reqs memory.SmartRequest, size uint64, usage BufferUsage) res.Result[*Item[BufferHandle]] {
	buf, err := device.CreateBuffer(size, usage)
	if err != nil {
		return res.Err[*Item[BufferHandle]](&BufferCreationError{Err: err})
	}

	want := device.BufferRequirements(buf)
	reqs.Size, reqs.Alignment, reqs.TypeMask = want.Size, want.Alignment, want.TypeMask

	block, err := f.allocator.Alloc(device, reqs)
	if err != nil {
		device.DestroyBuffer(buf)

		return res.Err[*Item[BufferHandle]](err)
	}

	start, _ := block.Range()
	if err := device.BindBufferMemory(block.Memory(), start, buf); err != nil {
		f.allocator.Free(device, block)
		device.DestroyBuffer(buf)

		return res.Err[*Item[BufferHandle]](&BindError{Err: err})
	}

	return res.Ok(&Item[BufferHandle]{raw: buf, block: block})
}

// CreateImage creates a device image and allocates and binds a block to it,
// analogous to CreateBuffer.
func (f *Factory) CreateImage(
	device Device,
	reqs memory.SmartRequest,
	kind ImageKind,
	level uint32,
	format ImageFormat,
	usage ImageUsage,
) res.Result[*Item[ImageHandle]] {
	img, err := device.CreateImage(kind, level, format, usage)
	if err != nil {
		return res.Err[*Item[ImageHandle]](&ImageCreationError{Err: err})
	}

	want := device.ImageRequirements(img)
	reqs.Size, reqs.Alignment, reqs.TypeMask = want.Size, want.Alignment, want.TypeMask

	block, err := f.allocator.Alloc(device, reqs)
	if err != nil {
		device.DestroyImage(img)

		return res.Err[*Item[ImageHandle]](err)
	}

	start, _ := block.Range()
	if err := device.BindImageMemory(block.Memory(), start, img); err != nil {
		f.allocator.Free(device, block)
		device.DestroyImage(img)

		return res.Err[*Item[ImageHandle]](&BindError{Err: err})
	}

	return res.Ok(&Item[ImageHandle]{raw: img, block: block})
}

// DestroyBuffer destroys item's device buffer and frees its block.
func (f *Factory) DestroyBuffer(device Device, item *Item[BufferHandle]) {
	device.DestroyBuffer(item.raw)
	f.allocator.Free(device, item.block)
}

// DestroyImage destroys item's device image and frees its block.
func (f *Factory) DestroyImage(device Device, item *Item[ImageHandle]) {
	device.DestroyImage(item.raw)
	f.allocator.Free(device, item.block)
}

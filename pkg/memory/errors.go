package memory

import "fmt"

// NoCompatibleMemoryTypeError is returned when no memory type satisfies both
// a request's type mask and its required properties.
type NoCompatibleMemoryTypeError struct {
	TypeMask uint32
	Required PropertyFlags
}

func (e *NoCompatibleMemoryTypeError) Error() string {
	return fmt.Sprintf("memory: no compatible memory type for mask %#x requiring %#x", e.TypeMask, e.Required)
}

// OutOfMemoryError is returned when a compatible memory type exists but the
// device refused the allocation, or every compatible heap's remaining space
// is smaller than the request's size plus alignment. Chunked also returns it
// for a request whose size or alignment exceeds its maximum chunk size.
type OutOfMemoryError struct {
	TypeID    int
	Requested uint64
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("memory: out of memory for type %d, requested %d bytes", e.TypeID, e.Requested)
}

// StillInUseError is returned by Dispose when an allocator still owns live
// blocks. The allocator itself is handed back so the caller can keep using it.
type StillInUseError[T any] struct {
	Allocator T
}

func (e *StillInUseError[T]) Error() string {
	return "memory: dispose called on allocator that still has live blocks"
}

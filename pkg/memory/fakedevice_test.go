package memory_test

import (
	"errors"
	"testing"

	"github.com/gfx-rs/gomem/internal/debug"
	"github.com/gfx-rs/gomem/pkg/memory"
)

// traceTest routes debug.Log output through t.Log for the duration of a
// test, so allocator traces show up alongside the test's own output instead
// of on stderr.
func traceTest(t testing.TB) func() { return debug.WithTesting(t) }

// fakeDevice is a minimal memory.Device with a total byte budget shared by
// all live AllocateMemory calls (limit 0 means unlimited); it never actually
// reads or writes memory.
type fakeDevice struct {
	next  uint64
	live  map[memory.MemoryHandle]uint64
	limit uint64
	used  uint64
}

func newFakeDevice(limit uint64) *fakeDevice {
	return &fakeDevice{live: make(map[memory.MemoryHandle]uint64), limit: limit}
}

func (d *fakeDevice) AllocateMemory(_ int, size uint64) (memory.MemoryHandle, error) {
	if d.limit != 0 && d.used+size > d.limit {
		return 0, errors.New("fakeDevice: out of memory")
	}

	d.next++
	h := memory.MemoryHandle(d.next)
	d.live[h] = size
	d.used += size

	return h, nil
}

func (d *fakeDevice) FreeMemory(h memory.MemoryHandle) {
	d.used -= d.live[h]
	delete(d.live, h)
}

package memory_test

import (
	"math"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/gfx-rs/gomem/pkg/memory"
)

const (
	propDeviceLocal memory.PropertyFlags = 1 << iota
	propHostVisible
)

func newSmartTwoHeaps(heapA, heapB uint64) *memory.Smart {
	heaps := []memory.HeapDescriptor{
		{SizeBytes: heapA},
		{SizeBytes: heapB},
	}
	types := []memory.MemoryTypeDescriptor{
		{Properties: propDeviceLocal, HeapIndex: 0},
		{Properties: propDeviceLocal, HeapIndex: 1},
	}
	cfgs := []memory.CombinedConfig{
		{TypeID: 0, ArenaChunkSize: 1 << 16, BlocksPerChunk: 8, MinBlockSize: 256, MaxChunkSize: 1 << 20},
		{TypeID: 1, ArenaChunkSize: 1 << 16, BlocksPerChunk: 8, MinBlockSize: 256, MaxChunkSize: 1 << 20},
	}

	return memory.NewSmart(heaps, types, cfgs)
}

// TestSmartHeapBalance works through spec scenario 5.
func TestSmartHeapBalance(t *testing.T) {
	defer traceTest(t)()

	Convey("Given two device-local memory types over heaps of 256 MiB and 1 GiB", t, func() {
		device := newFakeDevice(0)
		smart := newSmartTwoHeaps(256<<20, 1<<30)

		Convey("Issuing ten 64 MiB General allocations keeps fractional usage balanced", func() {
			var blocks []memory.SmartBlock

			for i := 0; i < 10; i++ {
				block, err := smart.Alloc(device, memory.SmartRequest{
					Usage:              memory.General,
					RequiredProperties: propDeviceLocal,
					Size:               64 << 20,
					Alignment:          1,
					TypeMask:           0b11,
				})
				So(err, ShouldBeNil)
				blocks = append(blocks, block)

				u0 := smart.Heap(0).Usage()
				u1 := smart.Heap(1).Usage()
				So(math.Abs(u0-u1), ShouldBeLessThanOrEqualTo, float64(64<<20)/float64(256<<20))
			}

			for _, b := range blocks {
				smart.Free(device, b)
			}

			So(smart.IsUsed(), ShouldBeFalse)
		})
	})
}

// TestSmartIncompatible works through spec scenario 6.
func TestSmartIncompatible(t *testing.T) {
	defer traceTest(t)()

	Convey("Given a smart allocator with only a device-local type", t, func() {
		device := newFakeDevice(0)
		heaps := []memory.HeapDescriptor{{SizeBytes: 1 << 20}}
		types := []memory.MemoryTypeDescriptor{{Properties: propDeviceLocal, HeapIndex: 0}}
		cfgs := []memory.CombinedConfig{
			{TypeID: 0, ArenaChunkSize: 1 << 12, BlocksPerChunk: 8, MinBlockSize: 256, MaxChunkSize: 1 << 16},
		}
		smart := memory.NewSmart(heaps, types, cfgs)

		Convey("A request requiring host-visible memory fails", func() {
			_, err := smart.Alloc(device, memory.SmartRequest{
				RequiredProperties: propHostVisible,
				Size:               1024,
				Alignment:          1,
				TypeMask:           0b1,
			})

			_, ok := err.(*memory.NoCompatibleMemoryTypeError)
			So(ok, ShouldBeTrue)
		})
	})
}

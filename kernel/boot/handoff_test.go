package boot

import (
	"testing"
	"unsafe"
)

func TestReceiveCopiesBlock(t *testing.T) {
	var src ParamBlock
	src.KernelStackBase = 0xdeadbeef
	src.SegmentCount = 2
	src.Segments[0] = SegmentDescriptor{PhysAddr: 0x1000, VirtAddr: 0xffff800000001000, Size: 0x2000}
	src.Segments[1] = SegmentDescriptor{PhysAddr: 0x3000, VirtAddr: 0xffff800000003000, Size: 0x1000}
	src.RSDPPtr = 0xcafe

	Receive(uintptr(unsafe.Pointer(&src)))

	got := Current()
	if got.KernelStackBase != 0xdeadbeef {
		t.Fatalf("expected stack base 0xdeadbeef; got 0x%x", got.KernelStackBase)
	}
	if got.RSDPPtr != 0xcafe {
		t.Fatalf("expected rsdp 0xcafe; got 0x%x", got.RSDPPtr)
	}

	// Mutating the source afterward must not affect the stored copy.
	src.KernelStackBase = 0
	if got.KernelStackBase != 0xdeadbeef {
		t.Fatalf("expected stored copy to be independent of source")
	}
}

func TestKernelSpan(t *testing.T) {
	var src ParamBlock
	src.SegmentCount = 2
	src.Segments[0] = SegmentDescriptor{PhysAddr: 0x2000, Size: 0x1000}
	src.Segments[1] = SegmentDescriptor{PhysAddr: 0x1000, Size: 0x1000}
	Receive(uintptr(unsafe.Pointer(&src)))

	start, end := KernelSpan()
	if start != 0x1000 {
		t.Errorf("expected start 0x1000; got 0x%x", start)
	}
	if end != 0x3000 {
		t.Errorf("expected end 0x3000; got 0x%x", end)
	}
}

func TestKernelSpanEmpty(t *testing.T) {
	var src ParamBlock
	Receive(uintptr(unsafe.Pointer(&src)))

	start, end := KernelSpan()
	if start != 0 || end != 0 {
		t.Errorf("expected (0, 0) for empty segment list; got (0x%x, 0x%x)", start, end)
	}
}

func TestVisitMemoryMap(t *testing.T) {
	type rawMap struct {
		entries [3]MemoryDescriptor
	}
	var rm rawMap
	rm.entries[0] = MemoryDescriptor{Type: MemoryConventional, PhysicalStart: 0, NumberOfPages: 16}
	rm.entries[1] = MemoryDescriptor{Type: MemoryReserved, PhysicalStart: 0x10000, NumberOfPages: 4}
	rm.entries[2] = MemoryDescriptor{Type: MemoryConventional, PhysicalStart: 0x20000, NumberOfPages: 32}

	var src ParamBlock
	src.MemoryMapBase = uintptr(unsafe.Pointer(&rm.entries[0]))
	src.MemoryMapDescriptorSize = uint64(unsafe.Sizeof(MemoryDescriptor{}))
	src.MemoryMapEntryCount = 3
	Receive(uintptr(unsafe.Pointer(&src)))

	var seen []MemoryType
	VisitMemoryMap(func(desc *MemoryDescriptor) bool {
		seen = append(seen, desc.Type)
		return true
	})

	if len(seen) != 3 {
		t.Fatalf("expected 3 visited entries; got %d", len(seen))
	}
	if seen[0] != MemoryConventional || seen[1] != MemoryReserved || seen[2] != MemoryConventional {
		t.Errorf("unexpected visited types: %v", seen)
	}
}

func TestVisitMemoryMapStopsEarly(t *testing.T) {
	var rm [2]MemoryDescriptor
	rm[0] = MemoryDescriptor{Type: MemoryConventional, NumberOfPages: 1}
	rm[1] = MemoryDescriptor{Type: MemoryConventional, NumberOfPages: 1}

	var src ParamBlock
	src.MemoryMapBase = uintptr(unsafe.Pointer(&rm[0]))
	src.MemoryMapDescriptorSize = uint64(unsafe.Sizeof(MemoryDescriptor{}))
	src.MemoryMapEntryCount = 2
	Receive(uintptr(unsafe.Pointer(&src)))

	visitCount := 0
	VisitMemoryMap(func(desc *MemoryDescriptor) bool {
		visitCount++
		return false
	})

	if visitCount != 1 {
		t.Fatalf("expected visitor to be invoked once; got %d", visitCount)
	}
}

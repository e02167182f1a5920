// Package boot models the single parameter block the pre-kernel UEFI-stage
// loader hands off to the kernel. The ELF loader, framebuffer renderer and
// ACPI table walker that produce or consume most of this data are external
// collaborators; this package only types their shared contract and exposes
// the memory map to the physical frame allocator.
package boot

import "unsafe"

// SegmentDescriptor describes one loaded kernel ELF segment.
type SegmentDescriptor struct {
	PhysAddr uintptr
	VirtAddr uintptr
	Size     uintptr
}

// MemoryType classifies a UEFI memory map descriptor entry.
type MemoryType uint32

// Subset of the UEFI EFI_MEMORY_TYPE enumeration relevant to frame
// reclamation decisions; everything else is treated as reserved.
const (
	MemoryReserved MemoryType = iota
	MemoryLoaderCode
	MemoryLoaderData
	MemoryBootServicesCode
	MemoryBootServicesData
	MemoryRuntimeServicesCode
	MemoryRuntimeServicesData
	MemoryConventional
	MemoryUnusable
	MemoryACPIReclaim
	MemoryACPINVS
	MemoryMMIO
	MemoryMMIOPortSpace
	MemoryPalCode
	MemoryPersistent
)

// Available reports whether frames described by a descriptor of this type
// may be handed to the physical frame allocator.
func (t MemoryType) Available() bool {
	switch t {
	case MemoryConventional, MemoryLoaderCode, MemoryLoaderData,
		MemoryBootServicesCode, MemoryBootServicesData:
		return true
	default:
		return false
	}
}

// MemoryDescriptor mirrors a single UEFI_MEMORY_DESCRIPTOR entry.
type MemoryDescriptor struct {
	Type          MemoryType
	_             uint32 // padding to match UEFI's 64-bit aligned layout
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// FramebufferDescriptor types the framebuffer fields handed off by the
// loader. No renderer lives in this repository; these fields exist only so
// a future collaborator has somewhere to read them from.
type FramebufferDescriptor struct {
	Base   uintptr
	Width  uint32
	Height uint32
	Pitch  uint32
	Bpp    uint8
	Size   uint64
}

// MaxSegments bounds the number of ELF segment descriptors the loader may
// pass; it matches the teacher's convention of fixed-capacity boot-time
// arrays (no allocator is available yet at this point).
const MaxSegments = 16

// ParamBlock is the single parameter block received from the pre-kernel
// loader, per the boot handoff contract. It is copied into an unprivileged
// region as soon as Receive runs.
type ParamBlock struct {
	KernelStackBase uintptr

	SegmentCount uint32
	Segments     [MaxSegments]SegmentDescriptor

	MemoryMapBase          uintptr
	MemoryMapDescriptorSize uint64
	MemoryMapEntryCount     uint64

	Framebuffer FramebufferDescriptor

	FontPtr uintptr
	RSDPPtr uintptr
}

// current holds the unprivileged copy of the handed-off block. It is set
// once by Receive and never mutated afterward.
var current ParamBlock

// Receive copies the parameter block pointed to by rawPtr into an
// unprivileged, kernel-owned location. It must be called exactly once,
// before any other function in this package.
func Receive(rawPtr uintptr) {
	current = *(*ParamBlock)(unsafe.Pointer(rawPtr))
}

// Current returns the unprivileged copy of the boot parameter block.
func Current() *ParamBlock {
	return &current
}

// MemRegionVisitor is invoked once per UEFI memory map descriptor. It must
// return true to continue the scan or false to stop early.
type MemRegionVisitor func(desc *MemoryDescriptor) bool

// VisitMemoryMap walks the UEFI memory map descriptor array handed off at
// boot, invoking visitor once per entry. Entries are addressed using the
// loader-reported descriptor size rather than sizeof(MemoryDescriptor),
// since UEFI allows firmware to report a larger descriptor than the fields
// currently understood by this kernel.
func VisitMemoryMap(visitor MemRegionVisitor) {
	if current.MemoryMapBase == 0 || current.MemoryMapDescriptorSize == 0 {
		return
	}

	curPtr := current.MemoryMapBase
	for i := uint64(0); i < current.MemoryMapEntryCount; i++ {
		desc := (*MemoryDescriptor)(unsafe.Pointer(curPtr))
		if !visitor(desc) {
			return
		}
		curPtr += uintptr(current.MemoryMapDescriptorSize)
	}
}

// KernelSpan returns the lowest physical start address and the exclusive
// end address covered by the loaded kernel ELF segments.
func KernelSpan() (start, end uintptr) {
	if current.SegmentCount == 0 {
		return 0, 0
	}

	start = current.Segments[0].PhysAddr
	end = start

	for i := uint32(0); i < current.SegmentCount; i++ {
		seg := current.Segments[i]
		if seg.PhysAddr < start {
			start = seg.PhysAddr
		}
		if segEnd := seg.PhysAddr + seg.Size; segEnd > end {
			end = segEnd
		}
	}

	return start, end
}

// Package heap implements the kernel's dynamic memory allocator: a
// first-fit allocator over a singly-traversed doubly-linked free list of
// segments, backed by pages obtained from the physical frame allocator.
package heap

import (
	"unsafe"

	"github.com/pbrowne011/StelluxOS/kernel"
	"github.com/pbrowne011/StelluxOS/kernel/errors"
	"github.com/pbrowne011/StelluxOS/kernel/mem"
	"github.com/pbrowne011/StelluxOS/kernel/mem/pmm/allocator"
	"github.com/pbrowne011/StelluxOS/kernel/mem/vmm"
	"github.com/pbrowne011/StelluxOS/kernel/sync"
)

// segmentMagic tags the header of every live heap segment so free() can
// recognize a foreign or corrupted pointer before touching its links.
var segmentMagic = [7]byte{'H', 'E', 'A', 'P', 'S', 'E', 'G'}

// minSegmentCapacity is the smallest usable payload a split-off remainder
// segment is allowed to carry; a split that would leave less than
// 2*minSegmentCapacity bytes in the remainder is skipped and the whole
// candidate segment is handed out instead.
const minSegmentCapacity = 32

// segmentHeader is the header of a heap segment. It lives at the start of
// the segment; the bytes immediately following it are the segment's usable
// payload. size is the total segment size, header included.
type segmentHeader struct {
	magic [7]byte
	free  bool
	size  mem.Size
	next  uintptr
	prev  uintptr
}

var headerSize = mem.Size(unsafe.Sizeof(segmentHeader{}))

var (
	lock         sync.Spinlock
	heapBase     uintptr
	heapSize     mem.Size
	firstSegment uintptr

	allocFrameFn = allocator.AllocFrame
	mapPageFn    = vmm.MapPage
	memsetFn     = mem.Memset

	errOutOfMemory    = &kernel.Error{Module: "heap", Message: "no free segment large enough to satisfy allocation", Kind: errors.OutOfMemory}
	errInvalidPointer = &kernel.Error{Module: "heap", Message: "invalid pointer passed to free", Kind: errors.InvalidArgument}
	errAlreadyFree    = &kernel.Error{Module: "heap", Message: "double free detected", Kind: errors.InvalidArgument}
)

func headerAt(addr uintptr) *segmentHeader {
	return (*segmentHeader)(unsafe.Pointer(addr))
}

// Init establishes the heap over a freshly mapped region of size bytes
// starting at base. Unlike a naive port, base is authoritative: the pages
// backing the heap are mapped starting exactly at the address the caller
// supplied rather than at an address chosen by the allocator. size is
// rounded up to a whole number of pages.
func Init(base uintptr, size mem.Size) *kernel.Error {
	size = (size + (mem.PageSize - 1)) & ^(mem.PageSize - 1)

	root := vmm.GetCurrentTopLevelPageTable()
	pageCount := size >> mem.PageShift
	for i := mem.Size(0); i < pageCount; i++ {
		frame, err := allocFrameFn()
		if err != nil {
			return err
		}

		addr := base + uintptr(i)*uintptr(mem.PageSize)
		if err := mapPageFn(addr, frame, vmm.Writable, root); err != nil {
			return err
		}
	}

	memsetFn(base, 0, size)

	lock.Acquire()
	defer lock.Release()

	heapBase = base
	heapSize = size
	firstSegment = base

	hdr := headerAt(base)
	hdr.magic = segmentMagic
	hdr.free = true
	hdr.size = size
	hdr.next = 0
	hdr.prev = 0

	return nil
}

// Allocate reserves size usable bytes from the heap and returns a pointer
// to them, using first-fit search over the free list.
func Allocate(size mem.Size) (uintptr, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	required := size + headerSize

	segAddr := findFreeSegmentLocked(required)
	if segAddr == 0 {
		return 0, errOutOfMemory
	}

	splitSegmentLocked(segAddr, required)

	hdr := headerAt(segAddr)
	hdr.free = false

	return segAddr + uintptr(headerSize), nil
}

// Free releases a pointer previously returned by Allocate, merging it with
// an adjacent free segment on either side. A pointer whose segment header
// doesn't carry the expected magic is reported and otherwise ignored: it is
// never linked back into the free list.
func Free(ptr uintptr) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	segAddr := ptr - uintptr(headerSize)
	hdr := headerAt(segAddr)

	if hdr.magic != segmentMagic {
		return errInvalidPointer
	}
	if hdr.free {
		return errAlreadyFree
	}

	hdr.free = true

	// Merging with the next segment must happen before merging with the
	// previous one, since the previous-segment merge folds this header's
	// (possibly just-grown) size into the previous segment and the
	// current header ceases to be valid afterwards.
	if hdr.next != 0 && headerAt(hdr.next).free {
		mergeWithNextLocked(segAddr)
	}
	if hdr.prev != 0 && headerAt(hdr.prev).free {
		mergeWithPreviousLocked(segAddr)
	}

	return nil
}

func findFreeSegmentLocked(minSize mem.Size) uintptr {
	addr := firstSegment
	for addr != 0 {
		hdr := headerAt(addr)
		if hdr.free && hdr.size >= minSize {
			return addr
		}
		addr = hdr.next
	}

	return 0
}

// splitSegmentLocked carves a segment of exactly requiredSize bytes out of
// the front of the segment at segAddr, provided the remainder would be at
// least 2*minSegmentCapacity bytes usable; otherwise the segment is left
// whole and the caller receives more than it asked for.
func splitSegmentLocked(segAddr uintptr, requiredSize mem.Size) {
	hdr := headerAt(segAddr)

	remainder := hdr.size - requiredSize
	if remainder < headerSize+2*minSegmentCapacity {
		return
	}

	newSegAddr := segAddr + uintptr(requiredSize)
	newHdr := headerAt(newSegAddr)
	newHdr.magic = segmentMagic
	newHdr.free = hdr.free
	newHdr.size = remainder
	newHdr.next = hdr.next
	newHdr.prev = segAddr

	if newHdr.next != 0 {
		headerAt(newHdr.next).prev = newSegAddr
	}

	hdr.size = requiredSize
	hdr.next = newSegAddr
}

func mergeWithNextLocked(segAddr uintptr) {
	hdr := headerAt(segAddr)
	nextHdr := headerAt(hdr.next)

	hdr.size += nextHdr.size
	hdr.next = nextHdr.next
	if hdr.next != 0 {
		headerAt(hdr.next).prev = segAddr
	}
}

func mergeWithPreviousLocked(segAddr uintptr) {
	hdr := headerAt(segAddr)
	prevAddr := hdr.prev
	prevHdr := headerAt(prevAddr)

	prevHdr.size += hdr.size
	prevHdr.next = hdr.next
	if prevHdr.next != 0 {
		headerAt(prevHdr.next).prev = prevAddr
	}
}

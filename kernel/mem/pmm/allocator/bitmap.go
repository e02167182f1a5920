// Package allocator implements the kernel's physical frame allocator.
package allocator

import (
	"github.com/pbrowne011/StelluxOS/kernel"
	"github.com/pbrowne011/StelluxOS/kernel/boot"
	"github.com/pbrowne011/StelluxOS/kernel/errors"
	"github.com/pbrowne011/StelluxOS/kernel/mem"
	"github.com/pbrowne011/StelluxOS/kernel/mem/pmm"
	"github.com/pbrowne011/StelluxOS/kernel/sync"
)

// maxManagedFrames bounds the bitmap size the allocator is willing to back
// with a fixed-size array; 4M frames covers 16 GiB of physical memory at a
// 4 KiB page size, which comfortably exceeds what this kernel targets.
const maxManagedFrames = 4 << 20

var (
	errOutOfMemory = &kernel.Error{Module: "pfa", Message: "no free frames available", Kind: errors.OutOfMemory}
	errBadFrame    = &kernel.Error{Module: "pfa", Message: "frame index out of range", Kind: errors.InvalidArgument}
)

// bitmapAllocator is a bitmap-based physical frame allocator. One bit per
// frame: 1 means locked (reserved or allocated), 0 means free. The bitmap
// scan starts from a rotating hint so repeated allocations under steady
// load don't re-scan already-exhausted low frames.
type bitmapAllocator struct {
	lock sync.Spinlock

	bitmap    [maxManagedFrames / 8]byte
	numFrames uint64

	totalBytes    mem.Size
	freeBytes     mem.Size
	reservedBytes mem.Size

	scanHint uint64
}

var globalAllocator bitmapAllocator

// Init builds the bitmap from the boot-time memory map: every byte starts
// reserved, and only frames backed by an Available() descriptor are cleared
// to free. The kernel image's own frames are then re-locked, since the
// firmware memory map reports them as ordinary loader-owned memory.
func Init() {
	a := &globalAllocator
	a.lock.Acquire()
	defer a.lock.Release()

	for i := range a.bitmap {
		a.bitmap[i] = 0xff
	}
	a.numFrames = 0
	a.totalBytes = 0
	a.freeBytes = 0
	a.reservedBytes = 0
	a.scanHint = 0

	boot.VisitMemoryMap(func(desc *boot.MemoryDescriptor) bool {
		startFrame := pmm.Frame(desc.PhysicalStart >> mem.PageShift)
		frameCount := desc.NumberOfPages

		if end := uint64(startFrame) + frameCount; end > a.numFrames {
			a.numFrames = end
		}
		a.totalBytes += mem.Size(frameCount) * mem.PageSize

		if desc.Type.Available() {
			for f := uint64(startFrame); f < uint64(startFrame)+frameCount && f < maxManagedFrames; f++ {
				a.clearBit(f)
			}
			a.freeBytes += mem.Size(frameCount) * mem.PageSize
		} else {
			a.reservedBytes += mem.Size(frameCount) * mem.PageSize
		}

		return true
	})

	kernelStart, kernelEnd := boot.KernelSpan()
	if kernelEnd > kernelStart {
		startFrame := uint64(kernelStart >> mem.PageShift)
		endFrame := uint64((kernelEnd + uintptr(mem.PageSize) - 1) >> mem.PageShift)
		a.lockRangeLocked(startFrame, endFrame-startFrame)
	}
}

// AllocFrame reserves and returns the next available free frame.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	a := &globalAllocator
	a.lock.Acquire()
	defer a.lock.Release()

	frame, ok := a.findFreeFrameLocked()
	if !ok {
		return pmm.InvalidFrame, errOutOfMemory
	}

	a.setBit(frame)
	a.freeBytes -= mem.Size(mem.PageSize)
	a.scanHint = frame + 1
	return pmm.Frame(frame), nil
}

// AllocFrames reserves count contiguous free frames and returns the first
// one. If no contiguous run of that size is free, it returns an error
// without allocating any of the candidate frames.
func AllocFrames(count uint64) (pmm.Frame, *kernel.Error) {
	if count == 0 {
		return pmm.InvalidFrame, errBadFrame
	}

	a := &globalAllocator
	a.lock.Acquire()
	defer a.lock.Release()

	var run uint64
	var runStart uint64
	for f := uint64(0); f < a.numFrames; f++ {
		if a.testBit(f) {
			run = 0
			continue
		}
		if run == 0 {
			runStart = f
		}
		run++
		if run == count {
			for i := uint64(0); i < count; i++ {
				a.setBit(runStart + i)
			}
			a.freeBytes -= mem.Size(count) * mem.PageSize
			a.scanHint = runStart + count
			return pmm.Frame(runStart), nil
		}
	}

	return pmm.InvalidFrame, errOutOfMemory
}

// FreeFrame releases a previously allocated frame back to the allocator.
func FreeFrame(frame pmm.Frame) *kernel.Error {
	a := &globalAllocator
	a.lock.Acquire()
	defer a.lock.Release()

	f := uint64(frame)
	if f >= a.numFrames {
		return errBadFrame
	}

	a.clearBit(f)
	a.freeBytes += mem.Size(mem.PageSize)
	return nil
}

// LockPage marks the frame backing addr as reserved without it ever having
// been handed out through AllocFrame.
func LockPage(addr uintptr) {
	LockPages(addr, 1)
}

// LockPages marks count consecutive frames starting at addr as reserved.
func LockPages(addr uintptr, count uint64) {
	a := &globalAllocator
	a.lock.Acquire()
	defer a.lock.Release()

	a.lockRangeLocked(uint64(addr>>mem.PageShift), count)
}

func (a *bitmapAllocator) lockRangeLocked(startFrame, count uint64) {
	for f := startFrame; f < startFrame+count && f < maxManagedFrames; f++ {
		if !a.testBit(f) {
			a.freeBytes -= mem.Size(mem.PageSize)
		}
		a.setBit(f)
	}
}

// TotalMemory returns the total number of bytes described by the boot-time
// memory map, including reserved regions.
func TotalMemory() mem.Size { return globalAllocator.totalBytes }

// FreeMemory returns the number of bytes currently unallocated.
func FreeMemory() mem.Size { return globalAllocator.freeBytes }

// ReservedMemory returns the number of bytes the firmware reported as
// unavailable for use.
func ReservedMemory() mem.Size { return globalAllocator.reservedBytes }

func (a *bitmapAllocator) findFreeFrameLocked() (uint64, bool) {
	for pass := 0; pass < 2; pass++ {
		start := uint64(0)
		end := a.numFrames
		if pass == 0 {
			start = a.scanHint
		} else if a.scanHint == 0 {
			continue
		}

		for f := start; f < end; f++ {
			if !a.testBit(f) {
				return f, true
			}
		}
	}
	return 0, false
}

func (a *bitmapAllocator) testBit(frame uint64) bool {
	return a.bitmap[frame/8]&(1<<(frame%8)) != 0
}

func (a *bitmapAllocator) setBit(frame uint64) {
	a.bitmap[frame/8] |= 1 << (frame % 8)
}

func (a *bitmapAllocator) clearBit(frame uint64) {
	a.bitmap[frame/8] &^= 1 << (frame % 8)
}

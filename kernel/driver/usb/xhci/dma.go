package xhci

import (
	"unsafe"

	"github.com/pbrowne011/StelluxOS/kernel"
	"github.com/pbrowne011/StelluxOS/kernel/errors"
	"github.com/pbrowne011/StelluxOS/kernel/mem"
	"github.com/pbrowne011/StelluxOS/kernel/mem/heap"
	"github.com/pbrowne011/StelluxOS/kernel/mem/vmm"
)

var errDMACrossesBoundary = &kernel.Error{Module: "xhci", Message: "DMA allocation crosses a hardware boundary", Kind: errors.OutOfMemory}

// trbSize is the fixed size in bytes of a single TRB.
const trbSize = 16

// Alignment/boundary requirements for the DMA structures this driver
// allocates (spec §5 MMIO access rules).
const (
	ringAlignment      = 64
	ringBoundary        = uintptr(mem.PageSize) * 16 // 64 KiB
	erstAlignment      = 64
	erstBoundary        = uintptr(mem.PageSize) * 16
	dcbaaAlignment     = 64
	dcbaaBoundary       = uintptr(mem.PageSize)
	deviceCtxAlignment = 64
	deviceCtxBoundary   = uintptr(mem.PageSize)
)

// translateFn resolves a kernel virtual address to its physical address.
// It is a test seam over vmm.Translate, which walks live page tables.
var translateFn = vmm.Translate

// allocXHCIDMAMemory allocates size bytes from the kernel heap, carves out
// an aligned sub-region and marks it uncacheable. If that sub-region
// crosses a boundary-byte physical boundary it returns
// errDMACrossesBoundary; no other placement is tried. It mirrors the original driver's
// _allocXhciMemory: allocate extra, align within, never free (every DMA
// structure this driver hands to hardware lives for the controller's
// lifetime).
func allocXHCIDMAMemory(size int, alignment uintptr, boundary uintptr) (uintptr, uintptr, *kernel.Error) {
	total := mem.Size(uintptr(size) + alignment - 1)

	raw, err := heap.Allocate(total)
	if err != nil {
		return 0, 0, err
	}

	aligned := (raw + alignment - 1) &^ (alignment - 1)

	phys, err := translateFn(aligned)
	if err != nil {
		return 0, 0, err
	}

	if boundary > 0 && (phys&^(boundary-1)) != ((phys+uintptr(size)-1)&^(boundary-1)) {
		return 0, 0, errDMACrossesBoundary
	}

	markRangeUncacheable(aligned, mem.Size(size))

	return aligned, phys, nil
}

// markRangeUncacheable marks every page in [addr, addr+size) uncacheable,
// matching the original's per-page markPageUncacheable call for xHCI DMA
// memory.
func markRangeUncacheable(addr uintptr, size mem.Size) {
	end := addr + uintptr(size)
	for page := addr &^ (uintptr(mem.PageSize) - 1); page < end; page += uintptr(mem.PageSize) {
		vmm.MarkPageUncacheable(page)
	}
}

// unsafeTRBSlice reinterprets the count*trbSize bytes starting at addr as
// a []TRB, the same raw-memory-as-typed-slice idiom the rest of the kernel
// uses for MMIO-backed and DMA-backed structures.
func unsafeTRBSlice(addr uintptr, count int) []TRB {
	return unsafe.Slice((*TRB)(unsafe.Pointer(addr)), count)
}

package vmm

import (
	"unsafe"

	"github.com/pbrowne011/StelluxOS/kernel"
	"github.com/pbrowne011/StelluxOS/kernel/cpu"
	"github.com/pbrowne011/StelluxOS/kernel/mem"
	"github.com/pbrowne011/StelluxOS/kernel/mem/pmm"
)

var (
	// nextAddrFn is used by tests to override the nextTableAddr
	// calculations used by Map. When compiling the kernel this function
	// will be automatically inlined.
	nextAddrFn = func(entryAddr uintptr) uintptr {
		return entryAddr
	}

	// flushTLBEntryFn is used by tests to override calls to
	// cpu.FlushTLBEntry, which will fault if called outside ring 0.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// flushTLBAllFn is used by tests to override calls to cpu.FlushTLBAll.
	flushTLBAllFn = cpu.FlushTLBAll

	earlyReserveRegionFn = EarlyReserveRegion

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// Map establishes a mapping between a virtual page and a physical memory
// frame in the currently active page table. Calls to Map use the registered
// frame allocator to initialize missing intermediate page tables.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			var newTableFrame pmm.Frame
			newTableFrame, err = frameAllocator()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagWritable | FlagUserspace)

			nextTableAddr := uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1]
			mem.Memset(nextAddrFn(nextTableAddr), 0, mem.PageSize)
		}

		return true
	})

	return err
}

// MapPage implements the paging component's mapPage(virt, phys, flags, root)
// operation: it maps a virtual address to a physical frame within the
// address space rooted at root, which need not be the active table.
func MapPage(virtAddr uintptr, frame pmm.Frame, flags PageTableEntryFlag, root TopLevelPageTable) *kernel.Error {
	var err *kernel.Error
	root.withRootMapped(func() {
		err = Map(PageFromAddress(virtAddr), frame, flags)
	})
	return err
}

// UnmapPage implements the paging component's unmapPage(virt, root)
// operation.
func UnmapPage(virtAddr uintptr, root TopLevelPageTable) *kernel.Error {
	var err *kernel.Error
	root.withRootMapped(func() {
		err = Unmap(PageFromAddress(virtAddr))
	})
	return err
}

// MarkPageUncacheable implements the paging component's
// markPageUncacheable(virt) operation against the currently active address
// space: it sets CACHE_DISABLED and WRITE_THROUGH on the final-level PTE so
// reads/writes bypass the cache, as required for MMIO windows.
func MarkPageUncacheable(virtAddr uintptr) *kernel.Error {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return err
	}

	pte.SetFlags(FlagCacheDisabled | FlagWriteThrough)
	flushTLBEntryFn(PageFromAddress(virtAddr).Address())
	return nil
}

// FlushTlb implements the paging component's flushTlb(virt) operation.
func FlushTlb(virtAddr uintptr) {
	flushTLBEntryFn(virtAddr)
}

// FlushTlbAll implements the paging component's flushTlbAll() operation.
func FlushTlbAll() {
	flushTLBAllFn()
}

// MapRegion establishes a mapping to the physical memory region which
// starts at the given frame and ends at frame + pages(size) in the
// currently active address space. The size argument is rounded up to the
// nearest page boundary. MapRegion reserves the next available region in
// the active virtual address space and returns the Page that corresponds
// to the region start.
func MapRegion(frame pmm.Frame, size mem.Size, flags PageTableEntryFlag) (Page, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) & ^(mem.PageSize - 1)
	startPage, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	pageCount := size >> mem.PageShift
	for page := PageFromAddress(startPage); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := Map(page, frame, flags); err != nil {
			return 0, err
		}
	}

	return PageFromAddress(startPage), nil
}

// MapTemporary establishes a temporary RW mapping of a physical memory
// frame to a fixed virtual address in the currently active table,
// overwriting any previous mapping there. It is used to access and
// initialize page tables and other structures that are not (yet) reachable
// through their eventual mapping.
func MapTemporary(frame pmm.Frame) (Page, *kernel.Error) {
	if err := Map(PageFromAddress(tempMappingAddr), frame, FlagPresent|FlagWritable); err != nil {
		return 0, err
	}

	return PageFromAddress(tempMappingAddr), nil
}

// Unmap removes a mapping previously installed via Map or MapTemporary in
// the currently active address space.
func Unmap(page Page) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

package vmm

import (
	"unsafe"

	"github.com/pbrowne011/StelluxOS/kernel"
	"github.com/pbrowne011/StelluxOS/kernel/cpu"
	"github.com/pbrowne011/StelluxOS/kernel/mem"
	"github.com/pbrowne011/StelluxOS/kernel/mem/pmm"
)

var (
	// activeTopLevelTableFn and switchTopLevelTableFn are used by tests to
	// override the asm-backed CR3 accessors, which fault outside ring 0.
	activeTopLevelTableFn = cpu.ActivePDT
	switchTopLevelTableFn = cpu.SwitchPDT
)

// TopLevelPageTable is a handle to the root of a 4- (or 5-, under LA57)
// level page table hierarchy. The root named by spec's mapPage/unmapPage
// operations is a TopLevelPageTable value, not necessarily the one
// currently loaded into CR3.
type TopLevelPageTable struct {
	frame pmm.Frame
}

// NewTopLevelPageTable allocates and zero-initializes a brand new top-level
// page table and installs the recursive self-mapping entry that later
// allows the table (once active) to be walked as ordinary memory.
func NewTopLevelPageTable() (TopLevelPageTable, *kernel.Error) {
	frame, err := frameAllocator()
	if err != nil {
		return TopLevelPageTable{}, err
	}

	root := TopLevelPageTable{frame: frame}
	if err := root.init(); err != nil {
		return TopLevelPageTable{}, err
	}

	return root, nil
}

func (root TopLevelPageTable) init() *kernel.Error {
	page, err := MapTemporary(root.frame)
	if err != nil {
		return err
	}

	mem.Memset(page.Address(), 0, mem.PageSize)

	lastEntryOffset := (uintptr(1<<pageLevelBits[pageLevels-1]) - 1) << mem.PointerShift
	lastEntry := (*pageTableEntry)(unsafe.Pointer(page.Address() + lastEntryOffset))
	*lastEntry = 0
	lastEntry.SetFlags(FlagPresent | FlagWritable)
	lastEntry.SetFrame(root.frame)

	return Unmap(page)
}

// isActive reports whether root is the page table currently loaded in CR3.
func (root TopLevelPageTable) isActive() bool {
	return pmm.Frame(activeTopLevelTableFn()>>mem.PageShift) == root.frame
}

// recursiveSlotAddr returns the address of the active table's last entry,
// the slot used for the recursive self-mapping trick.
func recursiveSlotAddr() uintptr {
	activeFrame := pmm.Frame(activeTopLevelTableFn() >> mem.PageShift)
	return activeFrame.Address() + ((uintptr(1<<pageLevelBits[0])-1)<<mem.PointerShift)
}

// withRootMapped temporarily splices root into the active table's
// recursive slot (unless root is already active) so that walk() — which
// always addresses tables through the active recursive mapping — can reach
// a table belonging to an address space that is not currently loaded.
func (root TopLevelPageTable) withRootMapped(fn func()) {
	if root.isActive() {
		fn()
		return
	}

	slotAddr := recursiveSlotAddr()
	slotEntry := (*pageTableEntry)(unsafe.Pointer(slotAddr))
	prevFrame := slotEntry.Frame()

	slotEntry.SetFrame(root.frame)
	flushTLBEntryFn(slotAddr)

	fn()

	slotEntry.SetFrame(prevFrame)
	flushTLBEntryFn(slotAddr)
}

// Activate loads root into CR3, making it the live address space.
func (root TopLevelPageTable) Activate() {
	switchTopLevelTableFn(root.frame.Address())
}

// GetCurrentTopLevelPageTable returns the page table currently loaded in
// CR3.
func GetCurrentTopLevelPageTable() TopLevelPageTable {
	return TopLevelPageTable{frame: pmm.Frame(activeTopLevelTableFn() >> mem.PageShift)}
}

// GetGlobalPageFrameAllocator returns the frame allocator function
// registered via SetFrameAllocator, used by the paging layer to allocate
// intermediate page table frames.
func GetGlobalPageFrameAllocator() FrameAllocatorFn {
	return frameAllocator
}

// +build amd64

package vmm

// maxPageLevels bounds how many paging levels x86-64 can ever have (4
// standard + 1 LA57 level); used to size fixed-length arrays that must have
// a compile-time constant length.
const maxPageLevels = 5

// pageLevels is the number of page table levels the currently active paging
// mode uses. It defaults to 4 (standard x86-64 paging) and is bumped to 5 by
// EnableLA57 when the CPU advertises 5-level paging support and the kernel
// chooses to use it.
var pageLevels uint8 = 4

// pageLevelShifts holds, for each paging level counted from the top-level
// table down, the bit offset of the virtual address field that indexes that
// level's table under 4-level paging.
var pageLevelShifts = [maxPageLevels]uint8{39, 30, 21, 12}

// pageLevelBits holds the number of virtual address bits consumed by each
// paging level's index (9 bits -> 512 entries per table on every level
// except the 4 KiB page offset itself).
var pageLevelBits = [maxPageLevels]uint8{9, 9, 9, 9, 9}

// ptePhysPageMask masks out the physical frame address bits of a page table
// entry, excluding the low flag bits and the high NX/reserved bits.
const ptePhysPageMask = 0x000ffffffffff000

// pdtVirtualAddr is the recursively-mapped virtual address of the active
// top-level page table. The kernel reserves the last top-level slot for this
// purpose so that every table at every level is reachable as ordinary
// memory once the top-level table maps itself into that slot.
const pdtVirtualAddr = 0xfffffffffffff000

// tempMappingAddr is the fixed virtual address used by MapTemporary to
// access a physical frame that may not otherwise be mapped (e.g. an
// inactive page table, or a page being zeroed before its first real use).
const tempMappingAddr = 0xffffff7fbfdfd000

// PageTableEntryFlag describes a flag that can be applied to a page table
// entry.
type PageTableEntryFlag uintptr

// Flag bits. FlagPresent, FlagHugePage and FlagNoExecute are implementation
// details of the PTE format rather than part of the caller-facing flag set
// named by the paging component's operations, but they still need names.
const (
	FlagPresent PageTableEntryFlag = 1 << 0

	// FlagWritable corresponds to the WRITABLE flag.
	FlagWritable PageTableEntryFlag = 1 << 1

	// FlagUserspace corresponds to the USERSPACE flag; when unset the
	// page is only accessible at ring 0 (the KERNEL flag).
	FlagUserspace PageTableEntryFlag = 1 << 2

	// FlagWriteThrough corresponds to the WRITE_THROUGH flag.
	FlagWriteThrough PageTableEntryFlag = 1 << 3

	// FlagCacheDisabled corresponds to the CACHE_DISABLED flag.
	FlagCacheDisabled PageTableEntryFlag = 1 << 4

	FlagHugePage  PageTableEntryFlag = 1 << 7
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// KernelPage and UserspacePage are the two mutually exclusive privilege
// flags named by the paging component's flag set. KernelPage is the zero
// value: a mapping is kernel-only unless UserspacePage is explicitly ORed
// in.
const (
	KernelPage    PageTableEntryFlag = 0
	UserspacePage                   = FlagUserspace
	CacheDisabled                   = FlagCacheDisabled
	WriteThrough                    = FlagWriteThrough
	Writable                        = FlagWritable
)

// Package apic drives the local APIC: MSR-based discovery, MMIO register
// access, IPI delivery and end-of-interrupt signalling.
package apic

import (
	"sync/atomic"
	"unsafe"

	"github.com/pbrowne011/StelluxOS/kernel/cpu"
	"github.com/pbrowne011/StelluxOS/kernel/mem"
	"github.com/pbrowne011/StelluxOS/kernel/mem/pmm"
	"github.com/pbrowne011/StelluxOS/kernel/mem/vmm"
)

const (
	// iA32ApicBaseMSR is the model-specific register holding the LAPIC's
	// physical base address and enable bit.
	iA32ApicBaseMSR = 0x1b

	// apicEnableBit, once set in IA32_APIC_BASE, globally enables the
	// local APIC.
	apicEnableBit = 1 << 11

	// regSpuriousVector is the spurious-interrupt-vector register offset.
	regSpuriousVector = 0xf0

	// regEOI is the end-of-interrupt register offset; any write to it
	// signals completion of the current interrupt.
	regEOI = 0xb0

	// regICRLo/regICRHi are the low/high halves of the interrupt command
	// register used to issue IPIs.
	regICRLo = 0x300
	regICRHi = 0x310

	// apicSWEnableBit, OR'd into the spurious vector register, keeps the
	// APIC enabled after programming the spurious vector.
	apicSWEnableBit = 1 << 8

	// spuriousVector is the vector number delivered for spurious
	// interrupts; any otherwise-unused vector works.
	spuriousVector = 0xff
)

var (
	lapicBase     uintptr
	lapicPhysBase uintptr

	readMSRFn  = cpu.ReadMSR
	writeMSRFn = cpu.WriteMSR

	mapPageFn  = vmm.MapPage
	flushTLBFn = vmm.FlushTlbAll
)

// Init discovers the LAPIC's physical base from IA32_APIC_BASE, ensures the
// enable bit is set, maps its 4 KiB MMIO window into the kernel address
// space and programs the spurious interrupt vector. Calling Init more than
// once is a no-op.
func Init() {
	if lapicBase != 0 {
		return
	}

	apicBaseMSR := readMSRFn(iA32ApicBaseMSR)
	apicBaseMSR |= apicEnableBit
	writeMSRFn(iA32ApicBaseMSR, apicBaseMSR)

	lapicPhysBase = uintptr(apicBaseMSR) &^ 0xfff

	virtAddr, err := vmm.EarlyReserveRegion(mem.PageSize)
	if err != nil {
		return
	}

	// The LAPIC's physical window isn't a PFA-owned frame; map it
	// directly at its physical frame index, matching the original's
	// USERSPACE-flagged mapping of raw MMIO (see DESIGN.md Open Question).
	frame := pmm.Frame(lapicPhysBase >> mem.PageShift)
	if err := mapPageFn(virtAddr, frame, vmm.UserspacePage|vmm.Writable|vmm.CacheDisabled, vmm.GetCurrentTopLevelPageTable()); err != nil {
		return
	}
	flushTLBFn()

	lapicBase = virtAddr

	spurious := ReadRegister(regSpuriousVector)
	spurious |= apicSWEnableBit
	spurious |= spuriousVector
	WriteRegister(regSpuriousVector, spurious)
}

// Base returns the virtual address the LAPIC's MMIO window was mapped to.
func Base() uintptr {
	return lapicBase
}

// PhysicalBase returns the LAPIC's physical MMIO base address.
func PhysicalBase() uintptr {
	return lapicPhysBase
}

// ReadRegister reads the 32-bit LAPIC register at byte offset reg using a
// non-reorderable, non-duplicatable volatile access (the same sync/atomic
// substitute for C++ volatile that kernel/sync.Spinlock uses).
func ReadRegister(reg uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(lapicBase + uintptr(reg))))
}

// WriteRegister writes value to the 32-bit LAPIC register at byte offset reg.
func WriteRegister(reg uint32, value uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(lapicBase+uintptr(reg))), value)
}

// EOI signals completion of the interrupt currently being serviced.
func EOI() {
	WriteRegister(regEOI, 0)
}

// SendIPI issues an inter-processor interrupt carrying vector to the CPU
// identified by apicID.
func SendIPI(apicID uint8, vector uint32) {
	WriteRegister(regICRHi, uint32(apicID)<<24)
	WriteRegister(regICRLo, vector|(1<<14))
}

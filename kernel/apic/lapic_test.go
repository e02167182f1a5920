package apic

import (
	"testing"
	"unsafe"

	"github.com/pbrowne011/StelluxOS/kernel"
	"github.com/pbrowne011/StelluxOS/kernel/mem/pmm"
	"github.com/pbrowne011/StelluxOS/kernel/mem/vmm"
)

func resetLapicState() {
	lapicBase = 0
	lapicPhysBase = 0
	readMSRFn = readMSRStub
	writeMSRFn = writeMSRStub
	mapPageFn = vmm.MapPage
	flushTLBFn = vmm.FlushTlbAll
}

func readMSRStub(uint32) uint64  { return 0 }
func writeMSRStub(uint32, uint64) {}

func TestInitProgramsApicBaseAndMapsMMIOWindow(t *testing.T) {
	defer resetLapicState()
	resetLapicState()

	const physBase = 0xfee00000

	readMSRFn = func(msr uint32) uint64 {
		if msr != iA32ApicBaseMSR {
			t.Fatalf("unexpected MSR read: %x", msr)
		}
		return physBase
	}

	var writtenMSR uint64
	writeMSRFn = func(msr uint32, value uint64) {
		if msr != iA32ApicBaseMSR {
			t.Fatalf("unexpected MSR write: %x", msr)
		}
		writtenMSR = value
	}

	var mappedAddr uintptr
	var mappedFrame pmm.Frame
	var mappedFlags vmm.PageTableEntryFlag
	mapPageFn = func(virtAddr uintptr, frame pmm.Frame, flags vmm.PageTableEntryFlag, _ vmm.TopLevelPageTable) *kernel.Error {
		mappedAddr = virtAddr
		mappedFrame = frame
		mappedFlags = flags
		return nil
	}

	var flushed bool
	flushTLBFn = func() { flushed = true }

	Init()

	if writtenMSR&apicEnableBit == 0 {
		t.Fatal("expected Init to set the APIC enable bit before writing the MSR back")
	}
	if PhysicalBase() != physBase&^0xfff {
		t.Fatalf("expected physical base %#x; got %#x", physBase&^0xfff, PhysicalBase())
	}
	if mappedFrame.Address() != PhysicalBase() {
		t.Fatalf("expected the mapped frame to cover the LAPIC's physical base")
	}
	if mappedFlags&vmm.UserspacePage == 0 {
		t.Fatal("expected the LAPIC MMIO window to be mapped with the userspace flag")
	}
	if !flushed {
		t.Fatal("expected Init to flush the TLB after mapping")
	}
	if Base() != mappedAddr {
		t.Fatalf("expected Base() to return the mapped virtual address")
	}
}

func TestInitIsIdempotent(t *testing.T) {
	defer resetLapicState()
	resetLapicState()
	lapicBase = 0x1234

	mapCalls := 0
	mapPageFn = func(uintptr, pmm.Frame, vmm.PageTableEntryFlag, vmm.TopLevelPageTable) *kernel.Error {
		mapCalls++
		return nil
	}

	Init()

	if mapCalls != 0 {
		t.Fatal("expected a second Init call to be a no-op")
	}
}

func TestRegisterReadWrite(t *testing.T) {
	defer resetLapicState()
	resetLapicState()

	backing := make([]uint32, 64)
	lapicBase = uintptr(unsafe.Pointer(&backing[0]))

	WriteRegister(regEOI, 0xdeadbeef)
	if got := ReadRegister(regEOI); got != 0xdeadbeef {
		t.Fatalf("expected to read back 0xdeadbeef; got %#x", got)
	}
}

func TestEOIWritesZeroToEOIRegister(t *testing.T) {
	defer resetLapicState()
	resetLapicState()

	backing := make([]uint32, 64)
	lapicBase = uintptr(unsafe.Pointer(&backing[0]))

	backing[regEOI/4] = 0xff
	EOI()

	if backing[regEOI/4] != 0 {
		t.Fatalf("expected EOI to zero the register; got %#x", backing[regEOI/4])
	}
}

func TestSendIPIProgramsICR(t *testing.T) {
	defer resetLapicState()
	resetLapicState()

	backing := make([]uint32, 256)
	lapicBase = uintptr(unsafe.Pointer(&backing[0]))

	SendIPI(7, 0x30)

	if got := backing[regICRHi/4]; got != 7<<24 {
		t.Fatalf("expected ICR HI to carry the destination APIC ID; got %#x", got)
	}
	if got := backing[regICRLo/4]; got != 0x30|(1<<14) {
		t.Fatalf("expected ICR LO to carry the vector with the delivery bit set; got %#x", got)
	}
}

package vmm

import (
	"github.com/pbrowne011/StelluxOS/kernel"
	"github.com/pbrowne011/StelluxOS/kernel/cpu"
	"github.com/pbrowne011/StelluxOS/kernel/irq"
	"github.com/pbrowne011/StelluxOS/kernel/kfmt"
	"github.com/pbrowne011/StelluxOS/kernel/mem/pmm"
)

var (
	// frameAllocator points to a frame allocator function registered
	// using SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2
	cpuidFn                   = cpu.ID

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used
// by the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// EnableLA57 switches the paging layer to 5-level tables when the running
// CPU advertises support for it (CPUID.(EAX=07H,ECX=0):ECX.LA57[bit 16]).
// It has no effect (and does nothing) if the CPU does not support LA57;
// the kernel falls back to standard 4-level paging, which the teacher's
// code always assumed.
func EnableLA57() bool {
	_, _, ecx, _ := cpuidFn(7)
	if ecx&(1<<16) == 0 {
		return false
	}

	pageLevels = 5
	return true
}

func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	faultAddress := uintptr(readCR2Fn())
	nonRecoverablePageFault(faultAddress, errorCode, frame, regs, errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case errorCode == 0:
		kfmt.Printf("read from non-present page")
	case errorCode == 1:
		kfmt.Printf("page protection violation (read)")
	case errorCode == 2:
		kfmt.Printf("write to non-present page")
	case errorCode == 3:
		kfmt.Printf("page protection violation (write)")
	case errorCode == 4:
		kfmt.Printf("page-fault in user-mode")
	case errorCode == 8:
		kfmt.Printf("page table has reserved bit set")
	case errorCode == 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()

	panic(err)
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	panic(errUnrecoverableFault)
}

// Init initializes the vmm package: it registers the page/general
// protection fault handlers that turn an unrecoverable fault into a
// diagnostic panic, per spec's "allocation failure is fatal in kernel
// context" contract.
func Init() *kernel.Error {
	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
	return nil
}

// Package kmain assembles every other package in this repository into the
// kernel's single boot sequence.
package kmain

import (
	"sort"

	"github.com/pbrowne011/StelluxOS/device"
	"github.com/pbrowne011/StelluxOS/kernel"
	"github.com/pbrowne011/StelluxOS/kernel/apic"
	"github.com/pbrowne011/StelluxOS/kernel/boot"
	"github.com/pbrowne011/StelluxOS/kernel/gate"
	"github.com/pbrowne011/StelluxOS/kernel/goruntime"
	"github.com/pbrowne011/StelluxOS/kernel/irq"
	"github.com/pbrowne011/StelluxOS/kernel/kfmt"
	"github.com/pbrowne011/StelluxOS/kernel/mem/pmm/allocator"
	"github.com/pbrowne011/StelluxOS/kernel/mem/vmm"
	"github.com/pbrowne011/StelluxOS/kernel/serial"

	_ "github.com/pbrowne011/StelluxOS/kernel/driver/usb/xhci"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// serialOut is the COM port kfmt.Printf is redirected to once the UART is
// live; matches the teacher's "terminal, then everything else" ordering.
const serialOut = serial.COM1

// Kmain is the sole Go entry point the rt0 assembly stub calls, with the
// stack already switched onto the boot stack described in paramBlockPtr.
// It is not expected to return.
//
//go:noinline
func Kmain(paramBlockPtr uintptr) {
	boot.Receive(paramBlockPtr)

	serial.Init(serialOut)
	kfmt.SetOutputSink(serial.Writer{Port: serialOut})

	allocator.Init()
	vmm.SetFrameAllocator(allocator.AllocFrame)

	// gate.Init must run before anything registers a handler (vmm.Init,
	// irq.InstallTimerHandler): it rebuilds the IDT from scratch, marking
	// every gate non-present, which would wipe out handlers installed
	// before it runs.
	gate.Init()
	apic.Init()
	irq.InstallTimerHandler()

	var err *kernel.Error
	if err = vmm.Init(); err != nil {
		kfmt.Panic(err)
	} else if err = goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	detectHardware()

	kfmt.Panic(errKmainReturned)
}

// detectHardware runs every registered device.ProbeFn in DetectOrder and
// initializes whichever drivers find their hardware present, mirroring the
// teacher's hal.DetectHardware probe loop generalized over device.DriverList
// instead of a single hard-coded console/video pass.
func detectHardware() {
	drivers := device.DriverList()
	sort.Sort(drivers)

	for _, info := range drivers {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		major, minor, patch := drv.DriverVersion()
		kfmt.Printf("[*] Detected %s v%d.%d.%d\n", drv.DriverName(), major, minor, patch)

		if err := drv.DriverInit(serial.Writer{Port: serialOut}); err != nil {
			kfmt.Printf("[*] %s init failed: %s\n", drv.DriverName(), err.Error())
		}
	}
}

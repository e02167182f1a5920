package irq

import (
	"github.com/pbrowne011/StelluxOS/kernel/apic"
	"github.com/pbrowne011/StelluxOS/kernel/gate"
	"github.com/pbrowne011/StelluxOS/kernel/sched"
)

// TimerVector is the IDT slot the LAPIC timer is programmed to fire on.
// Vectors below 0x20 are reserved for CPU exceptions, so the first
// available IRQ vector is used, matching the standard PIC/APIC remap.
const TimerVector = gate.InterruptNumber(0x20)

// eoiFn acknowledges the interrupt currently being serviced. It is a test
// seam over apic.EOI, which dereferences the LAPIC's mapped MMIO window and
// so cannot run outside a kernel with apic.Init already called.
var eoiFn = apic.EOI

// InstallTimerHandler registers the scheduler tick as the handler for
// TimerVector. It must be called after gate.Init so the IDT already exists.
func InstallTimerHandler() {
	gate.HandleInterrupt(TimerVector, 0, timerTick)
}

// timerTick is invoked on every LAPIC timer interrupt. It advances the
// round-robin scheduler and acknowledges the interrupt so further timer
// ticks are delivered.
func timerTick(_ *gate.Registers) {
	sched.Global().SwitchToNextTask()
	eoiFn()
}

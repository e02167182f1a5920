package kfmt

import (
	"github.com/pbrowne011/StelluxOS/kernel"
	"github.com/pbrowne011/StelluxOS/kernel/cpu"
	"github.com/pbrowne011/StelluxOS/kernel/log"
	"github.com/pbrowne011/StelluxOS/kernel/serial"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// drainLogToSerialFn flushes whatever has accumulated in the kernel log
	// ring to the serial port. It is mocked by tests, since a real call
	// would touch COM1's I/O ports.
	drainLogToSerialFn = drainLogToSerial

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// drainLogToSerial copies every byte currently buffered in the kernel log
// to COM1. It runs as the last step before halting so that a crash is
// visible on the serial console even if Printf's regular output sink
// (a framebuffer console, say) is itself what's broken.
func drainLogToSerial() {
	log.Drain(serial.Writer{Port: serial.COM1})
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return. Panic also works as a redirection target
// for calls to panic() (resolved via runtime.gopanic)
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	drainLogToSerialFn()
	cpuHaltFn()
}

// panicString serves as a redirect target for runtime.throw
//go:redirect-from runtime.throw
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}

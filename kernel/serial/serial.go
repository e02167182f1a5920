// Package serial drives the legacy 16550-compatible UARTs at the standard
// x86 COM port addresses via polled, programmed I/O.
package serial

import "github.com/pbrowne011/StelluxOS/kernel/cpu"

// Port identifies one of the four standard COM port base I/O addresses.
type Port uint16

// Standard PC COM port base addresses.
const (
	COM1 Port = 0x3f8
	COM2 Port = 0x2f8
	COM3 Port = 0x3e8
	COM4 Port = 0x2e8
)

const (
	regData       = 0
	regIntEnable  = 1
	regDivisorLo  = 0
	regDivisorHi  = 1
	regFIFOCtrl   = 2
	regLineCtrl   = 3
	regModemCtrl  = 4
	regLineStatus = 5

	lineStatusTxEmpty = 1 << 5
)

var (
	// portWriteByteFn and portReadByteFn are used by tests to override the
	// asm-backed port I/O primitives, which fault outside ring 0.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// Init programs port for 38400 baud, 8 data bits, no parity, one stop bit,
// and enables its FIFO. It matches the minimal UART bring-up every
// polled-output serial driver in this style performs.
func Init(port Port) {
	base := uint16(port)

	portWriteByteFn(base+regIntEnable, 0x00) // disable UART interrupts; this driver polls
	portWriteByteFn(base+regLineCtrl, 0x80)  // enable DLAB to program the baud divisor
	portWriteByteFn(base+regDivisorLo, 0x03) // divisor = 3 -> 38400 baud
	portWriteByteFn(base+regDivisorHi, 0x00)
	portWriteByteFn(base+regLineCtrl, 0x03)  // 8 bits, no parity, one stop bit; clears DLAB
	portWriteByteFn(base+regFIFOCtrl, 0xc7)  // enable + clear FIFOs, 14-byte trigger
	portWriteByteFn(base+regModemCtrl, 0x0b) // DTR, RTS, OUT2
}

// WriteByte blocks until the transmit holding register is empty and then
// writes b to port.
func WriteByte(port Port, b byte) {
	base := uint16(port)
	for portReadByteFn(base+regLineStatus)&lineStatusTxEmpty == 0 {
	}
	portWriteByteFn(base+regData, b)
}

// Writer implements io.Writer against a fixed COM port, one byte at a time.
// It never returns an error.
type Writer struct {
	Port Port
}

func (w Writer) Write(p []byte) (int, error) {
	for _, b := range p {
		WriteByte(w.Port, b)
	}
	return len(p), nil
}

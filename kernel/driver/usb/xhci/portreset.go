package xhci

import (
	"github.com/pbrowne011/StelluxOS/kernel"
	"github.com/pbrowne011/StelluxOS/kernel/errors"
	"github.com/pbrowne011/StelluxOS/kernel/kfmt"
)

var errPortDidNotReset = &kernel.Error{Module: "xhci", Message: "port did not reset", Kind: errors.HardwareTimeout}

// sleepFn is a test seam over the busy-wait millisecond sleep every
// polling loop in this driver uses. It is mocked in tests so timeout paths
// run instantly instead of for real wall-clock milliseconds.
var sleepFn = busyWaitMillis

func portRegsBase(opBase uintptr, portNum uint8) uintptr {
	return opBase + opOffPortRegsBase + uintptr(portNum)*portRegSetSize
}

func readPortsc(opBase uintptr, portNum uint8) uint32 {
	return readReg32(portRegsBase(opBase, portNum), 0)
}

func writePortsc(opBase uintptr, portNum uint8, value uint32) {
	writeReg32(portRegsBase(opBase, portNum), 0, value)
}

// resetPort drives the port reset state machine for portNum (spec §4.8.7):
// it powers the port on if needed, clears the connect-status-change bit,
// asserts the USB3 warm reset or USB2 reset bit, and polls for either
// reset-change bit (PRC or WRC) before confirming the port enabled.
func resetPort(opBase uintptr, portNum uint8, isUSB3 bool) bool {
	portsc := readPortsc(opBase, portNum)

	if portsc&portscPP == 0 {
		writePortsc(opBase, portNum, portsc|portscPP)
		sleepFn(20)

		portsc = readPortsc(opBase, portNum)
		if portsc&portscPP == 0 {
			kfmt.Printf("Port %d: Bad Reset\n", portNum)
			return false
		}
	}

	// Clear connect status change by writing 1 back (RW1C).
	writePortsc(opBase, portNum, (portsc&^clearableBits)|portscCSC)

	resetBit := uint32(portscPR)
	if isUSB3 {
		resetBit = portscWPR
	}

	// The xHCI spec allows a USB3 port to signal reset completion via
	// either WRC or PRC; poll for both rather than trusting isUSB3 alone.
	const changeBits = portscPRC | portscWRC

	portsc = readPortsc(opBase, portNum)
	writePortsc(opBase, portNum, (portsc&^(clearableBits|portscPED))|resetBit)

	timeout := 500
	for timeout > 0 {
		portsc = readPortsc(opBase, portNum)
		if portsc&changeBits != 0 {
			break
		}
		timeout--
		sleepFn(1)
	}

	if timeout == 0 {
		return false
	}

	sleepFn(3)
	portsc = readPortsc(opBase, portNum)
	if portsc&portscPED == 0 {
		return false
	}

	writePortsc(opBase, portNum, (portsc&^clearableBits)|portscCSC)
	return true
}

// clearableBits is every RW1C bit this driver is aware of in PORTSC; when
// writing a non-change bit (PP, PR, WPR, ...) these must be masked out of
// the read-modify-write value so the write doesn't accidentally clear a
// change bit the driver didn't intend to acknowledge.
const clearableBits = portscCSC | portscPEC | portscWRC | portscPRC

package xhci

import (
	"unsafe"

	"github.com/pbrowne011/StelluxOS/kernel"
	"github.com/pbrowne011/StelluxOS/kernel/errors"
	"github.com/pbrowne011/StelluxOS/kernel/mem"
)

var errCommandTimeout = &kernel.Error{Module: "xhci", Message: "command completion event did not arrive in time", Kind: errors.HardwareTimeout}

// commandPollAttempts bounds how many times waitForCommandCompletion polls
// the event ring before giving up. The original driver polls with sleeps
// rather than a condition variable (spec §9 design note); this is the
// literal polling translation, not the suggested production rewrite.
const commandPollAttempts = 1000

// submitCommand enqueues trb onto the command ring and rings the command
// doorbell, returning the physical address of the slot it was written
// into — the key waitForCommandCompletion matches against (spec §4.8.11
// "wake a waiter keyed by command TRB physical address").
func (d *Driver) submitCommand(trb TRB) uintptr {
	addr := d.cmdRing.Enqueue(trb)
	d.RingCommandDoorbell()
	return addr
}

// waitForCommandCompletion polls the event ring until a Command Completion
// Event referencing cmdPhysAddr arrives, or commandPollAttempts is
// exhausted.
func (d *Driver) waitForCommandCompletion(cmdPhysAddr uintptr) (TRB, *kernel.Error) {
	for attempt := 0; attempt < commandPollAttempts; attempt++ {
		var found *TRB
		d.eventRing.Drain(func(ev TRB) {
			if found != nil {
				return
			}
			if ev.Type() == TRBTypeCommandCompletionEvent && uintptr(ev.Parameter) == cmdPhysAddr {
				e := ev
				found = &e
			}
		})

		d.acknowledgeEvents()

		if found != nil {
			return *found, nil
		}

		sleepFn(1)
	}

	return TRB{}, errCommandTimeout
}

// acknowledgeEvents clears the interrupt-pending bit in IMAN and
// USBSTS.EINT and reprograms ERDP to the event ring's current dequeue
// pointer, per spec §4.8.11 (both are RW1C — writing 1 clears them).
func (d *Driver) acknowledgeEvents() {
	irs := interrupterRegSet(d.rtBase, 0)

	writeReg32(irs, irsOffIMAN, readReg32(irs, irsOffIMAN)|imanInterruptPending)
	writeReg32(d.opBase, opOffUSBSts, usbStsEINT)

	erdp := uint64(d.eventRing.DequeuePhysAddr())
	writeReg64(irs, irsOffERDP, erdp)
}

// EnableSlot issues the Enable Slot command and returns the slot id the
// controller assigns (spec §4.8.10 step 1).
func (d *Driver) EnableSlot() (uint8, *kernel.Error) {
	var trb TRB
	trb.SetType(TRBTypeEnableSlotCommand)

	addr := d.submitCommand(trb)
	completion, err := d.waitForCommandCompletion(addr)
	if err != nil {
		return 0, err
	}
	if completion.CompletionCode() != CompletionCodeSuccess {
		return 0, errCommandFailed
	}

	return uint8(completion.SlotID()), nil
}

// addressDevice issues an Address Device command for slot, optionally
// with the Block Set Address Request bit set (BSR=1 skips SET_ADDRESS on
// the wire, used for the first pass that only reads the device
// descriptor — spec §4.8.10 step 5).
func (d *Driver) addressDevice(slot uint8, inputCtxPhys uintptr, bsr bool) *kernel.Error {
	var trb TRB
	trb.Parameter = uint64(inputCtxPhys)
	trb.SetType(TRBTypeAddressDeviceCommand)
	trb.Control = (trb.Control &^ (0xff << 24)) | (uint32(slot) << 24)
	if bsr {
		trb.Control |= 1 << 9
	}

	addr := d.submitCommand(trb)
	completion, err := d.waitForCommandCompletion(addr)
	if err != nil {
		return err
	}
	if completion.CompletionCode() != CompletionCodeSuccess {
		return errCommandFailed
	}

	return nil
}

// EnumerateDevice drives device enumeration for portNum after a port
// reset has completed with CCS=1 (spec §4.8.10): enable a slot, allocate a
// device context and a control-endpoint transfer ring, build and submit an
// input context, address the device with BSR=1, read its device
// descriptor, then address it again with BSR=0.
func (d *Driver) EnumerateDevice(portNum uint8) *kernel.Error {
	slot, err := d.EnableSlot()
	if err != nil {
		return err
	}

	_, devCtxPhys, err := dmaAllocFn(contextSize*2, deviceCtxAlignment, deviceCtxBoundary)
	if err != nil {
		return err
	}

	dcbaaSlice := unsafe.Slice((*uint64)(unsafe.Pointer(d.dcbaaVirt)), int(d.caps.MaxDeviceSlots)+1)
	dcbaaSlice[slot] = uint64(devCtxPhys)

	xferRing, err := NewRing()
	if err != nil {
		return err
	}

	portsc := readPortsc(d.opBase, portNum)
	speed := portSpeed(portsc)

	inputCtxVirt, inputCtxPhys, err := dmaAllocFn(int(unsafe.Sizeof(inputContext{})), deviceCtxAlignment, deviceCtxBoundary)
	if err != nil {
		return err
	}
	input := (*inputContext)(unsafe.Pointer(inputCtxVirt))
	*input = inputContext{}
	input.control.addFlags = inputControlA0 | inputControlA1

	input.slot.setContextEntries(1)
	input.slot.setSpeed(speed)
	input.slot.setRootHubPort(portNum + 1)
	input.slot.setInterrupterTarget(0)

	input.endpoint0.setEndpointType(endpointTypeControl)
	input.endpoint0.setErrorCount(3)
	input.endpoint0.setMaxPacketSize(maxPacketSizeForSpeed(speed))
	input.endpoint0.setDequeuePtr(xferRing.PhysBase(), xferRing.CycleState())
	input.endpoint0.setAverageTRBLength(8)

	if err := d.addressDevice(slot, inputCtxPhys, true); err != nil {
		return err
	}

	descriptor, err := d.readDeviceDescriptor(slot, xferRing)
	if err != nil {
		return err
	}

	input.endpoint0.setMaxPacketSize(uint16(descriptor[7]))

	return d.addressDevice(slot, inputCtxPhys, false)
}

// readDeviceDescriptor issues a three-TRB control transfer on xferRing to
// read the device's 8-byte device descriptor (spec §4.8.10 step 5):
// {Setup(GET_DESCRIPTOR, DEVICE, len=8), Data(IN, len=8), EventData}.
func (d *Driver) readDeviceDescriptor(slot uint8, xferRing *Ring) ([8]byte, *kernel.Error) {
	var descriptor [8]byte

	bufVirt, bufPhys, err := dmaAllocFn(8, 8, uintptr(mem.PageSize))
	if err != nil {
		return descriptor, err
	}

	const (
		reqGetDescriptor = 0x06
		descTypeDevice   = 0x01
	)

	setup := setupPacket{
		bmRequestType: 0x80, // device-to-host, standard, device
		bRequest:      reqGetDescriptor,
		wValue:        descTypeDevice << 8,
		wIndex:        0,
		wLength:       8,
	}

	var setupTRB TRB
	setupTRB.Parameter = setup.asParameter()
	setupTRB.Status = 8
	setupTRB.SetType(TRBTypeSetupStage)
	setupTRB.Control |= 1 << 6 // IDT: immediate data
	setupTRB.Control = (setupTRB.Control &^ (0x3 << 16)) | (3 << 16) // TRT=3, IN data stage

	var dataTRB TRB
	dataTRB.Parameter = uint64(bufPhys)
	dataTRB.Status = 8
	dataTRB.SetType(TRBTypeDataStage)
	dataTRB.Control |= 1 << 16 // DIR=IN
	dataTRB.Control |= 1 << 1  // ENT: evaluate next TRB
	dataTRB.Control |= 1 << 4  // CH: chain

	var eventDataTRB TRB
	eventDataTRB.SetType(TRBTypeEventData)
	eventDataTRB.Control |= 1 << 5 // IOC

	xferRing.Enqueue(setupTRB)
	xferRing.Enqueue(dataTRB)
	eventAddr := xferRing.Enqueue(eventDataTRB)

	d.RingTransferDoorbell(slot, 1)

	if _, err := d.waitForTransferCompletion(eventAddr); err != nil {
		return descriptor, err
	}

	copy(descriptor[:], unsafe.Slice((*byte)(unsafe.Pointer(bufVirt)), 8))
	return descriptor, nil
}

// waitForTransferCompletion polls the event ring for a Transfer Event
// whose parameter matches trbPhysAddr, mirroring
// waitForCommandCompletion's polling shape for transfer rings.
func (d *Driver) waitForTransferCompletion(trbPhysAddr uintptr) (TRB, *kernel.Error) {
	for attempt := 0; attempt < commandPollAttempts; attempt++ {
		var found *TRB
		d.eventRing.Drain(func(ev TRB) {
			if found != nil {
				return
			}
			if ev.Type() == TRBTypeTransferEvent && uintptr(ev.Parameter) == trbPhysAddr {
				e := ev
				found = &e
			}
		})

		d.acknowledgeEvents()

		if found != nil {
			return *found, nil
		}

		sleepFn(1)
	}

	return TRB{}, errCommandTimeout
}

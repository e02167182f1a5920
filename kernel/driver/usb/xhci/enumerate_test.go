package xhci

import (
	"testing"
	"unsafe"

	"github.com/pbrowne011/StelluxOS/kernel"
)

type dmaCall struct {
	size int
	addr uintptr
}

// newBackedRegs allocates a byte-addressed register block of the given size
// backed by a live Go slice, mirroring newBackedOpRegs for register blocks
// other than the operational registers (runtime registers, doorbell array).
func newBackedRegs(t *testing.T, size int) uintptr {
	t.Helper()
	backing := make([]byte, size)
	return uintptr(unsafe.Pointer(&backing[0]))
}

func postEvent(e *EventRing, ev TRB) {
	ev.SetCycle(e.cycleState)
	e.trbs[e.dequeueIndex] = ev
}

// TestEnumerateDevice drives spec's concrete scenario 6 end to end: a mock
// HC replies to Enable Slot with slot id 3 and to both Address Device
// commands and the GET_DESCRIPTOR control transfer with success. No real
// hardware exists in this test, so sleepFn — the same poll-loop seam
// portreset_test.go and xhci_test.go use — stands in for the controller,
// inspecting the command ring and the enumeration transfer ring to decide
// which completion event to post next.
func TestEnumerateDevice(t *testing.T) {
	defer resetPortTestState()

	opBase, _ := newBackedOpRegs(t)
	rtBase := newBackedRegs(t, rtOffInterrupterRegSets+interrupterRegSetSize)
	dbBase := newBackedRegs(t, 64)

	writePortsc(opBase, 0, uint32(portSpeedHighSpeed)<<10)

	dcbaaBacking := make([]uint64, 9)

	cmdRing, _ := newBackedRing(t, ringTRBCount)
	eventRing, _ := newBackedEventRing(t, eventRingSegmentSize)

	d := &Driver{
		opBase:    opBase,
		rtBase:    rtBase,
		dbBase:    dbBase,
		caps:      CapabilitySnapshot{MaxDeviceSlots: 8},
		dcbaaVirt: uintptr(unsafe.Pointer(&dcbaaBacking[0])),
		cmdRing:   cmdRing,
		eventRing: eventRing,
	}

	var keepAlive [][]byte
	var dmaCalls []dmaCall
	var xferRingPhys, devCtxPhys uintptr
	var inputCtxVirt uintptr

	dmaAllocFn = func(size int, alignment, boundary uintptr) (uintptr, uintptr, *kernel.Error) {
		buf := make([]byte, size+int(alignment))
		keepAlive = append(keepAlive, buf)

		raw := uintptr(unsafe.Pointer(&buf[0]))
		aligned := (raw + alignment - 1) &^ (alignment - 1)
		dmaCalls = append(dmaCalls, dmaCall{size, aligned})

		switch size {
		case ringTRBCount * trbSize:
			xferRingPhys = aligned
		case contextSize * 2:
			devCtxPhys = aligned
		case int(unsafe.Sizeof(inputContext{})):
			inputCtxVirt = aligned
		case 8:
			// the 8-byte device descriptor buffer: preset byte 7
			// (bMaxPacketSize0) as the mock's GET_DESCRIPTOR reply.
			*(*byte)(unsafe.Pointer(aligned + 7)) = 64
		}

		return aligned, aligned, nil
	}
	defer func() { dmaAllocFn = allocXHCIDMAMemory }()

	lastCmdAcked := -1
	transferAcked := false

	sleepFn = func(int) {
		if xferRingPhys != 0 && !transferAcked {
			evSlot := (*TRB)(unsafe.Pointer(xferRingPhys + 2*trbSize))
			if evSlot.Type() == TRBTypeEventData {
				transferAcked = true
				var ev TRB
				ev.SetType(TRBTypeTransferEvent)
				ev.Parameter = uint64(xferRingPhys + 2*trbSize)
				ev.Status = CompletionCodeSuccess << 24
				postEvent(d.eventRing, ev)
				return
			}
		}

		idx := d.cmdRing.EnqueueIndex() - 1
		if idx < 0 {
			idx += ringTRBCount
		}
		if idx == lastCmdAcked {
			return
		}

		trb := d.cmdRing.trbs[idx]
		if trb.Type() != TRBTypeEnableSlotCommand && trb.Type() != TRBTypeAddressDeviceCommand {
			return
		}
		lastCmdAcked = idx

		var ev TRB
		ev.SetType(TRBTypeCommandCompletionEvent)
		ev.Parameter = uint64(d.cmdRing.PhysBase() + uintptr(idx)*trbSize)
		ev.Status = CompletionCodeSuccess << 24
		if trb.Type() == TRBTypeEnableSlotCommand {
			ev.Control = (ev.Control &^ (0xff << 24)) | (3 << 24)
		}
		postEvent(d.eventRing, ev)
	}

	if err := d.EnumerateDevice(0); err != nil {
		t.Fatalf("expected EnumerateDevice to succeed; got %v", err)
	}

	dcbaaSlice := unsafe.Slice((*uint64)(unsafe.Pointer(d.dcbaaVirt)), 9)
	if devCtxPhys == 0 || dcbaaSlice[3] != uint64(devCtxPhys) {
		t.Fatalf("expected DCBAA[3] to hold the device context's physical address %#x; got %#x", devCtxPhys, dcbaaSlice[3])
	}

	if inputCtxVirt == 0 {
		t.Fatal("expected an input context to have been allocated")
	}
	input := (*inputContext)(unsafe.Pointer(inputCtxVirt))

	if input.control.addFlags != inputControlA0|inputControlA1 {
		t.Fatalf("expected A0|A1 add flags; got %#x", input.control.addFlags)
	}
	if speed := (input.slot.dword0 >> 20) & 0xf; speed != portSpeedHighSpeed {
		t.Fatalf("expected slot context speed %d; got %d", portSpeedHighSpeed, speed)
	}
	if xferRingPhys == 0 || input.endpoint0.deqPtr&^0xf != uint64(xferRingPhys) {
		t.Fatalf("expected endpoint0 dequeue pointer to equal the transfer ring's physical base %#x; got %#x", xferRingPhys, input.endpoint0.deqPtr&^0xf)
	}
	if maxPacket := (input.endpoint0.dword1 >> 16) & 0xffff; maxPacket != 64 {
		t.Fatalf("expected endpoint0 max packet size to be updated from the device descriptor (64); got %d", maxPacket)
	}
}

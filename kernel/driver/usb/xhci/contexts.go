package xhci

// Slot/endpoint context field layouts (xHCI spec 6.2.2/6.2.3), 32-byte
// form. The driver's capability snapshot selects the 32- or 64-byte
// context size via CSZ (spec §3 Device Context/Input Context); only the
// 32-byte layout is implemented, since none of the hardware this driver
// targets advertises CSZ=1.
const contextSize = 32

// slotContext is the first 32-byte sub-context of every device/input
// context: route string, speed, root-hub port, number of context entries.
type slotContext struct {
	dword0 uint32 // [19:0] route string, [23:20] speed, [25]=MTT, [26]=hub, [31:27] context entries
	dword1 uint32 // [23:16] root hub port number
	dword2 uint32
	dword3 uint32 // [26:27] slot state
	_      [4]uint32
}

func (s *slotContext) setContextEntries(n uint8) {
	s.dword0 = (s.dword0 &^ (0x1f << 27)) | (uint32(n) << 27)
}

func (s *slotContext) setSpeed(speed uint8) {
	s.dword0 = (s.dword0 &^ (0xf << 20)) | (uint32(speed) << 20)
}

func (s *slotContext) setRootHubPort(port uint8) {
	s.dword1 = (s.dword1 &^ (0xff << 16)) | (uint32(port) << 16)
}

func (s *slotContext) setInterrupterTarget(target uint16) {
	s.dword2 = (s.dword2 &^ (0x3ff << 22)) | (uint32(target) << 22)
}

// Endpoint types (xHCI spec table 6-10).
const (
	endpointTypeControl = 4
)

// endpointContext is the endpoint-N 32-byte sub-context.
type endpointContext struct {
	dword0 uint32
	dword1 uint32 // [2:1] error count wraps in here alongside ep type below
	deqPtr uint64 // bit 0 is DCS, the dequeue cycle state
	dword4 uint32 // average TRB length [15:0]
	_      [3]uint32
}

func (e *endpointContext) setEndpointType(typ uint8) {
	e.dword1 = (e.dword1 &^ (0x7 << 3)) | (uint32(typ) << 3)
}

func (e *endpointContext) setErrorCount(count uint8) {
	e.dword1 = (e.dword1 &^ (0x3 << 1)) | (uint32(count) << 1)
}

func (e *endpointContext) setMaxPacketSize(size uint16) {
	e.dword1 = (e.dword1 &^ (0xffff << 16)) | (uint32(size) << 16)
}

func (e *endpointContext) setDequeuePtr(physAddr uintptr, dcs bool) {
	e.deqPtr = uint64(physAddr) &^ 0xf
	if dcs {
		e.deqPtr |= 1
	}
}

func (e *endpointContext) setAverageTRBLength(length uint16) {
	e.dword4 = (e.dword4 &^ 0xffff) | uint32(length)
}

// Input control context add/drop flags (xHCI spec 6.2.5.1). A0 is the slot
// context, A1 is endpoint context 1 (the default control endpoint).
const (
	inputControlA0 = 1 << 0
	inputControlA1 = 1 << 1
)

// inputControlContext is the first 32-byte sub-context of an input
// context: add/drop flags selecting which of the following sub-contexts
// the controller should apply.
type inputControlContext struct {
	dropFlags uint32
	addFlags  uint32
	_         [6]uint32
}

// inputContext is the structure built for an Address Device command: an
// input control context followed by a slot context and the endpoint-0
// context (spec §4.8.10). Only the single endpoint-0 case this driver
// enumerates against is modeled.
type inputContext struct {
	control  inputControlContext
	slot     slotContext
	endpoint0 endpointContext
}

// maxPacketSizeForSpeed returns the default control endpoint's max packet
// size for a given PORTSC port-speed code (spec §4.8.10).
func maxPacketSizeForSpeed(speed uint8) uint16 {
	switch speed {
	case portSpeedLowSpeed:
		return 8
	case portSpeedFullSpeed, portSpeedHighSpeed:
		return 64
	case portSpeedSuperSpeed, portSpeedSuperSpeedPlus:
		return 512
	default:
		return 8
	}
}

// PORTSC port speed codes (xHCI spec table 7-13, bits [13:10]).
const (
	portSpeedFullSpeed      = 1
	portSpeedLowSpeed       = 2
	portSpeedHighSpeed      = 3
	portSpeedSuperSpeed     = 4
	portSpeedSuperSpeedPlus = 5
)

func portSpeed(portsc uint32) uint8 {
	return uint8((portsc >> 10) & 0xf)
}

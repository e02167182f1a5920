package xhci

// Extended capability IDs this driver cares about (xHCI spec table 7-2).
const extCapIDSupportedProtocol = 2

// extCap header bit layout: id in bits [7:0], next-offset-in-dwords in
// bits [15:8].
const (
	extCapIDMask       = 0xff
	extCapNextShift    = 8
	extCapNextMask     = 0xff
)

// usbSupportedProtocolCap mirrors the fields of a USB Supported Protocol
// extended capability this driver reads (xHCI spec 7.2.2): major revision,
// the first compatible port (1-based) and how many ports the range covers.
type usbSupportedProtocolCap struct {
	majorRevision       uint8
	compatiblePortOffset uint8
	compatiblePortCount  uint8
}

// walkExtendedCapabilities walks the singly-linked list of 32-bit extended
// capability headers starting at base+firstOffset (spec §4.8.2), calling
// visit with each entry's dword-0 value and its absolute MMIO offset.
// Iteration stops at the first entry whose next field is 0 (end of list);
// there is no separate limit on the number of entries visited.
func walkExtendedCapabilities(base uintptr, firstOffset uint32, visit func(offset uint32, entry uint32)) {
	offset := firstOffset
	for offset != 0 {
		entry := readReg32(base, uintptr(offset))
		visit(offset, entry)

		next := (entry >> extCapNextShift) & extCapNextMask
		if next == 0 {
			return
		}
		offset += next * 4
	}
}

// parseSupportedProtocol reads the USB Supported Protocol capability whose
// dword-0 header is at base+offset.
func parseSupportedProtocol(base uintptr, offset uint32) usbSupportedProtocolCap {
	header := readReg32(base, uintptr(offset))
	dword2 := readReg32(base, uintptr(offset+8))

	return usbSupportedProtocolCap{
		majorRevision:        uint8(header >> 24),
		compatiblePortOffset: uint8(dword2 >> 0),
		compatiblePortCount:  uint8(dword2 >> 8),
	}
}

// discoverUSB3Ports walks the extended capability list and records the
// zero-based port numbers covered by every major-revision-3 USB Supported
// Protocol capability (spec §4.8.2).
func discoverUSB3Ports(base uintptr, xecpOffset uint32) map[uint8]bool {
	ports := make(map[uint8]bool)

	walkExtendedCapabilities(base, xecpOffset, func(offset uint32, entry uint32) {
		id := entry & extCapIDMask
		if id != extCapIDSupportedProtocol {
			return
		}

		proto := parseSupportedProtocol(base, offset)
		if proto.majorRevision != 3 {
			return
		}

		firstPort := proto.compatiblePortOffset - 1
		lastPort := firstPort + proto.compatiblePortCount - 1
		for port := firstPort; port <= lastPort; port++ {
			ports[port] = true
		}
	})

	return ports
}

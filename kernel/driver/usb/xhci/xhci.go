// Package xhci drives an xHCI USB host controller: MMIO/extended
// capability discovery, reset and startup, the command and event rings,
// port reset, and device enumeration through Address Device (spec §4.8).
package xhci

import (
	"io"
	"unsafe"

	"github.com/pbrowne011/StelluxOS/device"
	"github.com/pbrowne011/StelluxOS/kernel"
	"github.com/pbrowne011/StelluxOS/kernel/errors"
	"github.com/pbrowne011/StelluxOS/kernel/kfmt"
	"github.com/pbrowne011/StelluxOS/kernel/mem"
	"github.com/pbrowne011/StelluxOS/kernel/mem/pmm"
	"github.com/pbrowne011/StelluxOS/kernel/mem/vmm"
)

var (
	errResetTimeout    = &kernel.Error{Module: "xhci", Message: "host controller did not halt/reset in time", Kind: errors.HardwareTimeout}
	errDefaultsNonZero = &kernel.Error{Module: "xhci", Message: "operational registers not zero after reset", Kind: errors.HardwareError}
	errCommandFailed   = &kernel.Error{Module: "xhci", Message: "command completion returned a non-success completion code", Kind: errors.ProtocolError}
)

// CapabilitySnapshot is the read-only register block parsed once at init
// time (spec §3 xHCI Capability Snapshot).
type CapabilitySnapshot struct {
	MaxDeviceSlots   uint8
	MaxInterrupters  uint16
	MaxPorts         uint8
	IST              uint8
	ERSTMax          uint8
	MaxScratchpads   uint16
	AC64             bool
	BNC              bool
	CSZ64            bool
	PPC              bool
	PIND             bool
	LHRC             bool
	ExtCapsOffset    uint32
	CapRegsLength    uint8
}

// Driver owns one xHCI host controller instance: its MMIO window, parsed
// capabilities, USB3 port set, DCBAA, command ring, and the interrupter-0
// event ring. It implements device.Driver so it can be registered through
// device.RegisterDriver (spec's DEVICE PROBE FRAMEWORK).
type Driver struct {
	mmioBase uintptr
	opBase   uintptr
	rtBase   uintptr
	dbBase   uintptr

	caps      CapabilitySnapshot
	usb3Ports map[uint8]bool

	dcbaaVirt uintptr
	dcbaaPhys uintptr

	cmdRing   *Ring
	eventRing *EventRing

	pageSize uint32
}

// New constructs a Driver bound to the given PCI BAR0 physical address.
// The controller is not touched until DriverInit runs.
func New(barPhysAddr uintptr) *Driver {
	return &Driver{mmioBase: barPhysAddr}
}

// DriverName implements device.Driver.
func (d *Driver) DriverName() string { return "xhci" }

// DriverVersion implements device.Driver.
func (d *Driver) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

// mapMMIOFn is a test seam over (*Driver).mapMMIO, which talks to the real
// page tables.
var mapMMIOFn = (*Driver).mapMMIO

// DriverInit implements device.Driver: it runs the full bring-up sequence
// (spec §4.8.1-4.8.7) and logs a capability summary to w.
func (d *Driver) DriverInit(w io.Writer) *kernel.Error {
	if err := mapMMIOFn(d); err != nil {
		return err
	}

	d.parseCapabilityRegisters()
	d.logCapabilityRegisters(w)
	d.usb3Ports = discoverUSB3Ports(d.mmioBase, d.caps.ExtCapsOffset)

	if err := d.resetHostController(); err != nil {
		return err
	}

	if err := d.configureOperationalRegisters(); err != nil {
		return err
	}

	if err := d.configureRuntimeRegisters(); err != nil {
		return err
	}

	if err := d.startHostController(); err != nil {
		return err
	}

	for port := uint8(0); port < d.caps.MaxPorts; port++ {
		isUSB3 := d.usb3Ports[port]
		if resetPort(d.opBase, port, isUSB3) {
			kfmt.Fprintf(w, "[*] Successfully reset %s port %d\n", portKind(isUSB3), port)
		} else {
			kfmt.Fprintf(w, "[*] Failed to reset %s port %d\n", portKind(isUSB3), port)
		}
	}

	return nil
}

func portKind(isUSB3 bool) string {
	if isUSB3 {
		return "USB3"
	}
	return "USB2"
}

// mmioWindowSize is the conservatively large span mapped uncacheable over
// the controller's MMIO BAR (spec §4.8.1: "at least the first 128 KiB").
const mmioWindowSize = 128 * 1024

func (d *Driver) mapMMIO() *kernel.Error {
	root := vmm.GetCurrentTopLevelPageTable()

	for offset := uintptr(0); offset < mmioWindowSize; offset += uintptr(mem.PageSize) {
		frame := pmm.Frame((d.mmioBase + offset) >> mem.PageShift)
		if err := vmm.MapPage(d.mmioBase+offset, frame, vmm.KernelPage|vmm.Writable|vmm.CacheDisabled, root); err != nil {
			return err
		}
	}
	vmm.FlushTlbAll()

	return nil
}

func (d *Driver) parseCapabilityRegisters() {
	capLenAndVersion := readReg32(d.mmioBase, capOffCapLength)
	d.caps.CapRegsLength = uint8(capLenAndVersion)

	hcs1 := readReg32(d.mmioBase, capOffHCSParams1)
	hcs2 := readReg32(d.mmioBase, capOffHCSParams2)
	hcc1 := readReg32(d.mmioBase, capOffHCCParams1)

	d.caps.MaxDeviceSlots = uint8(hcs1 & hcsParams1MaxSlotsMask)
	d.caps.MaxInterrupters = uint16((hcs1 >> hcsParams1MaxIntrsShift) & hcsParams1MaxIntrsMask)
	d.caps.MaxPorts = uint8((hcs1 >> hcsParams1MaxPortsShift) & hcsParams1MaxPortsMask)

	d.caps.IST = uint8(hcs2 & hcsParams2ISTMask)
	d.caps.ERSTMax = uint8((hcs2 >> hcsParams2ERSTMaxShift) & hcsParams2ERSTMaxMask)
	hi := (hcs2 >> hcsParams2MaxScratchHiSh) & hcsParams2MaxScratchHiMask
	lo := (hcs2 >> hcsParams2MaxScratchLoSh) & hcsParams2MaxScratchLoMask
	d.caps.MaxScratchpads = uint16(hi<<5 | lo)

	d.caps.AC64 = hcc1&hccParams1AC64Bit != 0
	d.caps.BNC = hcc1&hccParams1BNCBit != 0
	d.caps.CSZ64 = hcc1&hccParams1CSZBit != 0
	d.caps.PPC = hcc1&hccParams1PPCBit != 0
	d.caps.PIND = hcc1&hccParams1PINDBit != 0
	d.caps.LHRC = hcc1&hccParams1LHRCBit != 0
	d.caps.ExtCapsOffset = (hcc1 >> hccParams1XECPShift) * 4

	d.opBase = d.mmioBase + uintptr(d.caps.CapRegsLength)
	d.rtBase = d.mmioBase + uintptr(readReg32(d.mmioBase, capOffRTSOff)&^0x1f)
	d.dbBase = d.mmioBase + uintptr(readReg32(d.mmioBase, capOffDBOff)&^0x3)
}

func (d *Driver) logCapabilityRegisters(w io.Writer) {
	kfmt.Fprintf(w, "===== Capability Registers =====\n")
	kfmt.Fprintf(w, "    Max Device Slots      : %d\n", d.caps.MaxDeviceSlots)
	kfmt.Fprintf(w, "    Max Interrupters      : %d\n", d.caps.MaxInterrupters)
	kfmt.Fprintf(w, "    Max Ports             : %d\n", d.caps.MaxPorts)
	kfmt.Fprintf(w, "    ERST Max Size         : %d\n", d.caps.ERSTMax)
	kfmt.Fprintf(w, "    Scratchpad Buffers    : %d\n", d.caps.MaxScratchpads)
	kfmt.Fprintf(w, "    64-bit Addressing     : %t\n", d.caps.AC64)
	kfmt.Fprintf(w, "    64-byte Context Size  : %t\n", d.caps.CSZ64)
}

func (d *Driver) configureOperationalRegisters() *kernel.Error {
	d.pageSize = (readReg32(d.opBase, opOffPageSize) & 0xffff) << 12

	writeReg32(d.opBase, opOffDNCtrl, 0xffff)
	writeReg32(d.opBase, opOffConfig, uint32(d.caps.MaxDeviceSlots))

	if err := d.allocateDCBAA(); err != nil {
		return err
	}

	ring, err := NewRing()
	if err != nil {
		return err
	}
	d.cmdRing = ring

	crcr := uint64(ring.PhysBase())
	if ring.CycleState() {
		crcr |= 1
	}
	writeReg64(d.opBase, opOffCRCR, crcr)

	return nil
}

func (d *Driver) allocateDCBAA() *kernel.Error {
	entries := int(d.caps.MaxDeviceSlots) + 1
	virt, phys, err := dmaAllocFn(entries*8, dcbaaAlignment, dcbaaBoundary)
	if err != nil {
		return err
	}
	d.dcbaaVirt = virt
	d.dcbaaPhys = phys

	if d.caps.MaxScratchpads > 0 {
		ptrArrayVirt, ptrArrayPhys, err := dmaAllocFn(int(d.caps.MaxScratchpads)*8, dcbaaAlignment, dcbaaBoundary)
		if err != nil {
			return err
		}

		ptrSlice := unsafe.Slice((*uint64)(unsafe.Pointer(ptrArrayVirt)), d.caps.MaxScratchpads)
		for i := range ptrSlice {
			_, scratchPhys, err := dmaAllocFn(int(mem.PageSize), uintptr(mem.PageSize), uintptr(mem.PageSize))
			if err != nil {
				return err
			}
			ptrSlice[i] = uint64(scratchPhys)
		}

		dcbaaSlice := unsafe.Slice((*uint64)(unsafe.Pointer(d.dcbaaVirt)), entries)
		dcbaaSlice[0] = uint64(ptrArrayPhys)
	}

	writeReg64(d.opBase, opOffDCBAAP, uint64(d.dcbaaPhys))
	return nil
}

func (d *Driver) configureRuntimeRegisters() *kernel.Error {
	ring, err := NewEventRing()
	if err != nil {
		return err
	}
	d.eventRing = ring

	erstVirt, erstPhys, err := dmaAllocFn(int(unsafe.Sizeof(erstEntry{})), erstAlignment, erstBoundary)
	if err != nil {
		return err
	}
	entry := (*erstEntry)(unsafe.Pointer(erstVirt))
	entry.base = uint64(ring.PhysBase())
	entry.size = eventRingSegmentSize
	entry.reserved = 0

	irs := interrupterRegSet(d.rtBase, 0)

	writeReg32(irs, irsOffERSTSZ, 1)

	erdp := uint64(ring.DequeuePhysAddr())
	writeReg64(irs, irsOffERDP, erdp)

	writeReg64(irs, irsOffERSTBA, uint64(erstPhys))

	writeReg32(irs, irsOffIMAN, readReg32(irs, irsOffIMAN)|imanInterruptEnable)

	return nil
}

func interrupterRegSet(rtBase uintptr, index int) uintptr {
	return rtBase + rtOffInterrupterRegSets + uintptr(index)*interrupterRegSetSize
}

// resetHostController implements spec §4.8.3: halt, reset, then verify
// every operational register that should default to zero actually does.
func (d *Driver) resetHostController() *kernel.Error {
	usbcmd := readReg32(d.opBase, opOffUSBCmd)
	usbcmd &^= usbCmdRunStop
	writeReg32(d.opBase, opOffUSBCmd, usbcmd)

	timeout := 20
	for readReg32(d.opBase, opOffUSBSts)&usbStsHCH == 0 {
		timeout--
		if timeout == 0 {
			return errResetTimeout
		}
		sleepFn(1)
	}

	usbcmd = readReg32(d.opBase, opOffUSBCmd)
	usbcmd |= usbCmdHCReset
	writeReg32(d.opBase, opOffUSBCmd, usbcmd)

	timeout = 100
	for readReg32(d.opBase, opOffUSBCmd)&usbCmdHCReset != 0 || readReg32(d.opBase, opOffUSBSts)&usbStsCNR != 0 {
		timeout--
		if timeout == 0 {
			return errResetTimeout
		}
		sleepFn(1)
	}

	sleepFn(50)

	if readReg32(d.opBase, opOffUSBCmd) != 0 ||
		readReg32(d.opBase, opOffDNCtrl) != 0 ||
		readReg64(d.opBase, opOffCRCR) != 0 ||
		readReg64(d.opBase, opOffDCBAAP) != 0 ||
		readReg32(d.opBase, opOffConfig) != 0 {
		return errDefaultsNonZero
	}

	return nil
}

// startHostController implements spec §4.8.6.
func (d *Driver) startHostController() *kernel.Error {
	usbcmd := readReg32(d.opBase, opOffUSBCmd)
	usbcmd |= usbCmdRunStop | usbCmdInterrupterEnable | usbCmdHostSysErrorEnable
	writeReg32(d.opBase, opOffUSBCmd, usbcmd)

	for readReg32(d.opBase, opOffUSBSts)&usbStsHCH != 0 {
		sleepFn(16)
	}

	return nil
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderLast,
		Probe: probeXHCI,
	})
}

// probeXHCI is registered as the xHCI driver's device.ProbeFn. PCI bus
// enumeration (finding a BAR0 to probe) is outside this pack's retrieved
// sources (spec §6 names PCI BAR as an externally supplied address, not a
// bus-walk this driver performs); xhciBARAddress is set by platform
// bring-up code once it has found the controller's BAR via whatever PCI
// enumeration eventually lands in this kernel, and defaults to 0 (no
// controller) so kmain's hardware detection pass is a safe no-op until then.
var xhciBARAddress uintptr

// SetBARAddress records the PCI BAR0 physical address of the xHCI
// controller to probe. It must be called before hardware detection runs.
func SetBARAddress(addr uintptr) {
	xhciBARAddress = addr
}

func probeXHCI() device.Driver {
	if xhciBARAddress == 0 {
		return nil
	}
	return New(xhciBARAddress)
}

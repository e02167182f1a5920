package xhci

// RingDoorbell writes target to the doorbell register for slot (spec
// §4.8.9): doorbell 0 with target 0 rings the command ring; doorbell[slot]
// with target n rings endpoint n (device context index) on that slot.
func (d *Driver) RingDoorbell(slot uint8, target uint32) {
	writeReg32(d.dbBase, uintptr(slot)*doorbellRegSize, target)
}

// RingCommandDoorbell notifies the controller that new command TRBs are
// ready on the command ring.
func (d *Driver) RingCommandDoorbell() {
	d.RingDoorbell(0, 0)
}

// RingTransferDoorbell notifies the controller that new transfer TRBs are
// ready on endpoint dci (device context index; 1 is the default control
// endpoint) of slot.
func (d *Driver) RingTransferDoorbell(slot uint8, dci uint32) {
	d.RingDoorbell(slot, dci)
}

package xhci

import (
	"github.com/pbrowne011/StelluxOS/kernel"
	"github.com/pbrowne011/StelluxOS/kernel/errors"
)

// ringTRBCount is the fixed capacity (in TRB slots) of every command and
// transfer ring this driver allocates, including the reserved LINK slot
// (spec §3 xHCI Rings, §4.8.4).
const ringTRBCount = 256

var errRingFull = &kernel.Error{Module: "xhci", Message: "ring link slot reached unexpectedly", Kind: errors.OutOfMemory}

// dmaAllocFn allocates a physically contiguous, DMA-suitable buffer of the
// given size and alignment and returns both its kernel virtual address and
// physical address. It is a test seam over allocXHCIDMAMemory, which talks
// to the real heap and page tables.
var dmaAllocFn = allocXHCIDMAMemory

// Ring is a producer-owned xHCI ring: a contiguous array of TRBs with an
// enqueue index and a producer cycle bit. It backs both the command ring
// and every transfer ring (spec §3 xHCI Rings, §4.8.8).
type Ring struct {
	trbs     []TRB
	physBase uintptr

	enqueueIndex int
	cycleState   bool
}

// NewRing allocates a ring of ringTRBCount TRBs, reserves its last slot as
// a LINK TRB pointing back at the ring's own physical base, and starts the
// producer cycle state at true, matching the original's initialCycleBit
// convention.
func NewRing() (*Ring, *kernel.Error) {
	virt, phys, err := dmaAllocFn(ringTRBCount*trbSize, ringAlignment, ringBoundary)
	if err != nil {
		return nil, err
	}

	r := &Ring{
		trbs:       unsafeTRBSlice(virt, ringTRBCount),
		physBase:   phys,
		cycleState: true,
	}

	link := &r.trbs[ringTRBCount-1]
	*link = TRB{}
	link.Parameter = uint64(phys)
	link.SetType(TRBTypeLink)
	link.SetCycle(true)

	return r, nil
}

// PhysBase returns the ring's physical base address.
func (r *Ring) PhysBase() uintptr {
	return r.physBase
}

// CycleState returns the ring's current producer cycle state.
func (r *Ring) CycleState() bool {
	return r.cycleState
}

// EnqueueIndex returns the slot the next Enqueue call will write to.
func (r *Ring) EnqueueIndex() int {
	return r.enqueueIndex
}

// Enqueue stamps trb's cycle bit with the ring's current producer cycle
// state, writes it into the current slot, and advances the enqueue index.
// When the enqueue index reaches the reserved LINK slot, the ring wraps to
// slot 0 and the producer cycle state toggles (spec §4.8.8).
func (r *Ring) Enqueue(trb TRB) uintptr {
	slotAddr := r.physBase + uintptr(r.enqueueIndex)*uintptr(trbSize)

	trb.SetCycle(r.cycleState)
	r.trbs[r.enqueueIndex] = trb

	r.enqueueIndex++
	if r.enqueueIndex == ringTRBCount-1 {
		r.enqueueIndex = 0
		r.cycleState = !r.cycleState
	}

	return slotAddr
}

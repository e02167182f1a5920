package xhci

import "github.com/pbrowne011/StelluxOS/kernel"

// eventRingSegmentSize is the fixed TRB capacity of the single event ring
// segment this driver allocates (spec §3 ERST, §4.8.5).
const eventRingSegmentSize = 256

// erstEntry is one 16-byte Event Ring Segment Table entry: a segment's
// physical base and its TRB count.
type erstEntry struct {
	base     uint64
	size     uint32
	reserved uint32
}

// EventRing is the consumer-owned counterpart to Ring: the controller is
// the producer, the driver dequeues and owns the consumer cycle bit (spec
// §4.8.8).
type EventRing struct {
	trbs     []TRB
	physBase uintptr

	dequeueIndex int
	cycleState   bool
}

// NewEventRing allocates the primary event ring segment and starts the
// consumer cycle state at true, per spec's "on an empty event ring...the
// consumer cycle state is 1" invariant.
func NewEventRing() (*EventRing, *kernel.Error) {
	virt, phys, err := dmaAllocFn(eventRingSegmentSize*trbSize, ringAlignment, ringBoundary)
	if err != nil {
		return nil, err
	}

	return &EventRing{
		trbs:       unsafeTRBSlice(virt, eventRingSegmentSize),
		physBase:   phys,
		cycleState: true,
	}, nil
}

// PhysBase returns the event ring segment's physical base address.
func (e *EventRing) PhysBase() uintptr {
	return e.physBase
}

// DequeuePhysAddr returns the physical address of the slot the next
// Dequeue call would consume, the value ERDP must be programmed with
// after a drain.
func (e *EventRing) DequeuePhysAddr() uintptr {
	return e.physBase + uintptr(e.dequeueIndex)*uintptr(trbSize)
}

// Pending reports whether the slot at the current dequeue index holds an
// event the driver hasn't consumed yet: its cycle bit matches the
// consumer's current cycle state.
func (e *EventRing) Pending() bool {
	return e.trbs[e.dequeueIndex].Cycle() == e.cycleState
}

// Dequeue consumes and returns the event at the current dequeue index. It
// must only be called when Pending reports true. Wrapping at the segment
// boundary toggles the consumer cycle state (spec §4.8.8).
func (e *EventRing) Dequeue() TRB {
	trb := e.trbs[e.dequeueIndex]

	e.dequeueIndex++
	if e.dequeueIndex == eventRingSegmentSize {
		e.dequeueIndex = 0
		e.cycleState = !e.cycleState
	}

	return trb
}

// Drain dequeues every pending event and calls handle with each, in FIFO
// order, stopping as soon as Pending reports false.
func (e *EventRing) Drain(handle func(TRB)) int {
	n := 0
	for e.Pending() {
		handle(e.Dequeue())
		n++
	}
	return n
}

package cpu

// MaxCPUs bounds the per-CPU data array. Only the bootstrap processor is
// ever brought up (see SMP non-goal), but the array is sized the way the
// original kernel's __per_cpu_data table is, indexed by APIC ID.
const MaxCPUs = 8

// BSPID identifies the bootstrap processor.
const BSPID = 0

// perCPU holds the scheduling state that belongs to a single CPU rather
// than to any one task.
type perCPU struct {
	// currentTaskSlot is the run-queue slot index of the task currently
	// RUNNING on this CPU, or -1 if none has been scheduled yet. Kept as
	// an index rather than a *sched.PCB to avoid a cyclic import between
	// kernel/cpu and kernel/sched and to sidestep the cyclic-reference
	// concern spec'd for the scheduler (a slot index is never an owning
	// pointer).
	currentTaskSlot int
}

var percpuData [MaxCPUs]perCPU

func init() {
	for i := range percpuData {
		percpuData[i].currentTaskSlot = -1
	}
}

// CurrentTaskSlot returns the run-queue slot index of the task currently
// running on cpuID, or -1 if none.
func CurrentTaskSlot(cpuID int) int {
	return percpuData[cpuID].currentTaskSlot
}

// SetCurrentTaskSlot records slot as the run-queue index of the task now
// running on cpuID.
func SetCurrentTaskSlot(cpuID, slot int) {
	percpuData[cpuID].currentTaskSlot = slot
}

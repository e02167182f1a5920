package sched

import (
	"github.com/pbrowne011/StelluxOS/kernel"
	"github.com/pbrowne011/StelluxOS/kernel/cpu"
	"github.com/pbrowne011/StelluxOS/kernel/errors"
	"github.com/pbrowne011/StelluxOS/kernel/gate"
)

// MaxQueuedProcesses bounds the run queue's fixed-capacity array.
const MaxQueuedProcesses = 64

var errRunQueueFull = &kernel.Error{Module: "sched", Message: "run queue is full", Kind: errors.OutOfMemory}

// RunQueue is a fixed-capacity array of PCBs scheduled round-robin. It is
// not safe for concurrent use by multiple CPUs without external locking;
// callers elevate and disable interrupts around mutating calls, matching
// the original kernel's single-core scheduling path.
type RunQueue struct {
	tasks            [MaxQueuedProcesses]PCB
	tasksInQueue     int
	currentTaskIndex int
}

// NewRunQueue returns a RunQueue with every slot marked Invalid.
func NewRunQueue() *RunQueue {
	rq := &RunQueue{}
	for i := range rq.tasks {
		rq.tasks[i].State = Invalid
	}
	return rq
}

// AddTask inserts task into the first Invalid slot and returns its index.
// Returns errRunQueueFull if no slot is available.
func (rq *RunQueue) AddTask(task PCB) (int, *kernel.Error) {
	for i := range rq.tasks {
		if rq.tasks[i].State == Invalid {
			rq.tasks[i] = task
			rq.tasksInQueue++
			return i, nil
		}
	}
	return -1, errRunQueueFull
}

// GetTask returns a pointer to the slot at idx, or nil if idx is out of range.
func (rq *RunQueue) GetTask(idx int) *PCB {
	if idx < 0 || idx >= MaxQueuedProcesses {
		return nil
	}
	return &rq.tasks[idx]
}

// FindTaskByPid scans the run queue for a task with the given pid.
func (rq *RunQueue) FindTaskByPid(pid Pid) *PCB {
	for i := range rq.tasks {
		if rq.tasks[i].State != Invalid && rq.tasks[i].Pid == pid {
			return &rq.tasks[i]
		}
	}
	return nil
}

// RemoveTask frees the slot belonging to pid, if any.
func (rq *RunQueue) RemoveTask(pid Pid) {
	for i := range rq.tasks {
		if rq.tasks[i].State != Invalid && rq.tasks[i].Pid == pid {
			rq.tasks[i] = PCB{State: Invalid}
			rq.tasksInQueue--
			return
		}
	}
}

// GetCurrentTask returns the slot currently pointed to by currentTaskIndex.
func (rq *RunQueue) GetCurrentTask() *PCB {
	return &rq.tasks[rq.currentTaskIndex]
}

// PeekNextTask returns the next Ready task that SwitchToNextTask would pick,
// without mutating any state. When exactly one task is queued it returns
// that task; otherwise it returns nil if no other task is Ready.
func (rq *RunQueue) PeekNextTask() *PCB {
	if rq.tasksInQueue == 0 {
		return nil
	}
	if rq.tasksInQueue == 1 {
		return rq.GetCurrentTask()
	}

	index := rq.currentTaskIndex
	for {
		index = (index + 1) % MaxQueuedProcesses
		if rq.tasks[index].State == Ready {
			return &rq.tasks[index]
		}
		if index == rq.currentTaskIndex {
			return nil
		}
	}
}

// SwitchToNextTask advances currentTaskIndex to the next Ready task in
// strict index order modulo capacity, demoting the outgoing task back to
// Ready and promoting the incoming one to Running. Returns false (a no-op)
// when fewer than two tasks are queued or no other task is Ready.
func (rq *RunQueue) SwitchToNextTask() bool {
	if rq.tasksInQueue < 2 {
		return false
	}

	startingIndex := rq.currentTaskIndex
	index := startingIndex
	for {
		index = (index + 1) % MaxQueuedProcesses
		if rq.tasks[index].State == Ready {
			rq.tasks[startingIndex].State = Ready
			rq.tasks[index].State = Running
			rq.currentTaskIndex = index
			return true
		}
		if index == startingIndex {
			return false
		}
	}
}

// global is the single system-wide run queue, mirroring the original
// kernel's RoundRobinScheduler singleton.
var global = NewRunQueue()

// Global returns the system-wide run queue.
func Global() *RunQueue {
	return global
}

// idleSwapperTasks holds one idle swapper PCB per CPU, substituted in by
// ExitKernelThread when no other task is Ready.
var idleSwapperTasks [cpu.MaxCPUs]PCB

// SetIdleTask installs the idle swapper PCB for cpuID.
func SetIdleTask(cpuID int, task PCB) {
	idleSwapperTasks[cpuID] = task
}

// exitAndSwitchContextFn performs the one-way, non-returning context
// restore into next. It is mocked by tests, since a real call never
// returns to its caller (it ends in an IRETQ).
var exitAndSwitchContextFn = exitAndSwitchCurrentContext

// elevateFn and disableInterruptsFn are mocked by tests, since both touch
// privileged state that faults outside ring 0.
var (
	elevateFn           = gate.Elevate
	disableInterruptsFn = cpu.DisableInterrupts
)

// ExitKernelThread terminates the calling task: it elevates and disables
// interrupts for the duration of the switch, picks the next Ready task (or
// this CPU's idle swapper if none is Ready), removes the exiting task's
// slot, and performs a one-way context restore into the replacement. It
// never returns.
func ExitKernelThread(cpuID int) {
	elevateFn()
	disableInterruptsFn()

	current := global.GetCurrentTask()
	next := global.PeekNextTask()
	if next == nil || next == current {
		// PeekNextTask returns the current task itself when it is the
		// only queued task; falling through to it here would resume a
		// slot that RemoveTask is about to zero. Fall back to the idle
		// swapper instead.
		next = &idleSwapperTasks[cpuID]
	}

	global.SwitchToNextTask()
	global.RemoveTask(current.Pid)

	exitAndSwitchContextFn(next)
}

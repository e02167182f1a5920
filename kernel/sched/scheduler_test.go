package sched

import (
	"testing"

	"github.com/pbrowne011/StelluxOS/kernel/cpu"
	"github.com/pbrowne011/StelluxOS/kernel/gate"
)

func TestAddTaskFindsFirstInvalidSlot(t *testing.T) {
	rq := NewRunQueue()

	idx, err := rq.AddTask(PCB{Pid: 1, State: Ready})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != 0 {
		t.Fatalf("expected first task to land in slot 0; got %d", idx)
	}

	if got := rq.FindTaskByPid(1); got == nil || got.Pid != 1 {
		t.Fatalf("expected to find pid 1; got %+v", got)
	}
}

func TestAddTaskReturnsErrorWhenFull(t *testing.T) {
	rq := NewRunQueue()
	for i := 0; i < MaxQueuedProcesses; i++ {
		if _, err := rq.AddTask(PCB{Pid: Pid(i + 1), State: Ready}); err != nil {
			t.Fatalf("unexpected error filling queue: %v", err)
		}
	}

	if _, err := rq.AddTask(PCB{Pid: 999, State: Ready}); err != errRunQueueFull {
		t.Fatalf("expected errRunQueueFull; got %v", err)
	}
}

func TestSwitchToNextTaskNoOpWithFewerThanTwoTasks(t *testing.T) {
	rq := NewRunQueue()
	if rq.SwitchToNextTask() {
		t.Fatal("expected no-op with zero tasks")
	}

	rq.AddTask(PCB{Pid: 1, State: Running})
	if rq.SwitchToNextTask() {
		t.Fatal("expected no-op with a single task")
	}
}

func TestSwitchToNextTaskRoundRobin(t *testing.T) {
	rq := NewRunQueue()
	rq.AddTask(PCB{Pid: 1, State: Running})
	rq.AddTask(PCB{Pid: 2, State: Ready})
	rq.AddTask(PCB{Pid: 3, State: Ready})

	if !rq.SwitchToNextTask() {
		t.Fatal("expected switch to succeed")
	}
	if got := rq.GetCurrentTask().Pid; got != 2 {
		t.Fatalf("expected pid 2 to be current; got %d", got)
	}
	if rq.GetTask(0).State != Ready {
		t.Fatalf("expected outgoing task to be demoted to Ready")
	}

	if !rq.SwitchToNextTask() {
		t.Fatal("expected second switch to succeed")
	}
	if got := rq.GetCurrentTask().Pid; got != 3 {
		t.Fatalf("expected pid 3 to be current; got %d", got)
	}
}

func TestSwitchToNextTaskSkipsNonReady(t *testing.T) {
	rq := NewRunQueue()
	rq.AddTask(PCB{Pid: 1, State: Running})
	rq.AddTask(PCB{Pid: 2, State: Blocked})
	rq.AddTask(PCB{Pid: 3, State: Ready})

	if !rq.SwitchToNextTask() {
		t.Fatal("expected switch to succeed")
	}
	if got := rq.GetCurrentTask().Pid; got != 3 {
		t.Fatalf("expected blocked pid 2 to be skipped in favor of pid 3; got %d", got)
	}
}

func TestPeekNextTaskDoesNotMutate(t *testing.T) {
	rq := NewRunQueue()
	rq.AddTask(PCB{Pid: 1, State: Running})
	rq.AddTask(PCB{Pid: 2, State: Ready})

	peeked := rq.PeekNextTask()
	if peeked == nil || peeked.Pid != 2 {
		t.Fatalf("expected to peek pid 2; got %+v", peeked)
	}
	if got := rq.GetCurrentTask().Pid; got != 1 {
		t.Fatalf("peek must not mutate current task; got %d", got)
	}
}

func TestRemoveTaskFreesSlot(t *testing.T) {
	rq := NewRunQueue()
	rq.AddTask(PCB{Pid: 1, State: Ready})
	rq.RemoveTask(1)

	if got := rq.FindTaskByPid(1); got != nil {
		t.Fatalf("expected pid 1 to be gone; got %+v", got)
	}

	idx, err := rq.AddTask(PCB{Pid: 2, State: Ready})
	if err != nil || idx != 0 {
		t.Fatalf("expected the freed slot 0 to be reused; got idx=%d err=%v", idx, err)
	}
}

func TestExitKernelThreadFallsBackToIdleTask(t *testing.T) {
	defer func() {
		global = NewRunQueue()
		elevateFn = gate.Elevate
		disableInterruptsFn = cpu.DisableInterrupts
		exitAndSwitchContextFn = exitAndSwitchCurrentContext
	}()

	global = NewRunQueue()
	global.AddTask(PCB{Pid: 1, State: Running})
	SetIdleTask(cpuIDForTest, PCB{Pid: 0, State: Ready})

	var elevated, interruptsDisabled bool
	elevateFn = func() { elevated = true }
	disableInterruptsFn = func() { interruptsDisabled = true }

	var switchedTo *PCB
	exitAndSwitchContextFn = func(next *PCB) { switchedTo = next }

	ExitKernelThread(cpuIDForTest)

	if !elevated || !interruptsDisabled {
		t.Fatal("expected ExitKernelThread to elevate and disable interrupts")
	}
	if switchedTo == nil || switchedTo.Pid != 0 {
		t.Fatalf("expected fallback to the idle task; got %+v", switchedTo)
	}
	if got := global.FindTaskByPid(1); got != nil {
		t.Fatalf("expected the exiting task's slot to be freed; got %+v", got)
	}
}

func TestExitKernelThreadSwitchesToReadyTask(t *testing.T) {
	defer func() {
		global = NewRunQueue()
		elevateFn = gate.Elevate
		disableInterruptsFn = cpu.DisableInterrupts
		exitAndSwitchContextFn = exitAndSwitchCurrentContext
	}()

	global = NewRunQueue()
	global.AddTask(PCB{Pid: 1, State: Running})
	global.AddTask(PCB{Pid: 2, State: Ready})

	elevateFn = func() {}
	disableInterruptsFn = func() {}

	var switchedTo *PCB
	exitAndSwitchContextFn = func(next *PCB) { switchedTo = next }

	ExitKernelThread(cpuIDForTest)

	if switchedTo == nil || switchedTo.Pid != 2 {
		t.Fatalf("expected to switch to pid 2; got %+v", switchedTo)
	}
	if got := global.FindTaskByPid(1); got != nil {
		t.Fatalf("expected the exiting task's slot to be freed; got %+v", got)
	}
}

const cpuIDForTest = 0

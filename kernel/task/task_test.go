package task

import (
	"nucleus/kernel/cpu"
	"nucleus/kernel/irq"
	"nucleus/kernel/mem/heap"
	"testing"
	"unsafe"
)

// newTestHeap builds a heap.Allocator backed by a plain Go byte slice, the
// same technique nucleus/kernel/mem/heap's own tests use.
func newTestHeap(backing []byte) *heap.Allocator {
	var h heap.Allocator
	h.Init(uintptr(unsafe.Pointer(&backing[0])), uintptr(len(backing)))
	return &h
}

// fakeInterruptState returns a zeroed Regs/Frame pair suitable for feeding
// directly to onTick in a test, standing in for what commonStub would have
// captured from a real timer interrupt.
func fakeInterruptState() (*irq.Regs, *irq.Frame) {
	return &irq.Regs{}, &irq.Frame{}
}

// resetState wipes every package-level scheduler variable so each test starts
// from a clean slate, and fakes out every hook that would otherwise execute a
// privileged instruction (CR3, HLT) on a hosted Go runtime.
func resetState(t *testing.T) {
	t.Helper()

	backing := make([]byte, 256*1024)

	taskHeap = newTestHeap(backing)
	tasks = make(map[ID]*Task)
	ready = [priorityCount][]*Task{}
	current = nil
	nextID = 1
	entryTable = nil
	timers = timerStore{}
	tick = 0

	switchContextFn = func(next, cur *Context) {}
	activePDTFn = func() uintptr { return 0xc0ffee000 }
	enableInterruptsFn = func() {}
	haltFn = func() {}

	t.Cleanup(func() {
		switchContextFn = switchContext
		activePDTFn = cpu.ActivePDT
		enableInterruptsFn = cpu.EnableInterrupts
		haltFn = cpu.Halt
	})
}

func TestSpawnEnqueuesRunnableTask(t *testing.T) {
	resetState(t)
	Init(taskHeap)

	id := Spawn(func(ID, uint64) {}, 0, PriorityNormal)

	tsk, ok := tasks[id]
	if !ok {
		t.Fatal("expected the spawned task to be recorded in the task table")
	}
	if tsk.state != StateRunnable {
		t.Errorf("expected a freshly spawned task to be Runnable; got %v", tsk.state)
	}
	if tsk.ctx.RIP == 0 {
		t.Error("expected the new task's context to point at a non-zero entry RIP")
	}
	if tsk.ctx.RSP == 0 {
		t.Error("expected the new task's context to have a non-zero stack pointer")
	}
	if len(ready[PriorityNormal]) != 1 || ready[PriorityNormal][0] != tsk {
		t.Error("expected the new task to be enqueued on its priority's ready queue")
	}
}

func TestPickNextLockedPrefersHigherPriority(t *testing.T) {
	resetState(t)
	Init(taskHeap)

	low := Spawn(func(ID, uint64) {}, 0, PriorityLow)
	high := Spawn(func(ID, uint64) {}, 0, PriorityHigh)

	got := pickNextLocked()
	if got.id != high {
		t.Fatalf("expected the high priority task (%d) to run before the low priority one (%d); got %d", high, low, got.id)
	}
}

func TestYieldRotatesCurrentTask(t *testing.T) {
	resetState(t)
	Init(taskHeap)
	boot := current

	other := Spawn(func(ID, uint64) {}, 0, PriorityNormal)

	Yield()

	if current.id != other {
		t.Fatalf("expected task %d to become current after Yield; got %d", other, current.id)
	}
	if boot.state != StateRunnable {
		t.Errorf("expected the preempted boot task to be re-enqueued as Runnable; got %v", boot.state)
	}
}

func TestYieldIsNoOpWithNothingElseRunnable(t *testing.T) {
	resetState(t)
	Init(taskHeap)
	boot := current

	Yield()

	if current != boot {
		t.Error("expected Yield to leave the only runnable task in place")
	}
}

func TestSleepAndWake(t *testing.T) {
	resetState(t)
	Init(taskHeap)

	sleeper := Spawn(func(ID, uint64) {}, 0, PriorityNormal)
	other := Spawn(func(ID, uint64) {}, 0, PriorityNormal)

	// Simulate the sleeper having already been scheduled in: dequeue it from
	// the ready list (as pickNextLocked would) and make it current.
	current = pickNextLocked()
	current.state = StateRunning
	if current.id != sleeper {
		t.Fatalf("test setup: expected the first-spawned task to be current; got %d", current.id)
	}

	Sleep(sleeper)

	if tasks[sleeper].state != StateSleeping {
		t.Fatalf("expected task %d to be Sleeping; got %v", sleeper, tasks[sleeper].state)
	}
	if current.id != other {
		t.Fatalf("expected the other runnable task (%d) to take over; got %d", other, current.id)
	}

	Wake(sleeper)
	if tasks[sleeper].state != StateRunnable {
		t.Error("expected Wake to move the sleeping task back to Runnable")
	}
}

func TestSleepIgnoresMismatchedID(t *testing.T) {
	resetState(t)
	Init(taskHeap)
	boot := current

	Sleep(ID(999))

	if current != boot || boot.state != StateRunning {
		t.Error("expected Sleep with a non-matching id to be a no-op")
	}
}

func TestWakeIgnoresUnknownOrRunnableTask(t *testing.T) {
	resetState(t)
	Init(taskHeap)

	id := Spawn(func(ID, uint64) {}, 0, PriorityNormal)
	Wake(id) // already Runnable, not Sleeping

	if tasks[id].state != StateRunnable {
		t.Error("expected Wake on a Runnable task to leave its state untouched")
	}

	Wake(ID(12345)) // does not panic on an unknown id
}

func TestSendAndReceive(t *testing.T) {
	resetState(t)
	Init(taskHeap)

	id := Spawn(func(ID, uint64) {}, 0, PriorityNormal)

	if !Send(id, Message{Kind: MessageUser, Payload: 42}) {
		t.Fatal("expected Send to succeed for an existing task")
	}

	msg, ok := Receive(id)
	if !ok || msg.Payload != 42 {
		t.Fatalf("expected to receive the message just sent; got %+v, ok=%v", msg, ok)
	}

	if _, ok := Receive(id); ok {
		t.Error("expected a second Receive on an empty mailbox to report ok=false")
	}

	if Send(ID(999), Message{}) {
		t.Error("expected Send to an unknown task to fail")
	}
}

func TestMailboxDropsOnOverflow(t *testing.T) {
	resetState(t)
	Init(taskHeap)

	id := Spawn(func(ID, uint64) {}, 0, PriorityNormal)

	for i := 0; i < mailboxCapacity; i++ {
		if !Send(id, Message{Payload: uint64(i)}) {
			t.Fatalf("expected message %d to be accepted", i)
		}
	}
	if Send(id, Message{Payload: 999}) {
		t.Error("expected Send to drop a message once the mailbox is full")
	}
}

func TestScheduleAndCancelTimer(t *testing.T) {
	resetState(t)
	Init(taskHeap)

	id := Spawn(func(ID, uint64) {}, 0, PriorityNormal)

	timerID := ScheduleTimer(id, 5)
	if timers.q.Len() != 1 {
		t.Fatalf("expected one pending timer; got %d", timers.q.Len())
	}

	CancelTimer(timerID)
	if timers.q.Len() != 0 {
		t.Error("expected CancelTimer to remove the pending timer")
	}
}

func TestOnTickDeliversExpiredTimersAndReschedules(t *testing.T) {
	resetState(t)
	Init(taskHeap)

	owner := Spawn(func(ID, uint64) {}, 0, PriorityNormal)
	ScheduleTimer(owner, 1)

	regs, frame := fakeInterruptState()
	onTick(regs, frame, 0)

	msg, ok := Receive(owner)
	if !ok || msg.Kind != MessageTimerTimeout {
		t.Fatalf("expected a TimerTimeout message to be delivered; got %+v, ok=%v", msg, ok)
	}
	if current.id != owner {
		t.Errorf("expected onTick to switch to the runnable task %d; got %d", owner, current.id)
	}
}

func TestExitRemovesTaskAndSwitchesAway(t *testing.T) {
	resetState(t)
	Init(taskHeap)

	dying := Spawn(func(ID, uint64) {}, 0, PriorityNormal)
	other := Spawn(func(ID, uint64) {}, 0, PriorityNormal)

	// Simulate the dying task having already been scheduled in: dequeue it
	// from the ready list (as pickNextLocked would) and make it current.
	current = pickNextLocked()
	current.state = StateRunning
	if current.id != dying {
		t.Fatalf("test setup: expected the first-spawned task to be current; got %d", current.id)
	}

	Exit()

	if _, ok := tasks[dying]; ok {
		t.Error("expected the exited task to be removed from the task table")
	}
	if current.id != other {
		t.Errorf("expected the remaining task (%d) to take over; got %d", other, current.id)
	}
}

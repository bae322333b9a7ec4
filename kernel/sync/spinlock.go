// Package sync provides an interrupt-aware spinlock.
package sync

import (
	"nucleus/kernel/cpu"
	"sync/atomic"
)

// maxCPUs bounds the per-CPU bookkeeping arrays used to make Spinlock safe to
// acquire from both thread and interrupt context. The kernel core does not
// bring up secondary processors; the arrays are indexed by the dense CPU
// index cpuIndexFn returns, which is always 0 here.
const maxCPUs = 32

var (
	// yieldFn is called between CAS attempts while spinning; nucleus/kernel/task
	// installs task.Yield here once the task manager is running.
	yieldFn func()

	// cpuIndexFn maps the currently executing CPU to a dense index in
	// [0, maxCPUs). It defaults to the single-CPU case; a multi-CPU bring-up
	// sequence would replace it with a lookup based on the local APIC id.
	cpuIndexFn = func() int { return 0 }

	// The following three indirections exist purely so tests can run on a
	// hosted Go runtime, where the real CLI/STI instructions are
	// unavailable to unprivileged code.
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
	interruptsEnabledFn = cpu.InterruptsEnabled
)

// lockDepth and savedIFlag track, per CPU, how many interrupt-aware locks are
// currently held and whether interrupts were enabled immediately before the
// outermost one was acquired.
var (
	lockDepth  [maxCPUs]uint32
	savedIFlag [maxCPUs]bool
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. Acquiring a Spinlock always disables
// local interrupts for the duration of the critical section; Release
// restores the interrupt-enable state that was in effect before the
// outermost Acquire on the current CPU. This makes it safe to take the same
// lock from both ordinary code and an interrupt handler running on the same
// CPU without risking self-deadlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	wasEnabled := interruptsEnabledFn()
	disableInterruptsFn()

	idx := cpuIndexFn()
	if lockDepth[idx] == 0 {
		savedIFlag[idx] = wasEnabled
	}
	lockDepth[idx]++

	archAcquireSpinlock(&l.state)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise. Unlike Acquire, a failed attempt leaves the
// interrupt state untouched.
func (l *Spinlock) TryToAcquire() bool {
	wasEnabled := interruptsEnabledFn()
	disableInterruptsFn()

	if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		idx := cpuIndexFn()
		if lockDepth[idx] == 0 {
			savedIFlag[idx] = wasEnabled
		}
		lockDepth[idx]++
		return true
	}

	if wasEnabled {
		enableInterruptsFn()
	}
	return false
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect on the lock word, but it still
// participates in the per-CPU nesting bookkeeping, so it must only be called
// to match a successful Acquire/TryToAcquire.
func (l *Spinlock) Release() {
	idx := cpuIndexFn()

	atomic.StoreUint32(&l.state, 0)

	lockDepth[idx]--
	if lockDepth[idx] == 0 && savedIFlag[idx] {
		enableInterruptsFn()
	}
}

// SetYieldFunc installs the function a spinning Acquire calls between CAS
// attempts. nucleus/kernel/task installs its own scheduling yield once the
// task manager is running, in place of the busy-only default.
func SetYieldFunc(fn func()) {
	yieldFn = fn
}

// archAcquireSpinlock busy-waits until it can CAS state from 0 to 1. Between
// attempts it calls yieldFn, if set, so hosted tests can interleave with
// runtime.Gosched instead of starving the scheduler.
func archAcquireSpinlock(state *uint32) {
	for !atomic.CompareAndSwapUint32(state, 0, 1) {
		if yieldFn != nil {
			yieldFn()
		}
	}
}

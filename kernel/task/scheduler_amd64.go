package task

import (
	"nucleus/device/apic"
	"nucleus/kernel/irq"
)

// Start arms the local APIC timer for preemptive scheduling and wires its
// interrupt to onTick. timerFreqHz is the calibrated frequency of the local
// APIC's timer input; the interval between preemptions is fixed at
// timerFreqHz/100*2 ticks, i.e. roughly every two 10ms periods.
func Start(timerFreqHz uint32) {
	irq.HandleVector(irq.VectorLocalAPICTimer, onTick)
	apic.ProgramTimer((timerFreqHz / 100) * 2)
}

// onTick runs on every local APIC timer interrupt. It advances the tick
// counter, delivers any timers that have expired, and, if a different task
// is now due to run, rewrites the interrupted register/frame snapshot in
// place so that commonStub's IRETQ resumes the new task instead of the one
// that was interrupted.
//
// This is deliberately not implemented with switchContext: the exception
// frame commonStub already captured is a perfectly good save slot for the
// outgoing task's GP registers, RIP, CS, RFLAGS, RSP and SS, and mutating it
// avoids ever nesting a second IRETQ inside this one. The tradeoff is that a
// preemptive switch does not save or restore CR3, FS, GS or FPU/SSE state;
// CR3 never actually changes since every task shares the one identity map,
// and FS/GS/FXSave simply carry forward whatever a task's most recent
// cooperative switch (or its creation via Spawn) last left them as.
func onTick(regs *irq.Regs, frame *irq.Frame, errorCode uint64) {
	mgrLock.Acquire()

	tick++
	for _, e := range timers.expire(tick) {
		deliverLocked(e.owner, Message{Kind: MessageTimerTimeout, Timer: e.id})
	}

	me := current
	next := pickNextLocked()
	if next != nil && next != me {
		saveFrame(me.ctx, regs, frame)
		me.state = StateRunnable
		enqueueReadyLocked(me)

		current = next
		next.state = StateRunning
		loadFrame(next.ctx, regs, frame)
	}

	mgrLock.Release()

	irq.NotifyEndOfInterrupt()
}

func saveFrame(ctx *Context, regs *irq.Regs, frame *irq.Frame) {
	ctx.RAX, ctx.RBX, ctx.RCX, ctx.RDX = regs.RAX, regs.RBX, regs.RCX, regs.RDX
	ctx.RSI, ctx.RDI, ctx.RBP = regs.RSI, regs.RDI, regs.RBP
	ctx.R8, ctx.R9, ctx.R10, ctx.R11 = regs.R8, regs.R9, regs.R10, regs.R11
	ctx.R12, ctx.R13, ctx.R14, ctx.R15 = regs.R12, regs.R13, regs.R14, regs.R15

	ctx.RIP, ctx.CS, ctx.RFlags, ctx.RSP, ctx.SS = frame.RIP, frame.CS, frame.RFlags, frame.RSP, frame.SS
}

func loadFrame(ctx *Context, regs *irq.Regs, frame *irq.Frame) {
	regs.RAX, regs.RBX, regs.RCX, regs.RDX = ctx.RAX, ctx.RBX, ctx.RCX, ctx.RDX
	regs.RSI, regs.RDI, regs.RBP = ctx.RSI, ctx.RDI, ctx.RBP
	regs.R8, regs.R9, regs.R10, regs.R11 = ctx.R8, ctx.R9, ctx.R10, ctx.R11
	regs.R12, regs.R13, regs.R14, regs.R15 = ctx.R12, ctx.R13, ctx.R14, ctx.R15

	frame.RIP, frame.CS, frame.RFlags, frame.RSP, frame.SS = ctx.RIP, ctx.CS, ctx.RFlags, ctx.RSP, ctx.SS
}

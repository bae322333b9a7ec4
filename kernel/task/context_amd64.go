package task

// Context is the saved machine state for a suspended task. Its field offsets
// are load-bearing: switchContext (context_amd64.s) writes and reads them by
// raw byte offset instead of by field name, so the layout below must not be
// reordered without also updating the assembly.
//
// A Context must be allocated at a 16-byte aligned address so that the
// embedded FXSave area, itself 16-byte aligned relative to the struct start,
// ends up correctly aligned for FXSAVE64/FXRSTOR64. Go gives no way to
// request that alignment on a type directly, so newContext asks the heap
// allocator for it explicitly.
type Context struct {
	CR3      uint64 // 0x00
	RIP      uint64 // 0x08
	RFlags   uint64 // 0x10
	reserved uint64 // 0x18
	CS       uint64 // 0x20
	SS       uint64 // 0x28
	FS       uint64 // 0x30
	GS       uint64 // 0x38
	RAX      uint64 // 0x40
	RBX      uint64 // 0x48
	RCX      uint64 // 0x50
	RDX      uint64 // 0x58
	RDI      uint64 // 0x60
	RSI      uint64 // 0x68
	RSP      uint64 // 0x70
	RBP      uint64 // 0x78
	R8       uint64 // 0x80
	R9       uint64 // 0x88
	R10      uint64 // 0x90
	R11      uint64 // 0x98
	R12      uint64 // 0xa0
	R13      uint64 // 0xa8
	R14      uint64 // 0xb0
	R15      uint64 // 0xb8
	FXSave   [512]byte // 0xc0
}

const contextAlign = 16

// switchContext saves the currently running task's machine state into
// current, then restores next and resumes it via IRETQ. It never returns to
// its caller directly: the next time the outgoing task runs, execution
// resumes right after the call to switchContext that suspended it, as if the
// call had simply returned.
//
// switchContext loads next and current from its stack arguments into RDI and
// RSI before saving any register, so the RDI/RSI it stores into *current are
// those two pointers, not the caller's values. Only a fresh task's Context
// carries meaningful RDI/RSI (the id and argument newContext seeds); callers
// must not rely on RDI or RSI surviving the call.
func switchContext(next, current *Context)

// currentSegments reads the CS and SS selectors active at call time, so a
// freshly created task resumes into whatever flat segments the firmware or
// loader set up, the same way irq.currentCodeSegment does for the IDT.
func currentSegments() (cs, ss uint16)

// taskTrampoline is the landing pad every freshly created task's Context.RIP
// points at. A task can never be entered by pointing RIP directly at the
// caller's Go entry function: the register state switchContext restores is
// raw machine state, not a value Go's calling convention produced, and Go
// functions compiled for the normal (register) ABI expect their arguments
// already placed according to that ABI's rules. taskTrampoline bridges the
// gap in assembly: it takes the entry-table index out of RBX and the task
// id/argument out of RDI/RSI (the values newContext seeded them with) and
// calls runEntry, which looks up and runs the entry function, using the same
// stack-argument convention commonStub uses to call dispatch.
func taskTrampoline()

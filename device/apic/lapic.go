// Package apic programs the local and I/O advanced programmable interrupt
// controllers once device/acpi has parsed their MADT-reported addresses.
package apic

import (
	"nucleus/kernel/cpu"
	"nucleus/kernel/irq"
	"unsafe"
)

const apicBaseMSR = 0x1b

// Local APIC register offsets, in 32-bit words from the MMIO base.
const (
	regTaskPriority        = 0x80 / 4
	regEndOfInterrupt      = 0xb0 / 4
	regSpuriousVector      = 0xf0 / 4
	regErrorStatus         = 0x280 / 4
	regInterruptCommandLo  = 0x300 / 4
	regInterruptCommandHi  = 0x310 / 4
	regLVTTimer            = 0x320 / 4
	regLVTPerfCounter      = 0x340 / 4
	regLVTLINT0            = 0x350 / 4
	regLVTLINT1            = 0x360 / 4
	regLVTError            = 0x370 / 4
	regTimerInitialCount   = 0x380 / 4
	regTimerCurrentCount   = 0x390 / 4
	regTimerDivideConfig   = 0x3e0 / 4
)

const (
	lvtMasked             = 1 << 16
	spuriousVectorValue   = 0xff
	spuriousSoftwareEnable = 1 << 8

	icrBroadcast       = 0x00080000
	icrLevelTriggered  = 0x00008000
	icrInitLevelDeassert = 0x00000500
	icrDeliveryPending = 0x00001000
)

// localAPICWindow is the MMIO window for the currently running CPU's local
// APIC. The kernel core does not bring up secondary processors, so a single
// package-level instance is sufficient.
type localAPICWindow struct {
	base uintptr
}

func (l *localAPICWindow) read(reg uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(l.base + reg*4))
}

func (l *localAPICWindow) write(reg uintptr, value uint32) {
	*(*uint32)(unsafe.Pointer(l.base + reg*4)) = value
}

var lapic localAPICWindow

// InitLocalAPIC enables the local APIC through IA32_APIC_BASE, then programs
// it into the state this kernel expects: spurious vector 0xff with the
// software-enable bit set, LINT0/LINT1/the performance counter masked, LVT
// error routed to irq.VectorIRQError, and the error status register cleared.
// It finishes by broadcasting an INIT level de-assert to synchronize
// arbitration ids and setting the task priority register to accept all
// vectors.
func InitLocalAPIC(base uint32) {
	cpu.WriteMSR(apicBaseMSR, uint64(base)|(1<<11))

	lapic = localAPICWindow{base: uintptr(base)}

	lapic.write(regSpuriousVector, spuriousSoftwareEnable|spuriousVectorValue)

	lapic.write(regLVTLINT0, lvtMasked)
	lapic.write(regLVTLINT1, lvtMasked)
	lapic.write(regLVTPerfCounter, lvtMasked)

	lapic.write(regLVTError, uint32(irq.VectorIRQError))

	lapic.write(regErrorStatus, 0)
	lapic.write(regErrorStatus, 0)

	lapic.write(regInterruptCommandHi, 0)
	lapic.write(regInterruptCommandLo, icrBroadcast|icrLevelTriggered|icrInitLevelDeassert)
	for lapic.read(regInterruptCommandLo)&icrDeliveryPending != 0 {
	}

	lapic.write(regTaskPriority, 0)

	irq.NotifyEndOfInterrupt = notifyEndOfInterrupt
}

// ProgramTimer configures the local APIC timer in periodic mode, routed to
// irq.VectorLocalAPICTimer, dividing the bus clock by 16 and counting down
// from initialCount on each period.
func ProgramTimer(initialCount uint32) {
	const (
		divideBy16 = 0x3
		periodic   = 1 << 17
	)

	lapic.write(regTimerDivideConfig, divideBy16)
	lapic.write(regLVTTimer, periodic|uint32(irq.VectorLocalAPICTimer))
	lapic.write(regTimerInitialCount, initialCount)
}

// CurrentTimerCount returns the local APIC timer's current count register,
// useful for calibrating the tick period against a known time source.
func CurrentTimerCount() uint32 {
	return lapic.read(regTimerCurrentCount)
}

func notifyEndOfInterrupt() {
	lapic.write(regEndOfInterrupt, 0)
}

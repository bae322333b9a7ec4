package apic

import (
	"nucleus/device/acpi"
	"nucleus/kernel"
	"nucleus/kernel/cpu"
	"nucleus/kernel/irq"
)

var errIOAPICIDMismatch = &kernel.Error{Module: "apic", Message: "I/O APIC id reported by hardware does not match the MADT"}

const (
	pic1DataPort = 0x21
	pic2DataPort = 0xa1
)

var outbFn = cpu.Outb

// Init wires the interrupt descriptor table, disables the legacy 8259 PIC,
// and programs the local and I/O APICs using the MADT layout device/acpi
// already parsed. It must run after acpi.GetApicInfo is populated.
func Init() *kernel.Error {
	irq.Init()

	disable8259PIC()

	info := acpi.GetApicInfo()

	InitLocalAPIC(info.LocalAPICBase)

	if !InitIOAPIC(info.IOAPIC.Address, info.IOAPIC.APICID) {
		return errIOAPICIDMismatch
	}

	return nil
}

// disable8259PIC masks every line on both legacy PICs so spurious
// interrupts cannot arrive behind the APIC's back.
func disable8259PIC() {
	outbFn(pic1DataPort, 0xff)
	outbFn(pic2DataPort, 0xff)
}

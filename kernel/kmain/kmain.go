// Package kmain wires together every subsystem the kernel needs before it
// can schedule tasks: the frame allocator, the static identity map, the
// kernel heap, the Go runtime bootstrap, interrupt and device bring-up, and
// finally the task manager itself.
package kmain

import (
	"nucleus/device/acpi"
	"nucleus/device/apic"
	"nucleus/device/ps2"
	"nucleus/device/serial"
	"nucleus/kernel"
	"nucleus/kernel/goruntime"
	"nucleus/kernel/hal"
	"nucleus/kernel/irq"
	"nucleus/kernel/kfmt"
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/heap"
	"nucleus/kernel/mem/pmm"
	"nucleus/kernel/mem/vmm"
	"nucleus/kernel/task"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// kernelHeapFrames is the number of 4 KiB frames carved out of physical
// memory to back the kernel heap (and, through it, the Go runtime's own
// allocator). 4096 frames is 16 MiB, enough for the task manager's stacks
// and contexts plus whatever driver bring-up allocates.
const kernelHeapFrames = 4096

// assumedAPICTimerHz stands in for a proper local APIC timer calibration
// routine (e.g. against the PIT or HPET), which this kernel does not yet
// implement; the scheduler's preemption rate is only as accurate as this
// guess.
const assumedAPICTimerHz = 1_000_000

var (
	frames pmm.BitmapAllocator
	kheap  heap.Allocator
)

// inputTaskID is the designated recipient of PS/2 keyboard and mouse
// interrupt messages. Nothing in this kernel yet spawns a dedicated input
// task, so it defaults to task 0, the boot task task.Init adopts.
var inputTaskID = task.ID(0)

// mousePacket buffers the raw bytes of an in-flight PS/2 mouse packet across
// interrupts, since the mouse IRQ fires once per byte but DecodePacket needs
// all three.
var mousePacket struct {
	buf [3]uint8
	n   int
}

// Kmain is the first Go code to run once the bootloader hands control to
// the kernel. bootInfo describes the memory map, framebuffer and ACPI RSDP
// as reported by firmware; Kmain owns bringing every other subsystem up
// from that single payload.
//
// Kmain is not expected to return. If initialization fails partway through,
// it panics via kfmt.Panic instead, so the failure is visible on whatever
// console is already attached.
//
//go:noinline
func Kmain(bootInfo *mem.BootInfo) {
	vmm.Init()

	frames.Init(bootInfo.MemoryMap)

	heapBase := allocHeapRegion()
	kheap.Init(heapBase, uintptr(kernelHeapFrames)*uintptr(mem.PageSize))

	goruntime.SetHeap(&kheap)
	if err := goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}
	kfmt.SetOutputSink(serial.New())

	task.Init(&kheap)

	if bootInfo.RSDPAddr != 0 {
		acpi.SetRSDPAddr(uintptr(bootInfo.RSDPAddr))
	}
	hal.DetectHardware()

	if err := apic.Init(); err != nil {
		kfmt.Panic(err)
	}

	ctrl, err := ps2.Init()
	if err != nil {
		kfmt.Panic(err)
	}
	wireInputIRQs(ctrl)

	task.Start(assumedAPICTimerHz)

	kfmt.Panic(errKmainReturned)
}

// allocHeapRegion reserves the physical frames backing the kernel heap.
// Under this kernel's static identity map a frame's physical address is
// also its usable virtual address, so the allocator can hand the result
// straight to heap.Init.
func allocHeapRegion() uintptr {
	first, err := frames.Alloc(kernelHeapFrames)
	if err != nil {
		kfmt.Panic(err)
	}
	return first.Address()
}

// wireInputIRQs registers the keyboard and, if present, mouse interrupt
// handlers. Both drain exactly one device-reported byte per interrupt and
// hand it off without blocking, since a blocking multi-byte read inside an
// interrupt handler would deadlock the controller it is servicing.
func wireInputIRQs(ctrl *ps2.Controller) {
	irq.HandleVector(irq.VectorIRQKeyboard, func(regs *irq.Regs, frame *irq.Frame, errorCode uint64) {
		defer irq.NotifyEndOfInterrupt()

		scancode, err := ctrl.Keyboard.ReadScancode()
		if err != nil {
			return
		}
		task.Send(inputTaskID, task.Message{
			Kind:    task.MessagePS2KeyboardInterrupt,
			Payload: uint64(scancode),
		})
	})

	if ctrl.Mouse == nil {
		return
	}
	irq.HandleVector(irq.VectorIRQMouse, func(regs *irq.Regs, frame *irq.Frame, errorCode uint64) {
		defer irq.NotifyEndOfInterrupt()

		b, err := ctrl.Mouse.ReadByte()
		if err != nil {
			return
		}

		mousePacket.buf[mousePacket.n] = b
		mousePacket.n++
		if mousePacket.n < len(mousePacket.buf) {
			return
		}
		mousePacket.n = 0

		event := ps2.DecodePacket(mousePacket.buf[0], mousePacket.buf[1], mousePacket.buf[2])
		task.Send(inputTaskID, task.Message{
			Kind:    task.MessagePS2MouseInterrupt,
			Payload: packMouseEvent(event),
		})
	})
}

// packMouseEvent packs a decoded mouse event into a mailbox-portable uint64:
// the button in the low byte, DX in the next, DY in the one after, both as
// two's-complement bytes.
func packMouseEvent(e ps2.Event) uint64 {
	return uint64(uint8(e.Button)) | uint64(uint8(int8(e.DX)))<<8 | uint64(uint8(int8(e.DY)))<<16
}

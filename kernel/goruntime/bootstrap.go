// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"nucleus/kernel"
	"nucleus/kernel/mem"
	"nucleus/kernel/mem/heap"
	"unsafe"
)

var (
	allocFn         = (*heap.Allocator).Alloc
	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit

	// backingHeap is the allocator every sys* hook carves memory from. It
	// must be installed via SetHeap before Init runs.
	backingHeap *heap.Allocator

	// A seed for the pseudo-random number generator used by getRandomData
	prngSeed = 0xdeadc0de
)

// SetHeap installs the allocator that backs the Go runtime's own memory
// requests. It must be called after the kernel heap has been initialized and
// before Init.
func SetHeap(h *heap.Allocator) {
	backingHeap = h
}

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings in the reference runtime. Under this
// kernel's static identity map there is no separate reservation step:
// physical memory is always present at its own address, so reserving a
// region and backing it are the same operation, and sysReserve simply carves
// it out of the kernel heap.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionSize := alignUp(mem.Size(size), mem.PageSize)

	ptr := allocFn(backingHeap, uintptr(regionSize), uintptr(mem.PageSize))
	if ptr == nil {
		panic("goruntime: sysReserve: heap exhausted")
	}

	*reserved = true
	return ptr
}

// sysMap marks a region previously reserved via sysReserve as actually
// backed. Since sysReserve already returned real, addressable heap memory,
// all that remains is zeroing it, matching the reference runtime's
// expectation that freshly mapped pages read back as zero.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	regionSize := alignUp(mem.Size(size), mem.PageSize)
	zeroMemory(virtAddr, uintptr(regionSize))

	mSysStatInc(sysStat, uintptr(regionSize))
	return virtAddr
}

// sysAlloc reserves and zeroes a region in one step.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := alignUp(mem.Size(size), mem.PageSize)

	ptr := allocFn(backingHeap, uintptr(regionSize), uintptr(mem.PageSize))
	if ptr == nil {
		return unsafe.Pointer(uintptr(0))
	}

	zeroMemory(ptr, uintptr(regionSize))

	mSysStatInc(sysStat, uintptr(regionSize))
	return ptr
}

// alignUp rounds size up to the next multiple of align.
func alignUp(size, align mem.Size) mem.Size {
	return (size + align - 1) &^ (align - 1)
}

// zeroMemory clears size bytes starting at ptr one byte at a time, avoiding
// any slice construction that could trigger an allocation before the runtime
// is ready for one.
func zeroMemory(ptr unsafe.Pointer, size uintptr) {
	for i := uintptr(0); i < size; i++ {
		*(*byte)(unsafe.Pointer(uintptr(ptr) + i)) = 0
	}
}

// nanotime returns a monotonically increasing clock value. This is a dummy
// implementation and will be replaced when the timekeeper package is
// implemented.
//
// This function replaces runtime.nanotime and is invoked by the Go allocator
// when a span allocation is performed.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() uint64 {
	// Use a dummy loop to prevent the compiler from inlining this function.
	for i := 0; i < 100; i++ {
	}
	return 1
}

// getRandomData populates the given slice with random data. The implementation
// is the runtime package reads a random stream from /dev/random but since this
// is not available, we use a prng instead.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables support for various Go runtime features. After a call to init
// the following runtime features become available for use:
//  - heap memory allocation (new, make e.t.c)
//  - map primitives
//  - interfaces
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file. sysReserve/sysMap/sysAlloc are deliberately not exercised
	// here since they dereference backingHeap, which SetHeap has not
	// installed yet this early.
	getRandomData(nil)
	_ = nanotime()
}

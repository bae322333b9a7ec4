package pmm

import (
	"nucleus/kernel"
	"nucleus/kernel/mem"
	"nucleus/kernel/sync"
)

// maxPhysicalMemory bounds the range the bitmap allocator can describe. 128
// GiB covers every configuration this kernel targets; frames above this
// range are never handed to the allocator.
const maxPhysicalMemory = 128 * mem.Gb

const frameCount = uint64(maxPhysicalMemory) / uint64(mem.PageSize)

// mapLine is one word of the allocation bitmap.
type mapLine = uint64

const bitsPerMapLine = 64
const mapLineCount = frameCount / bitsPerMapLine

var errOutOfMemory = &kernel.Error{Module: "pmm", Message: "no free frames left"}

// BitmapAllocator is a first-fit allocator that tracks frame usage with one
// bit per 4 KiB frame. It is seeded once from the firmware memory map and is
// safe for concurrent use.
type BitmapAllocator struct {
	mu sync.Spinlock

	allocMap [mapLineCount]mapLine

	// begin and end bound the frame range eligible for allocation. Frame 0
	// is always excluded so that Frame(0) can serve as a sentinel value.
	begin, end Frame
}

// Init seeds the allocator from the firmware-reported memory map. Any gap
// between successive entries is treated as a hardware reservation and marked
// allocated; entries whose Kind is not Available() are likewise marked
// allocated. The valid allocation range becomes [1, highwater) where
// highwater is the address immediately past the last available entry.
func (a *BitmapAllocator) Init(memMap []mem.MemoryMapEntry) {
	a.mu.Acquire()
	defer a.mu.Release()

	var lastAvailableEnd uint64

	for i := range memMap {
		entry := &memMap[i]
		physStart := entry.PhysStart
		physEnd := entry.End()

		if lastAvailableEnd < physStart {
			id := Frame(lastAvailableEnd / uint64(mem.PageSize))
			count := (physStart - lastAvailableEnd) / uint64(mem.PageSize)
			a.markAllocatedLocked(id, count)
		}

		if entry.Kind.Available() {
			lastAvailableEnd = physEnd
		} else {
			id := Frame(physStart / uint64(mem.PageSize))
			count := entry.PageCount * uint64(mem.PageSize) / uint64(mem.PageSize)
			a.markAllocatedLocked(id, count)
		}
	}

	a.begin = 1
	a.end = Frame(lastAvailableEnd / uint64(mem.PageSize))
}

func (a *BitmapAllocator) markAllocatedLocked(first Frame, count uint64) {
	for i := uint64(0); i < count; i++ {
		a.setBitLocked(first+Frame(i), true)
	}
}

func (a *BitmapAllocator) setBitLocked(f Frame, allocated bool) {
	line := uint64(f) / bitsPerMapLine
	bit := uint64(f) % bitsPerMapLine
	if line >= mapLineCount {
		return
	}
	if allocated {
		a.allocMap[line] |= 1 << bit
	} else {
		a.allocMap[line] &^= 1 << bit
	}
}

func (a *BitmapAllocator) getBitLocked(f Frame) bool {
	line := uint64(f) / bitsPerMapLine
	bit := uint64(f) % bitsPerMapLine
	return a.allocMap[line]&(1<<bit) != 0
}

// Alloc reserves n contiguous frames using a first-fit scan and returns the
// first frame's id. It returns errOutOfMemory if no run of n free frames
// exists in [begin, end).
func (a *BitmapAllocator) Alloc(n uint64) (Frame, *kernel.Error) {
	a.mu.Acquire()
	defer a.mu.Release()

	start := a.begin
	for {
		var i uint64
		for ; i < n; i++ {
			if start+Frame(i) >= a.end {
				return InvalidFrame, errOutOfMemory
			}
			if a.getBitLocked(start + Frame(i)) {
				break
			}
		}

		if i == n {
			a.markAllocatedLocked(start, n)
			return start, nil
		}

		start += Frame(i) + 1
	}
}

// Dealloc releases n frames starting at first. The caller must pass back
// exactly the (first, n) pair returned by a prior Alloc call.
func (a *BitmapAllocator) Dealloc(first Frame, n uint64) {
	a.mu.Acquire()
	defer a.mu.Release()

	for i := uint64(0); i < n; i++ {
		a.setBitLocked(first+Frame(i), false)
	}
}

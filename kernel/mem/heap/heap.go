// Package heap implements a linked-list, first-fit byte allocator that backs
// the kernel's dynamic memory (including the Go runtime bootstrap in
// nucleus/kernel/goruntime).
package heap

import (
	"nucleus/kernel/sync"
	"unsafe"
)

// node is a free-list entry. It is stored in-place at the start of the free
// region it describes; its size includes the header itself.
type node struct {
	size uint64
	next *node
}

const nodeSize = unsafe.Sizeof(node{})
const nodeAlign = unsafe.Alignof(node{})

func (n *node) startAddr() uintptr { return uintptr(unsafe.Pointer(n)) }
func (n *node) endAddr() uintptr   { return n.startAddr() + uintptr(n.size) }

// Allocator is a linked-list, first-fit byte allocator. The zero value is
// not usable; call Init with a backing region before use.
type Allocator struct {
	mu   sync.Spinlock
	head node
}

// Init seeds the allocator with a single free region [start, start+size).
// start must already satisfy nodeAlign and size must be at least nodeSize.
func (h *Allocator) Init(start uintptr, size uintptr) {
	h.mu.Acquire()
	defer h.mu.Release()
	h.addFreeRegionLocked(start, size)
}

// Grow adds an additional free region to the allocator, e.g. once more
// physical memory has been mapped in. The caller must ensure the region does
// not overlap any region already known to the allocator.
func (h *Allocator) Grow(start uintptr, size uintptr) {
	h.mu.Acquire()
	defer h.mu.Release()
	h.addFreeRegionLocked(start, size)
}

func (h *Allocator) addFreeRegionLocked(addr uintptr, size uintptr) {
	if addr%nodeAlign != 0 || uintptr(size) < uintptr(nodeSize) {
		return
	}

	n := (*node)(unsafe.Pointer(addr))
	n.size = uint64(size)
	n.next = h.head.next
	h.head.next = n
}

// alignUp rounds addr up to the next multiple of align.
func alignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// sizeAlign adjusts a requested (size, align) so that the resulting
// allocation is also capable of storing a node once freed.
func sizeAlign(size, align uintptr) (uintptr, uintptr) {
	if align < nodeAlign {
		align = nodeAlign
	}
	size = alignUp(size, nodeAlign)
	if size < uintptr(nodeSize) {
		size = uintptr(nodeSize)
	}
	return size, align
}

// allocFromRegion checks whether size bytes aligned to align can be carved
// out of region, returning the start address of the allocation.
func allocFromRegion(region *node, size, align uintptr) (uintptr, bool) {
	allocStart := alignUp(region.startAddr(), align)
	allocEnd := allocStart + size

	if allocEnd > region.endAddr() {
		return 0, false
	}

	excess := region.endAddr() - allocEnd
	if excess > 0 && excess < uintptr(nodeSize) {
		return 0, false
	}

	return allocStart, true
}

// findRegion scans the free list for the first region that can satisfy
// (size, align), unlinking and returning it together with the allocation
// start address.
func (h *Allocator) findRegion(size, align uintptr) (*node, uintptr) {
	current := &h.head
	for current.next != nil {
		region := current.next
		if allocStart, ok := allocFromRegion(region, size, align); ok {
			current.next = region.next
			return region, allocStart
		}
		current = current.next
	}
	return nil, 0
}

// Alloc reserves size bytes aligned to align and returns a pointer to the
// start of the allocation, or nil if no sufficiently large free region
// exists.
func (h *Allocator) Alloc(size, align uintptr) unsafe.Pointer {
	size, align = sizeAlign(size, align)

	h.mu.Acquire()
	defer h.mu.Release()

	region, allocStart := h.findRegion(size, align)
	if region == nil {
		return nil
	}

	allocEnd := allocStart + size
	if excess := region.endAddr() - allocEnd; excess > 0 {
		h.addFreeRegionLocked(allocEnd, excess)
	}

	return unsafe.Pointer(allocStart)
}

// Dealloc returns a previously allocated (ptr, size, align) triple to the
// free list. The caller must pass back the exact size/align it used to
// allocate ptr.
func (h *Allocator) Dealloc(ptr unsafe.Pointer, size, align uintptr) {
	size, _ = sizeAlign(size, align)

	h.mu.Acquire()
	defer h.mu.Release()

	h.addFreeRegionLocked(uintptr(ptr), size)
}

package kmalloc

import (
	"github.com/coniferos/conifer/internal/layout"
)

// Heap is the kernel's general-purpose allocator: a free list over the
// bounded heap window, with stacks reserved top-down from the same
// bounds. It is a process-wide singleton constructed once at boot; all
// mutation happens from syscall or IRQ paths with interrupts disabled, so
// it carries no lock of its own.
type Heap struct {
	bounds   *Bounds
	freeList *FreeList
}

// NewHeap builds the kernel heap over the standard window.
func NewHeap() *Heap {
	bounds := NewBounds(layout.HeapStart, layout.HeapEndBound)
	return &Heap{bounds: bounds, freeList: NewFreeList(bounds)}
}

// Allocate returns the address of size usable bytes, or 0 when the heap
// is exhausted. Callers decide whether exhaustion is fatal.
func (h *Heap) Allocate(size uint32) uint32 { return h.freeList.Allocate(size) }

// Free releases an allocation.
func (h *Heap) Free(addr uint32) { h.freeList.Free(addr) }

// ReserveStack carves a stack from the top bound and returns its top
// address (the initial stack pointer), or 0.
func (h *Heap) ReserveStack(size uint32) uint32 {
	return h.bounds.TryReserveTopdown(size)
}

// Stats returns allocator counters.
func (h *Heap) Stats() Stats { return h.freeList.Stats() }

// TaskHeap is a per-task user heap: one contiguous slot from the kernel
// heap, with a high-watermark allocator inside it. Task heaps never free
// individual allocations; the whole slot is reclaimed when the task
// exits.
type TaskHeap struct {
	start uint32
	size  uint32
	brk   uint32
}

// NewTaskHeap wraps the fixed slot [start, start+size).
func NewTaskHeap(start, size uint32) *TaskHeap {
	return &TaskHeap{start: start, size: size, brk: start}
}

// Start returns the base of the slot.
func (t *TaskHeap) Start() uint32 { return t.start }

// Sbrk advances the break by increase bytes and returns the new break, or
// 0 when the slot is exhausted. Sbrk(0) reads the current break.
func (t *TaskHeap) Sbrk(increase uint32) uint32 {
	if increase > t.size || t.brk+increase > t.start+t.size {
		return 0
	}
	t.brk += increase
	return t.brk
}

// Used returns the bytes handed out so far.
func (t *TaskHeap) Used() uint32 { return t.brk - t.start }

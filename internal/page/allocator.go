package page

import (
	"fmt"
	"sort"
)

// Allocation is the result of an allocator request. A zero Allocation means
// the request could not be satisfied; allocators never block and never
// panic on exhaustion.
type Allocation struct {
	Ptr  uint32
	Size uint32
}

// IsEmpty reports whether the allocation failed.
func (a Allocation) IsEmpty() bool { return a.Size == 0 }

// Range returns the allocation as a page range.
func (a Allocation) Range() PageRange { return PageRangeFromPtr(a.Ptr, a.Size) }

// RangeAllocator hands out page ranges from a fixed address window. Free
// ranges are kept sorted by (offset, length), non-overlapping, and
// maximally coalesced. Selection is first-fit in ascending order, which
// keeps boot-time identity mappings at predictable addresses.
//
// Two instances exist per machine: one tracking physical pages, one
// tracking virtual pages. The free list is a Go slice that starts with
// room for 64 ranges and grows on demand.
type RangeAllocator struct {
	name string
	free []PageRange
}

// NewRangeAllocator creates an allocator whose window is entirely free.
// name shows up in diagnostics ("physical", "virtual").
func NewRangeAllocator(name string, window PageRange) *RangeAllocator {
	a := &RangeAllocator{name: name, free: make([]PageRange, 0, 64)}
	if !window.IsEmpty() {
		a.free = append(a.free, window)
	}
	return a
}

// Allocate returns a range of count pages whose offset is a multiple of
// align (align 0 or 1 means unaligned). Empty on failure or count 0.
func (a *RangeAllocator) Allocate(count, align uint32) Allocation {
	if count == 0 {
		return Allocation{}
	}
	if align == 0 {
		align = 1
	}
	for i, r := range a.free {
		// Skip ahead to the first aligned offset inside r.
		skip := uint32(0)
		if rem := r.Offset % align; rem != 0 {
			skip = align - rem
		}
		if r.Length < skip || r.Length-skip < count {
			continue
		}
		if skip > 0 {
			// Keep the unaligned prefix free.
			prefix, rest := r.SplitLeft(skip)
			a.free[i] = prefix
			taken, remainder := rest.SplitLeft(count)
			a.insert(remainder)
			return Allocation{Ptr: taken.Ptr(), Size: taken.Size()}
		}
		taken, remainder := r.SplitLeft(count)
		if remainder.IsEmpty() {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = remainder
		}
		return Allocation{Ptr: taken.Ptr(), Size: taken.Size()}
	}
	return Allocation{}
}

// ReserveRegion claims exactly the given range. It succeeds only when the
// range is fully contained in a single free range; a partial overlap fails
// with no state change.
func (a *RangeAllocator) ReserveRegion(want PageRange) Allocation {
	if want.IsEmpty() {
		return Allocation{}
	}
	for i, r := range a.free {
		if !r.Contains(want) {
			continue
		}
		left := PageRange{r.Offset, want.Offset - r.Offset}
		right := PageRange{want.EndOffset(), r.EndOffset() - want.EndOffset()}
		switch {
		case left.IsEmpty() && right.IsEmpty():
			a.free = append(a.free[:i], a.free[i+1:]...)
		case left.IsEmpty():
			a.free[i] = right
		case right.IsEmpty():
			a.free[i] = left
		default:
			a.free[i] = left
			a.insert(right)
		}
		return Allocation{Ptr: want.Ptr(), Size: want.Size()}
	}
	return Allocation{}
}

// Free returns an allocation to the window, coalescing with free
// neighbors.
func (a *RangeAllocator) Free(alloc Allocation) {
	if alloc.IsEmpty() {
		return
	}
	a.insert(alloc.Range())
	a.coalesce()
}

// insert keeps the free list sorted by (offset, length).
func (a *RangeAllocator) insert(r PageRange) {
	if r.IsEmpty() {
		return
	}
	i := sort.Search(len(a.free), func(i int) bool { return r.Less(a.free[i]) })
	a.free = append(a.free, PageRange{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = r
}

func (a *RangeAllocator) coalesce() {
	out := a.free[:0]
	for _, r := range a.free {
		if n := len(out); n > 0 && out[n-1].EndOffset() == r.Offset {
			out[n-1].Length += r.Length
			continue
		}
		out = append(out, r)
	}
	a.free = out
}

// FreePages returns the total number of free pages.
func (a *RangeAllocator) FreePages() uint32 {
	var total uint32
	for _, r := range a.free {
		total += r.Length
	}
	return total
}

// FreeRanges returns a copy of the free list, for tests and diagnostics.
func (a *RangeAllocator) FreeRanges() []PageRange {
	out := make([]PageRange, len(a.free))
	copy(out, a.free)
	return out
}

func (a *RangeAllocator) String() string {
	return fmt.Sprintf("%s allocator: %d free ranges, %d free pages", a.name, len(a.free), a.FreePages())
}

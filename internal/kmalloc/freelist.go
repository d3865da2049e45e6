package kmalloc

// Alignment is the guaranteed alignment of returned pointers. MinPayload
// is the smallest split remainder worth keeping as its own free block.
const (
	Alignment  = 8
	MinPayload = 8

	// newBlockSize is the granularity of heap extension; the heap starts
	// with eight of these.
	newBlockSize       = 4096
	initialExtendUnits = 8
)

// Stats describes allocator state for the memstat surface.
type Stats struct {
	HeapSize       uint32
	BytesUsed      uint32
	BytesRequested uint32
	MallocCount    uint32
	FreeCount      uint32
}

// block is an allocation header. The original design embeds these in the
// managed memory itself; here the allocator owns them as an arena of
// nodes addressed by block start, keeping user memory opaque bytes.
type block struct {
	addr      uint32 // start of the user range
	reserved  uint32 // bytes owned by this block, >= requested
	requested uint32 // bytes the caller asked for (0 while free)
	free      bool
	prev      *block // address order, over all blocks
	next      *block
}

// FreeList is a first-fit allocator over a single growable byte range.
// Adjacent free blocks are always coalesced, so the block list never holds
// two contiguous free entries.
type FreeList struct {
	bounds *Bounds
	head   *block
	byAddr map[uint32]*block // live (non-free) blocks by user address
	stats  Stats
}

// NewFreeList creates the allocator and performs the initial heap
// extension. The heap may still be empty afterwards if the bounds are
// exhausted from the start.
func NewFreeList(bounds *Bounds) *FreeList {
	f := &FreeList{bounds: bounds, byAddr: make(map[uint32]*block)}
	if granted := bounds.TryExtendHeap(initialExtendUnits * newBlockSize); granted > 0 {
		f.head = &block{addr: bounds.HeapStart(), reserved: granted, free: true}
		f.stats.HeapSize = granted
	}
	return f
}

func alignUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

// Allocate returns the address of a range usable for size bytes, or 0.
func (f *FreeList) Allocate(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	f.stats.MallocCount++
	reserved := alignUp(size, Alignment)

	for cur := f.head; cur != nil; cur = cur.next {
		if cur.free && cur.reserved >= reserved {
			f.reserve(cur, size, reserved)
			return cur.addr
		}
		if cur.next == nil {
			// Tail reached without a fit: extend the heap and retry on
			// the grown tail.
			extend := reserved
			if extend < newBlockSize {
				extend = newBlockSize
			}
			granted := f.bounds.TryExtendHeap(extend)
			if granted == 0 {
				return 0
			}
			f.stats.HeapSize += granted
			if cur.free {
				cur.reserved += granted
			} else {
				grown := &block{addr: cur.addr + cur.reserved, reserved: granted, free: true, prev: cur}
				cur.next = grown
				cur = grown
			}
			f.reserve(cur, size, reserved)
			return cur.addr
		}
	}
	return 0
}

// reserve claims a free block, splitting off the remainder when it is
// worth keeping.
func (f *FreeList) reserve(b *block, requested, reserved uint32) {
	if remainder := b.reserved - reserved; remainder > MinPayload {
		split := &block{
			addr:     b.addr + reserved,
			reserved: remainder,
			free:     true,
			prev:     b,
			next:     b.next,
		}
		if b.next != nil {
			b.next.prev = split
		}
		b.next = split
		b.reserved = reserved
	}
	b.free = false
	b.requested = requested
	f.byAddr[b.addr] = b
	f.stats.BytesUsed += b.reserved
	f.stats.BytesRequested += requested
}

// Free returns a previously allocated range; unknown addresses are
// ignored. Freeing coalesces with both neighbors when they are free and
// contiguous in the underlying range.
func (f *FreeList) Free(addr uint32) {
	b, ok := f.byAddr[addr]
	if !ok {
		return
	}
	delete(f.byAddr, addr)
	f.stats.FreeCount++
	f.stats.BytesUsed -= b.reserved
	f.stats.BytesRequested -= b.requested
	b.free = true
	b.requested = 0

	if next := b.next; next != nil && next.free && b.addr+b.reserved == next.addr {
		b.reserved += next.reserved
		b.next = next.next
		if next.next != nil {
			next.next.prev = b
		}
	}
	if prev := b.prev; prev != nil && prev.free && prev.addr+prev.reserved == b.addr {
		prev.reserved += b.reserved
		prev.next = b.next
		if b.next != nil {
			b.next.prev = prev
		}
	}
}

// Owns reports whether addr is a live allocation.
func (f *FreeList) Owns(addr uint32) bool {
	_, ok := f.byAddr[addr]
	return ok
}

// Stats returns a copy of the allocator counters.
func (f *FreeList) Stats() Stats { return f.stats }

// checkInvariants walks the block list and reports the first violation;
// exposed for tests.
func (f *FreeList) checkInvariants() string {
	for cur := f.head; cur != nil; cur = cur.next {
		if !cur.free && cur.requested > cur.reserved {
			return "requested exceeds reserved"
		}
		if cur.free && cur.reserved < MinPayload {
			return "free block below MinPayload"
		}
		if next := cur.next; next != nil {
			if next.prev != cur {
				return "broken back link"
			}
			if cur.free && next.free && cur.addr+cur.reserved == next.addr {
				return "uncoalesced adjacent free blocks"
			}
			if cur.addr+cur.reserved > next.addr {
				return "overlapping blocks"
			}
		}
	}
	return ""
}

package mmu

import (
	"errors"

	"github.com/coniferos/conifer/internal/layout"
	"github.com/coniferos/conifer/internal/memio"
	"github.com/coniferos/conifer/internal/page"
)

// Backing selects how the virtual side of a mapping is chosen.
type Backing int

const (
	// Mixed allocates physical and virtual ranges independently.
	Mixed Backing = iota
	// Identity maps a range to itself; used for device MMIO, kernel code,
	// the L1 table, and the scratch region.
	Identity
)

// Failure taxonomy. Callers that cannot recover (boot-time identity
// mappings, guaranteed device mappings) panic on any of these; everyone
// else treats them as out-of-memory.
var (
	ErrOutOfPhysical  = errors.New("mmu: out of physical pages")
	ErrOutOfVirtual   = errors.New("mmu: out of virtual pages")
	ErrRegionConflict = errors.New("mmu: region already mapped or reserved")
	ErrOutOfL2Backing = errors.New("mmu: out of L2 table backing")
)

// Mapper owns the L1 table, the physical and virtual page allocators, and
// a small dedicated pool of L2-table backing. It records every mapping the
// kernel creates; nothing else writes the translation tables.
type Mapper struct {
	ram  *memio.RAM
	l1   *L1Table
	phys *page.RangeAllocator
	virt *page.RangeAllocator

	// Free 1 KiB L2-table slots, seeded from the scratch region and grown
	// a page at a time. spare is one pre-reserved slot that guarantees
	// recording the growth page's own mapping never fails mid-call.
	l2Free []uint32
	spare  uint32
}

// NewMapper wires the mapper over a zeroed L1 table. l2Scratch is the part
// of the scratch region dedicated to L2 backing; it must hold at least two
// tables (one working, one spare).
func NewMapper(ram *memio.RAM, l1 *L1Table, phys, virt *page.RangeAllocator, l2Scratch page.PageRange) *Mapper {
	m := &Mapper{ram: ram, l1: l1, phys: phys, virt: virt}
	m.addL2Backing(l2Scratch.Ptr(), l2Scratch.Size())
	m.spare = m.popL2Slot()
	return m
}

func (m *Mapper) addL2Backing(ptr, size uint32) {
	for off := uint32(0); off+L2TableSize <= size; off += L2TableSize {
		m.l2Free = append(m.l2Free, ptr+off)
	}
}

func (m *Mapper) popL2Slot() uint32 {
	if len(m.l2Free) == 0 {
		return 0
	}
	slot := m.l2Free[len(m.l2Free)-1]
	m.l2Free = m.l2Free[:len(m.l2Free)-1]
	return slot
}

// Translate walks the live tables.
func (m *Mapper) Translate(virt uint32) (uint32, bool) { return m.l1.Translate(virt) }

// L1 exposes the table for diagnostics.
func (m *Mapper) L1() *L1Table { return m.l1 }

// Allocate rounds size up to whole pages and returns a Mixed-backed
// virtual allocation. Empty on failure.
func (m *Mapper) Allocate(size uint32) page.Allocation {
	numPages := (size + layout.PageSize - 1) / layout.PageSize
	_, virt, err := m.AllocatePages(numPages, 1, Mixed)
	if err != nil {
		return page.Allocation{}
	}
	return page.Allocation{Ptr: virt.Ptr(), Size: virt.Size()}
}

// AllocatePages allocates count pages with the given alignment and
// backing, and records the mapping.
func (m *Mapper) AllocatePages(count, align uint32, backing Backing) (phys, virt page.PageRange, err error) {
	physAlloc, virtAlloc, err := m.reserveUnrecordedPages(count, align, backing)
	if err != nil {
		return page.PageRange{}, page.PageRange{}, err
	}
	phys, virt = physAlloc.Range(), virtAlloc.Range()
	if err := m.recordPages(phys, virt); err != nil {
		m.phys.Free(physAlloc)
		m.virt.Free(virtAlloc)
		return page.PageRange{}, page.PageRange{}, err
	}
	return phys, virt, nil
}

// ReserveRegion claims the given virtual page range, backs it per the
// backing mode, and records the mapping at page granularity.
func (m *Mapper) ReserveRegion(r page.PageRange, backing Backing) (phys, virt page.PageRange, err error) {
	physAlloc, virtAlloc, err := m.reserveUnrecordedRegion(r, backing)
	if err != nil {
		return page.PageRange{}, page.PageRange{}, err
	}
	phys, virt = physAlloc.Range(), virtAlloc.Range()
	if err := m.recordPages(phys, virt); err != nil {
		m.phys.Free(physAlloc)
		m.virt.Free(virtAlloc)
		return page.PageRange{}, page.PageRange{}, err
	}
	return phys, virt, nil
}

// ReserveSectionRegion is ReserveRegion at 1 MiB L1-section granularity.
func (m *Mapper) ReserveSectionRegion(r page.SectionRange, backing Backing) (phys, virt page.SectionRange, err error) {
	physAlloc, virtAlloc, err := m.reserveUnrecordedRegion(r.Pages(), backing)
	if err != nil {
		return page.SectionRange{}, page.SectionRange{}, err
	}
	physS := page.SectionRangeFromPages(physAlloc.Range())
	virtS := page.SectionRangeFromPages(virtAlloc.Range())
	if err := m.recordSections(physS, virtS); err != nil {
		m.phys.Free(physAlloc)
		m.virt.Free(virtAlloc)
		return page.SectionRange{}, page.SectionRange{}, err
	}
	return physS, virtS, nil
}

// reserveUnrecordedPages picks physical pages first, then the virtual side
// per the backing mode. Nothing is recorded yet.
func (m *Mapper) reserveUnrecordedPages(count, align uint32, backing Backing) (physAlloc, virtAlloc page.Allocation, err error) {
	physAlloc = m.phys.Allocate(count, align)
	if physAlloc.IsEmpty() {
		return page.Allocation{}, page.Allocation{}, ErrOutOfPhysical
	}

	switch backing {
	case Mixed:
		virtAlloc = m.virt.Allocate(count, 1)
		if virtAlloc.IsEmpty() {
			m.phys.Free(physAlloc)
			return page.Allocation{}, page.Allocation{}, ErrOutOfVirtual
		}
	case Identity:
		virtAlloc = m.virt.ReserveRegion(physAlloc.Range())
		if virtAlloc.IsEmpty() {
			m.phys.Free(physAlloc)
			return page.Allocation{}, page.Allocation{}, ErrRegionConflict
		}
	}
	return physAlloc, virtAlloc, nil
}

// reserveUnrecordedRegion claims the virtual region first, then the
// physical side per the backing mode.
func (m *Mapper) reserveUnrecordedRegion(r page.PageRange, backing Backing) (physAlloc, virtAlloc page.Allocation, err error) {
	virtAlloc = m.virt.ReserveRegion(r)
	if virtAlloc.IsEmpty() {
		return page.Allocation{}, page.Allocation{}, ErrRegionConflict
	}

	switch backing {
	case Mixed:
		physAlloc = m.phys.Allocate(r.Length, 1)
		if physAlloc.IsEmpty() {
			m.virt.Free(virtAlloc)
			return page.Allocation{}, page.Allocation{}, ErrOutOfPhysical
		}
	case Identity:
		physAlloc = m.phys.ReserveRegion(r)
		if physAlloc.IsEmpty() {
			m.virt.Free(virtAlloc)
			return page.Allocation{}, page.Allocation{}, ErrRegionConflict
		}
	}
	return physAlloc, virtAlloc, nil
}

// recordSections installs Section entries for every section in the range.
// The whole range is validated before the first write, so a conflict
// leaves the tables untouched.
func (m *Mapper) recordSections(phys, virt page.SectionRange) error {
	if phys.Length != virt.Length {
		return ErrRegionConflict
	}
	for i := uint32(0); i < virt.Length; i++ {
		if m.l1.Entry(virt.PtrAt(i)).Kind() != L1Fault {
			return ErrRegionConflict
		}
	}
	for i := uint32(0); i < virt.Length; i++ {
		m.l1.SetEntry(virt.PtrAt(i), NewSection(phys.PtrAt(i)))
	}
	memio.DSB()
	return nil
}

// recordPages installs Page entries for every page in the range, creating
// L2 tables where the covering L1 entry is a translation fault.
func (m *Mapper) recordPages(phys, virt page.PageRange) error {
	if phys.Length != virt.Length {
		return ErrRegionConflict
	}

	// Validate the full range and count missing L2 tables before touching
	// anything, so a conflict rolls back to an untouched table.
	missing := uint32(0)
	for i := uint32(0); i < virt.Length; i++ {
		vp := virt.PtrAt(i)
		switch e := m.l1.Entry(vp); e.Kind() {
		case L1Section, L1SuperSection:
			return ErrRegionConflict
		case L1PointerToL2:
			l2 := l2Table{base: e.L2TableBase(), ram: m.ram}
			if l2.entry(vp).Kind() != L2Fault {
				return ErrRegionConflict
			}
		case L1Fault:
			if i == 0 || l1Index(vp) != l1Index(virt.PtrAt(i-1)) {
				missing++
			}
		}
	}

	if have := uint32(len(m.l2Free)); missing > have {
		if err := m.growL2Backing(missing - have); err != nil {
			return err
		}
	}

	for i := uint32(0); i < virt.Length; i++ {
		vp := virt.PtrAt(i)
		pp := phys.PtrAt(i)

		var l2 l2Table
		switch e := m.l1.Entry(vp); e.Kind() {
		case L1PointerToL2:
			l2 = l2Table{base: e.L2TableBase(), ram: m.ram}
		case L1Fault:
			slot := m.popL2Slot()
			if slot == 0 {
				// Validation guaranteed enough slots; hitting this means
				// the pool was corrupted.
				return ErrOutOfL2Backing
			}
			l2 = newL2Table(m.ram, slot)
			m.l1.SetEntry(vp, NewL2Pointer(slot))
		}
		l2.setEntry(vp, NewPage(pp))
	}
	memio.DSB()
	return nil
}

// growL2Backing adds n tables' worth of Identity-mapped pages to the pool.
// Recording the growth page's own mapping may itself need a fresh L2
// table; the pre-reserved spare slot covers exactly that case, and a new
// spare is drawn once the pool has grown.
func (m *Mapper) growL2Backing(n uint32) error {
	need := n * L2TableSize
	for grown := uint32(0); grown < need; grown += layout.PageSize {
		physAlloc, virtAlloc, err := m.reserveUnrecordedPages(1, 1, Identity)
		if err != nil {
			return ErrOutOfL2Backing
		}
		if m.spare != 0 && m.l1.Entry(virtAlloc.Ptr).Kind() == L1Fault {
			// Hand the spare to the recorder as the backing for the new
			// page's own L2 table.
			m.l2Free = append(m.l2Free, m.spare)
			m.spare = 0
		}
		if err := m.recordPages(physAlloc.Range(), virtAlloc.Range()); err != nil {
			m.phys.Free(physAlloc)
			m.virt.Free(virtAlloc)
			return err
		}
		m.addL2Backing(physAlloc.Ptr, physAlloc.Size)
	}
	// The spare is replenished after growth; allocation takes priority
	// over the spare when the pool is nearly dry.
	if m.spare == 0 {
		m.spare = m.popL2Slot()
	}
	return nil
}

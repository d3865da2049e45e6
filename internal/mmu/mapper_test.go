package mmu

import (
	"testing"

	"github.com/coniferos/conifer/internal/layout"
	"github.com/coniferos/conifer/internal/memio"
	"github.com/coniferos/conifer/internal/page"
)

// testMapper builds a mapper over a small window with a dedicated L2
// scratch area, without the boot identity mappings.
func testMapper(t *testing.T) (*Mapper, *memio.RAM) {
	return testMapperWithScratch(t, 512*1024)
}

func testMapperWithScratch(t *testing.T, scratchSize uint32) (*Mapper, *memio.RAM) {
	t.Helper()
	ram := memio.NewRAM(64 * 1024 * 1024)

	window := page.PageRangeBetween(0, 64*1024*1024)
	phys := page.NewRangeAllocator("physical", window)
	virt := page.NewRangeAllocator("virtual", window)

	l1Base := uint32(2 * layout.SectionSize)
	scratch := page.PageRangeBetween(3*layout.SectionSize, 3*layout.SectionSize+scratchSize)
	if phys.ReserveRegion(page.PageRangeBetween(0, 4*layout.SectionSize)).IsEmpty() {
		t.Fatal("reserving low sections failed")
	}
	if virt.ReserveRegion(page.PageRangeBetween(0, 4*layout.SectionSize)).IsEmpty() {
		t.Fatal("reserving low sections failed")
	}

	l1 := NewL1Table(ram, l1Base)
	return NewMapper(ram, l1, phys, virt, scratch), ram
}

func TestSectionEntryEncoding(t *testing.T) {
	e := NewSection(0x3F200000)
	if e.Kind() != L1Section {
		t.Fatalf("Kind() = %v, want section", e.Kind())
	}
	if e.SectionBase() != 0x3F200000 {
		t.Errorf("SectionBase() = 0x%08x", e.SectionBase())
	}
	if e.XN() {
		t.Error("sections must be executable")
	}
	if e.AP() != 0x3 {
		t.Errorf("AP = %d, want 3 (full access)", e.AP())
	}
	if e.Cacheable() || e.Bufferable() {
		t.Error("sections are strongly ordered (C=0, B=0)")
	}
	if e.Domain() != 0 {
		t.Errorf("Domain = %d, want 0", e.Domain())
	}
}

func TestPageEntryEncoding(t *testing.T) {
	e := NewPage(0x00445000)
	if e.Kind() != L2Page {
		t.Fatalf("Kind() = %v, want page", e.Kind())
	}
	if e.PageBase() != 0x00445000 {
		t.Errorf("PageBase() = 0x%08x", e.PageBase())
	}
	if e.AP() != 0x3 {
		t.Errorf("AP = %d, want 3", e.AP())
	}
}

func TestIdentitySectionMapping(t *testing.T) {
	m, _ := testMapper(t)

	region := page.SectionRangeBetween(0x01000000, 0x01300000)
	phys, virt, err := m.ReserveSectionRegion(region, Identity)
	if err != nil {
		t.Fatalf("ReserveSectionRegion: %v", err)
	}
	if phys != virt {
		t.Fatalf("identity mapping got phys %v != virt %v", phys, virt)
	}

	// Every virtual address in the region translates to itself.
	for _, addr := range []uint32{0x01000000, 0x01000004, 0x010FFFFC, 0x012FF000} {
		got, ok := m.Translate(addr)
		if !ok {
			t.Fatalf("Translate(0x%08x) faulted", addr)
		}
		if got != addr {
			t.Errorf("Translate(0x%08x) = 0x%08x, want identity", addr, got)
		}
	}

	// The entry itself is a Section with device-style attributes.
	e := m.L1().Entry(0x01000000)
	if e.Kind() != L1Section {
		t.Fatalf("entry kind = %v, want section", e.Kind())
	}
	if e.XN() || e.Cacheable() {
		t.Error("expected XN=0, C=0")
	}
}

func TestIdentityPageMapping(t *testing.T) {
	m, _ := testMapper(t)

	region := page.PageRangeBetween(0x01000000, 0x01004000)
	phys, virt, err := m.ReserveRegion(region, Identity)
	if err != nil {
		t.Fatalf("ReserveRegion: %v", err)
	}
	if phys != virt {
		t.Fatalf("identity mapping got phys %v != virt %v", phys, virt)
	}
	for addr := uint32(0x01000000); addr < 0x01004000; addr += layout.PageSize {
		got, ok := m.Translate(addr)
		if !ok || got != addr {
			t.Errorf("Translate(0x%08x) = (0x%08x, %v), want identity", addr, got, ok)
		}
	}
	// The covering L1 entry became an L2 pointer.
	if kind := m.L1().Entry(0x01000000).Kind(); kind != L1PointerToL2 {
		t.Errorf("L1 entry kind = %v, want L2 pointer", kind)
	}
}

func TestMixedMappingInjectivity(t *testing.T) {
	m, _ := testMapper(t)

	type rng struct{ start, end uint32 }
	var physRanges, virtRanges []rng
	for i := 0; i < 16; i++ {
		phys, virt, err := m.AllocatePages(3, 1, Mixed)
		if err != nil {
			t.Fatalf("AllocatePages: %v", err)
		}
		physRanges = append(physRanges, rng{phys.Ptr(), phys.EndPtr()})
		virtRanges = append(virtRanges, rng{virt.Ptr(), virt.EndPtr()})
	}
	overlaps := func(a, b rng) bool { return a.start < b.end && b.start < a.end }
	for i := range physRanges {
		for j := i + 1; j < len(physRanges); j++ {
			if overlaps(physRanges[i], physRanges[j]) {
				t.Errorf("physical ranges %d and %d overlap", i, j)
			}
			if overlaps(virtRanges[i], virtRanges[j]) {
				t.Errorf("virtual ranges %d and %d overlap", i, j)
			}
		}
	}
}

func TestDoubleRecordConflict(t *testing.T) {
	m, _ := testMapper(t)

	region := page.SectionRangeBetween(0x01000000, 0x01100000)
	if _, _, err := m.ReserveSectionRegion(region, Identity); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, _, err := m.ReserveSectionRegion(region, Identity); err == nil {
		t.Fatal("second reserve of same region should fail")
	}

	// Mapping pages under a live section must also conflict without
	// touching the tables or leaking reservations.
	pr := page.PageRangeBetween(0x01800000, 0x01802000)
	if _, _, err := m.ReserveRegion(pr, Identity); err != nil {
		t.Fatalf("setup page mapping: %v", err)
	}
	freeBefore := m.phys.FreePages()
	if _, _, err := m.ReserveRegion(pr, Identity); err == nil {
		t.Fatal("double page reserve should fail")
	}
	if m.phys.FreePages() != freeBefore {
		t.Error("failed record leaked a physical reservation")
	}
}

func TestRecordRollbackOnConflict(t *testing.T) {
	m, _ := testMapper(t)

	// Occupy one section with a Section entry, then attempt a page-level
	// reservation straddling into it; the recording must fail and roll
	// back both allocators.
	if _, _, err := m.ReserveSectionRegion(page.SectionRangeBetween(0x02000000, 0x02100000), Identity); err != nil {
		t.Fatalf("setup: %v", err)
	}
	physBefore := m.phys.FreePages()
	virtBefore := m.virt.FreePages()

	straddle := page.PageRangeBetween(0x01FFF000, 0x02001000)
	if _, _, err := m.ReserveRegion(straddle, Identity); err == nil {
		t.Fatal("straddling reserve should fail")
	}
	if m.phys.FreePages() != physBefore || m.virt.FreePages() != virtBefore {
		t.Error("failed record did not roll back reservations")
	}
}

func TestL2PoolGrowth(t *testing.T) {
	// Seed the pool with only 8 slots (one becomes the spare) so mapping
	// eight more fresh sections than the pool holds forces the growth path
	// through the spare.
	m, _ := testMapperWithScratch(t, 8*L2TableSize)

	seeded := len(m.l2Free)
	for i := 0; i < seeded+8; i++ {
		virt := uint32(0x01000000 + i*layout.SectionSize)
		if _, _, err := m.ReserveRegion(page.PageRangeBetween(virt, virt+layout.PageSize), Identity); err != nil {
			t.Fatalf("mapping %d: %v", i, err)
		}
	}
	if m.spare == 0 {
		t.Error("spare slot not replenished after growth")
	}

	// All mappings still translate.
	for i := 0; i < seeded+8; i++ {
		virt := uint32(0x01000000 + i*layout.SectionSize)
		if got, ok := m.Translate(virt); !ok || got != virt {
			t.Errorf("Translate(0x%08x) = (0x%08x, %v) after growth", virt, got, ok)
		}
	}
}

func TestAllocateBytes(t *testing.T) {
	m, _ := testMapper(t)

	alloc := m.Allocate(100)
	if alloc.IsEmpty() {
		t.Fatal("Allocate(100) failed")
	}
	if alloc.Size != layout.PageSize {
		t.Errorf("Allocate(100) size = %d, want one page", alloc.Size)
	}
	if _, ok := m.Translate(alloc.Ptr); !ok {
		t.Error("allocated bytes are not mapped")
	}
}

func TestBootstrapTables(t *testing.T) {
	ram := memio.NewRAM(layout.MemoryEnd)
	m, err := BootstrapTables(ram)
	if err != nil {
		t.Fatalf("BootstrapTables: %v", err)
	}

	// The UART data register translates to itself through a Section entry
	// with device attributes.
	const uartDR = 0x3F201000
	got, ok := m.Translate(uartDR)
	if !ok {
		t.Fatal("device window not mapped")
	}
	if got != uartDR {
		t.Errorf("Translate(0x%08x) = 0x%08x, want identity", uint32(uartDR), got)
	}
	e := m.L1().Entry(uartDR)
	if e.Kind() != L1Section {
		t.Fatalf("device entry kind = %v, want section", e.Kind())
	}
	if e.XN() {
		t.Error("device section unexpectedly execute-never")
	}
	if e.AP() != 0x3 {
		t.Errorf("device section AP = %d, want permissive", e.AP())
	}
	if e.Cacheable() {
		t.Error("device memory must not be cacheable")
	}

	// Kernel code translates identity too.
	if got, ok := m.Translate(0x1000); !ok || got != 0x1000 {
		t.Errorf("code translation = (0x%08x, %v)", got, ok)
	}

	// The heap window is still unmapped.
	if _, ok := m.Translate(layout.HeapStart); ok {
		t.Error("heap window should start unmapped")
	}
}

package mmu

import (
	"github.com/coniferos/conifer/internal/layout"
	"github.com/coniferos/conifer/internal/memio"
)

// Table geometry. The L1 table covers the 4 GiB space with 4096 section
// entries; each L2 table covers one section with 256 page entries.
const (
	L1NumEntries = 4096
	L2NumEntries = 256
	L2TableSize  = L2NumEntries * 4
)

// l1Index extracts the section number of a virtual address.
func l1Index(virt uint32) uint32 { return virt >> 20 }

// l2Index extracts the page-within-section number of a virtual address.
func l2Index(virt uint32) uint32 { return virt >> 12 & 0xFF }

// L1Table is a view over the first-level table in emulated RAM. Exactly
// one exists per machine; its base is section-aligned (the hardware only
// needs 16 KiB alignment, a full section keeps the layout simple).
type L1Table struct {
	base uint32
	ram  *memio.RAM
}

// NewL1Table zeroes and wraps the table at base.
func NewL1Table(ram *memio.RAM, base uint32) *L1Table {
	ram.Zero(base, L1NumEntries*4)
	return &L1Table{base: base, ram: ram}
}

// Base returns the physical address of the table.
func (t *L1Table) Base() uint32 { return t.base }

// Entry loads the descriptor covering virt.
func (t *L1Table) Entry(virt uint32) L1Entry {
	return L1Entry(t.ram.Load32(t.base + l1Index(virt)*4))
}

// SetEntry stores the descriptor covering virt.
func (t *L1Table) SetEntry(virt uint32, e L1Entry) {
	t.ram.Store32(t.base+l1Index(virt)*4, uint32(e))
}

// l2Table is a view over one second-level table.
type l2Table struct {
	base uint32
	ram  *memio.RAM
}

// newL2Table zeroes and wraps the table at base (all entries fault).
func newL2Table(ram *memio.RAM, base uint32) l2Table {
	ram.Zero(base, L2TableSize)
	return l2Table{base: base, ram: ram}
}

func (t l2Table) entry(virt uint32) L2Entry {
	return L2Entry(t.ram.Load32(t.base + l2Index(virt)*4))
}

func (t l2Table) setEntry(virt uint32, e L2Entry) {
	t.ram.Store32(t.base+l2Index(virt)*4, uint32(e))
}

// Translate walks the tables and returns the physical address mapped at
// virt, or ok=false on a translation fault.
func (t *L1Table) Translate(virt uint32) (phys uint32, ok bool) {
	e := t.Entry(virt)
	switch e.Kind() {
	case L1Section:
		return e.SectionBase() | virt&(layout.SectionSize-1), true
	case L1PointerToL2:
		l2 := l2Table{base: e.L2TableBase(), ram: t.ram}
		pe := l2.entry(virt)
		switch pe.Kind() {
		case L2Page:
			return pe.PageBase() | virt&(layout.PageSize-1), true
		case L2LargePage:
			return pe.LargePageBase() | virt&0xFFFF, true
		}
	}
	return 0, false
}

// Package mmu owns the machine's single L1 translation table and its L2
// sub-tables, and records physical-to-virtual mappings at section (1 MiB)
// or page (4 KiB) granularity.
//
// Table entries are stored in emulated RAM as little-endian ARMv7-A short
// descriptors. The bitfield layout lives entirely in this file; everything
// else manipulates entries through the typed constructors and accessors.
package mmu

// L1Kind selects among the first-level descriptor formats, encoded in the
// two low bits of the entry.
type L1Kind uint32

const (
	L1Fault L1Kind = iota
	L1PointerToL2
	L1Section
	L1SuperSection // section bit plus bit 18
)

// L2Kind selects among the second-level descriptor formats.
type L2Kind uint32

const (
	L2Fault L2Kind = iota
	L2LargePage
	L2Page
)

// L1Entry is a raw first-level descriptor.
//
// Section layout (ARMv7-A short descriptor):
//
//	[31:20] section base  [17] nG  [16] S  [15] AP[2]  [14:12] TEX
//	[11:10] AP[1:0]  [8:5] domain  [4] XN  [3] C  [2] B  [1:0] 0b10
//
// L2 pointer layout: [31:10] table base, [8:5] domain, [1:0] 0b01.
type L1Entry uint32

// L2Entry is a raw second-level descriptor.
//
// Small page layout:
//
//	[31:12] page base  [11] nG  [10] S  [9] AP[2]  [5:4] AP[1:0]
//	[3] C  [2] B  [1:0] 0b10
type L2Entry uint32

const (
	l1KindMask        = 0x3
	superSectionBit   = 1 << 18
	sectionBaseMask   = 0xFFF00000
	l2TableBaseMask   = 0xFFFFFC00
	pageBaseMask      = 0xFFFFF000
	largePageBaseMask = 0xFFFF0000
)

// NewSection builds a section descriptor mapping one megabyte at phys.
// Attributes follow the kernel's single policy for its flat address space:
// full access (AP=0b11), domain 0, strongly-ordered (C=0, B=0), executable
// (XN=0), global. phys must be section-aligned.
func NewSection(phys uint32) L1Entry {
	return L1Entry(phys&sectionBaseMask | 0x3<<10 | uint32(L1Section))
}

// NewL2Pointer builds a coarse-table descriptor pointing at the L2 table
// at phys (1 KiB aligned), domain 0.
func NewL2Pointer(phys uint32) L1Entry {
	return L1Entry(phys&l2TableBaseMask | uint32(L1PointerToL2))
}

// Kind decodes the descriptor format.
func (e L1Entry) Kind() L1Kind {
	k := L1Kind(e & l1KindMask)
	if k == L1Section && e&superSectionBit != 0 {
		return L1SuperSection
	}
	return k
}

// SectionBase returns the physical base of a Section entry.
func (e L1Entry) SectionBase() uint32 { return uint32(e) & sectionBaseMask }

// L2TableBase returns the physical base of the L2 table of a pointer entry.
func (e L1Entry) L2TableBase() uint32 { return uint32(e) & l2TableBaseMask }

// AP returns the two low access-permission bits of a Section entry.
func (e L1Entry) AP() uint32 { return uint32(e) >> 10 & 0x3 }

// XN reports whether a Section entry is execute-never.
func (e L1Entry) XN() bool { return e&(1<<4) != 0 }

// Cacheable reports the C bit of a Section entry.
func (e L1Entry) Cacheable() bool { return e&(1<<3) != 0 }

// Bufferable reports the B bit of a Section entry.
func (e L1Entry) Bufferable() bool { return e&(1<<2) != 0 }

// Domain returns the domain field of a Section or pointer entry.
func (e L1Entry) Domain() uint32 { return uint32(e) >> 5 & 0xF }

// NewPage builds a small-page descriptor mapping 4 KiB at phys, with the
// same attribute policy as NewSection.
func NewPage(phys uint32) L2Entry {
	return L2Entry(phys&pageBaseMask | 0x3<<4 | uint32(L2Page))
}

// Kind decodes the descriptor format.
func (e L2Entry) Kind() L2Kind {
	switch e & 0x3 {
	case 0x1:
		return L2LargePage
	case 0x2, 0x3:
		return L2Page
	default:
		return L2Fault
	}
}

// PageBase returns the physical base of a small-page entry.
func (e L2Entry) PageBase() uint32 { return uint32(e) & pageBaseMask }

// LargePageBase returns the physical base of a large-page entry.
func (e L2Entry) LargePageBase() uint32 { return uint32(e) & largePageBaseMask }

// AP returns the two low access-permission bits of a page entry.
func (e L2Entry) AP() uint32 { return uint32(e) >> 4 & 0x3 }

package mmu

import (
	"fmt"

	"github.com/coniferos/conifer/internal/layout"
	"github.com/coniferos/conifer/internal/memio"
	"github.com/coniferos/conifer/internal/page"
)

// BootstrapTables builds the machine's translation tables from scratch:
// it carves the scratch region into allocator bookkeeping and the L2 pool,
// constructs the mapper, and installs the boot identity mappings for
// kernel code, the L1 table itself, the scratch region, and the device
// window. Any failure here is unrecoverable, so errors are returned only
// for the boot path to panic on.
func BootstrapTables(ram *memio.RAM) (*Mapper, error) {
	// The allocator window runs through the device window so the boot
	// identity mappings below can reserve it; general RAM still ends at
	// MemoryEnd because everything above is claimed here.
	vmRegion := page.PageRangeBetween(0, layout.DevicesEnd+1)

	codeRegion := page.SectionRangeBetween(0, layout.CodeEnd)
	l1Region := page.SectionRangeBetween(layout.L1TableBase, layout.L1TableBase+layout.SectionSize)
	scratchRegion := page.SectionRangeBetween(layout.ScratchBase, layout.ScratchBase+layout.SectionSize)
	deviceRegion := page.SectionRangeBetween(layout.DevicesStart, layout.DevicesEnd+1)

	// Half the scratch section backs the two range allocators (their
	// bookkeeping lives on the Go heap but is budgeted against this
	// space); the other half seeds the L2-table pool.
	_, l2Scratch := scratchRegion.Pages().Halve()

	phys := page.NewRangeAllocator("physical", vmRegion)
	virt := page.NewRangeAllocator("virtual", vmRegion)

	l1 := NewL1Table(ram, l1Region.Ptr())
	m := NewMapper(ram, l1, phys, virt, l2Scratch)

	for _, boot := range []struct {
		name    string
		region  page.SectionRange
		backing Backing
	}{
		{"code", codeRegion, Identity},
		{"l1 table", l1Region, Identity},
		{"scratch", scratchRegion, Identity},
		{"devices", deviceRegion, Identity},
	} {
		if _, _, err := m.ReserveSectionRegion(boot.region, boot.backing); err != nil {
			return nil, fmt.Errorf("mmu: boot identity mapping of %s failed: %w", boot.name, err)
		}
	}
	return m, nil
}

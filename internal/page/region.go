// Package page provides the page- and section-granular region types and the
// free-range allocators that track the machine's physical and virtual
// address windows.
package page

import (
	"fmt"

	"github.com/coniferos/conifer/internal/layout"
)

// PageRange is a contiguous run of 4 KiB pages, addressed by page offset.
type PageRange struct {
	Offset uint32
	Length uint32
}

// SectionRange is a contiguous run of 1 MiB sections.
type SectionRange struct {
	Offset uint32
	Length uint32
}

// PageRangeFromPtr builds the range covering [ptr, ptr+size). Both must be
// page-aligned.
func PageRangeFromPtr(ptr, size uint32) PageRange {
	return PageRange{Offset: ptr / layout.PageSize, Length: size / layout.PageSize}
}

// PageRangeBetween builds the range covering [start, end).
func PageRangeBetween(start, end uint32) PageRange {
	return PageRange{Offset: start / layout.PageSize, Length: (end - start) / layout.PageSize}
}

// SectionRangeBetween builds the section range covering [start, end).
func SectionRangeBetween(start, end uint32) SectionRange {
	return SectionRange{Offset: start / layout.SectionSize, Length: (end - start) / layout.SectionSize}
}

func (r PageRange) Ptr() uint32       { return r.Offset * layout.PageSize }
func (r PageRange) Size() uint32      { return r.Length * layout.PageSize }
func (r PageRange) EndOffset() uint32 { return r.Offset + r.Length }
func (r PageRange) EndPtr() uint32    { return r.EndOffset() * layout.PageSize }
func (r PageRange) IsEmpty() bool     { return r.Length == 0 }

// PtrAt returns the address of the page at index i within the range.
func (r PageRange) PtrAt(i uint32) uint32 { return (r.Offset + i) * layout.PageSize }

// Fits reports whether the range can hold length pages.
func (r PageRange) Fits(length uint32) bool { return r.Length >= length }

// AlignedTo reports whether the range starts on a multiple of align pages.
func (r PageRange) AlignedTo(align uint32) bool { return r.Offset%align == 0 }

// Contains reports whether other lies entirely within r.
func (r PageRange) Contains(other PageRange) bool {
	return other.Offset >= r.Offset && other.EndOffset() <= r.EndOffset()
}

// Overlaps reports whether the two ranges share any page.
func (r PageRange) Overlaps(other PageRange) bool {
	return r.Offset < other.EndOffset() && other.Offset < r.EndOffset()
}

// Less orders ranges by (offset, length).
func (r PageRange) Less(other PageRange) bool {
	return r.Offset < other.Offset ||
		(r.Offset == other.Offset && r.Length < other.Length)
}

// Halve splits the range into two equal halves.
func (r PageRange) Halve() (PageRange, PageRange) {
	half := r.Length / 2
	return PageRange{r.Offset, half}, PageRange{r.Offset + half, half}
}

// SplitLeft cuts the first n pages off the front.
func (r PageRange) SplitLeft(n uint32) (left, rest PageRange) {
	return PageRange{r.Offset, n}, PageRange{r.Offset + n, r.Length - n}
}

func (r PageRange) String() string {
	return fmt.Sprintf("pages(%d,%d)", r.Offset, r.Length)
}

func (r SectionRange) Ptr() uint32       { return r.Offset * layout.SectionSize }
func (r SectionRange) Size() uint32      { return r.Length * layout.SectionSize }
func (r SectionRange) EndOffset() uint32 { return r.Offset + r.Length }
func (r SectionRange) IsEmpty() bool     { return r.Length == 0 }

// PtrAt returns the address of the section at index i within the range.
func (r SectionRange) PtrAt(i uint32) uint32 { return (r.Offset + i) * layout.SectionSize }

func (r SectionRange) String() string {
	return fmt.Sprintf("sections(%d,%d)", r.Offset, r.Length)
}

// Pages converts a section range to the equivalent page range.
func (r SectionRange) Pages() PageRange {
	const factor = layout.SectionSize / layout.PageSize
	return PageRange{Offset: r.Offset * factor, Length: r.Length * factor}
}

// SectionRangeFromPages converts back from page granularity; the range must
// be section-aligned.
func SectionRangeFromPages(r PageRange) SectionRange {
	const factor = layout.SectionSize / layout.PageSize
	return SectionRange{Offset: r.Offset / factor, Length: r.Length / factor}
}

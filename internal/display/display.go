// Package display obtains a framebuffer from the firmware over the
// mailbox and exposes it as a byte sink.
package display

import (
	"fmt"

	"github.com/coniferos/conifer/internal/layout"
	"github.com/coniferos/conifer/internal/mailbox"
	"github.com/coniferos/conifer/internal/memio"
	"github.com/coniferos/conifer/internal/mmu"
	"github.com/coniferos/conifer/internal/page"
)

// Depth is the only supported pixel format: 8-bit red, green, blue and
// transparency.
const Depth = 32

// Display is the framebuffer console. Writes land as raw pixel bytes at
// the cursor, wrapping at the end of the buffer; the shell's
// /dev/display descriptor comes here.
type Display struct {
	ram    *memio.RAM
	buffer uint32
	size   uint32
	width  uint32
	height uint32
	pitch  uint32
	cursor uint32
}

// Init negotiates the framebuffer with the firmware: physical and
// virtual dimensions, depth, buffer allocation and pitch in one tag
// group, then identity-maps the returned buffer.
func Init(client *mailbox.Client, mapper *mmu.Mapper, ram *memio.RAM, width, height uint32) (*Display, error) {
	msg := []uint32{
		mailbox.TagSetPhysDim, 8, 8, width, height,
		mailbox.TagSetVirtDim, 8, 8, width, height,
		mailbox.TagSetDepth, 4, 4, Depth,
		mailbox.TagSetVirtOffset, 8, 8, 0, 0,
		mailbox.TagAllocateBuffer, 8, 8, layout.PageSize, 0,
		mailbox.TagGetPitch, 4, 4, 0,
	}
	if !client.Send(msg) {
		return nil, fmt.Errorf("display: firmware rejected framebuffer request")
	}

	gotWidth, gotHeight := msg[3], msg[4]
	virtWidth, virtHeight := msg[8], msg[9]
	if gotWidth != virtWidth || gotHeight != virtHeight {
		return nil, fmt.Errorf("display: firmware granted mismatched dimensions")
	}
	if depth := msg[13]; depth != Depth {
		return nil, fmt.Errorf("display: firmware granted depth %d", depth)
	}

	// The firmware hands back a bus address; mask to the ARM view.
	buffer := msg[22] &^ uint32(0xC0000000)
	size := msg[23]
	pitch := msg[27]

	region := page.PageRangeFromPtr(buffer, (size+layout.PageSize-1)&^uint32(layout.PageSize-1))
	if _, _, err := mapper.ReserveRegion(region, mmu.Identity); err != nil {
		return nil, fmt.Errorf("display: mapping framebuffer: %w", err)
	}

	d := &Display{
		ram:    ram,
		buffer: buffer,
		size:   size,
		width:  gotWidth,
		height: gotHeight,
		pitch:  pitch,
	}
	d.Clear()
	return d, nil
}

// Clear zeroes the framebuffer and resets the cursor.
func (d *Display) Clear() {
	d.ram.Zero(d.buffer, d.size)
	d.cursor = 0
}

// Write copies raw pixel bytes at the cursor, wrapping at the buffer end.
func (d *Display) Write(buf []byte) int {
	n := 0
	for len(buf) > 0 {
		if d.cursor == d.size {
			d.cursor = 0
		}
		chunk := uint32(len(buf))
		if room := d.size - d.cursor; chunk > room {
			chunk = room
		}
		d.ram.WriteAt(buf[:chunk], d.buffer+d.cursor) //nolint:errcheck // mapped at Init
		d.cursor += chunk
		n += int(chunk)
		buf = buf[chunk:]
	}
	return n
}

// Size returns the framebuffer byte size.
func (d *Display) Size() uint32 { return d.size }

// Dimensions returns the negotiated width and height.
func (d *Display) Dimensions() (width, height uint32) { return d.width, d.height }

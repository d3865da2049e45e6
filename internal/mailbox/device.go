// Package mailbox implements the VideoCore firmware mailbox: the property
// channel device model on one side and the kernel's synchronous client on
// the other.
package mailbox

import (
	"sync"

	"github.com/coniferos/conifer/internal/layout"
	"github.com/coniferos/conifer/internal/memio"
)

// Register offsets from the mailbox base.
const (
	regRead   = 0x00
	regPeek   = 0x10
	regSender = 0x14
	regStatus = 0x18
	regConfig = 0x1C
	regWrite  = 0x20

	deviceSize = 0x24
)

// Status bits and message words.
const (
	statusFull  = 0x80000000
	statusEmpty = 0x40000000

	RequestMarker  = 0x00000000
	ResponseMarker = 0x80000000
	ErrorMarker    = 0x80000001
	EndTag         = 0

	channelProperty = 8
)

// Property tags the firmware answers.
const (
	TagGetSerial      = 0x10004
	TagGetARMMemory   = 0x10005
	TagAllocateBuffer = 0x40001
	TagGetPitch       = 0x40008
	TagSetPhysDim     = 0x48003
	TagSetVirtDim     = 0x48004
	TagSetDepth       = 0x48005
	TagSetVirtOffset  = 0x48009
)

// busAddressBits is what the firmware ORs into pointers it hands back;
// the ARM side masks it off before use.
const busAddressBits = 0xC0000000

// Device is the firmware side of the mailbox. Property messages are
// processed synchronously on write, so the response is available by the
// time the sender polls for it.
type Device struct {
	mu       sync.Mutex
	ram      *memio.RAM
	serial   uint64
	response []uint32

	fbWidth  uint32
	fbHeight uint32
	fbDepth  uint32
}

// NewDevice creates the firmware model over RAM, reporting the given
// board serial number.
func NewDevice(ram *memio.RAM, serial uint64) *Device {
	return &Device{ram: ram, serial: serial}
}

// ReadMMIO implements memio.Device.
func (d *Device) ReadMMIO(addr uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch addr - layout.MailboxBase {
	case regRead:
		if len(d.response) == 0 {
			return 0
		}
		r := d.response[0]
		d.response = d.response[1:]
		return r
	case regPeek:
		if len(d.response) == 0 {
			return 0
		}
		return d.response[0]
	case regStatus:
		if len(d.response) == 0 {
			return statusEmpty
		}
		return 0
	}
	return 0
}

// WriteMMIO implements memio.Device.
func (d *Device) WriteMMIO(addr, val uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if addr-layout.MailboxBase != regWrite {
		return
	}
	channel := val & 0xF
	msgAddr := val &^ 0xF
	if channel == channelProperty {
		d.processProperty(msgAddr)
	}
	d.response = append(d.response, val)
}

// processProperty walks the tag list in RAM and fills in responses.
func (d *Device) processProperty(addr uint32) {
	size := d.ram.Load32(addr)
	end := addr + size

	ok := true
	cursor := addr + 8
	for cursor+12 <= end {
		tag := d.ram.Load32(cursor)
		if tag == EndTag {
			break
		}
		bufSize := d.ram.Load32(cursor + 4)
		value := cursor + 12
		if value+bufSize > end {
			ok = false
			break
		}
		respSize := d.answer(tag, value, bufSize)
		d.ram.Store32(cursor+8, ResponseMarker|respSize)
		cursor = value + bufSize
	}

	if ok {
		d.ram.Store32(addr+4, ResponseMarker)
	} else {
		d.ram.Store32(addr+4, ErrorMarker)
	}
}

// answer fills one tag's value buffer and returns the response length.
func (d *Device) answer(tag, value, bufSize uint32) uint32 {
	switch tag {
	case TagGetSerial:
		d.ram.Store32(value, uint32(d.serial))
		d.ram.Store32(value+4, uint32(d.serial>>32))
		return 8
	case TagGetARMMemory:
		d.ram.Store32(value, 0)
		d.ram.Store32(value+4, layout.MemoryEnd)
		return 8
	case TagSetPhysDim, TagSetVirtDim:
		d.fbWidth = d.ram.Load32(value)
		d.fbHeight = d.ram.Load32(value + 4)
		return 8
	case TagSetDepth:
		d.fbDepth = d.ram.Load32(value)
		return 4
	case TagSetVirtOffset:
		d.ram.Store32(value, 0)
		d.ram.Store32(value+4, 0)
		return 8
	case TagAllocateBuffer:
		fbSize := d.fbWidth * d.fbHeight * (d.fbDepth / 8)
		d.ram.Store32(value, layout.FramebufferBase|busAddressBits)
		d.ram.Store32(value+4, fbSize)
		return 8
	case TagGetPitch:
		d.ram.Store32(value, d.fbWidth*(d.fbDepth/8))
		return 4
	}
	return 0
}

// Size returns the MMIO window size for bus registration.
func Size() uint32 { return deviceSize }

package mailbox

import (
	"github.com/coniferos/conifer/internal/layout"
	"github.com/coniferos/conifer/internal/memio"
)

// Client is the kernel's synchronous mailbox client. Messages are built
// in a pre-allocated 16-byte-aligned scratch buffer in kernel memory;
// only the upper 28 bits of the address travel to the firmware, so the
// alignment is not optional.
type Client struct {
	bus     *memio.Bus
	scratch uint32 // 16-byte aligned message buffer
	size    uint32
}

// NewClient creates the client over a scratch buffer of size bytes at
// scratch, which must be 16-byte aligned.
func NewClient(bus *memio.Bus, scratch, size uint32) *Client {
	if scratch%16 != 0 {
		panic("mailbox: message buffer not 16-byte aligned")
	}
	return &Client{bus: bus, scratch: scratch, size: size}
}

func (c *Client) load(off uint32) uint32 { return c.bus.Load32(layout.MailboxBase + off) }
func (c *Client) store(off, val uint32)  { c.bus.Store32(layout.MailboxBase+off, val) }

// SendProperty submits the message at addr on the property channel and
// spins for the reply, per the firmware protocol: wait for FULL to clear,
// write address-plus-channel, wait for EMPTY to clear, read until our own
// word comes back, then inspect the marker.
func (c *Client) SendProperty(addr uint32) bool {
	if addr%16 != 0 {
		panic("mailbox: message not 16-byte aligned")
	}
	b := memio.NewBarrier()
	defer b.Close()

	message := addr | channelProperty

	for c.load(regStatus)&statusFull != 0 {
	}
	c.store(regWrite, message)

	for {
		if c.load(regStatus)&statusEmpty != 0 {
			continue
		}
		if c.load(regRead) == message {
			switch c.bus.RAM().Load32(addr + 4) {
			case ResponseMarker:
				return true
			case ErrorMarker:
				return false
			}
			return false
		}
	}
}

// Send builds a property message from words in the scratch buffer and
// submits it. On success the (possibly rewritten) words are copied back
// into the slice.
func (c *Client) Send(words []uint32) bool {
	total := uint32(len(words)+3) * 4
	if total > c.size {
		return false
	}
	ram := c.bus.RAM()
	ram.Store32(c.scratch, total)
	ram.Store32(c.scratch+4, RequestMarker)
	for i, w := range words {
		ram.Store32(c.scratch+8+uint32(i)*4, w)
	}
	ram.Store32(c.scratch+8+uint32(len(words))*4, EndTag)

	if !c.SendProperty(c.scratch) {
		return false
	}
	for i := range words {
		words[i] = ram.Load32(c.scratch + 8 + uint32(i)*4)
	}
	return true
}

// QuerySerial asks the firmware for the board serial number.
func (c *Client) QuerySerial() (uint64, bool) {
	msg := []uint32{
		TagGetSerial,
		8, // value buffer size
		8, // expected response size
		0, 0,
	}
	if !c.Send(msg) {
		return 0, false
	}
	return uint64(msg[3]) | uint64(msg[4])<<32, true
}

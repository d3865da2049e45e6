// Package systimer implements the BCM2835-style system timer: a
// free-running microsecond counter with four compare channels, of which
// the GPU owns 0 and 2. The kernel uses channel 1 for the scheduler tick
// and channel 3 as a fallback against lost ticks.
package systimer

import (
	"sync"

	"github.com/coniferos/conifer/internal/interfaces"
	"github.com/coniferos/conifer/internal/layout"
)

// Register offsets from the timer base.
const (
	regCS        = 0x00
	regCounterLo = 0x04
	regCounterHi = 0x08
	regCompare0  = 0x0C
	regCompare1  = 0x10
	regCompare2  = 0x14
	regCompare3  = 0x18

	deviceSize = 0x1C
)

const (
	matchBit1 = 1 << 1
	matchBit3 = 1 << 3
)

// Device is the timer model. The counter is backed by a Clock; Poll
// latches matches and drives the interrupt line, which stays raised while
// channel 1's match bit is set.
type Device struct {
	mu     sync.Mutex
	clock  interfaces.Clock
	line   interfaces.Line
	status uint32
	cmp    [4]uint32
}

// NewDevice creates the timer over clock, raising line on channel 1
// matches.
func NewDevice(clock interfaces.Clock, line interfaces.Line) *Device {
	return &Device{clock: clock, line: line}
}

func (d *Device) counter() uint32 { return uint32(d.clock.Micros()) }

// reached reports whether the counter has passed cmp, wrap-aware.
func reached(now, cmp uint32) bool { return int32(now-cmp) >= 0 }

// Poll latches compare matches against the current counter. The host run
// loop calls this periodically; tests call it after advancing the clock.
func (d *Device) Poll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.counter()
	if d.status&matchBit1 == 0 && reached(now, d.cmp[1]) {
		d.status |= matchBit1
	}
	if d.status&matchBit3 == 0 && reached(now, d.cmp[3]) {
		d.status |= matchBit3
	}
	d.line.SetLevel(d.status&matchBit1 != 0)
}

// ReadMMIO implements memio.Device.
func (d *Device) ReadMMIO(addr uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch addr - layout.TimerBase {
	case regCS:
		return d.status
	case regCounterLo:
		return d.counter()
	case regCounterHi:
		return uint32(d.clock.Micros() >> 32)
	case regCompare0, regCompare1, regCompare2, regCompare3:
		return d.cmp[(addr-layout.TimerBase-regCompare0)/4]
	}
	return 0
}

// WriteMMIO implements memio.Device. Writing the status register clears
// the match bits written (write-one-to-clear); writing a compare channel
// re-arms it.
func (d *Device) WriteMMIO(addr, val uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch addr - layout.TimerBase {
	case regCS:
		d.status &^= val
		d.line.SetLevel(d.status&matchBit1 != 0)
	case regCompare0, regCompare1, regCompare2, regCompare3:
		d.cmp[(addr-layout.TimerBase-regCompare0)/4] = val
	}
}

// Size returns the MMIO window size for bus registration.
func Size() uint32 { return deviceSize }

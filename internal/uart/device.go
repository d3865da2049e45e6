// Package uart implements the PL011 UART: the device model bridged to a
// host console, the driver-side register accessors, and the state machine
// that turns blocking task reads and writes into FIFO-threshold
// interrupts.
package uart

import (
	"sync"

	"github.com/coniferos/conifer/internal/interfaces"
	"github.com/coniferos/conifer/internal/layout"
)

// PL011 register offsets.
const (
	regDR     = 0x00
	regRSRECR = 0x04
	regFR     = 0x18
	regILPR   = 0x20
	regIBRD   = 0x24
	regFBRD   = 0x28
	regLCRH   = 0x2C
	regCR     = 0x30
	regIFLS   = 0x34
	regIMSC   = 0x38
	regRIS    = 0x3C
	regMIS    = 0x40
	regICR    = 0x44

	deviceSize = 0x48
)

// Flag and mask bits used by the driver.
const (
	frRXFE = 1 << 4
	frTXFF = 1 << 5

	intRX = 1 << 4 // RXIM / RXRIS / RXIC share the bit position
	intTX = 1 << 5

	lcrhFEN   = 1 << 4
	lcrhWLEN0 = 1 << 5
	lcrhWLEN1 = 1 << 6

	crEN  = 1 << 0
	crTXE = 1 << 8
	crRXE = 1 << 9
)

// fifoDepth is the hardware FIFO depth. Poll stops taking input once the
// FIFO is full; further bytes wait in the console until it drains.
const fifoDepth = 16

// Device is the UART model. The receive FIFO fills from the host console
// on Poll; transmitted bytes drain to the console immediately, so the
// transmit FIFO never backs up and the TX interrupt is level-high
// whenever it is unmasked.
//
// Real hardware raises a receive-timeout interrupt when the FIFO sits
// non-empty below the trigger level; the driver only unmasks the plain RX
// interrupt, so the timeout is folded into RXRIS here: Poll latches it
// whenever the FIFO is non-empty, and a write to ICR clears the latch.
type Device struct {
	mu      sync.Mutex
	console interfaces.Console
	line    interfaces.Line

	rx        []byte
	ibrd      uint32
	fbrd      uint32
	lcrh      uint32
	cr        uint32
	ifls      uint32
	imsc      uint32
	rxTimeout bool

	rxTotal uint64
	txTotal uint64
}

// NewDevice creates the UART over the host console, raising line through
// the interrupt controller.
func NewDevice(console interfaces.Console, line interfaces.Line) *Device {
	return &Device{console: console, line: line}
}

// rxTrigger converts the IFLS receive field to a byte level. Select value
// n means "raise once n*2 bytes are waiting"; zero means any byte.
func (d *Device) rxTrigger() int {
	sel := d.ifls >> 3 & 0x7
	if sel == 0 {
		return 1
	}
	return int(sel * 2)
}

// ris computes the raw interrupt status from FIFO levels.
func (d *Device) ris() uint32 {
	var s uint32
	if len(d.rx) >= d.rxTrigger() || (d.rxTimeout && len(d.rx) > 0) {
		s |= intRX
	}
	// Transmit drains instantly, so the TX condition always holds.
	s |= intTX
	return s
}

func (d *Device) updateLine() {
	d.line.SetLevel(d.ris()&d.imsc != 0)
}

// Poll pulls pending host input into the receive FIFO and latches the
// receive-timeout condition. The host pump calls this on input arrival;
// tests call it to model input sitting below the trigger level.
func (d *Device) Poll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cr&crEN == 0 || d.cr&crRXE == 0 {
		return
	}
	for len(d.rx) < fifoDepth {
		b, ok := d.console.ReadByte()
		if !ok {
			break
		}
		d.rx = append(d.rx, b)
		d.rxTotal++
	}
	d.rxTimeout = len(d.rx) > 0
	d.updateLine()
}

// RxBytes and TxBytes report total traffic, for metrics.
func (d *Device) RxBytes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rxTotal
}

func (d *Device) TxBytes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txTotal
}

// ReadMMIO implements memio.Device.
func (d *Device) ReadMMIO(addr uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch addr - layout.UARTBase {
	case regDR:
		if len(d.rx) == 0 {
			return 0
		}
		b := d.rx[0]
		d.rx = d.rx[1:]
		if len(d.rx) == 0 {
			d.rxTimeout = false
		}
		d.updateLine()
		return uint32(b)
	case regFR:
		var fr uint32
		if len(d.rx) == 0 {
			fr |= frRXFE
		}
		return fr
	case regIBRD:
		return d.ibrd
	case regFBRD:
		return d.fbrd
	case regLCRH:
		return d.lcrh
	case regCR:
		return d.cr
	case regIFLS:
		return d.ifls
	case regIMSC:
		return d.imsc
	case regRIS:
		return d.ris()
	case regMIS:
		return d.ris() & d.imsc
	}
	return 0
}

// WriteMMIO implements memio.Device.
func (d *Device) WriteMMIO(addr, val uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch addr - layout.UARTBase {
	case regDR:
		if d.cr&crEN != 0 && d.cr&crTXE != 0 {
			d.console.WriteByte(byte(val)) //nolint:errcheck // host console loss is not the guest's problem
			d.txTotal++
		}
	case regIBRD:
		d.ibrd = val
	case regFBRD:
		d.fbrd = val
	case regLCRH:
		d.lcrh = val
	case regCR:
		d.cr = val
	case regIFLS:
		d.ifls = val
	case regIMSC:
		d.imsc = val
		d.updateLine()
	case regICR:
		if val&intRX != 0 {
			d.rxTimeout = false
		}
		d.updateLine()
	}
}

// Size returns the MMIO window size for bus registration.
func Size() uint32 { return deviceSize }

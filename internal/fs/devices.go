package fs

import (
	"github.com/coniferos/conifer/internal/uart"
)

// DevZero reads as an endless run of zero bytes and swallows writes.
type DevZero struct{}

func (DevZero) Read(buf []byte) int {
	for i := range buf {
		buf[i] = 0
	}
	return len(buf)
}

func (DevZero) Write(buf []byte) int { return len(buf) }

// DevNull reads as immediate end of input and swallows writes.
type DevNull struct{}

func (DevNull) Read(buf []byte) int  { return 0 }
func (DevNull) Write(buf []byte) int { return len(buf) }

// Waitable matches the scheduler's blocking predicate; the UART file
// blocks through the injected reschedule hook so this package stays
// independent of the task machinery.
type Waitable interface {
	IsFinished() bool
}

// UARTFile is the blocking, interrupt-driven console device. Each read or
// write installs a request on the single UART slot and reschedules until
// the IRQ path completes it.
type UARTFile struct {
	port  *uart.Port
	block func(Waitable)
}

// NewUARTFile creates the device over the UART port; block parks the
// calling task until the waitable finishes.
func NewUARTFile(port *uart.Port, block func(Waitable)) *UARTFile {
	return &UARTFile{port: port, block: block}
}

func (f *UARTFile) Read(buf []byte) int {
	req := f.port.StartRead(buf)
	f.block(req)
	n := req.Size()
	f.port.Complete(req)
	return n
}

func (f *UARTFile) Write(buf []byte) int {
	req := f.port.StartWrite(buf)
	f.block(req)
	n := req.Size()
	f.port.Complete(req)
	return n
}

// DisplayFile exposes the framebuffer as a byte sink; reads see nothing.
type DisplayFile struct {
	display interface{ Write(buf []byte) int }
}

// NewDisplayFile creates the device over the display console.
func NewDisplayFile(display interface{ Write(buf []byte) int }) *DisplayFile {
	return &DisplayFile{display: display}
}

func (f *DisplayFile) Read(buf []byte) int  { return 0 }
func (f *DisplayFile) Write(buf []byte) int { return f.display.Write(buf) }

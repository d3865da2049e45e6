package uart

import (
	"bytes"
	"testing"

	"github.com/coniferos/conifer/internal/irq"
	"github.com/coniferos/conifer/internal/layout"
	"github.com/coniferos/conifer/internal/memio"
)

// pipeConsole is a controllable host console: a script of input bytes and
// a capture of output bytes.
type pipeConsole struct {
	in  []byte
	out bytes.Buffer
}

func (c *pipeConsole) ReadByte() (byte, bool) {
	if len(c.in) == 0 {
		return 0, false
	}
	b := c.in[0]
	c.in = c.in[1:]
	return b, true
}

func (c *pipeConsole) WriteByte(b byte) error {
	c.out.WriteByte(b)
	return nil
}

func (c *pipeConsole) feed(s string) { c.in = append(c.in, s...) }

type recordingLine struct {
	level bool
}

func (l *recordingLine) SetLevel(level bool) { l.level = level }

func testPort(t *testing.T) (*Port, *Device, *pipeConsole, *recordingLine) {
	t.Helper()
	console := &pipeConsole{}
	line := &recordingLine{}
	dev := NewDevice(console, line)

	ram := memio.NewRAM(4096)
	bus := memio.NewBus(ram)
	if err := bus.Map(layout.UARTBase, Size(), dev); err != nil {
		t.Fatal(err)
	}
	regs := NewRegisters(bus)
	regs.Reset()
	return NewPort(regs), dev, console, line
}

func tag() irq.DisabledTag { return irq.Promise() }

func TestPollPutGet(t *testing.T) {
	port, dev, console, _ := testPort(t)
	regs := port.Registers()

	regs.PollWrite("ok\n")
	if got := console.out.String(); got != "ok\n" {
		t.Errorf("poll write produced %q", got)
	}

	console.feed("x")
	dev.Poll()
	if got := regs.PollGet(); got != 'x' {
		t.Errorf("PollGet() = %q, want 'x'", got)
	}
}

func TestReadRequestEcho(t *testing.T) {
	// Scenario: a 16-byte read served "hello\n" across two interrupt
	// deliveries finishes early on the break with 5 bytes stored, and the
	// input is echoed back with the break as newline plus carriage
	// return.
	port, dev, console, line := testPort(t)

	buf := make([]byte, 16)
	req := port.StartRead(buf)
	if req.IsFinished() {
		t.Fatal("fresh read request already finished")
	}

	console.feed("hel")
	dev.Poll()
	if !line.level {
		t.Fatal("RX interrupt not raised for waiting input")
	}
	port.HandleIRQ(tag())
	if req.IsFinished() {
		t.Fatal("request finished before the line break")
	}

	console.feed("lo\n")
	dev.Poll()
	if !line.level {
		t.Fatal("RX interrupt not raised for second batch")
	}
	port.HandleIRQ(tag())

	if !req.IsFinished() {
		t.Fatal("request not finished after line break")
	}
	if req.Size() != 5 {
		t.Errorf("Size() = %d, want 5", req.Size())
	}
	if got := string(buf[:req.Size()]); got != "hello" {
		t.Errorf("buffer = %q, want \"hello\"", got)
	}
	if got := console.out.String(); got != "hello\n\r" {
		t.Errorf("echo = %q, want \"hello\\n\\r\"", got)
	}

	dev.Poll()
	if line.level {
		t.Error("RX interrupt still raised after the request masked it")
	}
	port.Complete(req)
}

func TestReadFullBuffer(t *testing.T) {
	port, dev, console, _ := testPort(t)

	buf := make([]byte, 4)
	req := port.StartRead(buf)
	console.feed("abcdef")
	dev.Poll()
	port.HandleIRQ(tag())

	if !req.IsFinished() {
		t.Fatal("request not finished at capacity")
	}
	if got := string(buf); got != "abcd" {
		t.Errorf("buffer = %q, want \"abcd\"", got)
	}
	port.Complete(req)

	// The overflow bytes are still in the FIFO for the next request.
	req2 := port.StartRead(make([]byte, 2))
	dev.Poll()
	port.HandleIRQ(tag())
	if !req2.IsFinished() {
		t.Error("second request did not drain the leftover FIFO bytes")
	}
	port.Complete(req2)
}

func TestWriteRequest(t *testing.T) {
	port, dev, console, _ := testPort(t)

	payload := []byte("status: up\n")
	req := port.StartWrite(payload)
	dev.Poll()
	port.HandleIRQ(tag())

	if !req.IsFinished() {
		t.Fatal("write request not finished")
	}
	if req.Size() != len(payload) {
		t.Errorf("Size() = %d, want %d", req.Size(), len(payload))
	}
	// The newline picked up a trailing carriage return on the wire, not
	// in the accounting.
	if got := console.out.String(); got != "status: up\n\r" {
		t.Errorf("wire bytes = %q", got)
	}
	port.Complete(req)
}

func TestSecondRequestPanics(t *testing.T) {
	port, _, _, _ := testPort(t)

	defer func() {
		if recover() == nil {
			t.Error("starting a second request did not panic")
		}
	}()
	port.StartRead(make([]byte, 1))
	port.StartRead(make([]byte, 1))
}

func TestIRQWithoutRequestPanics(t *testing.T) {
	port, _, _, _ := testPort(t)

	defer func() {
		if recover() == nil {
			t.Error("IRQ with no request did not panic")
		}
	}()
	port.HandleIRQ(tag())
}

func TestFIFOFullLeavesInputQueued(t *testing.T) {
	_, dev, console, _ := testPort(t)

	console.feed("0123456789abcdefOVERRUN")
	dev.Poll()

	// Only fifoDepth bytes made it in; the rest wait in the console
	// until the FIFO drains.
	d := dev
	d.mu.Lock()
	got := len(d.rx)
	d.mu.Unlock()
	if got != fifoDepth {
		t.Errorf("FIFO holds %d bytes, want %d", got, fifoDepth)
	}
}

func TestTrafficCounters(t *testing.T) {
	port, dev, console, _ := testPort(t)

	console.feed("hi")
	dev.Poll()
	port.Registers().PollWrite("out")

	if dev.RxBytes() != 2 {
		t.Errorf("RxBytes() = %d, want 2", dev.RxBytes())
	}
	if dev.TxBytes() != 3 {
		t.Errorf("TxBytes() = %d, want 3", dev.TxBytes())
	}
}

package uart

import (
	"github.com/coniferos/conifer/internal/irq"
)

// Request is one blocking read or write in flight. The owning task blocks
// on it as a waitable while the IRQ path moves bytes; it is finished when
// the buffer is full, or early when a read hits a line break.
type Request struct {
	buf      []byte
	size     int
	capacity int
	isWrite  bool
}

// IsFinished reports request completion; the scheduler polls this.
func (q *Request) IsFinished() bool { return q.size == q.capacity }

// Size returns the bytes read or written so far.
func (q *Request) Size() int { return q.size }

func (q *Request) amountLeft() int { return q.capacity - q.size }

// Port is the single request slot in front of the UART. The device has
// one FIFO pair, so exactly one request may be outstanding; starting a
// second is a kernel bug and panics.
type Port struct {
	regs   *Registers
	active *Request
}

// NewPort creates the port over the driver registers.
func NewPort(regs *Registers) *Port { return &Port{regs: regs} }

// Registers exposes the driver accessors for the polling console paths.
func (p *Port) Registers() *Registers { return p.regs }

// StartRead installs a read request for len(buf) bytes and arms the
// receive interrupt. The caller must block on the returned request and
// hand it back to Complete afterwards.
func (p *Port) StartRead(buf []byte) *Request {
	return p.start(&Request{buf: buf, capacity: len(buf)})
}

// StartWrite installs a write request for the bytes of buf.
func (p *Port) StartWrite(buf []byte) *Request {
	return p.start(&Request{buf: buf, capacity: len(buf), isWrite: true})
}

func (p *Port) start(q *Request) *Request {
	if p.active != nil {
		panic("uart: request started while another is outstanding")
	}
	p.active = q
	if q.isWrite {
		p.regs.SetWriteIRQ(q.amountLeft())
	} else {
		p.regs.SetReadIRQ(q.amountLeft())
	}

	// Publish the request before unmasking: the IRQ may fire inside this
	// call and must observe a fully initialized slot.
	if q.isWrite {
		p.regs.EnableWriteIRQ()
	} else {
		p.regs.EnableReadIRQ()
	}
	return q
}

// Complete releases the slot once the owning task has observed the
// result.
func (p *Port) Complete(q *Request) {
	if p.active != q {
		panic("uart: completed request is not the outstanding one")
	}
	p.active = nil
}

// fill moves bytes between the request buffer and the FIFOs. A read that
// stops on a line break shrinks the capacity to the filled size, which
// finishes the request with the break consumed.
func (q *Request) fill(regs *Registers) {
	if q.isWrite {
		q.size += regs.TryWrite(q.buf[q.size:])
		return
	}
	n, stoppedOnBreak := regs.TryRead(q.buf[q.size:])
	q.size += n
	if stoppedOnBreak {
		q.capacity = q.size
	}
}

// HandleIRQ drives the outstanding request forward from the interrupt
// path. Runs in the masked window; no nesting of fills can occur.
func (p *Port) HandleIRQ(irq.DisabledTag) {
	q := p.active
	if q == nil {
		panic("uart: IRQ with no outstanding request")
	}
	if q.IsFinished() {
		panic("uart: IRQ after request finished")
	}

	if q.isWrite {
		p.regs.ClearWriteIRQ()
	} else {
		p.regs.ClearReadIRQ()
	}

	q.fill(p.regs)

	if q.IsFinished() {
		// Mask now rather than at completion so no further IRQs fire
		// just to find nothing to do.
		if q.isWrite {
			p.regs.DisableWriteIRQ()
		} else {
			p.regs.DisableReadIRQ()
		}
		return
	}

	if q.isWrite {
		p.regs.SetWriteIRQ(q.amountLeft())
	} else {
		p.regs.SetReadIRQ(q.amountLeft())
	}
}

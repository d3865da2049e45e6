//go:build linux

package hostio

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
)

// ringDepth is the submission queue size; console input is one read at a
// time, so a shallow ring is plenty.
const ringDepth = 8

// ringReader reads host input through io_uring. One read is kept in
// flight; ReadBatch submits and waits for it.
type ringReader struct {
	ring *giouring.Ring
	fd   int
	buf  []byte
}

// newRingReader sets up the ring over fd. A failed ring setup is returned
// as an error so kernels without io_uring fall back cleanly.
func newRingReader(fd int) (batchReader, error) {
	ring, err := giouring.CreateRing(ringDepth)
	if err != nil {
		return nil, fmt.Errorf("hostio: io_uring setup: %w", err)
	}
	return &ringReader{ring: ring, fd: fd, buf: make([]byte, 256)}, nil
}

// ReadBatch submits one read and blocks for its completion.
func (r *ringReader) ReadBatch(buf []byte) (int, error) {
	if len(buf) > len(r.buf) {
		buf = buf[:len(r.buf)]
	}

	entry := r.ring.GetSQE()
	if entry == nil {
		return 0, fmt.Errorf("hostio: submission queue full")
	}
	entry.PrepareRead(r.fd, uintptr(unsafe.Pointer(&r.buf[0])), uint32(len(buf)), 0)
	entry.UserData = 1

	if _, err := r.ring.SubmitAndWait(1); err != nil {
		return 0, fmt.Errorf("hostio: submit read: %w", err)
	}

	cqe, err := r.ring.WaitCQE()
	if err != nil {
		return 0, fmt.Errorf("hostio: wait completion: %w", err)
	}
	res := cqe.Res
	r.ring.CQESeen(cqe)

	if res < 0 {
		return 0, syscall.Errno(-res)
	}
	if res == 0 {
		return 0, fmt.Errorf("hostio: console input closed")
	}
	return copy(buf, r.buf[:res]), nil
}

// Close tears the ring down.
func (r *ringReader) Close() error {
	r.ring.QueueExit()
	return nil
}

// Package sys decodes software interrupts into typed task operations and
// packs the results back into the return register.
package sys

import (
	"fmt"

	"github.com/coniferos/conifer/internal/errno"
	"github.com/coniferos/conifer/internal/fs"
	"github.com/coniferos/conifer/internal/irq"
	"github.com/coniferos/conifer/internal/layout"
	"github.com/coniferos/conifer/internal/memio"
	"github.com/coniferos/conifer/internal/task"
)

// Syscall request codes. The numeric values are ABI.
const (
	CallYield   = 0
	CallSleep   = 1
	CallOpen    = 2
	CallRead    = 3
	CallWrite   = 4
	CallClose   = 5
	CallDup     = 6
	CallSbrk    = 7
	CallUptime  = 8
	CallCPUTime = 9
	CallExit    = 10
)

// maxPathLength bounds the NUL-terminated path pulled from user memory.
const maxPathLength = 256

// transferChunk bounds a single copy between user memory and the device
// layer; reads return short rather than staging unbounded buffers, which
// "at most" semantics permit.
const transferChunk = 64 * 1024

// Dispatcher routes decoded syscalls to the running task. It holds no
// state of its own beyond its collaborators.
type Dispatcher struct {
	tm      *task.Manager
	ram     *memio.RAM
	cpu     *irq.CPU
	jiffies func() uint32
	console func(s string)
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(tm *task.Manager, ram *memio.RAM, cpu *irq.CPU, jiffies func() uint32, console func(string)) *Dispatcher {
	return &Dispatcher{tm: tm, ram: ram, cpu: cpu, jiffies: jiffies, console: console}
}

// ret packs a signed result into the return register.
func ret(v int) uint32 { return uint32(int32(v)) }

// Handle executes one syscall for the running task. Unknown codes are
// logged and return 0.
func (d *Dispatcher) Handle(call, arg1, arg2, arg3 uint32) uint32 {
	t := d.tm.RunningTask()

	switch call {
	case CallYield:
		dis := d.cpu.Disable()
		d.tm.Schedule(dis.Tag())
		dis.Restore()
		return 0

	case CallSleep:
		t.Sleep(arg1)
		return 0

	case CallOpen:
		path, err := d.ram.CString(arg1, maxPathLength)
		if err != nil {
			return ret(-errno.EINVAL) // unterminated or unmapped path
		}
		return ret(t.Open(path, fs.Mode(arg2)))

	case CallRead:
		return d.read(t, int(int32(arg1)), arg2, arg3)

	case CallWrite:
		return d.write(t, int(int32(arg1)), arg2, arg3)

	case CallClose:
		return ret(t.Close(int(int32(arg1))))

	case CallDup:
		return ret(t.Dup(int(int32(arg1))))

	case CallSbrk:
		return t.Sbrk(arg1)

	case CallUptime:
		return d.jiffies()

	case CallCPUTime:
		return t.CPUTime()

	case CallExit:
		dis := d.cpu.Disable()
		d.tm.ExitRunningTask(dis.Tag(), int(int32(arg1)))
		panic("unreachable") // ExitRunningTask never returns

	default:
		d.console(fmt.Sprintf("kernel:\tunknown syscall number %d\n", call))
		return 0
	}
}

// read stages at most one chunk through a kernel buffer and copies it out
// to user memory.
func (d *Dispatcher) read(t *task.Task, fd int, bufAddr, atMost uint32) uint32 {
	if n := checkTransferSize(atMost); n != 0 {
		return n
	}
	size := atMost
	if size > transferChunk {
		size = transferChunk
	}
	buf := make([]byte, size)
	n := t.Read(fd, buf)
	if n < 0 {
		return ret(n)
	}
	if n > 0 {
		d.ram.WriteAt(buf[:n], bufAddr) //nolint:errcheck // user range was validated by the heap
	}
	return ret(n)
}

// write copies user memory in chunk-sized pieces through the device.
func (d *Dispatcher) write(t *task.Task, fd int, bufAddr, size uint32) uint32 {
	if n := checkTransferSize(size); n != 0 {
		return n
	}
	var written uint32
	for written < size {
		chunk := size - written
		if chunk > transferChunk {
			chunk = transferChunk
		}
		buf := make([]byte, chunk)
		if _, err := d.ram.ReadAt(buf, bufAddr+written); err != nil {
			return ret(-errno.EINVAL) // buffer outside memory
		}
		n := t.Write(fd, buf)
		if n < 0 {
			if written > 0 {
				return ret(int(written))
			}
			return ret(n)
		}
		written += uint32(n)
		if uint32(n) < chunk {
			break
		}
	}
	return ret(int(written))
}

// checkTransferSize rejects transfers beyond the signed-size maximum
// before any descriptor is touched. Returns the packed errno, or 0 when
// the size is fine.
func checkTransferSize(size uint32) uint32 {
	if size > layout.SSizeMax {
		return ret(-errno.EINVAL)
	}
	return 0
}

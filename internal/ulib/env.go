// Package ulib is the thin userspace runtime for tasks: syscall wrappers
// that marshal between Go values and the task's heap in emulated memory,
// plus formatted console output.
package ulib

import (
	"fmt"

	"github.com/coniferos/conifer/internal/fs"
	"github.com/coniferos/conifer/internal/memio"
	"github.com/coniferos/conifer/internal/sys"
	"github.com/coniferos/conifer/internal/task"
)

// bounceSize is the user-heap transfer buffer each environment reserves
// via sbrk on first use.
const bounceSize = 4096

// Env gives a task body its libc: buffers live in the task's own heap so
// every transfer crosses the syscall boundary the way real user code
// would.
type Env struct {
	sys    task.SyscallFunc
	ram    *memio.RAM
	bounce uint32
}

// NewEnv wraps the syscall gate for one task.
func NewEnv(gate task.SyscallFunc, ram *memio.RAM) *Env {
	return &Env{sys: gate, ram: ram}
}

// buffer lazily reserves the transfer buffer from the task heap.
func (e *Env) buffer() uint32 {
	if e.bounce == 0 {
		brk := e.sys(sys.CallSbrk, bounceSize, 0, 0)
		if brk == 0 {
			panic("ulib: task heap exhausted reserving transfer buffer")
		}
		e.bounce = brk - bounceSize
	}
	return e.bounce
}

// Open opens a device path.
func (e *Env) Open(path string, mode fs.Mode) int {
	addr := e.buffer()
	e.ram.WriteAt(append([]byte(path), 0), addr) //nolint:errcheck // heap-backed
	return int(int32(e.sys(sys.CallOpen, addr, uint32(mode), 0)))
}

// Read reads at most len(buf) bytes from fd.
func (e *Env) Read(fd int, buf []byte) int {
	n := len(buf)
	if n > bounceSize {
		n = bounceSize
	}
	addr := e.buffer()
	got := int(int32(e.sys(sys.CallRead, uint32(fd), addr, uint32(n))))
	if got > 0 {
		e.ram.ReadAt(buf[:got], addr) //nolint:errcheck // heap-backed
	}
	return got
}

// Write writes p to fd.
func (e *Env) Write(fd int, p []byte) int {
	total := 0
	addr := e.buffer()
	for len(p) > 0 {
		chunk := len(p)
		if chunk > bounceSize {
			chunk = bounceSize
		}
		e.ram.WriteAt(p[:chunk], addr) //nolint:errcheck // heap-backed
		n := int(int32(e.sys(sys.CallWrite, uint32(fd), addr, uint32(chunk))))
		if n < 0 {
			if total > 0 {
				return total
			}
			return n
		}
		total += n
		if n < chunk {
			break
		}
		p = p[chunk:]
	}
	return total
}

// ReadLine reads one line from fd; the kernel's line discipline
// terminates the read at the break.
func (e *Env) ReadLine(fd int, buf []byte) int {
	return e.Read(fd, buf)
}

// Printf formats to fd.
func (e *Env) Printf(fd int, format string, args ...interface{}) {
	e.Write(fd, []byte(fmt.Sprintf(format, args...)))
}

// Close closes fd.
func (e *Env) Close(fd int) int { return int(int32(e.sys(sys.CallClose, uint32(fd), 0, 0))) }

// Dup duplicates fd.
func (e *Env) Dup(fd int) int { return int(int32(e.sys(sys.CallDup, uint32(fd), 0, 0))) }

// Yield gives up the rest of the quantum.
func (e *Env) Yield() { e.sys(sys.CallYield, 0, 0, 0) }

// Sleep blocks for secs seconds.
func (e *Env) Sleep(secs uint32) { e.sys(sys.CallSleep, secs, 0, 0) }

// Sbrk grows the task heap and returns the new break.
func (e *Env) Sbrk(increase uint32) uint32 { return e.sys(sys.CallSbrk, increase, 0, 0) }

// Uptime returns jiffies since boot.
func (e *Env) Uptime() uint32 { return e.sys(sys.CallUptime, 0, 0, 0) }

// CPUTime returns this task's scheduled jiffies.
func (e *Env) CPUTime() uint32 { return e.sys(sys.CallCPUTime, 0, 0, 0) }

// Exit terminates the task. Never returns.
func (e *Env) Exit(code int) {
	e.sys(sys.CallExit, uint32(int32(code)), 0, 0)
}

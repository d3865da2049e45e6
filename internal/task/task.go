package task

import (
	"github.com/coniferos/conifer/internal/errno"
	"github.com/coniferos/conifer/internal/fs"
	"github.com/coniferos/conifer/internal/kmalloc"
	"github.com/coniferos/conifer/internal/layout"
)

// State is a task's scheduling state. There is no exited state: exit
// removes the task from the list atomically.
type State int

const (
	StateNew State = iota
	StateRunnable
	StateWaiting
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunnable:
		return "runnable"
	case StateWaiting:
		return "waiting"
	}
	return "invalid"
}

// SyscallFunc is the software-interrupt gate handed to task entry
// functions: id plus three argument words in, one result word out.
type SyscallFunc func(call, arg1, arg2, arg3 uint32) uint32

// Entry is a task body. Returning from it is equivalent to falling into
// the halt trampoline: the task exits with code 0.
type Entry func(sys SyscallFunc)

// Flags selects the task variety at creation.
type Flags int

const (
	CreateUserTask Flags = iota
	CreateKernelTask
)

// Task is one schedulable context.
type Task struct {
	m *Manager

	name      string
	state     State
	registers Registers

	kernelStackBase uint32
	userStackBase   uint32 // 0 for kernel tasks
	heapBase        uint32
	heap            *kmalloc.TaskHeap

	jiffiesWhenScheduled uint32
	cpuJiffies           uint32
	waitingFor           Waitable
	fdTable              *fs.FileDescriptorTable

	entry Entry
	// token is the single-CPU run token; a task goroutine runs only
	// while it holds it. savedMask banks the interrupt mask across
	// suspensions the way the status word banks the I/F bits.
	token     chan struct{}
	savedMask int32
}

// Name returns the task's name.
func (t *Task) Name() string { return t.name }

// State returns the scheduling state.
func (t *Task) State() State { return t.state }

// Registers returns the saved snapshot.
func (t *Task) Registers() Registers { return t.registers }

// IsKernelTask reports whether the task runs in supervisor mode.
func (t *Task) IsKernelTask() bool { return t.registers.IsKernel() }

func (t *Task) canRun() bool { return t.state == StateNew || t.state == StateRunnable }

// updateState promotes a Waiting task whose waitable has finished. Called
// only from pick-next; the only transition it makes is Waiting to
// Runnable.
func (t *Task) updateState() {
	if t.state == StateWaiting && t.waitingFor != nil && t.waitingFor.IsFinished() {
		t.state = StateRunnable
	}
}

// Sleep blocks the task for secs seconds of jiffy time.
func (t *Task) Sleep(secs uint32) {
	t.m.RescheduleWhileWaitingFor(NewSleepWaitable(secs, t.m.jiffies))
}

// Open resolves a device path into a new descriptor.
func (t *Task) Open(path string, mode fs.Mode) int {
	return t.fdTable.Open(path, mode)
}

func validBufferLength(n int) int {
	if n > layout.SSizeMax {
		return -errno.EINVAL
	}
	return 0
}

// Read transfers at most len(buf) bytes from fd.
func (t *Task) Read(fd int, buf []byte) int {
	if ret := validBufferLength(len(buf)); ret < 0 {
		return ret
	}
	d := t.fdTable.TryGet(fd)
	if d == nil {
		return -errno.EBADF
	}
	return d.Read(buf)
}

// Write transfers len(buf) bytes to fd.
func (t *Task) Write(fd int, buf []byte) int {
	if ret := validBufferLength(len(buf)); ret < 0 {
		return ret
	}
	d := t.fdTable.TryGet(fd)
	if d == nil {
		return -errno.EBADF
	}
	return d.Write(buf)
}

// Close releases fd.
func (t *Task) Close(fd int) int { return t.fdTable.Close(fd) }

// Dup duplicates fd.
func (t *Task) Dup(fd int) int { return t.fdTable.Dup(fd) }

// Sbrk grows the task heap and returns the new break, or 0.
func (t *Task) Sbrk(increase uint32) uint32 { return t.heap.Sbrk(increase) }

// CPUTime returns the jiffies this task has been scheduled for,
// including the current dispatch.
func (t *Task) CPUTime() uint32 {
	if t.m.RunningTask() == t {
		return t.cpuJiffies + t.m.jiffies() - t.jiffiesWhenScheduled
	}
	return t.cpuJiffies
}

// start dispatches the task: it leaves New on first dispatch, stamps the
// schedule time, and transfers the run token, saving into saveFrom's
// context when there is one.
func (t *Task) start(saveFrom *Task, tag DisabledTag) {
	t.state = StateRunnable
	t.jiffiesWhenScheduled = t.m.jiffies()
	t.m.contextSwitch(saveFrom, t, tag)
}

// switchTo evicts the task in favor of toRun, accumulating its CPU time.
func (t *Task) switchTo(toRun *Task, tag DisabledTag) {
	t.cpuJiffies += t.m.jiffies() - t.jiffiesWhenScheduled
	toRun.start(t, tag)
}

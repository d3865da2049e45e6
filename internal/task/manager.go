package task

import (
	"fmt"

	"github.com/coniferos/conifer/internal/fs"
	"github.com/coniferos/conifer/internal/interfaces"
	"github.com/coniferos/conifer/internal/irq"
	"github.com/coniferos/conifer/internal/kmalloc"
	"github.com/coniferos/conifer/internal/layout"
)

// exitSignal unwinds an exiting task's goroutine after the scheduler has
// moved on.
type exitSignal struct{ code int }

// Config wires the manager's collaborators at boot.
type Config struct {
	Heap    *kmalloc.Heap
	Files   *fs.FileTable
	Jiffies func() uint32
	CPU     *irq.CPU
	// Console receives kernel log lines (task exits, scheduler noise)
	// through the kernel's own console path.
	Console func(s string)
	// Observer receives scheduling metrics; may be nil.
	Observer interfaces.Observer
}

// Manager owns the task list and the scheduler. It is a process-wide
// singleton; every method that mutates state is called either from the
// goroutine holding the run token or from boot, upholding the single-CPU
// invariant without locks.
type Manager struct {
	cfg          Config
	tasks        []*Task
	runningIndex int
	syscall      SyscallFunc

	// Stacks of exited tasks are reclaimed at the next scheduler entry,
	// not at exit: the exiting context must never free the stack it is
	// unwinding on.
	pendingReclaim []uint32

	userTasks int
	// done is closed when the last user task exits.
	done chan struct{}
}

// NewManager creates an empty manager. The machine creates the initial
// shell and spin tasks before starting the scheduler.
func NewManager(cfg Config) *Manager {
	if cfg.Console == nil {
		cfg.Console = func(string) {}
	}
	return &Manager{cfg: cfg, done: make(chan struct{})}
}

// SetSyscallGate installs the software-interrupt entry handed to task
// bodies. Must be set before the scheduler starts.
func (m *Manager) SetSyscallGate(gate SyscallFunc) { m.syscall = gate }

// Done is closed once the last user task has exited.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Tasks returns the live task list, for diagnostics.
func (m *Manager) Tasks() []*Task { return m.tasks }

// RunningTask returns the task currently holding the CPU.
func (m *Manager) RunningTask() *Task {
	if len(m.tasks) == 0 {
		return nil
	}
	return m.tasks[m.runningIndex]
}

func (m *Manager) jiffies() uint32 { return m.cfg.Jiffies() }

// CreateTask allocates stacks and a heap for a new task and queues it.
// User tasks get a split user stack and supervisor-mode kernel stack;
// kernel tasks run on the kernel stack alone. Both open /dev/zero and
// /dev/null as stdin and stdout.
func (m *Manager) CreateTask(name string, entryPC uint32, entry Entry, flags Flags) error {
	kernelStackBase := m.cfg.Heap.Allocate(layout.KernelStackSize)
	if kernelStackBase == 0 {
		return fmt.Errorf("task: no memory for %q kernel stack", name)
	}
	kernelSP := kernelStackBase + layout.KernelStackSize

	var userStackBase uint32
	var registers Registers
	if flags == CreateKernelTask {
		registers = NewKernelRegisters(kernelSP, entryPC)
	} else {
		userStackBase = m.cfg.Heap.Allocate(layout.UserStackSize)
		if userStackBase == 0 {
			m.cfg.Heap.Free(kernelStackBase)
			return fmt.Errorf("task: no memory for %q user stack", name)
		}
		registers = NewUserRegisters(userStackBase+layout.UserStackSize, kernelSP, entryPC)
	}

	heapBase := m.cfg.Heap.Allocate(layout.TaskHeapSize)
	if heapBase == 0 {
		m.cfg.Heap.Free(kernelStackBase)
		if userStackBase != 0 {
			m.cfg.Heap.Free(userStackBase)
		}
		return fmt.Errorf("task: no memory for %q heap", name)
	}

	fdTable := fs.NewFileDescriptorTable(m.cfg.Files)
	if fd := fdTable.Open("/dev/zero", fs.ModeRead); fd != 0 {
		return fmt.Errorf("task: stdin for %q landed on fd %d", name, fd)
	}
	if fd := fdTable.Open("/dev/null", fs.ModeWrite); fd != 1 {
		return fmt.Errorf("task: stdout for %q landed on fd %d", name, fd)
	}

	t := &Task{
		m:               m,
		name:            name,
		state:           StateNew,
		registers:       registers,
		kernelStackBase: kernelStackBase,
		userStackBase:   userStackBase,
		heapBase:        heapBase,
		heap:            kmalloc.NewTaskHeap(heapBase, layout.TaskHeapSize),
		fdTable:         fdTable,
		entry:           entry,
		token:           make(chan struct{}, 1),
	}
	m.tasks = append(m.tasks, t)
	if flags == CreateUserTask {
		m.userTasks++
	}
	go m.run(t)
	return nil
}

// run is a task goroutine: it waits for its first dispatch, executes the
// entry, and exits through the halt trampoline if the entry returns.
func (m *Manager) run(t *Task) {
	<-t.token
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(exitSignal); ok {
				return
			}
			panic(r)
		}
	}()
	t.entry(m.syscall)

	// The entry returned: control "falls into" the halt trampoline both
	// link registers point at.
	dis := m.cfg.CPU.Disable()
	m.ExitRunningTask(dis.Tag(), 0)
}

// StartScheduler dispatches the first task. Installing its context drops
// the boot-time interrupt mask; the boot goroutine from then on only
// observes.
func (m *Manager) StartScheduler(tag DisabledTag) {
	if m.syscall == nil {
		panic("task: scheduler started without a syscall gate")
	}
	if len(m.tasks) == 0 {
		panic("task: scheduler started with no tasks")
	}
	m.tasks[0].start(nil, tag)
}

// pickNextTask rotates round-robin from the slot after the running task,
// promoting finished waiters along the way, until a runnable task turns
// up. The always-runnable spin task bounds the loop.
func (m *Manager) pickNextTask() *Task {
	for {
		m.runningIndex++
		if m.runningIndex >= len(m.tasks) {
			m.runningIndex = 0
		}
		t := m.tasks[m.runningIndex]
		t.updateState()
		if t.canRun() {
			return t
		}
	}
}

// Schedule picks the next runnable task and switches to it; a no-op when
// the running task is picked again.
func (m *Manager) Schedule(tag DisabledTag) {
	m.reclaimStacks()

	cur := m.RunningTask()
	next := m.pickNextTask()
	if next == cur {
		return
	}
	if m.cfg.Observer != nil {
		m.cfg.Observer.ObserveContextSwitch()
	}
	cur.switchTo(next, tag)
}

// RescheduleWhileWaitingFor parks the running task on w. The waitable
// usually lives in the caller's frame; publishing the reference before
// the switch is safe because update-state only runs from pick-next, after
// this task has fully rescheduled itself.
func (m *Manager) RescheduleWhileWaitingFor(w Waitable) {
	t := m.RunningTask()
	t.state = StateWaiting
	t.waitingFor = w

	dis := m.cfg.CPU.Disable()
	m.Schedule(dis.Tag())
	dis.Restore()

	// Back on the CPU: the waitable finished and the reference must not
	// outlive this call.
	t.waitingFor = nil
}

// ExitRunningTask removes the running task and dispatches the next one.
// The task heap is reclaimed immediately; the stacks are queued for the
// next scheduler entry. Never returns.
func (m *Manager) ExitRunningTask(tag DisabledTag, code int) {
	t := m.RunningTask()
	m.cfg.Console(fmt.Sprintf("%s has exited with code: %d\n", t.name, code))

	t.fdTable.CloseAll()
	m.cfg.Heap.Free(t.heapBase)
	m.pendingReclaim = append(m.pendingReclaim, t.kernelStackBase)
	if t.userStackBase != 0 {
		m.pendingReclaim = append(m.pendingReclaim, t.userStackBase)
	}

	m.tasks = append(m.tasks[:m.runningIndex], m.tasks[m.runningIndex+1:]...)
	if m.runningIndex > 0 {
		m.runningIndex--
	} else {
		m.runningIndex = len(m.tasks) - 1
	}

	if !t.IsKernelTask() {
		m.userTasks--
		if m.userTasks == 0 {
			// Only the spin task remains; the machine is done.
			m.cfg.CPU.Halt()
			close(m.done)
		}
	}

	if len(m.tasks) > 0 {
		m.pickNextTask().start(nil, tag)
	}
	panic(exitSignal{code: code})
}

// reclaimStacks frees stacks queued by exited tasks. Runs at scheduler
// entry, when no context can still be executing on them.
func (m *Manager) reclaimStacks() {
	for _, base := range m.pendingReclaim {
		m.cfg.Heap.Free(base)
	}
	m.pendingReclaim = m.pendingReclaim[:0]
}

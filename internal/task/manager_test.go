package task

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/coniferos/conifer/internal/fs"
	"github.com/coniferos/conifer/internal/irq"
	"github.com/coniferos/conifer/internal/kmalloc"
	"github.com/coniferos/conifer/internal/layout"
)

func testFiles() *fs.FileTable {
	return fs.NewFileTable(func(path string) fs.File {
		switch path {
		case "/dev/zero":
			return fs.DevZero{}
		case "/dev/null":
			return fs.DevNull{}
		}
		return nil
	})
}

// kernelFixture is a miniature machine: manager, CPU, and a hand-rolled
// jiffy counter.
type kernelFixture struct {
	m       *Manager
	cpu     *irq.CPU
	jiffies atomic.Uint32
	stopped atomic.Bool
	events  chan string
}

func newFixture(t *testing.T) *kernelFixture {
	t.Helper()
	f := &kernelFixture{cpu: irq.NewCPU(), events: make(chan string, 64)}
	f.m = NewManager(Config{
		Heap:    kmalloc.NewHeap(),
		Files:   testFiles(),
		Jiffies: f.jiffies.Load,
		CPU:     f.cpu,
		Console: func(string) {},
	})
	f.m.SetSyscallGate(func(call, a1, a2, a3 uint32) uint32 { return 0 })
	t.Cleanup(func() { f.stopped.Store(true) })
	return f
}

// park holds the calling task forever without burning CPU.
func (f *kernelFixture) park() {
	f.m.RescheduleWhileWaitingFor(neverDone{})
}

// addSpin creates the always-runnable kernel task; it stops scheduling
// when the fixture is torn down.
func (f *kernelFixture) addSpin(t *testing.T) {
	t.Helper()
	err := f.m.CreateTask("spin", 0x9000, func(SyscallFunc) {
		for {
			if f.stopped.Load() {
				select {} // park the fixture's machine for good
			}
			dis := f.cpu.Disable()
			f.m.Schedule(dis.Tag())
			dis.Restore()
		}
	}, CreateKernelTask)
	if err != nil {
		t.Fatal(err)
	}
}

func (f *kernelFixture) expectEvent(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-f.events:
		if got != want {
			t.Fatalf("event = %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event %q", want)
	}
}

type neverDone struct{}

func (neverDone) IsFinished() bool { return false }

// flagWaitable finishes when its flag is raised.
type flagWaitable struct {
	flag *atomic.Bool
}

func (w flagWaitable) IsFinished() bool { return w.flag.Load() }

func TestSleepUnblocksAfterOneSecond(t *testing.T) {
	f := newFixture(t)

	err := f.m.CreateTask("A", 0x8000, func(SyscallFunc) {
		f.events <- "A:start"
		f.m.RescheduleWhileWaitingFor(NewSleepWaitable(1, f.jiffies.Load))
		f.events <- "A:resumed"
		f.park()
	}, CreateUserTask)
	if err != nil {
		t.Fatal(err)
	}
	f.addSpin(t)

	f.m.StartScheduler(irq.Promise())
	f.expectEvent(t, "A:start")

	// Nothing happens while the clock stands still; the spin task owns
	// the CPU.
	select {
	case got := <-f.events:
		t.Fatalf("unexpected event %q before the deadline", got)
	case <-time.After(50 * time.Millisecond):
	}

	// One second of jiffies passes; the next pick promotes A.
	f.jiffies.Add(layout.SysHz)
	f.expectEvent(t, "A:resumed")
}

func TestRoundRobinOrder(t *testing.T) {
	f := newFixture(t)

	yielder := func(name string) Entry {
		return func(SyscallFunc) {
			for i := 0; i < 2; i++ {
				f.events <- name
				dis := f.cpu.Disable()
				f.m.Schedule(dis.Tag())
				dis.Restore()
			}
			f.park()
		}
	}
	if err := f.m.CreateTask("A", 0x8000, yielder("A"), CreateUserTask); err != nil {
		t.Fatal(err)
	}
	if err := f.m.CreateTask("B", 0x8100, yielder("B"), CreateUserTask); err != nil {
		t.Fatal(err)
	}
	f.addSpin(t)

	f.m.StartScheduler(irq.Promise())
	for _, want := range []string{"A", "B", "A", "B"} {
		f.expectEvent(t, want)
	}
}

func TestStarvationAvoidance(t *testing.T) {
	// Scenario: shell waits on a device, sleeper waits on time, and the
	// spin task keeps the machine alive until a waker fires.
	f := newFixture(t)
	var deviceReady atomic.Bool

	err := f.m.CreateTask("shell", 0x8000, func(SyscallFunc) {
		f.events <- "shell:start"
		f.m.RescheduleWhileWaitingFor(flagWaitable{flag: &deviceReady})
		f.events <- "shell:resumed"
		f.park()
	}, CreateUserTask)
	if err != nil {
		t.Fatal(err)
	}
	err = f.m.CreateTask("sleeper", 0x8100, func(SyscallFunc) {
		f.events <- "sleeper:start"
		f.m.RescheduleWhileWaitingFor(NewSleepWaitable(2, f.jiffies.Load))
		f.events <- "sleeper:resumed"
		f.park()
	}, CreateUserTask)
	if err != nil {
		t.Fatal(err)
	}
	f.addSpin(t)

	f.m.StartScheduler(irq.Promise())
	f.expectEvent(t, "shell:start")
	f.expectEvent(t, "sleeper:start")

	// Both user tasks blocked: only spin can run, and the machine stays
	// live (no event, no deadlock).
	select {
	case got := <-f.events:
		t.Fatalf("unexpected event %q while both tasks blocked", got)
	case <-time.After(50 * time.Millisecond):
	}

	deviceReady.Store(true)
	f.expectEvent(t, "shell:resumed")

	f.jiffies.Add(2 * layout.SysHz)
	f.expectEvent(t, "sleeper:resumed")
}

func TestScheduleSelfIsNoOp(t *testing.T) {
	f := newFixture(t)

	err := f.m.CreateTask("only", 0x8000, func(SyscallFunc) {
		// The only task: scheduling must pick self and return.
		dis := f.cpu.Disable()
		f.m.Schedule(dis.Tag())
		dis.Restore()
		f.events <- "only:survived"
		select {} // no other task to hand the token to
	}, CreateKernelTask)
	if err != nil {
		t.Fatal(err)
	}

	f.m.StartScheduler(irq.Promise())
	f.expectEvent(t, "only:survived")
}

func TestExitRemovesTask(t *testing.T) {
	f := newFixture(t)

	err := f.m.CreateTask("brief", 0x8000, func(SyscallFunc) {
		f.events <- "brief:ran"
		// Returning from the entry falls into the halt trampoline.
	}, CreateUserTask)
	if err != nil {
		t.Fatal(err)
	}
	f.addSpin(t)

	f.m.StartScheduler(irq.Promise())
	f.expectEvent(t, "brief:ran")

	select {
	case <-f.m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after the last user task exited")
	}
	if got := len(f.m.Tasks()); got != 1 {
		t.Errorf("%d tasks remain, want only spin", got)
	}
}

func TestUserTaskRegisters(t *testing.T) {
	f := newFixture(t)
	if err := f.m.CreateTask("u", 0x8000, func(SyscallFunc) { f.park() }, CreateUserTask); err != nil {
		t.Fatal(err)
	}
	if err := f.m.CreateTask("k", 0x9000, func(SyscallFunc) { f.park() }, CreateKernelTask); err != nil {
		t.Fatal(err)
	}

	u := f.m.Tasks()[0]
	r := u.Registers()
	if r.CPSR.Mode() != ModeUser {
		t.Errorf("user task mode = %s", r.CPSR.Mode())
	}
	if r.PC != 0x8000 {
		t.Errorf("user task pc = 0x%x", r.PC)
	}
	if r.UserSP == r.KernelSP {
		t.Error("user task stacks must be split")
	}
	if r.UserLR != HaltPC || r.KernelLR != HaltPC {
		t.Error("link registers must point at the halt trampoline")
	}
	if u.State() != StateNew {
		t.Errorf("fresh task state = %s", u.State())
	}

	k := f.m.Tasks()[1]
	if k.Registers().CPSR.Mode() != ModeSupervisor {
		t.Errorf("kernel task mode = %s", k.Registers().CPSR.Mode())
	}
	if !k.IsKernelTask() {
		t.Error("kernel task snapshot not recognized as kernel")
	}
}

func TestWaitingStateOnlyPromotedByPick(t *testing.T) {
	f := newFixture(t)
	var flag atomic.Bool

	err := f.m.CreateTask("w", 0x8000, func(SyscallFunc) {
		f.events <- "w:start"
		f.m.RescheduleWhileWaitingFor(flagWaitable{flag: &flag})
		f.events <- "w:resumed"
		f.park()
	}, CreateUserTask)
	if err != nil {
		t.Fatal(err)
	}
	f.addSpin(t)

	f.m.StartScheduler(irq.Promise())
	f.expectEvent(t, "w:start")

	// The waitable finishing does not by itself change the task state;
	// promotion happens inside the next pick, after which the task runs.
	flag.Store(true)
	f.expectEvent(t, "w:resumed")
}

// Package conifer boots and runs an emulated single-CPU ARM machine: a
// small kernel with a page-based virtual memory system, a preemptive
// round-robin scheduler, and interrupt-driven UART and timer devices,
// faithful to a Raspberry Pi 2/3 class board.
package conifer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/coniferos/conifer/internal/display"
	"github.com/coniferos/conifer/internal/fs"
	"github.com/coniferos/conifer/internal/hostio"
	"github.com/coniferos/conifer/internal/interfaces"
	"github.com/coniferos/conifer/internal/irq"
	"github.com/coniferos/conifer/internal/kmalloc"
	"github.com/coniferos/conifer/internal/layout"
	"github.com/coniferos/conifer/internal/logging"
	"github.com/coniferos/conifer/internal/mailbox"
	"github.com/coniferos/conifer/internal/memio"
	"github.com/coniferos/conifer/internal/mmu"
	"github.com/coniferos/conifer/internal/sys"
	"github.com/coniferos/conifer/internal/systimer"
	"github.com/coniferos/conifer/internal/task"
	"github.com/coniferos/conifer/internal/uart"
	"github.com/coniferos/conifer/internal/ulib"
)

// Synthetic entry addresses in the kernel image for the initial tasks.
const (
	shellEntryPC = 0x00010000
	spinEntryPC  = 0x00010800
)

// BootParams configures the machine.
type BootParams struct {
	// Serial is the board serial number the firmware reports.
	Serial uint64

	// Display dimensions, used when EnableDisplay is set.
	EnableDisplay bool
	DisplayWidth  uint32
	DisplayHeight uint32
}

// DefaultParams returns the standard machine configuration.
func DefaultParams() BootParams {
	return BootParams{
		Serial:        0xC0F1FE2900000001,
		DisplayWidth:  640,
		DisplayHeight: 480,
	}
}

// Options carries host-side wiring for the machine.
type Options struct {
	// Input feeds the UART; nil machines receive no console input.
	Input io.Reader
	// Output receives UART transmit bytes; nil discards them.
	Output io.Writer
	// Console overrides Input/Output with a custom endpoint, e.g. the
	// MockConsole test helper.
	Console Console
	// Clock overrides the free-running counter; nil uses the host
	// monotonic clock. Tests install a ManualClock.
	Clock Clock
	// Logger for host-side messages (nil uses the default logger).
	Logger *logging.Logger
	// Observer for metrics collection (nil collects into Metrics only).
	Observer Observer
}

// Console is the host endpoint of the emulated UART.
type Console = interfaces.Console

// Clock supplies the microsecond counter backing the system timer.
type Clock = interfaces.Clock

// hostClock is the default wall-driven counter.
type hostClock struct {
	start time.Time
}

func (c *hostClock) Micros() uint64 { return uint64(time.Since(c.start).Microseconds()) }

// Machine is one booted instance.
type Machine struct {
	params  BootParams
	logger  *logging.Logger
	metrics *Metrics

	ram    *memio.RAM
	bus    *memio.Bus
	cpu    *irq.CPU
	icRegs *irq.Registers
	vec    *irq.Vectors

	timerDev *systimer.Device
	timer    *systimer.Timer
	uartDev  *uart.Device
	uartRegs *uart.Registers
	port     *uart.Port
	mapper   *mmu.Mapper
	heap     *kmalloc.Heap
	files    *fs.FileTable
	tm       *task.Manager
	disp     *display.Display

	serial uint64

	console *hostio.Console
	pump    *hostio.Pump
	cancel  context.CancelFunc
}

// Boot constructs the machine and runs the kernel's initialization in the
// documented order: translation tables, UART console, kernel heap, timer,
// interrupts, then the initial tasks. The scheduler does not start until
// Run.
func Boot(ctx context.Context, params BootParams, options *Options) (*Machine, error) {
	if options == nil {
		options = &Options{}
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	m := &Machine{
		params:  params,
		logger:  logger,
		metrics: NewMetrics(),
	}

	var observer Observer = NewMetricsObserver(m.metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	clock := options.Clock
	if clock == nil {
		clock = &hostClock{start: time.Now()}
	}

	// Hardware construction: RAM, bus, CPU, and the device windows.
	m.ram = memio.NewRAM(layout.MemoryEnd)
	m.bus = memio.NewBus(m.ram)
	m.cpu = irq.NewCPU()

	ic := irq.NewController(m.cpu)
	m.icRegs = irq.NewRegisters(m.bus)

	var console Console
	if options.Console != nil {
		console = options.Console
	} else {
		out := options.Output
		if out == nil {
			out = io.Discard
		}
		m.console = hostio.NewConsole(out)
		console = m.console
	}

	m.timerDev = systimer.NewDevice(clock, ic.TimerLine())
	m.uartDev = uart.NewDevice(console, ic.UARTLine())
	mboxDev := mailbox.NewDevice(m.ram, params.Serial)

	for _, dev := range []struct {
		base uint32
		size uint32
		d    memio.Device
	}{
		{layout.IRQBase, irq.Size(), ic},
		{layout.TimerBase, systimer.Size(), m.timerDev},
		{layout.UARTBase, uart.Size(), m.uartDev},
		{layout.MailboxBase, mailbox.Size(), mboxDev},
	} {
		if err := m.bus.Map(dev.base, dev.size, dev.d); err != nil {
			return nil, WrapError("MAP_DEVICE", err)
		}
	}

	// Translation tables and boot identity mappings. A failed boot
	// identity mapping is fatal.
	mapper, err := mmu.BootstrapTables(m.ram)
	if err != nil {
		panic(WrapError("INIT_PAGE_TABLES", err))
	}
	m.mapper = mapper

	// UART console up first so everything after can print.
	m.uartRegs = uart.NewRegisters(m.bus)
	m.uartRegs.Reset()
	m.port = uart.NewPort(m.uartRegs)
	m.uartRegs.PollWrite("Initializing... ")

	m.uartRegs.PollWrite("memory ")
	m.heap = kmalloc.NewHeap()

	// Exception-mode stacks live above the stack bound, carved top-down
	// before any task stacks exist.
	for _, mode := range []string{"svc", "irq", "abort"} {
		if top := m.heap.ReserveStack(layout.PageSize); top == 0 {
			return nil, NewError("RESERVE_MODE_STACK", ErrCodeOutOfMemory, mode+" stack")
		}
	}

	m.uartRegs.PollWrite("timer ")
	m.timer = systimer.NewTimer(m.bus)
	m.timer.Init()
	m.icRegs.EnableTimer()

	m.uartRegs.PollWrite("interrupts")
	m.icRegs.EnableUART()
	m.uartRegs.PollWrite("\n")

	// Firmware services over the mailbox.
	scratch := m.heap.Allocate(512 + 16)
	if scratch == 0 {
		return nil, NewError("MAILBOX_SCRATCH", ErrCodeOutOfMemory, "mailbox buffer")
	}
	mbox := mailbox.NewClient(m.bus, (scratch+15)&^uint32(15), 512)
	if serial, ok := mbox.QuerySerial(); ok {
		m.serial = serial
	} else {
		logger.Warn("firmware did not answer serial query")
	}

	if params.EnableDisplay {
		disp, err := display.Init(mbox, m.mapper, m.ram, params.DisplayWidth, params.DisplayHeight)
		if err != nil {
			return nil, WrapError("DISPLAY_INIT", err)
		}
		m.disp = disp
	}

	kernelConsole := func(s string) { m.uartRegs.PollWrite(s) }

	// The device namespace.
	m.files = fs.NewFileTable(func(path string) fs.File {
		switch path {
		case "/dev/null":
			return fs.DevNull{}
		case "/dev/zero":
			return fs.DevZero{}
		case "/dev/uart0":
			return fs.NewUARTFile(m.port, func(w fs.Waitable) {
				m.tm.RescheduleWhileWaitingFor(w)
			})
		case "/dev/display":
			if m.disp == nil {
				return nil
			}
			return fs.NewDisplayFile(m.disp)
		}
		return nil
	})

	m.tm = task.NewManager(task.Config{
		Heap:     m.heap,
		Files:    m.files,
		Jiffies:  m.timer.Jiffies,
		CPU:      m.cpu,
		Console:  kernelConsole,
		Observer: observer,
	})

	dispatcher := sys.NewDispatcher(m.tm, m.ram, m.cpu, m.timer.Jiffies, kernelConsole)

	m.vec = irq.NewVectors(m.icRegs)
	m.vec.PanicConsole = kernelConsole
	m.vec.HandleTimer = func(tag irq.DisabledTag) bool {
		jiff := m.timer.HandleIRQ(tag)
		observer.ObserveTick(jiff - 1)
		return true
	}
	m.vec.HandleUART = m.port.HandleIRQ
	m.vec.Schedule = m.tm.Schedule
	m.vec.HandleSyscall = dispatcher.Handle

	// The software-interrupt gate: pending interrupts are taken at the
	// trap boundary on the way in and out, which is where preemption
	// lands on a cooperative trap machine.
	m.tm.SetSyscallGate(func(call, a1, a2, a3 uint32) uint32 {
		m.DeliverInterrupts()
		observer.ObserveSyscall(call)
		r := m.vec.SWI(call, a1, a2, a3)
		m.DeliverInterrupts()
		return r
	})

	// Initial tasks: the user shell and the always-runnable spin task
	// that keeps pick-next bounded.
	if err := m.tm.CreateTask("shell", shellEntryPC, ulib.ShellEntry(m.ram, m.serial), task.CreateUserTask); err != nil {
		return nil, WrapError("CREATE_SHELL", err)
	}
	if err := m.tm.CreateTask("spin", spinEntryPC, m.spinEntry, task.CreateKernelTask); err != nil {
		return nil, WrapError("CREATE_SPIN", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if options.Console == nil && options.Input != nil {
		m.pump = hostio.StartPump(runCtx, m.console, options.Input, m.uartDev.Poll, logger)
	}
	if options.Clock == nil {
		go m.tickLoop(runCtx)
	}
	go m.trafficLoop(runCtx, observer)

	logger.Info("machine booted",
		"serial", fmt.Sprintf("%016x", m.serial),
		"tasks", len(m.tm.Tasks()))
	return m, nil
}

// spinEntry is the kernel spin task: always runnable, it sits in
// wait-for-interrupt and services whatever woke it. On halt it parks for
// good instead of exiting, so the task list never goes empty.
func (m *Machine) spinEntry(task.SyscallFunc) {
	for {
		m.cpu.WaitForInterrupt()
		if m.cpu.Halted() {
			select {}
		}
		m.DeliverInterrupts()
	}
}

// tickLoop drives the timer device from the host clock.
func (m *Machine) tickLoop(ctx context.Context) {
	period := time.Second / layout.SysHz
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.timerDev.Poll()
		}
	}
}

// trafficLoop samples UART byte counters into the observer.
func (m *Machine) trafficLoop(ctx context.Context, observer Observer) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var lastRx, lastTx uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rx, tx := m.uartDev.RxBytes(), m.uartDev.TxBytes()
			observer.ObserveUARTRx(rx - lastRx)
			observer.ObserveUARTTx(tx - lastTx)
			lastRx, lastTx = rx, tx
		}
	}
}

// DeliverInterrupts takes any pending interrupts if the CPU mask allows.
// It is the emulated machine's interrupt delivery point: trap boundaries
// and the spin task's wait loop come through here, and tests call it
// after poking device state.
func (m *Machine) DeliverInterrupts() {
	if m.cpu.InterruptsDisabled() {
		return
	}
	dis := m.cpu.Disable()
	m.vec.IRQ()
	dis.Restore()
}

// PollDevices refreshes device level state from their inputs; tests use
// it with a ManualClock in place of the host tick loop.
func (m *Machine) PollDevices() {
	m.timerDev.Poll()
	m.uartDev.Poll()
}

// Run starts the scheduler and blocks until the last user task exits or
// the context is cancelled.
func (m *Machine) Run(ctx context.Context) error {
	m.tm.StartScheduler(irq.Promise())
	select {
	case <-ctx.Done():
		m.Shutdown()
		return ctx.Err()
	case <-m.tm.Done():
		m.Shutdown()
		return nil
	}
}

// Shutdown halts the CPU and stops the host-side goroutines. Safe to
// call more than once.
func (m *Machine) Shutdown() {
	m.cpu.Halt()
	m.metrics.Stop()
	if m.cancel != nil {
		m.cancel()
	}
	if m.pump != nil {
		m.pump.Close()
	}
	m.logger.Info("machine halted", "jiffies", m.timer.Jiffies())
}

// Serial returns the board serial number queried at boot.
func (m *Machine) Serial() uint64 { return m.serial }

// Jiffies returns the jiffy counter.
func (m *Machine) Jiffies() uint32 { return m.timer.Jiffies() }

// Translate walks the live translation tables, for diagnostics.
func (m *Machine) Translate(virt uint32) (uint32, bool) { return m.mapper.Translate(virt) }

// Metrics returns the machine's counters.
func (m *Machine) Metrics() *Metrics { return m.metrics }

// HeapStats returns kernel heap counters.
func (m *Machine) HeapStats() kmalloc.Stats { return m.heap.Stats() }

// Info describes a booted machine.
type Info struct {
	Serial    string `json:"serial"`
	RAMBytes  uint32 `json:"ram_bytes"`
	Tasks     int    `json:"tasks"`
	Jiffies   uint32 `json:"jiffies"`
	HeapBytes uint32 `json:"heap_bytes"`
}

// Info returns a snapshot of machine state.
func (m *Machine) Info() Info {
	return Info{
		Serial:    fmt.Sprintf("%016x", m.serial),
		RAMBytes:  m.ram.Size(),
		Tasks:     len(m.tm.Tasks()),
		Jiffies:   m.timer.Jiffies(),
		HeapBytes: m.heap.Stats().HeapSize,
	}
}

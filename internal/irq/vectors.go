package irq

import "fmt"

// Vectors routes exception entries to their handlers. The fatal entries
// print CPU state through the panic console (a polling UART writer wired
// at boot) and stop the machine; SWI and IRQ are dispatched to the
// handlers registered by the kernel.
type Vectors struct {
	regs *Registers

	// PanicConsole receives the dying words of a fatal exception before
	// the Go panic unwinds; nil falls back to the panic value alone.
	PanicConsole func(s string)

	// HandleTimer services a pending timer IRQ and reports whether a
	// reschedule is wanted.
	HandleTimer func(DisabledTag) bool
	// HandleUART drives the outstanding UART request forward.
	HandleUART func(DisabledTag)
	// Schedule invokes the scheduler after demux when requested.
	Schedule func(DisabledTag)
	// HandleSyscall dispatches a software interrupt.
	HandleSyscall func(call, arg1, arg2, arg3 uint32) uint32
}

// NewVectors creates the dispatch table over the controller registers.
func NewVectors(regs *Registers) *Vectors {
	return &Vectors{regs: regs}
}

func (v *Vectors) fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if v.PanicConsole != nil {
		v.PanicConsole(msg + "\n")
	}
	panic(msg)
}

// Reset handles the reset vector; reaching it at runtime is fatal.
func (v *Vectors) Reset() {
	v.fatal("interrupt: resetting. goodbye")
}

// UndefinedInstruction is fatal; the saved state is printed for the
// post-mortem.
func (v *Vectors) UndefinedInstruction(mode string, pc, lr uint32) {
	v.fatal("interrupt: undefined instruction! halting. mode=%s pc=0x%08x lr=0x%08x", mode, pc, lr)
}

// PrefetchAbort is fatal.
func (v *Vectors) PrefetchAbort(mode string, pc uint32) {
	v.fatal("interrupt: prefetch abort! halting. mode=%s pc=0x%08x", mode, pc)
}

// DataAbort is fatal; addr is the faulting data address.
func (v *Vectors) DataAbort(mode string, pc, addr uint32) {
	v.fatal("interrupt: data abort! halting. mode=%s pc=0x%08x addr=0x%08x", mode, pc, addr)
}

// FastIRQ is unused on this machine and therefore fatal.
func (v *Vectors) FastIRQ() {
	v.fatal("interrupt: unexpected fast IRQ")
}

// SWI unpacks a software interrupt: the syscall id and three argument
// words arrive in the argument registers, the result goes back in the
// first return register.
func (v *Vectors) SWI(call, arg1, arg2, arg3 uint32) uint32 {
	return v.HandleSyscall(call, arg1, arg2, arg3)
}

// IRQ demultiplexes a pending interrupt. It runs in the masked window the
// hardware establishes on entry, hence the promised tag.
func (v *Vectors) IRQ() {
	tag := Promise()

	shouldReschedule := false
	if v.regs.TimerPending() {
		if v.HandleTimer(tag) {
			shouldReschedule = true
		}
	}
	if v.regs.UARTPending() {
		v.HandleUART(tag)
	}

	if shouldReschedule {
		v.Schedule(tag)
	}
}

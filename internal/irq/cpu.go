package irq

import "sync/atomic"

// CPU models the single core's interrupt mask and wait-for-interrupt
// state. The machine has exactly one; only the goroutine currently
// holding the run token may change the mask, but device goroutines kick
// the WFI gate at any time.
type CPU struct {
	maskDepth atomic.Int32
	wfi       chan struct{}
	halted    atomic.Bool
}

// NewCPU creates the core with interrupts masked, as out of reset.
func NewCPU() *CPU {
	c := &CPU{wfi: make(chan struct{}, 1)}
	c.maskDepth.Store(1)
	return c
}

// DisabledTag witnesses that interrupts are masked on the calling CPU.
// It can only be obtained from a live Disabler (or from Promise on paths
// that are masked by hardware, such as IRQ entry), so any function that
// takes one is statically known to run in a masked window.
type DisabledTag struct{ _ [0]byte }

// Promise asserts that the hardware has already masked interrupts.
// Only exception entry paths may use this.
func Promise() DisabledTag { return DisabledTag{} }

// Disabler is a scoped interrupt mask. Masks nest; the mask drops when
// every Disabler has been restored.
type Disabler struct {
	cpu  *CPU
	done bool
}

// Disable masks interrupts and returns the scoped restorer.
func (c *CPU) Disable() *Disabler {
	c.maskDepth.Add(1)
	return &Disabler{cpu: c}
}

// Tag returns the witness for the masked window.
func (d *Disabler) Tag() DisabledTag { return DisabledTag{} }

// Restore drops this level of masking. Only the first call has an effect;
// later calls are no-ops.
func (d *Disabler) Restore() {
	if d.done {
		return
	}
	d.done = true
	d.cpu.maskDepth.Add(-1)
}

// EnableInterrupts drops the boot-time mask.
func (c *CPU) EnableInterrupts() {
	c.maskDepth.Add(-1)
}

// InterruptsDisabled reports the mask state, for assertions.
func (c *CPU) InterruptsDisabled() bool { return c.maskDepth.Load() > 0 }

// SwapMask exchanges the mask depth for an incoming task's saved depth
// and returns the outgoing one. The mask is part of the saved status
// word, so the context switch banks it per task: a task suspended inside
// a critical section resumes masked, while the machine runs on with the
// incoming task's state.
func (c *CPU) SwapMask(newDepth int32) int32 {
	return c.maskDepth.Swap(newDepth)
}

// Kick wakes a WaitForInterrupt sleeper; called by device models when a
// line rises.
func (c *CPU) Kick() {
	select {
	case c.wfi <- struct{}{}:
	default:
	}
}

// WaitForInterrupt parks the calling task until a device line rises or
// the machine halts. The spin task sits in this.
func (c *CPU) WaitForInterrupt() {
	if c.halted.Load() {
		return
	}
	<-c.wfi
}

// Halt marks the machine as halted and releases any WFI sleeper.
func (c *CPU) Halt() {
	c.halted.Store(true)
	c.Kick()
}

// Halted reports whether Halt has been called.
func (c *CPU) Halted() bool { return c.halted.Load() }

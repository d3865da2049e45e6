// Package irq implements the interrupt controller, the CPU's interrupt
// mask with its witness type, and the exception vector dispatch.
package irq

import (
	"sync/atomic"

	"github.com/coniferos/conifer/internal/layout"
	"github.com/coniferos/conifer/internal/memio"
)

// Register offsets from the controller base. The Pi shares 72 IRQs with
// the GPU; only the system timer and UART lines matter here.
const (
	regPendingBasic = 0x00
	regPending1     = 0x04
	regPending2     = 0x08
	regFIQControl   = 0x0C
	regEnable1      = 0x10
	regEnable2      = 0x14
	regEnableBasic  = 0x18
	regDisable1     = 0x1C
	regDisable2     = 0x20
	regDisableBasic = 0x24

	controllerSize = 0x28
)

// Source bit assignments.
const (
	timerEnableBit = 1 << 1  // enable/pending register 1
	uartEnableBit  = 1 << 25 // enable/pending register 2
	uartBasicBit   = 1 << 19 // pending basic mirror of the UART line
)

// Controller is the interrupt controller device model. Device goroutines
// drive its input lines; the CPU goroutine reads pending state through
// the bus. All register state is atomic because raisers and the reader
// race by design.
type Controller struct {
	cpu *CPU

	enable1   atomic.Uint32
	enable2   atomic.Uint32
	level1    atomic.Uint32 // raw line levels before enable gating
	level2    atomic.Uint32
	levelUART atomic.Bool
}

// NewController creates the controller; raised lines kick cpu out of WFI.
func NewController(cpu *CPU) *Controller {
	return &Controller{cpu: cpu}
}

// ReadMMIO implements memio.Device.
func (c *Controller) ReadMMIO(addr uint32) uint32 {
	switch addr - layout.IRQBase {
	case regPendingBasic:
		if c.levelUART.Load() && c.enable2.Load()&uartEnableBit != 0 {
			return uartBasicBit
		}
		return 0
	case regPending1:
		return c.level1.Load() & c.enable1.Load()
	case regPending2:
		return c.level2.Load() & c.enable2.Load()
	case regEnable1:
		return c.enable1.Load()
	case regEnable2:
		return c.enable2.Load()
	}
	return 0
}

// WriteMMIO implements memio.Device.
func (c *Controller) WriteMMIO(addr, val uint32) {
	switch addr - layout.IRQBase {
	case regEnable1:
		atomicOr32(&c.enable1, val)
	case regEnable2:
		atomicOr32(&c.enable2, val)
	case regDisable1:
		atomicAnd32(&c.enable1, ^val)
	case regDisable2:
		atomicAnd32(&c.enable2, ^val)
	}
}

// TimerLine returns the system timer's input line.
func (c *Controller) TimerLine() *line {
	return &line{set: func(level bool) {
		if level {
			atomicOr32(&c.level1, timerEnableBit)
			c.cpu.Kick()
		} else {
			atomicAnd32(&c.level1, ^uint32(timerEnableBit))
		}
	}}
}

// UARTLine returns the UART's input line.
func (c *Controller) UARTLine() *line {
	return &line{set: func(level bool) {
		c.levelUART.Store(level)
		if level {
			atomicOr32(&c.level2, uartEnableBit)
			c.cpu.Kick()
		} else {
			atomicAnd32(&c.level2, ^uint32(uartEnableBit))
		}
	}}
}

// atomicOr32 and atomicAnd32 back-port the atomic.Uint32.Or/And methods
// (stdlib 1.23+) for the pre-1.23 toolchain available in this build.
func atomicOr32(a *atomic.Uint32, val uint32) {
	for {
		old := a.Load()
		if a.CompareAndSwap(old, old|val) {
			return
		}
	}
}

func atomicAnd32(a *atomic.Uint32, val uint32) {
	for {
		old := a.Load()
		if a.CompareAndSwap(old, old&val) {
			return
		}
	}
}

type line struct {
	set func(bool)
}

// SetLevel implements interfaces.Line.
func (l *line) SetLevel(level bool) { l.set(level) }

// Registers is the driver-side view of the controller: typed accessors
// over bus addresses, with the barrier discipline folded in.
type Registers struct {
	bus *memio.Bus
}

// NewRegisters wraps the controller window on the bus.
func NewRegisters(bus *memio.Bus) *Registers { return &Registers{bus: bus} }

// EnableTimer unmasks the system timer line.
func (r *Registers) EnableTimer() {
	b := memio.NewBarrier()
	defer b.Close()
	r.bus.Store32(layout.IRQBase+regEnable1, timerEnableBit)
}

// EnableUART unmasks the UART line.
func (r *Registers) EnableUART() {
	b := memio.NewBarrier()
	defer b.Close()
	r.bus.Store32(layout.IRQBase+regEnable2, uartEnableBit)
}

// TimerPending reports whether the timer line is raised and enabled.
func (r *Registers) TimerPending() bool {
	return r.bus.Load32(layout.IRQBase+regPending1)&timerEnableBit != 0
}

// UARTPending reports whether the UART line is raised and enabled.
func (r *Registers) UARTPending() bool {
	return r.bus.Load32(layout.IRQBase+regPendingBasic)&uartBasicBit != 0
}

// Size returns the MMIO window size for bus registration.
func Size() uint32 { return controllerSize }

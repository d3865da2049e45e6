package systimer

import (
	"sync/atomic"

	"github.com/coniferos/conifer/internal/irq"
	"github.com/coniferos/conifer/internal/layout"
	"github.com/coniferos/conifer/internal/memio"
)

// tick is the counter advance per jiffy.
const tick = layout.TimerHz >> layout.SysHzBits

// Timer is the kernel driver for the system timer, and the owner of the
// jiffy counter.
//
// The comparator must be re-armed on every interrupt. Naively setting
// compare1 = now + tick goes wrong when the machine is emulated: an
// interrupts-off window longer than a tick (host scheduling, slow
// devices) leaves compare1 behind the counter, and with a 32-bit counter
// that means no interrupt until the counter wraps — the running task is
// never preempted again. Channel 3 is armed with a much larger period as
// a hedge; when it has also fired, the corresponding batch of jiffies is
// reported at once, and the catch-up loop walks compare1 forward until it
// leads the counter again.
type Timer struct {
	bus     *memio.Bus
	jiffies atomic.Uint32
	missed  atomic.Uint32
}

// NewTimer wraps the timer window on the bus.
func NewTimer(bus *memio.Bus) *Timer { return &Timer{bus: bus} }

func (t *Timer) load(off uint32) uint32 { return t.bus.Load32(layout.TimerBase + off) }
func (t *Timer) store(off, val uint32)  { t.bus.Store32(layout.TimerBase+off, val) }

// Init arms both comparators and clears any stale match.
func (t *Timer) Init() {
	b := memio.NewBarrier()
	defer b.Close()

	now := t.load(regCounterLo)
	t.store(regCompare1, now+tick)
	t.store(regCompare3, now+tick<<layout.FallbackScalerBits)
	t.store(regCS, matchBit1|matchBit3)
}

// Matched reports whether the tick channel has fired.
func (t *Timer) Matched() bool {
	memio.DMB()
	return t.load(regCS)&matchBit1 != 0
}

// jiffiesSinceLastMatch inspects the fallback channel: if it fired too,
// whole batches of ticks were lost and are reported in one step.
func (t *Timer) jiffiesSinceLastMatch(now uint32) uint32 {
	if reached(now, t.load(regCompare3)) {
		t.missed.Add(layout.FallbackScaler - 1)
		return layout.FallbackScaler
	}
	return 1
}

// HandleIRQ accounts elapsed jiffies, re-arms both comparators, and
// clears the match flag. Returns the number of jiffies that elapsed.
func (t *Timer) HandleIRQ(irq.DisabledTag) uint32 {
	b := memio.NewBarrier()
	defer b.Close()

	now := t.load(regCounterLo)
	jiff := t.jiffiesSinceLastMatch(now)

	// Catch up without starving: advance in tick steps until the
	// comparator leads the counter again.
	cmp := t.load(regCompare1)
	for reached(now, cmp) {
		cmp += tick
	}
	t.store(regCompare1, cmp)
	t.store(regCompare3, now+tick<<layout.FallbackScalerBits)
	t.store(regCS, matchBit1|matchBit3)

	t.jiffies.Add(jiff)
	return jiff
}

// Jiffies returns the monotonic jiffy count since boot.
func (t *Timer) Jiffies() uint32 { return t.jiffies.Load() }

// MissedJiffies returns how many jiffies were recovered through the
// fallback channel, for diagnostics.
func (t *Timer) MissedJiffies() uint32 { return t.missed.Load() }

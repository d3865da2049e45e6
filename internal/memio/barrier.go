package memio

import "sync/atomic"

// The platform manual requires a data memory barrier when crossing between
// peripherals and a data synchronization barrier after translation-table
// updates. On the emulated machine these map to Go memory fences: an
// atomic store/load pair orders everything before the barrier against
// everything after it for all goroutines.

var barrierWord uint32

// DMB orders all prior memory accesses before all subsequent ones.
// Bracket every peripheral register sequence with this, per the
// cross-peripheral rule.
func DMB() {
	atomic.AddUint32(&barrierWord, 1)
}

// DSB completes all prior memory accesses before returning. Required after
// any mutation of a live translation table.
func DSB() {
	atomic.AddUint32(&barrierWord, 1)
	_ = atomic.LoadUint32(&barrierWord)
}

// Barrier is a scoped pair of DMBs for entry/exit of a peripheral access
// sequence, mirroring the bracketing discipline the hardware manual asks
// for. Use as:
//
//	defer memio.NewBarrier().Close()
type Barrier struct{}

// NewBarrier issues the entry barrier.
func NewBarrier() Barrier {
	DMB()
	return Barrier{}
}

// Close issues the exit barrier.
func (Barrier) Close() {
	DMB()
}

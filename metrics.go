package conifer

import (
	"sync/atomic"
	"time"
)

// Metrics tracks operational statistics for a machine.
type Metrics struct {
	// Scheduler counters
	Ticks           atomic.Uint64 // Timer interrupts serviced
	MissedJiffies   atomic.Uint64 // Jiffies recovered via the fallback comparator
	ContextSwitches atomic.Uint64 // Task switches performed

	// Syscall counters
	Syscalls       atomic.Uint64 // Total syscalls dispatched
	SyscallsByCode [16]atomic.Uint64

	// UART traffic
	UARTRxBytes atomic.Uint64
	UARTTxBytes atomic.Uint64

	// Lifecycle
	StartTime atomic.Int64 // Boot timestamp (UnixNano)
	StopTime  atomic.Int64 // Halt timestamp (UnixNano)
}

// NewMetrics creates a metrics instance stamped with the boot time.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// Stop marks the machine as halted.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Ticks           uint64
	MissedJiffies   uint64
	ContextSwitches uint64
	Syscalls        uint64
	SyscallsByCode  [16]uint64
	UARTRxBytes     uint64
	UARTTxBytes     uint64
	UptimeNs        uint64
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Ticks:           m.Ticks.Load(),
		MissedJiffies:   m.MissedJiffies.Load(),
		ContextSwitches: m.ContextSwitches.Load(),
		Syscalls:        m.Syscalls.Load(),
		UARTRxBytes:     m.UARTRxBytes.Load(),
		UARTTxBytes:     m.UARTTxBytes.Load(),
	}
	for i := range m.SyscallsByCode {
		snap.SyscallsByCode[i] = m.SyscallsByCode[i].Load()
	}
	end := m.StopTime.Load()
	if end == 0 {
		end = time.Now().UnixNano()
	}
	if start := m.StartTime.Load(); end > start {
		snap.UptimeNs = uint64(end - start)
	}
	return snap
}

// Observer receives machine events; implementations must be thread-safe.
type Observer interface {
	ObserveTick(missed uint32)
	ObserveSyscall(code uint32)
	ObserveContextSwitch()
	ObserveUARTRx(bytes uint64)
	ObserveUARTTx(bytes uint64)
}

// NoOpObserver discards all events.
type NoOpObserver struct{}

func (NoOpObserver) ObserveTick(uint32)    {}
func (NoOpObserver) ObserveSyscall(uint32) {}
func (NoOpObserver) ObserveContextSwitch() {}
func (NoOpObserver) ObserveUARTRx(uint64)  {}
func (NoOpObserver) ObserveUARTTx(uint64)  {}

// MetricsObserver records events into a Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates the default observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveTick(missed uint32) {
	o.metrics.Ticks.Add(1)
	if missed > 0 {
		o.metrics.MissedJiffies.Add(uint64(missed))
	}
}

func (o *MetricsObserver) ObserveSyscall(code uint32) {
	o.metrics.Syscalls.Add(1)
	if int(code) < len(o.metrics.SyscallsByCode) {
		o.metrics.SyscallsByCode[code].Add(1)
	}
}

func (o *MetricsObserver) ObserveContextSwitch() {
	o.metrics.ContextSwitches.Add(1)
}

func (o *MetricsObserver) ObserveUARTRx(bytes uint64) {
	o.metrics.UARTRxBytes.Add(bytes)
}

func (o *MetricsObserver) ObserveUARTTx(bytes uint64) {
	o.metrics.UARTTxBytes.Add(bytes)
}

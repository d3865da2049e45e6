package task

import "github.com/coniferos/conifer/internal/irq"

// DisabledTag re-exports the interrupt witness; every scheduler entry
// point takes one so rescheduling with interrupts live is unrepresentable.
type DisabledTag = irq.DisabledTag

// contextSwitch is the switch primitive. On hardware this is a short
// assembly sequence that stores the outgoing task's general registers and
// banked stack pointers into its snapshot and reloads the incoming
// task's; here the snapshots are already authoritative and the transfer
// of control is the run-token handoff between the two task goroutines.
//
// The interrupt mask travels with the context, exactly as the I and F
// bits live in the saved status word: the outgoing task banks its mask
// depth and the incoming task's is installed before it runs. Without
// this, a task suspended inside a critical section would keep the whole
// machine masked.
//
// The token send happens before the receive: the incoming task starts
// running while the outgoing goroutine parks, which is the hardware
// ordering (the outgoing context is dead the moment the new PC loads).
func (m *Manager) contextSwitch(out, in *Task, _ DisabledTag) {
	if out != nil {
		out.savedMask = m.cfg.CPU.SwapMask(in.savedMask)
	} else {
		m.cfg.CPU.SwapMask(in.savedMask)
	}
	in.token <- struct{}{}
	if out != nil {
		<-out.token
	}
}

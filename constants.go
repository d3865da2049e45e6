package conifer

import "github.com/coniferos/conifer/internal/layout"

// Re-export machine constants for the public API.
const (
	PageSize    = layout.PageSize
	SectionSize = layout.SectionSize

	TimerHz = layout.TimerHz
	SysHz   = layout.SysHz

	KernelStackSize = layout.KernelStackSize
	UserStackSize   = layout.UserStackSize
	TaskHeapSize    = layout.TaskHeapSize

	DevicesStart = layout.DevicesStart
	UARTBase     = layout.UARTBase
)

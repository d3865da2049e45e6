package task

import "github.com/coniferos/conifer/internal/layout"

// Waitable is the predicate a Waiting task blocks on. The scheduler polls
// IsFinished during pick-next; implementations must tolerate being polled
// from the masked window.
type Waitable interface {
	IsFinished() bool
}

// SleepWaitable finishes once the jiffy counter reaches its deadline.
type SleepWaitable struct {
	deadline uint32
	jiffies  func() uint32
}

// NewSleepWaitable builds the waitable for a sleep of secs seconds from
// now.
func NewSleepWaitable(secs uint32, jiffies func() uint32) SleepWaitable {
	return SleepWaitable{deadline: jiffies() + secs*layout.SysHz, jiffies: jiffies}
}

// IsFinished reports deadline passage, tolerant of counter wrap.
func (s SleepWaitable) IsFinished() bool {
	return int32(s.jiffies()-s.deadline) >= 0
}

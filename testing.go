package conifer

import (
	"bytes"
	"strings"
	"sync"

	"github.com/coniferos/conifer/internal/layout"
)

// MockConsole is a scriptable host console for testing machines without a
// terminal: queue input with Feed, inspect transmitted bytes with Output.
// It implements the Console option.
type MockConsole struct {
	mu  sync.Mutex
	in  []byte
	out bytes.Buffer
}

// NewMockConsole creates an empty console.
func NewMockConsole() *MockConsole {
	return &MockConsole{}
}

// ReadByte implements Console.
func (c *MockConsole) ReadByte() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.in) == 0 {
		return 0, false
	}
	b := c.in[0]
	c.in = c.in[1:]
	return b, true
}

// WriteByte implements Console.
func (c *MockConsole) WriteByte(b byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out.WriteByte(b)
	return nil
}

// Feed queues input bytes for the UART to receive.
func (c *MockConsole) Feed(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in = append(c.in, s...)
}

// FeedLine queues a command followed by a line break.
func (c *MockConsole) FeedLine(s string) { c.Feed(s + "\n") }

// Output returns everything the machine has transmitted.
func (c *MockConsole) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

// OutputContains reports whether the transmitted bytes contain s.
func (c *MockConsole) OutputContains(s string) bool {
	return strings.Contains(c.Output(), s)
}

// ManualClock is a hand-advanced microsecond counter implementing the
// Clock option; machines built over it only see time move when the test
// says so.
type ManualClock struct {
	mu  sync.Mutex
	now uint64
}

// NewManualClock starts at zero.
func NewManualClock() *ManualClock { return &ManualClock{} }

// Micros implements Clock.
func (c *ManualClock) Micros() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the counter forward by micros.
func (c *ManualClock) Advance(micros uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += micros
}

// AdvanceJiffies moves the counter forward by whole scheduler quanta.
func (c *ManualClock) AdvanceJiffies(jiffies uint32) {
	c.Advance(uint64(jiffies) * (layout.TimerHz >> layout.SysHzBits))
}

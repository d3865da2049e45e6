package memio

import (
	"testing"
)

func TestRAMReadWrite(t *testing.T) {
	ram := NewRAM(1024)

	data := []byte("hello, machine")
	n, err := ram.WriteAt(data, 0)
	if err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if n != len(data) {
		t.Errorf("WriteAt wrote %d bytes, want %d", n, len(data))
	}

	buf := make([]byte, len(data))
	n, err = ram.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(data) || string(buf) != string(data) {
		t.Errorf("ReadAt = (%d, %q)", n, buf)
	}
}

func TestRAMBoundaries(t *testing.T) {
	ram := NewRAM(100)

	buf := make([]byte, 50)
	n, err := ram.ReadAt(buf, 80)
	if err != nil {
		t.Fatalf("boundary read: %v", err)
	}
	if n != 20 {
		t.Errorf("boundary read = %d bytes, want 20", n)
	}

	if _, err := ram.ReadAt(buf, 200); err == nil {
		t.Error("read past end succeeded")
	}
	if _, err := ram.WriteAt(buf, 200); err == nil {
		t.Error("write past end succeeded")
	}
}

func TestRAMWords(t *testing.T) {
	ram := NewRAM(4096)
	ram.Store32(16, 0xDEADBEEF)
	if got := ram.Load32(16); got != 0xDEADBEEF {
		t.Errorf("Load32 = 0x%08x", got)
	}
	// Little-endian byte order.
	var b [4]byte
	ram.ReadAt(b[:], 16) //nolint:errcheck
	if b[0] != 0xEF || b[3] != 0xDE {
		t.Errorf("byte order = % x", b)
	}
}

func TestRAMCString(t *testing.T) {
	ram := NewRAM(4096)
	ram.WriteAt(append([]byte("/dev/uart0"), 0), 100) //nolint:errcheck

	s, err := ram.CString(100, 64)
	if err != nil {
		t.Fatalf("CString: %v", err)
	}
	if s != "/dev/uart0" {
		t.Errorf("CString = %q", s)
	}

	if _, err := ram.CString(100, 4); err == nil {
		t.Error("unterminated CString succeeded")
	}
}

func TestRAMZero(t *testing.T) {
	ram := NewRAM(4096)
	ram.WriteAt([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 64) //nolint:errcheck
	ram.Zero(66, 4)
	var b [8]byte
	ram.ReadAt(b[:], 64) //nolint:errcheck
	want := [8]byte{1, 2, 0, 0, 0, 0, 7, 8}
	if b != want {
		t.Errorf("after Zero = % x, want % x", b, want)
	}
}

// wordDevice records the last access.
type wordDevice struct {
	lastRead  uint32
	lastWrite [2]uint32
	value     uint32
}

func (d *wordDevice) ReadMMIO(addr uint32) uint32 {
	d.lastRead = addr
	return d.value
}

func (d *wordDevice) WriteMMIO(addr, val uint32) {
	d.lastWrite = [2]uint32{addr, val}
}

func TestBusDispatch(t *testing.T) {
	ram := NewRAM(4096)
	bus := NewBus(ram)
	dev := &wordDevice{value: 7}
	if err := bus.Map(0x1000, 0x100, dev); err != nil {
		t.Fatal(err)
	}

	// RAM below the window.
	bus.Store32(0x10, 5)
	if got := bus.Load32(0x10); got != 5 {
		t.Errorf("RAM via bus = %d", got)
	}

	// Device accesses carry the full address.
	if got := bus.Load32(0x1004); got != 7 {
		t.Errorf("device read = %d", got)
	}
	if dev.lastRead != 0x1004 {
		t.Errorf("device saw read addr 0x%x", dev.lastRead)
	}
	bus.Store32(0x10F8, 9)
	if dev.lastWrite != [2]uint32{0x10F8, 9} {
		t.Errorf("device saw write %v", dev.lastWrite)
	}
}

func TestBusOverlapRejected(t *testing.T) {
	bus := NewBus(NewRAM(4096))
	if err := bus.Map(0x1000, 0x100, &wordDevice{}); err != nil {
		t.Fatal(err)
	}
	if err := bus.Map(0x10F0, 0x100, &wordDevice{}); err == nil {
		t.Error("overlapping window accepted")
	}
	if err := bus.Map(0x1100, 0x100, &wordDevice{}); err != nil {
		t.Errorf("adjacent window rejected: %v", err)
	}
}

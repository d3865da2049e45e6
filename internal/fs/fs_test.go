package fs

import (
	"testing"

	"github.com/coniferos/conifer/internal/errno"
)

func testTable() *FileDescriptorTable {
	files := NewFileTable(func(path string) File {
		switch path {
		case "/dev/zero":
			return DevZero{}
		case "/dev/null":
			return DevNull{}
		}
		return nil
	})
	return NewFileDescriptorTable(files)
}

func TestOpenCloseRestoresState(t *testing.T) {
	fds := testTable()

	fd := fds.Open("/dev/zero", ModeRead)
	if fd != 0 {
		t.Fatalf("first open = %d, want 0", fd)
	}
	if got := fds.Close(fd); got != 0 {
		t.Fatalf("close = %d", got)
	}

	// The slot is reused: the table is back in its prior state.
	if fd2 := fds.Open("/dev/zero", ModeRead); fd2 != fd {
		t.Errorf("reopen = %d, want %d", fd2, fd)
	}
}

func TestLowestSlotReuse(t *testing.T) {
	fds := testTable()
	fds.Open("/dev/zero", ModeRead)  // 0
	fds.Open("/dev/null", ModeWrite) // 1
	fds.Open("/dev/zero", ModeRead)  // 2

	fds.Close(1)
	if fd := fds.Open("/dev/null", ModeWrite); fd != 1 {
		t.Errorf("open after close = %d, want freed slot 1", fd)
	}
}

func TestUnknownPath(t *testing.T) {
	fds := testTable()
	if fd := fds.Open("/dev/tape", ModeRead); fd != -errno.ENOENT {
		t.Errorf("unknown path = %d, want -ENOENT", fd)
	}
}

func TestBadDescriptors(t *testing.T) {
	fds := testTable()
	for _, fd := range []int{-1, 0, 7} {
		if got := fds.Close(fd); got != -errno.EBADF {
			t.Errorf("Close(%d) = %d, want -EBADF", fd, got)
		}
		if got := fds.Dup(fd); got != -errno.EBADF {
			t.Errorf("Dup(%d) = %d, want -EBADF", fd, got)
		}
		if fds.TryGet(fd) != nil {
			t.Errorf("TryGet(%d) returned a description", fd)
		}
	}
}

func TestDupSharesDescription(t *testing.T) {
	fds := testTable()
	fd := fds.Open("/dev/zero", ModeRead)
	dup := fds.Dup(fd)
	if dup != 1 {
		t.Fatalf("dup = %d, want 1", dup)
	}
	if fds.TryGet(fd) != fds.TryGet(dup) {
		t.Error("dup does not share the description")
	}

	// Closing one leaves the other usable.
	fds.Close(fd)
	if d := fds.TryGet(dup); d == nil {
		t.Fatal("dup lost after closing the original")
	} else if got := d.Read(make([]byte, 4)); got != 4 {
		t.Errorf("read through survivor = %d", got)
	}
}

func TestModeEnforcement(t *testing.T) {
	fds := testTable()
	rd := fds.TryGet(fds.Open("/dev/zero", ModeRead))
	wr := fds.TryGet(fds.Open("/dev/null", ModeWrite))

	if got := rd.Write([]byte("x")); got != -errno.EINVAL {
		t.Errorf("write to read-only = %d, want -EINVAL", got)
	}
	if got := wr.Read(make([]byte, 1)); got != -errno.EINVAL {
		t.Errorf("read from write-only = %d, want -EINVAL", got)
	}
}

func TestDevZeroAndNull(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	if got := (DevZero{}).Read(buf); got != 4 {
		t.Errorf("DevZero read = %d", got)
	}
	for i, b := range buf {
		if b != 0 {
			t.Errorf("byte %d = %d after DevZero read", i, b)
		}
	}
	if got := (DevNull{}).Read(buf); got != 0 {
		t.Errorf("DevNull read = %d, want 0", got)
	}
	if got := (DevNull{}).Write(buf); got != 4 {
		t.Errorf("DevNull write = %d, want 4", got)
	}
	if got := (DevZero{}).Write(buf); got != 4 {
		t.Errorf("DevZero write = %d, want 4", got)
	}
}

func TestCloseAll(t *testing.T) {
	fds := testTable()
	fds.Open("/dev/zero", ModeRead)
	fds.Open("/dev/null", ModeWrite)
	fds.CloseAll()
	if fds.TryGet(0) != nil || fds.TryGet(1) != nil {
		t.Error("descriptors survive CloseAll")
	}
}

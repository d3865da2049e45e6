// Package fs implements the fixed device namespace: the process-wide file
// table, per-task descriptor tables, and the pseudo-device files.
package fs

import (
	"github.com/coniferos/conifer/internal/errno"
	"github.com/coniferos/conifer/internal/layout"
)

// Mode is the open mode of a descriptor.
type Mode uint32

const (
	ModeRead Mode = iota
	ModeWrite
	ModeReadWrite
)

// File is a device endpoint. Reads and writes never fail at this layer;
// length validation and mode checks live in FileDescription.
type File interface {
	Read(buf []byte) int
	Write(buf []byte) int
}

// FileDescription pairs an open file with its mode. Descriptions are
// owned by the FileTable and reference-counted across dup'd descriptors.
type FileDescription struct {
	file     File
	mode     Mode
	refCount int
}

// Read transfers at most len(buf) bytes from the file.
func (d *FileDescription) Read(buf []byte) int {
	if d.mode == ModeWrite {
		return -errno.EINVAL
	}
	if len(buf) > layout.SSizeMax {
		return -errno.EINVAL
	}
	return d.file.Read(buf)
}

// Write transfers len(buf) bytes to the file.
func (d *FileDescription) Write(buf []byte) int {
	if d.mode == ModeRead {
		return -errno.EINVAL
	}
	if len(buf) > layout.SSizeMax {
		return -errno.EINVAL
	}
	return d.file.Write(buf)
}

// FileTable owns every open description in the system.
type FileTable struct {
	open func(path string) File
}

// NewFileTable creates the table. open resolves a path to a device file,
// or nil for unknown paths; the machine wires the four recognized names.
func NewFileTable(open func(path string) File) *FileTable {
	return &FileTable{open: open}
}

// Open resolves path and creates a description, or nil for unknown paths.
func (t *FileTable) Open(path string, mode Mode) *FileDescription {
	f := t.open(path)
	if f == nil {
		return nil
	}
	return &FileDescription{file: f, mode: mode, refCount: 1}
}

// Close drops one reference.
func (t *FileTable) Close(d *FileDescription) {
	d.refCount--
}

// FileDescriptorTable is a task's dense array of nullable descriptor
// references. The lowest free slot is reused before the table grows.
type FileDescriptorTable struct {
	table       *FileTable
	descriptors []*FileDescription
}

// NewFileDescriptorTable creates an empty table over the shared file
// table.
func NewFileDescriptorTable(table *FileTable) *FileDescriptorTable {
	return &FileDescriptorTable{table: table}
}

func (t *FileDescriptorTable) insert(d *FileDescription) int {
	for i, slot := range t.descriptors {
		if slot == nil {
			t.descriptors[i] = d
			return i
		}
	}
	t.descriptors = append(t.descriptors, d)
	return len(t.descriptors) - 1
}

// Open opens path and returns the new descriptor, or a negative errno.
func (t *FileDescriptorTable) Open(path string, mode Mode) int {
	d := t.table.Open(path, mode)
	if d == nil {
		return -errno.ENOENT
	}
	return t.insert(d)
}

// TryGet returns the description behind fd, or nil.
func (t *FileDescriptorTable) TryGet(fd int) *FileDescription {
	if fd < 0 || fd >= len(t.descriptors) {
		return nil
	}
	return t.descriptors[fd]
}

// Close releases fd. Returns 0 or a negative errno.
func (t *FileDescriptorTable) Close(fd int) int {
	d := t.TryGet(fd)
	if d == nil {
		return -errno.EBADF
	}
	t.table.Close(d)
	t.descriptors[fd] = nil
	return 0
}

// Dup duplicates fd into the lowest free slot, sharing the description.
func (t *FileDescriptorTable) Dup(fd int) int {
	d := t.TryGet(fd)
	if d == nil {
		return -errno.EBADF
	}
	d.refCount++
	return t.insert(d)
}

// CloseAll releases every descriptor; used at task exit.
func (t *FileDescriptorTable) CloseAll() {
	for fd := range t.descriptors {
		if t.descriptors[fd] != nil {
			t.table.Close(t.descriptors[fd])
			t.descriptors[fd] = nil
		}
	}
}

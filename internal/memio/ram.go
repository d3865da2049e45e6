// Package memio emulates the machine's physical address space: a flat RAM
// array plus memory-mapped device windows dispatched by a bus.
package memio

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// ShardSize is the size of each RAM shard (64KB).
// Sharded locking lets device feeder goroutines touch DMA-style buffers
// while the CPU goroutine works elsewhere, without a single global lock.
const ShardSize = 64 * 1024

// RAM models the machine's physical memory below the device window.
type RAM struct {
	data   []byte
	size   uint32
	shards []sync.RWMutex
}

// NewRAM creates the physical memory array. size must be shard-aligned in
// practice; a trailing partial shard is handled.
func NewRAM(size uint32) *RAM {
	numShards := (size + ShardSize - 1) / ShardSize
	return &RAM{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

// Size returns the extent of physical memory in bytes.
func (r *RAM) Size() uint32 { return r.size }

// shardRange returns the range of shards that cover [addr, addr+length).
func (r *RAM) shardRange(addr, length uint32) (start, end int) {
	start = int(addr / ShardSize)
	end = int((addr + length - 1) / ShardSize)
	if end >= len(r.shards) {
		end = len(r.shards) - 1
	}
	return start, end
}

// ReadAt copies memory at addr into p. Short reads happen only at the top
// of memory.
func (r *RAM) ReadAt(p []byte, addr uint32) (int, error) {
	if addr >= r.size {
		return 0, fmt.Errorf("memio: read at 0x%08x beyond end of memory", addr)
	}
	avail := r.size - addr
	if uint32(len(p)) > avail {
		p = p[:avail]
	}

	startShard, endShard := r.shardRange(addr, uint32(len(p)))
	for i := startShard; i <= endShard; i++ {
		r.shards[i].RLock()
	}
	n := copy(p, r.data[addr:addr+uint32(len(p))])
	for i := endShard; i >= startShard; i-- {
		r.shards[i].RUnlock()
	}
	return n, nil
}

// WriteAt copies p into memory at addr.
func (r *RAM) WriteAt(p []byte, addr uint32) (int, error) {
	if addr >= r.size {
		return 0, fmt.Errorf("memio: write at 0x%08x beyond end of memory", addr)
	}
	avail := r.size - addr
	if uint32(len(p)) > avail {
		p = p[:avail]
	}

	startShard, endShard := r.shardRange(addr, uint32(len(p)))
	for i := startShard; i <= endShard; i++ {
		r.shards[i].Lock()
	}
	n := copy(r.data[addr:addr+uint32(len(p))], p)
	for i := endShard; i >= startShard; i-- {
		r.shards[i].Unlock()
	}
	return n, nil
}

// Load32 reads a little-endian word. Translation-table walkers and the bus
// use this; addr must be word-aligned and in bounds.
func (r *RAM) Load32(addr uint32) uint32 {
	var buf [4]byte
	if _, err := r.ReadAt(buf[:], addr); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Store32 writes a little-endian word.
func (r *RAM) Store32(addr, val uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	r.WriteAt(buf[:], addr) //nolint:errcheck // bounds are the caller's contract
}

// Zero clears [addr, addr+length).
func (r *RAM) Zero(addr, length uint32) {
	startShard, endShard := r.shardRange(addr, length)
	for i := startShard; i <= endShard; i++ {
		r.shards[i].Lock()
	}
	end := addr + length
	if end > r.size {
		end = r.size
	}
	for i := addr; i < end; i++ {
		r.data[i] = 0
	}
	for i := endShard; i >= startShard; i-- {
		r.shards[i].Unlock()
	}
}

// CString reads a NUL-terminated string starting at addr, capped at max
// bytes. Used by the syscall layer to pull paths out of user memory.
func (r *RAM) CString(addr, max uint32) (string, error) {
	buf := make([]byte, 0, 64)
	for i := uint32(0); i < max; i++ {
		var b [1]byte
		if _, err := r.ReadAt(b[:], addr+i); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return "", fmt.Errorf("memio: unterminated string at 0x%08x", addr)
}

package memio

import (
	"fmt"
	"sort"
)

// Device is a memory-mapped peripheral model. Word accesses arrive with the
// full physical address; the device subtracts its own base.
type Device interface {
	ReadMMIO(addr uint32) uint32
	WriteMMIO(addr, val uint32)
}

type mmioBinding struct {
	base uint32
	size uint32
	dev  Device
}

// Bus dispatches physical word accesses to RAM or a registered device
// window. There is exactly one bus per machine.
type Bus struct {
	ram  *RAM
	mmio []mmioBinding
}

// NewBus creates a bus over the given RAM.
func NewBus(ram *RAM) *Bus {
	return &Bus{ram: ram}
}

// RAM returns the backing memory array.
func (b *Bus) RAM() *RAM { return b.ram }

// Map registers a device window. Windows must not overlap; registration
// happens once at machine construction, before any access.
func (b *Bus) Map(base, size uint32, dev Device) error {
	end := base + size
	if end < base {
		return fmt.Errorf("memio: MMIO window overflow at 0x%08x", base)
	}
	for _, m := range b.mmio {
		if base < m.base+m.size && m.base < end {
			return fmt.Errorf("memio: MMIO window 0x%08x overlaps 0x%08x", base, m.base)
		}
	}
	b.mmio = append(b.mmio, mmioBinding{base: base, size: size, dev: dev})
	sort.Slice(b.mmio, func(i, j int) bool { return b.mmio[i].base < b.mmio[j].base })
	return nil
}

func (b *Bus) find(addr uint32) Device {
	for _, m := range b.mmio {
		if addr >= m.base && addr < m.base+m.size {
			return m.dev
		}
	}
	return nil
}

// Load32 reads a word from a device window or RAM.
func (b *Bus) Load32(addr uint32) uint32 {
	if dev := b.find(addr); dev != nil {
		return dev.ReadMMIO(addr)
	}
	return b.ram.Load32(addr)
}

// Store32 writes a word to a device window or RAM.
func (b *Bus) Store32(addr, val uint32) {
	if dev := b.find(addr); dev != nil {
		dev.WriteMMIO(addr, val)
		return
	}
	b.ram.Store32(addr, val)
}

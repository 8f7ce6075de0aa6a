// Package guestmem gives device and virtqueue code bounds-checked access to
// the single anonymous region backing a VM's guest-physical address space.
package guestmem

import (
	"encoding/binary"
	"fmt"
)

// Memory is a bounds-checked view over the host mapping that backs guest
// physical address 0..len(buf). A single Memory is shared by the vCPU loop
// and every device handler; out-of-bounds translations are rejected rather
// than trusted, since a malicious or buggy guest can present any
// guest-physical address in a descriptor.
type Memory struct {
	buf []byte
}

// New wraps an existing host buffer (typically an mmap'd anonymous region)
// as guest memory starting at guest-physical address 0.
func New(buf []byte) *Memory {
	return &Memory{buf: buf}
}

// Len returns the size of the guest-physical address space.
func (m *Memory) Len() uint64 {
	return uint64(len(m.buf))
}

// Bytes returns the raw backing slice. Used by the VMM to hand the region to
// KVM_SET_USER_MEMORY_REGION; device code should prefer Slice/Read*/Write*.
func (m *Memory) Bytes() []byte {
	return m.buf
}

// Slice returns a sub-slice of the backing buffer covering [addr, addr+n),
// or an error if the range falls outside the mapped region.
func (m *Memory) Slice(addr, n uint64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	end := addr + n
	if end < addr || end > uint64(len(m.buf)) {
		return nil, fmt.Errorf("guestmem: range [%#x, %#x) out of bounds (size %#x)", addr, end, len(m.buf))
	}
	return m.buf[addr:end], nil
}

func (m *Memory) ReadUint16(addr uint64) (uint16, error) {
	b, err := m.Slice(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (m *Memory) ReadUint32(addr uint64) (uint32, error) {
	b, err := m.Slice(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m *Memory) ReadUint64(addr uint64) (uint64, error) {
	b, err := m.Slice(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (m *Memory) WriteUint16(addr uint64, v uint16) error {
	b, err := m.Slice(addr, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

func (m *Memory) WriteUint32(addr uint64, v uint32) error {
	b, err := m.Slice(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (m *Memory) WriteUint64(addr uint64, v uint64) error {
	b, err := m.Slice(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// Write copies data into guest memory starting at addr.
func (m *Memory) Write(addr uint64, data []byte) error {
	b, err := m.Slice(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// Package blk implements a minimal, read-only virtio-blk MMIO device used to
// present an OCI rootfs disk image to the guest as a block device.
package blk

import (
	"fmt"
	"os"
	"sync"

	"github.com/the-void-ia/void-box/internal/virtio/mmio"
	"github.com/the-void-ia/void-box/internal/virtqueue"
	"github.com/the-void-ia/void-box/internal/vmm/guestmem"
)

// DeviceType is the virtio device type ID for block devices.
const DeviceType = 2

const (
	featVersion1 = 1 << 32
	featRO       = 1 << 5
)

const (
	queueSize  = 128
	sectorSize = 512
)

const (
	reqTypeIn  = 0
	reqTypeOut = 1
)

const (
	statusOK     = 0
	statusIOErr  = 1
	statusUnsupp = 2
)

// Device is a read-only virtio-blk device backed by a plain file. Writes are
// always rejected with VIRTIO_BLK_S_UNSUPP, matching the rootfs-artifact use
// case this is built for.
type Device struct {
	disk     *os.File
	capacity uint64 // sectors

	mu   sync.Mutex
	bank *mmio.Bank
}

// NewDevice opens path read-only and sizes the device's reported capacity
// from the file's length, rounded down to whole sectors.
func NewDevice(path string) (*Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blk: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blk: stat %s: %w", path, err)
	}
	return &Device{disk: f, capacity: uint64(info.Size()) / sectorSize}, nil
}

// AttachBank wires the device to the register bank that owns its queue and
// interrupt state, mirroring internal/virtio/net's two-step construction.
func (d *Device) AttachBank(bank *mmio.Bank) {
	d.mu.Lock()
	d.bank = bank
	d.mu.Unlock()
}

func (d *Device) DeviceID() uint32     { return DeviceType }
func (d *Device) Features() uint64     { return featVersion1 | featRO }
func (d *Device) QueueSizes() []uint16 { return []uint16{queueSize} }

func (d *Device) ConfigRead(offset uint64, data []byte) {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(d.capacity >> (8 * i))
	}
	if offset >= uint64(len(buf)) {
		for i := range data {
			data[i] = 0
		}
		return
	}
	n := copy(data, buf[offset:])
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
}

func (d *Device) Reset() {}

// Close releases the backing file.
func (d *Device) Close() error {
	return d.disk.Close()
}

// Notify drains every available descriptor chain on the (single) queue,
// services each as a virtio-blk request, and pushes a used-ring entry per
// request.
func (d *Device) Notify(mem *guestmem.Memory, idx int, q *virtqueue.Queue) {
	if idx != 0 {
		return
	}
	for {
		chain, ok, err := q.PopChain(mem)
		if err != nil || !ok {
			return
		}
		_, written := d.handleRequest(mem, chain)
		d.pushUsed(chain, written)
	}
}

func (d *Device) pushUsed(chain []virtqueue.Descriptor, written uint32) {
	d.mu.Lock()
	bank := d.bank
	d.mu.Unlock()
	if bank == nil {
		return
	}
	_ = bank.PushUsed(0, chain, written)
}

// handleRequest validates and services one virtio-blk request chain: a
// device-readable 16-byte header, zero or more data buffers, and a
// device-writable 1-byte status buffer.
func (d *Device) handleRequest(mem *guestmem.Memory, chain []virtqueue.Descriptor) (status byte, written uint32) {
	if len(chain) < 2 {
		return statusIOErr, 0
	}

	header := chain[0]
	if header.Write || header.Len < 16 {
		return statusIOErr, 0
	}
	statusDesc := chain[len(chain)-1]
	if !statusDesc.Write || statusDesc.Len < 1 {
		return statusIOErr, 0
	}

	var hdr [16]byte
	if _, err := virtqueue.Read(mem, chain[:1], 0, hdr[:]); err != nil {
		return statusIOErr, 0
	}
	reqType := le32(hdr[0:4])
	sector := le64(hdr[8:16])
	fileOff := sector * sectorSize

	dataDescs := chain[1 : len(chain)-1]

	switch reqType {
	case reqTypeIn:
		for _, desc := range dataDescs {
			if !desc.Write {
				status = statusIOErr
				break
			}
			buf := make([]byte, desc.Len)
			n, err := readFull(d.disk, buf, int64(fileOff))
			if err != nil {
				status = statusIOErr
				break
			}
			for i := n; i < len(buf); i++ {
				buf[i] = 0 // short read at EOF: zero-fill the remainder
			}
			if err := mem.Write(desc.Addr, buf); err != nil {
				status = statusIOErr
				break
			}
			fileOff += uint64(desc.Len)
			written += desc.Len
		}
	case reqTypeOut:
		status = statusUnsupp
	default:
		status = statusUnsupp
	}

	if err := mem.Write(statusDesc.Addr, []byte{status}); err != nil {
		return statusIOErr, written
	}
	written++
	return status, written
}

func readFull(f *os.File, buf []byte, off int64) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := f.ReadAt(buf[n:], off+int64(n))
		n += m
		if err != nil {
			if m == 0 {
				return n, nil // EOF: caller zero-fills the rest
			}
		}
		if m == 0 {
			return n, nil
		}
	}
	return n, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
